package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReader times out every fetch until a message is queued. Close
// unblocks an in-flight fetch, like kafka.Reader does.
type fakeReader struct {
	msgs       chan kafka.Message
	offsets    []time.Time
	closed     chan struct{}
	closeOnce  sync.Once
	closeCalls atomic.Int32
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		msgs:   make(chan kafka.Message, 8),
		closed: make(chan struct{}),
	}
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case msg := <-f.msgs:
		return msg, nil
	case <-f.closed:
		return kafka.Message{}, errors.New("reader closed")
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (f *fakeReader) SetOffsetAt(_ context.Context, t time.Time) error {
	f.offsets = append(f.offsets, t)
	return nil
}

func (f *fakeReader) Close() error {
	f.closeCalls.Add(1)
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func testConsumer(maxTimeouts int) (*Consumer, *[]*fakeReader) {
	c := NewConsumer(ConsumerConfig{
		Brokers:          []string{"localhost:9092"},
		Topic:            "agent-events",
		FetchTimeout:     20 * time.Millisecond,
		MaxTimeoutErrors: maxTimeouts,
	}, slog.Default())

	readers := &[]*fakeReader{}
	c.newReader = func() messageReader {
		r := newFakeReader()
		*readers = append(*readers, r)
		return r
	}
	return c, readers
}

func TestFetchBeforeSubscribe(t *testing.T) {
	c, _ := testConsumer(3)
	_, err := c.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrNoSubscription)
}

func TestFetchTimeoutIsExpectedNoise(t *testing.T) {
	c, readers := testConsumer(3)
	require.NoError(t, c.Subscribe(context.Background(), time.Now().Add(-time.Minute)))

	_, err := c.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrFetchTimeout)
	assert.Len(t, *readers, 1, "a single timeout must not resubscribe")
}

func TestConsecutiveTimeoutsTriggerOneResubscribe(t *testing.T) {
	const maxTimeouts = 3
	c, readers := testConsumer(maxTimeouts)

	start := time.Now().Add(-time.Minute)
	require.NoError(t, c.Subscribe(context.Background(), start))

	for i := 0; i < maxTimeouts+1; i++ {
		_, err := c.Fetch(context.Background())
		assert.ErrorIs(t, err, ErrFetchTimeout)
	}

	require.Len(t, *readers, 2, "expected exactly one resubscribe")
	first, second := (*readers)[0], (*readers)[1]
	assert.Equal(t, int32(1), first.closeCalls.Load(), "old reader unsubscribed exactly once")
	assert.Equal(t, []time.Time{start}, second.offsets, "resubscribed at the acked watermark")

	// delivery still works after the resubscribe
	want := kafka.Message{Value: []byte(`{"wallet_id":"w1","topic":"credentials"}`), Time: time.Now()}
	second.msgs <- want
	got, err := c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want.Value, got.Value)
}

func TestSuccessfulFetchResetsTimeoutCount(t *testing.T) {
	const maxTimeouts = 2
	c, readers := testConsumer(maxTimeouts)
	require.NoError(t, c.Subscribe(context.Background(), time.Now()))

	r := (*readers)[0]
	for i := 0; i < maxTimeouts; i++ {
		_, err := c.Fetch(context.Background())
		assert.ErrorIs(t, err, ErrFetchTimeout)
	}

	r.msgs <- kafka.Message{Value: []byte("{}"), Time: time.Now()}
	_, err := c.Fetch(context.Background())
	require.NoError(t, err)

	// the counter restarted, so the next timeouts stay under the threshold
	for i := 0; i < maxTimeouts; i++ {
		_, err := c.Fetch(context.Background())
		assert.ErrorIs(t, err, ErrFetchTimeout)
	}
	assert.Len(t, *readers, 1)
}

func TestAckAdvancesWatermark(t *testing.T) {
	const maxTimeouts = 1
	c, readers := testConsumer(maxTimeouts)

	start := time.Now().Add(-time.Minute)
	require.NoError(t, c.Subscribe(context.Background(), start))

	msgTime := time.Now().Add(-30 * time.Second)
	(*readers)[0].msgs <- kafka.Message{Value: []byte("{}"), Time: msgTime}
	msg, err := c.Fetch(context.Background())
	require.NoError(t, err)
	c.Ack(msg)

	for i := 0; i < maxTimeouts+1; i++ {
		c.Fetch(context.Background())
	}

	require.Len(t, *readers, 2)
	assert.Equal(t, []time.Time{msgTime}, (*readers)[1].offsets)
}

// Close from another goroutine must settle an in-flight fetch loop: the
// loop sees ErrNoSubscription and exits instead of racing on the reader.
func TestCloseUnblocksConcurrentFetchLoop(t *testing.T) {
	c, readers := testConsumer(1000)
	require.NoError(t, c.Subscribe(context.Background(), time.Now()))
	(*readers)[0].msgs <- kafka.Message{Value: []byte("{}"), Time: time.Now()}

	fetched := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			msg, err := c.Fetch(context.Background())
			if errors.Is(err, ErrNoSubscription) {
				return
			}
			if err == nil {
				c.Ack(msg)
				select {
				case fetched <- struct{}{}:
				default:
				}
			}
		}
	}()

	select {
	case <-fetched:
	case <-time.After(2 * time.Second):
		t.Fatal("fetch loop never delivered")
	}

	require.NoError(t, c.Close())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fetch loop did not stop after Close")
	}

	assert.Equal(t, int32(1), (*readers)[0].closeCalls.Load())
	_, err := c.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrNoSubscription)
}
