package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

// TopicAll subscribes to every topic of a recipient.
const TopicAll = "*"

// Known topics emitted by the upstream agent. Events carrying other topics
// still pass through; the set only exists so filters and tests can name them.
const (
	TopicConnections       = "connections"
	TopicCredentials       = "credentials"
	TopicProofs            = "proofs"
	TopicBasicMessages     = "basic-messages"
	TopicEndorsements      = "endorsements"
	TopicOutOfBand         = "out_of_band"
	TopicRevocation        = "revocation"
	TopicIssuerCredRev     = "issuer_cred_rev"
	TopicProblemReport     = "problem_report"
	TopicDeletedCredential = "deleted_credential"
)

var knownTopics = map[string]struct{}{
	TopicConnections:       {},
	TopicCredentials:       {},
	TopicProofs:            {},
	TopicBasicMessages:     {},
	TopicEndorsements:      {},
	TopicOutOfBand:         {},
	TopicRevocation:        {},
	TopicIssuerCredRev:     {},
	TopicProblemReport:     {},
	TopicDeletedCredential: {},
}

// KnownTopic reports whether t is one of the topics the upstream agent is
// documented to emit.
func KnownTopic(t string) bool {
	_, ok := knownTopics[t]
	return ok
}

// Event is the domain event envelope consumed from the bus and served to
// subscribers. Payload stays a generic map so unknown topics survive the
// trip; filter fields are extracted lazily.
type Event struct {
	WalletID string         `json:"wallet_id"`
	GroupID  string         `json:"group_id,omitempty"`
	Topic    string         `json:"topic"`
	Origin   string         `json:"origin"`
	Payload  map[string]any `json:"payload"`
}

// UnmarshalJSON accepts "recipient_id" as an alias for "wallet_id", which
// some producers still use.
func (e *Event) UnmarshalJSON(data []byte) error {
	type plain Event
	aux := struct {
		*plain
		RecipientID string `json:"recipient_id"`
	}{plain: (*plain)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if e.WalletID == "" {
		e.WalletID = aux.RecipientID
	}
	return nil
}

var (
	ErrMissingWalletID = errors.New("event: missing wallet_id")
	ErrMissingTopic    = errors.New("event: missing topic")
)

func (e Event) Validate() error {
	if e.WalletID == "" {
		return ErrMissingWalletID
	}
	if e.Topic == "" {
		return ErrMissingTopic
	}
	return nil
}

// State returns payload["state"] when present, or "".
func (e Event) State() string {
	return e.PayloadString("state")
}

// PayloadString returns the payload field as a string, or "" when absent or
// not a string.
func (e Event) PayloadString(field string) string {
	v, ok := e.Payload[field]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Hash is a content hash over the serialized event, used as the broker
// de-duplication id and as the subscription-side seen key. Go's JSON encoder
// sorts map keys, so equal events hash equal.
func (e Event) Hash() string {
	raw, err := json.Marshal(e)
	if err != nil {
		// Payload values are decoded JSON, so this cannot happen in practice.
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Timestamped pairs an event with its bus timestamp. The timestamp is the
// ordering key for both the store and the in-process cache.
type Timestamped struct {
	Time  time.Time
	Event Event
}
