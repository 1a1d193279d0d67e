package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsCached = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waypoint_cache_events_total",
		Help: "The total number of events inserted into the cache",
	})
	eventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waypoint_cache_events_delivered_total",
		Help: "The total number of events delivered to subscriptions",
	})
	eventsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waypoint_cache_events_evicted_total",
		Help: "The total number of events evicted from full buffers",
	})
	pairsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waypoint_cache_pairs_swept_total",
		Help: "The total number of idle (recipient, topic) pairs removed by the cleanup sweep",
	})
	activeSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "waypoint_active_subscriptions",
		Help: "The number of open event subscriptions",
	})
)
