// Package metrics exposes Prometheus collectors for the notification feed engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var connectionStates = []string{"disconnected", "connecting", "connected", "error"}

// Collectors groups the engine's metrics. A nil *Collectors is valid and
// records nothing.
type Collectors struct {
	PushEvents      *prometheus.CounterVec
	BaselineFetches *prometheus.CounterVec
	MarkRead        *prometheus.CounterVec
	ConnectionState *prometheus.GaugeVec
	StoreSize       prometheus.Gauge
	UnreadCount     prometheus.Gauge
}

// New registers the collectors on reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer) *Collectors {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Collectors{
		PushEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notify_feed_push_events_total",
				Help: "Push events handled, by outcome",
			},
			[]string{"result"},
		),
		BaselineFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notify_feed_baseline_fetches_total",
				Help: "Historical baseline loads, by outcome",
			},
			[]string{"result"},
		),
		MarkRead: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notify_feed_mark_read_total",
				Help: "Mark-as-read operations, by outcome",
			},
			[]string{"result"},
		),
		ConnectionState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "notify_feed_connection_state",
				Help: "1 for the current push connection state, 0 otherwise",
			},
			[]string{"state"},
		),
		StoreSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "notify_feed_store_records",
				Help: "Records currently held in the feed",
			},
		),
		UnreadCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "notify_feed_unread_records",
				Help: "Unread records currently held in the feed",
			},
		),
	}
}

func (c *Collectors) Push(result string) {
	if c == nil {
		return
	}
	c.PushEvents.WithLabelValues(result).Inc()
}

func (c *Collectors) Baseline(result string) {
	if c == nil {
		return
	}
	c.BaselineFetches.WithLabelValues(result).Inc()
}

func (c *Collectors) Mutation(result string) {
	if c == nil {
		return
	}
	c.MarkRead.WithLabelValues(result).Inc()
}

func (c *Collectors) SetConnectionState(state string) {
	if c == nil {
		return
	}
	for _, s := range connectionStates {
		value := 0.0
		if s == state {
			value = 1
		}
		c.ConnectionState.WithLabelValues(s).Set(value)
	}
}

func (c *Collectors) SetStore(size, unread int) {
	if c == nil {
		return
	}
	c.StoreSize.Set(float64(size))
	c.UnreadCount.Set(float64(unread))
}
