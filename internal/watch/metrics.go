package watch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var watchMetrics = struct {
	active     prometheus.Gauge
	processed  prometheus.Counter
	matched    prometheus.Counter
	reconnects prometheus.Counter
	failed     prometheus.Counter
}{
	active: promauto.NewGauge(prometheus.GaugeOpts{
		Name: "watchers_active",
		Help: "Number of mailbox watchers currently running",
	}),
	processed: promauto.NewCounter(prometheus.CounterOpts{
		Name: "watcher_messages_processed_total",
		Help: "Messages fetched and decoded across all watchers",
	}),
	matched: promauto.NewCounter(prometheus.CounterOpts{
		Name: "watcher_messages_matched_total",
		Help: "Messages that matched a sender filter",
	}),
	reconnects: promauto.NewCounter(prometheus.CounterOpts{
		Name: "watcher_reconnects_total",
		Help: "Reconnection attempts across all watchers",
	}),
	failed: promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchers_failed_total",
		Help: "Watchers that terminated after exhausting retries",
	}),
}
