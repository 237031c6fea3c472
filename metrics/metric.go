package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Registry = prometheus.NewRegistry()

	TrackedAnchors = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "OpenFileTable",
		Name:      "tracked_anchors",
		Help:      "anchors currently held for open inodes and their ancestors",
	})
	LoadedAnchors = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "OpenFileTable",
		Name:      "loaded_anchors",
		Help:      "anchors loaded from the prior epoch and not yet reconciled",
	})
	CommitTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "OpenFileTable",
		Name:      "commit_total",
		Help:      "snapshot commits completed",
	})
	CommitBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "OpenFileTable",
		Name:      "commit_bytes",
		Help:      "approximate bytes written by snapshot commits",
	})
	PrefetchOpenTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "OpenFileTable",
		Name:      "prefetch_open_total",
		Help:      "inode opens issued by the rejoin prefetcher",
	})
)

func init() {
	Registry.MustRegister(
		TrackedAnchors,
		LoadedAnchors,
		CommitTotal,
		CommitBytes,
		PrefetchOpenTotal,
	)
}
