// Package metrics exposes the ambient prometheus counters and histograms
// for build and fetch activity. None of this is load-bearing for
// correctness; it is observability carried alongside the rest of the
// build pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	BuildsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hdist_builds_total",
		Help: "Total number of build attempts by result.",
	}, []string{"result"})

	SourceFetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hdist_source_fetches_total",
		Help: "Total number of source cache fetch attempts by result.",
	}, []string{"result"})

	BuildDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hdist_build_duration_seconds",
		Help:    "Wall-clock duration of build job execution.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
)

func init() {
	prometheus.MustRegister(BuildsTotal, SourceFetchesTotal, BuildDurationSeconds)
}
