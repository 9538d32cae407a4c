// Copyright 2021 Molecula Corp. All rights reserved.
package watcher

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricStalls          = "stalls_total"
	MetricStalledRequests = "stalled_requests"
	MetricRedispatches    = "merge_redispatches_total"
)

var CounterStalls = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "filtermerge",
		Name:      MetricStalls,
		Help:      "Number of stalls reported by state.",
	},
	[]string{
		"state",
	},
)

var GaugeStalledRequests = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "filtermerge",
		Name:      MetricStalledRequests,
		Help:      "Number of requests stalled at the last check.",
	},
)

var CounterRedispatches = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "filtermerge",
		Name:      MetricRedispatches,
		Help:      "Number of merges dispatched for stalled requests.",
	},
)

func init() {
	prometheus.MustRegister(CounterStalls)
	prometheus.MustRegister(GaugeStalledRequests)
	prometheus.MustRegister(CounterRedispatches)
}
