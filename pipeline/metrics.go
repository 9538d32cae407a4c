// Copyright 2021 Molecula Corp. All rights reserved.
package pipeline

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricSubmissions       = "submissions_total"
	MetricInvocations       = "invocations_total"
	MetricInvocationTime    = "invocation_duration_seconds"
	MetricConflicts         = "cas_conflicts_total"
	MetricMergeDispatches   = "merge_dispatches_total"
	MetricDuplicateMerges   = "duplicate_merges_total"
	MetricChunksPartitioned = "chunks_partitioned_total"
	MetricDispatchRetries   = "dispatch_retries_total"
)

var CounterSubmissions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "filtermerge",
		Name:      MetricSubmissions,
		Help:      "Number of accepted query submissions.",
	},
	[]string{
		"format",
	},
)

var CounterInvocations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "filtermerge",
		Name:      MetricInvocations,
		Help:      "Number of handled invocations by stage and outcome.",
	},
	[]string{
		"stage",
		"outcome",
	},
)

var HistogramInvocationTime = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "filtermerge",
		Name:      MetricInvocationTime,
		Help:      "Time spent handling one invocation.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	},
	[]string{
		"stage",
	},
)

var CounterConflicts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "filtermerge",
		Name:      MetricConflicts,
		Help:      "Number of lost compare-and-swap races by progress field.",
	},
	[]string{
		"field",
	},
)

var CounterMergeDispatches = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "filtermerge",
		Name:      MetricMergeDispatches,
		Help:      "Number of merge invocations dispatched.",
	},
)

var CounterDuplicateMerges = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "filtermerge",
		Name:      MetricDuplicateMerges,
		Help:      "Number of merges which found the request already merged.",
	},
)

var CounterChunksPartitioned = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "filtermerge",
		Name:      MetricChunksPartitioned,
		Help:      "Number of chunks produced by partitioning.",
	},
)

var CounterDispatchRetries = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "filtermerge",
		Name:      MetricDispatchRetries,
		Help:      "Number of failed attempts to invoke a stage which were retried in place.",
	},
	[]string{
		"stage",
	},
)

func init() {
	prometheus.MustRegister(CounterSubmissions)
	prometheus.MustRegister(CounterInvocations)
	prometheus.MustRegister(HistogramInvocationTime)
	prometheus.MustRegister(CounterConflicts)
	prometheus.MustRegister(CounterMergeDispatches)
	prometheus.MustRegister(CounterDuplicateMerges)
	prometheus.MustRegister(CounterChunksPartitioned)
	prometheus.MustRegister(CounterDispatchRetries)
}
