package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crewkit_dispatches_total",
		Help: "Dispatches by execution mode.",
	}, []string{"mode"})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crewkit_transitions_total",
		Help: "Crew transitions by kind.",
	}, []string{"kind"})

	extractionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crewkit_extractions_total",
		Help: "Extractor calls by outcome.",
	}, []string{"outcome"})

	streamDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crewkit_stream_duration_seconds",
		Help:    "Wall time of one dispatch event sequence.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)
