// Package metrics holds the prometheus collectors of the sidecar.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "preconfoor"

var (
	// CommitmentsAccepted counts signed and recorded commitments.
	CommitmentsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commitments_accepted_total",
		Help:      "The total number of accepted preconfirmation requests.",
	})
	// CommitmentsRejected counts rejected commitments by reason.
	CommitmentsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commitments_rejected_total",
		Help:      "The total number of rejected preconfirmation requests.",
	}, []string{"reason"})
	// DeadlinesFired counts commitment deadlines that expired.
	DeadlinesFired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deadlines_fired_total",
		Help:      "The total number of commitment deadlines that fired.",
	})
	// FallbackBuilds counts fallback payload builds by result.
	FallbackBuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fallback_builds_total",
		Help:      "The total number of fallback payload builds.",
	}, []string{"result"})
	// MergedFrames counts merged constraint frames from the collector by result.
	MergedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "merged_frames_total",
		Help:      "The total number of merged constraint frames received.",
	}, []string{"result"})
	// TrackedSlots is the number of slots with recorded constraints.
	TrackedSlots = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tracked_slots",
		Help:      "The number of slots currently holding constraints.",
	})
)
