package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "factorytwin"

var (
	// StreamEvents counts decoded stream events by kind.
	StreamEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "events_total",
			Help:      "Stream events delivered to the session, by kind",
		},
		[]string{"kind"},
	)

	// StreamDecodeErrors counts discarded malformed events.
	StreamDecodeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "decode_errors_total",
			Help:      "Stream events discarded because their payload could not be decoded",
		},
		[]string{"kind"},
	)

	// StreamReconnects counts reconnect attempts per transport.
	StreamReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts of the event stream",
		},
		[]string{"transport"},
	)

	// MergeMisses counts patch entries whose machine id matched nothing.
	MergeMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "merge_misses_total",
			Help:      "Machine patches that referenced an unknown machine id",
		},
	)

	// TransportErrors counts failed REST calls by operation.
	TransportErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "errors_total",
			Help:      "Failed backend calls, by operation",
		},
		[]string{"op"},
	)

	// PersistFailures counts optimistic edits the backend did not accept.
	PersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "overlay",
			Name:      "persist_failures_total",
			Help:      "Local machine edits whose persistence failed; the edit stays applied",
		},
	)
)
