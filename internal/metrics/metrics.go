// Package metrics declares the capture counters and serves them over HTTP.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesTotal counts frames written to a ring buffer
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rawring_frames_total",
			Help: "Total number of frames written to the ring",
		},
		[]string{"buffer"},
	)

	// BytesTotal counts record bytes written, headers included
	BytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rawring_bytes_total",
			Help: "Total number of record bytes written to the ring",
		},
		[]string{"buffer"},
	)

	// DropsTotal counts frames not written, by reason
	DropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rawring_drops_total",
			Help: "Total number of harvested frames not written to the ring",
		},
		[]string{"buffer", "reason"}, // reason: lost, duplicate, filtered, discarded
	)

	// PaddingBytesTotal counts bytes spent on segment padding
	PaddingBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rawring_padding_bytes_total",
			Help: "Total number of bytes written as segment padding",
		},
		[]string{"buffer"},
	)

	// OffsetInconsistenciesTotal counts clamped push/pop requests
	OffsetInconsistenciesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rawring_offset_inconsistencies_total",
			Help: "Total number of listener offset updates that had to be clamped",
		},
		[]string{"buffer", "op"},
	)

	// IdleWaitsTotal counts worker cycles that produced no bytes
	IdleWaitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rawring_idle_waits_total",
			Help: "Total number of idle waits entered by ingestion workers",
		},
		[]string{"buffer", "worker"},
	)

	// Listeners tracks active listeners per buffer
	Listeners = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rawring_listeners",
			Help: "Number of active listeners",
		},
		[]string{"buffer"},
	)

	// UsedBytes tracks bytes not yet consumed by the slowest listener
	UsedBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rawring_used_bytes",
			Help: "Bytes held in the ring behind the global read frontier",
		},
		[]string{"buffer"},
	)

	// ListenerKillsTotal counts listener kills
	ListenerKillsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rawring_listener_kills_total",
			Help: "Total number of listeners killed",
		},
		[]string{"buffer"},
	)

	// CommandRequestsTotal counts control-plane requests by method and result
	CommandRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rawring_command_requests_total",
			Help: "Total number of control-plane requests",
		},
		[]string{"method", "result"},
	)
)
