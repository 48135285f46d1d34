// Package metrics provides Prometheus metrics for the room session client.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionState is 1 for the current channel ready state and 0 for the others.
	ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "oralroom_connection_state",
			Help: "Current room channel ready state",
		},
		[]string{"state"},
	)

	// ConnectAttempts counts channel establishment attempts by mode and outcome.
	ConnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oralroom_connect_attempts_total",
			Help: "Total number of room channel connection attempts",
		},
		[]string{"mode", "outcome"},
	)

	// ReconnectsExhausted counts reconnect loops that gave up.
	ReconnectsExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oralroom_reconnects_exhausted_total",
			Help: "Total number of reconnect loops that ended without a connection",
		},
	)

	// MessagesSent counts frames written to the room channel.
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oralroom_messages_sent_total",
			Help: "Total number of frames sent to the room server",
		},
		[]string{"type"},
	)

	// MessagesDropped counts frames dropped because the channel was not open.
	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oralroom_messages_dropped_total",
			Help: "Total number of frames dropped while the channel was not open",
		},
		[]string{"type"},
	)

	// StageTransitions tracks recording stage changes.
	StageTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oralroom_stage_transitions_total",
			Help: "Total number of recording stage transitions",
		},
		[]string{"from_stage", "to_stage"},
	)

	// UploadDuration tracks the time from upload start to server acknowledgement.
	UploadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "oralroom_upload_duration_seconds",
			Help:    "Duration of recording uploads",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	// UploadFailures counts failed upload attempts.
	UploadFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oralroom_upload_failures_total",
			Help: "Total number of failed recording uploads",
		},
	)

	// URLCacheLookups counts presigned URL cache lookups by result.
	URLCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oralroom_url_cache_lookups_total",
			Help: "Total number of presigned URL cache lookups",
		},
		[]string{"result"},
	)

	// URLCacheSwept counts entries removed by the background sweep.
	URLCacheSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oralroom_url_cache_swept_total",
			Help: "Total number of presigned URLs removed by the sweep",
		},
	)
)

var readyStates = []string{"connecting", "open", "closed", "error"}

// SetConnectionState marks state as the only active ready state.
func SetConnectionState(state string) {
	for _, s := range readyStates {
		value := 0.0
		if s == state {
			value = 1
		}
		ConnectionState.WithLabelValues(s).Set(value)
	}
}

// ObserveUpload records an upload outcome.
func ObserveUpload(started time.Time, err error) {
	if err != nil {
		UploadFailures.Inc()
		return
	}
	UploadDuration.Observe(time.Since(started).Seconds())
}
