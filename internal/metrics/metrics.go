package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_sessions_active",
		Help: "Currently registered conversation sessions",
	})

	StreamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_streams_active",
		Help: "Currently open streaming capture connections",
	})

	TurnsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_turns_total",
		Help: "Total conversation turns processed",
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_stage_duration_seconds",
		Help:    "Per-stage latency",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 2.0, 5.0, 10.0},
	}, []string{"stage"})

	StageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_stage_errors_total",
		Help: "Stage failures by stage and error type",
	}, []string{"stage", "error_type"})

	TurnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_turn_duration_seconds",
		Help:    "End-to-end latency from finalized audio to turn result",
		Buckets: []float64{0.1, 0.2, 0.5, 1.0, 2.0, 3.0, 5.0, 10.0, 20.0},
	})

	AudioFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_audio_frames_total",
		Help: "Binary audio frames accepted into captures",
	})

	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_audio_frames_dropped_total",
		Help: "Frames dropped for arriving outside a streaming capture",
	})

	CapturesFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_captures_finalized_total",
		Help: "Captures finalized into a turn submission",
	})

	CapturesAborted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_captures_aborted_total",
		Help: "Captures aborted before finalization",
	})
)
