// Package metric exposes prometheus counters of stages, bus and session.
package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const namespace = "duplex"

const (
	// MessageCounter measures number of buffers.
	MessageCounter = "Messages"
	// SampleCounter measures number of frames.
	SampleCounter = "Samples"
	// LatencyCounter measures latency between processing calls.
	LatencyCounter = "Latency"
	// DurationCounter counts the duration of signal.
	DurationCounter = "Duration"
	// ComponentCounter counts number of metered components.
	ComponentCounter = "Components"
)

// Registry holds all metrics of the module.
var Registry = prometheus.NewRegistry()

var (
	factory = promauto.With(Registry)

	components = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "stage",
		Name:      "components",
		Help:      "Number of metered stage elements.",
	}, []string{"type"})
	messages = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stage",
		Name:      "buffers_total",
		Help:      "Buffers handled by stage elements.",
	}, []string{"type"})
	samples = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stage",
		Name:      "frames_total",
		Help:      "Frames handled by stage elements.",
	}, []string{"type"})
	latency = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "stage",
		Name:      "latency_seconds",
		Help:      "Time between two consequent buffers.",
	}, []string{"type"})
	duration = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stage",
		Name:      "signal_seconds_total",
		Help:      "Duration of handled signal.",
	}, []string{"type"})

	// BusMessages counts dispatched bus messages by kind.
	BusMessages = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "messages_total",
		Help:      "Bus messages dispatched by the event loop.",
	}, []string{"kind"})
	// Transitions counts session state transitions.
	Transitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "transitions_total",
		Help:      "Session state machine transitions.",
	}, []string{"from", "to"})
	// Sessions is the number of sessions in playing state.
	Sessions = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "playing",
		Help:      "Sessions in playing state.",
	})
	// PacketsLost counts packets declared lost by jitter buffers.
	PacketsLost = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jitter",
		Name:      "lost_total",
		Help:      "Packets declared lost.",
	}, []string{"stage"})
	// PacketsLate counts packets arrived after their playout time.
	PacketsLate = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jitter",
		Name:      "late_total",
		Help:      "Packets dropped because they arrived too late.",
	}, []string{"stage"})
	// PacketsDropped counts packets dropped because of buffer overflow.
	PacketsDropped = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jitter",
		Name:      "dropped_total",
		Help:      "Packets dropped because of overflow or duplication.",
	}, []string{"stage"})
	// StreamResyncs counts jitter buffer resynchronizations on stream
	// restarts.
	StreamResyncs = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jitter",
		Name:      "resyncs_total",
		Help:      "Jitter buffer resynchronizations on SSRC change or discontinuity.",
	}, []string{"stage", "reason"})
	// EchoDelay is the render to capture delay used by the canceller.
	EchoDelay = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "echo",
		Name:      "delay_seconds",
		Help:      "Bulk delay between rendered and captured signal.",
	}, []string{"stage"})
	// VoiceActivity is 1 while near-end voice is detected.
	VoiceActivity = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "echo",
		Name:      "voice_activity",
		Help:      "Voice activity detected by the canceller.",
	}, []string{"stage"})
	// EchoReturnLoss is the echo return loss enhancement in dB.
	EchoReturnLoss = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "echo",
		Name:      "erle_db",
		Help:      "Echo return loss enhancement of the canceller.",
	}, []string{"stage"})
)

// ResetFunc returns new Measure closure. This closure is needed to postpone metrics
// capture until component is actually running.
type ResetFunc func() MeasureFunc

// MeasureFunc captures metrics when buffer is processed.
type MeasureFunc func(frames int64)

// Meter creates new meter closure to capture component counters.
func Meter(component string, sampleRate int) ResetFunc {
	components.WithLabelValues(component).Inc()
	var (
		m = messages.WithLabelValues(component)
		s = samples.WithLabelValues(component)
		l = latency.WithLabelValues(component)
		d = duration.WithLabelValues(component)
	)
	return func() MeasureFunc {
		calledAt := time.Now()
		return func(frames int64) {
			l.Set(time.Since(calledAt).Seconds())
			m.Inc()
			s.Add(float64(frames))
			if sampleRate > 0 {
				d.Add(float64(frames) / float64(sampleRate))
			}
			calledAt = time.Now()
		}
	}
}

// Get returns counters values for provided component type.
func Get(component string) map[string]float64 {
	return map[string]float64{
		ComponentCounter: testutil.ToFloat64(components.WithLabelValues(component)),
		MessageCounter:   testutil.ToFloat64(messages.WithLabelValues(component)),
		SampleCounter:    testutil.ToFloat64(samples.WithLabelValues(component)),
		LatencyCounter:   testutil.ToFloat64(latency.WithLabelValues(component)),
		DurationCounter:  testutil.ToFloat64(duration.WithLabelValues(component)),
	}
}
