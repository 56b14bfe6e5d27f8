// Package aec provides the echo canceller and the echo reference probe.
//
// The probe sits on the receive branch right before the render stage and
// keeps the last rendered samples. The canceller on the send branch
// fetches them as the far-end reference, estimates the echo with an
// adaptive filter and subtracts it from the captured signal. Noise
// suppression, automatic gain control and voice detection run on the
// canceller output.
package aec

import (
	"math"
	"time"

	"pipelined.dev/duplex/stage"
)

// Type names.
const (
	CancelName = "echocancel"
	ProbeName  = "echoprobe"
)

// Canceller parameters.
const (
	ParamEchoCancel            = "echo-cancel"
	ParamEchoSuppressionLevel  = "echo-suppression-level"
	ParamNoiseSuppression      = "noise-suppression"
	ParamNoiseSuppressionLevel = "noise-suppression-level"
	ParamGainControl           = "gain-control"
	ParamVoiceDetection        = "voice-detection"
	ParamFilterLength          = "filter-length"
	ParamDelay                 = "delay"
)

// Suppression levels.
const (
	Low      = "low"
	Moderate = "moderate"
	High     = "high"
	VeryHigh = "very-high"
)

const (
	// SampleRate is the only rate canceller and probe operate on.
	SampleRate = 48000
	// probeCapacity is the number of rendered samples kept by probe.
	probeCapacity = SampleRate
)

// Format is the fixed format of canceller and probe ports.
var Format = stage.Format{Media: stage.Raw, SampleRate: SampleRate, Channels: 1, SampleFormat: stage.S16}

// echoAttenuation maps echo suppression level to the gain applied to the
// residual echo.
var echoAttenuation = map[string]float64{
	Low:      dB(-6),
	Moderate: dB(-12),
	High:     dB(-18),
}

// noiseAttenuation maps noise suppression level to the gain applied to
// frames classified as noise.
var noiseAttenuation = map[string]float64{
	Low:      dB(-6),
	Moderate: dB(-12),
	High:     dB(-18),
	VeryHigh: dB(-24),
}

func dB(v float64) float64 {
	return math.Pow(10, v/20)
}

// Types returns canceller and probe types.
func Types() []*stage.Type {
	return []*stage.Type{Cancel(), ProbeType()}
}

// Cancel returns the echo canceller type.
func Cancel() *stage.Type {
	return &stage.Type{
		Name:    CancelName,
		Kind:    stage.Filter,
		Inputs:  []stage.Port{{Name: "sink", Format: Format}},
		Outputs: []stage.Port{{Name: "src", Format: Format}},
		Role:    stage.ReferenceConsumer,
		Params: []stage.ParamSpec{
			{Key: ParamEchoCancel, Kind: stage.Bool, Default: true, Doc: "subtract the far-end echo"},
			{Key: ParamEchoSuppressionLevel, Kind: stage.Enum, Default: Moderate, Values: []string{Low, Moderate, High}},
			{Key: ParamNoiseSuppression, Kind: stage.Bool, Default: true},
			{Key: ParamNoiseSuppressionLevel, Kind: stage.Enum, Default: Moderate, Values: []string{Low, Moderate, High, VeryHigh}},
			{Key: ParamGainControl, Kind: stage.Bool, Default: true},
			{Key: ParamVoiceDetection, Kind: stage.Bool, Default: false},
			{
				Key: ParamFilterLength, Kind: stage.Duration, Default: 32 * time.Millisecond,
				Min: int64(10 * time.Millisecond), Max: int64(128 * time.Millisecond),
				Doc: "span of the adaptive filter",
			},
			{
				Key: ParamDelay, Kind: stage.Duration, Default: time.Duration(0),
				Min: 0, Max: int64(500 * time.Millisecond),
				Doc: "delay between render and capture, zero estimates it",
			},
		},
		New: func(s stage.Setup) (interface{}, error) {
			return NewCanceller(s), nil
		},
	}
}

// ProbeType returns the echo reference probe type.
func ProbeType() *stage.Type {
	return &stage.Type{
		Name:    ProbeName,
		Kind:    stage.Filter,
		Inputs:  []stage.Port{{Name: "sink", Format: Format}},
		Outputs: []stage.Port{{Name: "src", Format: Format}},
		Role:    stage.ReferenceProducer,
		New: func(stage.Setup) (interface{}, error) {
			return NewProbe(probeCapacity), nil
		},
	}
}

func samples(d time.Duration) int {
	return int(d * SampleRate / time.Second)
}
