// Package audio provides raw audio stages: sample format and channel
// conversion, sample rate conversion and the format constraint.
package audio

import (
	"math"

	"github.com/go-audio/audio"

	"pipelined.dev/duplex/stage"
)

// Type names.
const (
	ConvertName  = "audioconvert"
	ResampleName = "audioresample"
	CapsName     = "capsfilter"
)

var anyRaw = stage.Format{Media: stage.Raw}

// Types returns all raw audio stage types.
func Types() []*stage.Type {
	return []*stage.Type{Convert(), Resample(), Caps()}
}

// samples returns interleaved samples of the buffer in int16 scale.
func samples(b audio.Buffer) []float64 {
	switch buf := b.(type) {
	case *audio.Float32Buffer:
		out := make([]float64, len(buf.Data))
		for i, v := range buf.Data {
			out[i] = float64(v) * 32767
		}
		return out
	default:
		pcm := stage.PCM16(b)
		out := make([]float64, len(pcm))
		for i, v := range pcm {
			out[i] = float64(v)
		}
		return out
	}
}

// newBuffer creates a buffer of format f from samples in int16 scale.
func newBuffer(s []float64, f stage.Format) audio.Buffer {
	if f.SampleFormat == stage.F32 {
		data := make([]float32, len(s))
		for i, v := range s {
			data[i] = float32(clamp(v) / 32767)
		}
		return stage.NewFloat32(data, f.SampleRate, f.Channels)
	}
	data := make([]int16, len(s))
	for i, v := range s {
		data[i] = int16(math.Round(clamp(v)))
	}
	return stage.NewPCM16(data, f.SampleRate, f.Channels)
}

func clamp(v float64) float64 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return v
}
