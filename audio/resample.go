package audio

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"pipelined.dev/duplex/stage"
)

// Resample returns the type that converts sample rate with linear
// interpolation. Sample format and channels are preserved.
func Resample() *stage.Type {
	return &stage.Type{
		Name:    ResampleName,
		Kind:    stage.Filter,
		Inputs:  []stage.Port{{Name: "sink", Format: anyRaw}},
		Outputs: []stage.Port{{Name: "src", Format: anyRaw}},
		Transform: func(in stage.Format, _ stage.Params) stage.Format {
			return stage.Format{Media: stage.Raw, Channels: in.Channels, SampleFormat: in.SampleFormat}
		},
		New: func(s stage.Setup) (interface{}, error) {
			if s.Input.SampleRate <= 0 || s.Output.SampleRate <= 0 {
				return nil, fmt.Errorf("invalid sample rates: input=%d, output=%d", s.Input.SampleRate, s.Output.SampleRate)
			}
			if s.Logger != nil {
				s.Logger.WithFields(logrus.Fields{
					"input_rate":  s.Input.SampleRate,
					"output_rate": s.Output.SampleRate,
				}).Debug("resampler created")
			}
			return NewResampler(s.Input.SampleRate, s.Output.SampleRate, s.Input.Channels), nil
		},
	}
}

// Resampler converts sample rate of interleaved stream. It keeps the
// last frame and fractional position between calls, so consecutive
// buffers are interpolated without discontinuities.
type Resampler struct {
	inputRate  int
	outputRate int
	channels   int
	ratio      float64
	position   float64
	last       []float64
}

// NewResampler returns resampler from input rate to output rate.
func NewResampler(inputRate, outputRate, channels int) *Resampler {
	if channels < 1 {
		channels = 1
	}
	return &Resampler{
		inputRate:  inputRate,
		outputRate: outputRate,
		channels:   channels,
		ratio:      float64(inputRate) / float64(outputRate),
		last:       make([]float64, channels),
	}
}

// Resample converts interleaved samples.
func (r *Resampler) Resample(in []float64) []float64 {
	if r.inputRate == r.outputRate {
		return in
	}
	frames := len(in) / r.channels
	if frames == 0 {
		return nil
	}
	out := make([]float64, 0, int(float64(frames)/r.ratio+1)*r.channels)
	for r.position < float64(frames-1) {
		i := int(r.position)
		if r.position < 0 {
			i = -1
		}
		frac := r.position - float64(i)
		for ch := 0; ch < r.channels; ch++ {
			var s0 float64
			if i < 0 {
				s0 = r.last[ch]
			} else {
				s0 = in[i*r.channels+ch]
			}
			s1 := in[(i+1)*r.channels+ch]
			out = append(out, s0+(s1-s0)*frac)
		}
		r.position += r.ratio
	}
	r.position -= float64(frames)
	copy(r.last, in[(frames-1)*r.channels:])
	return out
}

// Process implements stage.Processor.
func (r *Resampler) Process(b stage.Buffer) ([]stage.Buffer, error) {
	if b.Audio == nil {
		return []stage.Buffer{b}, nil
	}
	f := b.Format
	f.SampleRate = r.outputRate
	out := b
	out.Format = f
	out.Audio = newBuffer(r.Resample(samples(b.Audio)), f)
	out.Frames = out.Audio.NumFrames()
	return []stage.Buffer{out}, nil
}
