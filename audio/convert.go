package audio

import (
	"pipelined.dev/duplex/stage"
)

// Convert returns the type that changes sample format and number of
// channels. Sample rate is preserved.
func Convert() *stage.Type {
	return &stage.Type{
		Name:    ConvertName,
		Kind:    stage.Filter,
		Inputs:  []stage.Port{{Name: "sink", Format: anyRaw}},
		Outputs: []stage.Port{{Name: "src", Format: anyRaw}},
		Transform: func(in stage.Format, _ stage.Params) stage.Format {
			return stage.Format{Media: stage.Raw, SampleRate: in.SampleRate}
		},
		New: func(s stage.Setup) (interface{}, error) {
			return &converter{in: s.Input, out: s.Output}, nil
		},
	}
}

type converter struct {
	in  stage.Format
	out stage.Format
}

// Process implements stage.Processor.
func (c *converter) Process(b stage.Buffer) ([]stage.Buffer, error) {
	if b.Audio == nil || c.in == c.out {
		b.Format = c.out
		return []stage.Buffer{b}, nil
	}
	s := remix(samples(b.Audio), c.in.Channels, c.out.Channels)
	out := b
	out.Format = c.out
	out.Audio = newBuffer(s, c.out)
	out.Frames = out.Audio.NumFrames()
	return []stage.Buffer{out}, nil
}

// remix changes the number of interleaved channels. On downmix output
// channel ch averages input channels ch, ch+out and so on. On upmix the
// last input channel is repeated.
func remix(s []float64, in, out int) []float64 {
	if in == out || in == 0 || out == 0 {
		return s
	}
	frames := len(s) / in
	res := make([]float64, frames*out)
	for i := 0; i < frames; i++ {
		frame := s[i*in : (i+1)*in]
		if out < in {
			for ch := 0; ch < out; ch++ {
				var (
					sum float64
					n   int
				)
				for src := ch; src < in; src += out {
					sum += frame[src]
					n++
				}
				res[i*out+ch] = sum / float64(n)
			}
			continue
		}
		for ch := 0; ch < out; ch++ {
			src := ch
			if src >= in {
				src = in - 1
			}
			res[i*out+ch] = frame[src]
		}
	}
	return res
}
