package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/gotranspile/g722"

	"pipelined.dev/duplex/stage"
)

// Encoder returns the type that encodes raw mono audio.
func Encoder() *stage.Type {
	return &stage.Type{
		Name:    EncoderName,
		Kind:    stage.Transcoder,
		Inputs:  []stage.Port{{Name: "sink", Format: stage.Format{Media: stage.Raw, Channels: 1, SampleFormat: stage.S16}}},
		Outputs: []stage.Port{{Name: "src", Format: stage.Format{Media: stage.Encoded}}},
		Params: []stage.ParamSpec{
			{
				Key: ParamEncoding, Kind: stage.Enum, Default: string(stage.L16),
				Values: []string{string(stage.L16), string(stage.G722)},
			},
		},
		Caps: func(p stage.Params) (stage.Format, stage.Format) {
			e := stage.Encoding(p.String(ParamEncoding))
			in := stage.Format{Media: stage.Raw, Channels: 1, SampleFormat: stage.S16}
			out := stage.Format{Media: stage.Encoded, Encoding: e}
			if e == stage.G722 {
				in.SampleRate = g722InputRate
				out.SampleRate = infos[e].ClockRate
			}
			return in, out
		},
		Transform: func(in stage.Format, p stage.Params) stage.Format {
			e := stage.Encoding(p.String(ParamEncoding))
			return stage.Format{Media: stage.Encoded, Encoding: e, SampleRate: clockRate(e, in.SampleRate)}
		},
		New: func(s stage.Setup) (interface{}, error) {
			switch s.Output.Encoding {
			case stage.L16:
				return &l16Encoder{format: s.Output}, nil
			case stage.G722:
				return &g722Encoder{
					format:  s.Output,
					encoder: g722.NewEncoder(g722.Rate64000, 0),
				}, nil
			}
			return nil, fmt.Errorf("%w: cannot encode %q", stage.ErrInvalidValue, s.Output.Encoding)
		},
	}
}

// l16Encoder writes samples in network byte order.
type l16Encoder struct {
	format stage.Format
}

func (e *l16Encoder) Process(b stage.Buffer) ([]stage.Buffer, error) {
	pcm := stage.PCM16(b.Audio)
	payload := make([]byte, 2*len(pcm))
	for i, v := range pcm {
		binary.BigEndian.PutUint16(payload[2*i:], uint16(v))
	}
	return []stage.Buffer{{
		Format:  e.format,
		Payload: payload,
		Frames:  len(pcm),
	}}, nil
}

// g722InputRate is the rate of raw audio accepted by G.722 encoder. It's
// decimated to the codec rate of 16 kHz.
const g722InputRate = 48000

const decimation = g722InputRate / 16000

// g722Encoder decimates 48 kHz audio and encodes it at 64 kbit/s.
type g722Encoder struct {
	format  stage.Format
	encoder *g722.Encoder
	// pending holds input samples that don't fill a whole codec frame
	pending []int16
}

func (e *g722Encoder) Process(b stage.Buffer) ([]stage.Buffer, error) {
	e.pending = append(e.pending, stage.PCM16(b.Audio)...)
	// two codec samples per byte
	n := len(e.pending) / (2 * decimation) * (2 * decimation)
	if n == 0 {
		return nil, nil
	}
	wide := make([]int16, n/decimation)
	for i := range wide {
		var sum int
		for _, v := range e.pending[i*decimation : (i+1)*decimation] {
			sum += int(v)
		}
		wide[i] = int16(sum / decimation)
	}
	e.pending = append(e.pending[:0], e.pending[n:]...)

	payload := make([]byte, len(wide)/2)
	written := e.encoder.Encode(payload, wide)
	if written <= 0 {
		return nil, stage.Warning(fmt.Errorf("g722 encoder produced %d bytes", written))
	}
	return []stage.Buffer{{
		Format:  e.format,
		Payload: payload[:written],
		// 8 kHz clock ticks once per two codec samples
		Frames: len(wide) / 2,
	}}, nil
}
