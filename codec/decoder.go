package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gotranspile/g722"
	"github.com/pion/opus"

	"pipelined.dev/duplex/stage"
)

// ErrMalformedPayload is returned wrapped into warning when payload can't
// be decoded.
var ErrMalformedPayload = errors.New("malformed payload")

// Decoder returns the type that decodes into raw mono audio.
func Decoder() *stage.Type {
	return &stage.Type{
		Name:    DecoderName,
		Kind:    stage.Transcoder,
		Inputs:  []stage.Port{{Name: "sink", Format: stage.Format{Media: stage.Encoded}}},
		Outputs: []stage.Port{{Name: "src", Format: stage.Format{Media: stage.Raw, Channels: 1, SampleFormat: stage.S16}}},
		Params: []stage.ParamSpec{
			{
				Key: ParamEncoding, Kind: stage.Enum, Default: string(stage.L16),
				Values: []string{string(stage.L16), string(stage.G722), string(stage.OPUS)},
			},
		},
		Caps: func(p stage.Params) (stage.Format, stage.Format) {
			e := stage.Encoding(p.String(ParamEncoding))
			in := stage.Format{Media: stage.Encoded, Encoding: e}
			out := stage.Format{Media: stage.Raw, Channels: 1, SampleFormat: stage.S16}
			if e != stage.L16 {
				in.SampleRate = infos[e].ClockRate
				out.SampleRate = infos[e].SampleRate
			}
			return in, out
		},
		Transform: func(in stage.Format, p stage.Params) stage.Format {
			e := stage.Encoding(p.String(ParamEncoding))
			return stage.Format{Media: stage.Raw, SampleRate: pcmRate(e, in.SampleRate), Channels: 1, SampleFormat: stage.S16}
		},
		New: func(s stage.Setup) (interface{}, error) {
			d := decoder{format: s.Output, clock: s.Input.SampleRate}
			switch s.Input.Encoding {
			case stage.L16:
				d.decode = decodeL16
			case stage.G722:
				dec := g722.NewDecoder(g722.Rate64000, 0)
				d.decode = func(payload []byte) ([]int16, error) {
					pcm := make([]int16, 2*len(payload))
					written := dec.Decode(pcm, payload)
					if written <= 0 {
						return nil, fmt.Errorf("%w: g722 decoder produced %d samples", ErrMalformedPayload, written)
					}
					return pcm[:written], nil
				}
			case stage.OPUS:
				dec := opus.NewDecoder()
				d.decode = func(payload []byte) ([]int16, error) {
					return decodeOpus(&dec, payload)
				}
			default:
				return nil, fmt.Errorf("%w: cannot decode %q", stage.ErrInvalidValue, s.Input.Encoding)
			}
			return &d, nil
		},
	}
}

// decoder decodes payloads and conceals gaps. The first gap after audio
// repeats the last frame at half gain, the following ones are silent.
type decoder struct {
	format stage.Format
	clock  int
	decode func([]byte) ([]int16, error)
	last   []int16
	streak int
}

func (d *decoder) Process(b stage.Buffer) ([]stage.Buffer, error) {
	if b.Gap {
		return []stage.Buffer{d.conceal(b)}, nil
	}
	pcm, err := d.decode(b.Payload)
	if err != nil {
		return nil, stage.Warning(err)
	}
	d.last = pcm
	d.streak = 0
	return []stage.Buffer{d.buffer(b, pcm)}, nil
}

func (d *decoder) conceal(b stage.Buffer) stage.Buffer {
	n := b.Frames
	if d.clock > 0 {
		n = b.Frames * d.format.SampleRate / d.clock
	}
	pcm := make([]int16, n)
	if d.streak == 0 {
		for i := range pcm {
			if len(d.last) == 0 {
				break
			}
			pcm[i] = d.last[i%len(d.last)] / 2
		}
	}
	d.streak++
	return d.buffer(b, pcm)
}

func (d *decoder) buffer(b stage.Buffer, pcm []int16) stage.Buffer {
	return stage.Buffer{
		Format:    d.format,
		Audio:     stage.NewPCM16(pcm, d.format.SampleRate, 1),
		Timestamp: b.Timestamp,
		Gap:       b.Gap,
		Frames:    len(pcm),
	}
}

func decodeL16(payload []byte) ([]int16, error) {
	if len(payload)%2 != 0 {
		return nil, fmt.Errorf("%w: odd L16 payload length %d", ErrMalformedPayload, len(payload))
	}
	pcm := make([]int16, len(payload)/2)
	for i := range pcm {
		pcm[i] = int16(binary.BigEndian.Uint16(payload[2*i:]))
	}
	return pcm, nil
}

// opusMaxFrames is the longest Opus packet, 120 ms at 48 kHz.
const opusMaxFrames = 5760

// decodeOpus decodes the packet into 48 kHz mono samples. Stereo
// packets are downmixed.
func decodeOpus(dec *opus.Decoder, payload []byte) ([]int16, error) {
	frames, err := opusFrames(payload)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 2*2*opusMaxFrames)
	_, stereo, err := dec.Decode(payload, out)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	channels := 1
	if stereo {
		channels = 2
	}
	pcm := make([]int16, frames)
	for i := range pcm {
		var sum int
		for ch := 0; ch < channels; ch++ {
			off := 2 * (i*channels + ch)
			sum += int(int16(binary.LittleEndian.Uint16(out[off:])))
		}
		pcm[i] = int16(sum / channels)
	}
	return pcm, nil
}

// opusFrameDuration is the frame duration by TOC configuration in
// 1/10 ms.
var opusFrameDuration = [32]int{
	100, 200, 400, 600, 100, 200, 400, 600, 100, 200, 400, 600,
	100, 200, 100, 200,
	25, 50, 100, 200, 25, 50, 100, 200, 25, 50, 100, 200, 25, 50, 100, 200,
}

// opusFrames returns the number of 48 kHz samples per channel in packet.
func opusFrames(payload []byte) (int, error) {
	if len(payload) == 0 {
		return 0, fmt.Errorf("%w: empty opus packet", ErrMalformedPayload)
	}
	toc := payload[0]
	count := 1
	switch toc & 0x3 {
	case 1, 2:
		count = 2
	case 3:
		if len(payload) < 2 {
			return 0, fmt.Errorf("%w: truncated opus packet", ErrMalformedPayload)
		}
		count = int(payload[1] & 0x3f)
	}
	frames := count * opusFrameDuration[toc>>3] * 48 / 10
	if frames == 0 || frames > opusMaxFrames {
		return 0, fmt.Errorf("%w: invalid opus frame count", ErrMalformedPayload)
	}
	return frames, nil
}
