// Package codec provides encoder and decoder stages. L16 and G.722 are
// supported both ways, Opus is decode only.
package codec

import (
	"fmt"

	"pipelined.dev/duplex/stage"
)

// Type names.
const (
	EncoderName = "encoder"
	DecoderName = "decoder"
)

// ParamEncoding selects the codec of encoder and decoder.
const ParamEncoding = "encoding"

// Info describes the RTP mapping of encoding.
type Info struct {
	Encoding stage.Encoding
	// PayloadType is the default RTP payload type.
	PayloadType uint8
	// ClockRate is the RTP clock rate.
	ClockRate int
	// SampleRate is the rate of decoded audio.
	SampleRate int
}

var infos = map[stage.Encoding]Info{
	stage.L16:  {Encoding: stage.L16, PayloadType: 96, ClockRate: 48000, SampleRate: 48000},
	stage.G722: {Encoding: stage.G722, PayloadType: 9, ClockRate: 8000, SampleRate: 16000},
	stage.OPUS: {Encoding: stage.OPUS, PayloadType: 111, ClockRate: 48000, SampleRate: 48000},
}

// Lookup returns the RTP mapping of encoding.
func Lookup(e stage.Encoding) (Info, error) {
	if i, ok := infos[e]; ok {
		return i, nil
	}
	return Info{}, fmt.Errorf("%w: unsupported encoding %q", stage.ErrInvalidValue, e)
}

// Types returns encoder and decoder types.
func Types() []*stage.Type {
	return []*stage.Type{Encoder(), Decoder()}
}

// pcmRate returns the rate of raw audio for the encoding and RTP clock.
// L16 clock always matches its sample rate.
func pcmRate(e stage.Encoding, clock int) int {
	if e == stage.L16 {
		return clock
	}
	return infos[e].SampleRate
}

// clockRate returns the RTP clock for the encoding and raw audio rate.
func clockRate(e stage.Encoding, rate int) int {
	if e == stage.L16 {
		return rate
	}
	return infos[e].ClockRate
}

// BytesPerTick returns the payload size of one RTP clock tick. Zero is
// returned for encodings with variable size.
func BytesPerTick(e stage.Encoding) int {
	switch e {
	case stage.L16:
		return 2
	case stage.G722:
		return 1
	}
	return 0
}
