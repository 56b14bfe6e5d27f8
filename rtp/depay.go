package rtp

import (
	"fmt"

	"pipelined.dev/duplex/codec"
	"pipelined.dev/duplex/stage"
)

// Depay returns the depayloader type.
func Depay() *stage.Type {
	return &stage.Type{
		Name:    DepayName,
		Kind:    stage.Transcoder,
		Inputs:  []stage.Port{{Name: "sink", Format: anyRTP}},
		Outputs: []stage.Port{{Name: "src", Format: stage.Format{Media: stage.Encoded}}},
		Params: []stage.ParamSpec{
			{Key: ParamPayloadType, Kind: stage.Int, Default: 0, Min: 0, Max: 127, Doc: "accepted payload type, zero means codec default"},
		},
		Transform: func(in stage.Format, _ stage.Params) stage.Format {
			return stage.Format{Media: stage.Encoded, Encoding: in.Encoding, SampleRate: in.SampleRate}
		},
		New: func(s stage.Setup) (interface{}, error) {
			info, err := codec.Lookup(s.Input.Encoding)
			if err != nil {
				return nil, err
			}
			pt := uint8(s.Params.Int(ParamPayloadType))
			if pt == 0 {
				pt = info.PayloadType
			}
			return &depayloader{
				format:  s.Output,
				pt:      pt,
				perTick: codec.BytesPerTick(s.Input.Encoding),
			}, nil
		},
	}
}

type depayloader struct {
	format  stage.Format
	pt      uint8
	perTick int
}

// Process implements stage.Processor. Packets of unexpected payload type
// are dropped with warning.
func (d *depayloader) Process(b stage.Buffer) ([]stage.Buffer, error) {
	if b.Gap {
		return []stage.Buffer{{Format: d.format, Gap: true, Timestamp: b.Timestamp, Frames: b.Frames}}, nil
	}
	if b.Packet == nil {
		return nil, nil
	}
	if b.Packet.PayloadType != d.pt {
		return nil, stage.Warning(fmt.Errorf("unexpected payload type %d, expected %d", b.Packet.PayloadType, d.pt))
	}
	frames := b.Frames
	if d.perTick > 0 {
		frames = len(b.Packet.Payload) / d.perTick
	}
	return []stage.Buffer{{
		Format:    d.format,
		Payload:   b.Packet.Payload,
		Timestamp: b.Packet.Timestamp,
		Frames:    frames,
	}}, nil
}
