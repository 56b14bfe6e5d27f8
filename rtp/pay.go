package rtp

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/pion/rtp"

	"pipelined.dev/duplex/codec"
	"pipelined.dev/duplex/stage"
)

// Pay returns the payloader type. Encoded stream is cut into frames of
// ptime duration, frames larger than MTU are split at sample boundaries.
func Pay() *stage.Type {
	return &stage.Type{
		Name:    PayName,
		Kind:    stage.Transcoder,
		Inputs:  []stage.Port{{Name: "sink", Format: stage.Format{Media: stage.Encoded}}},
		Outputs: []stage.Port{{Name: "src", Format: anyRTP}},
		Params: []stage.ParamSpec{
			{Key: ParamPayloadType, Kind: stage.Int, Default: 0, Min: 0, Max: 127, Doc: "payload type, zero means codec default"},
			{Key: ParamMTU, Kind: stage.Int, Default: 1200, Min: 64, Max: 65000},
			{Key: ParamPtime, Kind: stage.Duration, Default: 20 * time.Millisecond, Min: int64(10 * time.Millisecond), Max: int64(120 * time.Millisecond)},
			{Key: ParamSSRC, Kind: stage.Int, Default: 0, Min: 0, Max: math.MaxUint32, Doc: "synchronization source, zero means random"},
		},
		Transform: func(in stage.Format, _ stage.Params) stage.Format {
			return stage.Format{Media: stage.RTP, Encoding: in.Encoding, SampleRate: in.SampleRate}
		},
		New: func(s stage.Setup) (interface{}, error) {
			return NewPayloader(s.Output, s.Params)
		},
	}
}

// Payloader packs encoded buffers into RTP packets.
type Payloader struct {
	format    stage.Format
	pt        uint8
	ssrc      uint32
	mtu       int
	frame     int
	perTick   int
	seq       uint16
	timestamp uint32
	started   bool
	pending   []byte
}

// NewPayloader returns payloader of RTP format.
func NewPayloader(f stage.Format, p stage.Params) (*Payloader, error) {
	info, err := codec.Lookup(f.Encoding)
	if err != nil {
		return nil, err
	}
	perTick := codec.BytesPerTick(f.Encoding)
	if perTick == 0 {
		return nil, fmt.Errorf("%w: cannot packetize %q", stage.ErrInvalidValue, f.Encoding)
	}
	pt := uint8(p.Int(ParamPayloadType))
	if pt == 0 {
		pt = info.PayloadType
	}
	ssrc := uint32(p.Int(ParamSSRC))
	if ssrc == 0 {
		ssrc = rand.Uint32()
	}
	return &Payloader{
		format:    f,
		pt:        pt,
		ssrc:      ssrc,
		mtu:       p.Int(ParamMTU),
		frame:     int(p.Duration(ParamPtime) * time.Duration(f.SampleRate) / time.Second),
		perTick:   perTick,
		seq:       uint16(rand.Uint32()),
		timestamp: rand.Uint32(),
	}, nil
}

// Process implements stage.Processor.
func (p *Payloader) Process(b stage.Buffer) ([]stage.Buffer, error) {
	p.pending = append(p.pending, b.Payload...)
	var out []stage.Buffer
	size := p.frame * p.perTick
	for len(p.pending) >= size {
		out = append(out, p.packetize(p.pending[:size])...)
		p.pending = p.pending[size:]
	}
	return out, nil
}

// Drain implements stage.Drainer. The incomplete frame is sent.
func (p *Payloader) Drain() ([]stage.Buffer, error) {
	if len(p.pending) < p.perTick {
		return nil, nil
	}
	out := p.packetize(p.pending[:len(p.pending)/p.perTick*p.perTick])
	p.pending = nil
	return out, nil
}

// packetize splits a single frame into packets under MTU.
func (p *Payloader) packetize(frame []byte) []stage.Buffer {
	limit := (p.mtu - headerSize) / p.perTick * p.perTick
	var out []stage.Buffer
	for len(frame) > 0 {
		n := len(frame)
		if n > limit {
			n = limit
		}
		payload := make([]byte, n)
		copy(payload, frame[:n])
		ticks := n / p.perTick
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         !p.started,
				PayloadType:    p.pt,
				SequenceNumber: p.seq,
				Timestamp:      p.timestamp,
				SSRC:           p.ssrc,
			},
			Payload: payload,
		}
		out = append(out, stage.Buffer{
			Format:    p.format,
			Packet:    pkt,
			Timestamp: p.timestamp,
			Frames:    ticks,
		})
		p.started = true
		p.seq++
		p.timestamp += uint32(ticks)
		frame = frame[n:]
	}
	return out
}
