// Package rtp provides RTP payloader, depayloader and jitter buffer
// stages.
package rtp

import (
	"pipelined.dev/duplex/stage"
)

// Type names.
const (
	PayName    = "rtppay"
	DepayName  = "rtpdepay"
	JitterName = "jitterbuffer"
)

// Parameters.
const (
	ParamPayloadType = "pt"
	ParamMTU         = "mtu"
	ParamPtime       = "ptime"
	ParamSSRC        = "ssrc"
	ParamLatency     = "latency"
	ParamDoLost      = "do-lost"
	ParamMaxPackets  = "max-packets"
)

// headerSize is the size of RTP header without CSRC and extensions.
const headerSize = 12

var anyRTP = stage.Format{Media: stage.RTP}

// Types returns all RTP stage types.
func Types() []*stage.Type {
	return []*stage.Type{Pay(), Depay(), Jitter()}
}

// seqLess compares sequence numbers with wraparound.
func seqLess(a, b uint16) bool {
	return int16(a-b) < 0
}
