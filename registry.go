package duplex

import (
	"pipelined.dev/duplex/aec"
	"pipelined.dev/duplex/audio"
	"pipelined.dev/duplex/codec"
	"pipelined.dev/duplex/device"
	"pipelined.dev/duplex/rtp"
	"pipelined.dev/duplex/stage"
	"pipelined.dev/duplex/udp"
)

// Types returns all stage types the session graph is built of.
func Types() []*stage.Type {
	var types []*stage.Type
	for _, fn := range []func() []*stage.Type{
		device.Types,
		audio.Types,
		aec.Types,
		codec.Types,
		rtp.Types,
		udp.Types,
	} {
		types = append(types, fn()...)
	}
	return types
}

// NewRegistry returns registry of all stage types.
func NewRegistry() (*stage.Registry, error) {
	return stage.NewRegistry(Types()...)
}
