package audio

import (
	"pipelined.dev/duplex/stage"
)

// Caps parameters.
const (
	ParamRate     = "rate"
	ParamChannels = "channels"
	ParamFormat   = "format"
)

// Caps returns the type that constrains raw format to its parameters.
// Buffers pass through unchanged, converters before it adapt the stream.
func Caps() *stage.Type {
	return &stage.Type{
		Name:    CapsName,
		Kind:    stage.Filter,
		Inputs:  []stage.Port{{Name: "sink", Format: anyRaw}},
		Outputs: []stage.Port{{Name: "src", Format: anyRaw}},
		Params: []stage.ParamSpec{
			{Key: ParamRate, Kind: stage.Int, Default: 48000, Min: 8000, Max: 192000, Doc: "sample rate"},
			{Key: ParamChannels, Kind: stage.Int, Default: 1, Min: 1, Max: 8, Doc: "number of channels"},
			{Key: ParamFormat, Kind: stage.Enum, Default: "S16", Values: []string{"S16", "F32"}, Doc: "sample format"},
		},
		Caps: func(p stage.Params) (stage.Format, stage.Format) {
			f := capsFormat(p)
			return f, f
		},
		New: func(stage.Setup) (interface{}, error) {
			return passthrough{}, nil
		},
	}
}

func capsFormat(p stage.Params) stage.Format {
	sf, _ := stage.ParseSampleFormat(p.String(ParamFormat))
	return stage.Format{
		Media:        stage.Raw,
		SampleRate:   p.Int(ParamRate),
		Channels:     p.Int(ParamChannels),
		SampleFormat: sf,
	}
}

type passthrough struct{}

func (passthrough) Process(b stage.Buffer) ([]stage.Buffer, error) {
	return []stage.Buffer{b}, nil
}
