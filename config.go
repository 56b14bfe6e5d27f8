package duplex

import (
	"fmt"
	"os"
	"time"

	"pipelined.dev/duplex/aec"
	"pipelined.dev/duplex/device"
	"pipelined.dev/duplex/stage"
)

// DotDirEnv is the environment variable that enables graph dumps when
// Config.DotDir is empty.
const DotDirEnv = "DUPLEX_DEBUG_DUMP_DOT_DIR"

// Role of the endpoint. Both roles build the same graph.
type Role string

// Roles.
const (
	Server Role = "server"
	Client Role = "client"
)

// EchoConfig holds echo canceller settings.
type EchoConfig struct {
	Cancel                bool
	SuppressionLevel      string
	NoiseSuppression      bool
	NoiseSuppressionLevel string
	GainControl           bool
	VoiceDetection        bool
	FilterLength          time.Duration
	Delay                 time.Duration
}

// DeviceConfig selects the audio backend of capture or render stage.
// Rate and Channels are only used by capture, render is opened with
// the negotiated format.
type DeviceConfig struct {
	Backend  string
	Path     string
	Rate     int
	Channels int
}

// Config is the configuration of a session.
type Config struct {
	LocalPort  int
	RemoteHost string
	RemotePort int
	Role       Role
	Codec      stage.Encoding
	// ReceiveCodec is the encoding of incoming packets, empty means Codec.
	// Unlike Codec it also accepts OPUS.
	ReceiveCodec stage.Encoding
	// ReceivePayloadType overrides the payload type of incoming packets,
	// zero means the default of ReceiveCodec.
	ReceivePayloadType int
	JitterLatency      time.Duration
	Echo               EchoConfig
	Capture            DeviceConfig
	Render             DeviceConfig
	// DotDir is the directory where graph is dumped on start.
	DotDir string
}

// DefaultConfig returns config of a local chat.
func DefaultConfig() Config {
	return Config{
		LocalPort:     5000,
		RemoteHost:    "127.0.0.1",
		RemotePort:    5000,
		Role:          Server,
		Codec:         stage.L16,
		JitterLatency: 50 * time.Millisecond,
		Echo: EchoConfig{
			Cancel:                true,
			SuppressionLevel:      aec.High,
			NoiseSuppression:      true,
			NoiseSuppressionLevel: aec.High,
			GainControl:           true,
			VoiceDetection:        true,
			FilterLength:          32 * time.Millisecond,
		},
		Capture: DeviceConfig{Backend: device.PortAudio, Rate: 48000, Channels: 1},
		Render:  DeviceConfig{Backend: device.PortAudio},
		DotDir:  os.Getenv(DotDirEnv),
	}
}

// Validate checks the config. Errors wrap ErrConfigInvalid.
func (c Config) Validate() error {
	if c.RemoteHost == "" {
		return fmt.Errorf("%w: empty remote host", ErrConfigInvalid)
	}
	if !validPort(c.LocalPort) {
		return fmt.Errorf("%w: local port %d is out of range", ErrConfigInvalid, c.LocalPort)
	}
	if !validPort(c.RemotePort) {
		return fmt.Errorf("%w: remote port %d is out of range", ErrConfigInvalid, c.RemotePort)
	}
	switch c.Role {
	case "", Server, Client:
	default:
		return fmt.Errorf("%w: unknown role %q", ErrConfigInvalid, c.Role)
	}
	switch c.Codec {
	case "", stage.L16, stage.G722:
	default:
		return fmt.Errorf("%w: codec %q cannot be sent", ErrConfigInvalid, c.Codec)
	}
	switch c.ReceiveCodec {
	case "", stage.L16, stage.G722, stage.OPUS:
	default:
		return fmt.Errorf("%w: codec %q cannot be received", ErrConfigInvalid, c.ReceiveCodec)
	}
	if c.ReceivePayloadType < 0 || c.ReceivePayloadType > 127 {
		return fmt.Errorf("%w: receive payload type %d is out of range", ErrConfigInvalid, c.ReceivePayloadType)
	}
	if c.JitterLatency < 0 {
		return fmt.Errorf("%w: negative jitter latency", ErrConfigInvalid)
	}
	return nil
}

func validPort(p int) bool {
	return p >= 1 && p <= 65535
}

func (c Config) codec() stage.Encoding {
	if c.Codec == "" {
		return stage.L16
	}
	return c.Codec
}

func (c Config) receiveCodec() stage.Encoding {
	if c.ReceiveCodec == "" {
		return c.codec()
	}
	return c.ReceiveCodec
}

// params returns non-zero values of the echo config.
func (e EchoConfig) params() map[string]interface{} {
	p := map[string]interface{}{
		aec.ParamEchoCancel:       e.Cancel,
		aec.ParamNoiseSuppression: e.NoiseSuppression,
		aec.ParamGainControl:      e.GainControl,
		aec.ParamVoiceDetection:   e.VoiceDetection,
	}
	if e.SuppressionLevel != "" {
		p[aec.ParamEchoSuppressionLevel] = e.SuppressionLevel
	}
	if e.NoiseSuppressionLevel != "" {
		p[aec.ParamNoiseSuppressionLevel] = e.NoiseSuppressionLevel
	}
	if e.FilterLength > 0 {
		p[aec.ParamFilterLength] = e.FilterLength
	}
	if e.Delay > 0 {
		p[aec.ParamDelay] = e.Delay
	}
	return p
}

func (d DeviceConfig) params(capture bool) map[string]interface{} {
	p := map[string]interface{}{}
	if d.Backend != "" {
		p[device.ParamBackend] = d.Backend
	}
	if d.Path != "" {
		p[device.ParamPath] = d.Path
	}
	if capture && d.Rate > 0 {
		p[device.ParamRate] = d.Rate
	}
	if capture && d.Channels > 0 {
		p[device.ParamChannels] = d.Channels
	}
	return p
}
