package main

import (
	"flag"
	"fmt"
	"strings"

	"pipelined.dev/duplex"
	"pipelined.dev/duplex/aec"
	"pipelined.dev/duplex/device"
	"pipelined.dev/duplex/stage"
)

// sessionFlags maps command line flags to session config.
type sessionFlags struct {
	c       duplex.Config
	role    string
	codec   string
	receive string
}

func (f *sessionFlags) Register(fs *flag.FlagSet) {
	f.c = duplex.DefaultConfig()
	c := &f.c
	fs.IntVar(&c.LocalPort, "local-port", c.LocalPort, "UDP port to receive audio on")
	fs.StringVar(&c.RemoteHost, "remote-host", c.RemoteHost, "host of the remote endpoint")
	fs.IntVar(&c.RemotePort, "remote-port", c.RemotePort, "UDP port of the remote endpoint")
	fs.StringVar(&f.role, "role", string(c.Role), "endpoint role: server or client")
	fs.StringVar(&f.codec, "codec", string(c.Codec), "codec to send: L16 or G722")
	fs.StringVar(&f.receive, "receive-codec", "", "codec to receive: L16, G722 or OPUS, empty means -codec")
	fs.IntVar(&c.ReceivePayloadType, "receive-pt", 0, "payload type of received packets, zero means codec default")
	fs.DurationVar(&c.JitterLatency, "latency", c.JitterLatency, "jitter buffer latency")

	fs.BoolVar(&c.Echo.Cancel, "aec", c.Echo.Cancel, "enable echo cancellation")
	fs.StringVar(&c.Echo.SuppressionLevel, "aec-level", c.Echo.SuppressionLevel, levels("echo suppression level"))
	fs.BoolVar(&c.Echo.NoiseSuppression, "ns", c.Echo.NoiseSuppression, "enable noise suppression")
	fs.StringVar(&c.Echo.NoiseSuppressionLevel, "ns-level", c.Echo.NoiseSuppressionLevel, levels("noise suppression level"))
	fs.BoolVar(&c.Echo.GainControl, "agc", c.Echo.GainControl, "enable automatic gain control")
	fs.BoolVar(&c.Echo.VoiceDetection, "vad", c.Echo.VoiceDetection, "enable voice activity detection")
	fs.DurationVar(&c.Echo.FilterLength, "aec-filter", c.Echo.FilterLength, "echo canceller filter length")
	fs.DurationVar(&c.Echo.Delay, "aec-delay", c.Echo.Delay, "render to capture delay hint, zero to estimate")

	backends := strings.Join([]string{device.PortAudio, device.Malgo, device.Wav, device.MP3, device.Sine, device.Null}, ", ")
	fs.StringVar(&c.Capture.Backend, "capture", c.Capture.Backend, "capture backend: "+backends)
	fs.StringVar(&c.Capture.Path, "capture-path", "", "file to capture from")
	fs.IntVar(&c.Capture.Rate, "rate", c.Capture.Rate, "capture sample rate")
	fs.IntVar(&c.Capture.Channels, "channels", c.Capture.Channels, "capture channels")
	fs.StringVar(&c.Render.Backend, "render", c.Render.Backend, "render backend: "+backends)
	fs.StringVar(&c.Render.Path, "render-path", "", "file to render to")
	fs.StringVar(&c.DotDir, "dot-dir", c.DotDir, "directory to dump the graph on start")
}

func levels(usage string) string {
	return fmt.Sprintf("%s: %s, %s, %s or %s", usage, aec.Low, aec.Moderate, aec.High, aec.VeryHigh)
}

// Config returns validated session config.
func (f *sessionFlags) Config() (duplex.Config, error) {
	f.c.Role = duplex.Role(f.role)
	f.c.Codec = stage.Encoding(strings.ToUpper(f.codec))
	f.c.ReceiveCodec = stage.Encoding(strings.ToUpper(f.receive))
	return f.c, f.c.Validate()
}

// usesDevices reports if portaudio has to be initialized.
func (f *sessionFlags) usesDevices() bool {
	return f.c.Capture.Backend == device.PortAudio || f.c.Render.Backend == device.PortAudio
}
