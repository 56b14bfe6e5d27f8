// Package device provides capture and render stages. Each stage picks
// one of the audio backends with the backend parameter: portaudio and
// malgo talk to sound cards, wav, mp3, sine and null are used for
// recording, playback of files and tests.
package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"
	"github.com/gordonklaus/portaudio"
	"github.com/sirupsen/logrus"

	"pipelined.dev/duplex/stage"
)

// Type names.
const (
	CaptureName = "capture"
	RenderName  = "render"
)

// Backends.
const (
	PortAudio = "portaudio"
	Malgo     = "malgo"
	Wav       = "wav"
	MP3       = "mp3"
	Sine      = "sine"
	Null      = "null"
)

// Parameters.
const (
	ParamBackend   = "backend"
	ParamRate      = "rate"
	ParamChannels  = "channels"
	ParamFrame     = "frame"
	ParamPath      = "path"
	ParamFrequency = "frequency"
	ParamDuration  = "duration"
	ParamLive      = "live"
	ParamBitRate   = "bitrate"
	ParamQuality   = "quality"
)

var (
	// ErrNotInitialized is returned when portaudio backend is started
	// before Init.
	ErrNotInitialized = errors.New("audio runtime is not initialized")
	// ErrUnsupportedBitDepth is returned for wav files that are not 16,
	// 24 or 32 bit.
	ErrUnsupportedBitDepth = errors.New("unsupported bit depth")
)

var (
	mu   sync.Mutex
	refs int
)

// Init initializes the audio runtime. Every call must be paired with
// Terminate.
func Init() error {
	mu.Lock()
	defer mu.Unlock()
	if refs == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("initialize portaudio: %w", err)
		}
	}
	refs++
	return nil
}

// Terminate releases the audio runtime after the last session.
func Terminate() error {
	mu.Lock()
	defer mu.Unlock()
	if refs == 0 {
		return nil
	}
	refs--
	if refs == 0 {
		return portaudio.Terminate()
	}
	return nil
}

func initialized() bool {
	mu.Lock()
	defer mu.Unlock()
	return refs > 0
}

// Types returns capture and render types.
func Types() []*stage.Type {
	return []*stage.Type{Capture(), Render()}
}

var anyRaw = stage.Format{Media: stage.Raw}

func commonParams(backends []string) []stage.ParamSpec {
	return []stage.ParamSpec{
		{Key: ParamBackend, Kind: stage.Enum, Default: PortAudio, Values: backends, Doc: "audio backend"},
		{Key: ParamFrame, Kind: stage.Duration, Default: 10 * time.Millisecond, Min: int64(time.Millisecond), Max: int64(time.Second), Doc: "device buffer duration"},
		{Key: ParamPath, Kind: stage.String, Default: "", Doc: "file path of wav and mp3 backends"},
	}
}

// Capture returns the type that captures audio.
func Capture() *stage.Type {
	params := append(commonParams([]string{PortAudio, Malgo, Wav, Sine}),
		stage.ParamSpec{Key: ParamRate, Kind: stage.Int, Default: 48000, Min: 8000, Max: 192000, Doc: "sample rate"},
		stage.ParamSpec{Key: ParamChannels, Kind: stage.Int, Default: 1, Min: 1, Max: 8, Doc: "number of channels"},
		stage.ParamSpec{Key: ParamFrequency, Kind: stage.Int, Default: 440, Min: 1, Max: 20000, Doc: "sine frequency"},
		stage.ParamSpec{Key: ParamDuration, Kind: stage.Duration, Default: time.Duration(0), Min: 0, Max: int64(24 * time.Hour), Doc: "sine duration, zero is endless"},
		stage.ParamSpec{Key: ParamLive, Kind: stage.Bool, Default: true, Doc: "pace wav and sine in real time"},
	)
	return &stage.Type{
		Name:    CaptureName,
		Kind:    stage.Source,
		Outputs: []stage.Port{{Name: "src", Format: anyRaw}},
		Params:  params,
		Caps: func(p stage.Params) (stage.Format, stage.Format) {
			return stage.Format{}, captureFormat(p)
		},
		New: newCapture,
	}
}

// Render returns the type that plays audio. The device is opened with
// the negotiated format of its input.
func Render() *stage.Type {
	params := append(commonParams([]string{PortAudio, Malgo, Wav, MP3, Null}),
		stage.ParamSpec{Key: ParamBitRate, Kind: stage.Int, Default: 64, Min: 8, Max: 320, Doc: "mp3 bit rate in kbps"},
		stage.ParamSpec{Key: ParamQuality, Kind: stage.Int, Default: 2, Min: 0, Max: 9, Doc: "mp3 encoder quality"},
	)
	return &stage.Type{
		Name:   RenderName,
		Kind:   stage.Sink,
		Inputs: []stage.Port{{Name: "sink", Format: anyRaw}},
		Params: params,
		New:    newRender,
	}
}

func paramsFormat(p stage.Params) stage.Format {
	sf := stage.S16
	if p.String(ParamBackend) == PortAudio {
		sf = stage.F32
	}
	return stage.Format{
		Media:        stage.Raw,
		SampleRate:   p.Int(ParamRate),
		Channels:     p.Int(ParamChannels),
		SampleFormat: sf,
	}
}

// captureFormat returns format of captured audio. Portaudio captures
// floats, other backends 16-bit integers. Rate and channels of
// wav file come from its header.
func captureFormat(p stage.Params) stage.Format {
	f := paramsFormat(p)
	if p.String(ParamBackend) != Wav {
		return f
	}
	file, err := os.Open(p.String(ParamPath))
	if err != nil {
		return f
	}
	defer file.Close()
	d := wav.NewDecoder(file)
	if !d.IsValidFile() {
		return f
	}
	f.SampleRate = int(d.SampleRate)
	f.Channels = int(d.NumChans)
	return f
}

func frames(s stage.Setup, f stage.Format) int {
	n := int(s.Params.Duration(ParamFrame) * time.Duration(f.SampleRate) / time.Second)
	if n < 1 {
		return 1
	}
	return n
}

func logger(s stage.Setup) logrus.FieldLogger {
	if s.Logger != nil {
		return s.Logger
	}
	return logrus.StandardLogger()
}

func requirePath(s stage.Setup) (string, error) {
	path := s.Params.String(ParamPath)
	if path == "" {
		return "", fmt.Errorf("%w: %s backend needs %s", stage.ErrInvalidValue, s.Params.String(ParamBackend), ParamPath)
	}
	return path, nil
}

// pacer releases frames in real time.
type pacer struct {
	interval time.Duration
	next     time.Time
}

func (p *pacer) wait(ctx context.Context) error {
	now := time.Now()
	if p.next.IsZero() {
		p.next = now
	}
	p.next = p.next.Add(p.interval)
	if d := p.next.Sub(now); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}
