package device

import (
	"context"
	"errors"
	"io"

	"github.com/gordonklaus/portaudio"
	"github.com/sirupsen/logrus"

	"pipelined.dev/duplex/stage"
)

// portaudioCapture reads default input device.
type portaudioCapture struct {
	format stage.Format
	frames int
	buf    []float32
	stream *portaudio.Stream
	pos    int
}

func (c *portaudioCapture) Start(context.Context) error {
	if !initialized() {
		return ErrNotInitialized
	}
	c.buf = make([]float32, c.frames*c.format.Channels)
	var err error
	c.stream, err = portaudio.OpenDefaultStream(c.format.Channels, 0, float64(c.format.SampleRate), c.frames, &c.buf)
	if err != nil {
		return err
	}
	if err = c.stream.Start(); err != nil {
		c.stream.Close()
		c.stream = nil
		return err
	}
	return nil
}

// Read blocks for one device buffer. Overflow drops captured audio,
// it's reported as warning along with the data read.
func (c *portaudioCapture) Read(ctx context.Context) (stage.Buffer, error) {
	if ctx.Err() != nil {
		return stage.Buffer{}, io.EOF
	}
	err := c.stream.Read()
	if err != nil && !errors.Is(err, portaudio.InputOverflowed) {
		return stage.Buffer{}, err
	}
	samples := make([]float32, len(c.buf))
	copy(samples, c.buf)
	b := stage.Buffer{
		Format:    c.format,
		Audio:     stage.NewFloat32(samples, c.format.SampleRate, c.format.Channels),
		Timestamp: uint32(c.pos),
	}
	c.pos += c.frames
	return b, stage.Warning(err)
}

func (c *portaudioCapture) Flush(context.Context) error {
	return closeStream(c.stream)
}

// portaudioRender writes to default output device. Incoming buffers
// are regrouped into device buffers.
type portaudioRender struct {
	format  stage.Format
	frames  int
	log     logrus.FieldLogger
	buf     []float32
	pending []float32
	stream  *portaudio.Stream
}

func (r *portaudioRender) Start(context.Context) error {
	if !initialized() {
		return ErrNotInitialized
	}
	r.buf = make([]float32, r.frames*r.format.Channels)
	var err error
	r.stream, err = portaudio.OpenDefaultStream(0, r.format.Channels, float64(r.format.SampleRate), r.frames, &r.buf)
	if err != nil {
		return err
	}
	if err = r.stream.Start(); err != nil {
		r.stream.Close()
		r.stream = nil
		return err
	}
	return nil
}

func (r *portaudioRender) Write(b stage.Buffer) error {
	if b.Audio == nil {
		return nil
	}
	r.pending = append(r.pending, stage.Float32(b.Audio)...)
	for len(r.pending) >= len(r.buf) {
		copy(r.buf, r.pending)
		r.pending = r.pending[len(r.buf):]
		if err := r.stream.Write(); err != nil {
			if errors.Is(err, portaudio.OutputUnderflowed) {
				r.log.Debug("output underflow")
				continue
			}
			return err
		}
	}
	return nil
}

func (r *portaudioRender) Flush(context.Context) error {
	return closeStream(r.stream)
}

func closeStream(s *portaudio.Stream) error {
	if s == nil {
		return nil
	}
	if err := s.Stop(); err != nil {
		s.Close()
		return err
	}
	return s.Close()
}

// Info describes an audio device of the host.
type Info struct {
	Name       string
	API        string
	Inputs     int
	Outputs    int
	SampleRate float64
}

// Devices lists portaudio devices of the host. Init must be called
// first.
func Devices() ([]Info, error) {
	if !initialized() {
		return nil, ErrNotInitialized
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	infos := make([]Info, 0, len(devices))
	for _, d := range devices {
		info := Info{
			Name:       d.Name,
			Inputs:     d.MaxInputChannels,
			Outputs:    d.MaxOutputChannels,
			SampleRate: d.DefaultSampleRate,
		}
		if d.HostApi != nil {
			info.API = d.HostApi.Name
		}
		infos = append(infos, info)
	}
	return infos, nil
}
