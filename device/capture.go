package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"pipelined.dev/duplex/stage"
)

func newCapture(s stage.Setup) (interface{}, error) {
	f := s.Output.Fill(paramsFormat(s.Params))
	n := frames(s, f)
	switch backend := s.Params.String(ParamBackend); backend {
	case PortAudio:
		return &portaudioCapture{format: f, frames: n}, nil
	case Malgo:
		return &malgoCapture{format: f, log: logger(s)}, nil
	case Wav:
		path, err := requirePath(s)
		if err != nil {
			return nil, err
		}
		c := &wavCapture{path: path, format: f, frames: n}
		if s.Params.Bool(ParamLive) {
			c.pacer = &pacer{interval: s.Params.Duration(ParamFrame)}
		}
		return c, nil
	case Sine:
		c := &sineCapture{
			format:    f,
			frames:    n,
			frequency: float64(s.Params.Int(ParamFrequency)),
		}
		if d := s.Params.Duration(ParamDuration); d > 0 {
			c.limit = int(d * time.Duration(f.SampleRate) / time.Second)
		}
		if s.Params.Bool(ParamLive) {
			c.pacer = &pacer{interval: s.Params.Duration(ParamFrame)}
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: capture backend %q", stage.ErrInvalidValue, backend)
	}
}

// sineCapture generates a sine tone of half amplitude.
type sineCapture struct {
	format    stage.Format
	frames    int
	frequency float64
	limit     int
	pacer     *pacer
	pos       int
}

func (c *sineCapture) Read(ctx context.Context) (stage.Buffer, error) {
	n := c.frames
	if c.limit > 0 {
		if c.pos >= c.limit {
			return stage.Buffer{}, io.EOF
		}
		if c.limit-c.pos < n {
			n = c.limit - c.pos
		}
	}
	if c.pacer != nil {
		if err := c.pacer.wait(ctx); err != nil {
			return stage.Buffer{}, io.EOF
		}
	}
	ch := c.format.Channels
	samples := make([]int16, n*ch)
	step := 2 * math.Pi * c.frequency / float64(c.format.SampleRate)
	for i := 0; i < n; i++ {
		v := int16(0.5 * math.MaxInt16 * math.Sin(step*float64(c.pos+i)))
		for j := 0; j < ch; j++ {
			samples[i*ch+j] = v
		}
	}
	b := stage.Buffer{
		Format:    c.format,
		Audio:     stage.NewPCM16(samples, c.format.SampleRate, ch),
		Timestamp: uint32(c.pos),
	}
	c.pos += n
	return b, nil
}

// wavCapture reads wav file.
type wavCapture struct {
	path    string
	format  stage.Format
	frames  int
	pacer   *pacer
	file    *os.File
	decoder *wav.Decoder
	buf     *audio.IntBuffer
	pos     int
}

func (c *wavCapture) Start(context.Context) error {
	file, err := os.Open(c.path)
	if err != nil {
		return err
	}
	d := wav.NewDecoder(file)
	if !d.IsValidFile() {
		file.Close()
		return fmt.Errorf("%s is not a valid wav file", c.path)
	}
	switch d.BitDepth {
	case 16, 24, 32:
	default:
		file.Close()
		return fmt.Errorf("%w: %d", ErrUnsupportedBitDepth, d.BitDepth)
	}
	c.file = file
	c.decoder = d
	c.buf = &audio.IntBuffer{
		Format:         d.Format(),
		Data:           make([]int, c.frames*int(d.NumChans)),
		SourceBitDepth: int(d.BitDepth),
	}
	return nil
}

func (c *wavCapture) Read(ctx context.Context) (stage.Buffer, error) {
	if c.pacer != nil {
		if err := c.pacer.wait(ctx); err != nil {
			return stage.Buffer{}, io.EOF
		}
	}
	n, err := c.decoder.PCMBuffer(c.buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return stage.Buffer{}, err
	}
	if n == 0 {
		return stage.Buffer{}, io.EOF
	}
	shift := c.buf.SourceBitDepth - 16
	samples := make([]int16, n)
	for i, v := range c.buf.Data[:n] {
		samples[i] = int16(v >> shift)
	}
	ch := c.format.Channels
	b := stage.Buffer{
		Format:    c.format,
		Audio:     stage.NewPCM16(samples, c.format.SampleRate, ch),
		Timestamp: uint32(c.pos),
	}
	c.pos += n / ch
	return b, nil
}

func (c *wavCapture) Flush(context.Context) error {
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	return err
}
