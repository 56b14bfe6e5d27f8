package device

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
	"github.com/sirupsen/logrus"

	"pipelined.dev/duplex/stage"
)

// ErrPlaybackOverflow is returned as warning when rendered audio is
// written faster than the device plays it.
var ErrPlaybackOverflow = errors.New("playback queue overflow")

// captureQueue is the number of device callbacks kept before dropping.
const captureQueue = 16

type malgoDevice struct {
	ctx *malgo.AllocatedContext
	dev *malgo.Device
}

func openMalgo(log logrus.FieldLogger, cfg malgo.DeviceConfig, cb malgo.DeviceCallbacks) (*malgoDevice, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.WithField("backend", Malgo).Debug(message)
	})
	if err != nil {
		return nil, err
	}
	dev, err := malgo.InitDevice(ctx.Context, cfg, cb)
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return nil, err
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		_ = ctx.Uninit()
		ctx.Free()
		return nil, err
	}
	return &malgoDevice{ctx: ctx, dev: dev}, nil
}

func (d *malgoDevice) close() error {
	if d == nil {
		return nil
	}
	err := d.dev.Stop()
	d.dev.Uninit()
	if uerr := d.ctx.Uninit(); err == nil {
		err = uerr
	}
	d.ctx.Free()
	return err
}

// malgoCapture receives device callbacks into a bounded queue.
type malgoCapture struct {
	format  stage.Format
	log     logrus.FieldLogger
	device  *malgoDevice
	frames  chan []int16
	dropped atomic.Uint64
	pos     int
}

func (c *malgoCapture) Start(context.Context) error {
	c.frames = make(chan []int16, captureQueue)
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(c.format.Channels)
	cfg.SampleRate = uint32(c.format.SampleRate)
	var err error
	c.device, err = openMalgo(c.log, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			c.push(input)
		},
	})
	return err
}

// push is called from the device thread.
func (c *malgoCapture) push(input []byte) {
	if len(input) == 0 {
		return
	}
	select {
	case c.frames <- decodeS16(input):
	default:
		c.dropped.Add(1)
	}
}

func (c *malgoCapture) Read(ctx context.Context) (stage.Buffer, error) {
	select {
	case <-ctx.Done():
		return stage.Buffer{}, io.EOF
	case samples := <-c.frames:
		b := stage.Buffer{
			Format:    c.format,
			Audio:     stage.NewPCM16(samples, c.format.SampleRate, c.format.Channels),
			Timestamp: uint32(c.pos),
		}
		c.pos += len(samples) / c.format.Channels
		return b, nil
	}
}

func (c *malgoCapture) Flush(context.Context) error {
	err := c.device.close()
	c.device = nil
	if dropped := c.dropped.Load(); dropped > 0 {
		c.log.WithField("callbacks", dropped).Warn("capture queue overflow")
	}
	return err
}

// maxPending is the duration of rendered audio queued for playback, in
// seconds.
const maxPending = 1

// malgoRender queues written audio for device callbacks. Missing audio
// is played as silence.
type malgoRender struct {
	format stage.Format
	log    logrus.FieldLogger
	device *malgoDevice

	mu      sync.Mutex
	pending []int16
}

func (r *malgoRender) Start(context.Context) error {
	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(r.format.Channels)
	cfg.SampleRate = uint32(r.format.SampleRate)
	var err error
	r.device, err = openMalgo(r.log, cfg, malgo.DeviceCallbacks{
		Data: func(output, _ []byte, _ uint32) {
			r.mu.Lock()
			n := len(output) / 2
			if n > len(r.pending) {
				n = len(r.pending)
			}
			encodeS16(output, r.pending[:n])
			r.pending = r.pending[n:]
			r.mu.Unlock()
			for i := 2 * n; i < len(output); i++ {
				output[i] = 0
			}
		},
	})
	return err
}

func (r *malgoRender) Write(b stage.Buffer) error {
	if b.Audio == nil {
		return nil
	}
	samples := stage.PCM16(b.Audio)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, samples...)
	if limit := maxPending * r.format.SampleRate * r.format.Channels; len(r.pending) > limit {
		r.pending = r.pending[len(r.pending)-limit:]
		return stage.Warning(ErrPlaybackOverflow)
	}
	return nil
}

func (r *malgoRender) Flush(context.Context) error {
	err := r.device.close()
	r.device = nil
	return err
}

func decodeS16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out
}

func encodeS16(dst []byte, samples []int16) {
	for i, v := range samples {
		binary.LittleEndian.PutUint16(dst[2*i:], uint16(v))
	}
}
