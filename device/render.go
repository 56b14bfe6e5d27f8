package device

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/viert/lame"

	"pipelined.dev/duplex/stage"
)

func newRender(s stage.Setup) (interface{}, error) {
	f := s.Input
	if f.SampleRate == 0 || f.Channels == 0 {
		return nil, fmt.Errorf("%w: render format %v is not negotiated", stage.ErrInvalidValue, f)
	}
	switch backend := s.Params.String(ParamBackend); backend {
	case PortAudio:
		return &portaudioRender{format: f, frames: frames(s, f), log: logger(s)}, nil
	case Malgo:
		return &malgoRender{format: f, log: logger(s)}, nil
	case Wav:
		path, err := requirePath(s)
		if err != nil {
			return nil, err
		}
		return &wavRender{path: path, format: f}, nil
	case MP3:
		path, err := requirePath(s)
		if err != nil {
			return nil, err
		}
		return &mp3Render{
			path:    path,
			format:  f,
			bitRate: s.Params.Int(ParamBitRate),
			quality: s.Params.Int(ParamQuality),
		}, nil
	case Null:
		return &NullRender{}, nil
	default:
		return nil, fmt.Errorf("%w: render backend %q", stage.ErrInvalidValue, backend)
	}
}

// NullRender discards audio and counts frames.
type NullRender struct {
	frames int64
}

func (r *NullRender) Write(b stage.Buffer) error {
	atomic.AddInt64(&r.frames, int64(b.NumFrames()))
	return nil
}

// Frames returns the number of discarded frames.
func (r *NullRender) Frames() int64 {
	return atomic.LoadInt64(&r.frames)
}

// wavRender records 16-bit wav file.
type wavRender struct {
	path    string
	format  stage.Format
	file    *os.File
	encoder *wav.Encoder
}

func (r *wavRender) Start(context.Context) error {
	f, err := os.Create(r.path)
	if err != nil {
		return err
	}
	r.file = f
	r.encoder = wav.NewEncoder(f, r.format.SampleRate, 16, r.format.Channels, 1)
	return nil
}

func (r *wavRender) Write(b stage.Buffer) error {
	if b.Audio == nil {
		return nil
	}
	samples := stage.PCM16(b.Audio)
	ib := &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: r.format.Channels,
			SampleRate:  r.format.SampleRate,
		},
		Data:           make([]int, len(samples)),
		SourceBitDepth: 16,
	}
	for i, v := range samples {
		ib.Data[i] = int(v)
	}
	return r.encoder.Write(ib)
}

func (r *wavRender) Flush(context.Context) error {
	if r.file == nil {
		return nil
	}
	err := r.encoder.Close()
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	r.file = nil
	return err
}

// mp3Render records mp3 file.
type mp3Render struct {
	path    string
	format  stage.Format
	bitRate int
	quality int
	file    *os.File
	wr      *lame.LameWriter
}

func (r *mp3Render) Start(context.Context) error {
	f, err := os.Create(r.path)
	if err != nil {
		return err
	}
	r.file = f
	r.wr = lame.NewWriter(f)
	r.wr.Encoder.SetBitrate(r.bitRate)
	r.wr.Encoder.SetQuality(r.quality)
	r.wr.Encoder.SetNumChannels(r.format.Channels)
	r.wr.Encoder.SetInSamplerate(r.format.SampleRate)
	r.wr.Encoder.SetMode(lame.JOINT_STEREO)
	r.wr.Encoder.SetVBR(lame.VBR_RH)
	r.wr.Encoder.InitParams()
	return nil
}

func (r *mp3Render) Write(b stage.Buffer) error {
	if b.Audio == nil {
		return nil
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, stage.PCM16(b.Audio)); err != nil {
		return err
	}
	_, err := r.wr.Write(buf.Bytes())
	return err
}

func (r *mp3Render) Flush(context.Context) error {
	if r.file == nil {
		return nil
	}
	err := r.wr.Close()
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	r.file = nil
	return err
}
