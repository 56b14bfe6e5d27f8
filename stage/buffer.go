package stage

import (
	"math"

	"github.com/go-audio/audio"
	"github.com/pion/rtp"
)

// Buffer is a single unit of data passed over the link. Which fields are
// set depends on the media of the link: Audio for raw, Payload for
// encoded and Packet for RTP.
type Buffer struct {
	Format  Format
	Audio   audio.Buffer
	Payload []byte
	Packet  *rtp.Packet
	// Timestamp is the media time of the first sample in clock units.
	Timestamp uint32
	// Gap marks the buffer as a placeholder for lost data. Decoders
	// conceal it.
	Gap bool
	// Frames is the number of samples per channel the buffer represents.
	Frames int
}

// NumFrames returns the number of frames in the buffer.
func (b Buffer) NumFrames() int {
	if b.Audio != nil {
		return b.Audio.NumFrames()
	}
	return b.Frames
}

// PCM16 returns interleaved 16-bit samples of the raw buffer.
func PCM16(b audio.Buffer) []int16 {
	switch buf := b.(type) {
	case nil:
		return nil
	case *audio.IntBuffer:
		out := make([]int16, len(buf.Data))
		for i, v := range buf.Data {
			out[i] = clampInt16(v)
		}
		return out
	case *audio.Float32Buffer:
		out := make([]int16, len(buf.Data))
		for i, v := range buf.Data {
			out[i] = floatToInt16(float64(v))
		}
		return out
	default:
		fb := b.AsFloatBuffer()
		out := make([]int16, len(fb.Data))
		for i, v := range fb.Data {
			out[i] = floatToInt16(v)
		}
		return out
	}
}

// NewPCM16 wraps interleaved 16-bit samples into the int buffer.
func NewPCM16(samples []int16, sampleRate, channels int) *audio.IntBuffer {
	data := make([]int, len(samples))
	for i, v := range samples {
		data[i] = int(v)
	}
	return &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: channels,
			SampleRate:  sampleRate,
		},
		Data:           data,
		SourceBitDepth: 16,
	}
}

// NewFloat32 wraps interleaved float samples in range [-1, 1].
func NewFloat32(samples []float32, sampleRate, channels int) *audio.Float32Buffer {
	return &audio.Float32Buffer{
		Format: &audio.Format{
			NumChannels: channels,
			SampleRate:  sampleRate,
		},
		Data:           samples,
		SourceBitDepth: 32,
	}
}

// Float32 returns interleaved float samples in range [-1, 1].
func Float32(b audio.Buffer) []float32 {
	switch buf := b.(type) {
	case nil:
		return nil
	case *audio.Float32Buffer:
		return buf.Data
	case *audio.IntBuffer:
		out := make([]float32, len(buf.Data))
		for i, v := range buf.Data {
			out[i] = float32(v) / 32768
		}
		return out
	default:
		return b.AsFloat32Buffer().Data
	}
}

func floatToInt16(v float64) int16 {
	return clampInt16(int(math.Round(v * 32767)))
}

func clampInt16(v int) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
