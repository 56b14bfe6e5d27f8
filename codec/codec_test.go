package codec_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"pipelined.dev/duplex/codec"
	"pipelined.dev/duplex/stage"
)

var mono48k = stage.Format{Media: stage.Raw, SampleRate: 48000, Channels: 1, SampleFormat: stage.S16}

func sine(frames, rate int) []int16 {
	s := make([]int16, frames)
	for i := range s {
		s[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	return s
}

func pair(t *testing.T, e stage.Encoding, in stage.Format) (stage.Processor, stage.Processor) {
	t.Helper()
	enc := codec.Encoder()
	p := stage.NewParams(enc.Params...)
	assert.NoError(t, p.Set(codec.ParamEncoding, string(e)))
	encoded, ok := enc.Transformed(in, p)
	assert.True(t, ok)
	encoder, err := enc.New(stage.Setup{Params: p, Input: in, Output: encoded})
	assert.NoError(t, err)

	dec := codec.Decoder()
	p = stage.NewParams(dec.Params...)
	assert.NoError(t, p.Set(codec.ParamEncoding, string(e)))
	raw, ok := dec.Transformed(encoded, p)
	assert.True(t, ok)
	decoder, err := dec.New(stage.Setup{Params: p, Input: encoded, Output: raw})
	assert.NoError(t, err)
	return encoder.(stage.Processor), decoder.(stage.Processor)
}

func TestL16(t *testing.T) {
	enc, dec := pair(t, stage.L16, mono48k)
	s := sine(960, 48000)
	encoded, err := enc.Process(stage.Buffer{Format: mono48k, Audio: stage.NewPCM16(s, 48000, 1)})
	assert.NoError(t, err)
	assert.Len(t, encoded, 1)
	assert.Equal(t, stage.Format{Media: stage.Encoded, Encoding: stage.L16, SampleRate: 48000}, encoded[0].Format)
	assert.Equal(t, 960, encoded[0].Frames)
	// network byte order
	assert.Equal(t, byte(uint16(s[1])>>8), encoded[0].Payload[2])

	decoded, err := dec.Process(encoded[0])
	assert.NoError(t, err)
	assert.Equal(t, s, stage.PCM16(decoded[0].Audio))
	assert.Equal(t, mono48k, decoded[0].Format)

	_, err = dec.Process(stage.Buffer{Payload: []byte{1, 2, 3}})
	assert.True(t, stage.IsWarning(err))
	assert.ErrorIs(t, err, codec.ErrMalformedPayload)
}

func TestG722(t *testing.T) {
	enc, dec := pair(t, stage.G722, mono48k)
	var decoded []int16
	for i := 0; i < 10; i++ {
		encoded, err := enc.Process(stage.Buffer{Format: mono48k, Audio: stage.NewPCM16(sine(960, 48000), 48000, 1)})
		assert.NoError(t, err)
		assert.Len(t, encoded, 1)
		// 20ms at 64 kbit/s
		assert.Equal(t, 160, len(encoded[0].Payload))
		assert.Equal(t, 160, encoded[0].Frames)
		assert.Equal(t, 8000, encoded[0].Format.SampleRate)

		out, err := dec.Process(encoded[0])
		assert.NoError(t, err)
		assert.Equal(t, 16000, out[0].Format.SampleRate)
		decoded = append(decoded, stage.PCM16(out[0].Audio)...)
	}
	assert.Equal(t, 3200, len(decoded))
	var energy float64
	for _, v := range decoded[1600:] {
		energy += float64(v) * float64(v)
	}
	rms := math.Sqrt(energy / 1600)
	// sine of amplitude 8000 has rms of 5657
	assert.InDelta(t, 5657, rms, 1500)
}

func TestConceal(t *testing.T) {
	_, dec := pair(t, stage.L16, mono48k)
	enc, _ := pair(t, stage.L16, mono48k)
	encoded, _ := enc.Process(stage.Buffer{Audio: stage.NewPCM16([]int16{100, 200}, 48000, 1)})
	_, err := dec.Process(encoded[0])
	assert.NoError(t, err)

	first, err := dec.Process(stage.Buffer{Gap: true, Frames: 4})
	assert.NoError(t, err)
	assert.Equal(t, []int16{50, 100, 50, 100}, stage.PCM16(first[0].Audio))
	assert.True(t, first[0].Gap)

	second, err := dec.Process(stage.Buffer{Gap: true, Frames: 2})
	assert.NoError(t, err)
	assert.Equal(t, []int16{0, 0}, stage.PCM16(second[0].Audio))
}

func TestOpusMalformed(t *testing.T) {
	in := stage.Format{Media: stage.Encoded, Encoding: stage.OPUS, SampleRate: 48000}
	dec := codec.Decoder()
	p := stage.NewParams(dec.Params...)
	assert.NoError(t, p.Set(codec.ParamEncoding, string(stage.OPUS)))
	out, ok := dec.Transformed(in, p)
	assert.True(t, ok)
	assert.Equal(t, mono48k, out)

	d, err := dec.New(stage.Setup{Params: p, Input: in, Output: out})
	assert.NoError(t, err)
	_, err = d.(stage.Processor).Process(stage.Buffer{Payload: nil})
	assert.True(t, stage.IsWarning(err))

	// gaps are concealed without decoder
	res, err := d.(stage.Processor).Process(stage.Buffer{Gap: true, Frames: 960})
	assert.NoError(t, err)
	assert.Equal(t, 960, res[0].NumFrames())
}

func TestEncoderRejectsOpus(t *testing.T) {
	p := stage.NewParams(codec.Encoder().Params...)
	assert.ErrorIs(t, p.Set(codec.ParamEncoding, string(stage.OPUS)), stage.ErrInvalidValue)
}

func TestLookup(t *testing.T) {
	i, err := codec.Lookup(stage.G722)
	assert.NoError(t, err)
	assert.Equal(t, uint8(9), i.PayloadType)
	assert.Equal(t, 8000, i.ClockRate)

	_, err = codec.Lookup("PCMU")
	assert.ErrorIs(t, err, stage.ErrInvalidValue)
}
