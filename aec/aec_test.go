package aec_test

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"pipelined.dev/duplex/aec"
	"pipelined.dev/duplex/log"
	"pipelined.dev/duplex/stage"
)

func params(t *testing.T, typ *stage.Type, values map[string]interface{}) stage.Params {
	t.Helper()
	p := stage.NewParams(typ.Params...)
	for k, v := range values {
		assert.NoError(t, p.Set(k, v))
	}
	return p
}

func buffer(s []int16) stage.Buffer {
	return stage.Buffer{Format: aec.Format, Audio: stage.NewPCM16(s, aec.SampleRate, 1)}
}

func energy(s []int16) float64 {
	var e float64
	for _, v := range s {
		e += float64(v) * float64(v)
	}
	return e
}

func TestProbe(t *testing.T) {
	p := aec.NewProbe(4)
	res, err := p.Process(buffer([]int16{1, 2, 3}))
	assert.NoError(t, err)
	assert.Equal(t, []int16{1, 2, 3}, stage.PCM16(res[0].Audio))

	dst := make([]int16, 2)
	assert.Equal(t, 2, p.Reference().Fetch(dst))
	assert.Equal(t, []int16{1, 2}, dst)

	// overflow drops the oldest samples
	_, _ = p.Process(buffer([]int16{4, 5, 6, 7}))
	assert.Equal(t, 4, p.Len())
	dst = make([]int16, 6)
	assert.Equal(t, 4, p.Fetch(dst))
	assert.Equal(t, []int16{4, 5, 6, 7, 0, 0}, dst)
}

// sequence is the far-end signal known in advance.
type sequence struct {
	data []int16
	pos  int
}

func (s *sequence) Fetch(dst []int16) int {
	n := copy(dst, s.data[s.pos:])
	s.pos += n
	return n
}

func TestCancellerConverges(t *testing.T) {
	const (
		frames  = 480
		buffers = 200
		delay   = 10
	)
	rnd := rand.New(rand.NewSource(1))
	far := make([]int16, frames*buffers)
	for i := range far {
		far[i] = int16(rnd.Intn(16000) - 8000)
	}
	near := make([]int16, len(far))
	for i := delay; i < len(near); i++ {
		near[i] = int16(math.Round(0.3 * float64(far[i-delay])))
	}

	typ := aec.Cancel()
	c := aec.NewCanceller(stage.Setup{
		Name: "dsp",
		Params: params(t, typ, map[string]interface{}{
			aec.ParamNoiseSuppression: false,
			aec.ParamGainControl:      false,
			aec.ParamFilterLength:     10 * time.Millisecond,
		}),
		Logger: log.Discard(),
	})
	c.BindReference(&sequence{data: far})

	var in, out float64
	for i := 0; i < buffers; i++ {
		chunk := near[i*frames : (i+1)*frames]
		res, err := c.Process(buffer(chunk))
		assert.NoError(t, err)
		if i >= buffers-10 {
			in += energy(chunk)
			out += energy(stage.PCM16(res[0].Audio))
		}
	}
	assert.Less(t, out, in/100, "echo must be attenuated by 20 dB")
	assert.Greater(t, c.ERLE(), 10.0)
}

func TestCancellerEstimatesDelay(t *testing.T) {
	const (
		frames  = 480
		buffers = 300
		// 200ms is far beyond the span of the filter
		delay = 9600
	)
	rnd := rand.New(rand.NewSource(3))
	far := make([]int16, frames*buffers)
	for i := range far {
		far[i] = int16(rnd.Intn(16000) - 8000)
	}
	near := make([]int16, len(far))
	for i := delay; i < len(near); i++ {
		near[i] = int16(math.Round(0.3 * float64(far[i-delay])))
	}

	typ := aec.Cancel()
	c := aec.NewCanceller(stage.Setup{
		Name: "dsp",
		Params: params(t, typ, map[string]interface{}{
			aec.ParamNoiseSuppression: false,
			aec.ParamGainControl:      false,
			aec.ParamFilterLength:     32 * time.Millisecond,
		}),
		Logger: log.Discard(),
	})
	c.BindReference(&sequence{data: far})
	assert.Equal(t, time.Duration(0), c.Delay())

	var in, out float64
	for i := 0; i < buffers; i++ {
		chunk := near[i*frames : (i+1)*frames]
		res, err := c.Process(buffer(chunk))
		assert.NoError(t, err)
		if i >= buffers-10 {
			in += energy(chunk)
			out += energy(stage.PCM16(res[0].Audio))
		}
	}
	assert.InDelta(t, 200*time.Millisecond, c.Delay(), float64(5*time.Millisecond))
	assert.LessOrEqual(t, c.Delay(), 200*time.Millisecond, "echo onset must stay inside the filter")
	assert.Less(t, out, in/100, "echo must be attenuated by 20 dB")
}

func TestCancellerFixedDelay(t *testing.T) {
	typ := aec.Cancel()
	c := aec.NewCanceller(stage.Setup{
		Name: "dsp",
		Params: params(t, typ, map[string]interface{}{
			aec.ParamDelay: 100 * time.Millisecond,
		}),
		Logger: log.Discard(),
	})
	assert.Equal(t, 100*time.Millisecond, c.Delay())
}

func TestTypes(t *testing.T) {
	var names []string
	for _, typ := range aec.Types() {
		names = append(names, typ.Name)
	}
	assert.Equal(t, []string{aec.CancelName, aec.ProbeName}, names)

	typ := aec.ProbeType()
	assert.Equal(t, stage.ReferenceProducer, typ.Role)
	v, err := typ.New(stage.Setup{Name: "probe"})
	assert.NoError(t, err)
	assert.IsType(t, &aec.Probe{}, v)
}

func TestCancellerNearEnd(t *testing.T) {
	// near-end speech without far-end signal passes through
	typ := aec.Cancel()
	c := aec.NewCanceller(stage.Setup{
		Name: "dsp",
		Params: params(t, typ, map[string]interface{}{
			aec.ParamNoiseSuppression: false,
			aec.ParamGainControl:      false,
			aec.ParamDelay:            "20ms",
		}),
	})
	c.BindReference(&sequence{data: make([]int16, 48000)})
	s := make([]int16, 480)
	for i := range s {
		s[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/aec.SampleRate))
	}
	res, err := c.Process(buffer(s))
	assert.NoError(t, err)
	assert.Equal(t, s, stage.PCM16(res[0].Audio))
}

func TestNoiseSuppression(t *testing.T) {
	tests := []struct {
		level string
		max   float64
	}{
		{level: aec.Low, max: 0.55},
		{level: aec.VeryHigh, max: 0.08},
	}
	for _, test := range tests {
		typ := aec.Cancel()
		c := aec.NewCanceller(stage.Setup{
			Name: "dsp",
			Params: params(t, typ, map[string]interface{}{
				aec.ParamEchoCancel:            false,
				aec.ParamGainControl:           false,
				aec.ParamVoiceDetection:        true,
				aec.ParamNoiseSuppressionLevel: test.level,
			}),
			Logger: log.Discard(),
		})
		rnd := rand.New(rand.NewSource(2))
		noise := make([]int16, 480)
		var in, out float64
		for i := 0; i < 50; i++ {
			for j := range noise {
				noise[j] = int16(rnd.Intn(200) - 100)
			}
			res, err := c.Process(buffer(noise))
			assert.NoError(t, err)
			in = energy(noise)
			out = energy(stage.PCM16(res[0].Audio))
		}
		assert.Less(t, math.Sqrt(out/in), test.max, test.level)
		assert.False(t, c.Voice())
	}
}

func TestGainControl(t *testing.T) {
	typ := aec.Cancel()
	c := aec.NewCanceller(stage.Setup{
		Name: "dsp",
		Params: params(t, typ, map[string]interface{}{
			aec.ParamEchoCancel:       false,
			aec.ParamNoiseSuppression: false,
		}),
	})
	s := make([]int16, 480)
	for i := range s {
		s[i] = int16(1000 * math.Sin(2*math.Pi*440*float64(i)/aec.SampleRate))
	}
	var res []stage.Buffer
	for i := 0; i < 100; i++ {
		var err error
		res, err = c.Process(buffer(s))
		assert.NoError(t, err)
	}
	assert.Greater(t, energy(stage.PCM16(res[0].Audio)), 2*energy(s), "quiet signal must be amplified")
}

func TestCancelParams(t *testing.T) {
	p := stage.NewParams(aec.Cancel().Params...)
	assert.ErrorIs(t, p.Set(aec.ParamEchoSuppressionLevel, aec.VeryHigh), stage.ErrInvalidValue)
	assert.ErrorIs(t, p.Set(aec.ParamFilterLength, time.Second), stage.ErrInvalidValue)
	assert.NoError(t, p.Set(aec.ParamNoiseSuppressionLevel, aec.VeryHigh))
}
