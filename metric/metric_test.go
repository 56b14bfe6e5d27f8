package metric_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"pipelined.dev/duplex/metric"
)

func TestMeter(t *testing.T) {
	sampleRate := 48000
	// test cases
	var tests = []struct {
		component          string
		routines           int
		buffers            int
		bufferSize         int64
		expectedSamples    float64
		expectedComponents float64
	}{
		{
			component:          "meter-test",
			routines:           2,
			buffers:            10,
			bufferSize:         480,
			expectedSamples:    9600,
			expectedComponents: 2,
		},
		{
			component:          "meter-test",
			routines:           2,
			buffers:            10,
			bufferSize:         480,
			expectedSamples:    19200,
			expectedComponents: 4,
		},
	}
	// function to test meter.
	testFn := func(fn metric.MeasureFunc, wg *sync.WaitGroup, buffers int, bufferSize int64) {
		for i := 0; i < buffers; i++ {
			fn(bufferSize)
		}
		wg.Done()
	}

	for _, c := range tests {
		wg := &sync.WaitGroup{}
		wg.Add(c.routines)
		for i := 0; i < c.routines; i++ {
			go testFn(metric.Meter(c.component, sampleRate)(), wg, c.buffers, c.bufferSize)
		}
		// check if no data race.
		wg.Wait()
		values := metric.Get(c.component)
		assert.Equal(t, c.expectedSamples, values[metric.SampleCounter])
		assert.Equal(t, c.expectedComponents, values[metric.ComponentCounter])
	}
	values := metric.Get("meter-test")
	assert.InDelta(t, 0.4, values[metric.DurationCounter], 1e-9)
	assert.Equal(t, float64(40), values[metric.MessageCounter])
}
