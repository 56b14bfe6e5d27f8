package device

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMalgoCaptureDrops(t *testing.T) {
	c := &malgoCapture{frames: make(chan []int16, 1)}
	input := make([]byte, 4)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			c.push(input)
		}
	}()
	// counter is read while the device thread writes it
	for i := 0; i < 100; i++ {
		_ = c.dropped.Load()
	}
	wg.Wait()

	assert.Equal(t, uint64(99), c.dropped.Load())
	assert.Equal(t, []int16{0, 0}, <-c.frames)
	c.push(nil)
	assert.Empty(t, c.frames)
}
