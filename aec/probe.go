package aec

import (
	"sync"

	"pipelined.dev/duplex/stage"
)

// Probe passes rendered signal through and keeps it in the ring buffer
// for the canceller. Fetch and Process are called from different
// goroutines.
type Probe struct {
	mu    sync.Mutex
	ring  []int16
	start int
	size  int
}

// NewProbe returns probe that keeps up to capacity samples.
func NewProbe(capacity int) *Probe {
	return &Probe{ring: make([]int16, capacity)}
}

// Process implements stage.Processor.
func (p *Probe) Process(b stage.Buffer) ([]stage.Buffer, error) {
	if b.Audio != nil {
		p.write(stage.PCM16(b.Audio))
	}
	return []stage.Buffer{b}, nil
}

// Reference implements stage.ReferenceSource.
func (p *Probe) Reference() stage.Reference {
	return p
}

// write appends samples, the oldest ones are overwritten on overflow.
func (p *Probe) write(s []int16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(s) > len(p.ring) {
		s = s[len(s)-len(p.ring):]
	}
	for _, v := range s {
		end := (p.start + p.size) % len(p.ring)
		p.ring[end] = v
		if p.size == len(p.ring) {
			p.start = (p.start + 1) % len(p.ring)
		} else {
			p.size++
		}
	}
}

// Fetch implements stage.Reference. Missing samples are zeroed.
func (p *Probe) Fetch(dst []int16) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(dst)
	if n > p.size {
		n = p.size
	}
	for i := 0; i < n; i++ {
		dst[i] = p.ring[(p.start+i)%len(p.ring)]
	}
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	p.start = (p.start + n) % len(p.ring)
	p.size -= n
	return n
}

// Len returns the number of buffered samples.
func (p *Probe) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}
