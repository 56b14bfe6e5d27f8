package duplex

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"pipelined.dev/duplex/stage"
)

func TestBusOrder(t *testing.T) {
	b := newBus()
	r := reporter{b}
	r.StateChanged("capture", stage.Null, stage.Ready)
	r.Warning("dsp", errors.New("drift"))
	r.Error("netsrc", errors.New("closed"))
	r.EndOfStream()
	assert.Equal(t, 4, b.Len())

	var kinds []MessageKind
	for {
		m, ok := b.pop()
		if !ok {
			break
		}
		kinds = append(kinds, m.Kind)
	}
	assert.Equal(t, []MessageKind{StateChanged, Warning, Error, EndOfStream}, kinds)
	assert.Equal(t, 0, b.Len())
}

func TestBusConcurrentPost(t *testing.T) {
	b := newBus()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Post(Message{Kind: Warning})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, b.Len())
	// notifications are coalesced
	assert.Len(t, b.notify, 1)
}

func TestBusSeal(t *testing.T) {
	b := newBus()
	assert.True(t, b.Post(Message{Kind: Warning}))
	b.seal()
	assert.Equal(t, 0, b.Len())
	assert.False(t, b.Post(Message{Kind: EndOfStream}))
	_, ok := b.pop()
	assert.False(t, ok)
}

func TestMessageString(t *testing.T) {
	tests := []struct {
		m        Message
		expected string
	}{
		{Message{Kind: EndOfStream}, "eos"},
		{Message{Kind: Error, Stage: "dsp", Err: errors.New("fail")}, "error from dsp: fail"},
		{Message{Kind: Warning, Stage: "jitter", Err: errors.New("late")}, "warning from jitter: late"},
		{Message{Kind: stopRequest}, "stop"},
		{Message{Kind: MessageKind(42)}, "message(42)"},
	}
	for _, test := range tests {
		assert.Equal(t, test.expected, test.m.String())
	}
}
