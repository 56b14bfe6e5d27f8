package duplex

import (
	"fmt"
	"sync"

	"pipelined.dev/duplex/stage"
)

// MessageKind is the kind of bus message.
type MessageKind int

// Kinds of messages.
const (
	EndOfStream MessageKind = iota
	Error
	Warning
	StateChanged
	// stopRequest is posted by Stop and context cancellation.
	stopRequest
)

func (k MessageKind) String() string {
	switch k {
	case EndOfStream:
		return "eos"
	case Error:
		return "error"
	case Warning:
		return "warning"
	case StateChanged:
		return "state-changed"
	case stopRequest:
		return "stop"
	}
	return fmt.Sprintf("message(%d)", int(k))
}

// Message is a notification posted by stages.
type Message struct {
	Kind MessageKind
	// Stage is the name of stage that posted the message.
	Stage string
	// Err is set for errors and warnings.
	Err error
	// From and To are set for state changes.
	From, To stage.State
}

func (m Message) String() string {
	switch m.Kind {
	case Error, Warning:
		return fmt.Sprintf("%v from %s: %v", m.Kind, m.Stage, m.Err)
	case StateChanged:
		return fmt.Sprintf("%s changed state %v -> %v", m.Stage, m.From, m.To)
	}
	return m.Kind.String()
}

// Bus is an unbounded ordered queue of messages. Producers never block.
// Messages are consumed by the single goroutine running the session.
type Bus struct {
	mu     sync.Mutex
	queue  []Message
	sealed bool
	notify chan struct{}
}

func newBus() *Bus {
	return &Bus{notify: make(chan struct{}, 1)}
}

// Post appends message to the queue. It returns false if the bus is
// sealed and message is dropped.
func (b *Bus) Post(m Message) bool {
	b.mu.Lock()
	if b.sealed {
		b.mu.Unlock()
		return false
	}
	b.queue = append(b.queue, m)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
	return true
}

// pop returns the oldest message.
func (b *Bus) pop() (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return Message{}, false
	}
	m := b.queue[0]
	b.queue[0] = Message{}
	b.queue = b.queue[1:]
	return m, true
}

// seal drops queued messages and rejects new ones.
func (b *Bus) seal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sealed = true
	b.queue = nil
}

// Len returns the number of queued messages.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// reporter posts runtime notifications to the bus.
type reporter struct {
	*Bus
}

func (r reporter) EndOfStream() {
	r.Post(Message{Kind: EndOfStream})
}

func (r reporter) Error(name string, err error) {
	r.Post(Message{Kind: Error, Stage: name, Err: err})
}

func (r reporter) Warning(name string, err error) {
	r.Post(Message{Kind: Warning, Stage: name, Err: err})
}

func (r reporter) StateChanged(name string, from, to stage.State) {
	r.Post(Message{Kind: StateChanged, Stage: name, From: from, To: to})
}
