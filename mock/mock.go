// Package mock provides mocks for stage types and allows to execute
// session integration tests without devices and sockets.
package mock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/rtp"

	"pipelined.dev/duplex/stage"
)

// Mock parameters appended to every stubbed type.
const (
	// ParamBuffers limits the number of buffers produced by source.
	// Zero means until stopped.
	ParamBuffers = "mock-buffers"
	// ParamInterval is the delay between produced buffers.
	ParamInterval = "mock-interval"
	// ParamFailStart makes the element fail activation.
	ParamFailStart = "mock-fail-start"
	// ParamFailAfter makes the element fail after n buffers.
	ParamFailAfter = "mock-fail-after"
	// ParamWarnAfter makes the element warn after n buffers.
	ParamWarnAfter = "mock-warn-after"
)

var (
	// ErrStart is returned by elements that fail activation.
	ErrStart = errors.New("mock start error")
	// ErrCall is returned by elements that fail processing.
	ErrCall = errors.New("mock call error")
	// ErrWarn is returned wrapped into warning.
	ErrWarn = errors.New("mock warning")
)

var mockParams = []stage.ParamSpec{
	{Key: ParamBuffers, Kind: stage.Int, Default: 0},
	{Key: ParamInterval, Kind: stage.Duration, Default: 2 * time.Millisecond},
	{Key: ParamFailStart, Kind: stage.Bool, Default: false},
	{Key: ParamFailAfter, Kind: stage.Int, Default: 0},
	{Key: ParamWarnAfter, Kind: stage.Int, Default: 0},
}

// Tracker records lifecycle of all elements created by stubbed types.
type Tracker struct {
	sync.Mutex
	elements map[string]*Element
	events   []string
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{elements: make(map[string]*Element)}
}

func (t *Tracker) record(event, name string) {
	t.Lock()
	defer t.Unlock()
	t.events = append(t.events, event+":"+name)
}

// Events returns recorded events in order, like "start:capture".
func (t *Tracker) Events() []string {
	t.Lock()
	defer t.Unlock()
	return append([]string(nil), t.events...)
}

// Filter returns recorded events of one kind, stripped of prefix.
func (t *Tracker) Filter(event string) []string {
	var names []string
	for _, e := range t.Events() {
		if len(e) > len(event) && e[:len(event)+1] == event+":" {
			names = append(names, e[len(event)+1:])
		}
	}
	return names
}

// Element returns created element by stage name.
func (t *Tracker) Element(name string) *Element {
	t.Lock()
	defer t.Unlock()
	return t.elements[name]
}

// Stub returns a type with the same name, kind, ports, parameters and
// role as provided one, but creating mock elements.
func Stub(real *stage.Type, tr *Tracker) *stage.Type {
	params := append(append([]stage.ParamSpec(nil), real.Params...), mockParams...)
	return &stage.Type{
		Name:      real.Name,
		Kind:      real.Kind,
		Inputs:    real.Inputs,
		Outputs:   real.Outputs,
		Params:    params,
		Role:      real.Role,
		Caps:      real.Caps,
		Transform: real.Transform,
		New: func(s stage.Setup) (interface{}, error) {
			e := &Element{
				Name:    s.Name,
				kind:    real.Kind,
				role:    real.Role,
				tracker: tr,
				params:  s.Params,
				input:   s.Input,
				output:  s.Output,
			}
			tr.Lock()
			tr.elements[s.Name] = e
			tr.Unlock()
			tr.record("new", s.Name)
			return e, nil
		},
	}
}

// Type returns a new stubbed type with single port template format.
func Type(name string, kind stage.Kind, f stage.Format, tr *Tracker) *stage.Type {
	t := &stage.Type{Name: name, Kind: kind}
	in, out := kind.Ports()
	if in > 0 {
		t.Inputs = []stage.Port{{Name: "sink", Format: f}}
	}
	if out > 0 {
		t.Outputs = []stage.Port{{Name: "src", Format: f}}
	}
	return Stub(t, tr)
}

// Registry stubs all types of provided registry.
func Registry(real *stage.Registry, tr *Tracker) *stage.Registry {
	r, _ := stage.NewRegistry()
	for _, name := range real.Names() {
		t, _ := real.Lookup(name)
		_ = r.Register(Stub(t, tr))
	}
	return r
}

// Element is a mock of any stage element. Counters are safe to read
// after the graph is stopped.
type Element struct {
	Name string
	Hooks
	counter

	kind    stage.Kind
	role    stage.Role
	tracker *Tracker
	params  stage.Params
	input   stage.Format
	output  stage.Format

	mu        sync.Mutex
	buffers   []stage.Buffer
	reference stage.Reference
	seq       uint16
}

// Hooks allows to check element hooks calls.
type Hooks struct {
	Started     bool
	Flushed     int
	Interrupted bool
}

type counter struct {
	messages int
	frames   int
}

// Messages returns the number of handled buffers.
func (e *Element) Messages() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.messages
}

// Buffers returns buffers written into sink element.
func (e *Element) Buffers() []stage.Buffer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]stage.Buffer(nil), e.buffers...)
}

// BoundReference returns the reference bound to canceller element.
func (e *Element) BoundReference() stage.Reference {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reference
}

// Input returns negotiated input format.
func (e *Element) Input() stage.Format {
	return e.input
}

// Output returns negotiated output format.
func (e *Element) Output() stage.Format {
	return e.output
}

// Param returns the value of parameter the element was created with.
func (e *Element) Param(key string) interface{} {
	v, _ := e.params.Value(key)
	return v
}

// Start implements stage.Starter.
func (e *Element) Start(ctx context.Context) error {
	if e.params.Bool(ParamFailStart) {
		e.tracker.record("fail", e.Name)
		return fmt.Errorf("%s: %w", e.Name, ErrStart)
	}
	e.mu.Lock()
	e.Started = true
	e.mu.Unlock()
	e.tracker.record("start", e.Name)
	return nil
}

// Flush implements stage.Flusher.
func (e *Element) Flush(ctx context.Context) error {
	e.mu.Lock()
	e.Flushed++
	e.mu.Unlock()
	e.tracker.record("flush", e.Name)
	return nil
}

// Interrupt implements stage.Interrupter.
func (e *Element) Interrupt() {
	e.mu.Lock()
	e.Interrupted = true
	e.mu.Unlock()
}

// Reference implements stage.ReferenceSource.
func (e *Element) Reference() stage.Reference {
	return silence{}
}

// BindReference implements stage.ReferenceSink.
func (e *Element) BindReference(r stage.Reference) {
	e.mu.Lock()
	e.reference = r
	e.mu.Unlock()
	e.tracker.record("bind", e.Name)
}

// advance counts the buffer and returns injected error if any.
func (e *Element) advance(frames int) error {
	e.mu.Lock()
	e.messages++
	e.frames += frames
	n := e.messages
	e.mu.Unlock()
	if after := e.params.Int(ParamFailAfter); after > 0 && n >= after {
		return fmt.Errorf("%s: %w", e.Name, ErrCall)
	}
	if after := e.params.Int(ParamWarnAfter); after > 0 && n == after {
		return stage.Warning(fmt.Errorf("%s: %w", e.Name, ErrWarn))
	}
	return nil
}

// Read implements stage.Producer.
func (e *Element) Read(ctx context.Context) (stage.Buffer, error) {
	if limit := e.params.Int(ParamBuffers); limit > 0 && e.Messages() >= limit {
		return stage.Buffer{}, io.EOF
	}
	select {
	case <-ctx.Done():
		return stage.Buffer{}, ctx.Err()
	case <-time.After(e.params.Duration(ParamInterval)):
	}
	b := e.buffer()
	return b, e.advance(b.NumFrames())
}

// Process implements stage.Processor.
func (e *Element) Process(in stage.Buffer) ([]stage.Buffer, error) {
	out := e.buffer()
	out.Timestamp = in.Timestamp
	out.Gap = in.Gap
	if err := e.advance(in.NumFrames()); err != nil {
		if stage.IsWarning(err) {
			return []stage.Buffer{out}, err
		}
		return nil, err
	}
	return []stage.Buffer{out}, nil
}

// Write implements stage.Consumer.
func (e *Element) Write(b stage.Buffer) error {
	e.mu.Lock()
	e.buffers = append(e.buffers, b)
	e.mu.Unlock()
	return e.advance(b.NumFrames())
}

const frames = 480

// buffer returns a buffer of output format.
func (e *Element) buffer() stage.Buffer {
	f := e.output
	b := stage.Buffer{Format: f, Frames: frames}
	switch f.Media {
	case stage.Raw:
		channels := f.Channels
		if channels == 0 {
			channels = 1
		}
		if f.SampleFormat == stage.F32 {
			b.Audio = stage.NewFloat32(make([]float32, frames*channels), f.SampleRate, channels)
		} else {
			b.Audio = stage.NewPCM16(make([]int16, frames*channels), f.SampleRate, channels)
		}
	case stage.Encoded:
		b.Payload = make([]byte, frames)
	case stage.RTP:
		e.mu.Lock()
		e.seq++
		seq := e.seq
		e.mu.Unlock()
		b.Packet = &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				SequenceNumber: seq,
				Timestamp:      uint32(seq) * frames,
			},
			Payload: make([]byte, frames),
		}
	}
	return b
}

type silence struct{}

func (silence) Fetch(dst []int16) int {
	for i := range dst {
		dst[i] = 0
	}
	return len(dst)
}
