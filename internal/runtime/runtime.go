// Package runtime activates the graph: it creates elements, binds the
// echo reference, runs every element in its own goroutine and tears
// everything down in reverse order.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"pipelined.dev/duplex/graph"
	"pipelined.dev/duplex/metric"
	"pipelined.dev/duplex/stage"
)

// linkBuffer is the capacity of link channels.
const linkBuffer = 4

var (
	// ErrNotActive is returned when runtime is created for inactive graph.
	ErrNotActive = errors.New("graph is not active")
	// ErrElement is returned when element doesn't implement the contract
	// of its kind.
	ErrElement = errors.New("element doesn't implement its kind")
)

// Reporter receives notifications from the running graph. Calls come
// from many goroutines.
type Reporter interface {
	EndOfStream()
	Error(stage string, err error)
	Warning(stage string, err error)
	StateChanged(stage string, from, to stage.State)
}

type element struct {
	graph.Node
	hooks
	impl    interface{}
	state   stage.State
	flushed bool
}

// Runtime runs the activated graph. It's not safe for concurrent use.
type Runtime struct {
	log      logrus.FieldLogger
	reporter Reporter
	graph    *graph.Graph
	elements []*element
	cancel   context.CancelFunc
	group    *errgroup.Group
	pending  int32
	stopOnce sync.Once
	stopErr  error
}

// New returns runtime of the activated graph.
func New(g *graph.Graph, r Reporter, l logrus.FieldLogger) (*Runtime, error) {
	if !g.Active() {
		return nil, ErrNotActive
	}
	rt := Runtime{
		log:      l,
		reporter: r,
		graph:    g,
	}
	for _, n := range g.Nodes() {
		rt.elements = append(rt.elements, &element{Node: n})
	}
	return &rt, nil
}

// Start creates elements, binds echo reference, calls start hooks in
// construction order and launches executors. If any element fails to
// start, already started elements are flushed in reverse order and the
// first failure is returned.
func (r *Runtime) Start(ctx context.Context) error {
	for _, e := range r.elements {
		if err := r.create(e); err != nil {
			return &stage.Error{Stage: e.Name, Err: err}
		}
	}
	if err := r.bindReference(); err != nil {
		return err
	}
	for _, e := range r.elements {
		if err := e.Start(ctx); err != nil {
			startErr := &stage.Error{Stage: e.Name, Err: err}
			if flushErr := r.flush(ctx); flushErr != nil {
				r.log.WithError(flushErr).Warn("flush after failed start")
			}
			return startErr
		}
		r.transition(e, stage.Ready)
	}
	r.launch(ctx)
	return nil
}

func (r *Runtime) create(e *element) error {
	setup := stage.Setup{
		Name:   e.Name,
		Branch: e.Branch,
		Params: e.Params,
		Logger: r.log.WithFields(logrus.Fields{"stage": e.Name, "branch": e.Branch.String()}),
	}
	if e.Input != nil {
		setup.Input = e.Input.Format
	}
	if e.Output != nil {
		setup.Output = e.Output.Format
	}
	impl, err := e.Type.New(setup)
	if err != nil {
		return err
	}
	var ok bool
	switch e.Type.Kind {
	case stage.Source, stage.NetworkSource:
		_, ok = impl.(stage.Producer)
	case stage.Filter, stage.Transcoder:
		_, ok = impl.(stage.Processor)
	case stage.Sink, stage.NetworkSink:
		_, ok = impl.(stage.Consumer)
	}
	if !ok {
		return fmt.Errorf("%w: %T is not %v", ErrElement, impl, e.Type.Kind)
	}
	e.impl = impl
	e.hooks = bindHooks(impl)
	return nil
}

func (r *Runtime) bindReference() error {
	canceller, probe, ok := r.graph.Reference()
	if !ok {
		return nil
	}
	c := r.element(canceller.Name())
	p := r.element(probe.Name())
	sink, ok := c.impl.(stage.ReferenceSink)
	if !ok {
		return &stage.Error{Stage: c.Name, Err: fmt.Errorf("%w: %T cannot consume echo reference", ErrElement, c.impl)}
	}
	source, ok := p.impl.(stage.ReferenceSource)
	if !ok {
		return &stage.Error{Stage: p.Name, Err: fmt.Errorf("%w: %T cannot produce echo reference", ErrElement, p.impl)}
	}
	sink.BindReference(source.Reference())
	r.log.WithFields(logrus.Fields{"canceller": c.Name, "probe": p.Name}).Debug("echo reference bound")
	return nil
}

func (r *Runtime) element(name string) *element {
	for _, e := range r.elements {
		if e.Name == name {
			return e
		}
	}
	return nil
}

// launch starts executors of all elements.
func (r *Runtime) launch(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.group, ctx = errgroup.WithContext(ctx)

	links := make(map[*graph.Link]chan stage.Buffer)
	linkOf := func(l *graph.Link) chan stage.Buffer {
		c, ok := links[l]
		if !ok {
			c = make(chan stage.Buffer, linkBuffer)
			links[l] = c
		}
		return c
	}

	for _, e := range r.elements {
		if e.Type.Kind.Terminal() {
			r.pending++
		}
	}
	for _, e := range r.elements {
		e := e
		ex := r.executor(e, linkOf)
		fields := logrus.Fields{"stage": e.Name, "branch": e.Branch.String()}
		r.group.Go(func() error {
			return run(ctx, ex, func(err error) {
				r.log.WithFields(fields).WithError(err).Error("stage failed")
				r.reporter.Error(e.Name, err)
				r.cancel()
			})
		})
		r.transition(e, stage.Playing)
	}
}

func (r *Runtime) executor(e *element, linkOf func(*graph.Link) chan stage.Buffer) Executor {
	fields := logrus.Fields{"stage": e.Name, "branch": e.Branch.String()}
	warn := func(err error) {
		r.log.WithFields(fields).WithError(err).Warn("stage warning")
		r.reporter.Warning(e.Name, err)
	}
	sampleRate := 0
	if e.Output != nil {
		sampleRate = e.Output.Format.SampleRate
	} else if e.Input != nil {
		sampleRate = e.Input.Format.SampleRate
	}
	measure := metric.Meter(e.Type.Name, sampleRate)()

	switch e.Type.Kind {
	case stage.Source, stage.NetworkSource:
		return &Source{
			Producer: e.impl.(stage.Producer),
			sender:   sender{out: linkOf(e.Output)},
			warn:     warn,
			measure:  measure,
		}
	case stage.Filter, stage.Transcoder:
		impl := e.impl.(stage.Processor)
		p := &Processor{
			Processor: impl,
			sender:    sender{out: linkOf(e.Output)},
			in:        linkOf(e.Input),
			warn:      warn,
			measure:   measure,
		}
		if t, ok := impl.(stage.Ticker); ok && t.Interval() > 0 {
			p.ticker = t
			p.tick = time.NewTicker(t.Interval())
		}
		return p
	default:
		return &Sink{
			Consumer: e.impl.(stage.Consumer),
			in:       linkOf(e.Input),
			eos:      r.endOfStream,
			warn:     warn,
			measure:  measure,
		}
	}
}

// endOfStream is called by every sink once its input is over. The end
// of stream is reported when all sinks are done.
func (r *Runtime) endOfStream() {
	if atomic.AddInt32(&r.pending, -1) == 0 {
		r.log.Debug("all sinks reached end of stream")
		r.reporter.EndOfStream()
	}
}

// Stop interrupts blocking reads, cancels executors, waits for them and
// flushes started elements in reverse construction order. Repeated calls
// return the result of the first one.
func (r *Runtime) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
			for _, e := range r.elements {
				if e.interrupt != nil && e.state != stage.Null {
					e.interrupt()
				}
			}
			// errors were already reported by executors
			_ = r.group.Wait()
		}
		r.stopErr = r.flush(ctx)
	})
	return r.stopErr
}

// flush deactivates started elements in reverse order, each once.
func (r *Runtime) flush(ctx context.Context) error {
	var errs flushErrors
	for i := len(r.elements) - 1; i >= 0; i-- {
		e := r.elements[i]
		if e.state == stage.Null || e.flushed {
			continue
		}
		e.flushed = true
		if err := e.Flush(ctx); err != nil {
			errs = append(errs, &stage.Error{Stage: e.Name, Err: err})
		}
		r.transition(e, stage.Null)
	}
	return errs.ret()
}

func (r *Runtime) transition(e *element, to stage.State) {
	from := e.state
	e.state = to
	r.reporter.StateChanged(e.Name, from, to)
}

// flushErrors wraps errors that might occur when multiple elements
// are failing to flush.
type flushErrors []error

func (e flushErrors) Error() string {
	s := []string{}
	for _, se := range e {
		s = append(s, se.Error())
	}
	return strings.Join(s, ",")
}

// Is checks if any of errors match provided sentinel error.
func (e flushErrors) Is(target error) bool {
	for _, se := range e {
		if errors.Is(se, target) {
			return true
		}
	}
	return false
}

// ret returns untyped nil if error is list is empty.
func (e flushErrors) ret() error {
	if len(e) > 0 {
		return e
	}
	return nil
}
