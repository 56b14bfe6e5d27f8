package runtime

import (
	"context"
	"io"
	"time"

	"pipelined.dev/duplex/metric"
	"pipelined.dev/duplex/stage"
)

// Executor executes a single iteration of element. io.EOF is returned
// when executor is done.
type Executor interface {
	Execute(context.Context) error
	close()
}

// run executes until io.EOF or error is returned. Failure is reported
// before the output is closed, so downstream doesn't mistake it for the
// end of stream.
func run(ctx context.Context, e Executor, fail func(error)) error {
	var err error
	for err == nil {
		err = e.Execute(ctx)
	}
	if err == io.EOF {
		err = nil
	} else {
		fail(err)
	}
	e.close()
	return err
}

// warnFunc reports non-fatal errors of element.
type warnFunc func(error)

// sender sends buffers to the output link.
type sender struct {
	out chan<- stage.Buffer
}

func (s sender) send(ctx context.Context, bufs []stage.Buffer) error {
	for _, b := range bufs {
		select {
		case s.out <- b:
		case <-ctx.Done():
			return io.EOF
		}
	}
	return nil
}

func (s sender) close() {
	close(s.out)
}

// hasData reports if buffer carries any data.
func hasData(b stage.Buffer) bool {
	return b.Audio != nil || b.Payload != nil || b.Packet != nil || b.Gap
}

// Source is the executor of producer elements.
type Source struct {
	stage.Producer
	sender
	warn    warnFunc
	measure metric.MeasureFunc
}

// Execute reads a single buffer and sends it downstream.
func (e *Source) Execute(ctx context.Context) error {
	b, err := e.Read(ctx)
	if err != nil {
		switch {
		case err == io.EOF, ctx.Err() != nil:
			return io.EOF
		case stage.IsWarning(err):
			e.warn(err)
			if !hasData(b) {
				return nil
			}
		default:
			return err
		}
	}
	e.measure(int64(b.NumFrames()))
	return e.send(ctx, []stage.Buffer{b})
}

// Processor is the executor of processor elements.
type Processor struct {
	stage.Processor
	sender
	in      <-chan stage.Buffer
	ticker  stage.Ticker
	tick    *time.Ticker
	warn    warnFunc
	measure metric.MeasureFunc
}

func (e *Processor) ticks() <-chan time.Time {
	if e.tick == nil {
		return nil
	}
	return e.tick.C
}

// Execute processes a single input buffer or a clock tick.
func (e *Processor) Execute(ctx context.Context) error {
	var (
		out []stage.Buffer
		err error
	)
	select {
	case b, ok := <-e.in:
		if !ok {
			return e.drain(ctx)
		}
		e.measure(int64(b.NumFrames()))
		out, err = e.Process(b)
	case now := <-e.ticks():
		out, err = e.ticker.Tick(now)
	case <-ctx.Done():
		return io.EOF
	}
	if err != nil {
		if !stage.IsWarning(err) {
			return err
		}
		e.warn(err)
	}
	return e.send(ctx, out)
}

// drain sends buffers held by element once the input is over.
func (e *Processor) drain(ctx context.Context) error {
	if d, ok := e.Processor.(stage.Drainer); ok {
		out, err := d.Drain()
		if err != nil && !stage.IsWarning(err) {
			return err
		}
		if err := e.send(ctx, out); err != nil {
			return err
		}
	}
	return io.EOF
}

func (e *Processor) close() {
	if e.tick != nil {
		e.tick.Stop()
	}
	e.sender.close()
}

// Sink is the executor of consumer elements.
type Sink struct {
	stage.Consumer
	in      <-chan stage.Buffer
	eos     func()
	warn    warnFunc
	measure metric.MeasureFunc
}

// Execute writes a single buffer.
func (e *Sink) Execute(ctx context.Context) error {
	select {
	case b, ok := <-e.in:
		if !ok {
			if ctx.Err() == nil {
				e.eos()
			}
			return io.EOF
		}
		if err := e.Write(b); err != nil {
			if !stage.IsWarning(err) {
				return err
			}
			e.warn(err)
		}
		e.measure(int64(b.NumFrames()))
		return nil
	case <-ctx.Done():
		return io.EOF
	}
}

func (e *Sink) close() {}
