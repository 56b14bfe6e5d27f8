package stage

import (
	"context"
	"errors"
	"time"
)

type (
	// Producer reads buffers from outside of the graph. Read returns
	// io.EOF when the stream is over.
	Producer interface {
		Read(ctx context.Context) (Buffer, error)
	}

	// Processor transforms a single input buffer into zero or more
	// output buffers.
	Processor interface {
		Process(Buffer) ([]Buffer, error)
	}

	// Consumer writes buffers out of the graph.
	Consumer interface {
		Write(Buffer) error
	}
)

// Optional hooks implemented by elements.
type (
	// Starter acquires resources of the element during activation.
	Starter interface {
		Start(ctx context.Context) error
	}

	// Flusher releases resources of the element during deactivation.
	// It's called exactly once for every started element.
	Flusher interface {
		Flush(ctx context.Context) error
	}

	// Interrupter unblocks pending Read call when the graph is stopped.
	Interrupter interface {
		Interrupt()
	}

	// Ticker is a processor that produces output on its own clock.
	Ticker interface {
		Interval() time.Duration
		Tick(now time.Time) ([]Buffer, error)
	}

	// Drainer returns buffers held by the processor when its input
	// reached the end of stream.
	Drainer interface {
		Drain() ([]Buffer, error)
	}
)

// Reference is the far-end signal observed by the echo probe.
type Reference interface {
	// Fetch copies up to len(dst) samples of rendered signal and
	// returns the number of copied samples.
	Fetch(dst []int16) int
}

type (
	// ReferenceSource is implemented by the probe elements.
	ReferenceSource interface {
		Reference() Reference
	}

	// ReferenceSink is implemented by the echo canceller elements.
	ReferenceSink interface {
		BindReference(Reference)
	}
)

// warning marks the error as non-fatal.
type warning struct {
	err error
}

func (w warning) Error() string {
	return w.err.Error()
}

func (w warning) Unwrap() error {
	return w.err
}

// Warning wraps non-fatal error. Elements return it to report the
// problem without stopping the graph.
func Warning(err error) error {
	if err == nil {
		return nil
	}
	return warning{err: err}
}

// IsWarning reports if error is non-fatal.
func IsWarning(err error) bool {
	var w warning
	return errors.As(err, &w)
}

// Error is the error of a named stage.
type Error struct {
	Stage string
	Err   error
}

func (e *Error) Error() string {
	return "stage " + e.Stage + ": " + e.Err.Error()
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}
