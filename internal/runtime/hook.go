package runtime

import (
	"context"

	"pipelined.dev/duplex/stage"
)

type (
	// StartFunc is a closure that triggers element start hook.
	StartFunc func(ctx context.Context) error
	// FlushFunc is a closure that triggers element flush hook.
	FlushFunc func(ctx context.Context) error
)

// Start calls the start hook.
func (fn StartFunc) Start(ctx context.Context) error {
	return callHook(ctx, fn)
}

// Flush calls the flush hook.
func (fn FlushFunc) Flush(ctx context.Context) error {
	return callHook(ctx, fn)
}

func callHook(ctx context.Context, hook func(context.Context) error) error {
	if hook == nil {
		return nil
	}
	return hook(ctx)
}

// hooks of a single element.
type hooks struct {
	StartFunc
	FlushFunc
	interrupt func()
}

// bindHooks binds optional hooks implemented by element.
func bindHooks(v interface{}) hooks {
	var h hooks
	if starter, ok := v.(stage.Starter); ok {
		h.StartFunc = starter.Start
	}
	if flusher, ok := v.(stage.Flusher); ok {
		h.FlushFunc = flusher.Flush
	}
	if interrupter, ok := v.(stage.Interrupter); ok {
		h.interrupt = interrupter.Interrupt
	}
	return h
}
