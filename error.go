package duplex

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigInvalid is returned when config is rejected before any
	// stage is added.
	ErrConfigInvalid = errors.New("invalid config")
	// ErrGraphConstructionFailed is returned when the graph cannot be
	// built. The structural cause is wrapped.
	ErrGraphConstructionFailed = errors.New("graph construction failed")
	// ErrActivationFailed is returned when a stage fails to start.
	ErrActivationFailed = errors.New("activation failed")
	// ErrRuntime is returned when a stage fails while playing.
	ErrRuntime = errors.New("runtime error")
	// ErrInvalidState is returned if session method cannot be executed
	// at this moment.
	ErrInvalidState = errors.New("invalid state")
)

// BuildError is returned when graph construction failed.
type BuildError struct {
	Stage string
	Err   error
}

func (e *BuildError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("%v: %v", ErrGraphConstructionFailed, e.Err)
	}
	return fmt.Sprintf("%v: stage %s: %v", ErrGraphConstructionFailed, e.Stage, e.Err)
}

// Is checks if error matches ErrGraphConstructionFailed or the cause.
func (e *BuildError) Is(err error) bool {
	return err == ErrGraphConstructionFailed || errors.Is(e.Err, err)
}

// Unwrap returns the cause.
func (e *BuildError) Unwrap() error {
	return e.Err
}
