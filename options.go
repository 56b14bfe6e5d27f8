package duplex

import (
	"errors"

	"github.com/sirupsen/logrus"

	"pipelined.dev/duplex/stage"
)

// Option provides a way to set functional parameters to session.
type Option func(*Session) error

// WithLogger sets the logger of session and its stages.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Session) error {
		if l == nil {
			return errors.New("nil logger")
		}
		s.log = l
		return nil
	}
}

// WithRegistry replaces the registry the graph is built from. It's
// used to stub devices and sockets.
func WithRegistry(r *stage.Registry) Option {
	return func(s *Session) error {
		if r == nil {
			return errors.New("nil registry")
		}
		s.registry = r
		return nil
	}
}
