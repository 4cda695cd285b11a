package session

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// DefaultCallTimeout bounds a call when no timeout is configured.
const DefaultCallTimeout = 2 * time.Minute

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger for state transitions and failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTraceLogger logs every envelope and operation exchanged at Debug level.
func WithTraceLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.trace = logger
	}
}

// WithCallTimeout bounds every call. Zero disables the timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d >= 0 {
			s.callTimeout = d
		}
	}
}

// WithMaxFrameSize sets the largest frame written to the stream.
func WithMaxFrameSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.maxFrameSize = n
		}
	}
}

// WithStateObserver registers fn to be called after every state transition.
// fn must not call back into the session.
func WithStateObserver(fn func(State)) Option {
	return func(s *Session) {
		s.observer = fn
	}
}

// WithID sets the session id sent in the handshake.
func WithID(id uuid.UUID) Option {
	return func(s *Session) {
		s.id = id
	}
}
