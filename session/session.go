package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/smnsjas/go-lstrpc/fragments"
	"github.com/smnsjas/go-lstrpc/messages"
	"github.com/smnsjas/go-lstrpc/metrics"
	"github.com/smnsjas/go-lstrpc/serialization"
	"github.com/smnsjas/go-lstrpc/wire"
)

var (
	// ErrInvalidState is returned when an operation is attempted in an invalid state.
	ErrInvalidState = errors.New("invalid session state")
	// ErrSessionFailed wraps every error that moved the session to StateFailed.
	ErrSessionFailed = errors.New("session failed")
	// ErrCallTimeout is returned when a response does not arrive in time.
	ErrCallTimeout = errors.New("call timed out")
	// ErrProtocolViolation is returned when the remote breaks envelope or
	// framing rules.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrVersionMismatch is returned by Open when the remote speaks an
	// incompatible protocol version.
	ErrVersionMismatch = errors.New("protocol version mismatch")

	errDone = errors.New("session ended while waiting")
)

// Error is the failure carried by a remote error response.
type Error = messages.Error

// State represents the current state of a Session.
type State int

const (
	// StateNotStarted is the initial state.
	StateNotStarted State = iota
	// StateStarting indicates the handshake is in progress.
	StateStarting
	// StateReady indicates the session accepts calls.
	StateReady
	// StateBusy indicates a call is in flight.
	StateBusy
	// StateShuttingDown indicates the shutdown request has been sent.
	StateShuttingDown
	// StateStopped indicates a clean shutdown.
	StateStopped
	// StateFailed indicates the session is unusable.
	StateFailed
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NotStarted"
	case StateStarting:
		return "Starting"
	case StateReady:
		return "Ready"
	case StateBusy:
		return "Busy"
	case StateShuttingDown:
		return "ShuttingDown"
	case StateStopped:
		return "Stopped"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// Info describes the remote, as reported in the handshake.
type Info struct {
	ProtocolVersion string
	Language        string
	ServerVersion   string
}

// Session is the host side of one connection to a remote language server.
type Session struct {
	mu sync.RWMutex

	id    uuid.UUID
	state State
	info  Info
	err   error

	rw     io.ReadWriter
	writer *fragments.Writer
	reader *fragments.Reader

	logger       *slog.Logger
	trace        *slog.Logger
	callTimeout  time.Duration
	maxFrameSize int
	observer     func(State)

	// Caches live exactly as long as the session.
	sendRefs *serialization.SendRefs
	recvRefs *serialization.ReceiveRefs
	objects  *serialization.Objects

	callSem chan struct{}
	nextID  atomic.Uint64
	pending map[uint64]chan *messages.Envelope

	doneCh      chan struct{}
	cleanupOnce sync.Once
}

// New creates a session over rw. The session starts in StateNotStarted; Open
// performs the handshake. If rw implements io.Closer it is closed when the
// session stops or fails.
func New(rw io.ReadWriter, opts ...Option) *Session {
	s := &Session{
		id:           uuid.New(),
		state:        StateNotStarted,
		rw:           rw,
		logger:       slog.New(slog.DiscardHandler),
		callTimeout:  DefaultCallTimeout,
		maxFrameSize: fragments.DefaultMaxSize,
		sendRefs:     serialization.NewSendRefs(),
		recvRefs:     serialization.NewReceiveRefs(),
		objects:      serialization.NewObjects(),
		callSem:      make(chan struct{}, 1),
		pending:      make(map[uint64]chan *messages.Envelope),
		doneCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session_id", s.id.String())
	if s.trace != nil {
		s.trace = s.trace.With("session_id", s.id.String())
	}
	s.writer = fragments.NewWriter(rw, s.maxFrameSize)
	s.reader = fragments.NewReader(rw)
	s.sendRefs.SetObserver(metrics.RefObserver("send"))
	s.recvRefs.SetObserver(metrics.RefObserver("receive"))
	return s
}

// ID returns the session id.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Info returns what the remote reported in the handshake.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

// Err returns the error that failed the session, if any.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Done returns a channel closed when the session stops or fails.
func (s *Session) Done() <-chan struct{} {
	return s.doneCh
}

// SendRefs returns the reference cache of outgoing messages.
func (s *Session) SendRefs() *serialization.SendRefs { return s.sendRefs }

// ReceiveRefs returns the reference cache of incoming messages.
func (s *Session) ReceiveRefs() *serialization.ReceiveRefs { return s.recvRefs }

// Objects returns the table of trees the remote holds.
func (s *Session) Objects() *serialization.Objects { return s.objects }

// Open performs the handshake and moves the session to StateReady.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateNotStarted {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: open in state %s", ErrInvalidState, st)
	}
	s.setState(StateStarting)
	s.mu.Unlock()

	go s.dispatchLoop()

	var info Info
	err := s.roundTrip(ctx, messages.MethodHandshake,
		func(q *serialization.SendQueue) error {
			if err := serialization.Send(q, serialization.String(), "", messages.ProtocolVersion); err != nil {
				return err
			}
			return serialization.Send(q, serialization.UUID(), uuid.Nil, s.id)
		},
		func(q *serialization.ReceiveQueue) error {
			var err error
			if info.ProtocolVersion, err = serialization.Receive(q, serialization.String(), ""); err != nil {
				return err
			}
			if info.Language, err = serialization.Receive(q, serialization.String(), ""); err != nil {
				return err
			}
			info.ServerVersion, err = serialization.Receive(q, serialization.String(), "")
			return err
		})
	if err != nil {
		return err
	}
	if !messages.Compatible(messages.ProtocolVersion, info.ProtocolVersion) {
		return s.fail(fmt.Errorf("%w: host speaks %s, remote speaks %q",
			ErrVersionMismatch, messages.ProtocolVersion, info.ProtocolVersion))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStarting {
		return s.stateErrLocked("open")
	}
	s.info = info
	s.setState(StateReady)
	s.logger.Info("session ready",
		"language", info.Language,
		"server_version", info.ServerVersion,
		"protocol_version", info.ProtocolVersion)
	return nil
}

// Call sends one request and waits for its response. encode writes the
// request parameters and decode reads the result; either may be nil.
//
// Calls are serialized. Any failure after the request has been encoded fails
// the session, since the peers' caches can no longer be trusted to agree.
func (s *Session) Call(ctx context.Context, method string,
	encode func(*serialization.SendQueue) error,
	decode func(*serialization.ReceiveQueue) error,
) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	s.mu.Lock()
	if s.state != StateReady {
		err := s.stateErrLocked("call " + method)
		s.mu.Unlock()
		return err
	}
	s.setState(StateBusy)
	s.mu.Unlock()

	if err := s.roundTrip(ctx, method, encode, decode); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StateBusy {
		s.setState(StateReady)
	}
	s.mu.Unlock()
	return nil
}

// Reset asks the remote to forget every tracked tree, and forgets them
// locally. Reference ids stay valid.
func (s *Session) Reset(ctx context.Context) error {
	return s.Call(ctx, messages.MethodReset, nil, func(*serialization.ReceiveQueue) error {
		s.objects.Reset()
		return nil
	})
}

// Close shuts the session down gracefully. Closing a stopped or failed
// session is a no-op.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateStopped, StateFailed:
		s.mu.Unlock()
		return nil
	case StateNotStarted:
		s.mu.Unlock()
		s.cleanup(StateStopped, nil)
		return nil
	}
	s.mu.Unlock()

	if err := s.acquire(ctx); err != nil {
		if s.State().Terminal() {
			return nil
		}
		return err
	}
	defer s.release()

	s.mu.Lock()
	switch s.state {
	case StateReady:
		s.setState(StateShuttingDown)
	case StateStopped, StateFailed:
		s.mu.Unlock()
		return nil
	default:
		err := s.stateErrLocked("close")
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if err := s.roundTrip(ctx, messages.MethodShutdown, nil, nil); err != nil {
		if s.State() == StateStopped {
			return nil
		}
		return err
	}
	s.cleanup(StateStopped, nil)
	return nil
}

// Fail moves the session to StateFailed. It has no effect on a session that
// already stopped or failed.
func (s *Session) Fail(cause error) {
	_ = s.fail(cause)
}

func (s *Session) fail(cause error) error {
	err := fmt.Errorf("%w: %w", ErrSessionFailed, cause)
	s.cleanup(StateFailed, err)
	return err
}

func (s *Session) acquire(ctx context.Context) error {
	select {
	case s.callSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.stateErrLocked("acquire")
	}
}

func (s *Session) release() {
	<-s.callSem
}

// stateErrLocked describes why op cannot run in the current state.
// Caller MUST hold s.mu.
func (s *Session) stateErrLocked(op string) error {
	if s.state == StateFailed && s.err != nil {
		return s.err
	}
	return fmt.Errorf("%w: %s in state %s", ErrInvalidState, op, s.state)
}

// roundTrip exchanges one request and fails the session on any error.
func (s *Session) roundTrip(ctx context.Context, method string,
	encode func(*serialization.SendQueue) error,
	decode func(*serialization.ReceiveQueue) error,
) error {
	start := time.Now()
	err := s.exchange(ctx, method, encode, decode)
	metrics.ObserveCall("host", method, start, err)
	if err == nil {
		return nil
	}
	if errors.Is(err, errDone) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.stateErrLocked(method)
	}
	return s.fail(err)
}

func (s *Session) exchange(ctx context.Context, method string,
	encode func(*serialization.SendQueue) error,
	decode func(*serialization.ReceiveQueue) error,
) error {
	q := serialization.NewSendQueue(s.sendRefs, s.objects)
	if s.trace != nil {
		q.SetTrace(s.traceOp("send", method))
	}
	if encode != nil {
		if err := encode(q); err != nil {
			return fmt.Errorf("encode %s: %w", method, err)
		}
	}

	id := s.nextID.Add(1)
	ch := make(chan *messages.Envelope, 1)
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return errDone
	}
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.send(messages.NewRequest(id, method, q.Bytes())); err != nil {
		return err
	}

	var timeout <-chan time.Time
	if s.callTimeout > 0 {
		t := time.NewTimer(s.callTimeout)
		defer t.Stop()
		timeout = t.C
	}

	var resp *messages.Envelope
	select {
	case resp = <-ch:
	case <-timeout:
		return fmt.Errorf("%w: %s after %s", ErrCallTimeout, method, s.callTimeout)
	case <-ctx.Done():
		return fmt.Errorf("%s abandoned: %w", method, ctx.Err())
	case <-s.doneCh:
		return errDone
	}

	if resp.Error != nil {
		return fmt.Errorf("%s: %w", method, resp.Error)
	}

	rq := serialization.NewReceiveQueue(resp.Payload, s.recvRefs, s.objects)
	if s.trace != nil {
		rq.SetTrace(s.traceOp("receive", method))
	}
	if decode != nil {
		if err := decode(rq); err != nil {
			return fmt.Errorf("decode %s: %w", method, err)
		}
	}
	if err := rq.Finish(); err != nil {
		return fmt.Errorf("decode %s: %w", method, err)
	}
	return nil
}

func (s *Session) send(env *messages.Envelope) error {
	b, err := env.Encode()
	if err != nil {
		return err
	}
	s.traceEnvelope("send", env)
	if err := s.writer.WriteMessage(b); err != nil {
		return fmt.Errorf("send %s: %w", env.Method, err)
	}
	metrics.BytesTotal.WithLabelValues("sent").Add(float64(len(b)))
	return nil
}

// dispatchLoop reads responses and hands each one to the call waiting on its
// id. It runs until the stream ends or the session fails.
func (s *Session) dispatchLoop() {
	for {
		data, err := s.reader.ReadMessage()
		if err != nil {
			st := s.State()
			switch {
			case st.Terminal():
			case st == StateShuttingDown && errors.Is(err, io.EOF):
				s.cleanup(StateStopped, nil)
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
				s.Fail(fmt.Errorf("remote closed the stream: %w", err))
			case errors.Is(err, fragments.ErrInvalidFragment),
				errors.Is(err, fragments.ErrOutOfOrder),
				errors.Is(err, fragments.ErrMessageTooLarge):
				s.Fail(fmt.Errorf("%w: %w", ErrProtocolViolation, err))
			default:
				s.Fail(fmt.Errorf("read: %w", err))
			}
			return
		}
		metrics.BytesTotal.WithLabelValues("received").Add(float64(len(data)))

		env, err := messages.Decode(data)
		if err != nil {
			s.Fail(fmt.Errorf("%w: %w", ErrProtocolViolation, err))
			return
		}
		s.traceEnvelope("receive", env)

		if env.Kind != messages.KindResponse {
			s.Fail(fmt.Errorf("%w: unexpected %s %d (%s)", ErrProtocolViolation, env.Kind, env.ID, env.Method))
			return
		}

		s.mu.Lock()
		ch, ok := s.pending[env.ID]
		delete(s.pending, env.ID)
		s.mu.Unlock()
		if !ok {
			s.Fail(fmt.Errorf("%w: response %d matches no call", ErrProtocolViolation, env.ID))
			return
		}
		ch <- env
	}
}

// cleanup moves the session to a terminal state exactly once.
func (s *Session) cleanup(endState State, err error) {
	s.cleanupOnce.Do(func() {
		s.mu.Lock()
		if err != nil {
			s.err = err
		}
		s.setState(endState)
		s.mu.Unlock()

		close(s.doneCh)

		if endState == StateFailed {
			metrics.FailedSessions.Inc()
			s.logger.Error("session failed", "error", err)
		}
		if c, ok := s.rw.(io.Closer); ok {
			_ = c.Close()
		}
	})
}

// setState transitions the session. Caller MUST hold s.mu.
func (s *Session) setState(newState State) {
	if s.state == newState {
		return
	}
	s.logger.Debug("state transition", "from", s.state.String(), "to", newState.String())
	s.state = newState
	metrics.StateTransitions.WithLabelValues(newState.String()).Inc()
	if s.observer != nil {
		s.observer(newState)
	}
}

func (s *Session) traceEnvelope(direction string, env *messages.Envelope) {
	if s.trace == nil {
		return
	}
	attrs := []any{
		"direction", direction,
		"kind", env.Kind.String(),
		"id", env.ID,
		"payload_bytes", len(env.Payload),
	}
	if env.Method != "" {
		attrs = append(attrs, "method", env.Method)
	}
	if env.Error != nil {
		attrs = append(attrs, "error_code", env.Error.Code)
	}
	s.trace.Debug("envelope", attrs...)
}

func (s *Session) traceOp(direction, method string) func(wire.Op) {
	return func(op wire.Op) {
		s.trace.Debug("op",
			"direction", direction,
			"method", method,
			"state", op.State.String(),
			"count", op.Count,
			"type", op.Type,
			"ref", op.Ref,
			"value", op.Value.Kind.String())
	}
}
