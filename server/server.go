// Package server implements the remote side of an LST RPC session.
//
// A Server answers the requests of one host at a time over a duplex stream.
// The session methods (handshake, reset, shutdown) are built in; everything
// else is dispatched to the handlers registered with Handle. Each connection
// gets fresh reference caches and a fresh tree table, mirroring the host's
// session.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smnsjas/go-lstrpc/fragments"
	"github.com/smnsjas/go-lstrpc/messages"
	"github.com/smnsjas/go-lstrpc/metrics"
	"github.com/smnsjas/go-lstrpc/serialization"
)

var (
	// ErrProtocolViolation is returned by Serve when the host breaks envelope
	// or framing rules.
	ErrProtocolViolation = errors.New("protocol violation")
)

// HandlerFunc serves one method. It reads the request parameters from in and
// writes the result to out.
type HandlerFunc func(ctx context.Context, in *serialization.ReceiveQueue, out *serialization.SendQueue) error

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMaxFrameSize sets the largest frame written to the stream.
func WithMaxFrameSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxFrameSize = n
		}
	}
}

// Server dispatches requests to handlers.
type Server struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	language     string
	version      string
	logger       *slog.Logger
	maxFrameSize int
}

// New creates a server announcing language and version in the handshake.
func New(language, version string, opts ...Option) *Server {
	s := &Server{
		handlers:     make(map[string]HandlerFunc),
		language:     language,
		version:      version,
		logger:       slog.New(slog.DiscardHandler),
		maxFrameSize: fragments.DefaultMaxSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle registers h for method. It panics if method is reserved or already
// registered.
func (s *Server) Handle(method string, h HandlerFunc) {
	switch method {
	case messages.MethodHandshake, messages.MethodReset, messages.MethodShutdown:
		panic(fmt.Sprintf("server: method %q is reserved", method))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[method]; ok {
		panic(fmt.Sprintf("server: method %q registered twice", method))
	}
	s.handlers[method] = h
}

// Methods returns the registered method names, sorted.
func (s *Server) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Server) handler(method string) (HandlerFunc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[method]
	return h, ok
}

// conn holds the per-connection caches.
type conn struct {
	session  uuid.UUID
	sendRefs *serialization.SendRefs
	recvRefs *serialization.ReceiveRefs
	objects  *serialization.Objects
	writer   *fragments.Writer
	logger   *slog.Logger
}

// Serve answers requests from rw until the host shuts the session down, the
// stream ends, or ctx is done. Requests are handled one at a time in arrival
// order. If rw implements io.Closer it is closed when ctx is done.
func (s *Server) Serve(ctx context.Context, rw io.ReadWriter) error {
	if c, ok := rw.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { _ = c.Close() })
		defer stop()
	}

	c := &conn{
		sendRefs: serialization.NewSendRefs(),
		recvRefs: serialization.NewReceiveRefs(),
		objects:  serialization.NewObjects(),
		writer:   fragments.NewWriter(rw, s.maxFrameSize),
		logger:   s.logger,
	}
	c.sendRefs.SetObserver(metrics.RefObserver("send"))
	c.recvRefs.SetObserver(metrics.RefObserver("receive"))
	reader := fragments.NewReader(rw)

	for {
		data, err := reader.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				c.logger.Debug("host closed the stream")
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		env, err := messages.Decode(data)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
		}
		if env.Kind != messages.KindRequest {
			return fmt.Errorf("%w: unexpected %s %d", ErrProtocolViolation, env.Kind, env.ID)
		}

		done, err := s.dispatch(ctx, c, env)
		if err != nil {
			return err
		}
		if done {
			c.logger.Info("session shut down by host")
			return nil
		}
	}
}

// dispatch serves one request. It reports done after a shutdown, and returns
// an error when the connection cannot continue.
func (s *Server) dispatch(ctx context.Context, c *conn, env *messages.Envelope) (done bool, err error) {
	start := time.Now()
	in := serialization.NewReceiveQueue(env.Payload, c.recvRefs, c.objects)
	out := serialization.NewSendQueue(c.sendRefs, c.objects)

	var herr error
	switch env.Method {
	case messages.MethodHandshake:
		herr = s.handshake(c, in, out)
	case messages.MethodReset:
		c.objects.Reset()
	case messages.MethodShutdown:
		done = true
	default:
		h, ok := s.handler(env.Method)
		if !ok {
			metrics.ObserveCall("remote", env.Method, start, errNotFound)
			return false, c.respond(messages.NewErrorResponse(env.ID, messages.CodeMethodNotFound,
				fmt.Sprintf("no handler for %q", env.Method)))
		}
		herr = h(ctx, in, out)
	}
	if herr == nil {
		herr = in.Finish()
	}
	metrics.ObserveCall("remote", env.Method, start, herr)

	if herr != nil {
		code := messages.CodeInternal
		if errors.Is(herr, serialization.ErrProtocol) {
			code = messages.CodeProtocol
		}
		c.logger.Error("request failed", "method", env.Method, "id", env.ID, "code", code, "error", herr)
		if err := c.respond(messages.NewErrorResponse(env.ID, code, herr.Error())); err != nil {
			return false, err
		}
		if code == messages.CodeProtocol {
			return false, fmt.Errorf("%s: %w", env.Method, herr)
		}
		return false, nil
	}
	return done, c.respond(messages.NewResponse(env.ID, out.Bytes()))
}

var errNotFound = errors.New("method not found")

func (s *Server) handshake(c *conn, in *serialization.ReceiveQueue, out *serialization.SendQueue) error {
	version, err := serialization.Receive(in, serialization.String(), "")
	if err != nil {
		return err
	}
	id, err := serialization.Receive(in, serialization.UUID(), uuid.Nil)
	if err != nil {
		return err
	}
	c.session = id
	c.logger = s.logger.With("session_id", id.String())
	if messages.Compatible(messages.ProtocolVersion, version) {
		c.logger.Info("handshake", "protocol_version", version)
	} else {
		// The host refuses the session once it sees our version.
		c.logger.Warn("incompatible host", "protocol_version", version)
	}

	for _, v := range []string{messages.ProtocolVersion, s.language, s.version} {
		if err := serialization.Send(out, serialization.String(), "", v); err != nil {
			return err
		}
	}
	return nil
}

func (c *conn) respond(env *messages.Envelope) error {
	b, err := env.Encode()
	if err != nil {
		return err
	}
	if err := c.writer.WriteMessage(b); err != nil {
		return fmt.Errorf("respond to %d: %w", env.ID, err)
	}
	metrics.BytesTotal.WithLabelValues("sent").Add(float64(len(b)))
	return nil
}
