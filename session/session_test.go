package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/smnsjas/go-lstrpc/fragments"
	"github.com/smnsjas/go-lstrpc/messages"
	"github.com/smnsjas/go-lstrpc/serialization"
	"github.com/smnsjas/go-lstrpc/server"
)

// pipeConn is one end of an in-memory duplex stream.
type pipeConn struct {
	io.Reader
	io.Writer
	closers []io.Closer
}

func (c *pipeConn) Close() error {
	for _, cl := range c.closers {
		_ = cl.Close()
	}
	return nil
}

func newPipe() (host, remote *pipeConn) {
	hr, rw := io.Pipe()
	rr, hw := io.Pipe()
	host = &pipeConn{Reader: hr, Writer: hw, closers: []io.Closer{hr, hw}}
	remote = &pipeConn{Reader: rr, Writer: rw, closers: []io.Closer{rr, rw}}
	return host, remote
}

// startServer serves srv on the remote end and returns the host end.
func startServer(t *testing.T, srv *server.Server) (*pipeConn, <-chan error) {
	t.Helper()
	host, remote := newPipe()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, remote) }()
	t.Cleanup(func() {
		cancel()
		_ = host.Close()
	})
	return host, errCh
}

func echoServer() *server.Server {
	srv := server.New("test", "0.1.0")
	srv.Handle("upper", func(_ context.Context, in *serialization.ReceiveQueue, out *serialization.SendQueue) error {
		s, err := serialization.Receive(in, serialization.String(), "")
		if err != nil {
			return err
		}
		return serialization.Send(out, serialization.String(), "", strings.ToUpper(s))
	})
	return srv
}

func callUpper(ctx context.Context, s *Session, in string) (string, error) {
	var out string
	err := s.Call(ctx, "upper",
		func(q *serialization.SendQueue) error {
			return serialization.Send(q, serialization.String(), "", in)
		},
		func(q *serialization.ReceiveQueue) error {
			var err error
			out, err = serialization.Receive(q, serialization.String(), "")
			return err
		})
	return out, err
}

// fakeRemote answers each request on conn with respond. A nil response is
// not written.
func fakeRemote(conn *pipeConn, respond func(req *messages.Envelope) *messages.Envelope) {
	go func() {
		r := fragments.NewReader(conn)
		w := fragments.NewWriter(conn, 0)
		for {
			data, err := r.ReadMessage()
			if err != nil {
				return
			}
			req, err := messages.Decode(data)
			if err != nil {
				return
			}
			resp := respond(req)
			if resp == nil {
				continue
			}
			b, err := resp.Encode()
			if err != nil {
				return
			}
			if err := w.WriteMessage(b); err != nil {
				return
			}
		}
	}()
}

func handshakeResponse(id uint64, version string) *messages.Envelope {
	q := serialization.NewSendQueue(nil, nil)
	for _, v := range []string{version, "fake", "0.0.1"} {
		_ = serialization.Send(q, serialization.String(), "", v)
	}
	return messages.NewResponse(id, q.Bytes())
}

func TestOpenCallClose(t *testing.T) {
	conn, errCh := startServer(t, echoServer())

	var mu sync.Mutex
	var states []State
	s := New(conn, WithStateObserver(func(st State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, st)
	}))
	ctx := context.Background()

	require.NoError(t, s.Open(ctx))
	require.Equal(t, StateReady, s.State())
	if diff := cmp.Diff(Info{ProtocolVersion: messages.ProtocolVersion, Language: "test", ServerVersion: "0.1.0"}, s.Info()); diff != "" {
		t.Errorf("info mismatch (-want +got):\n%s", diff)
	}

	got, err := callUpper(ctx, s, "from alpine")
	require.NoError(t, err)
	require.Equal(t, "FROM ALPINE", got)
	require.Equal(t, StateReady, s.State())

	require.NoError(t, s.Close(ctx))
	require.Equal(t, StateStopped, s.State())
	require.NoError(t, <-errCh)

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateStarting, StateReady, StateBusy, StateReady, StateShuttingDown, StateStopped}
	if diff := cmp.Diff(want, states); diff != "" {
		t.Errorf("transitions mismatch (-want +got):\n%s", diff)
	}
}

func TestCallBeforeOpen(t *testing.T) {
	conn, _ := newPipe()
	s := New(conn)
	_, err := callUpper(context.Background(), s, "x")
	require.ErrorIs(t, err, ErrInvalidState)
	require.Equal(t, StateNotStarted, s.State())
}

func TestOpenTwice(t *testing.T) {
	conn, _ := startServer(t, echoServer())
	s := New(conn)
	require.NoError(t, s.Open(context.Background()))
	require.ErrorIs(t, s.Open(context.Background()), ErrInvalidState)
}

func TestCallTimeoutFailsSession(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	srv := server.New("test", "0.1.0")
	srv.Handle("slow", func(ctx context.Context, _ *serialization.ReceiveQueue, _ *serialization.SendQueue) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	conn, _ := startServer(t, srv)

	s := New(conn, WithCallTimeout(50*time.Millisecond))
	ctx := context.Background()
	require.NoError(t, s.Open(ctx))

	err := s.Call(ctx, "slow", nil, nil)
	require.ErrorIs(t, err, ErrCallTimeout)
	require.ErrorIs(t, err, ErrSessionFailed)
	require.Equal(t, StateFailed, s.State())

	_, err = callUpper(ctx, s, "x")
	require.ErrorIs(t, err, ErrSessionFailed)

	require.NoError(t, s.Close(ctx))
	require.Equal(t, StateFailed, s.State())
}

func TestAbandonedCallFailsSession(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	srv := server.New("test", "0.1.0")
	srv.Handle("slow", func(ctx context.Context, _ *serialization.ReceiveQueue, _ *serialization.SendQueue) error {
		close(entered)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	conn, _ := startServer(t, srv)

	s := New(conn)
	require.NoError(t, s.Open(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-entered
		cancel()
	}()
	err := s.Call(ctx, "slow", nil, nil)
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, err, ErrSessionFailed)
	require.Equal(t, StateFailed, s.State())
}

func TestCallsAreSerialized(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	srv := echoServer()
	srv.Handle("hold", func(_ context.Context, _ *serialization.ReceiveQueue, _ *serialization.SendQueue) error {
		close(entered)
		<-release
		return nil
	})
	conn, _ := startServer(t, srv)

	s := New(conn)
	require.NoError(t, s.Open(context.Background()))

	held := make(chan error, 1)
	go func() { held <- s.Call(context.Background(), "hold", nil, nil) }()
	<-entered
	require.Equal(t, StateBusy, s.State())

	// A second call waits for the first; giving up while waiting leaves the
	// session intact.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := callUpper(ctx, s, "x")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, StateBusy, s.State())

	close(release)
	require.NoError(t, <-held)
	require.Equal(t, StateReady, s.State())

	got, err := callUpper(context.Background(), s, "after")
	require.NoError(t, err)
	require.Equal(t, "AFTER", got)
}

func TestRemoteErrorFailsSession(t *testing.T) {
	conn, _ := startServer(t, echoServer())
	s := New(conn)
	ctx := context.Background()
	require.NoError(t, s.Open(ctx))

	err := s.Call(ctx, "format", nil, nil)
	require.ErrorIs(t, err, ErrSessionFailed)

	var remoteErr *Error
	require.True(t, errors.As(err, &remoteErr))
	require.Equal(t, messages.CodeMethodNotFound, remoteErr.Code)
	require.Equal(t, StateFailed, s.State())
}

func TestUndecodedResultFailsSession(t *testing.T) {
	conn, _ := startServer(t, echoServer())
	s := New(conn)
	ctx := context.Background()
	require.NoError(t, s.Open(ctx))

	err := s.Call(ctx, "upper", func(q *serialization.SendQueue) error {
		return serialization.Send(q, serialization.String(), "", "x")
	}, nil)
	require.ErrorIs(t, err, serialization.ErrProtocol)
	require.ErrorIs(t, err, ErrSessionFailed)
	require.Equal(t, StateFailed, s.State())
}

func TestRemoteExitFailsSession(t *testing.T) {
	host, remote := newPipe()
	fakeRemote(remote, func(req *messages.Envelope) *messages.Envelope {
		if req.Method == messages.MethodHandshake {
			return handshakeResponse(req.ID, messages.ProtocolVersion)
		}
		return nil
	})

	s := New(host)
	require.NoError(t, s.Open(context.Background()))

	_ = remote.Close()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not notice the remote exit")
	}
	require.Equal(t, StateFailed, s.State())
	require.ErrorIs(t, s.Err(), ErrSessionFailed)

	_, err := callUpper(context.Background(), s, "x")
	require.ErrorIs(t, err, ErrSessionFailed)
}

func TestHandshakeVersionMismatch(t *testing.T) {
	host, remote := newPipe()
	fakeRemote(remote, func(req *messages.Envelope) *messages.Envelope {
		return handshakeResponse(req.ID, "2.0")
	})

	s := New(host)
	err := s.Open(context.Background())
	require.ErrorIs(t, err, ErrVersionMismatch)
	require.Equal(t, StateFailed, s.State())
}

func TestUncorrelatedResponse(t *testing.T) {
	host, remote := newPipe()
	fakeRemote(remote, func(req *messages.Envelope) *messages.Envelope {
		return handshakeResponse(req.ID+41, messages.ProtocolVersion)
	})

	s := New(host)
	err := s.Open(context.Background())
	require.ErrorIs(t, err, ErrProtocolViolation)
	require.Equal(t, StateFailed, s.State())
}

func TestUnexpectedRequestFromRemote(t *testing.T) {
	host, remote := newPipe()
	fakeRemote(remote, func(req *messages.Envelope) *messages.Envelope {
		return messages.NewRequest(req.ID, messages.MethodParse, nil)
	})

	s := New(host)
	err := s.Open(context.Background())
	require.ErrorIs(t, err, ErrProtocolViolation)
}

func TestResetForgetsTrees(t *testing.T) {
	conn, _ := startServer(t, echoServer())
	s := New(conn)
	ctx := context.Background()
	require.NoError(t, s.Open(ctx))

	s.Objects().Put(s.ID(), "tree")
	require.Equal(t, 1, s.Objects().Len())

	require.NoError(t, s.Reset(ctx))
	require.Equal(t, 0, s.Objects().Len())
	require.Equal(t, StateReady, s.State())
}

func TestCloseNotStarted(t *testing.T) {
	conn, _ := newPipe()
	s := New(conn)
	require.NoError(t, s.Close(context.Background()))
	require.Equal(t, StateStopped, s.State())
	require.ErrorIs(t, s.Open(context.Background()), ErrInvalidState)
}

func TestFailIsAbsorbing(t *testing.T) {
	conn, _ := startServer(t, echoServer())
	s := New(conn)
	require.NoError(t, s.Open(context.Background()))

	s.Fail(errors.New("killed"))
	s.Fail(errors.New("second"))
	require.Equal(t, StateFailed, s.State())
	require.ErrorContains(t, s.Err(), "killed")
	require.NoError(t, s.Close(context.Background()))
}

func TestTraceLogger(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	trace := slog.New(slog.NewJSONHandler(&lockedWriter{mu: &mu, w: &buf}, &slog.HandlerOptions{Level: slog.LevelDebug}))

	conn, _ := startServer(t, echoServer())
	s := New(conn, WithTraceLogger(trace))
	require.NoError(t, s.Open(context.Background()))
	_, err := callUpper(context.Background(), s, "x")
	require.NoError(t, err)

	mu.Lock()
	out := buf.String()
	mu.Unlock()
	require.Contains(t, out, `"msg":"envelope"`)
	require.Contains(t, out, `"method":"upper"`)
	require.Contains(t, out, `"direction":"receive"`)
	require.Contains(t, out, s.ID().String())
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateNotStarted, "NotStarted"},
		{StateBusy, "Busy"},
		{StateFailed, "Failed"},
		{State(42), "Unknown(42)"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, tt.state.String())
	}
}
