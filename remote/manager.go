// Package remote starts language servers as child processes and calls them.
//
// A Manager owns at most one server process and its session. GetOrStart
// returns the running session or starts a fresh process; a session that
// failed is never reused, so every restart begins with empty caches.
// Client wraps the front-end methods around a Manager.
//
//	cfg, err := remote.LoadConfig("lstrpc.yaml")
//	...
//	mgr := remote.NewManager(*cfg, remote.WithLogger(logger))
//	defer mgr.ShutdownCurrent(context.Background())
//
//	client := remote.NewClient(mgr, dockerfile.NewSourceFileCodec())
//	files, err := client.Parse(ctx, []string{"Dockerfile"})
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smnsjas/go-lstrpc/metrics"
	"github.com/smnsjas/go-lstrpc/outofproc"
	"github.com/smnsjas/go-lstrpc/session"
)

// Manager starts and stops a remote server process.
//
// Manager is safe for concurrent use.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	current *process
	started bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger for process lifecycle events.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager returns a Manager for cfg. No process is started until
// GetOrStart.
func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:    cfg,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the state of the current session, StateNotStarted before
// the first start and StateStopped after ShutdownCurrent.
func (m *Manager) State() session.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.current != nil:
		return m.current.sess.State()
	case m.started:
		return session.StateStopped
	default:
		return session.StateNotStarted
	}
}

// GetOrStart returns the current session if it is Ready or Busy. Otherwise
// it validates the configuration, starts the server, performs the handshake
// and returns the new session.
func (m *Manager) GetOrStart(ctx context.Context) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p := m.current; p != nil {
		switch p.sess.State() {
		case session.StateReady, session.StateBusy:
			return p.sess, nil
		}
		m.logger.Info("Replacing remote session",
			slog.String("session_id", p.sess.ID().String()),
			slog.String("state", p.sess.State().String()))
		p.kill()
		m.current = nil
	}

	if err := m.cfg.Validate(); err != nil {
		return nil, err
	}
	path, err := m.cfg.Resolve()
	if err != nil {
		return nil, err
	}

	p, err := m.start(ctx, path)
	if err != nil {
		return nil, err
	}
	m.current = p
	m.started = true
	return p.sess, nil
}

// ShutdownCurrent stops the current server: a graceful shutdown when the
// session is Ready, then process termination. It is safe to call when no
// server runs or the session failed.
func (m *Manager) ShutdownCurrent(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.current
	if p == nil {
		return nil
	}
	m.current = nil

	var err error
	if p.sess.State() == session.StateReady {
		if cerr := p.sess.Close(ctx); cerr != nil {
			err = fmt.Errorf("close session: %w", cerr)
		}
	} else {
		p.sess.Fail(errors.New("shut down"))
	}
	p.stop(m.shutdownTimeout())

	m.logger.Info("Remote server stopped",
		slog.String("session_id", p.sess.ID().String()),
		slog.Int("pid", p.pid()),
	)
	return err
}

func (m *Manager) shutdownTimeout() time.Duration {
	if m.cfg.ShutdownTimeout > 0 {
		return m.cfg.ShutdownTimeout
	}
	return DefaultShutdownTimeout
}

func (m *Manager) start(ctx context.Context, path string) (*process, error) {
	id := uuid.New()
	logger := m.logger.With(slog.String("session_id", id.String()))

	cmd := exec.Command(path, m.cfg.Args...)
	cmd.Dir = m.cfg.WorkDir
	cmd.Env = m.cfg.environ()

	p := &process{cmd: cmd, exited: make(chan struct{}), logger: logger}

	var traceOut io.Writer
	if m.cfg.LogFile != "" {
		f, err := os.OpenFile(m.cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("%w: open log file: %w", ErrInvalidConfig, err)
		}
		p.logFile = f
		cmd.Stderr = f
		traceOut = f
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		p.release()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// Wait must not close the read end before the session has drained it.
	stdout, childOut, err := os.Pipe()
	if err != nil {
		p.release()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = childOut
	p.stdin, p.stdout = stdin, stdout
	if cmd.Stderr == nil {
		cmd.Stderr = &stderrLogger{logger: logger}
	}

	logger.Info("Starting remote server", slog.String("command", path), slog.Any("args", m.cfg.Args))
	err = cmd.Start()
	_ = childOut.Close()
	if err != nil {
		p.release()
		return nil, fmt.Errorf("start process: %w", err)
	}
	metrics.ProcessStarts.Inc()

	// The session tags its own lines with session_id.
	procLogger := m.logger.With(slog.Int("pid", p.pid()))
	logger = procLogger.With(slog.String("session_id", id.String()))
	p.logger = logger
	go p.wait()

	transport := outofproc.NewTransport(stdout, stdin)
	transport.SetLogger(logger)
	conn := &procConn{adapter: outofproc.NewAdapter(transport, id), stdin: stdin}

	opts := []session.Option{
		session.WithID(id),
		session.WithLogger(procLogger),
		session.WithCallTimeout(m.cfg.CallTimeout),
		session.WithMaxFrameSize(m.cfg.MaxFrameSize),
	}
	if m.cfg.TraceMessages {
		if traceOut == nil {
			opts = append(opts, session.WithTraceLogger(procLogger))
		} else {
			opts = append(opts, session.WithTraceLogger(slog.New(slog.NewJSONHandler(traceOut,
				&slog.HandlerOptions{Level: slog.LevelDebug})).With(slog.Int("pid", p.pid()))))
		}
	}
	p.sess = session.New(conn, opts...)

	startCtx := ctx
	if m.cfg.StartTimeout > 0 {
		var cancel context.CancelFunc
		startCtx, cancel = context.WithTimeout(ctx, m.cfg.StartTimeout)
		defer cancel()
	}
	if err := p.sess.Open(startCtx); err != nil {
		p.kill()
		if errors.Is(err, session.ErrVersionMismatch) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		return nil, fmt.Errorf("start remote server: %w", err)
	}

	info := p.sess.Info()
	logger.Info("Remote server ready",
		slog.String("language", info.Language),
		slog.String("server_version", info.ServerVersion),
		slog.String("protocol_version", info.ProtocolVersion),
	)
	go p.watch()
	return p, nil
}

// process is one running server and its session.
type process struct {
	cmd     *exec.Cmd
	sess    *session.Session
	logger  *slog.Logger
	stdin   io.Closer
	stdout  *os.File
	logFile *os.File

	exited      chan struct{}
	waitErr     error
	releaseOnce sync.Once
}

func (p *process) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *process) wait() {
	p.waitErr = p.cmd.Wait()
	if p.waitErr != nil {
		p.logger.Debug("Remote server exited", slog.String("error", p.waitErr.Error()))
	}
	close(p.exited)
}

// watch kills the process once its session fails. An exiting process ends
// the session through the closed stream.
func (p *process) watch() {
	<-p.sess.Done()
	if p.sess.State() == session.StateFailed {
		p.logger.Warn("Killing remote server after session failure", slog.Int("pid", p.pid()))
		p.kill()
	}
}

// stop closes the server's stdin and waits up to timeout for it to exit,
// then kills it.
func (p *process) stop(timeout time.Duration) {
	if p.stdin != nil {
		_ = p.stdin.Close()
	}
	select {
	case <-p.exited:
		p.release()
	case <-time.After(timeout):
		p.logger.Warn("Remote server did not exit, killing", slog.Int("pid", p.pid()))
		p.kill()
	}
}

func (p *process) kill() {
	select {
	case <-p.exited:
	default:
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		<-p.exited
	}
	p.release()
}

// release closes the host's ends of the pipes and the log file. The process
// must have exited.
func (p *process) release() {
	p.releaseOnce.Do(func() {
		if p.stdin != nil {
			_ = p.stdin.Close()
		}
		if p.stdout != nil {
			_ = p.stdout.Close()
		}
		if p.logFile != nil {
			_ = p.logFile.Close()
		}
	})
}

// procConn is the session's stream to a child process. Closing it closes
// the child's stdin.
type procConn struct {
	adapter *outofproc.Adapter
	stdin   io.Closer
}

func (c *procConn) Read(p []byte) (int, error)  { return c.adapter.Read(p) }
func (c *procConn) Write(p []byte) (int, error) { return c.adapter.Write(p) }
func (c *procConn) Close() error                { return c.stdin.Close() }

// stderrLogger logs every line the server writes to stderr.
type stderrLogger struct {
	logger  *slog.Logger
	partial []byte
}

func (w *stderrLogger) Write(b []byte) (int, error) {
	w.partial = append(w.partial, b...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimRight(w.partial[:i], "\r"); len(line) > 0 {
			w.logger.Debug("remote stderr", slog.String("line", string(line)))
		}
		w.partial = w.partial[i+1:]
	}
	return len(b), nil
}
