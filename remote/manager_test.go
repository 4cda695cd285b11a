package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smnsjas/go-lstrpc/dockerfile"
	"github.com/smnsjas/go-lstrpc/frontend"
	"github.com/smnsjas/go-lstrpc/messages"
	"github.com/smnsjas/go-lstrpc/serialization"
	"github.com/smnsjas/go-lstrpc/server"
	"github.com/smnsjas/go-lstrpc/session"
)

// helperEnv makes the test binary act as a Dockerfile server. Its value
// selects the behavior of parse.
const helperEnv = "LSTRPC_HELPER_MODE"

func TestMain(m *testing.M) {
	if mode, ok := os.LookupEnv(helperEnv); ok {
		os.Exit(runHelper(mode))
	}
	os.Exit(m.Run())
}

func runHelper(mode string) int {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	logger.Info("helper started", "mode", mode)

	srv := server.New(dockerfile.Language, "helper", server.WithLogger(logger))
	switch mode {
	case "crash":
		srv.Handle(messages.MethodParse, func(context.Context, *serialization.ReceiveQueue, *serialization.SendQueue) error {
			os.Exit(3)
			return nil
		})
	case "hang":
		srv.Handle(messages.MethodParse, func(ctx context.Context, _ *serialization.ReceiveQueue, _ *serialization.SendQueue) error {
			<-ctx.Done()
			return ctx.Err()
		})
	default:
		frontend.Register(srv, dockerfile.NewFrontEnd())
	}
	if err := srv.ServeStdio(context.Background(), os.Stdin, os.Stdout); err != nil {
		logger.Error("serve failed", "error", err)
		return 1
	}
	return 0
}

func helperConfig(t *testing.T, mode string) Config {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.EntryPoint = exe
	cfg.Env = map[string]string{helperEnv: mode}
	cfg.StartTimeout = 20 * time.Second
	return cfg
}

func newManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	mgr := NewManager(cfg)
	t.Cleanup(func() { _ = mgr.ShutdownCurrent(context.Background()) })
	return mgr
}

const dockerfileText = "FROM golang:1.25 AS build\nRUN go build -o /out/app ./...\n\nFROM alpine:3.20\nCOPY --from=build /out/app /app\n"

func writeDockerfile(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "Dockerfile")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestClientParseAndPrint(t *testing.T) {
	mgr := newManager(t, helperConfig(t, "serve"))
	client := NewClient(mgr, dockerfile.NewSourceFileCodec())
	ctx := context.Background()
	require.Equal(t, session.StateNotStarted, mgr.State())

	path := writeDockerfile(t, dockerfileText)
	files, err := client.Parse(ctx, []string{path})
	require.NoError(t, err)
	require.Len(t, files, 1)
	doc, ok := files[0].(*dockerfile.Document)
	require.True(t, ok, "got %T", files[0])
	require.Equal(t, path, doc.SourcePath())

	text, err := client.Print(ctx, doc)
	require.NoError(t, err)
	require.Equal(t, dockerfileText, text)

	from := doc.Froms()[1]
	changed := doc.Replace(from, from.WithImage("alpine:3.21"))
	text, err = client.Print(ctx, changed)
	require.NoError(t, err)
	require.Equal(t, strings.Replace(dockerfileText, "alpine:3.20", "alpine:3.21", 1), text)

	require.NoError(t, client.Reset(ctx))
	text, err = client.Print(ctx, changed)
	require.NoError(t, err)
	require.Contains(t, text, "alpine:3.21")

	s1, err := mgr.GetOrStart(ctx)
	require.NoError(t, err)
	s2, err := mgr.GetOrStart(ctx)
	require.NoError(t, err)
	require.Same(t, s1, s2)
	require.Equal(t, session.StateReady, mgr.State())
	require.Equal(t, dockerfile.Language, s1.Info().Language)

	require.NoError(t, mgr.ShutdownCurrent(ctx))
	require.Equal(t, session.StateStopped, mgr.State())
	require.Equal(t, session.StateStopped, s1.State())
	require.NoError(t, mgr.ShutdownCurrent(ctx))
}

func TestClientParseSolution(t *testing.T) {
	mgr := newManager(t, helperConfig(t, "serve"))
	client := NewClient(mgr, dockerfile.NewSourceFileCodec())

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, dockerfile.ManifestName), []byte("dockerfiles: [Dockerfile]\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "Dockerfile"), []byte(dockerfileText), 0o600))

	files, err := client.ParseSolution(context.Background(), dockerfile.ManifestName, root)
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.IsType(t, &dockerfile.Document{}, files[0])
}

func TestGetOrStartRejectsConfig(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{name: "invalid", cfg: Config{}, want: ErrInvalidConfig},
		{name: "not found", cfg: Config{EntryPoint: "lstrpc-absent"}, want: ErrEntryPointNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr := NewManager(tt.cfg)
			_, err := mgr.GetOrStart(context.Background())
			require.ErrorIs(t, err, tt.want)
			require.Equal(t, session.StateNotStarted, mgr.State())

			_, err = NewClient(mgr, dockerfile.NewSourceFileCodec()).Parse(context.Background(), nil)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRemoteExitFailsSession(t *testing.T) {
	mgr := newManager(t, helperConfig(t, "crash"))
	client := NewClient(mgr, dockerfile.NewSourceFileCodec())
	ctx := context.Background()

	first, err := mgr.GetOrStart(ctx)
	require.NoError(t, err)

	_, err = client.Parse(ctx, []string{writeDockerfile(t, dockerfileText)})
	require.ErrorIs(t, err, session.ErrSessionFailed)
	require.Equal(t, session.StateFailed, first.State())

	second, err := mgr.GetOrStart(ctx)
	require.NoError(t, err)
	require.NotEqual(t, first.ID(), second.ID())
	require.Equal(t, session.StateReady, second.State())
	require.Zero(t, second.ReceiveRefs().Len())

	require.NoError(t, mgr.ShutdownCurrent(ctx))
	require.Equal(t, session.StateStopped, mgr.State())
}

func TestCallTimeoutKillsServer(t *testing.T) {
	cfg := helperConfig(t, "hang")
	cfg.CallTimeout = 300 * time.Millisecond
	mgr := newManager(t, cfg)
	client := NewClient(mgr, dockerfile.NewSourceFileCodec())

	_, err := mgr.GetOrStart(context.Background())
	require.NoError(t, err)
	mgr.mu.Lock()
	p := mgr.current
	mgr.mu.Unlock()

	_, err = client.Parse(context.Background(), []string{"Dockerfile"})
	require.ErrorIs(t, err, session.ErrCallTimeout)
	require.ErrorIs(t, err, session.ErrSessionFailed)

	select {
	case <-p.exited:
	case <-time.After(10 * time.Second):
		t.Fatal("server still running after call timeout")
	}

	// Shutting down a failed session is safe.
	require.NoError(t, mgr.ShutdownCurrent(context.Background()))
}

func TestLogFileReceivesStderrAndTrace(t *testing.T) {
	cfg := helperConfig(t, "serve")
	cfg.LogFile = filepath.Join(t.TempDir(), "lstrpc.log")
	cfg.TraceMessages = true
	mgr := newManager(t, cfg)
	client := NewClient(mgr, dockerfile.NewSourceFileCodec())

	_, err := client.Parse(context.Background(), []string{writeDockerfile(t, dockerfileText)})
	require.NoError(t, err)
	require.NoError(t, mgr.ShutdownCurrent(context.Background()))

	data, err := os.ReadFile(cfg.LogFile)
	require.NoError(t, err)
	log := string(data)
	require.Contains(t, log, "helper started")
	require.Contains(t, log, `"msg":"envelope"`)
	require.Contains(t, log, fmt.Sprintf(`"method":%q`, messages.MethodParse))
}

func TestPrintNil(t *testing.T) {
	client := NewClient(NewManager(Config{}), dockerfile.NewSourceFileCodec())
	_, err := client.Print(context.Background(), nil)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrInvalidConfig))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSessionLogsCarryProcessAttributes(t *testing.T) {
	var out syncBuffer
	logger := slog.New(slog.NewJSONHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	mgr := NewManager(helperConfig(t, "serve"), WithLogger(logger))
	t.Cleanup(func() { _ = mgr.ShutdownCurrent(context.Background()) })

	sess, err := mgr.GetOrStart(context.Background())
	require.NoError(t, err)
	mgr.mu.Lock()
	pid := mgr.current.pid()
	mgr.mu.Unlock()

	records := map[string]map[string]any{}
	sc := bufio.NewScanner(strings.NewReader(out.String()))
	for sc.Scan() {
		line := sc.Text()
		require.LessOrEqual(t, strings.Count(line, `"session_id"`), 1, line)
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		records[rec["msg"].(string)] = rec
	}

	for _, msg := range []string{"session ready", "Remote server ready"} {
		rec, ok := records[msg]
		require.True(t, ok, "no %q record in:\n%s", msg, out.String())
		require.Equal(t, sess.ID().String(), rec["session_id"], msg)
		require.Equal(t, float64(pid), rec["pid"], msg)
	}
}
