// Command lstrpc drives a remote Dockerfile front-end: it starts the server,
// parses files through it and checks that they print back unchanged.
//
//	lstrpc parse Dockerfile build/Dockerfile.ci
//	lstrpc roundtrip --trace-messages --log-file lstrpc.log Dockerfile
//	lstrpc solution --root . dockerfiles.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	lstrpc "github.com/smnsjas/go-lstrpc"
	"github.com/smnsjas/go-lstrpc/dockerfile"
	"github.com/smnsjas/go-lstrpc/remote"
)

const defaultServer = "lstrpc-dockerfile"

var (
	serverPath    string
	configPath    string
	logFile       string
	traceMessages bool
	callTimeout   time.Duration
	otelEndpoint  string
	metricsAddr   string
	verbose       bool

	rootCmd = &cobra.Command{
		Use:   "lstrpc",
		Short: "Parse and print source files through a remote front-end",
		Long: `lstrpc starts a language server as a child process and talks to it
over stdin/stdout. Trees are synchronized incrementally: unchanged subtrees
are never sent twice within a session.`,
		Version:       lstrpc.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&serverPath, "server", defaultServer, "server executable, a path or a name looked up on PATH")
	flags.StringVar(&configPath, "config", "", "YAML server configuration; flags given explicitly override it")
	flags.StringVar(&logFile, "log-file", "", "append server stderr and message traces to this file")
	flags.BoolVar(&traceMessages, "trace-messages", false, "log every envelope exchanged with the server")
	flags.DurationVar(&callTimeout, "call-timeout", remote.DefaultConfig().CallTimeout, "per-call timeout, 0 disables")
	flags.StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP gRPC endpoint for call spans (host:port)")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	flags.BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(parseCmd, roundtripCmd, solutionCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app is what every subcommand runs against: a manager for the server
// process, a client for its methods, and the telemetry to flush on exit.
type app struct {
	logger   *slog.Logger
	mgr      *remote.Manager
	client   *remote.Client
	shutdown []func(context.Context) error
}

func newApp(cmd *cobra.Command) (*app, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	cfg, err := serverConfig(cmd)
	if err != nil {
		return nil, err
	}

	a := &app{logger: logger}
	if otelEndpoint != "" {
		stop, err := initTracer(cmd.Context(), otelEndpoint)
		if err != nil {
			return nil, err
		}
		a.shutdown = append(a.shutdown, stop)
	}
	if metricsAddr != "" {
		a.shutdown = append(a.shutdown, serveMetrics(metricsAddr, logger))
	}

	a.mgr = remote.NewManager(cfg, remote.WithLogger(logger))
	a.client = remote.NewClient(a.mgr, dockerfile.NewSourceFileCodec())
	return a, nil
}

// serverConfig loads --config when given and applies the flags the user set
// explicitly on top of it.
func serverConfig(cmd *cobra.Command) (remote.Config, error) {
	cfg := remote.DefaultConfig()
	cfg.EntryPoint = defaultServer
	if configPath != "" {
		loaded, err := remote.LoadConfig(configPath)
		if err != nil {
			return remote.Config{}, err
		}
		cfg = *loaded
	}

	flags := cmd.Flags()
	if flags.Changed("server") || configPath == "" {
		cfg.EntryPoint = serverPath
	}
	if flags.Changed("log-file") {
		cfg.LogFile = logFile
	}
	if flags.Changed("trace-messages") {
		cfg.TraceMessages = traceMessages
	}
	if flags.Changed("call-timeout") {
		cfg.CallTimeout = callTimeout
	}
	return cfg, cfg.Validate()
}

// close stops the server and flushes telemetry.
func (a *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errs := []error{a.mgr.ShutdownCurrent(ctx)}
	for i := len(a.shutdown) - 1; i >= 0; i-- {
		errs = append(errs, a.shutdown[i](ctx))
	}
	return errors.Join(errs...)
}

// run opens an app for cmd, calls fn and closes the app. An error from fn
// wins over a shutdown error.
func run(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	err = fn(cmd.Context(), a)
	if cerr := a.close(); cerr != nil {
		if err == nil {
			return cerr
		}
		a.logger.Warn("Shutdown failed", slog.String("error", cerr.Error()))
	}
	return err
}
