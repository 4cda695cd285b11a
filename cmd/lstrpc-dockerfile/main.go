// Command lstrpc-dockerfile is the Dockerfile language server. It speaks the
// out-of-process protocol on stdin and stdout and logs to stderr; it is meant
// to be started by lstrpc or any other remote.Manager.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	lstrpc "github.com/smnsjas/go-lstrpc"
	"github.com/smnsjas/go-lstrpc/dockerfile"
	"github.com/smnsjas/go-lstrpc/frontend"
	"github.com/smnsjas/go-lstrpc/server"
)

// logLevelEnv sets the log level when --log-level is not given.
const logLevelEnv = "LSTRPC_LOG_LEVEL"

var (
	concurrency int
	maxFileSize int
	logLevel    string

	rootCmd = &cobra.Command{
		Use:   "lstrpc-dockerfile",
		Short: "Serve the Dockerfile front-end over stdin/stdout",
		Long: `lstrpc-dockerfile parses and prints Dockerfiles for a host process.
Stdout carries protocol packets only; all logging goes to stderr.`,
		Version:       lstrpc.Version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve,
	}
)

func init() {
	rootCmd.Flags().IntVar(&concurrency, "concurrency", runtime.GOMAXPROCS(0), "files parsed in parallel")
	rootCmd.Flags().IntVar(&maxFileSize, "max-file-size", dockerfile.DefaultParserOptions().MaxFileSize, "larger files become parse errors")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (default $"+logLevelEnv+" or info)")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Protocol output owns stdout.
	rootCmd.SetOut(os.Stderr)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func serve(cmd *cobra.Command, _ []string) error {
	level, err := parseLevel(logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	fe := dockerfile.NewFrontEnd(
		dockerfile.WithLogger(logger),
		dockerfile.WithConcurrency(concurrency),
		dockerfile.WithParser(dockerfile.NewParser(dockerfile.WithMaxFileSize(maxFileSize))),
	)
	srv := server.New(dockerfile.Language, lstrpc.Version, server.WithLogger(logger))
	frontend.Register(srv, fe)

	logger.Info("Serving", slog.String("language", dockerfile.Language), slog.Int("pid", os.Getpid()))
	return srv.ServeStdio(cmd.Context(), os.Stdin, os.Stdout)
}

func parseLevel(s string) (slog.Level, error) {
	if s == "" {
		s = os.Getenv(logLevelEnv)
	}
	if s == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}
