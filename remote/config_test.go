package remote

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func executable(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"), 0o755))
	return p
}

func TestConfigValidate(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "no entry point", mutate: func(c *Config) { c.EntryPoint = "" }, wantErr: true},
		{name: "missing work dir", mutate: func(c *Config) { c.WorkDir = filepath.Join(dir, "nope") }, wantErr: true},
		{name: "existing work dir", mutate: func(c *Config) { c.WorkDir = dir }},
		{name: "negative timeout", mutate: func(c *Config) { c.CallTimeout = -time.Second }, wantErr: true},
		{name: "tiny frames", mutate: func(c *Config) { c.MaxFrameSize = 8 }, wantErr: true},
		{name: "empty search dir", mutate: func(c *Config) { c.SearchDirs = []string{""} }, wantErr: true},
		{name: "bad env key", mutate: func(c *Config) { c.Env = map[string]string{"A=B": "c"} }, wantErr: true},
		{name: "env", mutate: func(c *Config) { c.Env = map[string]string{"A": "b=c"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.EntryPoint = "lstrpc-dockerfile"
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lstrpc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
entryPoint: lstrpc-dockerfile
args: [--concurrency, "2"]
searchDirs: [bin]
env:
  LSTRPC_LOG_LEVEL: debug
traceMessages: true
callTimeout: 30s
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "lstrpc-dockerfile", cfg.EntryPoint)
	require.Equal(t, []string{"--concurrency", "2"}, cfg.Args)
	require.Equal(t, []string{"bin"}, cfg.SearchDirs)
	require.Equal(t, "debug", cfg.Env["LSTRPC_LOG_LEVEL"])
	require.True(t, cfg.TraceMessages)
	require.Equal(t, 30*time.Second, cfg.CallTimeout)
	require.Equal(t, DefaultStartTimeout, cfg.StartTimeout)
	require.Equal(t, DefaultShutdownTimeout, cfg.ShutdownTimeout)
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"unknown key": "entryPoint: x\nentry: y\n",
		"missing":     "traceMessages: true\n",
		"bad timeout": "entryPoint: x\ncallTimeout: soon\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
			_, err := LoadConfig(path)
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	_, err := LoadConfig(filepath.Join(dir, "absent.yaml"))
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrInvalidConfig))
}

func TestResolve(t *testing.T) {
	root := t.TempDir()
	bin := filepath.Join(root, "bin")
	pathDir := filepath.Join(root, "path")
	require.NoError(t, os.MkdirAll(bin, 0o755))
	require.NoError(t, os.MkdirAll(pathDir, 0o755))
	inBin := executable(t, bin, "server")
	onPath := executable(t, pathDir, "pathserver")
	require.NoError(t, os.WriteFile(filepath.Join(bin, "plain"), []byte("x"), 0o644))
	t.Setenv("PATH", pathDir)

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "absolute", cfg: Config{EntryPoint: inBin}, want: inBin},
		{name: "relative to work dir", cfg: Config{EntryPoint: "bin/server", WorkDir: root}, want: inBin},
		{name: "search dir", cfg: Config{EntryPoint: "server", SearchDirs: []string{pathDir, bin}}, want: inBin},
		{name: "relative search dir", cfg: Config{EntryPoint: "server", SearchDirs: []string{"bin"}, WorkDir: root}, want: inBin},
		{name: "path", cfg: Config{EntryPoint: "pathserver", SearchDirs: []string{bin}}, want: onPath},
		{name: "missing path", cfg: Config{EntryPoint: filepath.Join(bin, "absent")}},
		{name: "not executable", cfg: Config{EntryPoint: filepath.Join(bin, "plain")}},
		{name: "missing name", cfg: Config{EntryPoint: "absent", SearchDirs: []string{bin}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cfg.Resolve()
			if tt.want == "" {
				require.ErrorIs(t, err, ErrEntryPointNotFound)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}
