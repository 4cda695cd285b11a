package remote

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/smnsjas/go-lstrpc/session"
)

var (
	// ErrInvalidConfig is returned when a Config fails validation.
	ErrInvalidConfig = errors.New("invalid remote configuration")
	// ErrEntryPointNotFound is returned when the server executable cannot be
	// located.
	ErrEntryPointNotFound = errors.New("remote entry point not found")
)

// Default timeouts.
const (
	DefaultStartTimeout    = 30 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

var validate = validator.New()

// Config describes how to start a remote language server.
//
// Example YAML:
//
//	entryPoint: lstrpc-dockerfile
//	searchDirs: [./bin, /opt/lstrpc/bin]
//	args: [--concurrency, "8"]
//	workDir: /src/project
//	env:
//	  LSTRPC_LOG_LEVEL: debug
//	traceMessages: true
//	logFile: /tmp/lstrpc.log
//	callTimeout: 2m
type Config struct {
	// EntryPoint is the server executable: a path, or a name looked up in
	// SearchDirs and then $PATH.
	EntryPoint string   `yaml:"entryPoint" validate:"required"`
	Args       []string `yaml:"args"`
	// WorkDir is the server's working directory. Relative entry point paths
	// are resolved against it.
	WorkDir    string            `yaml:"workDir" validate:"omitempty,dir"`
	SearchDirs []string          `yaml:"searchDirs" validate:"dive,required"`
	Env        map[string]string `yaml:"env" validate:"dive,keys,required,excludesall==,endkeys"`

	// TraceMessages logs every envelope and operation exchanged.
	TraceMessages bool `yaml:"traceMessages"`
	// LogFile receives the server's stderr and the message trace. Empty
	// means the manager's logger.
	LogFile string `yaml:"logFile"`

	CallTimeout     time.Duration `yaml:"callTimeout" validate:"gte=0"`
	StartTimeout    time.Duration `yaml:"startTimeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" validate:"gte=0"`
	MaxFrameSize    int           `yaml:"maxFrameSize" validate:"omitempty,min=64"`
}

// DefaultConfig returns a Config with default timeouts and no entry point.
func DefaultConfig() Config {
	return Config{
		CallTimeout:     session.DefaultCallTimeout,
		StartTimeout:    DefaultStartTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// LoadConfig reads a YAML configuration. Unset fields keep their defaults
// and unknown keys are rejected.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration without touching the entry point.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}

// Resolve locates the entry point. A value containing a path separator is
// used as a path; a bare name is searched in SearchDirs, then in $PATH.
func (c *Config) Resolve() (string, error) {
	if strings.ContainsRune(c.EntryPoint, filepath.Separator) || strings.ContainsRune(c.EntryPoint, '/') {
		path := c.EntryPoint
		if !filepath.IsAbs(path) && c.WorkDir != "" {
			path = filepath.Join(c.WorkDir, path)
		}
		if isExecutable(path) {
			return path, nil
		}
		return "", fmt.Errorf("%w: %s", ErrEntryPointNotFound, path)
	}

	for _, dir := range c.SearchDirs {
		if !filepath.IsAbs(dir) && c.WorkDir != "" {
			dir = filepath.Join(c.WorkDir, dir)
		}
		if candidate := filepath.Join(dir, c.EntryPoint); isExecutable(candidate) {
			return candidate, nil
		}
	}
	path, err := exec.LookPath(c.EntryPoint)
	if err != nil {
		return "", fmt.Errorf("%w: %s not in %v or $PATH", ErrEntryPointNotFound, c.EntryPoint, c.SearchDirs)
	}
	return path, nil
}

// environ returns the server environment: the host's plus Env.
func (c *Config) environ() []string {
	env := os.Environ()
	for k, v := range c.Env {
		env = append(env, k+"="+v)
	}
	return env
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}
