package dockerfile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/smnsjas/go-lstrpc/lst"
	"github.com/smnsjas/go-lstrpc/serialization"
)

// Language is the language name the Dockerfile front-end announces.
const Language = "dockerfile"

// FrontEnd parses and prints Dockerfiles. It implements frontend.FrontEnd.
type FrontEnd struct {
	parser      *Parser
	codec       *serialization.Union[lst.SourceFile]
	logger      *slog.Logger
	concurrency int
}

// Option configures a FrontEnd.
type Option func(*FrontEnd)

// WithLogger sets the logger. A nil logger is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(f *FrontEnd) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithConcurrency bounds the number of files parsed at once.
func WithConcurrency(n int) Option {
	return func(f *FrontEnd) {
		if n > 0 {
			f.concurrency = n
		}
	}
}

// WithParser replaces the default parser.
func WithParser(p *Parser) Option {
	return func(f *FrontEnd) {
		if p != nil {
			f.parser = p
		}
	}
}

// NewFrontEnd returns a Dockerfile front-end.
func NewFrontEnd(opts ...Option) *FrontEnd {
	f := &FrontEnd{
		parser:      NewParser(),
		codec:       NewSourceFileCodec(),
		logger:      slog.New(slog.DiscardHandler),
		concurrency: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Language returns "dockerfile".
func (f *FrontEnd) Language() string { return Language }

// Codec returns the SourceFile union over Documents and parse errors.
func (f *FrontEnd) Codec() *serialization.Union[lst.SourceFile] { return f.codec }

// Parse parses paths concurrently. Results keep the order of paths; an
// unreadable or unparsable file yields an *lst.ParseError in its slot.
func (f *FrontEnd) Parse(ctx context.Context, paths []string) ([]lst.SourceFile, error) {
	files := make([]lst.SourceFile, len(paths))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for i, path := range paths {
		g.Go(func() error {
			sf, err := f.parseFile(gCtx, path)
			if err != nil {
				return err
			}
			files[i] = sf
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return files, nil
}

func (f *FrontEnd) parseFile(ctx context.Context, path string) (lst.SourceFile, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		f.logger.Warn("Dockerfile unreadable", slog.String("path", path), slog.String("error", err.Error()))
		return lst.NewParseError(path, "", ParserType, err), nil
	}
	sf, err := f.parser.Parse(ctx, path, content)
	if err != nil {
		return nil, err
	}
	if pe, ok := sf.(*lst.ParseError); ok {
		f.logger.Warn("Dockerfile not parsed", slog.String("path", path), slog.String("cause", pe.Cause()))
	} else {
		f.logger.Debug("Dockerfile parsed", slog.String("path", path), slog.Int("bytes", len(content)))
	}
	return sf, nil
}

// ParseSolution parses the Dockerfiles listed by the manifest projectFile,
// resolved against rootDir. A manifest that cannot be read or decoded is
// returned as a single ParseError.
func (f *FrontEnd) ParseSolution(ctx context.Context, projectFile, rootDir string) ([]lst.SourceFile, error) {
	path := projectFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(rootDir, projectFile)
	}
	m, data, err := LoadManifest(path)
	if err == nil {
		var paths []string
		if paths, err = m.Expand(rootDir); err == nil {
			f.logger.Info("Parsing solution", slog.String("manifest", path), slog.Int("files", len(paths)))
			return f.Parse(ctx, paths)
		}
	}
	f.logger.Warn("Solution manifest rejected", slog.String("manifest", path), slog.String("error", err.Error()))
	return []lst.SourceFile{lst.NewParseError(path, string(data), "DockerfileManifest", err)}, nil
}

// Print renders a Document or a ParseError.
func (f *FrontEnd) Print(_ context.Context, sf lst.SourceFile) (string, error) {
	out, err := Print(sf)
	if err != nil {
		return "", fmt.Errorf("print: %w", err)
	}
	return out, nil
}
