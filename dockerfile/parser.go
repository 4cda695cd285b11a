package dockerfile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/dockerfile"

	"github.com/smnsjas/go-lstrpc/lst"
)

// ParserType names the parser in ParseExceptionResult markers.
const ParserType = "DockerfileParser"

const (
	nodeComment         = "comment"
	nodeFromInstruction = "from_instruction"
	nodeRunInstruction  = "run_instruction"
)

var (
	// ErrFileTooLarge is recorded when a file exceeds the size limit.
	ErrFileTooLarge = errors.New("file too large")
	// ErrInvalidContent is recorded when a file is not valid UTF-8.
	ErrInvalidContent = errors.New("invalid UTF-8 content")
	// ErrSyntax is recorded when tree-sitter reports a syntax error.
	ErrSyntax = errors.New("syntax error")
	// ErrNotLossless is recorded when the tree would not print back to the
	// input.
	ErrNotLossless = errors.New("tree does not reproduce the input")
)

// ParserOptions configures Parser.
type ParserOptions struct {
	// MaxFileSize is the largest file parsed. Larger files become ParseErrors.
	// Default: 10MB
	MaxFileSize int
}

// DefaultParserOptions returns the default options.
func DefaultParserOptions() ParserOptions {
	return ParserOptions{
		MaxFileSize: 10 * 1024 * 1024,
	}
}

// ParserOption is a functional option for configuring Parser.
type ParserOption func(*ParserOptions)

// WithMaxFileSize sets the maximum file size for parsing.
func WithMaxFileSize(size int) ParserOption {
	return func(o *ParserOptions) {
		o.MaxFileSize = size
	}
}

// Parser builds Documents from Dockerfile text.
//
// Parser is safe for concurrent use. Each Parse call creates its own
// tree-sitter parser instance.
type Parser struct {
	options ParserOptions
}

// NewParser creates a Parser with the given options.
func NewParser(opts ...ParserOption) *Parser {
	options := DefaultParserOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &Parser{options: options}
}

// Parse parses content read from path. A file that cannot be represented
// losslessly is returned as an *lst.ParseError; the error result is reserved
// for cancellation.
func (p *Parser) Parse(ctx context.Context, path string, content []byte) (lst.SourceFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("dockerfile parse canceled before start: %w", err)
	}
	text := string(content)
	if len(content) > p.options.MaxFileSize {
		return lst.NewParseError(path, text, ParserType,
			fmt.Errorf("%w: %d bytes", ErrFileTooLarge, len(content))), nil
	}
	if !utf8.Valid(content) {
		return lst.NewParseError(path, text, ParserType, ErrInvalidContent), nil
	}

	doc, err := p.parse(ctx, path, content)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("dockerfile parse canceled: %w", ctx.Err())
		}
		return lst.NewParseError(path, text, ParserType, err), nil
	}
	if printed := PrintDocument(doc); printed != text {
		return lst.NewParseError(path, text, ParserType,
			fmt.Errorf("%w: printed %d bytes, read %d", ErrNotLossless, len(printed), len(text))), nil
	}
	doc.Markers = lst.NewMarkers(detectMarkers(doc)...)
	return doc, nil
}

func (p *Parser) parse(ctx context.Context, path string, content []byte) (*Document, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(dockerfile.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse failed: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return nil, fmt.Errorf("%w at line %d", ErrSyntax, firstError(root).StartPoint().Row+1)
	}

	doc := &Document{ID: uuid.New(), Path: path}
	pos := 0
	for i := 0; i < int(root.ChildCount()); i++ {
		child := root.Child(i)
		if !child.IsNamed() {
			continue
		}
		start, end := int(child.StartByte()), int(child.EndByte())
		prefix := string(content[pos:start])
		if strings.TrimSpace(prefix) != "" {
			return nil, fmt.Errorf("%w: unexpected text at line %d", ErrSyntax, child.StartPoint().Row+1)
		}
		doc.Instructions = append(doc.Instructions, instruction(child.Type(), prefix, string(content[start:end])))
		pos = end
	}
	doc.EOF = string(content[pos:])
	return doc, nil
}

// firstError returns the first node in document order that is or contains a
// syntax error.
func firstError(n *sitter.Node) *sitter.Node {
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		if c.HasError() {
			return firstError(c)
		}
	}
	return n
}

// instruction builds the node for one top-level tree-sitter node.
func instruction(nodeType, prefix, text string) Instruction {
	if nodeType == nodeComment || strings.HasPrefix(text, "#") {
		return &Comment{ID: uuid.New(), Prefix: prefix, Text: text}
	}

	keyword, rest := splitKeyword(text)
	args, trailing := tokenize(rest)
	switch nodeType {
	case nodeFromInstruction:
		if f, ok := newFrom(prefix, keyword, args, trailing); ok {
			return f
		}
	case nodeRunInstruction:
		return &Run{
			ID:        uuid.New(),
			Prefix:    prefix,
			Keyword:   keyword,
			Exec:      strings.HasPrefix(strings.TrimLeft(rest, " \t"), "["),
			Arguments: args,
			Trailing:  trailing,
		}
	}
	return &Other{ID: uuid.New(), Prefix: prefix, Keyword: keyword, Arguments: args, Trailing: trailing}
}

// newFrom matches FROM [--flag ...] image [AS alias]. It reports false for
// anything else, which is kept as an Other.
func newFrom(prefix, keyword string, args []*Argument, trailing string) (*From, bool) {
	f := &From{ID: uuid.New(), Prefix: prefix, Keyword: keyword, Trailing: trailing}
	for len(args) > 0 && strings.HasPrefix(args[0].Text(), "--") {
		f.Flags = append(f.Flags, args[0])
		args = args[1:]
	}
	switch {
	case len(args) == 1:
		f.Image = args[0]
	case len(args) == 3 && strings.EqualFold(args[1].Text(), "as"):
		f.Image, f.As, f.Alias = args[0], args[1], args[2]
	default:
		return nil, false
	}
	return f, true
}
