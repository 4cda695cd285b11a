// Package lst defines the language-independent part of a Lossless Semantic
// Tree: source files, markers, styles and the ParseError placeholder, together
// with their codecs.
//
// Trees are immutable. A recipe that changes a node builds a new node and new
// ancestors up to the root; everything else is shared with the old tree. The
// codecs rely on this: an unchanged node is recognized by pointer identity and
// costs nothing to send.
package lst

import (
	"fmt"

	"github.com/google/uuid"
)

// Tree is any node with a stable identity.
type Tree interface {
	TreeID() uuid.UUID
}

// SourceFile is the root of the tree of one parsed file.
type SourceFile interface {
	Tree
	SourcePath() string
	MarkerSet() *Markers
}

// Markers attaches out-of-band information to a node.
type Markers struct {
	ID      uuid.UUID
	Entries []Marker
}

// NewMarkers returns a marker set with a fresh id.
func NewMarkers(entries ...Marker) *Markers {
	return &Markers{ID: uuid.New(), Entries: entries}
}

// With returns a copy of m with marker added. m is not modified.
func (m *Markers) With(marker Marker) *Markers {
	if m == nil {
		return NewMarkers(marker)
	}
	entries := make([]Marker, 0, len(m.Entries)+1)
	entries = append(entries, m.Entries...)
	entries = append(entries, marker)
	return &Markers{ID: m.ID, Entries: entries}
}

// Find returns the first marker of type T in m.
func Find[T Marker](m *Markers) (T, bool) {
	var zero T
	if m == nil {
		return zero, false
	}
	for _, e := range m.Entries {
		if t, ok := e.(T); ok {
			return t, true
		}
	}
	return zero, false
}

// ParseError stands in for a file that could not be parsed. It carries the
// original text so printing it reproduces the input, and a
// ParseExceptionResult marker describing the failure.
type ParseError struct {
	ID      uuid.UUID
	Path    string
	Markers *Markers
	Text    string
}

// NewParseError builds the placeholder for a failed parse of path.
func NewParseError(path, text, parserType string, cause error) *ParseError {
	return &ParseError{
		ID:   uuid.New(),
		Path: path,
		Markers: NewMarkers(&ParseExceptionResult{
			ID:            uuid.New(),
			ParserType:    parserType,
			ExceptionType: fmt.Sprintf("%T", cause),
			Message:       cause.Error(),
		}),
		Text: text,
	}
}

// TreeID implements Tree.
func (p *ParseError) TreeID() uuid.UUID { return p.ID }

// SourcePath implements SourceFile.
func (p *ParseError) SourcePath() string { return p.Path }

// MarkerSet implements SourceFile.
func (p *ParseError) MarkerSet() *Markers { return p.Markers }

// Cause returns the recorded failure message.
func (p *ParseError) Cause() string {
	if r, ok := Find[*ParseExceptionResult](p.Markers); ok {
		return r.Message
	}
	return ""
}

// Printer renders a source file back to text.
type Printer interface {
	Print(sf SourceFile) (string, error)
}

// PrintParseError prints the placeholder's original text. Front-ends call it
// for the ParseError case of their printer.
func PrintParseError(p *ParseError) string {
	return p.Text
}
