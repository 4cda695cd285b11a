package lst

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Marker is one entry of a Markers set.
type Marker interface {
	MarkerID() uuid.UUID
}

// SearchResult marks a node matched by a search recipe.
type SearchResult struct {
	ID          uuid.UUID
	Description string
}

// ParseExceptionResult records why a parser gave up.
type ParseExceptionResult struct {
	ID            uuid.UUID
	ParserType    string
	ExceptionType string
	Message       string
}

// BuildTool records the tool and version a file is built with.
type BuildTool struct {
	ID      uuid.UUID
	Type    string
	Version string
}

// Dependency is one resolved dependency. Dependencies are shared across every
// file that uses them.
type Dependency struct {
	Name    string
	Version string
	Scope   string
}

var keyEscaper = strings.NewReplacer("%", "%25", "@", "%40", ":", "%3A")

// Key identifies a dependency by content: name@version:scope, with '%', '@'
// and ':' inside a field percent-encoded so distinct dependencies never
// share a key.
func (d *Dependency) Key() string {
	return keyEscaper.Replace(d.Name) + "@" + keyEscaper.Replace(d.Version) + ":" + keyEscaper.Replace(d.Scope)
}

// Dependencies lists what a source file depends on.
type Dependencies struct {
	ID       uuid.UUID
	Resolved []*Dependency
}

// NamedStyles is a set of formatting styles detected for a file.
type NamedStyles struct {
	ID     uuid.UUID
	Name   string
	Styles []Style
}

// MarkerID implements Marker.
func (m *SearchResult) MarkerID() uuid.UUID { return m.ID }

// MarkerID implements Marker.
func (m *ParseExceptionResult) MarkerID() uuid.UUID { return m.ID }

// MarkerID implements Marker.
func (m *BuildTool) MarkerID() uuid.UUID { return m.ID }

// MarkerID implements Marker.
func (m *Dependencies) MarkerID() uuid.UUID { return m.ID }

// MarkerID implements Marker.
func (m *NamedStyles) MarkerID() uuid.UUID { return m.ID }

// Style is one formatting convention.
type Style interface {
	// StyleKey identifies the style by content.
	StyleKey() string
}

// TabsAndIndents describes indentation.
type TabsAndIndents struct {
	UseTabCharacter bool
	TabSize         int
	IndentSize      int
}

// StyleKey implements Style.
func (s *TabsAndIndents) StyleKey() string {
	return fmt.Sprintf("TabsAndIndents(tabs=%t,tab=%d,indent=%d)", s.UseTabCharacter, s.TabSize, s.IndentSize)
}

// LineEnding is the line separator of a file.
type LineEnding string

// Line endings.
const (
	LineEndingLF   LineEnding = "lf"
	LineEndingCRLF LineEnding = "crlf"
)

// LineEndings describes the line separator.
type LineEndings struct {
	Style LineEnding
}

// StyleKey implements Style.
func (s *LineEndings) StyleKey() string {
	return "LineEndings(" + string(s.Style) + ")"
}

// FindStyle returns the first style of type T among the named styles in m.
func FindStyle[T Style](m *Markers) (T, bool) {
	var zero T
	if m == nil {
		return zero, false
	}
	for _, e := range m.Entries {
		ns, ok := e.(*NamedStyles)
		if !ok {
			continue
		}
		for _, s := range ns.Styles {
			if t, ok := s.(T); ok {
				return t, true
			}
		}
	}
	return zero, false
}
