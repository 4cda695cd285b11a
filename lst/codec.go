package lst

import (
	"github.com/google/uuid"

	s "github.com/smnsjas/go-lstrpc/serialization"
)

// Reference namespaces.
const (
	NamespaceDependency = "Dependency"
	NamespaceStyle      = "Style"
)

// DependencyCodec exchanges a dependency. Dependencies travel through the
// reference cache keyed by Dependency.Key.
var DependencyCodec = s.Ptr("Dependency",
	s.Field("name", func(d *Dependency) *string { return &d.Name }, s.String()),
	s.Field("version", func(d *Dependency) *string { return &d.Version }, s.String()),
	s.Field("scope", func(d *Dependency) *string { return &d.Scope }, s.String()),
)

// StyleCodec exchanges the Style union.
var StyleCodec = s.NewUnion[Style]("Style",
	s.Variant[Style]("TabsAndIndents",
		s.Field("useTabCharacter", func(t *TabsAndIndents) *bool { return &t.UseTabCharacter }, s.Bool()),
		s.Field("tabSize", func(t *TabsAndIndents) *int { return &t.TabSize }, s.Int()),
		s.Field("indentSize", func(t *TabsAndIndents) *int { return &t.IndentSize }, s.Int()),
	),
	s.Variant[Style]("LineEndings",
		s.Field("style", func(l *LineEndings) *LineEnding { return &l.Style }, s.Enum(LineEndingLF, LineEndingCRLF)),
	),
)

// MarkerCodec exchanges the Marker union. Front-ends with their own markers
// register them before the first exchange.
var MarkerCodec = s.NewUnion[Marker]("Marker",
	s.Variant[Marker]("SearchResult",
		s.Field("id", func(m *SearchResult) *uuid.UUID { return &m.ID }, s.UUID()),
		s.Field("description", func(m *SearchResult) *string { return &m.Description }, s.String()),
	),
	s.Variant[Marker]("ParseExceptionResult",
		s.Field("id", func(m *ParseExceptionResult) *uuid.UUID { return &m.ID }, s.UUID()),
		s.Field("parserType", func(m *ParseExceptionResult) *string { return &m.ParserType }, s.String()),
		s.Field("exceptionType", func(m *ParseExceptionResult) *string { return &m.ExceptionType }, s.String()),
		s.Field("message", func(m *ParseExceptionResult) *string { return &m.Message }, s.String()),
	),
	s.Variant[Marker]("BuildTool",
		s.Field("id", func(m *BuildTool) *uuid.UUID { return &m.ID }, s.UUID()),
		s.Field("type", func(m *BuildTool) *string { return &m.Type }, s.String()),
		s.Field("version", func(m *BuildTool) *string { return &m.Version }, s.String()),
	),
	s.Variant[Marker]("Dependencies",
		s.Field("id", func(m *Dependencies) *uuid.UUID { return &m.ID }, s.UUID()),
		s.Field("resolved", func(m *Dependencies) *[]*Dependency { return &m.Resolved },
			s.ListAsRef(NamespaceDependency, DependencyCodec, (*Dependency).Key)),
	),
	s.Variant[Marker]("NamedStyles",
		s.Field("id", func(m *NamedStyles) *uuid.UUID { return &m.ID }, s.UUID()),
		s.Field("name", func(m *NamedStyles) *string { return &m.Name }, s.String()),
		s.Field("styles", func(m *NamedStyles) *[]Style { return &m.Styles },
			s.ListAsRef(NamespaceStyle, s.Codec[Style](StyleCodec), Style.StyleKey)),
	),
)

// MarkersCodec exchanges a marker set.
var MarkersCodec = s.Ptr("Markers",
	s.Field("id", func(m *Markers) *uuid.UUID { return &m.ID }, s.UUID()),
	s.Field("entries", func(m *Markers) *[]Marker { return &m.Entries }, s.List(s.Codec[Marker](MarkerCodec))),
)

// ParseErrorVariant is the SourceFile variant every front-end supports.
func ParseErrorVariant() s.UnionVariant[SourceFile] {
	return s.Variant[SourceFile]("ParseError",
		s.Field("id", func(p *ParseError) *uuid.UUID { return &p.ID }, s.UUID()),
		s.Field("sourcePath", func(p *ParseError) *string { return &p.Path }, s.String()),
		s.Field("markers", func(p *ParseError) **Markers { return &p.Markers }, MarkersCodec),
		s.Field("text", func(p *ParseError) *string { return &p.Text }, s.String()),
	)
}

// NewSourceFileCodec returns the SourceFile union over ParseError and the
// given language variants.
func NewSourceFileCodec(variants ...s.UnionVariant[SourceFile]) *s.Union[SourceFile] {
	return s.NewUnion[SourceFile]("SourceFile", append([]s.UnionVariant[SourceFile]{ParseErrorVariant()}, variants...)...)
}
