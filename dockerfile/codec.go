package dockerfile

import (
	"github.com/google/uuid"

	"github.com/smnsjas/go-lstrpc/lst"
	s "github.com/smnsjas/go-lstrpc/serialization"
)

// ContentCodec exchanges the pieces of an argument.
var ContentCodec = s.NewUnion[ArgumentContent]("ArgumentContent",
	s.Variant[ArgumentContent]("Literal",
		s.Field("text", func(l *Literal) *string { return &l.Text }, s.String()),
	),
	s.Variant[ArgumentContent]("Quoted",
		s.Field("quote", func(q *Quoted) *string { return &q.Quote }, s.String()),
		s.Field("value", func(q *Quoted) *string { return &q.Value }, s.String()),
	),
	s.Variant[ArgumentContent]("EnvRef",
		s.Field("braced", func(e *EnvRef) *bool { return &e.Braced }, s.Bool()),
		s.Field("name", func(e *EnvRef) *string { return &e.Name }, s.String()),
	),
)

// ArgumentCodec exchanges an argument.
var ArgumentCodec = s.Ptr("Argument",
	s.Field("id", func(a *Argument) *uuid.UUID { return &a.ID }, s.UUID()),
	s.Field("prefix", func(a *Argument) *string { return &a.Prefix }, s.String()),
	s.Field("content", func(a *Argument) *[]ArgumentContent { return &a.Content }, s.List(s.Codec[ArgumentContent](ContentCodec))),
)

var argumentsCodec = s.List(ArgumentCodec)

// InstructionCodec exchanges the Instruction union.
var InstructionCodec = s.NewUnion[Instruction]("Instruction",
	s.Variant[Instruction]("From",
		s.Field("id", func(f *From) *uuid.UUID { return &f.ID }, s.UUID()),
		s.Field("prefix", func(f *From) *string { return &f.Prefix }, s.String()),
		s.Field("markers", func(f *From) **lst.Markers { return &f.Markers }, lst.MarkersCodec),
		s.Field("keyword", func(f *From) *string { return &f.Keyword }, s.String()),
		s.Field("flags", func(f *From) *[]*Argument { return &f.Flags }, argumentsCodec),
		s.Field("image", func(f *From) **Argument { return &f.Image }, ArgumentCodec),
		s.Field("as", func(f *From) **Argument { return &f.As }, ArgumentCodec),
		s.Field("alias", func(f *From) **Argument { return &f.Alias }, ArgumentCodec),
		s.Field("trailing", func(f *From) *string { return &f.Trailing }, s.String()),
	),
	s.Variant[Instruction]("Run",
		s.Field("id", func(r *Run) *uuid.UUID { return &r.ID }, s.UUID()),
		s.Field("prefix", func(r *Run) *string { return &r.Prefix }, s.String()),
		s.Field("markers", func(r *Run) **lst.Markers { return &r.Markers }, lst.MarkersCodec),
		s.Field("keyword", func(r *Run) *string { return &r.Keyword }, s.String()),
		s.Field("exec", func(r *Run) *bool { return &r.Exec }, s.Bool()),
		s.Field("arguments", func(r *Run) *[]*Argument { return &r.Arguments }, argumentsCodec),
		s.Field("trailing", func(r *Run) *string { return &r.Trailing }, s.String()),
	),
	s.Variant[Instruction]("Comment",
		s.Field("id", func(c *Comment) *uuid.UUID { return &c.ID }, s.UUID()),
		s.Field("prefix", func(c *Comment) *string { return &c.Prefix }, s.String()),
		s.Field("markers", func(c *Comment) **lst.Markers { return &c.Markers }, lst.MarkersCodec),
		s.Field("text", func(c *Comment) *string { return &c.Text }, s.String()),
	),
	s.Variant[Instruction]("Other",
		s.Field("id", func(o *Other) *uuid.UUID { return &o.ID }, s.UUID()),
		s.Field("prefix", func(o *Other) *string { return &o.Prefix }, s.String()),
		s.Field("markers", func(o *Other) **lst.Markers { return &o.Markers }, lst.MarkersCodec),
		s.Field("keyword", func(o *Other) *string { return &o.Keyword }, s.String()),
		s.Field("arguments", func(o *Other) *[]*Argument { return &o.Arguments }, argumentsCodec),
		s.Field("trailing", func(o *Other) *string { return &o.Trailing }, s.String()),
	),
)

// DocumentVariant is the SourceFile variant of a Dockerfile.
func DocumentVariant() s.UnionVariant[lst.SourceFile] {
	return s.Variant[lst.SourceFile]("Dockerfile",
		s.Field("id", func(d *Document) *uuid.UUID { return &d.ID }, s.UUID()),
		s.Field("sourcePath", func(d *Document) *string { return &d.Path }, s.String()),
		s.Field("markers", func(d *Document) **lst.Markers { return &d.Markers }, lst.MarkersCodec),
		s.Field("instructions", func(d *Document) *[]Instruction { return &d.Instructions },
			s.List(s.Codec[Instruction](InstructionCodec))),
		s.Field("eof", func(d *Document) *string { return &d.EOF }, s.String()),
	)
}

// NewSourceFileCodec returns the SourceFile union for Dockerfiles and parse
// errors.
func NewSourceFileCodec() *s.Union[lst.SourceFile] {
	return lst.NewSourceFileCodec(DocumentVariant())
}
