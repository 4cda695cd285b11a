// Package dockerfile is a sample out-of-process front-end: a lossless tree
// for Dockerfiles, its parser and printer, and the codecs that carry it over
// the RPC protocol.
//
// Every byte of the input belongs to exactly one node. Whitespace and line
// continuations before a node are stored as its Prefix, so printing an
// unmodified Document reproduces the input exactly.
package dockerfile

import (
	"github.com/google/uuid"

	"github.com/smnsjas/go-lstrpc/lst"
)

// Document is a parsed Dockerfile.
type Document struct {
	ID           uuid.UUID
	Path         string
	Markers      *lst.Markers
	Instructions []Instruction
	// EOF is the text after the last instruction.
	EOF string
}

// TreeID implements lst.Tree.
func (d *Document) TreeID() uuid.UUID { return d.ID }

// SourcePath implements lst.SourceFile.
func (d *Document) SourcePath() string { return d.Path }

// MarkerSet implements lst.SourceFile.
func (d *Document) MarkerSet() *lst.Markers { return d.Markers }

// Replace returns a copy of d with old replaced by repl. Untouched
// instructions are shared. It returns d if old is not an instruction of d.
func (d *Document) Replace(old, repl Instruction) *Document {
	for i, in := range d.Instructions {
		if in != old {
			continue
		}
		out := *d
		out.Instructions = make([]Instruction, len(d.Instructions))
		copy(out.Instructions, d.Instructions)
		out.Instructions[i] = repl
		return &out
	}
	return d
}

// Froms returns the FROM instructions of d in order.
func (d *Document) Froms() []*From {
	var froms []*From
	for _, in := range d.Instructions {
		if f, ok := in.(*From); ok {
			froms = append(froms, f)
		}
	}
	return froms
}

// Instruction is one line (possibly continued) of a Dockerfile.
type Instruction interface {
	lst.Tree
	isInstruction()
}

// From is a FROM instruction:
//
//	FROM [--flag=value ...] image [AS alias]
type From struct {
	ID      uuid.UUID
	Prefix  string
	Markers *lst.Markers
	Keyword string
	Flags   []*Argument
	Image   *Argument
	// As and Alias are nil when the stage is unnamed.
	As       *Argument
	Alias    *Argument
	Trailing string
}

// Run is a RUN instruction, in shell or exec form.
type Run struct {
	ID        uuid.UUID
	Prefix    string
	Markers   *lst.Markers
	Keyword   string
	Exec      bool
	Arguments []*Argument
	Trailing  string
}

// Comment is a comment line, parser directives included.
type Comment struct {
	ID      uuid.UUID
	Prefix  string
	Markers *lst.Markers
	Text    string
}

// Other is any instruction without a dedicated node.
type Other struct {
	ID        uuid.UUID
	Prefix    string
	Markers   *lst.Markers
	Keyword   string
	Arguments []*Argument
	Trailing  string
}

// TreeID implements lst.Tree.
func (f *From) TreeID() uuid.UUID { return f.ID }

// TreeID implements lst.Tree.
func (r *Run) TreeID() uuid.UUID { return r.ID }

// TreeID implements lst.Tree.
func (c *Comment) TreeID() uuid.UUID { return c.ID }

// TreeID implements lst.Tree.
func (o *Other) TreeID() uuid.UUID { return o.ID }

func (*From) isInstruction()    {}
func (*Run) isInstruction()     {}
func (*Comment) isInstruction() {}
func (*Other) isInstruction()   {}

// ImageRef returns the image reference as written.
func (f *From) ImageRef() string {
	return f.Image.Text()
}

// Stage returns the stage alias, or "" for an unnamed stage.
func (f *From) Stage() string {
	if f.Alias == nil {
		return ""
	}
	return f.Alias.Text()
}

// WithImage returns a copy of f referencing image instead. The image
// argument keeps its id and prefix.
func (f *From) WithImage(image string) *From {
	out := *f
	out.Image = &Argument{
		ID:      f.Image.ID,
		Prefix:  f.Image.Prefix,
		Content: []ArgumentContent{&Literal{Text: image}},
	}
	return &out
}

// Argument is one whitespace-separated word of an instruction.
type Argument struct {
	ID      uuid.UUID
	Prefix  string
	Content []ArgumentContent
}

// TreeID implements lst.Tree.
func (a *Argument) TreeID() uuid.UUID { return a.ID }

// Text returns the argument as written, without its prefix.
func (a *Argument) Text() string {
	if a == nil {
		return ""
	}
	var p printer
	p.content(a.Content)
	return p.String()
}

// ArgumentContent is a piece of an Argument.
type ArgumentContent interface {
	isArgumentContent()
}

// Literal is unquoted text.
type Literal struct {
	Text string
}

// Quoted is a single- or double-quoted string. Value is the raw text between
// the quotes, escapes included.
type Quoted struct {
	Quote string
	Value string
}

// EnvRef is a variable reference: $NAME, or ${EXPR} when Braced.
type EnvRef struct {
	Braced bool
	Name   string
}

func (*Literal) isArgumentContent() {}
func (*Quoted) isArgumentContent()  {}
func (*EnvRef) isArgumentContent()  {}
