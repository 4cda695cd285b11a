package dockerfile

import (
	"errors"
	"fmt"
	"strings"

	"github.com/smnsjas/go-lstrpc/lst"
)

// ErrUnsupportedTree is returned when printing a source file of another
// language.
var ErrUnsupportedTree = errors.New("unsupported tree")

// Print renders a Dockerfile source file. A ParseError prints its original
// text.
func Print(sf lst.SourceFile) (string, error) {
	switch t := sf.(type) {
	case *Document:
		return PrintDocument(t), nil
	case *lst.ParseError:
		return lst.PrintParseError(t), nil
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupportedTree, sf)
	}
}

// PrintDocument renders d.
func PrintDocument(d *Document) string {
	var p printer
	for _, in := range d.Instructions {
		p.instruction(in)
	}
	p.WriteString(d.EOF)
	return p.String()
}

type printer struct {
	strings.Builder
}

func (p *printer) instruction(in Instruction) {
	switch t := in.(type) {
	case *From:
		p.WriteString(t.Prefix)
		p.WriteString(t.Keyword)
		p.arguments(t.Flags)
		p.argument(t.Image)
		p.argument(t.As)
		p.argument(t.Alias)
		p.WriteString(t.Trailing)
	case *Run:
		p.WriteString(t.Prefix)
		p.WriteString(t.Keyword)
		p.arguments(t.Arguments)
		p.WriteString(t.Trailing)
	case *Comment:
		p.WriteString(t.Prefix)
		p.WriteString(t.Text)
	case *Other:
		p.WriteString(t.Prefix)
		p.WriteString(t.Keyword)
		p.arguments(t.Arguments)
		p.WriteString(t.Trailing)
	}
}

func (p *printer) arguments(args []*Argument) {
	for _, a := range args {
		p.argument(a)
	}
}

func (p *printer) argument(a *Argument) {
	if a == nil {
		return
	}
	p.WriteString(a.Prefix)
	p.content(a.Content)
}

func (p *printer) content(cs []ArgumentContent) {
	for _, c := range cs {
		switch t := c.(type) {
		case *Literal:
			p.WriteString(t.Text)
		case *Quoted:
			p.WriteString(t.Quote)
			p.WriteString(t.Value)
			p.WriteString(t.Quote)
		case *EnvRef:
			if t.Braced {
				p.WriteString("${")
				p.WriteString(t.Name)
				p.WriteString("}")
			} else {
				p.WriteString("$")
				p.WriteString(t.Name)
			}
		}
	}
}
