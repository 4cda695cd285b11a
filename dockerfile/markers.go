package dockerfile

import (
	"strings"

	"github.com/google/uuid"

	"github.com/smnsjas/go-lstrpc/lst"
)

const (
	// AutodetectStyle names the NamedStyles marker built from the file itself.
	AutodetectStyle = "Autodetect"
	// SyntaxBuildTool is the BuildTool type recorded for a "# syntax=" directive.
	SyntaxBuildTool = "dockerfile-syntax"
	// StageScope is the dependency scope of an unnamed build stage.
	StageScope = "stage"

	defaultIndent = 4
)

// detectMarkers derives the document-level markers: the base images as
// dependencies, the autodetected styles and the syntax directive.
func detectMarkers(d *Document) []lst.Marker {
	markers := []lst.Marker{
		&lst.Dependencies{ID: uuid.New(), Resolved: BaseImages(d)},
		&lst.NamedStyles{ID: uuid.New(), Name: AutodetectStyle, Styles: detectStyles(d)},
	}
	if v, ok := syntaxDirective(d); ok {
		markers = append(markers, &lst.BuildTool{ID: uuid.New(), Type: SyntaxBuildTool, Version: v})
	}
	return markers
}

// BaseImages returns the images d builds on, one per distinct key, in
// order. References to earlier stages, scratch and images built from
// variables are not dependencies.
func BaseImages(d *Document) []*lst.Dependency {
	var deps []*lst.Dependency
	stages := map[string]bool{}
	seen := map[string]bool{}
	for _, f := range d.Froms() {
		image := f.ImageRef()
		stage := f.Stage()
		skip := stages[strings.ToLower(image)] || strings.EqualFold(image, "scratch") || hasEnvRef(f.Image)
		if stage != "" {
			stages[strings.ToLower(stage)] = true
		}
		if skip {
			continue
		}

		dep := ParseImageRef(image)
		dep.Scope = StageScope
		if stage != "" {
			dep.Scope = stage
		}
		if seen[dep.Key()] {
			continue
		}
		seen[dep.Key()] = true
		deps = append(deps, dep)
	}
	return deps
}

func hasEnvRef(a *Argument) bool {
	for _, c := range a.Content {
		if _, ok := c.(*EnvRef); ok {
			return true
		}
	}
	return false
}

// ParseImageRef splits an image reference of the form
// [registry/]name[:tag][@digest]. The version is the digest when present,
// else the tag, else "latest".
func ParseImageRef(ref string) *lst.Dependency {
	name, digest, hasDigest := strings.Cut(ref, "@")
	version := "latest"
	if i := strings.LastIndexByte(name, ':'); i > strings.LastIndexByte(name, '/') {
		version = name[i+1:]
		name = name[:i]
	}
	if hasDigest {
		version = digest
	}
	return &lst.Dependency{Name: name, Version: version}
}

// detectStyles infers indentation from continuation lines and the line
// ending from the majority of line breaks.
func detectStyles(d *Document) []lst.Style {
	tabs := &lst.TabsAndIndents{TabSize: defaultIndent, IndentSize: defaultIndent}
	indent, useTabs := continuationIndent(d)
	if indent > 0 {
		tabs.IndentSize = indent
	}
	tabs.UseTabCharacter = useTabs

	text := PrintDocument(d)
	crlf := strings.Count(text, "\r\n")
	ending := lst.LineEndingLF
	if crlf > strings.Count(text, "\n")-crlf {
		ending = lst.LineEndingCRLF
	}
	return []lst.Style{tabs, &lst.LineEndings{Style: ending}}
}

// continuationIndent returns the smallest indentation that follows a line
// continuation, and whether it is made of tabs.
func continuationIndent(d *Document) (indent int, tabs bool) {
	visit := func(prefix string) {
		for {
			i := strings.IndexByte(prefix, '\n')
			if i < 0 {
				return
			}
			prefix = prefix[i+1:]
			n := 0
			for n < len(prefix) && (prefix[n] == ' ' || prefix[n] == '\t') {
				n++
			}
			if n == 0 || n < len(prefix) && (prefix[n] == '\r' || prefix[n] == '\n') {
				continue
			}
			if indent == 0 || n < indent {
				indent = n
				tabs = prefix[0] == '\t'
			}
		}
	}
	for _, in := range d.Instructions {
		var args []*Argument
		switch t := in.(type) {
		case *From:
			args = append(append(args, t.Flags...), t.Image, t.As, t.Alias)
		case *Run:
			args = t.Arguments
		case *Other:
			args = t.Arguments
		}
		for _, a := range args {
			if a != nil {
				visit(a.Prefix)
			}
		}
	}
	return indent, tabs
}

// syntaxDirective returns the value of a leading "# syntax=" parser
// directive.
func syntaxDirective(d *Document) (string, bool) {
	for _, in := range d.Instructions {
		c, ok := in.(*Comment)
		if !ok {
			return "", false
		}
		body := strings.TrimSpace(strings.TrimPrefix(c.Text, "#"))
		key, value, found := strings.Cut(body, "=")
		if found && strings.EqualFold(strings.TrimSpace(key), "syntax") {
			return strings.TrimSpace(value), true
		}
	}
	return "", false
}
