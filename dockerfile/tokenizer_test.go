package dockerfile

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
)

func printArgs(args []*Argument, trailing string) string {
	var p printer
	p.arguments(args)
	p.WriteString(trailing)
	return p.String()
}

func TestTokenizeIsLossless(t *testing.T) {
	tests := []string{
		"",
		" ubuntu:24.04",
		" --platform=$BUILDPLATFORM golang:1.25 AS build",
		" apt-get update && \\\n    apt-get install -y curl",
		" apt-get update \\  \n\tcurl",
		" [\"/bin/app\", \"--flag\"]",
		" echo '$HOME is literal' \"${HOME}/x\"",
		" a\\ b c",
		" unterminated \"quote",
		" ${unterminated",
		" $1 $ alone",
		" trailing   ",
		" crlf \\\r\n  next",
	}
	for _, text := range tests {
		args, trailing := tokenize(text)
		require.Equal(t, text, printArgs(args, trailing), "text %q", text)
	}
}

func TestTokenizeContent(t *testing.T) {
	args, trailing := tokenize(" FOO=\"a b\" ${BAR}x $BAZ")
	require.Empty(t, trailing)
	require.Len(t, args, 3)

	want := [][]ArgumentContent{
		{&Literal{Text: "FOO="}, &Quoted{Quote: `"`, Value: "a b"}},
		{&EnvRef{Braced: true, Name: "BAR"}, &Literal{Text: "x"}},
		{&EnvRef{Name: "BAZ"}},
	}
	for i, w := range want {
		if diff := cmp.Diff(w, args[i].Content); diff != "" {
			t.Errorf("argument %d content mismatch (-want +got):\n%s", i, diff)
		}
	}
	require.Equal(t, " ", args[0].Prefix)
	require.Equal(t, " ", args[2].Prefix)

	args, _ = tokenize(" $BAZ \\\n  'q'")
	require.Len(t, args, 2)
	require.Equal(t, " \\\n  ", args[1].Prefix)
	if diff := cmp.Diff([]ArgumentContent{&Quoted{Quote: "'", Value: "q"}}, args[1].Content); diff != "" {
		t.Errorf("quoted content mismatch (-want +got):\n%s", diff)
	}
}

func TestSplitKeyword(t *testing.T) {
	tests := []struct {
		text, keyword, rest string
	}{
		{"FROM alpine", "FROM", " alpine"},
		{"run echo", "run", " echo"},
		{"CMD", "CMD", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		k, r := splitKeyword(tt.text)
		require.Equal(t, tt.keyword, k)
		require.Equal(t, tt.rest, r)
	}
}

func TestContinuation(t *testing.T) {
	tests := []struct {
		s    string
		want int
	}{
		{"\\\n", 2},
		{"\\ \t\n", 4},
		{"\\\r\n", 3},
		{"\\x", 0},
		{"\\", 0},
		{"x", 0},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, continuation(tt.s, 0), "input %q", tt.s)
	}
}

func FuzzTokenize(f *testing.F) {
	f.Add(" golang:1.25 AS build")
	f.Add(" a \\\n  \"b c\" ${D}")
	f.Fuzz(func(t *testing.T, text string) {
		args, trailing := tokenize(text)
		if got := printArgs(args, trailing); got != text {
			t.Fatalf("tokenize(%q) printed %q", text, got)
		}
		for _, a := range args {
			if len(a.Content) == 0 {
				t.Fatalf("tokenize(%q) produced an empty argument", text)
			}
		}
	})
}

var ignoreIDs = cmpopts.IgnoreFields(Argument{}, "ID")
