package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/smnsjas/go-lstrpc/dockerfile"
	"github.com/smnsjas/go-lstrpc/lst"
)

var (
	solutionRoot string

	parseCmd = &cobra.Command{
		Use:   "parse FILE...",
		Short: "Parse files and summarize their trees",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, a *app) error {
				files, err := a.client.Parse(ctx, absPaths(args))
				if err != nil {
					return err
				}
				for _, sf := range files {
					describe(cmd.OutOrStdout(), sf)
				}
				return nil
			})
		},
	}

	roundtripCmd = &cobra.Command{
		Use:   "roundtrip FILE...",
		Short: "Parse files, print them back and compare with the originals",
		Long: `roundtrip parses every file on the server, sends the tree back to be
printed and fails unless the printed text equals the file byte for byte.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, a *app) error {
				return roundtrip(ctx, a, cmd.OutOrStdout(), absPaths(args))
			})
		},
	}

	solutionCmd = &cobra.Command{
		Use:   "solution [PROJECT_FILE]",
		Short: "Parse every file a project manifest lists",
		Long: fmt.Sprintf(`solution parses the Dockerfiles listed by a project manifest, %s
by default, relative to --root.`, dockerfile.ManifestName),
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project := dockerfile.ManifestName
			if len(args) == 1 {
				project = args[0]
			}
			root, err := filepath.Abs(solutionRoot)
			if err != nil {
				return err
			}
			return run(cmd, func(ctx context.Context, a *app) error {
				files, err := a.client.ParseSolution(ctx, project, root)
				if err != nil {
					return err
				}
				for _, sf := range files {
					describe(cmd.OutOrStdout(), sf)
				}
				return nil
			})
		},
	}
)

func init() {
	solutionCmd.Flags().StringVar(&solutionRoot, "root", ".", "directory the manifest and its patterns are relative to")
}

func absPaths(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		out[i] = p
	}
	return out
}

func roundtrip(ctx context.Context, a *app, w io.Writer, paths []string) error {
	files, err := a.client.Parse(ctx, paths)
	if err != nil {
		return err
	}
	failed := 0
	for _, sf := range files {
		if pe, ok := sf.(*lst.ParseError); ok {
			fmt.Fprintf(w, "FAIL %s: %s\n", pe.SourcePath(), pe.Cause())
			failed++
			continue
		}
		text, err := a.client.Print(ctx, sf)
		if err != nil {
			return err
		}
		want, err := os.ReadFile(sf.SourcePath())
		if err != nil {
			return err
		}
		if text != string(want) {
			fmt.Fprintf(w, "FAIL %s: printed text differs at byte %d\n", sf.SourcePath(), firstDiff(text, string(want)))
			failed++
			continue
		}
		fmt.Fprintf(w, "ok   %s\n", sf.SourcePath())
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files did not round-trip", failed, len(files))
	}
	return nil
}

func firstDiff(a, b string) int {
	n := min(len(a), len(b))
	for i := range n {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// describe writes a one-line summary of sf.
func describe(w io.Writer, sf lst.SourceFile) {
	switch f := sf.(type) {
	case *lst.ParseError:
		fmt.Fprintf(w, "%s: parse error: %s\n", f.SourcePath(), f.Cause())
	case *dockerfile.Document:
		var images []string
		if deps, ok := lst.Find[*lst.Dependencies](f.MarkerSet()); ok {
			for _, d := range deps.Resolved {
				images = append(images, d.Name+":"+d.Version)
			}
		}
		fmt.Fprintf(w, "%s: %d instructions, %d stages, base images [%s]\n",
			f.SourcePath(), len(f.Instructions), len(f.Froms()), strings.Join(images, " "))
	default:
		fmt.Fprintf(w, "%s: %T\n", sf.SourcePath(), sf)
	}
}
