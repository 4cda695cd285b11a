package dockerfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

// ManifestName is the conventional solution manifest file name.
const ManifestName = "dockerfiles.yaml"

// ErrInvalidManifest is recorded when a solution manifest cannot be used.
var ErrInvalidManifest = errors.New("invalid solution manifest")

// Manifest lists the Dockerfiles of a solution. Patterns are globs relative
// to the solution root.
//
//	dockerfiles:
//	  - Dockerfile
//	  - services/*/Dockerfile
//	exclude:
//	  - services/legacy/Dockerfile
type Manifest struct {
	Dockerfiles []string `yaml:"dockerfiles"`
	Exclude     []string `yaml:"exclude"`
}

// ParseManifest decodes a manifest. Unknown keys are rejected.
func ParseManifest(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var m Manifest
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	if len(m.Dockerfiles) == 0 {
		return nil, fmt.Errorf("%w: no dockerfiles listed", ErrInvalidManifest)
	}
	for _, p := range append(slices.Clone(m.Dockerfiles), m.Exclude...) {
		if _, err := filepath.Match(p, ""); err != nil {
			return nil, fmt.Errorf("%w: pattern %q: %w", ErrInvalidManifest, p, err)
		}
	}
	return &m, nil
}

// Expand resolves the manifest's patterns under rootDir. Paths are returned
// sorted, without duplicates and without excluded files.
func (m *Manifest) Expand(rootDir string) ([]string, error) {
	excluded := map[string]bool{}
	for _, p := range m.Exclude {
		matches, err := filepath.Glob(filepath.Join(rootDir, p))
		if err != nil {
			return nil, fmt.Errorf("%w: pattern %q: %w", ErrInvalidManifest, p, err)
		}
		for _, match := range matches {
			excluded[match] = true
		}
	}

	var paths []string
	for _, p := range m.Dockerfiles {
		matches, err := filepath.Glob(filepath.Join(rootDir, p))
		if err != nil {
			return nil, fmt.Errorf("%w: pattern %q: %w", ErrInvalidManifest, p, err)
		}
		for _, match := range matches {
			if !excluded[match] {
				paths = append(paths, match)
			}
		}
	}
	slices.Sort(paths)
	return slices.Compact(paths), nil
}

// LoadManifest reads and decodes the manifest at path.
func LoadManifest(path string) (*Manifest, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := ParseManifest(data)
	return m, data, err
}
