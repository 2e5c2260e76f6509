package templates

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nixlet/nixlet/internal/container"
)

const (
	metadataFile = "template.yaml"
	bodyFile     = "configuration.nix"
)

//go:embed builtin
var builtinFS embed.FS

// Requirements are advisory resource minimums shown to the operator.
// They are never enforced.
type Requirements struct {
	MinCores    int `yaml:"min_cores"`
	MinMemoryMB int `yaml:"min_memory_mb"`
	MinDiskGB   int `yaml:"min_disk_gb"`
}

// Metadata is the structured descriptor stored beside a template body.
type Metadata struct {
	Name         string            `yaml:"name"`
	Description  string            `yaml:"description"`
	Requirements Requirements      `yaml:"requirements"`
	Variables    map[string]string `yaml:"variables"`
	PostInstall  []string          `yaml:"post_install"`
}

// Template is a named configuration body with declared variable defaults.
// Read-only once loaded.
type Template struct {
	Metadata Metadata
	Body     string
}

// Store loads templates from a directory-per-template layout under
// BaseDir. The embedded builtin templates are always resolvable and are
// shadowed by an on-disk template of the same name.
type Store struct {
	BaseDir string
}

// Get loads and validates the named template.
func (s *Store) Get(name string) (*Template, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &container.TemplateNotFoundError{Name: name}
	}
	if strings.ContainsAny(name, "/\\") {
		return nil, &container.TemplateInvalidError{Name: name, Reason: "name must not contain path separators"}
	}

	if s.BaseDir != "" {
		dir := filepath.Join(s.BaseDir, name)
		info, err := os.Stat(dir)
		switch {
		case err == nil && info.IsDir():
			return loadTemplate(os.DirFS(dir), name)
		case err != nil && !errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("stat template dir %q: %w", dir, err)
		}
	}

	sub, err := fs.Sub(builtinFS, "builtin/"+name)
	if err != nil {
		return nil, &container.TemplateNotFoundError{Name: name}
	}
	if _, err := fs.Stat(sub, metadataFile); err != nil {
		return nil, &container.TemplateNotFoundError{Name: name}
	}
	return loadTemplate(sub, name)
}

// List returns the names of every available template, builtin included,
// sorted and deduplicated.
func (s *Store) List() ([]string, error) {
	seen := map[string]bool{}

	builtins, err := fs.ReadDir(builtinFS, "builtin")
	if err != nil {
		return nil, fmt.Errorf("read builtin templates: %w", err)
	}
	for _, entry := range builtins {
		if entry.IsDir() {
			seen[entry.Name()] = true
		}
	}

	if s.BaseDir != "" {
		entries, err := os.ReadDir(s.BaseDir)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read template dir %q: %w", s.BaseDir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				seen[entry.Name()] = true
			}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func loadTemplate(fsys fs.FS, name string) (*Template, error) {
	raw, err := fs.ReadFile(fsys, metadataFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &container.TemplateInvalidError{Name: name, Reason: "missing " + metadataFile}
		}
		return nil, fmt.Errorf("read template metadata: %w", err)
	}

	var meta Metadata
	if err := yaml.Unmarshal(raw, &meta); err != nil {
		return nil, &container.TemplateInvalidError{Name: name, Reason: fmt.Sprintf("decode %s: %v", metadataFile, err)}
	}
	if strings.TrimSpace(meta.Name) == "" {
		return nil, &container.TemplateInvalidError{Name: name, Reason: "metadata is missing a name"}
	}

	body, err := fs.ReadFile(fsys, bodyFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &container.TemplateInvalidError{Name: name, Reason: "missing " + bodyFile}
		}
		return nil, fmt.Errorf("read template body: %w", err)
	}
	if len(body) == 0 {
		return nil, &container.TemplateInvalidError{Name: name, Reason: bodyFile + " is empty"}
	}

	return &Template{Metadata: meta, Body: string(body)}, nil
}
