package templates

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nixlet/nixlet/internal/container"
)

func TestGetBuiltin(t *testing.T) {
	t.Parallel()

	store := &Store{}
	tmpl, err := store.Get("minimal")
	if err != nil {
		t.Fatalf("Get(minimal) error = %v", err)
	}
	if tmpl.Metadata.Name != "minimal" {
		t.Errorf("Metadata.Name = %q, want minimal", tmpl.Metadata.Name)
	}
	if !strings.Contains(tmpl.Body, "{{HOSTNAME}}") {
		t.Errorf("builtin body missing hostname placeholder:\n%s", tmpl.Body)
	}
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()

	store := &Store{BaseDir: t.TempDir()}
	_, err := store.Get("no-such-template")
	var notFound *container.TemplateNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("Get() error = %v, want TemplateNotFoundError", err)
	}
}

func TestGetRejectsPathSeparators(t *testing.T) {
	t.Parallel()

	store := &Store{}
	_, err := store.Get("../minimal")
	var invalid *container.TemplateInvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("Get() error = %v, want TemplateInvalidError", err)
	}
}

func writeTemplate(t *testing.T, baseDir, name, metadata, body string) {
	t.Helper()
	dir := filepath.Join(baseDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir template dir: %v", err)
	}
	if metadata != "" {
		if err := os.WriteFile(filepath.Join(dir, "template.yaml"), []byte(metadata), 0o644); err != nil {
			t.Fatalf("write metadata: %v", err)
		}
	}
	if body != "" {
		if err := os.WriteFile(filepath.Join(dir, "configuration.nix"), []byte(body), 0o644); err != nil {
			t.Fatalf("write body: %v", err)
		}
	}
}

func TestGetDiskTemplate(t *testing.T) {
	t.Parallel()

	baseDir := t.TempDir()
	writeTemplate(t, baseDir, "custom", "name: custom\ndescription: test template\n", "{ ... }: { networking.hostName = \"{{HOSTNAME}}\"; }\n")

	store := &Store{BaseDir: baseDir}
	tmpl, err := store.Get("custom")
	if err != nil {
		t.Fatalf("Get(custom) error = %v", err)
	}
	if tmpl.Metadata.Description != "test template" {
		t.Errorf("Description = %q, want %q", tmpl.Metadata.Description, "test template")
	}
}

func TestGetDiskShadowsBuiltin(t *testing.T) {
	t.Parallel()

	baseDir := t.TempDir()
	writeTemplate(t, baseDir, "minimal", "name: minimal\ndescription: local override\n", "{ ... }: { }\n")

	store := &Store{BaseDir: baseDir}
	tmpl, err := store.Get("minimal")
	if err != nil {
		t.Fatalf("Get(minimal) error = %v", err)
	}
	if tmpl.Metadata.Description != "local override" {
		t.Errorf("Description = %q, want the on-disk override", tmpl.Metadata.Description)
	}
}

func TestGetInvalidTemplate(t *testing.T) {
	t.Parallel()

	baseDir := t.TempDir()
	writeTemplate(t, baseDir, "no-body", "name: no-body\n", "")
	writeTemplate(t, baseDir, "no-meta", "", "{ ... }: { }\n")
	writeTemplate(t, baseDir, "bad-yaml", "name: [unclosed\n", "{ ... }: { }\n")

	store := &Store{BaseDir: baseDir}
	for _, name := range []string{"no-body", "no-meta", "bad-yaml"} {
		_, err := store.Get(name)
		var invalid *container.TemplateInvalidError
		if !errors.As(err, &invalid) {
			t.Errorf("Get(%s) error = %v, want TemplateInvalidError", name, err)
		}
	}
}

func TestListMergesBuiltinAndDisk(t *testing.T) {
	t.Parallel()

	baseDir := t.TempDir()
	writeTemplate(t, baseDir, "custom", "name: custom\n", "{ ... }: { }\n")
	writeTemplate(t, baseDir, "minimal", "name: minimal\n", "{ ... }: { }\n")

	store := &Store{BaseDir: baseDir}
	names, err := store.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}

	seen := map[string]int{}
	for _, name := range names {
		seen[name]++
	}
	for _, want := range []string{"minimal", "webserver", "custom"} {
		if seen[want] != 1 {
			t.Errorf("List() contains %q %d times, want exactly once (got %v)", want, seen[want], names)
		}
	}
	if !sortedStrings(names) {
		t.Errorf("List() = %v, want sorted", names)
	}
}

func sortedStrings(values []string) bool {
	for i := 1; i < len(values); i++ {
		if values[i-1] > values[i] {
			return false
		}
	}
	return true
}
