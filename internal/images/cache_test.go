package images

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/opencontainers/go-digest"

	"github.com/nixlet/nixlet/internal/container"
)

func newTestServer(t *testing.T, status int, body string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestEnsureImageColdAndWarm(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := newTestServer(t, http.StatusOK, "tarball-bytes", &hits)

	cache := &Cache{
		Dir:     t.TempDir(),
		BaseURL: server.URL + "/%s",
	}

	image, err := cache.EnsureImage(context.Background(), "24.05")
	if err != nil {
		t.Fatalf("EnsureImage() error = %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("cold cache performed %d fetches, want 1", got)
	}
	if image.Version != "24.05" || !image.Exists {
		t.Errorf("EnsureImage() = %+v, want version 24.05 and exists", image)
	}

	data, err := os.ReadFile(image.Path)
	if err != nil {
		t.Fatalf("read cached image: %v", err)
	}
	if string(data) != "tarball-bytes" {
		t.Errorf("cached image content = %q", data)
	}

	again, err := cache.EnsureImage(context.Background(), "24.05")
	if err != nil {
		t.Fatalf("EnsureImage() warm error = %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("warm cache performed %d total fetches, want 1", got)
	}
	if again.Path != image.Path {
		t.Errorf("warm path = %q, want %q", again.Path, image.Path)
	}
}

func TestEnsureImageDownloadFailure(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := newTestServer(t, http.StatusNotFound, "missing", &hits)

	cache := &Cache{
		Dir:     t.TempDir(),
		BaseURL: server.URL + "/%s",
	}

	_, err := cache.EnsureImage(context.Background(), "99.99")
	var downloadErr *container.DownloadError
	if !errors.As(err, &downloadErr) {
		t.Fatalf("EnsureImage() error = %v, want DownloadError", err)
	}
	if downloadErr.Version != "99.99" {
		t.Errorf("DownloadError.Version = %q, want 99.99", downloadErr.Version)
	}

	entries, err := os.ReadDir(cache.Dir)
	if err != nil {
		t.Fatalf("read cache dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("failed download left entries behind: %v", entries)
	}
}

func TestEnsureImagePlacesIntoTemplateDir(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := newTestServer(t, http.StatusOK, "tarball-bytes", &hits)

	templateDir := t.TempDir()
	cache := &Cache{
		Dir:         t.TempDir(),
		TemplateDir: templateDir,
		BaseURL:     server.URL + "/%s",
	}

	image, err := cache.EnsureImage(context.Background(), "24.05")
	if err != nil {
		t.Fatalf("EnsureImage() error = %v", err)
	}
	want := filepath.Join(templateDir, "nixos-24.05.tar.xz")
	if image.Path != want {
		t.Errorf("EnsureImage().Path = %q, want %q", image.Path, want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("placed image missing: %v", err)
	}
}

func TestEnsureImageDigestMismatch(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := newTestServer(t, http.StatusOK, "tarball-bytes", &hits)

	dir := t.TempDir()
	wrong := digest.FromString("different-bytes")
	if err := os.WriteFile(filepath.Join(dir, "nixos-24.05.digest"), []byte(wrong.String()), 0o644); err != nil {
		t.Fatalf("write digest sidecar: %v", err)
	}

	cache := &Cache{
		Dir:     dir,
		BaseURL: server.URL + "/%s",
	}

	_, err := cache.EnsureImage(context.Background(), "24.05")
	var downloadErr *container.DownloadError
	if !errors.As(err, &downloadErr) {
		t.Fatalf("EnsureImage() error = %v, want DownloadError", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "nixos-24.05.tar.xz")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("mismatched image was cached anyway: %v", err)
	}
}

func TestEnsureImageDigestMatch(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := newTestServer(t, http.StatusOK, "tarball-bytes", &hits)

	dir := t.TempDir()
	pinned := digest.FromString("tarball-bytes")
	if err := os.WriteFile(filepath.Join(dir, "nixos-24.05.digest"), []byte(pinned.String()), 0o644); err != nil {
		t.Fatalf("write digest sidecar: %v", err)
	}

	cache := &Cache{
		Dir:     dir,
		BaseURL: server.URL + "/%s",
	}

	if _, err := cache.EnsureImage(context.Background(), "24.05"); err != nil {
		t.Fatalf("EnsureImage() error = %v", err)
	}
}

func TestEnsureImageRequiresVersion(t *testing.T) {
	t.Parallel()

	cache := &Cache{Dir: t.TempDir()}
	if _, err := cache.EnsureImage(context.Background(), "  "); err == nil {
		t.Fatal("EnsureImage() with blank version succeeded")
	}
}
