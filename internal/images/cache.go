// Package images resolves base system images: a version-keyed local
// cache backed by an HTTPS download, the only durable state this tool
// owns.
package images

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/nixlet/nixlet/internal/container"
)

// DefaultBaseURL is the version-keyed remote image location. The single
// %s verb receives the release version.
const DefaultBaseURL = "https://hydra.nixos.org/job/nixos/release-%s/nixos.proxmoxLXC.x86_64-linux/latest/download-by-type/file/system-tarball"

// Cache resolves base images for a given version, downloading on a cold
// cache and answering from disk otherwise.
type Cache struct {
	// Dir is the durable cache directory.
	Dir string
	// TemplateDir is where the platform expects images. Empty means the
	// cache directory itself is the platform-visible location.
	TemplateDir string
	// BaseURL overrides DefaultBaseURL; it must contain one %s verb.
	BaseURL string

	Client *http.Client
	Logger *slog.Logger
}

// EnsureImage guarantees the image for version exists locally and is
// visible where the platform expects it, then returns its locator.
// Warm-cache calls perform no I/O beyond presence checks.
func (c *Cache) EnsureImage(ctx context.Context, version string) (container.ImageReference, error) {
	version = strings.TrimSpace(version)
	if version == "" {
		return container.ImageReference{}, errors.New("image version is required")
	}
	if c.Dir == "" {
		return container.ImageReference{}, errors.New("cache directory is not configured")
	}

	cachePath := filepath.Join(c.Dir, imageFileName(version))
	if _, err := os.Stat(cachePath); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return container.ImageReference{}, fmt.Errorf("stat cached image: %w", err)
		}
		if err := c.download(ctx, version, cachePath); err != nil {
			return container.ImageReference{}, err
		}
	}

	visiblePath, err := c.place(version, cachePath)
	if err != nil {
		return container.ImageReference{}, err
	}

	return container.ImageReference{
		Version: version,
		Path:    visiblePath,
		Exists:  true,
	}, nil
}

func (c *Cache) download(ctx context.Context, version, cachePath string) error {
	url := c.BaseURL
	if url == "" {
		url = DefaultBaseURL
	}
	url = fmt.Sprintf(url, version)

	c.logger().Info("downloading base image", "version", version, "url", url)

	if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
		return &container.DownloadError{Version: version, Err: err}
	}

	partial := cachePath + ".partial"
	err := c.fetch(ctx, url, partial, c.pinnedDigest(version))
	if err != nil {
		if removeErr := os.Remove(partial); removeErr != nil && !errors.Is(removeErr, fs.ErrNotExist) {
			c.logger().Warn("failed to remove partial download", "path", partial, "error", removeErr)
		}
		return &container.DownloadError{Version: version, Err: err}
	}

	if err := os.Rename(partial, cachePath); err != nil {
		return &container.DownloadError{Version: version, Err: err}
	}

	c.logger().Info("base image cached", "version", version, "path", cachePath)
	return nil
}

func (c *Cache) fetch(ctx context.Context, url, dest string, pinned digest.Digest) error {
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	var verifier digest.Verifier
	sink := io.Writer(out)
	if pinned != "" {
		verifier = pinned.Verifier()
		sink = io.MultiWriter(out, verifier)
	}

	if _, err := io.Copy(sink, resp.Body); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if verifier != nil && !verifier.Verified() {
		return fmt.Errorf("image digest mismatch, expected %s", pinned)
	}
	return nil
}

// pinnedDigest loads the optional digest sidecar for a version. A
// missing or malformed sidecar means no pinning.
func (c *Cache) pinnedDigest(version string) digest.Digest {
	raw, err := os.ReadFile(filepath.Join(c.Dir, "nixos-"+version+".digest"))
	if err != nil {
		return ""
	}
	parsed, err := digest.Parse(strings.TrimSpace(string(raw)))
	if err != nil {
		c.logger().Warn("ignoring malformed digest sidecar", "version", version, "error", err)
		return ""
	}
	return parsed
}

// place copies the cached artifact into the platform template directory
// when that differs from the cache directory.
func (c *Cache) place(version, cachePath string) (string, error) {
	if c.TemplateDir == "" || c.TemplateDir == c.Dir {
		return cachePath, nil
	}

	destPath := filepath.Join(c.TemplateDir, imageFileName(version))
	if _, err := os.Stat(destPath); err == nil {
		return destPath, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", &container.PlacementError{Path: destPath, Err: err}
	}

	if err := copyFile(cachePath, destPath); err != nil {
		return "", &container.PlacementError{Path: destPath, Err: err}
	}
	return destPath, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	return out.Close()
}

func (c *Cache) logger() *slog.Logger {
	if c != nil && c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func imageFileName(version string) string {
	return "nixos-" + version + ".tar.xz"
}
