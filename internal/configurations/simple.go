// Package simple wires the provisioning components into ready-to-use
// entry points with sensible defaults. Callers that need a different
// composition assemble the pieces themselves.
package simple

import (
	"context"
	"log/slog"

	"github.com/nixlet/nixlet/internal/container"
	"github.com/nixlet/nixlet/internal/images"
	"github.com/nixlet/nixlet/internal/logging"
	"github.com/nixlet/nixlet/internal/nixconf"
	"github.com/nixlet/nixlet/internal/platform/libvirtlxc"
	"github.com/nixlet/nixlet/internal/provision"
	"github.com/nixlet/nixlet/internal/setup"
	"github.com/nixlet/nixlet/internal/templates"
)

var (
	DefaultCacheDir      = setup.CacheDir
	DefaultTemplateDir   = setup.TemplateDir
	DefaultConnectionURI = libvirtlxc.DefaultConnectionURI
)

// Options adjusts the wiring. Zero values fall back to the defaults
// above.
type Options struct {
	Logger        *slog.Logger
	CacheDir      string
	TemplateDir   string
	ConnectionURI string
	Bridge        string
}

func (o Options) normalized() Options {
	o.Logger = logging.Ensure(o.Logger).With("component", "config.simple")
	if o.CacheDir == "" {
		o.CacheDir = DefaultCacheDir
	}
	if o.TemplateDir == "" {
		o.TemplateDir = DefaultTemplateDir
	}
	if o.ConnectionURI == "" {
		o.ConnectionURI = DefaultConnectionURI
	}
	return o
}

func (o Options) provisioner() *provision.Provisioner {
	return &provision.Provisioner{
		Logger:   o.Logger,
		Platform: o.platform(),
		Images:   o.imageCache(),
		Renderer: &nixconf.Renderer{
			Templates: &templates.Store{BaseDir: o.TemplateDir},
		},
	}
}

func (o Options) platform() *libvirtlxc.Adapter {
	return &libvirtlxc.Adapter{
		ConnectionURI: o.ConnectionURI,
		Bridge:        o.Bridge,
		Logger:        o.Logger.With("component", "platform"),
	}
}

func (o Options) imageCache() *images.Cache {
	return &images.Cache{
		Dir:         o.CacheDir,
		TemplateDir: o.TemplateDir,
		Logger:      o.Logger.With("component", "images"),
	}
}

// Create provisions a new container from the given specification and
// returns its handle.
func Create(ctx context.Context, opts Options, spec container.Spec, secrets container.Secrets) (provision.Handle, error) {
	opts = opts.normalized()
	spec.ApplyDefaults(container.StandardDefaults())
	return opts.provisioner().Create(ctx, spec, secrets)
}

// Configure re-renders and applies configuration to an existing
// container.
func Configure(ctx context.Context, opts Options, id int, source container.Source, secrets container.Secrets) error {
	opts = opts.normalized()
	return opts.provisioner().Configure(ctx, id, source, secrets)
}

// Shell attaches an interactive shell to a running container.
func Shell(ctx context.Context, opts Options, id int) error {
	opts = opts.normalized()
	return opts.provisioner().Shell(ctx, id)
}

// Update upgrades the system inside a running container.
func Update(ctx context.Context, opts Options, id int) error {
	opts = opts.normalized()
	return opts.provisioner().Update(ctx, id)
}

// Download ensures the base image for the given release is cached
// locally, fetching it when absent.
func Download(ctx context.Context, opts Options, version string) (container.ImageReference, error) {
	opts = opts.normalized()
	if version == "" {
		version = container.StandardDefaults().Version
	}
	return opts.imageCache().EnsureImage(ctx, version)
}

// ListTemplates returns the metadata of every available template.
func ListTemplates(opts Options) ([]templates.Metadata, error) {
	opts = opts.normalized()
	store := &templates.Store{BaseDir: opts.TemplateDir}

	names, err := store.List()
	if err != nil {
		return nil, err
	}
	out := make([]templates.Metadata, 0, len(names))
	for _, name := range names {
		tmpl, err := store.Get(name)
		if err != nil {
			opts.Logger.Warn("skipping unreadable template", "template", name, "error", err)
			continue
		}
		out = append(out, tmpl.Metadata)
	}
	return out, nil
}

// TemplateInfo returns the full template, metadata and body, for
// inspection.
func TemplateInfo(opts Options, name string) (*templates.Template, error) {
	opts = opts.normalized()
	store := &templates.Store{BaseDir: opts.TemplateDir}
	return store.Get(name)
}

// StoragePools lists the storage pools visible on the platform.
func StoragePools(ctx context.Context, opts Options) ([]provision.Pool, error) {
	opts = opts.normalized()
	return opts.platform().StoragePools(ctx)
}

// Setup prepares host networking for container attachments.
func Setup(ctx context.Context, opts Options) error {
	opts = opts.normalized()
	opts.Logger.Info("preparing host networking")
	return setup.SetupNetwork(ctx)
}
