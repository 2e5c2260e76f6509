// Package provision drives the ordered workflow that turns a container
// spec into a running, configured instance on the host platform.
package provision

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/nixlet/nixlet/internal/bootstrap"
	"github.com/nixlet/nixlet/internal/container"
	"github.com/nixlet/nixlet/internal/images"
	"github.com/nixlet/nixlet/internal/nixconf"
)

// State names one step of the provisioning workflow. Failure reports
// carry the state they occurred in so partial-failure conditions are
// identifiable instead of inferred.
type State string

// Workflow states, in execution order. No state is skipped on the
// success path.
const (
	StateStart           State = "start"
	StateResolveID       State = "resolve-id"
	StateResolveImage    State = "resolve-image"
	StateRenderArtifacts State = "render-artifacts"
	StateCreateInstance  State = "create-instance"
	StateStartInstance   State = "start-instance"
	StateAwaitReady      State = "await-ready"
	StateInjectArtifacts State = "inject-artifacts"
	StateRunBootstrap    State = "run-bootstrap"
	StateDone            State = "done"
)

// GuestConfigPath is where the rendered configuration lands inside the
// instance.
const GuestConfigPath = "/etc/nixos/configuration.nix"

const (
	defaultReadyTimeout = 60 * time.Second
	defaultSettleDelay  = 3 * time.Second
	readyPollInterval   = 500 * time.Millisecond
)

// Handle identifies a successfully provisioned instance.
type Handle struct {
	ID   int
	Name string
}

// Provisioner owns the create/configure workflow and its cleanup policy.
// One call runs at a time; each call owns its own scratch workspace.
type Provisioner struct {
	Logger   *slog.Logger
	Platform Platform
	Images   *images.Cache
	Renderer *nixconf.Renderer

	// ReadyTimeout bounds the post-start readiness poll.
	ReadyTimeout time.Duration
	// SettleDelay is slept after the instance reports ready, giving the
	// init system time to bring up basic services.
	SettleDelay time.Duration
}

// Create provisions a new container from the spec. Validation failures
// surface before any platform-mutating call; failures after instance
// creation carry the instance id and never trigger automatic deletion.
func (p *Provisioner) Create(ctx context.Context, spec container.Spec, secrets container.Secrets) (Handle, error) {
	if p.Platform == nil {
		return Handle{}, errors.New("platform is not configured")
	}
	if p.Images == nil || p.Renderer == nil {
		return Handle{}, errors.New("image cache and renderer are required")
	}

	// Pure validation first: a bad spec must not allocate anything.
	if err := spec.Validate(); err != nil {
		return Handle{}, err
	}
	if err := secrets.Validate(); err != nil {
		return Handle{}, err
	}
	if spec.Source.Flake != nil {
		if err := nixconf.ValidateFlakeRef(spec.Source.Flake.URL); err != nil {
			return Handle{}, err
		}
	}

	attempt, err := newAttempt()
	if err != nil {
		return Handle{}, err
	}
	defer attempt.release(p.logger())

	logger := p.logger().With("container", spec.Name, "attempt", attempt.id)
	step := func(s State) *slog.Logger {
		logger.Debug("state transition", "state", string(s))
		return logger.With("state", string(s))
	}
	step(StateStart)

	step(StateResolveID)
	if spec.ID == 0 {
		id, err := p.Platform.NextFreeID(ctx)
		if err != nil {
			return Handle{}, &container.IDAllocationError{Err: err}
		}
		spec.ID = id
	}
	logger = logger.With("id", spec.ID)

	step(StateResolveImage)
	image, err := p.Images.EnsureImage(ctx, spec.Version)
	if err != nil {
		return Handle{}, err
	}

	step(StateRenderArtifacts)
	rendered, err := p.renderArtifacts(&spec, secrets, attempt)
	if err != nil {
		return Handle{}, err
	}

	step(StateCreateInstance)
	if err := p.Platform.Create(ctx, spec, image); err != nil {
		return Handle{}, &container.CreateError{Name: spec.Name, Err: err}
	}

	step(StateStartInstance)
	if err := p.Platform.Start(ctx, spec.ID); err != nil {
		// Deliberately no automatic deletion: removing a partially built
		// instance is riskier than leaving it for manual inspection.
		return Handle{}, &container.StartError{ID: spec.ID, Err: err}
	}

	step(StateAwaitReady)
	if err := p.awaitReady(ctx, spec.ID, logger); err != nil {
		return Handle{}, err
	}

	step(StateInjectArtifacts)
	if err := p.inject(ctx, spec.ID, rendered); err != nil {
		return Handle{}, err
	}

	stepLogger := step(StateRunBootstrap)
	if err := p.runBootstrap(ctx, spec.ID, stepLogger); err != nil {
		return Handle{}, err
	}

	step(StateDone)
	logger.Info("container provisioned")
	return Handle{ID: spec.ID, Name: spec.Name}, nil
}

// Configure re-renders and re-injects configuration for an existing
// instance, reading hostname and privilege mode from the platform so it
// can be repeated safely to rotate credentials or keys.
func (p *Provisioner) Configure(ctx context.Context, id int, source container.Source, secrets container.Secrets) error {
	if err := secrets.Validate(); err != nil {
		return err
	}

	info, err := p.Platform.Describe(ctx, id)
	if err != nil {
		return fmt.Errorf("describe container %d: %w", id, err)
	}

	spec := container.Spec{
		ID:           id,
		Name:         info.Hostname,
		Unprivileged: info.Unprivileged,
		Version:      info.Version,
		Source:       source,
	}
	// Fills the version when the platform note lacks one and gives the
	// rebuilt spec a valid network mode for validation.
	spec.ApplyDefaults(container.StandardDefaults())

	attempt, err := newAttempt()
	if err != nil {
		return err
	}
	defer attempt.release(p.logger())

	logger := p.logger().With("container", spec.Name, "id", id, "attempt", attempt.id)

	rendered, err := p.renderArtifacts(&spec, secrets, attempt)
	if err != nil {
		return err
	}
	if err := p.inject(ctx, id, rendered); err != nil {
		return err
	}
	if err := p.runBootstrap(ctx, id, logger); err != nil {
		return err
	}

	logger.Info("container reconfigured")
	return nil
}

func (p *Provisioner) renderArtifacts(spec *container.Spec, secrets container.Secrets, attempt *attempt) (container.Rendered, error) {
	config, err := p.Renderer.Render(spec, secrets)
	if err != nil {
		return container.Rendered{}, err
	}
	script := bootstrap.Build(*spec, secrets)

	rendered := container.Rendered{Config: config, Bootstrap: script}
	if err := attempt.stash(rendered); err != nil {
		return container.Rendered{}, err
	}
	return rendered, nil
}

func (p *Provisioner) awaitReady(ctx context.Context, id int, logger *slog.Logger) error {
	timeout := p.ReadyTimeout
	if timeout <= 0 {
		timeout = defaultReadyTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		ready, err := p.Platform.Ready(ctx, id)
		if err != nil {
			return fmt.Errorf("query readiness of container %d: %w", id, err)
		}
		if ready {
			break
		}
		if time.Now().After(deadline) {
			logger.Warn("container not observably ready, continuing", "timeout", timeout)
			break
		}
		if err := sleepCtx(ctx, readyPollInterval); err != nil {
			return err
		}
	}

	settle := p.SettleDelay
	if settle <= 0 {
		settle = defaultSettleDelay
	}
	return sleepCtx(ctx, settle)
}

func (p *Provisioner) inject(ctx context.Context, id int, rendered container.Rendered) error {
	if err := p.Platform.Push(ctx, id, []byte(rendered.Config), GuestConfigPath, 0o644); err != nil {
		return &container.InjectionError{ID: id, Path: GuestConfigPath, Err: err}
	}
	if err := p.Platform.Push(ctx, id, []byte(rendered.Bootstrap), bootstrap.GuestPath, 0o755); err != nil {
		return &container.InjectionError{ID: id, Path: bootstrap.GuestPath, Err: err}
	}
	return nil
}

func (p *Provisioner) runBootstrap(ctx context.Context, id int, logger *slog.Logger) error {
	result, err := p.Platform.Exec(ctx, id, []string{"/bin/sh", bootstrap.GuestPath})
	if err != nil {
		return fmt.Errorf("run bootstrap in container %d: %w", id, err)
	}
	if result.ExitCode != 0 {
		// Instance stays running so the operator can inspect and re-run.
		return &container.BootstrapError{ID: id, ExitCode: result.ExitCode, Output: result.Output}
	}
	logger.Info("bootstrap completed")
	return nil
}

func (p *Provisioner) logger() *slog.Logger {
	if p != nil && p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// attempt is the scratch workspace for one create/configure call. The
// rendered artifacts live here until injection; the directory is erased
// on every exit path because they embed secrets.
type attempt struct {
	id  string
	dir string
}

func newAttempt() (*attempt, error) {
	dir, err := os.MkdirTemp("", "nixlet-attempt-*")
	if err != nil {
		return nil, fmt.Errorf("create attempt workspace: %w", err)
	}
	return &attempt{id: uuid.NewString(), dir: dir}, nil
}

func (a *attempt) stash(rendered container.Rendered) error {
	if err := os.WriteFile(filepath.Join(a.dir, "configuration.nix"), []byte(rendered.Config), 0o600); err != nil {
		return fmt.Errorf("stash rendered configuration: %w", err)
	}
	if err := os.WriteFile(filepath.Join(a.dir, "bootstrap.sh"), []byte(rendered.Bootstrap), 0o700); err != nil {
		return fmt.Errorf("stash bootstrap script: %w", err)
	}
	return nil
}

// release removes the workspace. Best effort: a cleanup failure is
// logged, never returned, so it cannot mask the primary error.
func (a *attempt) release(logger *slog.Logger) {
	if a == nil || a.dir == "" {
		return
	}
	if err := os.RemoveAll(a.dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("failed to remove attempt workspace", "dir", a.dir, "error", err)
	}
}
