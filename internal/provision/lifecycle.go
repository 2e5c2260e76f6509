package provision

import (
	"context"
	"fmt"

	"github.com/nixlet/nixlet/internal/bootstrap"
	"github.com/nixlet/nixlet/internal/container"
)

// Shell opens an interactive session inside the instance. Guest
// environment files are sourced by the platform's attach entry point.
func (p *Provisioner) Shell(ctx context.Context, id int) error {
	if err := p.Platform.Attach(ctx, id); err != nil {
		return fmt.Errorf("attach to container %d: %w", id, err)
	}
	return nil
}

// Update runs the guest's channel-update-and-rebuild sequence. A
// non-zero result is surfaced without retry; the operator decides.
func (p *Provisioner) Update(ctx context.Context, id int) error {
	result, err := p.Platform.Exec(ctx, id, []string{"/bin/sh", "-c", bootstrap.UpdateScript()})
	if err != nil {
		return fmt.Errorf("update container %d: %w", id, err)
	}
	if result.ExitCode != 0 {
		return &container.UpdateError{ID: id, ExitCode: result.ExitCode, Output: result.Output}
	}
	return nil
}
