package provision

import (
	"context"
	"errors"
	"testing"

	"github.com/nixlet/nixlet/internal/bootstrap"
	"github.com/nixlet/nixlet/internal/container"
)

func TestUpdateRunsUpdateScript(t *testing.T) {
	t.Parallel()

	platform := &fakePlatform{}
	p := newTestProvisioner(t, platform)

	if err := p.Update(context.Background(), 140); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if len(platform.execs) != 1 {
		t.Fatalf("Exec called %d times, want 1", len(platform.execs))
	}
	got := platform.execs[0]
	if len(got) != 3 || got[0] != "/bin/sh" || got[1] != "-c" {
		t.Fatalf("Exec command = %v, want /bin/sh -c <script>", got)
	}
	if got[2] != bootstrap.UpdateScript() {
		t.Errorf("Exec script = %q, want the update script", got[2])
	}
}

func TestUpdateSurfacesNonZeroExit(t *testing.T) {
	t.Parallel()

	platform := &fakePlatform{execResult: ExecResult{ExitCode: 1, Output: "rebuild failed"}}
	p := newTestProvisioner(t, platform)

	err := p.Update(context.Background(), 140)
	var updateErr *container.UpdateError
	if !errors.As(err, &updateErr) {
		t.Fatalf("Update() error = %v, want UpdateError", err)
	}
	if updateErr.ID != 140 || updateErr.ExitCode != 1 {
		t.Errorf("UpdateError = %+v, want id 140 exit 1", updateErr)
	}
}

func TestShellAttaches(t *testing.T) {
	t.Parallel()

	platform := &fakePlatform{}
	p := newTestProvisioner(t, platform)

	if err := p.Shell(context.Background(), 140); err != nil {
		t.Fatalf("Shell() error = %v", err)
	}
}
