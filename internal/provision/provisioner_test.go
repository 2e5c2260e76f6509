package provision

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nixlet/nixlet/internal/bootstrap"
	"github.com/nixlet/nixlet/internal/container"
	"github.com/nixlet/nixlet/internal/images"
	"github.com/nixlet/nixlet/internal/nixconf"
	"github.com/nixlet/nixlet/internal/templates"
)

type pushedFile struct {
	path    string
	mode    fs.FileMode
	content string
}

// fakePlatform records every call so tests can assert on call order and
// failure handling without a hypervisor.
type fakePlatform struct {
	nextID      int
	nextIDErr   error
	createErr   error
	startErr    error
	execResult  ExecResult
	execErr     error
	describe    InstanceInfo
	describeErr error

	nextIDCalls int
	created     []container.Spec
	started     []int
	pushes      []pushedFile
	execs       [][]string
	readyPolls  int
}

var _ Platform = (*fakePlatform)(nil)

func (f *fakePlatform) NextFreeID(ctx context.Context) (int, error) {
	f.nextIDCalls++
	if f.nextIDErr != nil {
		return 0, f.nextIDErr
	}
	if f.nextID == 0 {
		return 100, nil
	}
	return f.nextID, nil
}

func (f *fakePlatform) Create(ctx context.Context, spec container.Spec, image container.ImageReference) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, spec)
	return nil
}

func (f *fakePlatform) Start(ctx context.Context, id int) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakePlatform) Ready(ctx context.Context, id int) (bool, error) {
	f.readyPolls++
	return true, nil
}

func (f *fakePlatform) Push(ctx context.Context, id int, content []byte, remotePath string, mode fs.FileMode) error {
	f.pushes = append(f.pushes, pushedFile{path: remotePath, mode: mode, content: string(content)})
	return nil
}

func (f *fakePlatform) Exec(ctx context.Context, id int, command []string) (ExecResult, error) {
	f.execs = append(f.execs, command)
	if f.execErr != nil {
		return ExecResult{}, f.execErr
	}
	return f.execResult, nil
}

func (f *fakePlatform) Attach(ctx context.Context, id int) error { return nil }

func (f *fakePlatform) Describe(ctx context.Context, id int) (InstanceInfo, error) {
	if f.describeErr != nil {
		return InstanceInfo{}, f.describeErr
	}
	return f.describe, nil
}

func (f *fakePlatform) StoragePools(ctx context.Context) ([]Pool, error) { return nil, nil }

func newTestProvisioner(t *testing.T, platform Platform) *Provisioner {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "tarball-bytes")
	}))
	t.Cleanup(server.Close)

	return &Provisioner{
		Platform: platform,
		Images: &images.Cache{
			Dir:     t.TempDir(),
			BaseURL: server.URL + "/%s",
		},
		Renderer:     &nixconf.Renderer{Templates: &templates.Store{}},
		ReadyTimeout: time.Second,
		SettleDelay:  time.Millisecond,
	}
}

func testSpec() container.Spec {
	spec := container.Spec{
		Name:    "web01",
		Network: container.Network{Mode: container.NetworkDHCP},
	}
	spec.ApplyDefaults(container.StandardDefaults())
	return spec
}

func TestCreateHappyPath(t *testing.T) {
	t.Parallel()

	platform := &fakePlatform{}
	p := newTestProvisioner(t, platform)

	handle, err := p.Create(context.Background(), testSpec(), container.Secrets{Password: "hunter2"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if handle.ID != 100 || handle.Name != "web01" {
		t.Errorf("Create() handle = %+v, want id 100 name web01", handle)
	}

	if platform.nextIDCalls != 1 {
		t.Errorf("NextFreeID called %d times, want 1", platform.nextIDCalls)
	}
	if len(platform.created) != 1 || platform.created[0].ID != 100 {
		t.Fatalf("Create called %d times (%+v), want once with id 100", len(platform.created), platform.created)
	}
	if len(platform.started) != 1 || platform.started[0] != 100 {
		t.Errorf("Start calls = %v, want [100]", platform.started)
	}

	if len(platform.pushes) != 2 {
		t.Fatalf("Push called %d times, want 2", len(platform.pushes))
	}
	config, script := platform.pushes[0], platform.pushes[1]
	if config.path != GuestConfigPath || config.mode != 0o644 {
		t.Errorf("config push = %q mode %o, want %q mode 644", config.path, config.mode, GuestConfigPath)
	}
	if script.path != bootstrap.GuestPath || script.mode != 0o755 {
		t.Errorf("script push = %q mode %o, want %q mode 755", script.path, script.mode, bootstrap.GuestPath)
	}

	if len(platform.execs) != 1 {
		t.Fatalf("Exec called %d times, want 1", len(platform.execs))
	}
	wantCmd := []string{"/bin/sh", bootstrap.GuestPath}
	if got := platform.execs[0]; len(got) != 2 || got[0] != wantCmd[0] || got[1] != wantCmd[1] {
		t.Errorf("Exec command = %v, want %v", got, wantCmd)
	}
}

func TestCreateKeepsExplicitID(t *testing.T) {
	t.Parallel()

	platform := &fakePlatform{}
	p := newTestProvisioner(t, platform)

	spec := testSpec()
	spec.ID = 250

	handle, err := p.Create(context.Background(), spec, container.Secrets{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if handle.ID != 250 {
		t.Errorf("handle.ID = %d, want 250", handle.ID)
	}
	if platform.nextIDCalls != 0 {
		t.Errorf("NextFreeID called %d times for explicit id, want 0", platform.nextIDCalls)
	}
}

func TestCreateRejectsBadFlakeRefBeforePlatformCalls(t *testing.T) {
	t.Parallel()

	platform := &fakePlatform{}
	p := newTestProvisioner(t, platform)

	spec := testSpec()
	spec.Source = container.Source{Flake: &container.FlakeRef{URL: "file:///etc/passwd"}}

	_, err := p.Create(context.Background(), spec, container.Secrets{})
	var refErr *container.ReferenceFormatError
	if !errors.As(err, &refErr) {
		t.Fatalf("Create() error = %v, want ReferenceFormatError", err)
	}
	if platform.nextIDCalls != 0 || len(platform.created) != 0 {
		t.Error("platform was touched despite validation failure")
	}
}

func TestCreateRejectsNewlinePassword(t *testing.T) {
	t.Parallel()

	platform := &fakePlatform{}
	p := newTestProvisioner(t, platform)

	// chpasswd is line-oriented; the second line would set another
	// account's password.
	secrets := container.Secrets{Password: "good\nnobody:pwned"}
	_, err := p.Create(context.Background(), testSpec(), secrets)
	var specErr *container.SpecError
	if !errors.As(err, &specErr) {
		t.Fatalf("Create() error = %v, want SpecError", err)
	}
	if platform.nextIDCalls != 0 || len(platform.created) != 0 {
		t.Error("platform was touched despite credential validation failure")
	}

	if err := p.Configure(context.Background(), 100, container.Source{}, secrets); !errors.As(err, &specErr) {
		t.Errorf("Configure() error = %v, want SpecError", err)
	}
	if len(platform.pushes) != 0 {
		t.Error("artifacts pushed despite credential validation failure")
	}
}

func TestCreateIDAllocationFailure(t *testing.T) {
	t.Parallel()

	platform := &fakePlatform{nextIDErr: errors.New("connection refused")}
	p := newTestProvisioner(t, platform)

	_, err := p.Create(context.Background(), testSpec(), container.Secrets{})
	var allocErr *container.IDAllocationError
	if !errors.As(err, &allocErr) {
		t.Fatalf("Create() error = %v, want IDAllocationError", err)
	}
	if len(platform.created) != 0 {
		t.Error("instance created despite id allocation failure")
	}
}

func TestCreateStartFailureCarriesID(t *testing.T) {
	t.Parallel()

	platform := &fakePlatform{startErr: errors.New("cgroup busy")}
	p := newTestProvisioner(t, platform)

	_, err := p.Create(context.Background(), testSpec(), container.Secrets{})
	var startErr *container.StartError
	if !errors.As(err, &startErr) {
		t.Fatalf("Create() error = %v, want StartError", err)
	}
	if startErr.ID != 100 {
		t.Errorf("StartError.ID = %d, want 100", startErr.ID)
	}
	// The defined instance must survive for inspection.
	if len(platform.created) != 1 {
		t.Errorf("created instances = %d, want 1 left in place", len(platform.created))
	}
}

func TestCreateBootstrapFailure(t *testing.T) {
	t.Parallel()

	platform := &fakePlatform{execResult: ExecResult{ExitCode: 2, Output: "builder failed"}}
	p := newTestProvisioner(t, platform)

	_, err := p.Create(context.Background(), testSpec(), container.Secrets{})
	var bootErr *container.BootstrapError
	if !errors.As(err, &bootErr) {
		t.Fatalf("Create() error = %v, want BootstrapError", err)
	}
	if bootErr.ID != 100 || bootErr.ExitCode != 2 {
		t.Errorf("BootstrapError = %+v, want id 100 exit 2", bootErr)
	}
	if bootErr.Output != "builder failed" {
		t.Errorf("BootstrapError.Output = %q", bootErr.Output)
	}
}

func TestConfigureUsesPlatformDescription(t *testing.T) {
	t.Parallel()

	platform := &fakePlatform{describe: InstanceInfo{
		ID:           140,
		Hostname:     "edge02",
		Unprivileged: true,
		Running:      true,
		Version:      "24.05",
	}}
	p := newTestProvisioner(t, platform)

	err := p.Configure(context.Background(), 140, container.Source{}, container.Secrets{})
	if err != nil {
		t.Fatalf("Configure() error = %v", err)
	}

	if len(platform.pushes) != 2 {
		t.Fatalf("Push called %d times, want 2", len(platform.pushes))
	}
	if got := platform.pushes[0].content; !strings.Contains(got, `networking.hostName = "edge02"`) {
		t.Errorf("re-rendered config does not use platform hostname:\n%s", got)
	}
	if len(platform.created) != 0 || len(platform.started) != 0 {
		t.Error("Configure created or started an instance")
	}
}

func TestConfigureDescribeFailure(t *testing.T) {
	t.Parallel()

	platform := &fakePlatform{describeErr: errors.New("no such domain")}
	p := newTestProvisioner(t, platform)

	if err := p.Configure(context.Background(), 999, container.Source{}, container.Secrets{}); err == nil {
		t.Fatal("Configure() with unknown instance succeeded")
	}
	if len(platform.pushes) != 0 {
		t.Error("artifacts pushed despite describe failure")
	}
}
