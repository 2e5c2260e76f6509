// Package libvirtlxc drives a libvirt LXC host. Domains are defined
// from a rendered XML template; file injection goes through the
// directory-backed container root; in-guest execution uses the host's
// virsh lxc-enter-namespace entry point.
package libvirtlxc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	libvirt "libvirt.org/go/libvirt"

	"github.com/nixlet/nixlet/internal/container"
	"github.com/nixlet/nixlet/internal/provision"
)

// Ensure the adapter satisfies the orchestrator's platform contract.
var _ provision.Platform = (*Adapter)(nil)

// DefaultConnectionURI is the local LXC hypervisor driver.
const DefaultConnectionURI = "lxc:///system"

// Adapter implements the platform operations against libvirt.
type Adapter struct {
	ConnectionURI string
	// Bridge is the host bridge instances attach to.
	Bridge string
	Logger *slog.Logger
}

func (a *Adapter) connect() (*libvirt.Connect, error) {
	uri := a.ConnectionURI
	if uri == "" {
		uri = DefaultConnectionURI
	}
	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return nil, fmt.Errorf("open libvirt connection %s: %w", uri, err)
	}
	return conn, nil
}

// NextFreeID scans existing managed domains and returns the lowest
// unused instance id.
func (a *Adapter) NextFreeID(ctx context.Context) (int, error) {
	conn, err := a.connect()
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	domains, err := conn.ListAllDomains(0)
	if err != nil {
		return 0, fmt.Errorf("list domains: %w", err)
	}

	var names []string
	for i := range domains {
		if name, err := domains[i].GetName(); err == nil {
			names = append(names, name)
		}
		domains[i].Free()
	}
	return nextFreeID(names), nil
}

// Create unpacks the base image into a pool-backed root directory and
// defines the domain. The instance is not started.
func (a *Adapter) Create(ctx context.Context, spec container.Spec, image container.ImageReference) error {
	if !image.Exists || image.Path == "" {
		return errors.New("base image is not resolved")
	}

	conn, err := a.connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	poolPath, err := a.poolTargetPath(conn, spec.Pool)
	if err != nil {
		return err
	}

	instanceDir := filepath.Join(poolPath, domainName(spec.ID))
	rootFS := filepath.Join(instanceDir, "rootfs")
	if _, err := os.Stat(rootFS); err == nil {
		return fmt.Errorf("instance directory %s already exists", rootFS)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat instance directory: %w", err)
	}
	if err := os.MkdirAll(rootFS, 0o755); err != nil {
		return fmt.Errorf("create rootfs directory: %w", err)
	}

	if err := a.unpackImage(ctx, image.Path, rootFS); err != nil {
		removeErr := os.RemoveAll(instanceDir)
		if removeErr != nil {
			a.logger().Warn("failed to remove partial rootfs", "dir", instanceDir, "error", removeErr)
		}
		return err
	}

	if spec.Unprivileged {
		// The idmap makes host uid idMapBase appear as root inside the
		// container, so the extracted tree has to be shifted to match.
		if _, _, err := a.runHost(ctx, "chown", "-R", "-h",
			fmt.Sprintf("%d:%d", idMapBase, idMapBase), rootFS); err != nil {
			return fmt.Errorf("shift rootfs ownership: %w", err)
		}
	}

	data, err := buildDomainTemplateData(spec, rootFS, a.bridge())
	if err != nil {
		return err
	}
	domainXML, err := renderDomainXML(data)
	if err != nil {
		return err
	}

	domain, err := conn.DomainDefineXML(string(domainXML))
	if err != nil {
		return fmt.Errorf("define domain %s: %w", data.Name, err)
	}
	defer domain.Free()

	if err := domain.SetAutostart(spec.StartOnBoot); err != nil {
		a.logger().Warn("unable to set domain autostart", "domain", data.Name, "error", err)
	}

	a.logger().Info("domain defined", "domain", data.Name, "rootfs", rootFS)
	return nil
}

// Start boots a defined instance.
func (a *Adapter) Start(ctx context.Context, id int) error {
	return a.withDomain(id, func(domain *libvirt.Domain) error {
		if err := domain.Create(); err != nil {
			return fmt.Errorf("start domain: %w", err)
		}
		return nil
	})
}

// Ready reports whether the container's init process is observable.
func (a *Adapter) Ready(ctx context.Context, id int) (bool, error) {
	ready := false
	err := a.withDomain(id, func(domain *libvirt.Domain) error {
		active, err := domain.IsActive()
		if err != nil {
			return fmt.Errorf("query domain active: %w", err)
		}
		if !active {
			return nil
		}
		// An active LXC domain only has a libvirt id once init is up.
		if _, err := domain.GetID(); err == nil {
			ready = true
		}
		return nil
	})
	return ready, err
}

// Push writes content through the container's directory-backed root.
func (a *Adapter) Push(ctx context.Context, id int, content []byte, remotePath string, mode fs.FileMode) error {
	doc, err := a.describeDoc(id)
	if err != nil {
		return err
	}
	rootFS, err := doc.rootFSDir()
	if err != nil {
		return err
	}

	hostPath := filepath.Join(rootFS, strings.TrimPrefix(remotePath, "/"))
	if err := os.MkdirAll(filepath.Dir(hostPath), 0o755); err != nil {
		return fmt.Errorf("create parent directory for %s: %w", remotePath, err)
	}
	if err := os.WriteFile(hostPath, content, mode); err != nil {
		return fmt.Errorf("write %s: %w", remotePath, err)
	}
	if doc.note().Unprivileged {
		if err := os.Chown(hostPath, idMapBase, idMapBase); err != nil {
			return fmt.Errorf("chown %s: %w", remotePath, err)
		}
	}
	return nil
}

// Exec runs a command inside the instance and waits for it. A non-zero
// exit is reported in the result, not as an error.
func (a *Adapter) Exec(ctx context.Context, id int, command []string) (provision.ExecResult, error) {
	if len(command) == 0 {
		return provision.ExecResult{}, errors.New("command is required")
	}

	args := append(a.virshArgs("lxc-enter-namespace", domainName(id), "--noseclabel"), command...)
	output, exitCode, err := a.runHost(ctx, "virsh", args...)
	if err != nil {
		return provision.ExecResult{}, err
	}
	return provision.ExecResult{ExitCode: exitCode, Output: output}, nil
}

// Attach opens an interactive login shell on the caller's terminal.
// The -l flag makes the guest shell source its profile files.
func (a *Adapter) Attach(ctx context.Context, id int) error {
	args := append(a.virshArgs("lxc-enter-namespace", domainName(id), "--noseclabel"), "/bin/sh", "-l")
	cmd := exec.CommandContext(ctx, "virsh", args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// Describe returns the instance's current configuration, recovered from
// the domain definition.
func (a *Adapter) Describe(ctx context.Context, id int) (provision.InstanceInfo, error) {
	info := provision.InstanceInfo{ID: id}
	err := a.withDomain(id, func(domain *libvirt.Domain) error {
		raw, err := domain.GetXMLDesc(0)
		if err != nil {
			return fmt.Errorf("read domain definition: %w", err)
		}
		doc, err := parseDomainDoc(raw)
		if err != nil {
			return err
		}

		note := doc.note()
		info.Hostname = note.Hostname
		info.Unprivileged = note.Unprivileged
		info.Version = note.Version
		info.Config = map[string]string{
			"domain": doc.Name,
		}
		if rootFS, err := doc.rootFSDir(); err == nil {
			info.Config["rootfs"] = rootFS
		}

		active, err := domain.IsActive()
		if err != nil {
			return fmt.Errorf("query domain active: %w", err)
		}
		info.Running = active
		return nil
	})
	return info, err
}

// StoragePools lists the host's storage pools with free space.
func (a *Adapter) StoragePools(ctx context.Context) ([]provision.Pool, error) {
	conn, err := a.connect()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	pools, err := conn.ListAllStoragePools(0)
	if err != nil {
		return nil, fmt.Errorf("list storage pools: %w", err)
	}

	var result []provision.Pool
	for i := range pools {
		pool := &pools[i]
		name, err := pool.GetName()
		if err != nil {
			pool.Free()
			continue
		}
		entry := provision.Pool{Name: name}
		if raw, err := pool.GetXMLDesc(0); err == nil {
			if doc, err := parseStoragePoolDoc(raw); err == nil {
				entry.Type = doc.Type
			}
		}
		if poolInfo, err := pool.GetInfo(); err == nil {
			entry.FreeBytes = poolInfo.Available
		}
		pool.Free()
		result = append(result, entry)
	}
	return result, nil
}

func (a *Adapter) poolTargetPath(conn *libvirt.Connect, poolName string) (string, error) {
	pool, err := conn.LookupStoragePoolByName(poolName)
	if err != nil {
		return "", fmt.Errorf("lookup storage pool %q: %w", poolName, err)
	}
	defer pool.Free()

	raw, err := pool.GetXMLDesc(0)
	if err != nil {
		return "", fmt.Errorf("read storage pool %q: %w", poolName, err)
	}
	doc, err := parseStoragePoolDoc(raw)
	if err != nil {
		return "", err
	}
	if doc.Type != "dir" {
		return "", fmt.Errorf("storage pool %q has type %q, need a dir pool", poolName, doc.Type)
	}
	if doc.Target.Path == "" {
		return "", fmt.Errorf("storage pool %q has no target path", poolName)
	}
	return doc.Target.Path, nil
}

func (a *Adapter) unpackImage(ctx context.Context, imagePath, rootFS string) error {
	tarBin, err := exec.LookPath("tar")
	if err != nil {
		return fmt.Errorf("tar not found in PATH: %w", err)
	}
	output, exitCode, err := a.runHost(ctx, tarBin, "--numeric-owner", "-xpf", imagePath, "-C", rootFS)
	if err != nil {
		return fmt.Errorf("unpack image: %w", err)
	}
	if exitCode != 0 {
		return fmt.Errorf("unpack image: tar exit code %d: %s", exitCode, strings.TrimSpace(output))
	}
	return nil
}

func (a *Adapter) describeDoc(id int) (domainDoc, error) {
	var doc domainDoc
	err := a.withDomain(id, func(domain *libvirt.Domain) error {
		raw, err := domain.GetXMLDesc(0)
		if err != nil {
			return fmt.Errorf("read domain definition: %w", err)
		}
		doc, err = parseDomainDoc(raw)
		return err
	})
	return doc, err
}

func (a *Adapter) withDomain(id int, fn func(*libvirt.Domain) error) error {
	conn, err := a.connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	domain, err := conn.LookupDomainByName(domainName(id))
	if err != nil {
		if isLibvirtError(err, libvirt.ERR_NO_DOMAIN) {
			return fmt.Errorf("container %d does not exist", id)
		}
		return fmt.Errorf("lookup domain %s: %w", domainName(id), err)
	}
	defer domain.Free()

	return fn(domain)
}

// runHost executes a host command, returning combined output and the
// exit code. A non-zero exit is not an error.
func (a *Adapter) runHost(ctx context.Context, name string, args ...string) (string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return string(output), exitErr.ExitCode(), nil
		}
		return string(output), 0, fmt.Errorf("run %s: %w", name, err)
	}
	return string(output), 0, nil
}

func (a *Adapter) virshArgs(args ...string) []string {
	uri := a.ConnectionURI
	if uri == "" {
		uri = DefaultConnectionURI
	}
	return append([]string{"-c", uri}, args...)
}

func (a *Adapter) bridge() string {
	if a.Bridge != "" {
		return a.Bridge
	}
	return container.StandardDefaults().Bridge
}

func (a *Adapter) logger() *slog.Logger {
	if a != nil && a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

func isLibvirtError(err error, codes ...libvirt.ErrorNumber) bool {
	if err == nil {
		return false
	}
	var libErr libvirt.Error
	if !errors.As(err, &libErr) {
		return false
	}
	return slices.Contains(codes, libErr.Code)
}
