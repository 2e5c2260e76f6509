// Package setup prepares host networking for container attachments:
// the bridge every instance connects to, forwarding sysctls, NAT rules,
// and the namespace that hosts the DHCP helper for dhcp-mode containers.
package setup

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"text/template"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

// Config captures the parameters of the host network layout.
type Config struct {
	Bridge         string
	GatewayCIDR    string
	ContainerCIDR  string
	DHCPNamespace  string
	VethHost       string
	VethNamespace  string
	DHCPHelperCIDR string
}

// DefaultConfig is the layout written on first setup.
var DefaultConfig = Config{
	Bridge:         "br0",
	GatewayCIDR:    "10.42.0.1/24",
	ContainerCIDR:  "10.42.0.0/24",
	DHCPNamespace:  "nixlet-dhcp",
	VethHost:       "veth-nixlet-br",
	VethNamespace:  "veth-nixlet-ns",
	DHCPHelperCIDR: "10.42.0.2/24",
}

//go:embed container_net.nft
var natRules string

// SetupNetwork provisions the bridge, forwarding sysctls, NAT rules and
// the DHCP helper namespace. Idempotent: re-running converges on the
// same state.
func SetupNetwork(ctx context.Context) error {
	if os.Geteuid() != 0 {
		return errors.New("run me as root")
	}
	if _, err := exec.LookPath("nft"); err != nil {
		return fmt.Errorf("nft not found: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	gateway, err := netlink.ParseAddr(cfg.GatewayCIDR)
	if err != nil {
		return fmt.Errorf("parse gateway address: %w", err)
	}
	helperAddr, err := netlink.ParseAddr(cfg.DHCPHelperCIDR)
	if err != nil {
		return fmt.Errorf("parse DHCP helper address: %w", err)
	}

	if err := ensureBridge(cfg.Bridge, gateway); err != nil {
		return err
	}
	if err := ensureDHCPNamespace(cfg, helperAddr, gateway); err != nil {
		return err
	}
	if err := enableForwarding(); err != nil {
		return err
	}
	return programNAT(ctx, cfg)
}

// Verify checks that setup has been run: the config file exists and the
// bridge is present.
func Verify() error {
	cfg, err := readConfigFile()
	if err != nil {
		return err
	}
	if _, err := netlink.LinkByName(cfg.Bridge); err != nil {
		return fmt.Errorf("bridge %s not found, run 'nixlet setup': %w", cfg.Bridge, err)
	}
	return nil
}

// ClearConfig removes the persisted network configuration so the next
// setup starts from defaults.
func ClearConfig() error {
	path := filepath.Join(ConfigDir, "networking.json")
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// LoadedConfig returns the persisted configuration, or the defaults if
// none has been written yet.
func LoadedConfig() Config {
	cfg, err := readConfigFile()
	if err != nil {
		return DefaultConfig
	}
	return cfg
}

func loadConfig() (Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if err := writeConfigFile(DefaultConfig); err != nil {
				return Config{}, err
			}
			return DefaultConfig, nil
		}
		return Config{}, err
	}
	return cfg, nil
}

func readConfigFile() (Config, error) {
	data, err := os.ReadFile(filepath.Join(ConfigDir, "networking.json"))
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode persisted network config: %w", err)
	}
	return cfg, nil
}

func writeConfigFile(cfg Config) error {
	if err := os.MkdirAll(ConfigDir, 0o755); err != nil {
		return fmt.Errorf("make config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal network config: %w", err)
	}
	tmpPath := filepath.Join(ConfigDir, "networking.json.tmp")
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp network config: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(ConfigDir, "networking.json")); err != nil {
		return fmt.Errorf("rename network config: %w", err)
	}
	return nil
}

func ensureBridge(name string, gateway *netlink.Addr) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		if !isLinkNotFound(err) {
			return fmt.Errorf("lookup bridge %s: %w", name, err)
		}
		br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}
		if err := netlink.LinkAdd(br); err != nil && !errors.Is(err, syscall.EEXIST) {
			return fmt.Errorf("create bridge %s: %w", name, err)
		}
		if link, err = netlink.LinkByName(name); err != nil {
			return fmt.Errorf("lookup bridge %s after create: %w", name, err)
		}
	}
	if err := ensureAddress(nil, link, gateway); err != nil {
		return err
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring %s up: %w", name, err)
	}
	return nil
}

// ensureDHCPNamespace keeps a dedicated namespace with a veth into the
// bridge where the DHCP helper serves dhcp-mode containers.
func ensureDHCPNamespace(cfg Config, helperAddr, gateway *netlink.Addr) error {
	hostHandle, err := netlink.NewHandle()
	if err != nil {
		return fmt.Errorf("host netlink handle: %w", err)
	}
	defer hostHandle.Close()

	ns, err := netns.GetFromName(cfg.DHCPNamespace)
	if err != nil {
		if !errors.Is(err, syscall.ENOENT) {
			return fmt.Errorf("get netns %s: %w", cfg.DHCPNamespace, err)
		}
		if ns, err = netns.NewNamed(cfg.DHCPNamespace); err != nil {
			return fmt.Errorf("create netns %s: %w", cfg.DHCPNamespace, err)
		}
	}
	defer ns.Close()

	nsHandle, err := netlink.NewHandleAt(ns)
	if err != nil {
		return fmt.Errorf("netlink handle for %s: %w", cfg.DHCPNamespace, err)
	}
	defer nsHandle.Close()

	hostLink, err := hostHandle.LinkByName(cfg.VethHost)
	if err != nil {
		if !isLinkNotFound(err) {
			return fmt.Errorf("lookup %s: %w", cfg.VethHost, err)
		}
		veth := &netlink.Veth{
			LinkAttrs: netlink.LinkAttrs{Name: cfg.VethHost},
			PeerName:  cfg.VethNamespace,
		}
		if err := hostHandle.LinkAdd(veth); err != nil && !errors.Is(err, syscall.EEXIST) {
			return fmt.Errorf("create veth pair: %w", err)
		}
		if hostLink, err = hostHandle.LinkByName(cfg.VethHost); err != nil {
			return fmt.Errorf("lookup veth host end: %w", err)
		}
	}

	if _, err := nsHandle.LinkByName(cfg.VethNamespace); err != nil {
		if !isLinkNotFound(err) {
			return fmt.Errorf("lookup namespace veth end: %w", err)
		}
		peer, err := hostHandle.LinkByName(cfg.VethNamespace)
		if err != nil {
			return fmt.Errorf("lookup veth peer %s: %w", cfg.VethNamespace, err)
		}
		if err := hostHandle.LinkSetNsFd(peer, int(ns)); err != nil && !errors.Is(err, syscall.EEXIST) {
			return fmt.Errorf("move %s into namespace: %w", cfg.VethNamespace, err)
		}
	}

	bridgeLink, err := hostHandle.LinkByName(cfg.Bridge)
	if err != nil {
		return fmt.Errorf("lookup bridge %s: %w", cfg.Bridge, err)
	}
	if err := hostHandle.LinkSetMaster(hostLink, bridgeLink); err != nil && !errors.Is(err, syscall.EEXIST) && !errors.Is(err, syscall.EBUSY) {
		return fmt.Errorf("enslave %s to %s: %w", cfg.VethHost, cfg.Bridge, err)
	}
	if err := hostHandle.LinkSetUp(hostLink); err != nil {
		return fmt.Errorf("bring %s up: %w", cfg.VethHost, err)
	}

	if lo, err := nsHandle.LinkByName("lo"); err == nil {
		if err := nsHandle.LinkSetUp(lo); err != nil {
			return fmt.Errorf("bring lo up: %w", err)
		}
	}
	nsVeth, err := nsHandle.LinkByName(cfg.VethNamespace)
	if err != nil {
		return fmt.Errorf("lookup %s in namespace: %w", cfg.VethNamespace, err)
	}
	if err := ensureAddress(nsHandle, nsVeth, helperAddr); err != nil {
		return err
	}
	if err := nsHandle.LinkSetUp(nsVeth); err != nil {
		return fmt.Errorf("bring %s up: %w", cfg.VethNamespace, err)
	}
	if err := nsHandle.RouteReplace(&netlink.Route{
		LinkIndex: nsVeth.Attrs().Index,
		Gw:        gateway.IP,
	}); err != nil {
		return fmt.Errorf("default route via %s: %w", gateway.IP, err)
	}
	return nil
}

// ensureAddress adds the address unless it is already assigned. A nil
// handle uses the host namespace.
func ensureAddress(handle *netlink.Handle, link netlink.Link, addr *netlink.Addr) error {
	var existing []netlink.Addr
	var err error
	if handle != nil {
		existing, err = handle.AddrList(link, unix.AF_INET)
	} else {
		existing, err = netlink.AddrList(link, unix.AF_INET)
	}
	if err != nil {
		return fmt.Errorf("list addresses on %s: %w", link.Attrs().Name, err)
	}
	for _, a := range existing {
		if a.IP.Equal(addr.IP) && bytes.Equal(a.Mask, addr.Mask) {
			return nil
		}
	}
	if handle != nil {
		err = handle.AddrReplace(link, addr)
	} else {
		err = netlink.AddrReplace(link, addr)
	}
	if err != nil {
		return fmt.Errorf("assign %s to %s: %w", addr, link.Attrs().Name, err)
	}
	return nil
}

func enableForwarding() error {
	if err := os.WriteFile("/proc/sys/net/ipv4/ip_forward", []byte("1"), 0o644); err != nil {
		return fmt.Errorf("enable ip_forward: %w", err)
	}
	return nil
}

type natTemplateData struct {
	ContainerCIDR string
	Bridge        string
}

func programNAT(ctx context.Context, cfg Config) error {
	tmpl, err := template.New("container_net").Parse(natRules)
	if err != nil {
		return fmt.Errorf("parse nft template: %w", err)
	}

	var rendered bytes.Buffer
	if err := tmpl.Execute(&rendered, natTemplateData{
		ContainerCIDR: cfg.ContainerCIDR,
		Bridge:        cfg.Bridge,
	}); err != nil {
		return fmt.Errorf("render nft template: %w", err)
	}

	cmd := exec.CommandContext(ctx, "nft", "-f", "-")
	cmd.Stdin = bytes.NewReader(rendered.Bytes())
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("apply nft rules: %w", err)
	}
	return nil
}

func isLinkNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT) {
		return true
	}
	var notFound netlink.LinkNotFoundError
	return errors.As(err, &notFound)
}
