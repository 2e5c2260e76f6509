package container

import "strings"

// NetworkMode selects how the container acquires its address.
type NetworkMode string

// Supported network modes.
const (
	NetworkDHCP   NetworkMode = "dhcp"
	NetworkStatic NetworkMode = "static"
)

// Network describes the container's network attachment.
type Network struct {
	Mode      NetworkMode
	Address   string // static mode only
	PrefixLen int    // static mode only
	Gateway   string // required in static mode
	DNS       []string
}

// FlakeRef points at a remote reproducible configuration source.
type FlakeRef struct {
	URL  string
	Pin  string // optional revision or ref
	Host string // optional flake output attribute, defaults to the container name
}

// Source selects where the rendered configuration comes from.
// Priority: flake reference, then named template, then the built-in body.
type Source struct {
	Flake    *FlakeRef
	Template string
}

// Spec is the full set of provisioning parameters for one container.
type Spec struct {
	ID   int // 0 means "allocate the next free id"
	Name string

	Cores    int
	MemoryMB int
	SwapMB   int
	DiskGB   int

	Pool    string
	Network Network

	Unprivileged bool
	Nesting      bool
	StartOnBoot  bool
	Tags         []string

	Source Source

	// Version of the base system image, e.g. "24.05".
	Version string

	// UsesFlake is derived from Source during rendering and consumed by the
	// bootstrap builder. Carried explicitly instead of re-deriving it from
	// rendered text.
	UsesFlake bool
}

// Secrets holds per-attempt credentials. Never persisted or cached.
type Secrets struct {
	Password string
	SSHKeys  []string
}

// Validate rejects credential values that cannot be carried through the
// line-oriented guest tooling. chpasswd reads one record per line, so a
// newline inside the password would smuggle in a second record.
func (s Secrets) Validate() error {
	if strings.ContainsAny(s.Password, "\n\r") {
		return &SpecError{Field: "password", Reason: "must not contain newline characters"}
	}
	return nil
}

// ImageReference locates a base image artifact confirmed present on disk.
type ImageReference struct {
	Version string
	Path    string
	Exists  bool
}

// Rendered holds the fully substituted artifacts for one provisioning
// attempt. Owned by that attempt only; embeds secrets.
type Rendered struct {
	Config    string
	Bootstrap string
}

// Defaults is the immutable default parameter set handed to the wiring
// layer. Callers copy it and override fields; nothing mutates it in place.
type Defaults struct {
	Version  string
	Cores    int
	MemoryMB int
	SwapMB   int
	DiskGB   int
	Pool     string
	Bridge   string
}

// StandardDefaults returns the built-in resource sizing.
func StandardDefaults() Defaults {
	return Defaults{
		Version:  "24.05",
		Cores:    2,
		MemoryMB: 2048,
		SwapMB:   512,
		DiskGB:   8,
		Pool:     "default",
		Bridge:   "br0",
	}
}

// ApplyDefaults fills zero-valued resource fields from the defaults.
func (s *Spec) ApplyDefaults(d Defaults) {
	if s.Version == "" {
		s.Version = d.Version
	}
	if s.Cores == 0 {
		s.Cores = d.Cores
	}
	if s.MemoryMB == 0 {
		s.MemoryMB = d.MemoryMB
	}
	if s.SwapMB == 0 {
		s.SwapMB = d.SwapMB
	}
	if s.DiskGB == 0 {
		s.DiskGB = d.DiskGB
	}
	if s.Pool == "" {
		s.Pool = d.Pool
	}
	if s.Network.Mode == "" {
		s.Network.Mode = NetworkDHCP
	}
}

// Validate checks the invariants that must hold before any platform
// mutation. Template existence is checked separately by the template store.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return &SpecError{Field: "name", Reason: "container name is required"}
	}
	switch s.Network.Mode {
	case NetworkDHCP:
	case NetworkStatic:
		if strings.TrimSpace(s.Network.Address) == "" {
			return &SpecError{Field: "network.address", Reason: "static mode requires an address"}
		}
		if s.Network.PrefixLen <= 0 || s.Network.PrefixLen > 32 {
			return &SpecError{Field: "network.prefix", Reason: "static mode requires a prefix length between 1 and 32"}
		}
		if strings.TrimSpace(s.Network.Gateway) == "" {
			return &MissingGatewayError{Name: s.Name}
		}
	default:
		return &SpecError{Field: "network.mode", Reason: "unknown network mode " + string(s.Network.Mode)}
	}
	return nil
}
