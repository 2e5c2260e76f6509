// Package bootstrap builds the guest-side script that finalizes
// configuration on first boot. Building is deterministic and performs
// no I/O; the orchestrator injects and executes the result.
package bootstrap

import (
	"fmt"
	"strings"

	"github.com/nixlet/nixlet/internal/container"
)

// GuestPath is where the orchestrator installs the script inside the
// container.
const GuestPath = "/root/nixlet-bootstrap.sh"

// Build renders the first-boot script for the spec. Flake mode is taken
// from spec.UsesFlake, set by the renderer; the script never inspects
// the rendered configuration to detect it.
func Build(spec container.Spec, secrets container.Secrets) string {
	var b strings.Builder

	b.WriteString("#!/bin/sh\n")
	b.WriteString("set -eu\n\n")

	// Container images ship the nix tooling paths via the profile files.
	b.WriteString("[ -f /etc/profile ] && . /etc/profile\n")
	b.WriteString("[ -f /etc/set-environment ] && . /etc/set-environment\n\n")

	if spec.UsesFlake {
		b.WriteString("export NIX_CONFIG=\"experimental-features = nix-command flakes\"\n\n")
	}

	if secrets.Password != "" {
		fmt.Fprintf(&b, "echo root:%s | chpasswd\n\n", shellQuote(secrets.Password))
	}

	if spec.UsesFlake && spec.Source.Flake != nil {
		fmt.Fprintf(&b, "nixos-rebuild switch --flake %s\n", shellQuote(flakeTarget(*spec.Source.Flake, spec.Name)))
	} else {
		b.WriteString("nix-channel --update\n")
		b.WriteString("nixos-rebuild switch\n")
	}

	return b.String()
}

// UpdateScript is the channel-update-and-rebuild sequence used by the
// update operation.
func UpdateScript() string {
	return "#!/bin/sh\nset -eu\n[ -f /etc/profile ] && . /etc/profile\nnix-channel --update\nnixos-rebuild switch --upgrade\n"
}

func flakeTarget(ref container.FlakeRef, fallbackHost string) string {
	target := strings.TrimSpace(ref.URL)
	if pin := strings.TrimSpace(ref.Pin); pin != "" {
		target += "?rev=" + pin
	}
	host := strings.TrimSpace(ref.Host)
	if host == "" {
		host = fallbackHost
	}
	if host != "" {
		target += "#" + host
	}
	return target
}

// shellQuote wraps a value in single quotes so it reaches the guest
// shell as one literal word.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
