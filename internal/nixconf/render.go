// Package nixconf renders guest system configurations. Rendering is a
// pure transform from (spec, secrets, template store) to text; the
// orchestrator owns writing the result anywhere.
package nixconf

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nixlet/nixlet/internal/container"
	"github.com/nixlet/nixlet/internal/templates"
)

// Schemes a flake reference may use. Anything else is rejected before
// the platform is touched.
var allowedRefPrefixes = []string{
	"https://",
	"git+https://",
	"tarball+https://",
	"github:",
	"gitlab:",
	"sourcehut:",
	"flake:",
}

// Renderer produces configuration text from one of three sources:
// a flake reference, a named template, or the built-in minimal body.
type Renderer struct {
	Templates *templates.Store
}

// Render produces the guest configuration for the spec. It sets
// spec.UsesFlake so downstream consumers do not re-derive flake mode
// from rendered text.
func (r *Renderer) Render(spec *container.Spec, secrets container.Secrets) (string, error) {
	if spec == nil {
		return "", fmt.Errorf("spec is required")
	}
	if err := spec.Validate(); err != nil {
		return "", err
	}

	subs := standardSubstitutions(*spec, secrets)

	if spec.Source.Flake != nil {
		if err := ValidateFlakeRef(spec.Source.Flake.URL); err != nil {
			return "", err
		}
		spec.UsesFlake = true
		return renderFlake(*spec.Source.Flake, subs)
	}
	spec.UsesFlake = false

	body, err := r.resolveBody(spec.Source.Template, subs)
	if err != nil {
		return "", err
	}

	rendered := substitute(body, subs)
	if leftover := unresolvedPlaceholders(rendered); len(leftover) > 0 {
		return "", fmt.Errorf("unresolved placeholders after substitution: %s", strings.Join(leftover, ", "))
	}
	return rendered, nil
}

// ValidateFlakeRef checks the reference against the scheme allow-list.
func ValidateFlakeRef(ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return &container.ReferenceFormatError{Reference: ref}
	}
	for _, prefix := range allowedRefPrefixes {
		if strings.HasPrefix(ref, prefix) {
			return nil
		}
	}
	return &container.ReferenceFormatError{Reference: ref}
}

func (r *Renderer) resolveBody(name string, subs map[string]string) (string, error) {
	if name == "" {
		name = "minimal"
	}
	if r.Templates == nil {
		return "", fmt.Errorf("template store is not configured")
	}

	tmpl, err := r.Templates.Get(name)
	if err != nil {
		return "", err
	}

	// Template-declared variables fall back to their declared defaults.
	// TODO: accept per-variable overrides on the create call.
	for key, value := range tmpl.Metadata.Variables {
		if _, taken := subs[key]; !taken {
			subs[key] = escapeNixString(value)
		}
	}
	return tmpl.Body, nil
}

func standardSubstitutions(spec container.Spec, secrets container.Secrets) map[string]string {
	return map[string]string{
		"HOSTNAME":   escapeNixString(spec.Name),
		"VERSION":    escapeNixString(spec.Version),
		"PRIVILEGED": nixBool(!spec.Unprivileged),
		"PASSWORD":   escapeNixString(secrets.Password),
		"SSH_KEYS":   SSHKeyBlock(secrets.SSHKeys),
	}
}

func renderFlake(ref container.FlakeRef, subs map[string]string) (string, error) {
	target := strings.TrimSpace(ref.URL)
	if pin := strings.TrimSpace(ref.Pin); pin != "" {
		target += "?rev=" + pin
	}

	var b strings.Builder
	b.WriteString("{ config, pkgs, lib, ... }:\n\n{\n")
	b.WriteString("  boot.isContainer = true;\n\n")
	fmt.Fprintf(&b, "  networking.hostName = \"%s\";\n\n", subs["HOSTNAME"])
	b.WriteString("  nix.settings.experimental-features = [ \"nix-command\" \"flakes\" ];\n\n")
	b.WriteString("  # First boot switches to this flake; upgrades keep following it.\n")
	fmt.Fprintf(&b, "  system.autoUpgrade.flake = \"%s\";\n\n", escapeNixString(target))
	fmt.Fprintf(&b, "  system.stateVersion = \"%s\";\n", subs["VERSION"])
	b.WriteString("}\n")
	return b.String(), nil
}

// SSHKeyBlock renders authorized keys as quoted, space-joined entries in
// input order. An empty key set yields an empty block, not an error.
func SSHKeyBlock(keys []string) string {
	var quoted []string
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		quoted = append(quoted, `"`+escapeNixString(key)+`"`)
	}
	return strings.Join(quoted, " ")
}

// escapeNixString escapes a value for inclusion inside a double-quoted
// Nix string. Quotes, backslashes, interpolation markers and newlines
// cannot break out of the field.
func escapeNixString(s string) string {
	return nixReplacer.Replace(s)
}

var nixReplacer = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"${", `\${`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

func nixBool(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func substitute(body string, subs map[string]string) string {
	pairs := make([]string, 0, len(subs)*2)
	for key, value := range subs {
		pairs = append(pairs, "{{"+key+"}}", value)
	}
	return strings.NewReplacer(pairs...).Replace(body)
}

func unresolvedPlaceholders(rendered string) []string {
	var found []string
	rest := rendered
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			break
		}
		rest = rest[open+2:]
		close := strings.Index(rest, "}}")
		if close < 0 {
			break
		}
		found = append(found, rest[:close])
		rest = rest[close+2:]
	}
	sort.Strings(found)
	return found
}
