package container

import (
	"fmt"
	"strings"
)

// SpecError reports an invalid provisioning parameter.
type SpecError struct {
	Field  string
	Reason string
}

func (e *SpecError) Error() string {
	return fmt.Sprintf("invalid spec field %s: %s", e.Field, e.Reason)
}

// MissingGatewayError reports a static network configuration without a
// gateway. Detected before any platform call.
type MissingGatewayError struct {
	Name string
}

func (e *MissingGatewayError) Error() string {
	return fmt.Sprintf("container %s: static network requires a gateway", e.Name)
}

// DownloadError reports a failed base image transfer. The cache path is
// never left pointing at a partial artifact.
type DownloadError struct {
	Version string
	Err     error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download image %s: %v", e.Version, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// PlacementError reports a failed copy of a cached image into the
// location the platform expects.
type PlacementError struct {
	Path string
	Err  error
}

func (e *PlacementError) Error() string {
	return fmt.Sprintf("place image at %s: %v", e.Path, e.Err)
}

func (e *PlacementError) Unwrap() error { return e.Err }

// IDAllocationError reports that the platform could not hand out a free id.
type IDAllocationError struct {
	Err error
}

func (e *IDAllocationError) Error() string {
	return fmt.Sprintf("allocate container id: %v", e.Err)
}

func (e *IDAllocationError) Unwrap() error { return e.Err }

// ReferenceFormatError reports a flake reference with an unrecognized or
// disallowed scheme.
type ReferenceFormatError struct {
	Reference string
}

func (e *ReferenceFormatError) Error() string {
	return fmt.Sprintf("unrecognized configuration reference %q", e.Reference)
}

// TemplateNotFoundError reports a named template missing from the store.
type TemplateNotFoundError struct {
	Name string
}

func (e *TemplateNotFoundError) Error() string {
	return fmt.Sprintf("template %q not found", e.Name)
}

// TemplateInvalidError reports a template failing structural validation.
type TemplateInvalidError struct {
	Name   string
	Reason string
}

func (e *TemplateInvalidError) Error() string {
	return fmt.Sprintf("template %q invalid: %s", e.Name, e.Reason)
}

// CreateError reports a failed platform create call. No instance exists
// at this point.
type CreateError struct {
	Name string
	Err  error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("create container %s: %v", e.Name, e.Err)
}

func (e *CreateError) Unwrap() error { return e.Err }

// StartError reports a failed start. The defined instance is left in
// place for the operator to inspect or remove.
type StartError struct {
	ID  int
	Err error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start container %d: %v (instance left defined for inspection)", e.ID, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// InjectionError reports a failed artifact push into a running instance.
// The id lets the operator retry with `nixlet configure`.
type InjectionError struct {
	ID   int
	Path string
	Err  error
}

func (e *InjectionError) Error() string {
	return fmt.Sprintf("inject %s into container %d: %v", e.Path, e.ID, e.Err)
}

func (e *InjectionError) Unwrap() error { return e.Err }

// BootstrapError reports a non-zero bootstrap exit. The instance stays
// running so logs can be inspected and bootstrap re-run.
type BootstrapError struct {
	ID       int
	ExitCode int
	Output   string
}

func (e *BootstrapError) Error() string {
	detail := strings.TrimSpace(e.Output)
	if detail == "" {
		return fmt.Sprintf("bootstrap in container %d exited with code %d", e.ID, e.ExitCode)
	}
	return fmt.Sprintf("bootstrap in container %d exited with code %d: %s", e.ID, e.ExitCode, detail)
}

// UpdateError reports a failed in-guest update run. Never retried
// automatically.
type UpdateError struct {
	ID       int
	ExitCode int
	Output   string
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("update container %d: exit code %d: %s", e.ID, e.ExitCode, strings.TrimSpace(e.Output))
}
