package types

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrEnvironmentUnsupported means the orchestrator could not identify its own container.
	ErrEnvironmentUnsupported = errors.New("environment unsupported: cannot resolve own container identity")

	// ErrNoEligibleVolumes is reported as a warning when filtering leaves nothing to back up.
	ErrNoEligibleVolumes = errors.New("no eligible volumes")
)

// RuntimeAPIError wraps a failed container runtime call.
type RuntimeAPIError struct {
	Call string
	Err  error
}

func (e *RuntimeAPIError) Error() string {
	return fmt.Sprintf("runtime %s: %v", e.Call, e.Err)
}

func (e *RuntimeAPIError) Unwrap() error { return e.Err }

// ControlPlaneError wraps a failed supervisor or service-control call.
type ControlPlaneError struct {
	Call    string
	Service string
	Err     error
}

func (e *ControlPlaneError) Error() string {
	if e.Service != "" {
		return fmt.Sprintf("control plane %s %s: %v", e.Call, e.Service, e.Err)
	}
	return fmt.Sprintf("control plane %s: %v", e.Call, e.Err)
}

func (e *ControlPlaneError) Unwrap() error { return e.Err }

// BackupToolError reports a failed backup tool run, either local or inside a worker.
type BackupToolError struct {
	Command  []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *BackupToolError) Error() string {
	msg := fmt.Sprintf("backup tool %q exited with code %d", strings.Join(e.Command, " "), e.ExitCode)
	if e.Err != nil {
		msg = fmt.Sprintf("backup tool %q: %v", strings.Join(e.Command, " "), e.Err)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *BackupToolError) Unwrap() error { return e.Err }
