// Package sandbox places a portable CommandSpec under a per-OS isolation
// wrapper (macOS Seatbelt, Linux Landlock/seccomp via a helper binary, or a
// Windows restricted token) and computes the resulting ExecEnv.
package sandbox

import "fmt"

// PolicyKind tags the SandboxPolicy variant.
type PolicyKind string

const (
	PolicyDangerFullAccess PolicyKind = "danger_full_access"
	PolicyReadOnly         PolicyKind = "read_only"
	PolicyWorkspaceWrite   PolicyKind = "workspace_write"
)

// SandboxPolicy constrains what a sandboxed command may touch.
type SandboxPolicy struct {
	Kind PolicyKind

	// WorkspaceWrite fields; zero value elsewhere.
	WritableRoots []string // absolute, canonicalized
	NetworkAccess bool
}

// HasFullNetworkAccess reports whether the policy grants unrestricted
// network access to the sandboxed command.
func (p SandboxPolicy) HasFullNetworkAccess() bool {
	switch p.Kind {
	case PolicyDangerFullAccess:
		return true
	case PolicyWorkspaceWrite:
		return p.NetworkAccess
	default:
		return false
	}
}

// Type identifies which OS-level mechanism wraps a command.
type Type string

const (
	TypeNone                  Type = "none"
	TypeMacSeatbelt           Type = "mac_seatbelt"
	TypeLinuxSeccomp          Type = "linux_seccomp"
	TypeWindowsRestrictedToken Type = "windows_restricted_token"
	// TypeLinuxMicroVM runs the command inside a Firecracker microVM. It is
	// never chosen by the Auto selection path; a caller must opt in
	// explicitly (SPEC_FULL §4.1) and the microvm_sandbox feature must be on.
	TypeLinuxMicroVM Type = "linux_microvm"
)

// CommandSpec is the portable, sandbox-agnostic description of a command to
// run.
type CommandSpec struct {
	Program         string
	Args            []string
	Cwd             string
	Env             map[string]string
	TimeoutMS       *int64
	WithEscalated   bool
	Justification   string
}

// ExecEnv is a CommandSpec after sandbox placement: directly spawnable with
// inherited stdio.
type ExecEnv struct {
	Command []string // program + args, possibly wrapped by sandbox helper args
	Arg0    *string  // overrides argv[0] when set, without affecting the exec path
	Env     map[string]string
	Cwd     string
	TimeoutMS *int64
}

// Error kinds raised by Place; both are fatal for the call.
type MissingLinuxSandboxExecutableError struct{}

func (MissingLinuxSandboxExecutableError) Error() string {
	return "linux sandbox requested but no codex-linux-sandbox helper path was configured"
}

type SeatbeltUnavailableError struct{ GOOS string }

func (e SeatbeltUnavailableError) Error() string {
	return fmt.Sprintf("macOS seatbelt sandbox requested on unsupported platform %q", e.GOOS)
}
