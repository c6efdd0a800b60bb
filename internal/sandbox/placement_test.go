package sandbox

import "testing"

func TestPlatformSandboxType(t *testing.T) {
	cases := []struct {
		goos string
		want Type
	}{
		{"darwin", TypeMacSeatbelt},
		{"linux", TypeLinuxSeccomp},
		{"windows", TypeWindowsRestrictedToken},
		{"plan9", TypeNone},
	}
	for _, c := range cases {
		if got := PlatformSandboxType(c.goos); got != c.want {
			t.Errorf("PlatformSandboxType(%q) = %v, want %v", c.goos, got, c.want)
		}
	}
}

func TestSelectInitialForbidAlwaysNone(t *testing.T) {
	got := SelectInitial(SandboxPolicy{Kind: PolicyWorkspaceWrite}, PreferenceForbid, "darwin")
	if got != TypeNone {
		t.Fatalf("SelectInitial(forbid) = %v, want none", got)
	}
}

func TestSelectInitialRequireForcesPlatformSandbox(t *testing.T) {
	got := SelectInitial(SandboxPolicy{Kind: PolicyDangerFullAccess}, PreferenceRequire, "linux")
	if got != TypeLinuxSeccomp {
		t.Fatalf("SelectInitial(require) = %v, want linux_seccomp even under danger_full_access", got)
	}
}

func TestSelectInitialAutoSkipsSandboxUnderDangerFullAccess(t *testing.T) {
	got := SelectInitial(SandboxPolicy{Kind: PolicyDangerFullAccess}, PreferenceAuto, "darwin")
	if got != TypeNone {
		t.Fatalf("SelectInitial(auto, danger_full_access) = %v, want none", got)
	}
}

func TestSelectInitialAutoUsesPlatformSandboxOtherwise(t *testing.T) {
	got := SelectInitial(SandboxPolicy{Kind: PolicyWorkspaceWrite}, PreferenceAuto, "linux")
	if got != TypeLinuxSeccomp {
		t.Fatalf("SelectInitial(auto, workspace_write) = %v, want linux_seccomp", got)
	}
}

func TestHasFullNetworkAccess(t *testing.T) {
	cases := []struct {
		policy SandboxPolicy
		want   bool
	}{
		{SandboxPolicy{Kind: PolicyDangerFullAccess}, true},
		{SandboxPolicy{Kind: PolicyReadOnly}, false},
		{SandboxPolicy{Kind: PolicyWorkspaceWrite, NetworkAccess: true}, true},
		{SandboxPolicy{Kind: PolicyWorkspaceWrite, NetworkAccess: false}, false},
	}
	for _, c := range cases {
		if got := c.policy.HasFullNetworkAccess(); got != c.want {
			t.Errorf("HasFullNetworkAccess(%+v) = %v, want %v", c.policy, got, c.want)
		}
	}
}

func TestPlaceSeatbeltUnavailableOnNonDarwin(t *testing.T) {
	p := &Placer{GOOS: "linux", SeatbeltHelperPath: "/usr/bin/seatbelt-exec"}
	_, err := p.Place(CommandSpec{Program: "ls"}, SandboxPolicy{Kind: PolicyReadOnly}, TypeMacSeatbelt, "/tmp")
	if err == nil {
		t.Fatalf("Place: expected SeatbeltUnavailableError on non-darwin GOOS")
	}
	if _, ok := err.(SeatbeltUnavailableError); !ok {
		t.Fatalf("err = %v (%T), want SeatbeltUnavailableError", err, err)
	}
}

func TestPlaceSeatbeltWrapsCommandWithPolicyArgs(t *testing.T) {
	p := &Placer{GOOS: "darwin", SeatbeltHelperPath: "/usr/bin/seatbelt-exec"}
	env, err := p.Place(
		CommandSpec{Program: "ls", Args: []string{"-la"}},
		SandboxPolicy{Kind: PolicyWorkspaceWrite, WritableRoots: []string{"/work"}},
		TypeMacSeatbelt, "/work",
	)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if env.Command[0] != "/usr/bin/seatbelt-exec" {
		t.Fatalf("Command[0] = %q, want seatbelt helper path", env.Command[0])
	}
	if env.Env["CODEX_SANDBOX"] != "seatbelt" {
		t.Fatalf("CODEX_SANDBOX env not set")
	}
	if env.Env["CODEX_SANDBOX_NETWORK_DISABLED"] != "1" {
		t.Fatalf("CODEX_SANDBOX_NETWORK_DISABLED not set for workspace_write without network")
	}
}

func TestPlaceLinuxSeccompMissingHelperPath(t *testing.T) {
	p := &Placer{GOOS: "linux"}
	_, err := p.Place(CommandSpec{Program: "ls"}, SandboxPolicy{Kind: PolicyReadOnly}, TypeLinuxSeccomp, "/tmp")
	if _, ok := err.(MissingLinuxSandboxExecutableError); !ok {
		t.Fatalf("err = %v (%T), want MissingLinuxSandboxExecutableError", err, err)
	}
}

func TestPlaceNoneLeavesCommandUnwrapped(t *testing.T) {
	p := &Placer{}
	env, err := p.Place(CommandSpec{Program: "ls", Args: []string{"-la"}}, SandboxPolicy{Kind: PolicyDangerFullAccess}, TypeNone, "/tmp")
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if len(env.Command) != 2 || env.Command[0] != "ls" || env.Command[1] != "-la" {
		t.Fatalf("Command = %v, want unwrapped [ls -la]", env.Command)
	}
}
