//go:build linux

package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	firecracker "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/google/uuid"
)

// guestAgentVsockPort is the fixed vsock port the in-VM guest agent listens
// on for exec requests.
const guestAgentVsockPort = 52

// MicroVMConfig configures one Firecracker-backed microVM used as a
// TypeLinuxMicroVM sandbox attempt.
type MicroVMConfig struct {
	KernelPath string
	RootFSPath string
	VCPUs      int64
	MemSizeMB  int64
	SocketDir  string
}

// MicroVM boots a single Firecracker microVM and executes CommandSpecs
// inside it over vsock, one at a time. It is opt-in only: the turn loop
// selects it solely when a caller sets CommandSpec.WithEscalated's sibling
// require_microvm flag and the microvm_sandbox feature is enabled; Auto
// selection (placement.go SelectInitial) never returns TypeLinuxMicroVM.
type MicroVM struct {
	cfg     MicroVMConfig
	id      string
	workDir string
	machine *firecracker.Machine
	mu      sync.Mutex
}

// NewMicroVM prepares (but does not boot) a microVM instance.
func NewMicroVM(cfg MicroVMConfig) (*MicroVM, error) {
	if cfg.KernelPath == "" || cfg.RootFSPath == "" {
		return nil, fmt.Errorf("sandbox: microvm requires KernelPath and RootFSPath")
	}
	if cfg.VCPUs == 0 {
		cfg.VCPUs = 1
	}
	if cfg.MemSizeMB == 0 {
		cfg.MemSizeMB = 512
	}
	id := uuid.New().String()
	workDir := filepath.Join(os.TempDir(), "codex-microvm", id)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: creating microvm workdir: %w", err)
	}
	return &MicroVM{cfg: cfg, id: id, workDir: workDir}, nil
}

// Start boots the microVM via the Firecracker SDK.
func (vm *MicroVM) Start(ctx context.Context) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	socketPath := filepath.Join(vm.workDir, "api.sock")
	vsockPath := filepath.Join(vm.workDir, "vsock")

	fcCfg := firecracker.Config{
		SocketPath:      socketPath,
		KernelImagePath: vm.cfg.KernelPath,
		KernelArgs:      "console=ttyS0 reboot=k panic=1 pci=off",
		Drives: firecracker.NewDrivesBuilder(vm.cfg.RootFSPath).Build(),
		MachineCfg: firecracker.MachineCfg{
			VcpuCount:  int64ToPtrInt64(vm.cfg.VCPUs),
			MemSizeMib: int64ToPtrInt64(vm.cfg.MemSizeMB),
		},
		VsockDevices: []firecracker.VsockDevice{
			{Path: vsockPath, CID: 3},
		},
	}

	cmd := firecracker.VMCommandBuilder{}.
		WithSocketPath(socketPath).
		Build(ctx)

	machine, err := firecracker.NewMachine(ctx, fcCfg, firecracker.WithProcessRunner(cmd))
	if err != nil {
		return fmt.Errorf("sandbox: constructing firecracker machine: %w", err)
	}
	if err := machine.Start(ctx); err != nil {
		return fmt.Errorf("sandbox: starting firecracker machine: %w", err)
	}
	vm.machine = machine
	return nil
}

// Stop tears down the microVM and its work directory.
func (vm *MicroVM) Stop(ctx context.Context) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	var err error
	if vm.machine != nil {
		err = vm.machine.StopVMM()
	}
	_ = os.RemoveAll(vm.workDir)
	return err
}

// guestExecRequest/guestExecResponse mirror the newline-delimited JSON
// protocol spoken by the in-VM guest agent over vsock.
type guestExecRequest struct {
	Program string            `json:"program"`
	Args    []string          `json:"args"`
	Cwd     string            `json:"cwd"`
	Env     map[string]string `json:"env"`
	TimeoutMS int64           `json:"timeout_ms"`
}

type guestExecResponse struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	TimedOut bool   `json:"timed_out"`
	Error    string `json:"error,omitempty"`
}

// Execute runs env inside the running microVM and returns the exec result.
func (vm *MicroVM) Execute(ctx context.Context, env ExecEnv) (ExecResult, error) {
	vm.mu.Lock()
	machine := vm.machine
	vm.mu.Unlock()
	if machine == nil {
		return ExecResult{}, fmt.Errorf("sandbox: microvm not started")
	}

	conn, err := net.Dial("unix", filepath.Join(vm.workDir, "vsock")+fmt.Sprintf("_%d", guestAgentVsockPort))
	if err != nil {
		return ExecResult{}, fmt.Errorf("sandbox: dialing guest agent vsock: %w", err)
	}
	defer conn.Close()

	var program string
	var args []string
	if len(env.Command) > 0 {
		program, args = env.Command[0], env.Command[1:]
	}
	req := guestExecRequest{Program: program, Args: args, Cwd: env.Cwd, Env: env.Env}
	if env.TimeoutMS != nil {
		req.TimeoutMS = *env.TimeoutMS
	}

	enc := json.NewEncoder(conn)
	if err := enc.Encode(req); err != nil {
		return ExecResult{}, fmt.Errorf("sandbox: sending guest exec request: %w", err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return ExecResult{}, fmt.Errorf("sandbox: reading guest exec response: %w", err)
	}
	var resp guestExecResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return ExecResult{}, fmt.Errorf("sandbox: decoding guest exec response: %w", err)
	}
	if resp.Error != "" {
		return ExecResult{}, fmt.Errorf("sandbox: guest agent error: %s", resp.Error)
	}
	return ExecResult{
		ExitCode:         resp.ExitCode,
		Stdout:           []byte(resp.Stdout),
		Stderr:           []byte(resp.Stderr),
		AggregatedOutput: []byte(resp.Stdout + resp.Stderr),
		TimedOut:         resp.TimedOut,
	}, nil
}

func int64ToPtrInt64(v int64) *int64 { return &v }
