//go:build !linux

package sandbox

import (
	"context"
	"fmt"
)

// MicroVMConfig configures a Firecracker-backed microVM. Only implemented
// on Linux, where Firecracker itself runs.
type MicroVMConfig struct {
	KernelPath string
	RootFSPath string
	VCPUs      int64
	MemSizeMB  int64
	SocketDir  string
}

// MicroVM is a no-op placeholder on non-Linux platforms.
type MicroVM struct{}

func NewMicroVM(cfg MicroVMConfig) (*MicroVM, error) {
	return nil, fmt.Errorf("sandbox: microvm sandbox is only available on linux")
}

func (vm *MicroVM) Start(ctx context.Context) error { return fmt.Errorf("sandbox: microvm unsupported on this platform") }

func (vm *MicroVM) Stop(ctx context.Context) error { return nil }

func (vm *MicroVM) Execute(ctx context.Context, env ExecEnv) (ExecResult, error) {
	return ExecResult{}, fmt.Errorf("sandbox: microvm unsupported on this platform")
}
