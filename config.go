package qlean

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Timeouts bounds the suspending operations of a Machine. Zero fields take
// the defaults below.
type Timeouts struct {
	// Readiness bounds the wait for a booted guest to become reachable
	// over SSH. Default 120s.
	Readiness time.Duration
	// Shutdown bounds the wait for QEMU to exit after an in-guest
	// poweroff, before escalating to signals. Default 60s.
	Shutdown time.Duration
	// SSHConnect bounds a single SSH dial attempt. Default 10s.
	SSHConnect time.Duration
	// Download bounds an image artifact download. Default 30m.
	Download time.Duration
}

const (
	defaultReadinessTimeout = 2 * time.Minute
	defaultShutdownTimeout  = time.Minute
	defaultSSHTimeout       = 10 * time.Second
	defaultDownloadTimeout  = 30 * time.Minute
)

func (t Timeouts) withDefaults() Timeouts {
	if t.Readiness == 0 {
		t.Readiness = defaultReadinessTimeout
	}
	if t.Shutdown == 0 {
		t.Shutdown = defaultShutdownTimeout
	}
	if t.SSHConnect == 0 {
		t.SSHConnect = defaultSSHTimeout
	}
	if t.Download == 0 {
		t.Download = defaultDownloadTimeout
	}
	return t
}

// MachineConfig is the configuration for a virtual machine.
type MachineConfig struct {
	// Hostname of the guest. A random vmXXXXXXXXXXXX name is generated
	// if empty.
	Hostname string
	// Cores is the vCPU count. Default 1.
	Cores int
	// MemMiB is the guest memory in MiB. Default 1024.
	MemMiB int
	// DiskGiB, if set, grows the overlay to at least this capacity
	// before first boot.
	DiskGiB int
	// Clear deletes the per-VM overlay and seed ISO on teardown.
	Clear bool
	// DataDir overrides the on-disk layout root. Defaults to
	// ${XDG_DATA_HOME:-~/.local/share}/qlean.
	DataDir string
	// CommandLog, if set, receives every guest command and its output.
	CommandLog io.Writer
	// Timeouts for the machine's suspending operations.
	Timeouts Timeouts
}

// Copy returns a deep copy of the config.
func (c *MachineConfig) Copy() *MachineConfig {
	ret := *c
	return &ret
}

func validateMachineConfig(cfg *MachineConfig) (*MachineConfig, error) {
	if cfg == nil {
		cfg = &MachineConfig{}
	}
	cfg = cfg.Copy()

	if cfg.Cores == 0 {
		cfg.Cores = 1
	}
	if cfg.Cores < 0 {
		return nil, fmt.Errorf("invalid core count %d", cfg.Cores)
	}
	if cfg.MemMiB == 0 {
		cfg.MemMiB = 1024
	}
	if cfg.MemMiB < 0 {
		return nil, fmt.Errorf("invalid memory size %d MiB", cfg.MemMiB)
	}
	if cfg.DiskGiB < 0 {
		return nil, fmt.Errorf("invalid disk size %d GiB", cfg.DiskGiB)
	}
	if cfg.Hostname == "" {
		cfg.Hostname = randomHostname()
	}
	if cfg.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return nil, err
		}
		cfg.DataDir = dir
	}
	cfg.Timeouts = cfg.Timeouts.withDefaults()

	return cfg, nil
}

// DefaultDataDir returns the on-disk layout root: $XDG_DATA_HOME/qlean,
// falling back to ~/.local/share/qlean.
func DefaultDataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "qlean"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", "qlean"), nil
}

func randomHostname() string {
	rnd := make([]byte, 6)
	if _, err := rand.Read(rnd); err != nil {
		panic(errors.New("system ran out of randomness"))
	}
	return fmt.Sprintf("vm%x", rnd)
}
