package qlean

import (
	"os/exec"

	"github.com/spf13/afero"
)

var hostTools = []string{
	"qemu-system-x86_64",
	"qemu-img",
	"virsh",
	"guestfish",
	"virt-copy-out",
	"xorriso",
	"sha256sum",
	"sha512sum",
}

// checkTools returns a SetupError if a command required by qlean is not
// available on the system.
func checkTools(tools []string) error {
	missing := []string{}
	for _, tool := range tools {
		_, err := exec.LookPath(tool)
		if err != nil {
			if e, ok := err.(*exec.Error); ok && e.Err == exec.ErrNotFound {
				missing = append(missing, tool)
				continue
			}
			return err
		}
	}
	if len(missing) > 0 {
		return &SetupError{Missing: missing}
	}
	return nil
}

// CheckHost verifies the host preconditions: required tools on PATH and
// the qemu bridge ACL for qlbr0. It reports what is missing as a
// SetupError and never attempts to fix host configuration.
func CheckHost() error {
	if err := checkTools(hostTools); err != nil {
		return err
	}
	return checkBridgeACL(afero.NewOsFs())
}
