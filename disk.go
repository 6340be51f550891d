package qlean

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
)

// createOverlay produces a copy-on-write qcow2 overlay referencing base.
func createOverlay(ctx context.Context, base, overlay string) error {
	if _, err := os.Stat(base); err != nil {
		return &DiskError{Op: "overlay", Path: base, Err: err}
	}

	cmd := exec.CommandContext(
		ctx,
		"qemu-img", "create",
		"-f", "qcow2",
		"-b", base,
		"-F", "qcow2",
		overlay,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return &DiskError{Op: "overlay", Path: overlay, Err: fmt.Errorf("%v\n%s", err, string(out))}
	}
	return nil
}

// resizeOverlay grows the overlay to at least gib GiB. A no-op when the
// virtual size is already larger. Must run before the guest boots.
func resizeOverlay(ctx context.Context, overlay string, gib int) error {
	want := int64(gib) << 30

	cur, err := virtualSize(ctx, overlay)
	if err != nil {
		return err
	}
	if cur >= want {
		return nil
	}

	cmd := exec.CommandContext(
		ctx,
		"qemu-img", "resize",
		overlay,
		fmt.Sprintf("%dG", gib),
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return &DiskError{Op: "resize", Path: overlay, Err: fmt.Errorf("%v\n%s", err, string(out))}
	}
	return nil
}

func virtualSize(ctx context.Context, path string) (int64, error) {
	cmd := exec.CommandContext(ctx, "qemu-img", "info", "--output=json", path)
	out, err := cmd.Output()
	if err != nil {
		return 0, &DiskError{Op: "info", Path: path, Err: err}
	}
	var info struct {
		VirtualSize int64 `json:"virtual-size"`
	}
	if err := json.Unmarshal(out, &info); err != nil {
		return 0, &DiskError{Op: "info", Path: path, Err: err}
	}
	return info.VirtualSize, nil
}
