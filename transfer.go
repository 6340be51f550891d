package qlean

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/sftp"
)

// Upload copies a host file or directory tree to dst in the guest over
// SFTP. Requires Running. File modes are preserved; ownership is not —
// everything lands as root.
func (m *Machine) Upload(ctx context.Context, src, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		return &StateError{Op: "upload", State: m.state}
	}

	client, err := sftp.NewClient(m.ssh)
	if err != nil {
		return &GuestExecError{Err: err}
	}
	defer client.Close()

	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return uploadFile(client, src, dst, info.Mode())
	}

	return filepath.Walk(src, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := dst
		if rel != "." {
			target = filepath.Join(dst, rel)
		}
		if fi.IsDir() {
			if err := client.MkdirAll(target); err != nil {
				return &GuestExecError{Err: fmt.Errorf("mkdir %s: %w", target, err)}
			}
			return client.Chmod(target, fi.Mode().Perm())
		}
		return uploadFile(client, path, target, fi.Mode())
	})
}

func uploadFile(client *sftp.Client, src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := client.Create(dst)
	if err != nil {
		return &GuestExecError{Err: fmt.Errorf("create %s: %w", dst, err)}
	}
	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return &GuestExecError{Err: fmt.Errorf("write %s: %w", dst, err)}
	}
	return client.Chmod(dst, mode.Perm())
}

// Download copies a guest file or directory tree at src to dst on the
// host over SFTP. Requires Running. File modes are preserved.
func (m *Machine) Download(ctx context.Context, src, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		return &StateError{Op: "download", State: m.state}
	}

	client, err := sftp.NewClient(m.ssh)
	if err != nil {
		return &GuestExecError{Err: err}
	}
	defer client.Close()

	info, err := client.Stat(src)
	if err != nil {
		return &GuestExecError{Err: fmt.Errorf("stat %s: %w", src, err)}
	}
	if !info.IsDir() {
		return downloadFile(client, src, dst, info.Mode())
	}

	walker := client.Walk(src)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return &GuestExecError{Err: err}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel := strings.TrimPrefix(walker.Path(), src)
		rel = strings.TrimPrefix(rel, "/")
		target := dst
		if rel != "" {
			target = filepath.Join(dst, rel)
		}
		fi := walker.Stat()
		if fi.IsDir() {
			if err := os.MkdirAll(target, fi.Mode().Perm()); err != nil {
				return err
			}
			if err := os.Chmod(target, fi.Mode().Perm()); err != nil {
				return err
			}
			continue
		}
		if err := downloadFile(client, walker.Path(), target, fi.Mode()); err != nil {
			return err
		}
	}
	return nil
}

func downloadFile(client *sftp.Client, src, dst string, mode os.FileMode) error {
	in, err := client.Open(src)
	if err != nil {
		return &GuestExecError{Err: fmt.Errorf("open %s: %w", src, err)}
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	return os.Chmod(dst, mode.Perm())
}
