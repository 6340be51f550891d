package qlean

import (
	"context"
	"encoding/base64"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner scripts Exec results and records the commands the facade
// constructs.
type fakeRunner struct {
	commands []string
	respond  func(command string) (*ExecResult, error)
}

func (f *fakeRunner) Exec(ctx context.Context, command string) (*ExecResult, error) {
	f.commands = append(f.commands, command)
	if f.respond != nil {
		return f.respond(command)
	}
	return &ExecResult{}, nil
}

func (f *fakeRunner) last() string {
	return f.commands[len(f.commands)-1]
}

func newTestFS() (*GuestFS, *fakeRunner) {
	r := &fakeRunner{}
	return &GuestFS{r: r}, r
}

func TestReadFile(t *testing.T) {
	g, r := newTestFS()
	r.respond = func(string) (*ExecResult, error) {
		return &ExecResult{Stdout: []byte("hello")}, nil
	}

	bs, err := g.ReadFile(context.Background(), "/tmp/x")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), bs)
	assert.Equal(t, "cat '/tmp/x'", r.last())
}

func TestWriteFileFramesBase64(t *testing.T) {
	g, r := newTestFS()
	data := []byte{0x00, 0xff, 'h', 'i'}

	require.NoError(t, g.WriteFile(context.Background(), "/tmp/x", data, 0644))
	cmd := r.last()
	assert.Contains(t, cmd, base64.StdEncoding.EncodeToString(data))
	assert.Contains(t, cmd, "base64 -d > '/tmp/x'")
	assert.Contains(t, cmd, "chmod 644 '/tmp/x'")
}

func TestNonZeroExitIsGuestFsError(t *testing.T) {
	g, r := newTestFS()
	r.respond = func(string) (*ExecResult, error) {
		return &ExecResult{ExitStatus: 1, Stderr: []byte("rm: no such file")}, nil
	}

	err := g.Remove(context.Background(), "/tmp/gone")
	var gerr *GuestFsError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, 1, gerr.Exit)
	assert.Contains(t, gerr.Stderr, "no such file")
	assert.Equal(t, "remove", gerr.Op)
}

func TestStatParsesOutput(t *testing.T) {
	g, r := newTestFS()
	r.respond = func(string) (*ExecResult, error) {
		return &ExecResult{Stdout: []byte("5 81a4 1700000000\n")}, nil
	}

	fi, err := g.Stat(context.Background(), "/tmp/x")
	require.NoError(t, err)
	assert.Equal(t, int64(5), fi.Size)
	assert.Equal(t, fs.FileMode(0644), fi.Mode)
	assert.False(t, fi.IsDir())
	assert.Equal(t, time.Unix(1700000000, 0), fi.ModTime)
}

func TestStatDirectory(t *testing.T) {
	g, r := newTestFS()
	r.respond = func(string) (*ExecResult, error) {
		return &ExecResult{Stdout: []byte("4096 41ed 1700000001")}, nil
	}

	fi, err := g.Stat(context.Background(), "/tmp")
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
	assert.Equal(t, fs.FileMode(0755), fi.Mode.Perm())
}

func TestReadDir(t *testing.T) {
	g, r := newTestFS()
	r.respond = func(string) (*ExecResult, error) {
		return &ExecResult{Stdout: []byte("a\nb\n.hidden\n")}, nil
	}

	names, err := g.ReadDir(context.Background(), "/tmp")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", ".hidden"}, names)
	assert.Equal(t, "ls -A '/tmp'", r.last())
}

func TestExists(t *testing.T) {
	g, r := newTestFS()
	r.respond = func(string) (*ExecResult, error) {
		return &ExecResult{ExitStatus: 1}, nil
	}

	ok, err := g.Exists(context.Background(), "/tmp/gone")
	require.NoError(t, err, "non-zero exit must not raise")
	assert.False(t, ok)

	r.respond = func(string) (*ExecResult, error) {
		return &ExecResult{}, nil
	}
	ok, err = g.Exists(context.Background(), "/tmp/here")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDirectoryCommands(t *testing.T) {
	g, r := newTestFS()
	ctx := context.Background()

	require.NoError(t, g.Mkdir(ctx, "/tmp/d", 0700))
	assert.Equal(t, "mkdir -m 700 '/tmp/d'", r.last())

	require.NoError(t, g.MkdirAll(ctx, "/tmp/a/b", 0755))
	assert.Equal(t, "mkdir -p -m 755 '/tmp/a/b'", r.last())

	require.NoError(t, g.Rename(ctx, "/tmp/a", "/tmp/b"))
	assert.Equal(t, "mv -T '/tmp/a' '/tmp/b'", r.last())

	require.NoError(t, g.Link(ctx, "/tmp/a", "/tmp/b"))
	assert.Equal(t, "ln '/tmp/a' '/tmp/b'", r.last())

	require.NoError(t, g.Chmod(ctx, "/tmp/a", 0640))
	assert.Equal(t, "chmod 640 '/tmp/a'", r.last())

	require.NoError(t, g.RemoveAll(ctx, "/tmp/a"))
	assert.Equal(t, "rm -rf '/tmp/a'", r.last())
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/plain/path", "'/plain/path'"},
		{"/with space", "'/with space'"},
		{"/with'quote", `'/with'\''quote'`},
		{"/$(dangerous)", "'/$(dangerous)'"},
	}
	for _, test := range tests {
		assert.Equal(t, test.want, shellQuote(test.in), test.in)
	}
}

func TestUnixToFileMode(t *testing.T) {
	tests := []struct {
		raw  uint32
		want fs.FileMode
	}{
		{0100644, 0644},
		{0040755, fs.ModeDir | 0755},
		{0120777, fs.ModeSymlink | 0777},
		{0104755, fs.ModeSetuid | 0755},
	}
	for _, test := range tests {
		assert.Equal(t, test.want, unixToFileMode(test.raw))
	}
}
