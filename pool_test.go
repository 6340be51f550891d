package qlean

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPool(t *testing.T) (*Pool, *Image, string) {
	t.Helper()
	return NewPool(), testImage(t), t.TempDir()
}

func TestPoolAddAndGet(t *testing.T) {
	p, img, dataDir := testPool(t)

	alice, err := p.Add("alice", img, &MachineConfig{DataDir: dataDir})
	require.NoError(t, err)
	assert.Equal(t, "alice", alice.Hostname(), "hostname defaults to the pool name")

	got, err := p.Get("alice")
	require.NoError(t, err)
	assert.Same(t, alice, got)
}

func TestPoolDuplicateName(t *testing.T) {
	p, img, dataDir := testPool(t)

	_, err := p.Add("alice", img, &MachineConfig{DataDir: dataDir})
	require.NoError(t, err)

	_, err = p.Add("alice", img, &MachineConfig{DataDir: dataDir})
	var derr *DuplicateNameError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "alice", derr.Name)
}

func TestPoolGetNotFound(t *testing.T) {
	p, _, _ := testPool(t)

	_, err := p.Get("nobody")
	var nerr *NotFoundError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, "nobody", nerr.Name)
}

func TestPoolNames(t *testing.T) {
	p, img, dataDir := testPool(t)
	for _, name := range []string{"charlie", "alice", "bob"} {
		_, err := p.Add(name, img, &MachineConfig{DataDir: dataDir})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"alice", "bob", "charlie"}, p.Names())
}

func TestPoolExplicitHostnameWins(t *testing.T) {
	p, img, dataDir := testPool(t)
	m, err := p.Add("alice", img, &MachineConfig{DataDir: dataDir, Hostname: "custom"})
	require.NoError(t, err)
	assert.Equal(t, "custom", m.Hostname())
}

func TestShutdownAllAggregatesErrors(t *testing.T) {
	p, img, dataDir := testPool(t)
	for _, name := range []string{"alice", "bob"} {
		_, err := p.Add(name, img, &MachineConfig{DataDir: dataDir})
		require.NoError(t, err)
	}

	// Neither machine is running, so both Shutdowns fail; the aggregate
	// must name them both rather than stopping at the first.
	err := p.ShutdownAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"alice"`)
	assert.Contains(t, err.Error(), `"bob"`)
}

func TestPoolCloseIdempotent(t *testing.T) {
	p, img, dataDir := testPool(t)
	_, err := p.Add("alice", img, &MachineConfig{DataDir: dataDir, Clear: true})
	require.NoError(t, err)

	require.NoError(t, p.Close(context.Background()))
	require.NoError(t, p.Close(context.Background()))
}

func TestPoolCloseTearsDownMembers(t *testing.T) {
	p, img, dataDir := testPool(t)
	m, err := p.Add("alice", img, &MachineConfig{DataDir: dataDir, Clear: true})
	require.NoError(t, err)

	require.NoError(t, p.Close(context.Background()))
	assert.NoDirExists(t, m.Dir())
}
