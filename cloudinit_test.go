package qlean

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeedSpecDeterministic(t *testing.T) {
	a := seedSpec{hostname: "alice", authorizedKey: "ssh-ed25519 AAAA test"}
	b := seedSpec{hostname: "alice", authorizedKey: "ssh-ed25519 AAAA test"}
	assert.Equal(t, a.hash(), b.hash())
	assert.Equal(t, a.userData(), b.userData())
	assert.Equal(t, a.metaData(), b.metaData())
}

func TestSeedSpecHashVaries(t *testing.T) {
	base := seedSpec{hostname: "alice", authorizedKey: "ssh-ed25519 AAAA test"}
	tests := []struct {
		description string
		spec        seedSpec
	}{
		{"different hostname", seedSpec{hostname: "bob", authorizedKey: base.authorizedKey}},
		{"different key", seedSpec{hostname: "alice", authorizedKey: "ssh-ed25519 BBBB test"}},
		{"extra fragment", seedSpec{hostname: "alice", authorizedKey: base.authorizedKey, extra: []string{"packages: [curl]"}}},
	}
	for _, test := range tests {
		assert.NotEqual(t, base.hash(), test.spec.hash(), test.description)
	}
}

func TestUserData(t *testing.T) {
	spec := seedSpec{
		hostname:      "alice",
		authorizedKey: "ssh-ed25519 AAAA test",
		extra:         []string{"packages:\n  - curl"},
	}
	ud := spec.userData()

	assert.True(t, strings.HasPrefix(ud, "#cloud-config\n"))
	assert.Contains(t, ud, "hostname: alice")
	assert.Contains(t, ud, "ssh-ed25519 AAAA test")
	assert.Contains(t, ud, "disable_root: false")
	assert.Contains(t, ud, readySentinel)
	assert.Contains(t, ud, "packages:\n  - curl")
}

func TestMetaData(t *testing.T) {
	spec := seedSpec{hostname: "alice", authorizedKey: "k"}
	md := spec.metaData()

	assert.Contains(t, md, "instance-id: iid-"+spec.hash()[:12])
	assert.Contains(t, md, "local-hostname: alice")
}

func TestNetworkConfig(t *testing.T) {
	nc := seedSpec{}.networkConfig()
	assert.Contains(t, nc, "version: 2")
	assert.Contains(t, nc, "dhcp4: true")
}
