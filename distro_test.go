package qlean

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDistro(t *testing.T) {
	tests := []struct {
		in      string
		want    Distro
		wantErr bool
	}{
		{"debian", Debian, false},
		{"Debian", Debian, false},
		{"UBUNTU", Ubuntu, false},
		{"fedora", Fedora, false},
		{"slackware", "", true},
		{"", "", true},
	}

	for _, test := range tests {
		got, err := ParseDistro(test.in)
		if test.wantErr {
			assert.Error(t, err, test.in)
			var ude *UnknownDistroError
			assert.ErrorAs(t, err, &ude, test.in)
		} else {
			assert.NoError(t, err, test.in)
			assert.Equal(t, test.want, got, test.in)
		}
	}
}

func TestCatalogURLs(t *testing.T) {
	entry, err := Debian.entry()
	require.NoError(t, err)

	assert.Equal(t,
		"https://cloud.debian.org/images/cloud/trixie/latest/debian-13-generic-amd64.qcow2",
		entry.artifactURL("debian-13-generic-amd64"))
	assert.Equal(t,
		"https://cloud.debian.org/images/cloud/trixie/latest/SHA512SUMS",
		entry.checksumURL())
	assert.Equal(t, SHA512, entry.algorithm)
}

func TestCatalogCoversAllDistros(t *testing.T) {
	for _, d := range []Distro{Debian, Ubuntu, Fedora} {
		entry, err := d.entry()
		require.NoError(t, err, d)
		assert.NotEmpty(t, entry.baseURL, d)
		assert.NotEmpty(t, entry.sumsFile, d)
		assert.NotEmpty(t, entry.suffix, d)
	}
}

func TestParseChecksumsCoreutils(t *testing.T) {
	manifest := `
0123abcd  debian-13-generic-amd64.qcow2
deadbeef *debian-13-generic-arm64.qcow2

# a comment
malformed line with too many fields here
`
	sums, err := parseChecksums(strings.NewReader(manifest))
	require.NoError(t, err)
	assert.Equal(t, "0123abcd", sums["debian-13-generic-amd64.qcow2"])
	assert.Equal(t, "deadbeef", sums["debian-13-generic-arm64.qcow2"])
	assert.Len(t, sums, 2)
}

func TestParseChecksumsBSD(t *testing.T) {
	manifest := `# Fedora-Cloud-42 CHECKSUM
SHA256 (Fedora-Cloud-Base-42.qcow2) = ABCDEF0123456789
SHA512 (other.qcow2) = 99aa
`
	sums, err := parseChecksums(strings.NewReader(manifest))
	require.NoError(t, err)
	assert.Equal(t, "abcdef0123456789", sums["Fedora-Cloud-Base-42.qcow2"])
	assert.Equal(t, "99aa", sums["other.qcow2"])
}
