package qlean

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// Distro identifies a supported Linux family. Each variant resolves to a
// static catalog entry describing where its cloud images live and how they
// are verified.
type Distro string

// Supported distros. The guest image must accept NoCloud cloud-init, ship
// an SSH server, and resolve DHCP on its primary NIC.
const (
	Debian Distro = "debian"
	Ubuntu Distro = "ubuntu"
	Fedora Distro = "fedora"
)

// ParseDistro converts a string into a Distro, erroring on unknown names.
func ParseDistro(s string) (Distro, error) {
	d := Distro(strings.ToLower(s))
	if _, ok := catalog[d]; !ok {
		return "", &UnknownDistroError{Distro: d}
	}
	return d, nil
}

// ChecksumAlgorithm names the digest a distro publishes for its images.
type ChecksumAlgorithm string

const (
	SHA256 ChecksumAlgorithm = "sha256"
	SHA512 ChecksumAlgorithm = "sha512"
)

type compression string

const (
	compressionNone  compression = "none"
	compressionXZ    compression = "xz"
	compressionGzip  compression = "gz"
	compressionBzip2 compression = "bz2"
)

// catalogEntry describes where a distro's cloud images are published:
// artifact directory, artifact suffix appended to the image name, the
// checksum manifest next to the artifacts, and how artifacts are packed.
type catalogEntry struct {
	baseURL     string
	suffix      string
	sumsFile    string
	algorithm   ChecksumAlgorithm
	compression compression
}

var catalog = map[Distro]catalogEntry{
	Debian: {
		baseURL:     "https://cloud.debian.org/images/cloud/trixie/latest",
		suffix:      ".qcow2",
		sumsFile:    "SHA512SUMS",
		algorithm:   SHA512,
		compression: compressionNone,
	},
	Ubuntu: {
		baseURL:     "https://cloud-images.ubuntu.com/noble/current",
		suffix:      ".img",
		sumsFile:    "SHA256SUMS",
		algorithm:   SHA256,
		compression: compressionNone,
	},
	Fedora: {
		baseURL:     "https://download.fedoraproject.org/pub/fedora/linux/releases/42/Cloud/x86_64/images",
		suffix:      ".qcow2",
		sumsFile:    "CHECKSUM",
		algorithm:   SHA256,
		compression: compressionNone,
	},
}

func (d Distro) entry() (catalogEntry, error) {
	e, ok := catalog[d]
	if !ok {
		return catalogEntry{}, &UnknownDistroError{Distro: d}
	}
	return e, nil
}

func (e catalogEntry) artifactName(name string) string {
	return name + e.suffix
}

func (e catalogEntry) artifactURL(name string) string {
	return e.baseURL + "/" + e.artifactName(name)
}

func (e catalogEntry) checksumURL() string {
	return e.baseURL + "/" + e.sumsFile
}

// bsdSumLine matches BSD-style manifest lines: "SHA256 (file) = hex".
// Fedora publishes this format; Debian and Ubuntu use the coreutils
// "hex  file" format.
var bsdSumLine = regexp.MustCompile(`^(?:SHA256|SHA512)\s*\((.+)\)\s*=\s*([0-9a-fA-F]+)$`)

// parseChecksums reads a checksum manifest in either coreutils or BSD
// format and returns a map of file name to lowercase hex digest.
func parseChecksums(r io.Reader) (map[string]string, error) {
	sums := make(map[string]string)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if m := bsdSumLine.FindStringSubmatch(line); m != nil {
			sums[m[1]] = strings.ToLower(m[2])
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		// coreutils marks binary-mode entries with a leading asterisk
		name := strings.TrimPrefix(fields[1], "*")
		sums[name] = strings.ToLower(fields[0])
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading checksum manifest: %w", err)
	}
	return sums, nil
}
