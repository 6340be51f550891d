package qlean

import (
	"compress/bzip2"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/ulikunitz/xz"
)

// Image is a handle to a locally available, verified base disk. Images are
// immutable once created and never deleted by the library.
type Image struct {
	// Path is the absolute path of the base qcow2 disk.
	Path string
	// Distro the image belongs to.
	Distro Distro
	// Name is the catalog image name, e.g. "debian-13-generic-amd64".
	Name string
	// Checksum is the verified digest, "<algorithm>:<hex>".
	Checksum string
}

const (
	baseDiskName = "disk.qcow2"
	sidecarName  = "checksum"
	partialName  = ".partial"
	lockName     = ".lock"
)

// Store caches verified distro cloud images under root/<distro>/<name>/.
// Concurrent Acquire calls for the same key coalesce on an in-process
// keyed mutex, with a file lock for cross-process safety.
type Store struct {
	root    string
	fs      afero.Fs
	client  *http.Client
	timeout time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithHTTPClient injects the HTTP client used for downloads.
func WithHTTPClient(c *http.Client) StoreOption {
	return func(s *Store) { s.client = c }
}

// WithFilesystem injects the filesystem the cache lives on.
func WithFilesystem(fs afero.Fs) StoreOption {
	return func(s *Store) { s.fs = fs }
}

// WithDownloadTimeout overrides the default 30 minute download deadline.
func WithDownloadTimeout(d time.Duration) StoreOption {
	return func(s *Store) { s.timeout = d }
}

// NewStore creates an image store rooted at root, typically
// <datadir>/images.
func NewStore(root string, opts ...StoreOption) *Store {
	s := &Store{
		root:    root,
		fs:      afero.NewOsFs(),
		client:  http.DefaultClient,
		timeout: defaultDownloadTimeout,
		locks:   map[string]*sync.Mutex{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// keyLock returns the per-key mutex, creating it on first use.
func (s *Store) keyLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// Acquire returns a verified base image for (distro, name), downloading
// and caching it on first use. Acquire is idempotent: concurrent calls
// for the same key coalesce into a single download, and later calls
// return the cached handle.
func (s *Store) Acquire(ctx context.Context, d Distro, name string) (*Image, error) {
	entry, err := d.entry()
	if err != nil {
		return nil, err
	}

	key := string(d) + "/" + name
	l := s.keyLock(key)
	l.Lock()
	defer l.Unlock()

	dir := filepath.Join(s.root, string(d), name)
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}

	// Cross-process guard. Only meaningful on the real filesystem.
	if _, ok := s.fs.(*afero.OsFs); ok {
		fl := flock.New(filepath.Join(dir, lockName))
		if err := fl.Lock(); err != nil {
			return nil, fmt.Errorf("locking cache dir: %w", err)
		}
		defer fl.Unlock()
	}

	diskPath := filepath.Join(dir, baseDiskName)
	if img, ok := s.cached(d, name, diskPath, filepath.Join(dir, sidecarName)); ok {
		return img, nil
	}

	return s.fetch(ctx, entry, d, name, dir)
}

// cached reports whether a verified base disk is already present: the
// disk exists and the checksum sidecar is valid.
func (s *Store) cached(d Distro, name, diskPath, sidecarPath string) (*Image, bool) {
	if _, err := s.fs.Stat(diskPath); err != nil {
		return nil, false
	}
	bs, err := afero.ReadFile(s.fs, sidecarPath)
	if err != nil {
		return nil, false
	}
	fields := strings.Fields(string(bs))
	if len(fields) < 1 || !strings.Contains(fields[0], ":") {
		return nil, false
	}
	return &Image{
		Path:     diskPath,
		Distro:   d,
		Name:     name,
		Checksum: fields[0],
	}, true
}

func (s *Store) fetch(ctx context.Context, entry catalogEntry, d Distro, name, dir string) (*Image, error) {
	want, err := s.expectedChecksum(ctx, entry, name)
	if err != nil {
		return nil, err
	}

	url := entry.artifactURL(name)
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	log.WithFields(log.Fields{
		"distro": d,
		"name":   name,
		"url":    url,
	}).Info("downloading base image")

	tmp := filepath.Join(dir, partialName)
	size, got, err := s.download(ctx, url, tmp, entry.algorithm)
	if err != nil {
		_ = s.fs.Remove(tmp)
		return nil, &ImageFetchError{URL: url, Retriable: true, Err: err}
	}

	if got != want {
		_ = s.fs.Remove(tmp)
		return nil, &IntegrityError{URL: url, Want: want, Got: got}
	}

	diskPath := filepath.Join(dir, baseDiskName)
	if err := s.unpack(entry.compression, tmp, diskPath); err != nil {
		_ = s.fs.Remove(tmp)
		return nil, err
	}

	checksum := string(entry.algorithm) + ":" + got
	sidecar := fmt.Sprintf("%s %s\n", checksum, url)
	if err := afero.WriteFile(s.fs, filepath.Join(dir, sidecarName), []byte(sidecar), 0644); err != nil {
		return nil, fmt.Errorf("writing checksum sidecar: %w", err)
	}

	log.WithFields(log.Fields{
		"distro": d,
		"name":   name,
		"size":   humanize.Bytes(uint64(size)),
	}).Info("base image cached")

	return &Image{
		Path:     diskPath,
		Distro:   d,
		Name:     name,
		Checksum: checksum,
	}, nil
}

// expectedChecksum downloads the distro's checksum manifest and extracts
// the digest for the named artifact.
func (s *Store) expectedChecksum(ctx context.Context, entry catalogEntry, name string) (string, error) {
	url := entry.checksumURL()
	resp, err := s.get(ctx, url)
	if err != nil {
		return "", &ImageFetchError{URL: url, Retriable: true, Err: err}
	}
	defer resp.Body.Close()

	sums, err := parseChecksums(resp.Body)
	if err != nil {
		return "", &ImageFetchError{URL: url, Retriable: true, Err: err}
	}
	artifact := entry.artifactName(name)
	want, ok := sums[artifact]
	if !ok {
		return "", &ImageFetchError{
			URL:       url,
			Retriable: false,
			Err:       fmt.Errorf("no checksum for %s in manifest", artifact),
		}
	}
	return want, nil
}

// download streams the artifact to path, hashing in flight, and returns
// the byte count and hex digest.
func (s *Store) download(ctx context.Context, url, path string, alg ChecksumAlgorithm) (int64, string, error) {
	resp, err := s.get(ctx, url)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	var h hash.Hash
	switch alg {
	case SHA512:
		h = sha512.New()
	default:
		h = sha256.New()
	}

	f, err := s.fs.Create(path)
	if err != nil {
		return 0, "", err
	}
	size, err := io.Copy(f, io.TeeReader(resp.Body, h))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, "", err
	}

	return size, hex.EncodeToString(h.Sum(nil)), nil
}

func (s *Store) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return resp, nil
}

// unpack decompresses src into dst according to the catalog entry, or
// renames it into place when the artifact is a raw qcow2.
func (s *Store) unpack(c compression, src, dst string) error {
	if c == compressionNone {
		return s.fs.Rename(src, dst)
	}

	in, err := s.fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	var r io.Reader
	switch c {
	case compressionXZ:
		r, err = xz.NewReader(in)
		if err != nil {
			return fmt.Errorf("opening xz stream: %w", err)
		}
	case compressionGzip:
		gz, err := gzip.NewReader(in)
		if err != nil {
			return fmt.Errorf("opening gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	case compressionBzip2:
		r = bzip2.NewReader(in)
	default:
		return fmt.Errorf("unsupported compression %q", c)
	}

	tmp := dst + ".unpack"
	out, err := s.fs.Create(tmp)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("decompressing image: %w", err)
	}
	if err := s.fs.Rename(tmp, dst); err != nil {
		return err
	}
	return s.fs.Remove(src)
}
