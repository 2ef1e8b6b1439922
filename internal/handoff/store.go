package handoff

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"covpipe/internal/objstore"
	"covpipe/internal/trigger"
)

// maxBundleSize bounds what a consumer will read from a store.
const maxBundleSize = 256 << 20

// Store keeps bundles addressed by Ref together with their digest.
type Store interface {
	Put(ctx context.Context, ref Ref, r io.Reader, size int64, digest string) error
	// Latest returns the most recent run that stored name for sha.
	Latest(ctx context.Context, name, sha string) (Ref, error)
	// Get returns the bundle bytes and the digest recorded at Put time.
	Get(ctx context.Context, ref Ref) ([]byte, string, error)
}

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

func (r Ref) validate() error {
	if !segmentPattern.MatchString(r.Name) || r.Name == "." || r.Name == ".." {
		return fmt.Errorf("handoff: invalid artifact name %q", r.Name)
	}
	if !trigger.ValidSHA(r.SHA) {
		return fmt.Errorf("handoff: invalid commit id %q", r.SHA)
	}
	if !segmentPattern.MatchString(r.RunID) || r.RunID == "." || r.RunID == ".." {
		return fmt.Errorf("handoff: invalid run id %q", r.RunID)
	}
	return nil
}

func (r Ref) key() string {
	return path.Join(r.Name, r.SHA, r.RunID+".zip")
}

// compareRunIDs orders numeric run ids numerically and everything else
// lexically. Time-ordered UUIDs sort correctly as strings.
func compareRunIDs(a, b string) int {
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	if errA == nil && errB == nil {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}

func latest(name, sha string, runIDs []string) (Ref, error) {
	if len(runIDs) == 0 {
		return Ref{}, fmt.Errorf("%w: %s for %s", ErrNotFound, name, sha)
	}
	return Ref{Name: name, SHA: sha, RunID: slices.MaxFunc(runIDs, compareRunIDs)}, nil
}

// Load fetches ref from s, checks the recorded digest, and opens the bundle.
func Load(ctx context.Context, s Store, ref Ref, layout Layout) (*Contents, string, error) {
	data, want, err := s.Get(ctx, ref)
	if err != nil {
		return nil, "", err
	}
	got := Digest(data)
	if want != "" && got != want {
		return nil, "", fmt.Errorf("%w: %s recorded %s, content %s", ErrDigestMismatch, ref.key(), want, got)
	}
	c, err := Open(bytes.NewReader(data), int64(len(data)), layout)
	if err != nil {
		return nil, "", err
	}
	if c.SHA != ref.SHA {
		return nil, "", fmt.Errorf("%w: %s holds commit %s", ErrMalformed, ref.key(), c.SHA)
	}
	return c, got, nil
}

// LocalStore keeps bundles under a directory as <name>/<sha>/<run>.zip with a
// .blake3 digest file alongside.
type LocalStore struct {
	root string
}

func NewLocalStore(root string) (*LocalStore, error) {
	if root == "" {
		return nil, errors.New("handoff: store dir is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("handoff: create store dir: %w", err)
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) path(ref Ref) string {
	return filepath.Join(s.root, filepath.FromSlash(ref.key()))
}

// Path returns where ref is (or would be) stored.
func (s *LocalStore) Path(ref Ref) string {
	return s.path(ref)
}

func (s *LocalStore) Put(ctx context.Context, ref Ref, r io.Reader, size int64, digest string) error {
	if err := ref.validate(); err != nil {
		return err
	}
	dst := s.path(ref)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := writeAtomic(dst, r); err != nil {
		return err
	}
	return writeAtomic(dst+".blake3", strings.NewReader(digest+"\n"))
}

func writeAtomic(dst string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func (s *LocalStore) Latest(ctx context.Context, name, sha string) (Ref, error) {
	probe := Ref{Name: name, SHA: sha, RunID: "0"}
	if err := probe.validate(); err != nil {
		return Ref{}, err
	}
	entries, err := os.ReadDir(filepath.Dir(s.path(probe)))
	if errors.Is(err, fs.ErrNotExist) {
		return Ref{}, fmt.Errorf("%w: %s for %s", ErrNotFound, name, sha)
	}
	if err != nil {
		return Ref{}, err
	}
	var runs []string
	for _, e := range entries {
		if run, ok := strings.CutSuffix(e.Name(), ".zip"); ok && e.Type().IsRegular() {
			runs = append(runs, run)
		}
	}
	return latest(name, sha, runs)
}

func (s *LocalStore) Get(ctx context.Context, ref Ref) ([]byte, string, error) {
	if err := ref.validate(); err != nil {
		return nil, "", err
	}
	p := s.path(ref)
	data, err := readLimited(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", fmt.Errorf("%w: %s", ErrNotFound, ref.key())
	}
	if err != nil {
		return nil, "", err
	}
	digest, err := os.ReadFile(p + ".blake3")
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, "", err
	}
	return data, strings.TrimSpace(string(digest)), nil
}

func readLimited(p string) ([]byte, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readAllLimited(f)
}

func readAllLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBundleSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxBundleSize {
		return nil, fmt.Errorf("%w: bundle exceeds %d bytes", ErrMalformed, maxBundleSize)
	}
	return data, nil
}

// BucketStore keeps bundles in an S3-compatible bucket using the same key
// layout as LocalStore.
type BucketStore struct {
	b *objstore.Bucket
}

func NewBucketStore(b *objstore.Bucket) *BucketStore {
	return &BucketStore{b: b}
}

func (s *BucketStore) Put(ctx context.Context, ref Ref, r io.Reader, size int64, digest string) error {
	if err := ref.validate(); err != nil {
		return err
	}
	if err := s.b.Put(ctx, ref.key(), r, size, "application/zip"); err != nil {
		return err
	}
	d := digest + "\n"
	return s.b.Put(ctx, ref.key()+".blake3", strings.NewReader(d), int64(len(d)), "text/plain")
}

func (s *BucketStore) Latest(ctx context.Context, name, sha string) (Ref, error) {
	probe := Ref{Name: name, SHA: sha, RunID: "0"}
	if err := probe.validate(); err != nil {
		return Ref{}, err
	}
	keys, err := s.b.List(ctx, path.Join(name, sha)+"/")
	if err != nil {
		return Ref{}, err
	}
	var runs []string
	for _, k := range keys {
		if run, ok := strings.CutSuffix(path.Base(k), ".zip"); ok {
			runs = append(runs, run)
		}
	}
	return latest(name, sha, runs)
}

func (s *BucketStore) Get(ctx context.Context, ref Ref) ([]byte, string, error) {
	if err := ref.validate(); err != nil {
		return nil, "", err
	}
	rc, _, err := s.b.Get(ctx, ref.key())
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, "", fmt.Errorf("%w: %s", ErrNotFound, ref.key())
	}
	if err != nil {
		return nil, "", err
	}
	data, err := readAllLimited(rc)
	rc.Close()
	if err != nil {
		return nil, "", err
	}

	var digest string
	drc, _, err := s.b.Get(ctx, ref.key()+".blake3")
	switch {
	case errors.Is(err, objstore.ErrNotFound):
	case err != nil:
		return nil, "", err
	default:
		raw, err := io.ReadAll(io.LimitReader(drc, 1024))
		drc.Close()
		if err != nil {
			return nil, "", err
		}
		digest = strings.TrimSpace(string(raw))
	}
	return data, digest, nil
}
