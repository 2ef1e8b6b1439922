package concurrency

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
)

// FileStore keeps one epoch file per group under a directory so separate
// processes on the same host agree on the newest Run. Access to each file is
// serialized with an advisory lock.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("concurrency: state dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("concurrency: create state dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// path maps a group to a file name. Group names carry branch names, so they
// are flattened and suffixed with a hash to keep distinct groups distinct.
func (s *FileStore) path(group string) string {
	flat := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		}
		return '_'
	}, group)
	if len(flat) > 64 {
		flat = flat[:64]
	}
	sum := blake3.Sum256([]byte(group))
	return filepath.Join(s.dir, flat+"-"+hex.EncodeToString(sum[:4])+".epoch")
}

func (s *FileStore) Advance(ctx context.Context, group string) (uint64, error) {
	f, err := os.OpenFile(s.path(group), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if err := lockFile(f, true); err != nil {
		return 0, fmt.Errorf("lock epoch file: %w", err)
	}
	defer unlockFile(f)

	cur, err := readEpoch(f)
	if err != nil {
		return 0, err
	}
	next := cur + 1
	if err := f.Truncate(0); err != nil {
		return 0, err
	}
	if _, err := f.WriteAt([]byte(strconv.FormatUint(next, 10)+"\n"), 0); err != nil {
		return 0, err
	}
	if err := f.Sync(); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *FileStore) Current(ctx context.Context, group string) (uint64, error) {
	f, err := os.Open(s.path(group))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if err := lockFile(f, false); err != nil {
		return 0, fmt.Errorf("lock epoch file: %w", err)
	}
	defer unlockFile(f)
	return readEpoch(f)
}

func readEpoch(f *os.File) (uint64, error) {
	raw, err := io.ReadAll(io.NewSectionReader(f, 0, 64))
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt epoch file %s: %w", f.Name(), err)
	}
	return n, nil
}
