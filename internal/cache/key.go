package cache

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"
)

// ErrNoKeyFiles reports that no file matched the key patterns, so there is no
// project state to fingerprint.
var ErrNoKeyFiles = errors.New("cache: no files match the key patterns")

// keyDomain separates cache fingerprints from any other BLAKE3 use. ASCII,
// zero-padded to 32 bytes.
var keyDomain = [32]byte{
	'c', 'o', 'v', 'p', 'i', 'p', 'e', '.', 'c', 'a', 'c', 'h', 'e', '.', 'k', 'e', 'y',
}

// Key fingerprints the project state under root. patterns are globs relative
// to root; salt distinguishes otherwise identical states (toolchain version,
// workflow). The key has the form <prefix>-<goos>-<digest>.
func Key(ctx context.Context, root, prefix string, patterns []string, salt string) (string, error) {
	files, err := matchKeyFiles(root, patterns)
	if err != nil {
		return "", err
	}

	digests := make([][32]byte, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, rel := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			d, err := hashFile(filepath.Join(root, rel))
			if err != nil {
				return fmt.Errorf("cache: hash %s: %w", rel, err)
			}
			digests[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	h, err := blake3.NewKeyed(keyDomain[:])
	if err != nil {
		return "", err
	}
	_, _ = io.WriteString(h, salt)
	_, _ = h.Write([]byte{0})
	for i, rel := range files {
		_, _ = io.WriteString(h, filepath.ToSlash(rel))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write(digests[i][:])
	}
	sum := h.Sum(nil)
	return fmt.Sprintf("%s-%s-%s", prefix, runtime.GOOS, hex.EncodeToString(sum[:16])), nil
}

func matchKeyFiles(root string, patterns []string) ([]string, error) {
	seen := make(map[string]struct{})
	for _, pat := range patterns {
		matches, err := filepath.Glob(filepath.Join(root, pat))
		if err != nil {
			return nil, fmt.Errorf("cache: bad key pattern %q: %w", pat, err)
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			rel, err := filepath.Rel(root, m)
			if err != nil {
				return nil, err
			}
			seen[rel] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil, ErrNoKeyFiles
	}
	files := make([]string, 0, len(seen))
	for f := range seen {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

func hashFile(path string) ([32]byte, error) {
	var out [32]byte
	f, err := os.Open(path)
	if err != nil {
		return out, err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return out, err
	}
	copy(out[:], h.Sum(nil))
	return out, nil
}
