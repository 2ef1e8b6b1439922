// Package cache persists toolchain and dependency build caches across runs.
//
// Restores are best effort: a miss or a broken entry costs time, never
// correctness. Saves are gated on trust: only runs on the primary branch may
// write, so code from an unreviewed pull request can never poison an entry
// that later trusted runs restore.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// SaveResult describes why a save did or did not write an entry.
type SaveResult string

const (
	SaveWritten   SaveResult = "written"
	SaveUntrusted SaveResult = "skipped-untrusted"
	SaveExists    SaveResult = "skipped-exists"
	SaveDisabled  SaveResult = "skipped-disabled"
)

type Manager struct {
	store  Store
	root   string
	paths  []string
	logger *slog.Logger
}

func NewManager(store Store, root string, paths []string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{store: store, root: root, paths: paths, logger: logger}
}

// Restore extracts the entry for key into the work dir. It never fails the
// run: any problem is logged and reported as a miss.
func (m *Manager) Restore(ctx context.Context, key string) (hit bool) {
	if m == nil || m.store == nil || key == "" {
		return false
	}
	rc, err := m.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		m.logger.Info("cache miss", "key", key)
		return false
	}
	if err != nil {
		m.logger.Warn("cache restore failed", "key", key, "err", err)
		return false
	}
	defer rc.Close()

	n, err := Unpack(rc, m.root)
	if err != nil {
		m.logger.Warn("cache restore failed", "key", key, "err", err)
		return false
	}
	m.logger.Info("cache restored", "key", key, "files", n)
	return true
}

// Save archives the cache paths under key. Untrusted runs never write, and an
// existing entry is never replaced.
func (m *Manager) Save(ctx context.Context, key string, trusted bool) (SaveResult, error) {
	if m == nil || m.store == nil || key == "" {
		return SaveDisabled, nil
	}
	if !trusted {
		m.logger.Info("cache save skipped for untrusted run", "key", key)
		return SaveUntrusted, nil
	}
	exists, err := m.store.Exists(ctx, key)
	if err != nil {
		return "", fmt.Errorf("cache: check %s: %w", key, err)
	}
	if exists {
		m.logger.Info("cache entry already exists", "key", key)
		return SaveExists, nil
	}

	tmp, err := os.CreateTemp("", "covpipe-cache-*.tar.zst")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	files, err := Pack(tmp, m.root, m.paths)
	if err != nil {
		return "", err
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return "", err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	if err := m.store.Put(ctx, key, tmp, size); err != nil {
		return "", fmt.Errorf("cache: save %s: %w", key, err)
	}
	m.logger.Info("cache saved", "key", key, "files", files, "bytes", size)
	return SaveWritten, nil
}
