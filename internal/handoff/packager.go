package handoff

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/klauspost/compress/zip"

	"covpipe/internal/trigger"
)

// Artifact describes a stored bundle.
type Artifact struct {
	Ref    Ref
	Digest string
	Size   int64
	Files  []string
}

type Packager struct {
	layout Layout
	store  Store
	logger *slog.Logger
}

func NewPackager(layout Layout, store Store, logger *slog.Logger) (*Packager, error) {
	if err := layout.validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("handoff: store is nil")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Packager{layout: layout, store: store, logger: logger}, nil
}

// WriteMetadata writes the two metadata files into dir.
func (p *Packager) WriteMetadata(dir string, meta Metadata) error {
	if !trigger.ValidSHA(meta.SHA) {
		return fmt.Errorf("handoff: invalid commit id %q", meta.SHA)
	}
	if meta.PRNumber < 0 {
		return fmt.Errorf("handoff: invalid pull request number %d", meta.PRNumber)
	}
	pr := ""
	if meta.PRNumber > 0 {
		pr = strconv.Itoa(meta.PRNumber)
	}
	if err := os.WriteFile(filepath.Join(dir, p.layout.PRFile), []byte(pr+"\n"), 0o644); err != nil {
		return fmt.Errorf("handoff: write %s: %w", p.layout.PRFile, err)
	}
	if err := os.WriteFile(filepath.Join(dir, p.layout.SHAFile), []byte(meta.SHA+"\n"), 0o644); err != nil {
		return fmt.Errorf("handoff: write %s: %w", p.layout.SHAFile, err)
	}
	return nil
}

// Package writes the metadata next to the report in dir, bundles the three
// files, and stores the bundle under ref. Any missing constituent fails the
// whole operation and nothing is stored.
func (p *Packager) Package(ctx context.Context, dir string, meta Metadata, runID string) (*Artifact, error) {
	if err := p.WriteMetadata(dir, meta); err != nil {
		return nil, err
	}
	bundle, err := Bundle(dir, p.layout)
	if err != nil {
		return nil, err
	}

	ref := Ref{Name: p.layout.Name, SHA: meta.SHA, RunID: runID}
	digest := Digest(bundle)
	if err := p.store.Put(ctx, ref, bytes.NewReader(bundle), int64(len(bundle)), digest); err != nil {
		return nil, fmt.Errorf("handoff: store %s: %w", p.layout.Name, err)
	}
	p.logger.Info("artifact stored", "name", ref.Name, "sha", ref.SHA, "run", ref.RunID, "bytes", len(bundle), "digest", digest)
	return &Artifact{Ref: ref, Digest: digest, Size: int64(len(bundle)), Files: p.layout.Files()}, nil
}

// Bundle zips exactly the layout's three files from dir.
func Bundle(dir string, layout Layout) ([]byte, error) {
	if err := layout.validate(); err != nil {
		return nil, err
	}

	var missing []string
	for _, name := range layout.Files() {
		info, err := os.Stat(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.Mode().IsRegular()) {
			missing = append(missing, name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("handoff: stat %s: %w", name, err)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrMissingConstituent, missing)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range layout.Files() {
		if err := addFile(zw, filepath.Join(dir, name), name); err != nil {
			zw.Close()
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func addFile(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("handoff: open %s: %w", name, err)
	}
	defer f.Close()
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: time.Unix(0, 0).UTC(),
	})
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("handoff: add %s: %w", name, err)
	}
	return nil
}
