package cache

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Pack writes the given paths (relative to root) as a zstd-compressed tar
// stream. Missing paths are skipped; the archive may be empty.
func Pack(w io.Writer, root string, paths []string) (files int, err error) {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return 0, err
	}
	tw := tar.NewWriter(zw)

	for _, p := range paths {
		base := filepath.Join(root, p)
		if _, statErr := os.Lstat(base); errors.Is(statErr, fs.ErrNotExist) {
			continue
		}
		walkErr := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			if !info.Mode().IsRegular() && !info.IsDir() {
				// Sockets, devices and symlinks are not cache material.
				return nil
			}
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = filepath.ToSlash(rel)
			if info.IsDir() {
				hdr.Name += "/"
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			if info.IsDir() {
				return nil
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(tw, f)
			f.Close()
			if err != nil {
				return err
			}
			files++
			return nil
		})
		if walkErr != nil {
			tw.Close()
			zw.Close()
			return files, fmt.Errorf("cache: pack %s: %w", p, walkErr)
		}
	}

	if err := tw.Close(); err != nil {
		zw.Close()
		return files, err
	}
	return files, zw.Close()
}

// Unpack extracts a stream produced by Pack under root. Entries that would
// land outside root are rejected.
func Unpack(r io.Reader, root string) (files int, err error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return 0, err
	}
	defer zr.Close()

	cleanRoot, err := filepath.Abs(root)
	if err != nil {
		return 0, err
	}
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return files, nil
		}
		if err != nil {
			return files, fmt.Errorf("cache: read archive: %w", err)
		}

		target := filepath.Join(cleanRoot, filepath.FromSlash(hdr.Name))
		if target != cleanRoot && !strings.HasPrefix(target, cleanRoot+string(filepath.Separator)) {
			return files, fmt.Errorf("cache: archive entry escapes root: %q", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return files, err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fs.FileMode(hdr.Mode).Perm())
			if err != nil {
				return files, err
			}
			_, err = io.Copy(f, tr)
			closeErr := f.Close()
			if err != nil {
				return files, err
			}
			if closeErr != nil {
				return files, closeErr
			}
			files++
		default:
			// Ignore anything Pack never writes.
		}
	}
}
