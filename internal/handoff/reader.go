package handoff

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zip"

	"covpipe/internal/trigger"
)

// maxMetadataSize bounds pr_number.txt and sha.txt.
const maxMetadataSize = 128

// Contents is a verified bundle.
type Contents struct {
	SHA        string
	PRNumber   int
	ReportName string
	Report     []byte
}

// IsPullRequest reports whether the bundle came from a pull request run.
func (c *Contents) IsPullRequest() bool {
	return c.PRNumber > 0
}

// Open reads a bundle and enforces the artifact contract: exactly the three
// layout files, a well-formed commit id, and an empty or positive PR number.
func Open(r io.ReaderAt, size int64, layout Layout) (*Contents, error) {
	if err := layout.validate(); err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	want := map[string]bool{}
	for _, name := range layout.Files() {
		want[name] = false
	}
	files := map[string]*zip.File{}
	for _, f := range zr.File {
		seen, ok := want[f.Name]
		if !ok {
			return nil, fmt.Errorf("%w: unexpected entry %q", ErrMalformed, f.Name)
		}
		if seen {
			return nil, fmt.Errorf("%w: duplicate entry %q", ErrMalformed, f.Name)
		}
		want[f.Name] = true
		files[f.Name] = f
	}
	for _, name := range layout.Files() {
		if !want[name] {
			return nil, fmt.Errorf("%w: %s", ErrMissingConstituent, name)
		}
	}

	shaRaw, err := readEntry(files[layout.SHAFile], maxMetadataSize)
	if err != nil {
		return nil, err
	}
	sha := strings.TrimSpace(string(shaRaw))
	if !trigger.ValidSHA(sha) {
		return nil, fmt.Errorf("%w: %s holds %q", ErrMalformed, layout.SHAFile, sha)
	}

	prRaw, err := readEntry(files[layout.PRFile], maxMetadataSize)
	if err != nil {
		return nil, err
	}
	pr := 0
	if s := strings.TrimSpace(string(prRaw)); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || strings.HasPrefix(s, "+") || strings.HasPrefix(s, "0") {
			return nil, fmt.Errorf("%w: %s holds %q", ErrMalformed, layout.PRFile, s)
		}
		pr = n
	}

	report, err := readEntry(files[layout.Report], maxBundleSize)
	if err != nil {
		return nil, err
	}
	return &Contents{SHA: sha, PRNumber: pr, ReportName: layout.Report, Report: report}, nil
}

func readEntry(f *zip.File, limit int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrMalformed, f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrMalformed, f.Name, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrMalformed, f.Name, limit)
	}
	return data, nil
}

// Extract writes the verified bundle back out as the three files under dir.
func (c *Contents) Extract(dir string, layout Layout) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	pr := ""
	if c.PRNumber > 0 {
		pr = strconv.Itoa(c.PRNumber)
	}
	writes := []struct {
		name string
		data []byte
	}{
		{layout.Report, c.Report},
		{layout.PRFile, []byte(pr + "\n")},
		{layout.SHAFile, []byte(c.SHA + "\n")},
	}
	for _, w := range writes {
		if err := os.WriteFile(filepath.Join(dir, w.name), w.data, 0o644); err != nil {
			return fmt.Errorf("handoff: write %s: %w", w.name, err)
		}
	}
	return nil
}
