package output

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileSink writes the run to --out. ndjson lines are written as they arrive
// so a crashed run still leaves a readable prefix.
type FileSink struct {
	path   string
	format string
	file   *os.File
	mu     sync.Mutex
	record RunRecord
}

// InferFormat maps an output file extension to a format.
func InferFormat(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		return "json", nil
	case ".ndjson", ".jsonl":
		return "ndjson", nil
	}
	return "", fmt.Errorf("cannot infer output format from file extension %q", ext)
}

func NewFileSink(path string, format string) (*FileSink, error) {
	if path == "" {
		return nil, fmt.Errorf("output path required")
	}
	if format == "" {
		f, err := InferFormat(path)
		if err != nil {
			return nil, err
		}
		format = f
	}
	if format != "json" && format != "ndjson" {
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return &FileSink{path: path, format: format, file: f}, nil
}

func (s *FileSink) Write(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.format == "ndjson" {
		return encodeStream(s.file, v)
	}
	s.record.add(v)
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.format == "json" {
		err = s.record.encode(s.file)
	}
	if closeErr := s.file.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}
