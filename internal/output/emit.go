package output

import (
	"fmt"
	"io"
	"sync"
)

// EmitSink writes an additional structured stream to stdout.
//
// Formats:
//   - json: aggregates the run into a RunRecord written on Close
//   - ndjson: streams Event values (one JSON object per line)
type EmitSink struct {
	writer io.Writer
	format string // "json" | "ndjson"
	mu     sync.Mutex
	record RunRecord
}

func NewEmitSink(w io.Writer, format string) (*EmitSink, error) {
	if w == nil {
		return nil, fmt.Errorf("emit sink writer must not be nil")
	}
	if format != "json" && format != "ndjson" {
		return nil, fmt.Errorf("unsupported emit format: %s", format)
	}
	return &EmitSink{writer: w, format: format}, nil
}

func (s *EmitSink) Write(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.format == "ndjson" {
		return encodeStream(s.writer, v)
	}
	s.record.add(v)
	return nil
}

func (s *EmitSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.format == "json" {
		return s.record.encode(s.writer)
	}
	return nil
}
