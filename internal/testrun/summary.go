package testrun

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrUnknownFormat reports a report this package cannot summarize. Reports in
// other formats are still valid artifacts.
var ErrUnknownFormat = errors.New("unknown coverage report format")

// Summary is statement coverage computed from a Go cover profile.
type Summary struct {
	Mode       string
	Statements int
	Covered    int
	Files      int
}

func (s Summary) Percent() float64 {
	if s.Statements == 0 {
		return 0
	}
	return 100 * float64(s.Covered) / float64(s.Statements)
}

// Summarize reads a cover profile ("mode: set|count|atomic" followed by
// "file:start,end numStmt count" lines). Blocks reported more than once, as
// happens with -coverpkg across packages, count once and are covered if any
// occurrence is.
func Summarize(path string) (*Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, err
		}
		return nil, ErrUnknownFormat
	}
	mode, ok := strings.CutPrefix(strings.TrimSpace(sc.Text()), "mode: ")
	if !ok {
		return nil, ErrUnknownFormat
	}

	type block struct {
		stmts   int
		covered bool
	}
	blocks := make(map[string]*block)
	files := make(map[string]struct{})
	line := 1
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 3 {
			return nil, fmt.Errorf("cover profile line %d: expected 3 fields", line)
		}
		stmts, err1 := strconv.Atoi(fields[1])
		count, err2 := strconv.Atoi(fields[2])
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("cover profile line %d: bad counts", line)
		}
		file, _, ok := strings.Cut(fields[0], ":")
		if !ok {
			return nil, fmt.Errorf("cover profile line %d: missing position", line)
		}
		files[file] = struct{}{}
		b := blocks[fields[0]]
		if b == nil {
			b = &block{stmts: stmts}
			blocks[fields[0]] = b
		}
		if count > 0 {
			b.covered = true
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	s := &Summary{Mode: mode, Files: len(files)}
	for _, b := range blocks {
		s.Statements += b.stmts
		if b.covered {
			s.Covered += b.stmts
		}
	}
	return s, nil
}
