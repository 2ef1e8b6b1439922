package handoff

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

var (
	// ErrMissingConstituent reports that a file the bundle must contain is absent.
	ErrMissingConstituent = errors.New("handoff: artifact constituent missing")
	// ErrMalformed reports a bundle that violates the artifact contract.
	ErrMalformed = errors.New("handoff: malformed artifact")
	// ErrNotFound reports that no bundle exists for the requested commit or run.
	ErrNotFound = errors.New("handoff: artifact not found")
	// ErrDigestMismatch reports a bundle whose content does not match its recorded digest.
	ErrDigestMismatch = errors.New("handoff: artifact digest mismatch")
)

// Layout names the bundle and its three files.
type Layout struct {
	Name    string
	Report  string
	PRFile  string
	SHAFile string
}

func DefaultLayout(report string) Layout {
	return Layout{Name: "codecov_report", Report: report, PRFile: "pr_number.txt", SHAFile: "sha.txt"}
}

// Files lists the bundle entries in their fixed order.
func (l Layout) Files() []string {
	return []string{l.Report, l.PRFile, l.SHAFile}
}

func (l Layout) validate() error {
	if l.Name == "" {
		return errors.New("handoff: artifact name is required")
	}
	seen := map[string]struct{}{}
	for _, f := range l.Files() {
		if f == "" {
			return errors.New("handoff: artifact file names must not be empty")
		}
		if _, dup := seen[f]; dup {
			return fmt.Errorf("handoff: duplicate artifact file name %q", f)
		}
		seen[f] = struct{}{}
	}
	return nil
}

// Metadata is what the trigger knows that the publication side cannot learn
// on its own.
type Metadata struct {
	SHA      string
	PRNumber int
}

// Ref addresses one stored bundle.
type Ref struct {
	Name  string
	SHA   string
	RunID string
}

// Digest returns the hex BLAKE3 digest of b.
func Digest(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}
