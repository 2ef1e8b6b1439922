package github

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v81/github"

	"covpipe/internal/handoff"
)

// maxDownload bounds an artifact download; handoff bundles are three files.
const maxDownload = 256 << 20

// Artifact is one uploaded handoff bundle as GitHub lists it.
type Artifact struct {
	ID      int64
	Name    string
	SHA     string
	RunID   int64
	Size    int64
	Created time.Time
}

// Locator finds and downloads handoff artifacts for one repository.
type Locator struct {
	client *Client
	owner  string
	repo   string
	// download fetches the signed archive URL. It has no token: the URL
	// already carries its own authorization.
	download *http.Client
	logger   *slog.Logger
}

func NewLocator(c *Client, repository string, logger *slog.Logger) (*Locator, error) {
	if c == nil || c.Client == nil {
		return nil, errors.New("github locator: client is nil")
	}
	owner, repo, ok := strings.Cut(strings.TrimSpace(repository), "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return nil, fmt.Errorf("github locator: repository must be owner/name, got %q", repository)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Locator{
		client:   c,
		owner:    owner,
		repo:     repo,
		download: &http.Client{Timeout: 5 * time.Minute},
		logger:   logger,
	}, nil
}

// Find returns the newest unexpired artifact called name produced for sha.
// It returns handoff.ErrNotFound when no run uploaded one.
func (l *Locator) Find(ctx context.Context, name, sha string) (Artifact, error) {
	opts := &github.ListArtifactsOptions{
		Name:        github.Ptr(name),
		ListOptions: github.ListOptions{PerPage: 100},
	}
	var best *Artifact
	for {
		list, resp, err := l.client.Client.Actions.ListArtifacts(ctx, l.owner, l.repo, opts)
		if err != nil {
			return Artifact{}, fmt.Errorf("list artifacts: %w", err)
		}
		for _, a := range list.Artifacts {
			if a.GetName() != name || a.GetExpired() {
				continue
			}
			run := a.GetWorkflowRun()
			if run.GetHeadSHA() != sha {
				continue
			}
			cand := Artifact{
				ID:      a.GetID(),
				Name:    a.GetName(),
				SHA:     run.GetHeadSHA(),
				RunID:   run.GetID(),
				Size:    a.GetSizeInBytes(),
				Created: a.GetCreatedAt().Time,
			}
			if best == nil || newer(cand, *best) {
				best = &cand
			}
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	if best == nil {
		return Artifact{}, fmt.Errorf("%w: %s for %s in %s/%s", handoff.ErrNotFound, name, sha, l.owner, l.repo)
	}
	l.logger.Debug("artifact found", "id", best.ID, "run", best.RunID, "size", best.Size)
	return *best, nil
}

func newer(a, b Artifact) bool {
	if a.RunID != b.RunID {
		return a.RunID > b.RunID
	}
	return a.Created.After(b.Created)
}

// Download fetches the archive GitHub built around the uploaded files.
func (l *Locator) Download(ctx context.Context, a Artifact) ([]byte, error) {
	if a.Size > maxDownload {
		return nil, fmt.Errorf("artifact %d is %d bytes, over the %d byte limit", a.ID, a.Size, maxDownload)
	}
	u, _, err := l.client.Client.Actions.DownloadArtifact(ctx, l.owner, l.repo, a.ID, 1)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact %d download: %w", a.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.download.Do(req)
	if err != nil {
		// The error text carries the signed URL.
		return nil, fmt.Errorf("download artifact %d: request failed", a.ID)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download artifact %d: %s", a.ID, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDownload+1))
	if err != nil {
		return nil, fmt.Errorf("download artifact %d: %w", a.ID, err)
	}
	if len(body) > maxDownload {
		return nil, fmt.Errorf("artifact %d exceeds %d bytes", a.ID, maxDownload)
	}
	return body, nil
}

// FindInRun returns the artifact called name that workflow run runID
// uploaded. This is how a workflow_run triggered publisher addresses the
// producer run that woke it.
func (l *Locator) FindInRun(ctx context.Context, runID int64, name string) (Artifact, error) {
	opts := &github.ListOptions{PerPage: 100}
	for {
		list, resp, err := l.client.Client.Actions.ListWorkflowRunArtifacts(ctx, l.owner, l.repo, runID, opts)
		if err != nil {
			return Artifact{}, fmt.Errorf("list run %d artifacts: %w", runID, err)
		}
		for _, a := range list.Artifacts {
			if a.GetName() != name || a.GetExpired() {
				continue
			}
			return Artifact{
				ID:      a.GetID(),
				Name:    a.GetName(),
				SHA:     a.GetWorkflowRun().GetHeadSHA(),
				RunID:   runID,
				Size:    a.GetSizeInBytes(),
				Created: a.GetCreatedAt().Time,
			}, nil
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return Artifact{}, fmt.Errorf("%w: %s in run %d of %s/%s", handoff.ErrNotFound, name, runID, l.owner, l.repo)
}

// Query selects the producer run to fetch from. RunID, when set, wins; SHA
// then only has to match what the artifact records. Either way the bundle's
// commit must be the head commit of the run that uploaded it.
type Query struct {
	SHA   string
	RunID int64
}

// Fetch finds, downloads and validates a handoff. The returned digest is the
// blake3 digest of the downloaded archive.
func (l *Locator) Fetch(ctx context.Context, layout handoff.Layout, q Query) (*handoff.Contents, string, error) {
	var (
		a   Artifact
		err error
	)
	switch {
	case q.RunID > 0:
		a, err = l.FindInRun(ctx, q.RunID, layout.Name)
	case q.SHA != "":
		a, err = l.Find(ctx, layout.Name, q.SHA)
	default:
		return nil, "", errors.New("fetch: a commit or a run id is required")
	}
	if err != nil {
		return nil, "", err
	}
	body, err := l.Download(ctx, a)
	if err != nil {
		return nil, "", err
	}
	c, err := handoff.Open(bytes.NewReader(body), int64(len(body)), layout)
	if err != nil {
		return nil, "", err
	}
	// The run's head commit comes from the API, not from the bundle.
	if a.SHA != "" && c.SHA != a.SHA {
		return nil, "", fmt.Errorf("%w: artifact %d names commit %s, but run %d built %s", handoff.ErrMalformed, a.ID, c.SHA, a.RunID, a.SHA)
	}
	if q.SHA != "" && c.SHA != q.SHA {
		return nil, "", fmt.Errorf("%w: artifact %d names commit %s, expected %s", handoff.ErrMalformed, a.ID, c.SHA, q.SHA)
	}
	return c, handoff.Digest(body), nil
}
