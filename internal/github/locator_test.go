package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"covpipe/internal/handoff"
)

const testSHA = "3333333333333333333333333333333333333333"

func bundle(t *testing.T, sha, pr string) []byte {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{"coverage.out": "mode: set\n", "pr_number.txt": pr, "sha.txt": sha + "\n"}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	b, err := handoff.Bundle(dir, handoff.DefaultLayout("coverage.out"))
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// fakeActions serves the artifact listing and a redirecting download
// endpoint the way the REST API does.
func fakeActions(t *testing.T, listing string, runListings map[string]string, archives map[int64][]byte) *Locator {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/o/r/actions/artifacts", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("name") != "codecov_report" {
			t.Errorf("name filter = %q", r.URL.Query().Get("name"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, listing)
	})
	mux.HandleFunc("GET /repos/o/r/actions/runs/{run}/artifacts", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, runListings[r.PathValue("run")])
	})
	mux.HandleFunc("GET /repos/o/r/actions/artifacts/{id}/zip", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://"+r.Host+"/blob/"+r.PathValue("id"), http.StatusFound)
	})
	mux.HandleFunc("GET /blob/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Error("token sent to the blob host")
		}
		var id int64
		_, _ = fmt.Sscan(r.PathValue("id"), &id)
		body, ok := archives[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := NewClient(context.Background(), "read-token", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	l, err := NewLocator(c, "o/r", nil)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func artifactJSON(id, run int64, sha string, expired bool) string {
	return fmt.Sprintf(`{"id":%d,"name":"codecov_report","size_in_bytes":10,"expired":%t,"created_at":"2026-01-01T00:00:00Z","workflow_run":{"id":%d,"head_sha":%q}}`, id, expired, run, sha)
}

func TestLocator_FetchPicksNewestRunForCommit(t *testing.T) {
	other := "4444444444444444444444444444444444444444"
	listing := `{"total_count":4,"artifacts":[` +
		artifactJSON(1, 10, testSHA, false) + "," +
		artifactJSON(2, 30, testSHA, false) + "," +
		artifactJSON(3, 50, testSHA, true) + "," +
		artifactJSON(4, 60, other, false) + `]}`
	l := fakeActions(t, listing, nil, map[int64][]byte{
		1: bundle(t, testSHA, ""),
		2: bundle(t, testSHA, "42\n"),
	})

	c, digest, err := l.Fetch(context.Background(), handoff.DefaultLayout("coverage.out"), Query{SHA: testSHA})
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if c.PRNumber != 42 || c.SHA != testSHA || digest == "" {
		t.Fatalf("contents = %+v digest = %q", c, digest)
	}
}

func TestLocator_NothingToFetch(t *testing.T) {
	listing := `{"total_count":1,"artifacts":[` + artifactJSON(3, 50, testSHA, true) + `]}`
	l := fakeActions(t, listing, nil, nil)

	_, _, err := l.Fetch(context.Background(), handoff.DefaultLayout("coverage.out"), Query{SHA: testSHA})
	if !errors.Is(err, handoff.ErrNotFound) {
		t.Fatalf("err = %v, want handoff.ErrNotFound", err)
	}
}

func TestLocator_RejectsArtifactForAnotherCommit(t *testing.T) {
	listing := `{"total_count":1,"artifacts":[` + artifactJSON(5, 70, testSHA, false) + `]}`
	l := fakeActions(t, listing, nil, map[int64][]byte{
		5: bundle(t, "5555555555555555555555555555555555555555", ""),
	})

	_, _, err := l.Fetch(context.Background(), handoff.DefaultLayout("coverage.out"), Query{SHA: testSHA})
	if !errors.Is(err, handoff.ErrMalformed) {
		t.Fatalf("err = %v, want handoff.ErrMalformed", err)
	}
}

func TestLocator_FetchByRunChecksRunHead(t *testing.T) {
	const claimed = "9999999999999999999999999999999999999999"
	runs := map[string]string{
		"77": `{"total_count":1,"artifacts":[` + artifactJSON(9, 77, testSHA, false) + `]}`,
	}
	// The run built testSHA but its bundle claims another commit.
	l := fakeActions(t, `{"total_count":0,"artifacts":[]}`, runs, map[int64][]byte{
		9: bundle(t, claimed, "7\n"),
	})

	c, _, err := l.Fetch(context.Background(), handoff.DefaultLayout("coverage.out"), Query{RunID: 77})
	if !errors.Is(err, handoff.ErrMalformed) {
		t.Fatalf("err = %v, want handoff.ErrMalformed", err)
	}
	if c != nil {
		t.Fatalf("contents returned for a mismatched bundle: %+v", c)
	}
}

func TestNewLocator_RepositoryFormat(t *testing.T) {
	c, err := NewClient(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	for _, repo := range []string{"", "owner", "/r", "o/", "o/r/x"} {
		if _, err := NewLocator(c, repo, nil); err == nil {
			t.Fatalf("NewLocator(%q) succeeded", repo)
		}
	}
}

func TestLocator_FetchByRun(t *testing.T) {
	runs := map[string]string{
		"77": `{"total_count":1,"artifacts":[` + artifactJSON(9, 77, testSHA, false) + `]}`,
		"78": `{"total_count":0,"artifacts":[]}`,
	}
	l := fakeActions(t, `{"total_count":0,"artifacts":[]}`, runs, map[int64][]byte{
		9: bundle(t, testSHA, "7\n"),
	})
	layout := handoff.DefaultLayout("coverage.out")

	c, _, err := l.Fetch(context.Background(), layout, Query{RunID: 77})
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if c.PRNumber != 7 {
		t.Fatalf("PRNumber = %d, want 7", c.PRNumber)
	}

	if _, _, err := l.Fetch(context.Background(), layout, Query{RunID: 77, SHA: "6666666666666666666666666666666666666666"}); !errors.Is(err, handoff.ErrMalformed) {
		t.Fatalf("mismatched commit err = %v, want ErrMalformed", err)
	}
	if _, _, err := l.Fetch(context.Background(), layout, Query{RunID: 78}); !errors.Is(err, handoff.ErrNotFound) {
		t.Fatalf("empty run err = %v, want ErrNotFound", err)
	}
	if _, _, err := l.Fetch(context.Background(), layout, Query{}); err == nil {
		t.Fatal("empty query succeeded")
	}
}
