package github

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewClient_NilContextReturnsError(t *testing.T) {
	var nilCtx context.Context
	_, err := NewClient(nilCtx, "")
	if err == nil || !strings.Contains(err.Error(), "ctx is nil") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewClient_LogsWithoutLeakingToken(t *testing.T) {
	ctx := context.Background()

	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte("{}"))
	}))
	t.Cleanup(server.Close)

	for _, token := range []string{"", "test-token"} {
		gotAuth = ""
		var logs bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
		c, err := NewClient(ctx, token, WithLogger(logger), WithBaseURL(server.URL))
		if err != nil {
			t.Fatalf("NewClient failed: %v", err)
		}
		req, err := c.Client.NewRequest("GET", "rate_limit", nil)
		if err != nil {
			t.Fatalf("NewRequest: %v", err)
		}
		if _, err := c.Client.Do(ctx, req, nil); err != nil {
			t.Fatalf("Do: %v", err)
		}

		if !strings.Contains(logs.String(), "path=/rate_limit") || !strings.Contains(logs.String(), "status=200") {
			t.Fatalf("expected request and response logs, got: %q", logs.String())
		}
		if token == "" && gotAuth != "" {
			t.Fatalf("expected no Authorization header, got %q", gotAuth)
		}
		if token != "" {
			if !strings.Contains(gotAuth, token) {
				t.Fatalf("Authorization header = %q", gotAuth)
			}
			if strings.Contains(logs.String(), token) {
				t.Fatal("token appeared in logs")
			}
		}
	}
}
