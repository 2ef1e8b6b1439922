// Package github reads handoff artifacts that a producer run uploaded to
// GitHub Actions. It is the only part of covpipe that holds a token, and the
// token never leaves this package's HTTP transport.
package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v81/github"
	"golang.org/x/oauth2"
)

type Client struct {
	Client *github.Client
	HTTP   *http.Client
}

type options struct {
	logger  *slog.Logger
	baseURL string
}

type Option func(*options)

// WithLogger logs one debug line per API request and response.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithBaseURL points the client at a GitHub Enterprise or test server.
func WithBaseURL(u string) Option {
	return func(o *options) { o.baseURL = u }
}

// loggingRoundTripper never logs headers; the Authorization header is added
// below it by the oauth2 transport.
type loggingRoundTripper struct {
	base   http.RoundTripper
	logger *slog.Logger
}

func (t *loggingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	t.logger.Debug("github api request", "method", req.Method, "path", req.URL.Path)
	resp, err := t.base.RoundTrip(req)
	took := time.Since(start).Truncate(time.Millisecond)
	if err != nil {
		t.logger.Debug("github api error", "path", req.URL.Path, "took", took, "err", err)
		return nil, err
	}
	t.logger.Debug("github api response", "path", req.URL.Path, "status", resp.StatusCode, "took", took)
	return resp, nil
}

func NewClient(ctx context.Context, token string, opts ...Option) (*Client, error) {
	if ctx == nil {
		return nil, fmt.Errorf("github client: ctx is nil")
	}

	o := &options{}
	for _, apply := range opts {
		if apply != nil {
			apply(o)
		}
	}

	transport := http.DefaultTransport
	if o.logger != nil {
		transport = &loggingRoundTripper{base: transport, logger: o.logger}
	}
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		transport = &oauth2.Transport{Source: ts, Base: transport}
	}
	tc := &http.Client{Transport: transport, Timeout: 2 * time.Minute}

	gh := github.NewClient(tc)
	if o.baseURL != "" {
		u, err := url.Parse(strings.TrimSuffix(o.baseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("github client: base url: %w", err)
		}
		gh.BaseURL = u
		gh.UploadURL = u
	}
	return &Client{Client: gh, HTTP: tc}, nil
}
