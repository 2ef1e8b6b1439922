package github

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v81/github"
)

// DescribeError renders an API failure for the console. go-github errors
// start with the full request URL; unless verbose, only the status and the
// server's message are kept.
func DescribeError(err error, verbose bool) string {
	if err == nil {
		return "unknown error"
	}
	full := err.Error()
	if verbose {
		return full
	}

	var er *github.ErrorResponse
	if errors.As(err, &er) {
		msg := strings.TrimSpace(er.Message)
		if msg == "" {
			msg = "GitHub API request failed"
		}
		if er.Response != nil {
			code := er.Response.StatusCode
			return fmt.Sprintf("GitHub API request failed (%d %s): %s", code, http.StatusText(code), msg)
		}
		return "GitHub API request failed: " + msg
	}

	var rl *github.RateLimitError
	if errors.As(err, &rl) {
		return fmt.Sprintf("GitHub API rate limit exceeded (resets %s)", rl.Rate.Reset.Format("15:04:05 MST"))
	}

	if scrubbed := scrubRequestPrefix(strings.TrimSpace(full)); scrubbed != "" {
		return scrubbed
	}
	return full
}

// scrubRequestPrefix drops a leading "GET https://host/path: " from s.
func scrubRequestPrefix(s string) string {
	for _, m := range []string{"GET ", "POST ", "PUT ", "PATCH ", "DELETE "} {
		rest, ok := strings.CutPrefix(s, m)
		if !ok {
			continue
		}
		if !strings.HasPrefix(rest, "https://") && !strings.HasPrefix(rest, "http://") {
			return ""
		}
		if _, after, found := strings.Cut(rest, ": "); found {
			return strings.TrimSpace(after)
		}
		return ""
	}
	return ""
}
