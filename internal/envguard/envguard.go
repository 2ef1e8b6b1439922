// Package envguard keeps publication credentials out of step environments.
//
// A run triggered by an unreviewed pull request executes code from that pull
// request. Nothing that code can read may grant the ability to publish, so
// every step environment is built from a scrubbed copy of the process
// environment and audited before use.
package envguard

import (
	"sort"
	"strings"
)

// Guard holds the set of variable names treated as publication credentials.
type Guard struct {
	names map[string]struct{}
}

func New(credentials []string) *Guard {
	g := &Guard{names: make(map[string]struct{}, len(credentials))}
	for _, n := range credentials {
		n = strings.TrimSpace(n)
		if n != "" {
			g.names[n] = struct{}{}
		}
	}
	return g
}

func (g *Guard) isCredential(name string) bool {
	if g == nil {
		return false
	}
	_, ok := g.names[name]
	return ok
}

// Scrub returns env without credential entries. Malformed entries (no '=')
// are dropped too.
func (g *Guard) Scrub(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		k, _, ok := strings.Cut(kv, "=")
		if !ok || g.isCredential(k) {
			continue
		}
		out = append(out, kv)
	}
	return out
}

// Audit lists credential names present in env with a non-empty value.
func (g *Guard) Audit(env []string) []string {
	seen := make(map[string]struct{})
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || v == "" || !g.isCredential(k) {
			continue
		}
		seen[k] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build composes a step environment: the scrubbed base followed by extra,
// with extra taking precedence. Credentials in extra are scrubbed as well.
func (g *Guard) Build(base []string, extra map[string]string) []string {
	merged := make(map[string]string, len(base)+len(extra))
	order := make([]string, 0, len(base)+len(extra))
	put := func(k, v string) {
		if _, ok := merged[k]; !ok {
			order = append(order, k)
		}
		merged[k] = v
	}
	for _, kv := range g.Scrub(base) {
		k, v, _ := strings.Cut(kv, "=")
		put(k, v)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if g.isCredential(k) {
			continue
		}
		put(k, extra[k])
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+merged[k])
	}
	return out
}
