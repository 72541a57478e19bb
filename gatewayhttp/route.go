// Package gatewayhttp wires the already-built gateway components — provider
// selection, the failover loop, streaming/non-stream finalization, the
// response fixer, the circuit breaker, the spend-limit gate, and the
// buffered log writers — into the gateway's single south-facing HTTP
// surface.
package gatewayhttp

import (
	"strconv"
	"strings"

	"github.com/aio-labs/cligateway/gwerr"
	"github.com/aio-labs/cligateway/store"
)

// RouteKind classifies a sanitized, parsed request path.
type RouteKind int

const (
	RouteRoot RouteKind = iota
	RouteHealth
	RouteProxy
)

// Route is the outcome of parsing and classifying an inbound request path.
type Route struct {
	Kind RouteKind

	Family            store.CLIFamily
	HasForcedProvider bool
	ForcedProviderID  uint64
	// ForwardedPath is the rooted path to append to the chosen base URL,
	// with the per-CLI (and, for the forced-provider route, the
	// "_aio/provider/{id}") prefix already stripped.
	ForwardedPath string
}

// cliAliases maps every accepted CLI key (primary and legacy alias) to its
// wire-protocol family.
var cliAliases = map[string]store.CLIFamily{
	"a":         store.FamilyA,
	"anthropic": store.FamilyA,
	"claude":    store.FamilyA,
	"b":         store.FamilyB,
	"openai":    store.FamilyB,
	"codex":     store.FamilyB,
	"responses": store.FamilyB,
	"c":         store.FamilyC,
	"gemini":    store.FamilyC,
	"google":    store.FamilyC,
}

// ParseRoute sanitizes rawPath and classifies it into one of the three
// route kinds: root, health, or a per-CLI-family proxy route.
func ParseRoute(rawPath string) (*Route, *gwerr.Error) {
	clean, gerr := sanitizePath(rawPath)
	if gerr != nil {
		return nil, gerr
	}

	if clean == "" || clean == "/" {
		return &Route{Kind: RouteRoot}, nil
	}
	if clean == "/health" {
		return &Route{Kind: RouteHealth}, nil
	}

	trimmed := strings.TrimPrefix(clean, "/")
	segments := strings.SplitN(trimmed, "/", 2)
	head := strings.ToLower(segments[0])

	if head == "v1" {
		// ANY /v1(/*tail)? aliases to family B verbatim — /v1 is
		// already the real upstream path shape for that family.
		return &Route{Kind: RouteProxy, Family: store.FamilyB, ForwardedPath: clean}, nil
	}

	family, ok := cliAliases[head]
	if !ok {
		return nil, gwerr.New(gwerr.InvalidCliKey, "unknown cli key \""+segments[0]+"\"")
	}

	rest := ""
	if len(segments) > 1 {
		rest = segments[1]
	}

	if forcedID, tail, ok := parseForcedProvider(rest); ok {
		return &Route{
			Kind:              RouteProxy,
			Family:            family,
			HasForcedProvider: true,
			ForcedProviderID:  forcedID,
			ForwardedPath:     "/" + tail,
		}, nil
	}

	return &Route{Kind: RouteProxy, Family: family, ForwardedPath: "/" + rest}, nil
}

// parseForcedProvider recognizes the "_aio/provider/{id}/*tail" terminal-
// launch helper within the per-CLI path remainder.
func parseForcedProvider(rest string) (id uint64, tail string, ok bool) {
	segs := strings.SplitN(rest, "/", 4)
	if len(segs) < 3 || segs[0] != "_aio" || segs[1] != "provider" {
		return 0, "", false
	}
	parsed, err := strconv.ParseUint(segs[2], 10, 64)
	if err != nil {
		return 0, "", false
	}
	if len(segs) > 3 {
		tail = segs[3]
	}
	return parsed, tail, true
}

// sanitizePath runs the path admission check: reject NUL bytes, reject
// any ".." segment (including within a prefix), and collapse redundant "/".
// Idempotent: running it again on its own output is a no-op.
func sanitizePath(raw string) (string, *gwerr.Error) {
	if strings.IndexByte(raw, 0) >= 0 {
		return "", gwerr.New(gwerr.InvalidForwardedPath, "path contains a null byte")
	}

	collapsed := collapseSlashes(raw)
	trimmed := strings.TrimPrefix(collapsed, "/")
	if trimmed != "" {
		for _, seg := range strings.Split(trimmed, "/") {
			if seg == ".." {
				return "", gwerr.New(gwerr.InvalidForwardedPath, "path contains a parent-directory segment")
			}
		}
	}
	return collapsed, nil
}

func collapseSlashes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevSlash := false
	for _, r := range s {
		if r == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// isCountTokensPath reports whether a family-A forwarded path is the
// "count tokens" endpoint, which never retries and extracts no session.
func isCountTokensPath(family store.CLIFamily, forwardedPath string) bool {
	return family == store.FamilyA && strings.HasSuffix(forwardedPath, "/count_tokens")
}
