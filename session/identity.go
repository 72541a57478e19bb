package session

import (
	"fmt"
	"hash/fnv"
	"net/http"
	"strconv"

	"github.com/aio-labs/cligateway/introspect"
	"github.com/aio-labs/cligateway/store"
)

// headerNames are tried in order, case-insensitively (net/http.Header.Get
// already canonicalizes).
var headerNames = []string{"Session-Id", "X-Session-Id"}

// ResolveSessionID extracts a session identifier in order of preference.
// isCountTokens short-circuits to "no session" for family A's
// count-tokens endpoint. credentialFingerprint is the caller-computed
// hash of the resolved credential (API key prefix or OAuth account ID),
// used only by the final fingerprint fallback.
func ResolveSessionID(headers http.Header, family store.CLIFamily, fields introspect.Fields, isCountTokens bool, credentialFingerprint uint64) (string, bool) {
	if isCountTokens && family == store.FamilyA {
		return "", false
	}

	for _, name := range headerNames {
		if v := headers.Get(name); v != "" {
			return v, true
		}
	}

	if fields.PromptCacheKey != "" {
		return fields.PromptCacheKey, true
	}
	if fields.MetadataSessionID != "" {
		return fields.MetadataSessionID, true
	}
	if fields.PreviousResponseID != "" {
		return fmt.Sprintf("%s_prev_%s", family, fields.PreviousResponseID), true
	}

	if fields.FirstThreeSegments == "" {
		return "", false
	}
	h := strconv.FormatUint(credentialFingerprint, 16) + "|" + fields.FirstThreeSegments
	return fmt.Sprintf("%s_fp_%s", family, hashString(h)), true
}

// hashString gives a short, stable identifier for the fingerprint
// fallback; the dedup fingerprints themselves are computed independently,
// with xxhash, by the fingerprint package.
func hashString(s string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return strconv.FormatUint(h.Sum64(), 16)
}
