// Package rewriter implements the body rewrites applied after
// provider/base-URL/model-remap selection and before dispatch: family-B
// session-ID completion, family-A metadata-user-id injection, and the
// family-A thinking-budget rectifier. Each rewrite reads and patches the
// request body with gjson/sjson rather than decoding into a typed struct,
// since the fields it touches are a narrow slice of an upstream wire
// schema the gateway doesn't otherwise need to model.
package rewriter

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/aio-labs/cligateway/clock"
)

// thinkingBudgetFloor and raisedMaxTokens are the exact constants from
// the original rectifier: once upstream has rejected a request for a
// too-low thinking budget, the rectifier always re-issues with these
// fixed values rather than incrementally adjusting.
const (
	thinkingBudgetFloor = 32000
	raisedMaxTokens     = 64000
	maxTokensTrigger    = 32001 // only raise max_tokens if it's currently below this
)

// SessionIDCache is the short-TTL cache keyed by (credential, first N
// messages) that keeps a synthesized session ID stable across retries
// within one logical session.
type SessionIDCache struct {
	ttl   time.Duration
	clock clock.Clock
	store map[string]cachedSessionID
}

type cachedSessionID struct {
	id        string
	expiresAt time.Time
}

func NewSessionIDCache(ttl time.Duration, clk clock.Clock) *SessionIDCache {
	return &SessionIDCache{ttl: ttl, clock: clk, store: make(map[string]cachedSessionID)}
}

func (c *SessionIDCache) get(key string) (string, bool) {
	e, ok := c.store[key]
	if !ok || c.clock.Now().After(e.expiresAt) {
		delete(c.store, key)
		return "", false
	}
	return e.id, true
}

func (c *SessionIDCache) put(key, id string) {
	c.store[key] = cachedSessionID{id: id, expiresAt: c.clock.Now().Add(c.ttl)}
}

// CompleteSessionID implements family B's session-ID completion: if the
// body lacks prompt_cache_key/session_id/metadata.session_id, synthesize
// one (reusing a cached value for the same credential+content fingerprint
// within the TTL) and write it into all three fields.
func CompleteSessionID(cache *SessionIDCache, body []byte, cacheKey string, newID func() string) ([]byte, bool, error) {
	if gjson.GetBytes(body, "prompt_cache_key").Exists() ||
		gjson.GetBytes(body, "session_id").Exists() ||
		gjson.GetBytes(body, "metadata.session_id").Exists() {
		return body, false, nil
	}

	id, ok := cache.get(cacheKey)
	if !ok {
		id = newID()
		cache.put(cacheKey, id)
	}

	out, err := sjson.SetBytes(body, "prompt_cache_key", id)
	if err != nil {
		return body, false, fmt.Errorf("set prompt_cache_key: %w", err)
	}
	out, err = sjson.SetBytes(out, "session_id", id)
	if err != nil {
		return body, false, fmt.Errorf("set session_id: %w", err)
	}
	out, err = sjson.SetBytes(out, "metadata.session_id", id)
	if err != nil {
		return body, false, fmt.Errorf("set metadata.session_id: %w", err)
	}
	return out, true, nil
}

// InjectMetadataUserID implements family A's deterministic metadata user
// ID injection: user_<sha256(provider_id)>_account__session_<session_id>,
// only when metadata.user_id is missing.
func InjectMetadataUserID(body []byte, providerID uint64, sessionID string) ([]byte, bool, error) {
	if gjson.GetBytes(body, "metadata.user_id").Exists() {
		return body, false, nil
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d", providerID)))
	userID := fmt.Sprintf("user_%s_account__session_%s", hex.EncodeToString(sum[:]), sessionID)

	out, err := sjson.SetBytes(body, "metadata.user_id", userID)
	if err != nil {
		return body, false, fmt.Errorf("set metadata.user_id: %w", err)
	}
	return out, true, nil
}

// RectifyThinkingBudget implements family A's thinking-budget rectifier:
// after upstream has already rejected the request once for a too-low
// thinking budget, force thinking on with the floor budget and raise
// max_tokens to raisedMaxTokens when it is missing or below
// maxTokensTrigger (that is, not above the new budget).
func RectifyThinkingBudget(body []byte) ([]byte, bool, error) {
	out, err := sjson.SetBytes(body, "thinking.type", "enabled")
	if err != nil {
		return body, false, fmt.Errorf("set thinking.type: %w", err)
	}
	out, err = sjson.SetBytes(out, "thinking.budget_tokens", thinkingBudgetFloor)
	if err != nil {
		return body, false, fmt.Errorf("set thinking.budget_tokens: %w", err)
	}

	if maxTokens := gjson.GetBytes(out, "max_tokens"); !maxTokens.Exists() || maxTokens.Int() < maxTokensTrigger {
		out, err = sjson.SetBytes(out, "max_tokens", raisedMaxTokens)
		if err != nil {
			return body, false, fmt.Errorf("set max_tokens: %w", err)
		}
	}
	return out, true, nil
}

// NeedsThinkingBudgetRectification reports whether an upstream error body
// matches the "budget_tokens >= 1024" rejection the rectifier responds to.
func NeedsThinkingBudgetRectification(errorBody string) bool {
	lower := strings.ToLower(errorBody)
	return strings.Contains(lower, "budget_tokens") && strings.Contains(lower, "1024")
}
