package rewriter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/aio-labs/cligateway/clock"
)

func TestCompleteSessionIDSynthesizesAllThreeFields(t *testing.T) {
	fc := clock.NewFrozen(time.Unix(1000, 0))
	cache := NewSessionIDCache(time.Minute, fc)
	body := []byte(`{"messages":[]}`)

	out, changed, err := CompleteSessionID(cache, body, "key1", func() string { return "gen-id" })
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "gen-id", gjson.GetBytes(out, "prompt_cache_key").String())
	assert.Equal(t, "gen-id", gjson.GetBytes(out, "session_id").String())
	assert.Equal(t, "gen-id", gjson.GetBytes(out, "metadata.session_id").String())
}

func TestCompleteSessionIDNoopWhenAlreadyPresent(t *testing.T) {
	fc := clock.NewFrozen(time.Unix(1000, 0))
	cache := NewSessionIDCache(time.Minute, fc)
	body := []byte(`{"session_id":"existing"}`)

	out, changed, err := CompleteSessionID(cache, body, "key1", func() string { return "gen-id" })
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, string(body), string(out))
}

func TestCompleteSessionIDReusesCachedIDWithinTTL(t *testing.T) {
	fc := clock.NewFrozen(time.Unix(1000, 0))
	cache := NewSessionIDCache(time.Minute, fc)
	body := []byte(`{}`)

	calls := 0
	gen := func() string { calls++; return "id-1" }

	_, _, err := CompleteSessionID(cache, body, "same-key", gen)
	require.NoError(t, err)
	_, _, err = CompleteSessionID(cache, body, "same-key", gen)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "second retry within TTL must reuse the cached ID")
}

func TestInjectMetadataUserIDIsDeterministic(t *testing.T) {
	body := []byte(`{}`)
	out1, changed, err := InjectMetadataUserID(body, 42, "sess1")
	require.NoError(t, err)
	assert.True(t, changed)

	out2, _, err := InjectMetadataUserID(body, 42, "sess1")
	require.NoError(t, err)
	assert.Equal(t, gjson.GetBytes(out1, "metadata.user_id").String(), gjson.GetBytes(out2, "metadata.user_id").String())
}

func TestInjectMetadataUserIDSkipsWhenPresent(t *testing.T) {
	body := []byte(`{"metadata":{"user_id":"existing"}}`)
	out, changed, err := InjectMetadataUserID(body, 42, "sess1")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "existing", gjson.GetBytes(out, "metadata.user_id").String())
}

func TestRectifyThinkingBudgetRaisesMaxTokensWhenLow(t *testing.T) {
	body := []byte(`{"max_tokens":1000}`)
	out, changed, err := RectifyThinkingBudget(body)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "enabled", gjson.GetBytes(out, "thinking.type").String())
	assert.Equal(t, int64(32000), gjson.GetBytes(out, "thinking.budget_tokens").Int())
	assert.Equal(t, int64(64000), gjson.GetBytes(out, "max_tokens").Int())
}

func TestRectifyThinkingBudgetLeavesHighMaxTokensAlone(t *testing.T) {
	body := []byte(`{"max_tokens":100000}`)
	out, _, err := RectifyThinkingBudget(body)
	require.NoError(t, err)
	assert.Equal(t, int64(100000), gjson.GetBytes(out, "max_tokens").Int())
}

func TestNeedsThinkingBudgetRectificationDetectsTrigger(t *testing.T) {
	assert.True(t, NeedsThinkingBudgetRectification(`{"error":"budget_tokens must be >= 1024"}`))
	assert.False(t, NeedsThinkingBudgetRectification(`{"error":"invalid request"}`))
}
