package introspect

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractSimpleFields(t *testing.T) {
	body := []byte(`{"model":"claude-3-sonnet","prompt_cache_key":"pck1","metadata":{"session_id":"sid1"}}`)
	f := Extract(body)
	assert.Equal(t, "claude-3-sonnet", f.RequestedModel)
	assert.Equal(t, "pck1", f.PromptCacheKey)
	assert.Equal(t, "sid1", f.MetadataSessionID)
}

func TestExtractMessageCountAndSegments(t *testing.T) {
	body := []byte(`{"messages":[{"role":"user","content":"hi"},{"role":"assistant","content":[{"type":"text","text":"hello"}]}]}`)
	f := Extract(body)
	assert.Equal(t, 2, f.MessageCount)
	assert.Contains(t, f.FirstThreeSegments, "user:hi")
	assert.Contains(t, f.FirstThreeSegments, "assistant:hello")
}

func TestExtractHandlesMalformedJSON(t *testing.T) {
	f := Extract([]byte(`not json`))
	assert.Equal(t, Fields{}, f)
}

func TestExtractThinkingEnabled(t *testing.T) {
	body := []byte(`{"thinking":{"type":"enabled","budget_tokens":1024}}`)
	f := Extract(body)
	assert.True(t, f.ThinkingEnabled)
}

func TestExtractPreviousResponseID(t *testing.T) {
	body := []byte(`{"previous_response_id":"resp_123"}`)
	f := Extract(body)
	assert.Equal(t, "resp_123", f.PreviousResponseID)
}
