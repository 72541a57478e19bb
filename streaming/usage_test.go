package streaming

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aio-labs/cligateway/store"
)

func TestParseOpenAIChatCompletionsUsage(t *testing.T) {
	body := []byte(`{"id":"x","usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`)
	usage, ok := ParseUsageFromJSON(body)
	require.True(t, ok)
	assert.Equal(t, int64(10), usage.InputTokens)
	assert.Equal(t, int64(5), usage.OutputTokens)
	assert.Equal(t, int64(0), usage.CacheReadTokens)
}

func TestParseOpenAIResponsesUsageWithCachedTokens(t *testing.T) {
	body := []byte(`{"usage":{"input_tokens":11,"output_tokens":7,"total_tokens":18,"input_tokens_details":{"cached_tokens":3}}}`)
	usage, ok := ParseUsageFromJSON(body)
	require.True(t, ok)
	assert.Equal(t, int64(11), usage.InputTokens)
	assert.Equal(t, int64(7), usage.OutputTokens)
	assert.Equal(t, int64(3), usage.CacheReadTokens)
}

func TestParseGeminiUsageMetadata(t *testing.T) {
	body := []byte(`{"usageMetadata":{"promptTokenCount":8,"candidatesTokenCount":9,"thoughtsTokenCount":2,"totalTokenCount":19,"cachedContentTokenCount":4}}`)
	usage, ok := ParseUsageFromJSON(body)
	require.True(t, ok)
	assert.Equal(t, int64(8), usage.InputTokens)
	assert.Equal(t, int64(11), usage.OutputTokens)
	assert.Equal(t, int64(19), usage.TotalTokens())
	assert.Equal(t, int64(4), usage.CacheReadTokens)
}

func TestUsageTrackerMergesMessageStartAndDelta(t *testing.T) {
	sse := "event: message_start\n" +
		"data: {\"message\":{\"model\":\"claude-haiku-4-5-20251001\",\"usage\":{\"cache_creation\":{\"ephemeral_5m_input_tokens\":20,\"ephemeral_1h_input_tokens\":5},\"cache_read_input_tokens\":4}}}\n" +
		"\n" +
		"event: message_delta\n" +
		"data: {\"delta\":{\"usage\":{\"input_tokens\":30,\"output_tokens\":10,\"total_tokens\":40}}}\n" +
		"\n"

	tracker := NewUsageTracker(store.FamilyA)
	tracker.IngestChunk([]byte(sse[:20]))
	tracker.IngestChunk([]byte(sse[20:]))

	model, ok := tracker.BestEffortModel()
	require.True(t, ok)
	assert.Equal(t, "claude-haiku-4-5-20251001", model)

	usage, ok := tracker.Finalize()
	require.True(t, ok)
	assert.Equal(t, int64(30), usage.InputTokens)
	assert.Equal(t, int64(10), usage.OutputTokens)
	assert.Equal(t, int64(4), usage.CacheReadTokens)
	assert.Equal(t, int64(20), usage.CacheCreation5mTokens)
	assert.Equal(t, int64(5), usage.CacheCreation1hTokens)
	assert.Equal(t, int64(25), usage.CacheCreationTokens)
}

func TestParseModelTopLevel(t *testing.T) {
	model, ok := ParseModelFromJSON([]byte(`{"model":"claude-opus-4-5-20251101"}`))
	require.True(t, ok)
	assert.Equal(t, "claude-opus-4-5-20251101", model)
}

func TestParseModelNestedMessage(t *testing.T) {
	model, ok := ParseModelFromJSON([]byte(`{"message":{"model":"claude-haiku-4-5-20251001"}}`))
	require.True(t, ok)
	assert.Equal(t, "claude-haiku-4-5-20251001", model)
}

func TestParseGenericSSEUsageWithoutEventName(t *testing.T) {
	sse := []byte("data: {\"usage\":{\"prompt_tokens\":1,\"completion_tokens\":2,\"total_tokens\":3}}\n\n")
	tracker := NewUsageTracker(store.FamilyB)
	tracker.IngestChunk(sse)
	usage, ok := tracker.Finalize()
	require.True(t, ok)
	assert.Equal(t, int64(1), usage.InputTokens)
	assert.Equal(t, int64(2), usage.OutputTokens)
}

func TestParseUsageFromJSONOrSSEFallsBackToSSEPayload(t *testing.T) {
	sse := []byte("event: response.completed\ndata: {\"response\":{\"usage\":{\"input_tokens\":12,\"output_tokens\":5,\"total_tokens\":17}}}\n\n")
	usage, ok := ParseUsageFromJSONOrSSE(store.FamilyB, sse)
	require.True(t, ok)
	assert.Equal(t, int64(12), usage.InputTokens)
	assert.Equal(t, int64(5), usage.OutputTokens)
}

func TestParseModelFromJSONOrSSEFallsBackToSSEPayload(t *testing.T) {
	sse := []byte("event: response.completed\ndata: {\"response\":{\"model\":\"gpt-5.3-codex\"}}\n\n")
	model, ok := ParseModelFromJSONOrSSE(store.FamilyB, sse)
	require.True(t, ok)
	assert.Equal(t, "gpt-5.3-codex", model)
}

func TestSSEDoneMarkerMarksCompletionSeen(t *testing.T) {
	tracker := NewUsageTracker(store.FamilyB)
	tracker.IngestChunk([]byte("data: [DONE]\n\n"))
	assert.True(t, tracker.CompletionSeen())
	_, ok := tracker.Finalize()
	assert.False(t, ok)
}

func TestResponseCompletedMarksCompletionSeen(t *testing.T) {
	tracker := NewUsageTracker(store.FamilyB)
	tracker.IngestChunk([]byte("data: {\"type\":\"response.completed\",\"response\":{\"usage\":{\"input_tokens\":1,\"output_tokens\":2,\"total_tokens\":3}}}\n\n"))
	assert.True(t, tracker.CompletionSeen())
	usage, ok := tracker.Finalize()
	require.True(t, ok)
	assert.Equal(t, int64(1), usage.InputTokens)
	assert.Equal(t, int64(2), usage.OutputTokens)
}

func TestMessageCompletedMarksCompletionSeen(t *testing.T) {
	tracker := NewUsageTracker(store.FamilyB)
	tracker.IngestChunk([]byte("data: {\"type\":\"message.completed\"}\n\n"))
	assert.True(t, tracker.CompletionSeen())
}

func TestEventDoneMarksCompletionSeen(t *testing.T) {
	tracker := NewUsageTracker(store.FamilyB)
	tracker.IngestChunk([]byte("event: done\ndata: {}\n\n"))
	assert.True(t, tracker.CompletionSeen())
}

func TestFinishedSuccessfullyStatusMarksCompletionSeen(t *testing.T) {
	tracker := NewUsageTracker(store.FamilyB)
	tracker.IngestChunk([]byte("data: {\"message\":{\"status\":\"finished_successfully\"}}\n\n"))
	assert.True(t, tracker.CompletionSeen())
}

func TestFailedStatusMarksTerminalErrorSeen(t *testing.T) {
	tracker := NewUsageTracker(store.FamilyB)
	tracker.IngestChunk([]byte("data: {\"response\":{\"status\":\"failed\"}}\n\n"))
	assert.True(t, tracker.TerminalErrorSeen())
}

func TestSSEErrorEventMarksTerminalErrorSeen(t *testing.T) {
	tracker := NewUsageTracker(store.FamilyA)
	tracker.IngestChunk([]byte("event: error\ndata: {\"error\":{\"message\":\"upstream failed\"}}\n\n"))
	assert.True(t, tracker.TerminalErrorSeen())
}

func TestResponseErrorTypeMarksTerminalErrorSeen(t *testing.T) {
	tracker := NewUsageTracker(store.FamilyB)
	tracker.IngestChunk([]byte("data: {\"type\":\"response.error\",\"error\":{\"message\":\"broken\"}}\n\n"))
	assert.True(t, tracker.TerminalErrorSeen())
}
