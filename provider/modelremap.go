package provider

import (
	"strings"

	"github.com/aio-labs/cligateway/store"
)

// RemapModel implements family-A-only model remapping. It selects a
// replacement slot by substring match on the requested model
// (haiku/sonnet/opus), falling back to "reasoning" if thinking was
// requested, else "main". Returns the replacement model string, or the
// original requestedModel unchanged if no override is configured for the
// resolved slot.
func RemapModel(overrides map[store.ModelSlot]string, requestedModel string, thinkingEnabled bool) string {
	slot := resolveSlot(requestedModel, thinkingEnabled)
	if replacement, ok := overrides[slot]; ok && replacement != "" {
		return replacement
	}
	return requestedModel
}

func resolveSlot(requestedModel string, thinkingEnabled bool) store.ModelSlot {
	lower := strings.ToLower(requestedModel)
	switch {
	case strings.Contains(lower, "haiku"):
		return store.SlotHaiku
	case strings.Contains(lower, "sonnet"):
		return store.SlotSonnet
	case strings.Contains(lower, "opus"):
		return store.SlotOpus
	case thinkingEnabled:
		return store.SlotReasoning
	default:
		return store.SlotMain
	}
}
