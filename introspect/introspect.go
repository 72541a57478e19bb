// Package introspect pulls the handful of fields routing needs out of a
// request body without ever fully unmarshaling it: the original body is
// always forwarded verbatim, and the upstream wire schema is not the
// gateway's to own, so narrow gjson field reads stand in for typed
// structs.
package introspect

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Fields is the subset of a request body the router/session/spend layers
// need, extracted defensively: a missing or wrong-typed field yields its
// zero value rather than an error, mirroring gjson's own miss semantics.
type Fields struct {
	PromptCacheKey      string
	MetadataSessionID   string
	PreviousResponseID  string
	RequestedModel      string
	MessageCount        int
	ThinkingEnabled     bool
	FirstThreeSegments  string // stable concatenation used for session-identity and dedup fingerprinting
}

// Extract parses body defensively. body may be the raw or best-effort
// inflated copy; malformed JSON yields a zero Fields rather than an
// error, since introspection is advisory, never load-bearing for
// forwarding correctness.
func Extract(body []byte) Fields {
	if !gjson.ValidBytes(body) {
		return Fields{}
	}
	root := gjson.ParseBytes(body)

	f := Fields{
		PromptCacheKey:     root.Get("prompt_cache_key").String(),
		MetadataSessionID:  root.Get("metadata.session_id").String(),
		PreviousResponseID: root.Get("previous_response_id").String(),
		RequestedModel:     root.Get("model").String(),
		ThinkingEnabled:    root.Get("thinking.type").String() == "enabled" || root.Get("thinking.enabled").Bool(),
	}

	messages := root.Get("messages")
	if !messages.Exists() {
		messages = root.Get("contents") // family C shape
	}
	if messages.IsArray() {
		arr := messages.Array()
		f.MessageCount = len(arr)
		f.FirstThreeSegments = firstSegments(arr, 3)
	}
	return f
}

func firstSegments(arr []gjson.Result, n int) string {
	if n > len(arr) {
		n = len(arr)
	}
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteString(segmentText(arr[i]))
		b.WriteByte(0)
	}
	return b.String()
}

// segmentText renders one message/content element to a stable string
// regardless of whether its "content" field is a bare string or an array
// of typed content blocks (both shapes appear across the three families).
func segmentText(msg gjson.Result) string {
	role := msg.Get("role").String()
	content := msg.Get("content")
	var text string
	switch {
	case content.Type == gjson.String:
		text = content.String()
	case content.IsArray():
		var b strings.Builder
		for _, block := range content.Array() {
			b.WriteString(block.Get("text").String())
		}
		text = b.String()
	default:
		text = msg.Raw
	}
	return role + ":" + text
}
