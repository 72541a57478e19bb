package fixer

// Applied records which fixers touched a response body, for the
// response_fixer special-setting audit entry noting which fixers fired
// and why.
type Applied struct {
	EncodingApplied bool
	EncodingDetail  string
	SSEApplied      bool
	JSONApplied     bool
}

func (a Applied) hit() bool {
	return a.EncodingApplied || a.SSEApplied || a.JSONApplied
}

// fixerEntry is one element of the fixersApplied array in the audit
// entry.
type fixerEntry struct {
	Fixer   string `json:"fixer"`
	Applied bool   `json:"applied"`
	Details string `json:"details,omitempty"`
}

// SpecialSetting is the JSON shape appended to special_settings_json
// when any fixer applies, exactly once per request/response.
type SpecialSetting struct {
	Type                string       `json:"type"`
	Scope               string       `json:"scope"`
	Hit                 bool         `json:"hit"`
	FixersApplied       []fixerEntry `json:"fixersApplied"`
	TotalBytesProcessed int         `json:"totalBytesProcessed"`
	ProcessingTimeMs    int64        `json:"processingTimeMs"`
}

func buildSpecialSetting(applied Applied, includeSSE bool, totalBytesProcessed int, processingTimeMs int64) SpecialSetting {
	entries := make([]fixerEntry, 0, 3)
	entries = append(entries, fixerEntry{Fixer: "encoding", Applied: applied.EncodingApplied, Details: applied.EncodingDetail})
	if includeSSE {
		entries = append(entries, fixerEntry{Fixer: "sse", Applied: applied.SSEApplied})
	}
	entries = append(entries, fixerEntry{Fixer: "json", Applied: applied.JSONApplied})

	return SpecialSetting{
		Type:                "response_fixer",
		Scope:               "response",
		Hit:                 true,
		FixersApplied:       entries,
		TotalBytesProcessed: totalBytesProcessed,
		ProcessingTimeMs:    processingTimeMs,
	}
}
