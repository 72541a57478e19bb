package fixer

import (
	"bytes"
	"strings"
)

// fieldPrefixes are the SSE field names that must be followed by a space.
var fieldPrefixes = []string{"data:", "event:", "id:", "retry:"}

// FixSSE normalizes SSE framing. It operates line-by-line on an
// already-complete buffer (the non-stream path, or one accumulated chunk
// in the streaming path). A final line with no trailing newline gets one
// appended; this itself counts as a fix, the same as CRLF normalization
// or a field-space repair.
func FixSSE(data []byte) (fixed []byte, applied bool) {
	if len(data) == 0 || !canFixSSE(data) {
		return data, false
	}

	normalized, crlfChanged := normalizeNewlines(data)

	missingTrailingNewline := len(normalized) > 0 && normalized[len(normalized)-1] != '\n'

	lines := strings.Split(string(normalized), "\n")
	if !missingTrailingNewline {
		lines = lines[:len(lines)-1] // drop the empty tail Split produces after the final "\n"
	}

	var out []string
	lastBlank := false
	lineChanged := false
	collapsed := false

	for _, line := range lines {
		if line == "" {
			if lastBlank {
				collapsed = true
				continue // collapse runs of blank lines
			}
			lastBlank = true
			out = append(out, "")
			continue
		}
		lastBlank = false

		if strings.HasPrefix(line, ":") {
			out = append(out, line) // comment line, preserved verbatim
			continue
		}

		fixedLine, changed := fixSSELine(line)
		if changed {
			lineChanged = true
		}
		out = append(out, fixedLine)
	}

	result := strings.Join(out, "\n") + "\n"
	applied = crlfChanged || lineChanged || collapsed || missingTrailingNewline
	return []byte(result), applied
}

// canFixSSE is a cheap whole-buffer gate so content that plainly isn't SSE
// framing (no field prefix, no embedded "data:", not JSON-shaped) is left
// alone entirely rather than having a trailing newline forced onto it.
func canFixSSE(data []byte) bool {
	for _, prefix := range fieldPrefixes {
		if bytes.HasPrefix(data, []byte(prefix)) {
			return true
		}
	}
	if bytes.HasPrefix(data, []byte(":")) {
		return true
	}
	if len(data) >= 4 && strings.EqualFold(string(data[:4]), "data") {
		return true
	}
	if looksLikeJSONLine(string(data)) {
		return true
	}
	return bytes.Contains(data, []byte("data:"))
}

func normalizeNewlines(data []byte) ([]byte, bool) {
	if !bytes.ContainsAny(string(data), "\r") {
		return data, false
	}
	normalized := bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	normalized = bytes.ReplaceAll(normalized, []byte("\r"), []byte("\n"))
	return normalized, true
}

func fixSSELine(line string) (string, bool) {
	for _, prefix := range fieldPrefixes {
		if strings.HasPrefix(line, prefix) {
			rest := line[len(prefix):]
			if strings.HasPrefix(rest, " ") {
				return line, false
			}
			return prefix + " " + rest, true
		}
	}

	// Case-mangled "Data:"/"DATA:"/"data :" variants.
	if fixed, ok := fixMalformedDataField(line); ok {
		return fixed, true
	}

	if looksLikeJSONLine(line) {
		return "data: " + strings.TrimLeft(line, " \t"), true
	}

	return line, false
}

func fixMalformedDataField(line string) (string, bool) {
	lower := strings.ToLower(line)
	if len(line) >= 5 && lower[:5] == "data:" {
		rest := line[5:]
		if strings.HasPrefix(rest, " ") {
			return "data:" + rest, true
		}
		return "data: " + rest, true
	}
	// "data :xxx" or "data   :  xxx"
	if len(line) >= 4 && lower[:4] == "data" {
		rest := line[4:]
		colon := strings.IndexByte(rest, ':')
		if colon >= 0 && strings.TrimSpace(rest[:colon]) == "" {
			after := strings.TrimLeft(rest[colon+1:], " ")
			return "data: " + after, true
		}
	}
	return "", false
}

func looksLikeJSONLine(line string) bool {
	trimmed := strings.TrimLeft(line, " \t")
	if trimmed == "" {
		return false
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		return true
	}
	return strings.HasPrefix(trimmed, "[DONE]")
}
