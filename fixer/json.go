package fixer

import (
	"bytes"
	"encoding/json"
)

// JSONRepairer repairs a truncated/streaming-cut-off JSON document well
// enough to parse, bounded by maxDepth (nesting) and maxSize (bytes) so a
// pathological payload can't make the repair itself expensive. Grounded
// on original_source/gateway/response_fixer/json.rs's JsonFixer, reworked
// from a byte-Vec state machine into a stdlib bytes.Buffer walk.
type JSONRepairer struct {
	maxDepth int
	maxSize  int
}

// NewJSONRepairer constructs a JSONRepairer with the given bounds.
func NewJSONRepairer(maxDepth, maxSize int) *JSONRepairer {
	return &JSONRepairer{maxDepth: maxDepth, maxSize: maxSize}
}

// FixJSON repairs data in place if it looks like truncated JSON and isn't
// already valid. Returns applied=false (and the original data) when no
// repair was made. skipped carries a reason only when the input exceeded
// the size bound or couldn't be repaired; input that doesn't look like
// JSON, or is already valid, comes back with an empty skipped.
func (j *JSONRepairer) FixJSON(data []byte) (fixed []byte, applied bool, skipped string) {
	if len(data) > j.maxSize {
		return data, false, "exceeded_max_size"
	}
	if !looksLikeJSON(data) {
		return data, false, ""
	}
	if json.Valid(data) {
		return data, false, ""
	}

	repaired, ok := j.repair(data)
	if !ok {
		return data, false, "repair_failed"
	}
	if !json.Valid(repaired) {
		return data, false, "validate_repaired_failed"
	}
	return repaired, true, ""
}

func looksLikeJSON(data []byte) bool {
	for _, b := range data {
		if isJSONWhitespace(b) {
			continue
		}
		return b == '{' || b == '['
	}
	return false
}

func isJSONWhitespace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// repair walks data once, tracking open-bracket nesting and string/escape
// state, and on EOF closes whatever was left open: an unterminated escape
// is dropped, an unterminated string is closed, a dangling trailing comma
// is trimmed, a dangling `"key":` gets a null value, and every still-open
// bracket is closed in LIFO order.
func (j *JSONRepairer) repair(data []byte) ([]byte, bool) {
	out := bytes.NewBuffer(make([]byte, 0, len(data)+8))
	var stack []byte

	inString := false
	escapeNext := false
	depth := 0

	for _, b := range data {
		if escapeNext {
			escapeNext = false
			out.WriteByte(b)
			continue
		}
		if inString && b == '\\' {
			escapeNext = true
			out.WriteByte(b)
			continue
		}
		if b == '"' {
			inString = !inString
			out.WriteByte(b)
			continue
		}
		if !inString {
			switch b {
			case '{':
				depth++
				if depth > j.maxDepth {
					return nil, false
				}
				stack = append(stack, '}')
				out.WriteByte(b)
				continue
			case '[':
				depth++
				if depth > j.maxDepth {
					return nil, false
				}
				stack = append(stack, ']')
				out.WriteByte(b)
				continue
			case '}', ']':
				trimTrailingComma(out)
				if len(stack) > 0 && stack[len(stack)-1] == b {
					stack = stack[:len(stack)-1]
					if depth > 0 {
						depth--
					}
					out.WriteByte(b)
				}
				continue
			}
		}
		out.WriteByte(b)
	}

	// escapeNext left dangling: drop the trailing backslash.
	if escapeNext {
		trimLastByte(out)
	}
	if inString {
		out.WriteByte('"')
	}

	trimTrailingComma(out)

	if needsNullValue(out.Bytes(), stack) {
		out.WriteString("null")
	}

	for len(stack) > 0 {
		trimTrailingComma(out)
		close := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out.WriteByte(close)
	}

	return out.Bytes(), true
}

func trimTrailingComma(out *bytes.Buffer) {
	b := out.Bytes()
	idx := len(b)
	for idx > 0 && isJSONWhitespace(b[idx-1]) {
		idx--
	}
	if idx > 0 && b[idx-1] == ',' {
		out.Truncate(idx - 1)
	}
}

func trimLastByte(out *bytes.Buffer) {
	b := out.Bytes()
	if len(b) > 0 {
		out.Truncate(len(b) - 1)
	}
}

func needsNullValue(out []byte, stack []byte) bool {
	if len(stack) == 0 || stack[len(stack)-1] != '}' {
		return false
	}
	idx := len(out)
	for idx > 0 && isJSONWhitespace(out[idx-1]) {
		idx--
	}
	return idx > 0 && out[idx-1] == ':'
}

// dataFieldPrefix is the SSE field prefix a JSON payload line is expected
// to carry before FixSSELineJSONPayloads will attempt to repair its payload.
const dataFieldPrefix = "data:"

// FixSSELineJSONPayloads scans an already line-framed SSE buffer and
// repairs the JSON payload of each "data: ..." line independently,
// leaving every other line untouched. Used as the second pass after
// FixSSE, since a line can be framed correctly but still carry truncated
// JSON in its payload.
func (j *JSONRepairer) FixSSELineJSONPayloads(data []byte) (fixed []byte, applied bool) {
	var out bytes.Buffer
	changed := false

	lines := bytes.Split(data, []byte("\n"))
	for i, line := range lines {
		last := i == len(lines)-1
		fixedLine, ok := j.fixDataJSONLine(line)
		if ok {
			changed = true
			out.Write(fixedLine)
		} else {
			out.Write(line)
		}
		if !last {
			out.WriteByte('\n')
		}
	}

	if !changed {
		return data, false
	}
	return out.Bytes(), true
}

func (j *JSONRepairer) fixDataJSONLine(line []byte) ([]byte, bool) {
	if len(line) < len(dataFieldPrefix) || !bytes.HasPrefix(line, []byte(dataFieldPrefix)) {
		return nil, false
	}
	payloadStart := len(dataFieldPrefix)
	if payloadStart < len(line) && line[payloadStart] == ' ' {
		payloadStart++
	}
	payload := line[payloadStart:]

	repaired, applied, _ := j.FixJSON(payload)
	if !applied {
		return nil, false
	}

	out := make([]byte, 0, len("data: ")+len(repaired))
	out = append(out, "data: "...)
	out = append(out, repaired...)
	return out, true
}
