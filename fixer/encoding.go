// Package fixer implements the response fixer: encoding repair, SSE
// framing normalization, and streaming-safe truncated-JSON repair, all
// via byte-slice scanning on top of stdlib unicode/utf8.
package fixer

import (
	"bytes"
	"unicode/utf8"
)

var (
	utf8BOM  = []byte{0xEF, 0xBB, 0xBF}
	utf16BOMBE = []byte{0xFE, 0xFF}
	utf16BOMLE = []byte{0xFF, 0xFE}
)

// FixEncoding strips UTF-8/UTF-16 BOMs, strips embedded NULs, and
// lossily re-encodes if the result still isn't valid UTF-8.
func FixEncoding(data []byte) (fixed []byte, applied bool, detail string) {
	out := data

	switch {
	case bytes.HasPrefix(out, utf8BOM):
		out = out[3:]
		applied = true
		detail = "removed_utf8_bom"
	case bytes.HasPrefix(out, utf16BOMBE) || bytes.HasPrefix(out, utf16BOMLE):
		out = out[2:]
		applied = true
		detail = "removed_utf16_bom"
	}

	if bytes.IndexByte(out, 0) >= 0 {
		out = bytes.ReplaceAll(out, []byte{0}, nil)
		applied = true
		if detail == "" {
			detail = "removed_null_bytes"
		}
	}

	if utf8.Valid(out) {
		return out, applied, detail
	}

	// Lossy re-encode: decode rune-by-rune, substituting U+FFFD for any
	// invalid byte sequence, guaranteeing valid UTF-8 output.
	var buf bytes.Buffer
	buf.Grow(len(out))
	for i := 0; i < len(out); {
		r, size := utf8.DecodeRune(out[i:])
		buf.WriteRune(r)
		i += size
	}
	return buf.Bytes(), true, "lossy_utf8_decode_encode"
}
