package fixer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixEncodingPassesThroughCleanUTF8(t *testing.T) {
	in := []byte(`{"hello":"world"}`)
	out, applied, detail := FixEncoding(in)
	assert.False(t, applied)
	assert.Equal(t, "", detail)
	assert.Equal(t, in, out)
}

func TestFixEncodingStripsUTF8BOM(t *testing.T) {
	in := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"a":1}`)...)
	out, applied, detail := FixEncoding(in)
	require.True(t, applied)
	assert.Equal(t, "removed_utf8_bom", detail)
	assert.Equal(t, `{"a":1}`, string(out))
}

func TestFixEncodingStripsUTF16BOM(t *testing.T) {
	in := append([]byte{0xFE, 0xFF}, []byte(`{"a":1}`)...)
	out, applied, detail := FixEncoding(in)
	require.True(t, applied)
	assert.Equal(t, "removed_utf16_bom", detail)
	assert.Equal(t, `{"a":1}`, string(out))
}

func TestFixEncodingStripsNullBytes(t *testing.T) {
	in := []byte("ab\x00cd")
	out, applied, detail := FixEncoding(in)
	require.True(t, applied)
	assert.Equal(t, "removed_null_bytes", detail)
	assert.Equal(t, "abcd", string(out))
}

func TestFixEncodingLossyReencodesInvalidUTF8(t *testing.T) {
	in := []byte{'a', 0xFF, 'b'}
	out, applied, detail := FixEncoding(in)
	require.True(t, applied)
	assert.Equal(t, "lossy_utf8_decode_encode", detail)
	assert.Contains(t, string(out), "a")
	assert.Contains(t, string(out), "b")
	assert.Contains(t, string(out), "�")
}

func TestFixEncodingCombinesBOMAndNulls(t *testing.T) {
	in := append([]byte{0xEF, 0xBB, 0xBF}, []byte("a\x00b")...)
	out, applied, detail := FixEncoding(in)
	require.True(t, applied)
	assert.Equal(t, "removed_utf8_bom", detail)
	assert.Equal(t, "ab", string(out))
}
