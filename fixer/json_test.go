package fixer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixJSONPassesThroughValidJSON(t *testing.T) {
	r := NewJSONRepairer(10, 1<<16)
	in := []byte(`{"a":1}`)
	out, applied, skipped := r.FixJSON(in)
	assert.False(t, applied)
	assert.Equal(t, "", skipped)
	assert.Equal(t, in, out)
}

func TestFixJSONIgnoresNonJSONPayload(t *testing.T) {
	r := NewJSONRepairer(10, 1<<16)
	in := []byte(`not json at all`)
	out, applied, skipped := r.FixJSON(in)
	assert.False(t, applied)
	assert.Equal(t, "", skipped)
	assert.Equal(t, in, out)
}

func TestFixJSONClosesUnterminatedString(t *testing.T) {
	r := NewJSONRepairer(10, 1<<16)
	in := []byte(`{"a":"hel`)
	out, applied, skipped := r.FixJSON(in)
	require.True(t, applied)
	assert.Equal(t, "", skipped)
	assert.Equal(t, `{"a":"hel"}`, string(out))
}

func TestFixJSONClosesOpenBrackets(t *testing.T) {
	r := NewJSONRepairer(10, 1<<16)
	in := []byte(`{"a":[1,2,3`)
	out, applied, _ := r.FixJSON(in)
	require.True(t, applied)
	assert.Equal(t, `{"a":[1,2,3]}`, string(out))
}

func TestFixJSONDropsTrailingComma(t *testing.T) {
	r := NewJSONRepairer(10, 1<<16)
	in := []byte(`{"a":1,`)
	out, applied, _ := r.FixJSON(in)
	require.True(t, applied)
	assert.Equal(t, `{"a":1}`, string(out))
}

func TestFixJSONFillsDanglingKeyWithNull(t *testing.T) {
	r := NewJSONRepairer(10, 1<<16)
	in := []byte(`{"a":1,"b":`)
	out, applied, _ := r.FixJSON(in)
	require.True(t, applied)
	assert.Equal(t, `{"a":1,"b":null}`, string(out))
}

func TestFixJSONDropsDanglingEscape(t *testing.T) {
	r := NewJSONRepairer(10, 1<<16)
	in := []byte(`{"a":"hi\`)
	out, applied, _ := r.FixJSON(in)
	require.True(t, applied)
	assert.Equal(t, `{"a":"hi"}`, string(out))
}

func TestFixJSONRejectsExceedingMaxDepth(t *testing.T) {
	r := NewJSONRepairer(1, 1<<16)
	in := []byte(`{"a":{"b":1`)
	out, applied, skipped := r.FixJSON(in)
	assert.False(t, applied)
	assert.Equal(t, "repair_failed", skipped)
	assert.Equal(t, in, out)
}

func TestFixJSONRejectsExceedingMaxSize(t *testing.T) {
	r := NewJSONRepairer(10, 4)
	in := []byte(`{"a":1`)
	out, applied, skipped := r.FixJSON(in)
	assert.False(t, applied)
	assert.Equal(t, "exceeded_max_size", skipped)
	assert.Equal(t, in, out)
}

func TestFixSSELineJSONPayloadsFixesOnlyDataLines(t *testing.T) {
	r := NewJSONRepairer(10, 1<<16)
	in := []byte("event: message\ndata: {\"a\":1,\ndone\n")
	out, applied := r.FixSSELineJSONPayloads(in)
	require.True(t, applied)
	assert.Contains(t, string(out), "event: message")
	assert.Contains(t, string(out), `data: {"a":1}`)
	assert.Contains(t, string(out), "done")
}

func TestFixSSELineJSONPayloadsNoChangeWhenAllValid(t *testing.T) {
	r := NewJSONRepairer(10, 1<<16)
	in := []byte("data: {\"a\":1}\n")
	out, applied := r.FixSSELineJSONPayloads(in)
	assert.False(t, applied)
	assert.Equal(t, in, out)
}
