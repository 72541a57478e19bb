package streaming

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aio-labs/cligateway/clock"
	"github.com/aio-labs/cligateway/costing"
	"github.com/aio-labs/cligateway/gwerr"
	"github.com/aio-labs/cligateway/store"
)

// sliceReader yields one slice per Read call, each after an optional
// delay, then returns io.EOF. Safe to use as an io.ReadCloser upstream
// double.
type sliceReader struct {
	chunks [][]byte
	delay  time.Duration
	i      int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.i >= len(r.chunks) {
		return 0, io.EOF
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	n := copy(p, r.chunks[r.i])
	r.i++
	return n, nil
}

func (r *sliceReader) Close() error { return nil }

func TestTeeForwardsBytesAndReportsSuccess(t *testing.T) {
	upstream := &sliceReader{chunks: [][]byte{
		[]byte("event: message_start\ndata: {\"message\":{\"model\":\"m1\",\"usage\":{}}}\n\n"),
		[]byte("data: {\"type\":\"response.completed\",\"response\":{\"usage\":{\"input_tokens\":1,\"output_tokens\":2}}}\n\n"),
	}}
	tee := NewTee(upstream, TeeConfig{Family: store.FamilyB}, clock.Real{}, time.Now())

	var dst bytes.Buffer
	res := tee.Run(context.Background(), &dst)

	require.True(t, res.Success)
	assert.Equal(t, int64(1), res.Usage.InputTokens)
	assert.Equal(t, int64(2), res.Usage.OutputTokens)
	assert.Equal(t, "m1", res.Model)
	require.NotNil(t, res.FirstByteMS)
	assert.Contains(t, dst.String(), "response.completed")
}

func TestTeeReportsStreamErrorOnTerminalErrorEvent(t *testing.T) {
	upstream := &sliceReader{chunks: [][]byte{
		[]byte("event: error\ndata: {\"error\":{\"message\":\"boom\"}}\n\n"),
	}}
	tee := NewTee(upstream, TeeConfig{Family: store.FamilyA}, clock.Real{}, time.Now())

	var dst bytes.Buffer
	res := tee.Run(context.Background(), &dst)

	require.False(t, res.Success)
	assert.Equal(t, string(gwerr.StreamError), res.ErrorCode)
}

type errReader struct{}

func (errReader) Read(p []byte) (int, error) { return 0, errors.New("connection reset") }
func (errReader) Close() error                { return nil }

func TestTeeReportsStreamErrorOnReadFailure(t *testing.T) {
	tee := NewTee(errReader{}, TeeConfig{Family: store.FamilyA}, clock.Real{}, time.Now())

	var dst bytes.Buffer
	res := tee.Run(context.Background(), &dst)

	require.False(t, res.Success)
	assert.Equal(t, string(gwerr.StreamError), res.ErrorCode)
}

func TestTeeReportsIdleTimeout(t *testing.T) {
	upstream := &sliceReader{
		chunks: [][]byte{[]byte("data: a\n\n"), []byte("data: b\n\n")},
		delay:  50 * time.Millisecond,
	}
	tee := NewTee(upstream, TeeConfig{Family: store.FamilyA, IdleTimeout: 5 * time.Millisecond}, clock.Real{}, time.Now())

	var dst bytes.Buffer
	res := tee.Run(context.Background(), &dst)

	require.False(t, res.Success)
	assert.Equal(t, string(gwerr.StreamIdleTimeout), res.ErrorCode)
}

func TestTeeReportsTotalTimeout(t *testing.T) {
	upstream := &sliceReader{
		chunks: [][]byte{[]byte("data: a\n\n")},
		delay:  50 * time.Millisecond,
	}
	tee := NewTee(upstream, TeeConfig{Family: store.FamilyA, TotalTimeout: 5 * time.Millisecond}, clock.Real{}, time.Now())

	var dst bytes.Buffer
	res := tee.Run(context.Background(), &dst)

	require.False(t, res.Success)
	assert.Equal(t, string(gwerr.UpstreamTimeout), res.ErrorCode)
}

func TestTeeReportsAbortedOnContextCancel(t *testing.T) {
	upstream := &sliceReader{
		chunks: [][]byte{[]byte("data: a\n\n")},
		delay:  50 * time.Millisecond,
	}
	tee := NewTee(upstream, TeeConfig{Family: store.FamilyA}, clock.Real{}, time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	var dst bytes.Buffer
	res := tee.Run(ctx, &dst)

	require.False(t, res.Success)
	assert.Equal(t, string(gwerr.StreamAborted), res.ErrorCode)
}

func TestFinalizeNonStreamComputesCost(t *testing.T) {
	body := []byte(`{"usage":{"prompt_tokens":1000000,"completion_tokens":0}}`)
	price := costing.Price{InputPerMillion: 3}
	res := FinalizeNonStream(store.FamilyB, body, price, 1)
	assert.Equal(t, int64(1000000), res.Usage.InputTokens)
	require.NotNil(t, res.CostUSDFemto)
	assert.Equal(t, int64(3*1_000_000_000_000_000), *res.CostUSDFemto)
}
