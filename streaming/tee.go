package streaming

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/aio-labs/cligateway/clock"
	"github.com/aio-labs/cligateway/costing"
	"github.com/aio-labs/cligateway/fixer"
	"github.com/aio-labs/cligateway/gwerr"
	"github.com/aio-labs/cligateway/store"
)

// NonStreamResult is the non-stream finalization outcome: reading the
// full body and applying the response fixer happens in the fixer
// package; this derives usage, model, and cost from the resulting bytes.
type NonStreamResult struct {
	Usage        costing.Usage
	Model        string
	CostUSDFemto *int64
}

// FinalizeNonStream derives usage, model, and cost from a fully-fixed
// non-streaming response body.
func FinalizeNonStream(family store.CLIFamily, fixedBody []byte, price costing.Price, costMultiplier float64) NonStreamResult {
	usage, _ := ParseUsageFromJSONOrSSE(family, fixedBody)
	model, _ := ParseModelFromJSONOrSSE(family, fixedBody)
	return NonStreamResult{
		Usage:        usage,
		Model:        model,
		CostUSDFemto: costing.Compute(price, usage, costMultiplier),
	}
}

// Result is the outcome of draining a Tee to completion, whichever way it
// ended: clean EOF, an upstream terminal-error event, a read error, the
// idle or total timeout firing, or the caller's context being cancelled.
type Result struct {
	Success      bool
	ErrorCode    string // a gwerr.Code string; empty on success
	FirstByteMS  *int64
	Usage        costing.Usage
	Model        string
	DurationMS   int64
}

// TeeConfig configures one Tee.
type TeeConfig struct {
	Family store.CLIFamily
	// IdleTimeout resets on every forwarded chunk; zero disables it.
	IdleTimeout time.Duration
	// TotalTimeout is measured from Started; zero disables it.
	TotalTimeout time.Duration
	// Fixer, if non-nil, runs the SSE/encoding/JSON repair passes on
	// forwarded bytes before they reach the client.
	Fixer *fixer.StreamFixer
}

// Tee wraps an upstream SSE body: it forwards bytes to the client as they
// arrive (flushing after each write when the destination supports it),
// feeds every chunk to a UsageTracker, tracks the first-forwarded-byte
// timestamp, and enforces an idle timer (reset on every forwarded chunk)
// and a total deadline. Same finalize-exactly-once guard and the same
// four terminal transitions (timeout, clean end, upstream error, abort)
// as a polled-future SSE stream, reworked into a blocking Run loop that
// reads the body from its own goroutine instead.
type Tee struct {
	upstream io.ReadCloser
	cfg      TeeConfig
	clk      clock.Clock
	started  time.Time

	tracker     *UsageTracker
	firstByteMS *int64

	once   sync.Once
	result Result
}

// NewTee constructs a Tee over an already-opened upstream body.
func NewTee(upstream io.ReadCloser, cfg TeeConfig, clk clock.Clock, started time.Time) *Tee {
	return &Tee{
		upstream: upstream,
		cfg:      cfg,
		clk:      clk,
		started:  started,
		tracker:  NewUsageTracker(cfg.Family),
	}
}

type readOutcome struct {
	buf []byte
	err error
}

// Run drains the upstream body into dst until it ends, errors, the idle
// or total timeout elapses, or ctx is cancelled (the client hung up — the
// Drop-without-finalize case timing.rs handles via its destructor). It
// always finalizes exactly once and returns that Result.
func (t *Tee) Run(ctx context.Context, dst io.Writer) Result {
	defer t.upstream.Close()

	chunks := make(chan readOutcome)
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := t.upstream.Read(buf)
			if n > 0 {
				cp := make([]byte, n)
				copy(cp, buf[:n])
				select {
				case chunks <- readOutcome{buf: cp}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				select {
				case chunks <- readOutcome{err: err}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()

	flusher, _ := dst.(http.Flusher)

	var deadline time.Time
	if t.cfg.TotalTimeout > 0 {
		deadline = t.started.Add(t.cfg.TotalTimeout)
	}

	for {
		var totalTimer, idleTimer *time.Timer
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return t.finalize(gwerr.UpstreamTimeout)
			}
			totalTimer = time.NewTimer(remaining)
		}
		if t.cfg.IdleTimeout > 0 {
			idleTimer = time.NewTimer(t.cfg.IdleTimeout)
		}

		var totalC, idleC <-chan time.Time
		if totalTimer != nil {
			totalC = totalTimer.C
		}
		if idleTimer != nil {
			idleC = idleTimer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(totalTimer)
			stopTimer(idleTimer)
			return t.finalize(gwerr.StreamAborted)

		case <-totalC:
			stopTimer(idleTimer)
			return t.finalize(gwerr.UpstreamTimeout)

		case <-idleC:
			stopTimer(totalTimer)
			return t.finalize(gwerr.StreamIdleTimeout)

		case out := <-chunks:
			stopTimer(totalTimer)
			stopTimer(idleTimer)
			if out.err != nil {
				if errors.Is(out.err, io.EOF) {
					return t.finalizeClean(dst, flusher)
				}
				return t.finalize(gwerr.StreamError)
			}
			t.forward(dst, flusher, out.buf)
		}
	}
}

func stopTimer(timer *time.Timer) {
	if timer != nil {
		timer.Stop()
	}
}

func (t *Tee) forward(dst io.Writer, flusher http.Flusher, chunk []byte) {
	if t.firstByteMS == nil {
		ms := t.clk.Now().Sub(t.started).Milliseconds()
		t.firstByteMS = &ms
	}
	t.tracker.IngestChunk(chunk)

	out := chunk
	if t.cfg.Fixer != nil {
		out = t.cfg.Fixer.Push(chunk)
	}
	if len(out) == 0 {
		return
	}
	dst.Write(out)
	if flusher != nil {
		flusher.Flush()
	}
}

// finalizeClean handles the upstream ending without error: flushes any
// residual bytes the fixer was still buffering, then reports success
// unless a terminal-error SSE event was observed before EOF.
func (t *Tee) finalizeClean(dst io.Writer, flusher http.Flusher) Result {
	t.once.Do(func() {
		if t.cfg.Fixer != nil {
			if residual := t.cfg.Fixer.Finish(); len(residual) > 0 {
				dst.Write(residual)
				if flusher != nil {
					flusher.Flush()
				}
			}
		}
		errorCode := ""
		if t.tracker.TerminalErrorSeen() {
			errorCode = string(gwerr.StreamError)
		}
		t.result = t.buildResult(errorCode)
	})
	return t.result
}

func (t *Tee) finalize(code gwerr.Code) Result {
	t.once.Do(func() {
		t.result = t.buildResult(string(code))
	})
	return t.result
}

func (t *Tee) buildResult(errorCode string) Result {
	usage, _ := t.tracker.Finalize()
	model, _ := t.tracker.BestEffortModel()
	return Result{
		Success:     errorCode == "",
		ErrorCode:   errorCode,
		FirstByteMS: t.firstByteMS,
		Usage:       usage,
		Model:       model,
		DurationMS:  t.clk.Now().Sub(t.started).Milliseconds(),
	}
}
