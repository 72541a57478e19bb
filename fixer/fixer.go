package fixer

import (
	"bytes"
	"time"
)

// Config controls which fixers run and their safety bounds.
type Config struct {
	FixEncoding      bool
	FixSSEFormat     bool
	FixTruncatedJSON bool
	MaxJSONDepth     int
	MaxFixSize       int
}

// NonStreamOutcome is the result of fixing a complete, already-buffered
// response body (the non-stream path).
type NonStreamOutcome struct {
	Body          []byte
	HeaderValue   string // "applied" or "not-applied"
	SpecialSetting *SpecialSetting
}

// ProcessNonStream runs the non-streaming fix path: encoding first, then
// truncated-JSON repair (SSE framing doesn't apply to a non-streamed
// body).
func ProcessNonStream(body []byte, cfg Config) NonStreamOutcome {
	started := time.Now()
	var applied Applied

	data := body
	totalBytesProcessed := len(data)

	if cfg.FixEncoding {
		fixed, ok, detail := FixEncoding(data)
		if ok {
			applied.EncodingApplied = true
			applied.EncodingDetail = detail
		}
		data = fixed
	}

	if cfg.FixTruncatedJSON {
		repairer := NewJSONRepairer(cfg.MaxJSONDepth, cfg.MaxFixSize)
		fixed, ok, _ := repairer.FixJSON(data)
		if ok {
			applied.JSONApplied = true
		}
		data = fixed
	}

	out := NonStreamOutcome{Body: data, HeaderValue: "not-applied"}
	if applied.hit() {
		out.HeaderValue = "applied"
		setting := buildSpecialSetting(applied, false, totalBytesProcessed, time.Since(started).Milliseconds())
		out.SpecialSetting = &setting
	}
	return out
}

// StreamFixer applies the same three fixers to a chunked SSE stream,
// buffering only up to the next line boundary (or MaxFixSize, whichever
// comes first) before forwarding, so output stays close to real-time.
type StreamFixer struct {
	cfg Config

	buf            bytes.Buffer
	pendingCR      bool
	processableEnd int // offset into buf.Bytes() up to which a line boundary was found

	passthrough bool
	finalized   bool

	applied              Applied
	totalBytesProcessed  int
	started              time.Time
}

// NewStreamFixer constructs a StreamFixer for one response stream.
func NewStreamFixer(cfg Config) *StreamFixer {
	return &StreamFixer{cfg: cfg, started: time.Now()}
}

// Push feeds one upstream chunk in and returns the bytes ready to forward
// downstream right now (possibly empty, if more input is needed before a
// line boundary is found).
func (f *StreamFixer) Push(chunk []byte) []byte {
	if len(chunk) == 0 {
		return nil
	}
	f.totalBytesProcessed += len(chunk)

	if f.passthrough {
		return chunk
	}

	// Safety valve: if we've gone a long time without a newline, the
	// buffer would grow unbounded. Degrade to passthrough instead.
	if f.buf.Len()+len(chunk) > f.cfg.MaxFixSize {
		f.passthrough = true
		out := make([]byte, 0, f.buf.Len()+len(chunk))
		out = append(out, f.buf.Bytes()...)
		out = append(out, chunk...)
		f.buf.Reset()
		f.processableEnd = 0
		f.pendingCR = false
		return out
	}

	prevTotal := f.buf.Len()
	f.scanNewlines(chunk, prevTotal)
	f.buf.Write(chunk)

	end := f.findProcessableEnd()
	if end == 0 {
		return nil
	}

	all := f.buf.Bytes()
	toProcess := make([]byte, end)
	copy(toProcess, all[:end])
	remainder := make([]byte, len(all)-end)
	copy(remainder, all[end:])

	f.buf.Reset()
	f.buf.Write(remainder)
	f.processableEnd = 0

	return f.processBytes(toProcess)
}

// scanNewlines updates processableEnd and pendingCR for the bytes about
// to be appended at prevTotal, so a line boundary split across chunk
// reads is still found.
func (f *StreamFixer) scanNewlines(chunk []byte, prevTotal int) {
	if f.pendingCR {
		if len(chunk) > 0 && chunk[0] == '\n' {
			f.processableEnd = prevTotal + 1
		} else {
			f.processableEnd = prevTotal
		}
		f.pendingCR = false
	}

	for i, b := range chunk {
		switch {
		case b == '\n':
			f.processableEnd = prevTotal + i + 1
		case b == '\r':
			if i+1 < len(chunk) {
				if chunk[i+1] != '\n' {
					f.processableEnd = prevTotal + i + 1
				}
			} else {
				f.pendingCR = true
			}
		}
	}
}

func (f *StreamFixer) findProcessableEnd() int {
	if f.buf.Len() == 0 || f.pendingCR {
		return 0
	}
	return f.processableEnd
}

// Finish drains whatever remains buffered: a final line with no trailing
// newline, never handed to Push's line-boundary scan. This residual
// passes through unmodified rather than being forced through the fixers,
// so a genuinely truncated tail isn't rewritten into something that
// looks complete.
func (f *StreamFixer) Finish() []byte {
	if f.buf.Len() == 0 {
		f.buf.Reset()
		return nil
	}
	drained := make([]byte, f.buf.Len())
	copy(drained, f.buf.Bytes())
	f.buf.Reset()
	f.processableEnd = 0
	return drained
}

func (f *StreamFixer) processBytes(data []byte) []byte {
	if f.cfg.FixEncoding {
		fixed, ok, detail := FixEncoding(data)
		if ok {
			f.applied.EncodingApplied = true
			if f.applied.EncodingDetail == "" {
				f.applied.EncodingDetail = detail
			}
		}
		data = fixed
	}

	if f.cfg.FixSSEFormat {
		fixed, ok := FixSSE(data)
		if ok {
			f.applied.SSEApplied = true
		}
		data = fixed
	}

	if f.cfg.FixTruncatedJSON {
		repairer := NewJSONRepairer(f.cfg.MaxJSONDepth, f.cfg.MaxFixSize)
		fixed, ok := repairer.FixSSELineJSONPayloads(data)
		if ok {
			f.applied.JSONApplied = true
		}
		data = fixed
	}

	return data
}

// SpecialSetting returns the audit entry for the whole stream, once it
// has finished. Returns ok=false if no fixer ever applied (no audit entry
// is emitted in that case).
func (f *StreamFixer) SpecialSetting() (setting SpecialSetting, ok bool) {
	if f.finalized {
		return SpecialSetting{}, false
	}
	f.finalized = true

	if !f.applied.hit() {
		return SpecialSetting{}, false
	}

	setting = buildSpecialSetting(f.applied, true, f.totalBytesProcessed, time.Since(f.started).Milliseconds())
	return setting, true
}
