package gatewayhttp

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/aio-labs/cligateway/clock"
	"github.com/aio-labs/cligateway/costing"
	"github.com/aio-labs/cligateway/fingerprint"
	"github.com/aio-labs/cligateway/fixer"
	"github.com/aio-labs/cligateway/gwerr"
	"github.com/aio-labs/cligateway/introspect"
	"github.com/aio-labs/cligateway/provider"
	"github.com/aio-labs/cligateway/recentcache"
	"github.com/aio-labs/cligateway/rewriter"
	"github.com/aio-labs/cligateway/router"
	"github.com/aio-labs/cligateway/session"
	"github.com/aio-labs/cligateway/store"
	"github.com/aio-labs/cligateway/streaming"
)

// hopByHopHeaders are never forwarded upstream or back to the client, per
// RFC 7230 section 6.1.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Proxy-Connection":    true,
	"Keep-Alive":          true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Te":                  true,
	"Trailer":             true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
}

// handleProxy drives the full per-request pipeline: body admission,
// session/fingerprint resolution, provider selection, the failover loop,
// streaming or non-stream finalization, the response fixer, cost
// accounting, and request-log persistence.
func (h *Handler) handleProxy(w http.ResponseWriter, r *http.Request, route *Route) {
	ctx := r.Context()
	traceID := clock.NewTraceID()
	requestStarted := h.clock.Now()

	body, readErr := readBodyLimited(r.Body, h.config.Server.MaxBodyBytes)
	if readErr != nil {
		writeError(w, h.logger, traceID, readErr, nil)
		return
	}

	introspectBody := bestEffortInflate(body, r.Header.Get("Content-Encoding"))
	isCountTokens := isCountTokensPath(route.Family, route.ForwardedPath)
	fields := introspect.Extract(introspectBody)

	credentialFP := inboundCredentialFingerprint(r.Header)

	sessionID, hasSession := session.ResolveSessionID(r.Header, route.Family, fields, isCountTokens, credentialFP)
	var sessionKey *session.Key
	if hasSession {
		sessionKey = &session.Key{CLIFamily: string(route.Family), SessionID: sessionID}
	}
	reuseEligible := session.ReuseEligible(fields.MessageCount, isCountTokens)

	requestFP := fingerprint.Request(fingerprint.RequestFields{
		CLIFamily:         route.Family,
		Method:            r.Method,
		Path:              route.ForwardedPath,
		Query:             r.URL.RawQuery,
		SessionID:         sessionID,
		RequestedModel:    fields.RequestedModel,
		BodyIntrospection: fields.FirstThreeSegments,
	})
	allUnavailableFP := fingerprint.AllUnavailable(fingerprint.AllUnavailableFields{
		CLIFamily: route.Family,
		Method:    r.Method,
		Path:      route.ForwardedPath,
	})

	if entry, ok := h.recent.Get(requestFP, allUnavailableFP); ok {
		h.writeCachedError(w, traceID, entry)
		return
	}

	candidates, gerr := h.resolveCandidates(ctx, route, sessionKey, reuseEligible)
	if gerr != nil {
		writeError(w, h.logger, traceID, gerr, nil)
		return
	}
	if max := h.config.Failover.MaxProvidersToTry; max > 0 && len(candidates) > max {
		candidates = candidates[:max]
	}

	state := &attemptState{}
	sender := &recordingSender{inner: newHTTPSender(h.httpClient), state: state}

	builder := h.requestBuilder(route, r.Method, r.Header, body, fields, sessionID, credentialFP, state)

	runResult := router.Run(ctx, router.RunInput{
		Candidates:             candidates,
		Family:                 route.Family,
		IsCountTokens:          isCountTokens,
		MaxAttemptsPerProvider: h.config.Failover.MaxAttemptsPerProvider,
		FirstByteTimeout:       h.config.Upstream.FirstByteTimeout,
		BootstrapRetries:       h.config.Failover.BootstrapMaxRetries,
		Breaker:                h.breaker,
		SpendGate:              h.spendGate,
		Credentials:            router.OAuthCredentialResolver{OAuth: h.oauthResolver},
		BaseURLs:               h.baseURLs,
		Sender:                 sender,
		BuildRequest:           builder,
		Clock:                  h.clock,
	})

	if !runResult.Success {
		h.finishFailure(w, traceID, route, r.Method, runResult, requestFP, allUnavailableFP, requestStarted)
		return
	}

	if sessionKey != nil && !route.HasForcedProvider {
		// The forced-provider route bypasses the sticky policy and does
		// not rebind the session on success.
		h.sessions.BindSuccess(*sessionKey, runResult.FinalProviderID)
	}

	upstream := sender.takeSuccess()
	if upstream == nil {
		gerr := gwerr.New(gwerr.ResponseBuildError, "router reported success with no live response")
		writeError(w, h.logger, traceID, gerr, runResult.Attempts)
		return
	}

	if isStreaming(upstream, body) {
		h.finishStreaming(w, r, traceID, route, r.Method, runResult, upstream, requestStarted)
		return
	}
	h.finishNonStream(w, traceID, route, r.Method, runResult, upstream, requestStarted)
}

// resolveCandidates implements the split between the operator-forced
// single-provider route (no rebind) and the normal session/sticky
// selection policy.
func (h *Handler) resolveCandidates(ctx context.Context, route *Route, sessionKey *session.Key, reuseEligible bool) ([]provider.Candidate, *gwerr.Error) {
	if route.HasForcedProvider {
		row, err := h.store.GetProvider(ctx, route.ForcedProviderID)
		if err != nil || row == nil {
			return nil, gwerr.New(gwerr.NoEnabledProvider, "forced provider not found")
		}
		return []provider.Candidate{provider.FromRow(*row)}, nil
	}

	sel, err := provider.Select(ctx, h.store, h.sessions, h.breaker, route.Family, sessionKey, reuseEligible)
	if err != nil {
		return nil, gwerr.New(gwerr.InternalError, "resolve provider candidates").WithCause(err)
	}
	return sel.Providers, nil
}

// requestBuilder returns the router.RequestBuilder closure that applies,
// per candidate: model remap, then the request-side rewriters, gated by
// the previous same-provider attempt's recorded status/body for the
// thinking-budget rectifier.
func (h *Handler) requestBuilder(route *Route, method string, reqHeader http.Header, originalBody []byte, fields introspect.Fields, sessionID string, credentialFP uint64, state *attemptState) router.RequestBuilder {
	return func(c provider.Candidate, baseURL, credential string) (router.Request, error) {
		state.resetIfNewCandidate(c.ID)

		remapped := provider.RemapModel(c.ModelOverrides, fields.RequestedModel, fields.ThinkingEnabled)
		workingBody := originalBody
		bodyChanged := false

		if remapped != "" && remapped != fields.RequestedModel {
			if out, err := sjson.SetBytes(workingBody, "model", remapped); err == nil {
				workingBody = out
				bodyChanged = true
			}
		}

		switch route.Family {
		case store.FamilyB:
			if h.config.Rectifier.EnableCodexSessionIDCompletion && sessionID != "" {
				if out, changed, err := rewriter.CompleteSessionID(h.sessionIDCache, workingBody, sessionIDCacheKey(credentialFP, fields.FirstThreeSegments), clock.NewSessionID); err == nil && changed {
					workingBody = out
					bodyChanged = true
				}
			}
		case store.FamilyA:
			if sessionID != "" {
				if out, changed, err := rewriter.InjectMetadataUserID(workingBody, c.ID, sessionID); err == nil && changed {
					workingBody = out
					bodyChanged = true
				}
			}
			if h.config.Rectifier.EnableThinkingSignature && state.lastStatus >= 400 &&
				rewriter.NeedsThinkingBudgetRectification(string(state.lastBody)) {
				if out, changed, err := rewriter.RectifyThinkingBudget(workingBody); err == nil && changed {
					workingBody = out
					bodyChanged = true
				}
			}
		}

		url := strings.TrimRight(baseURL, "/") + route.ForwardedPath

		header := cloneAllowedHeaders(reqHeader)
		applyCredential(header, route.Family, c.AuthMode, credential)
		if h.config.Upstream.UserAgent != "" {
			header.Set("User-Agent", h.config.Upstream.UserAgent)
		}
		if bodyChanged {
			header.Del("Content-Encoding")
			header.Set("Content-Length", strconv.Itoa(len(workingBody)))
		}

		return router.Request{Method: method, URL: url, Header: header, Body: workingBody}, nil
	}
}

// writeCachedError renders a recent-error-cache hit with a fresh trace ID
// and an adjusted Retry-After; no request-log row is written for a cache
// hit since the original terminal failure already logged one.
func (h *Handler) writeCachedError(w http.ResponseWriter, traceID string, entry recentcache.Entry) {
	gerr := gwerr.New(entry.Code, entry.Message).WithHTTPStatus(entry.Status)
	if entry.RetryAfter > 0 {
		gerr = gerr.WithRetryAfterSeconds(int64(entry.RetryAfter.Seconds()))
	}
	writeError(w, h.logger, traceID, gerr, nil)
}

func (h *Handler) finishFailure(w http.ResponseWriter, traceID string, route *Route, method string, result router.RunResult, requestFP, allUnavailableFP uint64, started time.Time) {
	gerr := result.TerminalError
	if gerr == nil {
		gerr = gwerr.New(gwerr.InternalError, "failover loop returned no terminal error")
	}
	writeError(w, h.logger, traceID, gerr, result.Attempts)

	switch gerr.Code {
	case gwerr.AllProvidersUnavailable, gwerr.AllProvidersQuotaExceeded, gwerr.AuthRejected, gwerr.UpstreamAllFailed:
		h.recent.Put(requestFP, allUnavailableFP, recentcache.Entry{
			TraceID: traceID, Status: gerr.HTTPStatus, Code: gerr.Code, Message: gerr.Message,
			RetryAfter: time.Duration(gerr.RetryAfterSeconds) * time.Second,
		})
	}

	row := h.buildRequestLog(traceID, route, method, "", nil, started, nil, nil, result.Attempts, gerr)
	h.requestLogs.Enqueue(context.Background(), row)
}

func (h *Handler) finishStreaming(w http.ResponseWriter, r *http.Request, traceID string, route *Route, method string, result router.RunResult, upstream *http.Response, started time.Time) {
	copyResponseHeader(w.Header(), upstream.Header)
	w.WriteHeader(upstream.StatusCode)

	var streamFixer *fixer.StreamFixer
	if h.config.Fixer.Enabled {
		streamFixer = fixer.NewStreamFixer(fixer.Config{
			FixEncoding:      h.config.Fixer.FixEncoding,
			FixSSEFormat:     h.config.Fixer.FixSSEFormat,
			FixTruncatedJSON: h.config.Fixer.FixTruncatedJSON,
			MaxJSONDepth:     h.config.Fixer.MaxJSONDepth,
			MaxFixSize:       h.config.Fixer.MaxFixSize,
		})
	}

	tee := streaming.NewTee(upstream.Body, streaming.TeeConfig{
		Family:       route.Family,
		IdleTimeout:  h.config.Upstream.StreamIdleTimeout,
		TotalTimeout: 0,
		Fixer:        streamFixer,
	}, h.clock, started)

	teeResult := tee.Run(r.Context(), w)

	price, _ := costing.Lookup(context.Background(), h.store, route.Family, teeResult.Model)
	cost := costing.Compute(price, teeResult.Usage, h.candidateCostMultiplier(result.FinalProviderID))

	var setting *fixer.SpecialSetting
	if streamFixer != nil {
		if s, ok := streamFixer.SpecialSetting(); ok {
			setting = &s
		}
	}

	status := upstream.StatusCode
	var errCode *string
	if !teeResult.Success {
		errCode = strPtr(teeResult.ErrorCode)
	}

	row := h.buildRequestLog(traceID, route, method, teeResult.Model, &status, started, cost, setting, result.Attempts, nil)
	row.FinalProviderID = u64Ptr(result.FinalProviderID)
	row.TTFBMS = teeResult.FirstByteMS
	row.ErrorCode = errCode
	applyUsage(row, teeResult.Usage)
	h.requestLogs.Enqueue(context.Background(), row)
}

func (h *Handler) finishNonStream(w http.ResponseWriter, traceID string, route *Route, method string, result router.RunResult, upstream *http.Response, started time.Time) {
	defer upstream.Body.Close()

	limited := io.LimitReader(upstream.Body, h.config.Server.MaxBodyBytes)
	raw, err := io.ReadAll(limited)
	if err != nil {
		gerr := gwerr.New(gwerr.UpstreamBodyReadError, "failed to read upstream response body").WithCause(err)
		writeError(w, h.logger, traceID, gerr, result.Attempts)
		return
	}

	fixedBody := raw
	var setting *fixer.SpecialSetting
	if h.config.Fixer.Enabled {
		outcome := fixer.ProcessNonStream(raw, fixer.Config{
			FixEncoding:      h.config.Fixer.FixEncoding,
			FixSSEFormat:     h.config.Fixer.FixSSEFormat,
			FixTruncatedJSON: h.config.Fixer.FixTruncatedJSON,
			MaxJSONDepth:     h.config.Fixer.MaxJSONDepth,
			MaxFixSize:       h.config.Fixer.MaxFixSize,
		})
		fixedBody = outcome.Body
		setting = outcome.SpecialSetting
	}

	model, _ := streaming.ParseModelFromJSONOrSSE(route.Family, fixedBody)
	price, _ := costing.Lookup(context.Background(), h.store, route.Family, model)
	finalized := streaming.FinalizeNonStream(route.Family, fixedBody, price, h.candidateCostMultiplier(result.FinalProviderID))

	copyResponseHeader(w.Header(), upstream.Header)
	w.Header().Set("Content-Length", strconv.Itoa(len(fixedBody)))
	w.WriteHeader(upstream.StatusCode)
	_, _ = w.Write(fixedBody)

	status := upstream.StatusCode
	row := h.buildRequestLog(traceID, route, method, finalized.Model, &status, started, finalized.CostUSDFemto, setting, result.Attempts, nil)
	row.FinalProviderID = u64Ptr(result.FinalProviderID)
	applyUsage(row, finalized.Usage)
	h.requestLogs.Enqueue(context.Background(), row)
}

func (h *Handler) buildRequestLog(traceID string, route *Route, method, model string, status *int, started time.Time, costFemto *int64, setting *fixer.SpecialSetting, attempts []store.AttemptRecord, gerr *gwerr.Error) *store.RequestLog {
	row := &store.RequestLog{
		TraceID:      traceID,
		CLIFamily:    route.Family,
		Method:       method,
		Path:         route.ForwardedPath,
		DurationMS:   h.clock.Now().Sub(started).Milliseconds(),
		CostUSDFemto: costFemto,
		CreatedAtMS:  started.UnixMilli(),
		CreatedAt:    started.Unix(),
	}
	if model != "" {
		row.RequestedModel = strPtr(model)
	}
	if status != nil {
		row.Status = status
	}
	if gerr != nil {
		code := string(gerr.Code)
		row.ErrorCode = &code
	}
	if len(attempts) > 0 {
		if encoded, err := json.Marshal(attempts); err == nil {
			row.AttemptsJSON = string(encoded)
		}
	}
	if setting != nil {
		if encoded, err := json.Marshal([]fixer.SpecialSetting{*setting}); err == nil {
			s := string(encoded)
			row.SpecialSettingsJSON = &s
		}
	}
	return row
}

func (h *Handler) candidateCostMultiplier(providerID uint64) float64 {
	acct, err := h.store.GetProvider(context.Background(), providerID)
	if err != nil || acct == nil {
		return 1
	}
	return acct.CostMultiplier
}

func applyUsage(row *store.RequestLog, usage costing.Usage) {
	row.InputTokens = i64Ptr(usage.InputTokens)
	row.OutputTokens = i64Ptr(usage.OutputTokens)
	total := usage.TotalTokens()
	row.TotalTokens = &total
	row.CacheReadTokens = i64Ptr(usage.CacheReadTokens)
	row.CacheCreationTokens = i64Ptr(usage.CacheCreationTokens)
	row.CacheCreation5mTokens = i64Ptr(usage.CacheCreation5mTokens)
	row.CacheCreation1hTokens = i64Ptr(usage.CacheCreation1hTokens)
}

// isStreaming reports whether the upstream response is SSE, either by
// Content-Type or the request body's own "stream": true flag.
func isStreaming(resp *http.Response, requestBody []byte) bool {
	if ct := resp.Header.Get("Content-Type"); strings.Contains(ct, "text/event-stream") {
		return true
	}
	return gjson.GetBytes(requestBody, "stream").Bool()
}

func copyResponseHeader(dst, src http.Header) {
	for k, vv := range src {
		if hopByHopHeaders[k] {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func cloneAllowedHeaders(src http.Header) http.Header {
	out := make(http.Header, len(src))
	for k, vv := range src {
		if hopByHopHeaders[k] || k == "Host" || k == "Authorization" || k == "X-Api-Key" || k == "X-Goog-Api-Key" {
			continue
		}
		cp := make([]string, len(vv))
		copy(cp, vv)
		out[k] = cp
	}
	return out
}

// applyCredential sets the family-appropriate credential header: a
// bearer token by default, or the family's own native API-key header
// when the candidate is in api_key mode.
func applyCredential(header http.Header, family store.CLIFamily, mode store.AuthMode, credential string) {
	if mode == store.AuthModeAPIKey {
		switch family {
		case store.FamilyA:
			header.Set("X-Api-Key", credential)
			return
		case store.FamilyC:
			header.Set("X-Goog-Api-Key", credential)
			return
		}
	}
	header.Set("Authorization", "Bearer "+credential)
}

// readBodyLimited reads r fully, rejecting anything beyond limit.
func readBodyLimited(r io.Reader, limit int64) ([]byte, *gwerr.Error) {
	if limit <= 0 {
		limit = 25 << 20
	}
	buf, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, gwerr.New(gwerr.InternalError, "failed to read request body").WithCause(err)
	}
	if int64(len(buf)) > limit {
		return nil, gwerr.New(gwerr.BodyTooLarge, "request body exceeds the configured limit").WithHTTPStatus(http.StatusRequestEntityTooLarge)
	}
	return buf, nil
}

// bestEffortInflate decompresses body for introspection only: the
// original bytes are always what gets forwarded unless a rewriter changes
// them. Inflation failures are swallowed; Extract degrades gracefully on
// malformed input.
func bestEffortInflate(body []byte, contentEncoding string) []byte {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return body
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return body
		}
		return out
	case "deflate":
		fr := flate.NewReader(bytes.NewReader(body))
		defer fr.Close()
		out, err := io.ReadAll(fr)
		if err != nil {
			return body
		}
		return out
	default:
		return body
	}
}

// inboundCredentialFingerprint hashes the client's own presented
// credential (not the upstream provider's): the gateway's own caller
// identity, available before provider selection happens.
func inboundCredentialFingerprint(header http.Header) uint64 {
	if v := header.Get("Authorization"); v != "" {
		return xxhash.Sum64String(v)
	}
	if v := header.Get("X-Api-Key"); v != "" {
		return xxhash.Sum64String(v)
	}
	if v := header.Get("X-Goog-Api-Key"); v != "" {
		return xxhash.Sum64String(v)
	}
	return 0
}

func sessionIDCacheKey(credentialFP uint64, firstSegments string) string {
	return strconv.FormatUint(credentialFP, 16) + "|" + firstSegments
}

func strPtr(v string) *string { return &v }
func i64Ptr(v int64) *int64   { return &v }
func u64Ptr(v uint64) *uint64 { return &v }
