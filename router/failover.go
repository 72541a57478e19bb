// Package router drives the failover loop: given an ordered provider
// candidate list, it resolves credentials, gates each candidate on spend
// limits and circuit-breaker health, dispatches the request, classifies
// the outcome, and decides whether to retry the same provider, switch to
// the next one, or abort — recording a store.AttemptRecord for every step.
// The whole loop runs as a single synchronous function over injected
// collaborators (sender, credential resolver, breaker, spend gate) rather
// than an async state machine.
package router

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/aio-labs/cligateway/circuitbreaker"
	"github.com/aio-labs/cligateway/clock"
	"github.com/aio-labs/cligateway/gwerr"
	"github.com/aio-labs/cligateway/oauth"
	"github.com/aio-labs/cligateway/provider"
	"github.com/aio-labs/cligateway/spendlimit"
	"github.com/aio-labs/cligateway/store"
)

// Decision is what the loop does after classifying one attempt's result.
type Decision string

const (
	DecisionSuccess           Decision = "success"
	DecisionRetrySameProvider Decision = "retry_same_provider"
	DecisionSwitchProvider    Decision = "switch_provider"
	DecisionAbort             Decision = "abort"
)

// Request is one outbound HTTP attempt, already rewritten and ready to
// dispatch (body rewriting happens in the RequestBuilder that Run calls
// for each attempt, keyed by the candidate actually chosen, since rewrites
// like family-B session-ID completion depend on the credential
// fingerprint).
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a successful (2xx/3xx) or failed (non-2xx/3xx) upstream
// response. Streaming framing is handled above this package.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ErrUpstreamConnect is wrapped by Sender implementations to mark an error
// as a pre-first-byte connect failure, eligible for the bootstrap retry in
// sendWithBootstrapRetry. Any other error is treated as not retryable at
// the bootstrap layer (it still flows into the normal failover decision).
var ErrUpstreamConnect = errors.New("upstream connect failed")

// SendResult is the outcome of one dispatch attempt.
type SendResult struct {
	Response *Response
	Err      error
	TimedOut bool
}

// Sender performs one upstream HTTP call, applying the given first-byte
// timeout. Implementations report a connect failure by wrapping
// ErrUpstreamConnect so the bootstrap retry can recognize it.
type Sender interface {
	Send(ctx context.Context, req Request, firstByteTimeout time.Duration) SendResult
}

// bootstrapRetryDelay is the fixed delay between bootstrap retries.
const bootstrapRetryDelay = 500 * time.Millisecond

func isBootstrapRetryable(res SendResult) bool {
	return res.TimedOut || errors.Is(res.Err, ErrUpstreamConnect)
}

// sendWithBootstrapRetry retries a connect/timeout failure in place (same
// provider, same attempt) up to bootstrapRetries extra times before
// returning, separate from the status-driven retry/switch decision below.
func sendWithBootstrapRetry(ctx context.Context, sender Sender, req Request, firstByteTimeout time.Duration, bootstrapRetries int, sleep func(time.Duration)) SendResult {
	totalAttempts := bootstrapRetries + 1
	if totalAttempts < 1 {
		totalAttempts = 1
	}

	var last SendResult
	for attempt := 1; attempt <= totalAttempts; attempt++ {
		last = sender.Send(ctx, req, firstByteTimeout)
		if last.Err == nil && !last.TimedOut {
			return last
		}
		if attempt < totalAttempts && isBootstrapRetryable(last) {
			sleep(bootstrapRetryDelay)
			continue
		}
		return last
	}
	return last
}

// classifyStatus applies the HTTP-status decision table for a
// non-2xx/3xx response.
func classifyStatus(status, retryIndex, maxAttemptsPerProvider int) (Decision, time.Duration) {
	switch {
	case status >= 500:
		return DecisionSwitchProvider, 0
	case status == 401, status == 402, status == 403, status == 404:
		return DecisionSwitchProvider, 0
	case status == 408, status == 429:
		if retryIndex < maxAttemptsPerProvider {
			return DecisionRetrySameProvider, backoffFor(retryIndex)
		}
		return DecisionSwitchProvider, 0
	case status >= 400 && status < 500:
		// Any other 4xx: one retry on the same provider, then switch.
		if retryIndex == 0 {
			return DecisionRetrySameProvider, backoffFor(retryIndex)
		}
		return DecisionSwitchProvider, 0
	default:
		return DecisionSuccess, 0
	}
}

// backoffFor is 80ms·2^(retryIndex), capped at 800ms (retryIndex is
// 0-based: the first retry backs off 80ms, the second 160ms, and so on).
func backoffFor(retryIndex int) time.Duration {
	d := 80 * time.Millisecond
	for i := 0; i < retryIndex; i++ {
		d *= 2
		if d >= 800*time.Millisecond {
			return 800 * time.Millisecond
		}
	}
	if d > 800*time.Millisecond {
		d = 800 * time.Millisecond
	}
	return d
}

// classifyTimeout decides what to do on a first-byte timeout: a
// count_tokens request aborts outright (no value in retrying a cheap,
// latency-sensitive call), otherwise it follows the same retry-then-switch
// shape as 408/429.
func classifyTimeout(isCountTokens bool, retryIndex, maxAttemptsPerProvider int) Decision {
	if isCountTokens {
		return DecisionAbort
	}
	if retryIndex < maxAttemptsPerProvider {
		return DecisionRetrySameProvider
	}
	return DecisionSwitchProvider
}

// CredentialResolver resolves the bearer token or API key to use for a
// candidate. Returns a *gwerr.Error (AuthReloginRequired, ProviderRateLimited,
// etc.) on a skip-worthy failure.
type CredentialResolver interface {
	Resolve(ctx context.Context, family store.CLIFamily, candidate provider.Candidate) (string, error)
}

// OAuthCredentialResolver adapts *oauth.Resolver (for OAuth-mode
// candidates) and plain API keys (for API-key-mode candidates) into one
// CredentialResolver.
type OAuthCredentialResolver struct {
	OAuth *oauth.Resolver
}

func (r OAuthCredentialResolver) Resolve(ctx context.Context, family store.CLIFamily, c provider.Candidate) (string, error) {
	if c.AuthMode == store.AuthModeAPIKey {
		if c.APIKeyPlain == "" {
			return "", gwerr.New(gwerr.NoEnabledProvider, "provider has no api key configured")
		}
		return c.APIKeyPlain, nil
	}
	if c.OAuthAccountID == nil {
		return "", gwerr.New(gwerr.NoEnabledProvider, "oauth provider has no linked account")
	}
	return r.OAuth.Resolve(ctx, family, *c.OAuthAccountID)
}

// RequestBuilder constructs the outbound Request for one attempt, given
// the resolved candidate, base URL, and credential: it applies the
// candidate's model remapping and body rewrites to the base body, then
// wires that body onto the concrete URL/headers for this attempt.
type RequestBuilder func(c provider.Candidate, baseURL, credential string) (Request, error)

// RunInput is everything Run needs to drive one failover loop.
type RunInput struct {
	Candidates              []provider.Candidate
	Family                  store.CLIFamily
	IsCountTokens           bool
	MaxAttemptsPerProvider  int
	FirstByteTimeout        time.Duration
	BootstrapRetries        int
	Breaker                 *circuitbreaker.Registry
	SpendGate               *spendlimit.Gate
	Credentials             CredentialResolver
	BaseURLs                *provider.BaseURLSelector
	Sender                  Sender
	BuildRequest            RequestBuilder
	Clock                   clock.Clock
	Sleep                   func(time.Duration)
}

// RunResult is the outcome of the whole loop.
type RunResult struct {
	Success               bool
	Response              *Response
	FinalProviderID       uint64
	Attempts              []store.AttemptRecord
	EarliestAvailableUnix *int64
	TerminalError         *gwerr.Error
}

// Run drives the failover loop over in.Candidates until one succeeds or
// every candidate has been exhausted.
func Run(ctx context.Context, in RunInput) RunResult {
	if in.Sleep == nil {
		in.Sleep = time.Sleep
	}

	var attempts []store.AttemptRecord
	var earliestAvailable *int64
	skippedOpen, skippedCooldown, skippedLimits := 0, 0, 0

	updateEarliest := func(candidate int64) {
		if candidate <= 0 {
			return
		}
		if earliestAvailable == nil || *earliestAvailable > candidate {
			v := candidate
			earliestAvailable = &v
		}
	}

	for providerIndex, c := range in.Candidates {
		if in.SpendGate != nil {
			res, err := in.SpendGate.Evaluate(ctx, c.ID, c.Limits)
			if err == nil && !res.WithinLimits {
				skippedLimits++
				if res.EarliestAvailableUnix > 0 {
					updateEarliest(res.EarliestAvailableUnix)
				}
				attempts = append(attempts, skippedAttempt(c, providerIndex, "provider skipped: spend limit exceeded"))
				continue
			}
		}

		var breakerStateBefore circuitbreaker.State
		if in.Breaker != nil {
			allowed, state, openUntil := in.Breaker.Allow(c.ID)
			breakerStateBefore = state
			if !allowed {
				skippedOpen++
				updateEarliest(openUntil.Unix())
				attempts = append(attempts, skippedAttempt(c, providerIndex, "provider skipped: circuit open"))
				continue
			}
		}

		credential, err := in.Credentials.Resolve(ctx, in.Family, c)
		if err != nil {
			// An account still in its quota-exceeded cooldown window
			// (gwerr.ProviderRateLimited) is a soft, retryable skip,
			// distinct from a hard credential failure or an open circuit.
			if code, ok := gwerr.CodeOf(err); ok && code == gwerr.ProviderRateLimited {
				skippedCooldown++
			}
			attempts = append(attempts, credentialSkipAttempt(c, providerIndex, err))
			continue
		}

		baseURL := c.BaseURLs[0]
		if in.BaseURLs != nil && len(c.BaseURLs) > 0 {
			if u, err := in.BaseURLs.Select(ctx, c.ID, c.BaseURLMode, c.BaseURLs); err == nil {
				baseURL = u
			}
		}

		outcome := runProvider(ctx, in, c, providerIndex, baseURL, credential, breakerStateBefore, &attempts)
		switch outcome.decision {
		case DecisionSuccess:
			if in.Breaker != nil {
				in.Breaker.RecordSuccess(c.ID)
			}
			return RunResult{
				Success:         true,
				Response:        outcome.response,
				FinalProviderID: c.ID,
				Attempts:        attempts,
			}
		case DecisionAbort:
			return RunResult{
				Success:       false,
				Attempts:      attempts,
				TerminalError: gwerr.New(gwerr.RequestAborted, "request aborted"),
			}
		}
		// DecisionSwitchProvider: fall through to the next candidate.
	}

	return finalize(attempts, earliestAvailable, skippedOpen, skippedCooldown, skippedLimits, in.Clock)
}

type providerOutcome struct {
	decision Decision
	response *Response
}

// runProvider drives the intra-provider retry loop (bootstrap retries plus
// status/timeout-driven same-provider retries) until it gets a decision
// that isn't RetrySameProvider.
func runProvider(ctx context.Context, in RunInput, c provider.Candidate, providerIndex int, baseURL, credential string, breakerStateBefore circuitbreaker.State, attempts *[]store.AttemptRecord) providerOutcome {
	retryIndex := 0
	for {
		req, err := in.BuildRequest(c, baseURL, credential)
		if err != nil {
			*attempts = append(*attempts, skippedAttempt(c, providerIndex, "failed to build request: "+err.Error()))
			return providerOutcome{decision: DecisionSwitchProvider}
		}

		started := in.Clock.Now()
		result := sendWithBootstrapRetry(ctx, in.Sender, req, in.FirstByteTimeout, in.BootstrapRetries, in.Sleep)
		durationMS := in.Clock.Now().Sub(started).Milliseconds()

		if result.TimedOut {
			decision := classifyTimeout(in.IsCountTokens, retryIndex, in.MaxAttemptsPerProvider)
			*attempts = append(*attempts, timeoutAttempt(c, providerIndex, retryIndex, decision, durationMS, breakerStateBefore))
			if in.Breaker != nil {
				in.Breaker.RecordFailure(c.ID)
			}
			if decision == DecisionRetrySameProvider {
				retryIndex++
				continue
			}
			return providerOutcome{decision: decision}
		}

		if result.Err != nil {
			*attempts = append(*attempts, errorAttempt(c, providerIndex, retryIndex, result.Err, durationMS, breakerStateBefore))
			if in.Breaker != nil {
				in.Breaker.RecordFailure(c.ID)
			}
			return providerOutcome{decision: DecisionSwitchProvider}
		}

		resp := result.Response
		decision, backoff := classifyStatus(resp.StatusCode, retryIndex, in.MaxAttemptsPerProvider)
		*attempts = append(*attempts, statusAttempt(c, providerIndex, retryIndex, resp.StatusCode, decision, durationMS, breakerStateBefore))

		switch decision {
		case DecisionSuccess:
			return providerOutcome{decision: DecisionSuccess, response: resp}
		case DecisionRetrySameProvider:
			if in.Breaker != nil {
				in.Breaker.RecordFailure(c.ID)
			}
			if backoff > 0 {
				in.Sleep(backoff)
			}
			retryIndex++
			continue
		default:
			if in.Breaker != nil {
				in.Breaker.RecordFailure(c.ID)
			}
			return providerOutcome{decision: DecisionSwitchProvider}
		}
	}
}
