package router

import (
	"fmt"
	"strings"

	"github.com/aio-labs/cligateway/circuitbreaker"
	"github.com/aio-labs/cligateway/clock"
	"github.com/aio-labs/cligateway/gwerr"
	"github.com/aio-labs/cligateway/provider"
	"github.com/aio-labs/cligateway/store"
)

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

func newAttempt(c provider.Candidate, providerIndex int, outcome store.AttemptOutcome, status *int, reason *string) store.AttemptRecord {
	return store.AttemptRecord{
		ProviderID:    c.ID,
		ProviderName:  c.Name,
		Outcome:       outcome,
		Status:        status,
		ProviderIndex: intPtr(providerIndex),
		Reason:        reason,
	}
}

func skippedAttempt(c provider.Candidate, providerIndex int, reason string) store.AttemptRecord {
	return newAttempt(c, providerIndex, store.OutcomeSkipped, nil, strPtr(reason))
}

func credentialSkipAttempt(c provider.Candidate, providerIndex int, err error) store.AttemptRecord {
	a := newAttempt(c, providerIndex, store.OutcomeSkipped, nil, strPtr("provider skipped by credential resolution: "+err.Error()))
	if code, ok := gwerr.CodeOf(err); ok {
		codeStr := string(code)
		a.ErrorCode = &codeStr
	}
	return a
}

func timeoutAttempt(c provider.Candidate, providerIndex, retryIndex int, decision Decision, durationMS int64, before circuitbreaker.State) store.AttemptRecord {
	a := newAttempt(c, providerIndex, store.OutcomeFailed, nil, strPtr("request timeout"))
	a.RetryIndex = intPtr(retryIndex)
	a.Decision = strPtr(string(decision))
	a.AttemptDurationMS = &durationMS
	code := string(gwerr.UpstreamTimeout)
	a.ErrorCode = &code
	a.CircuitStateBefore = strPtr(before.String())
	return a
}

func errorAttempt(c provider.Candidate, providerIndex, retryIndex int, err error, durationMS int64, before circuitbreaker.State) store.AttemptRecord {
	a := newAttempt(c, providerIndex, store.OutcomeFailed, nil, strPtr(err.Error()))
	a.RetryIndex = intPtr(retryIndex)
	a.Decision = strPtr(string(DecisionSwitchProvider))
	a.AttemptDurationMS = &durationMS
	code := string(gwerr.UpstreamConnectFailed)
	a.ErrorCode = &code
	a.CircuitStateBefore = strPtr(before.String())
	return a
}

func statusAttempt(c provider.Candidate, providerIndex, retryIndex, status int, decision Decision, durationMS int64, before circuitbreaker.State) store.AttemptRecord {
	outcome := store.OutcomeFailed
	if decision == DecisionSuccess {
		outcome = store.OutcomeSuccess
	}
	a := newAttempt(c, providerIndex, outcome, &status, nil)
	a.RetryIndex = intPtr(retryIndex)
	a.Decision = strPtr(string(decision))
	a.AttemptDurationMS = &durationMS
	a.CircuitStateBefore = strPtr(before.String())
	if decision != DecisionSuccess {
		code := statusErrorCode(status)
		a.ErrorCode = &code
	}
	return a
}

func statusErrorCode(status int) string {
	if status >= 500 {
		return string(gwerr.Upstream5xx)
	}
	return string(gwerr.Upstream4xx)
}

// finalize implements finalize.rs's terminal-state classification once every
// candidate has been skipped or tried and failed: all-skipped maps to 503
// AllProvidersUnavailable with a Retry-After derived from the earliest known
// recovery time; otherwise 502 UpstreamAllFailed, unless every attempted
// (non-skipped) request specifically indicates quota exhaustion or auth
// rejection, which promotes the code to AllProvidersQuotaExceeded/AuthRejected.
func finalize(attempts []store.AttemptRecord, earliestAvailable *int64, skippedOpen, skippedCooldown, skippedLimits int, clk clock.Clock) RunResult {
	if len(attempts) == 0 {
		return RunResult{
			Success:       false,
			Attempts:      attempts,
			TerminalError: gwerr.New(gwerr.NoEnabledProvider, "no provider configured").WithRetryable(false),
		}
	}

	allSkipped := allMatch(attempts, func(a store.AttemptRecord) bool {
		return a.Outcome == store.OutcomeSkipped
	})

	if allSkipped {
		msg := fmt.Sprintf("no provider available (skipped: open=%d, cooldown=%d, limits=%d)", skippedOpen, skippedCooldown, skippedLimits)
		gerr := gwerr.New(gwerr.AllProvidersUnavailable, msg).WithRetryable(true)
		if earliestAvailable != nil {
			if wait := *earliestAvailable - clk.Now().Unix(); wait > 0 {
				gerr = gerr.WithRetryAfterSeconds(wait)
			}
		}
		return RunResult{
			Success:               false,
			Attempts:              attempts,
			EarliestAvailableUnix: earliestAvailable,
			TerminalError:         gerr,
		}
	}

	attempted := nonSkippedAttempts(attempts)
	allQuotaExceeded := len(attempted) > 0 && allMatch(attempted, isQuotaExceededAttempt)
	allAuthRejected := len(attempted) > 0 && allMatch(attempted, isAuthRejectedAttempt)

	code := gwerr.UpstreamAllFailed
	switch {
	case allQuotaExceeded:
		code = gwerr.AllProvidersQuotaExceeded
	case allAuthRejected:
		code = gwerr.AuthRejected
	}

	return RunResult{
		Success:       false,
		Attempts:      attempts,
		TerminalError: gwerr.New(code, "all providers failed").WithRetryable(code != gwerr.AuthRejected),
	}
}

func nonSkippedAttempts(attempts []store.AttemptRecord) []store.AttemptRecord {
	var out []store.AttemptRecord
	for _, a := range attempts {
		if a.Outcome != store.OutcomeSkipped {
			out = append(out, a)
		}
	}
	return out
}

func allMatch(attempts []store.AttemptRecord, pred func(store.AttemptRecord) bool) bool {
	for _, a := range attempts {
		if !pred(a) {
			return false
		}
	}
	return true
}

func isQuotaExceededAttempt(a store.AttemptRecord) bool {
	if a.Reason != nil && strings.Contains(*a.Reason, "quota exceeded") {
		return true
	}
	if a.Status != nil && *a.Status == 429 {
		if a.Reason != nil && strings.Contains(*a.Reason, "concurrency_limit") {
			return false
		}
		return true
	}
	return false
}

func isAuthRejectedAttempt(a store.AttemptRecord) bool {
	return a.Status != nil && (*a.Status == 401 || *a.Status == 403)
}
