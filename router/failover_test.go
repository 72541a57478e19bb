package router

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aio-labs/cligateway/circuitbreaker"
	"github.com/aio-labs/cligateway/clock"
	"github.com/aio-labs/cligateway/gwerr"
	"github.com/aio-labs/cligateway/provider"
	"github.com/aio-labs/cligateway/store"
)

type noopSink struct{}

func (noopSink) Enqueue(circuitbreaker.Snapshot) {}

func newRegistry() *circuitbreaker.Registry {
	return circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), clock.Real{}, noopSink{}, zap.NewNop())
}

// scriptedSender replays a fixed queue of results per candidate name,
// looked up from the X-Candidate-ID header BuildRequest sets.
type scriptedSender struct {
	results map[string][]SendResult
	calls   []string
}

func (s *scriptedSender) Send(ctx context.Context, req Request, firstByteTimeout time.Duration) SendResult {
	name := req.Header.Get("X-Candidate-ID")
	s.calls = append(s.calls, name)
	queue := s.results[name]
	if len(queue) == 0 {
		return SendResult{Response: &Response{StatusCode: 200}}
	}
	next := queue[0]
	s.results[name] = queue[1:]
	return next
}

func candidate(id uint64, name string) provider.Candidate {
	return provider.Candidate{
		ID:          id,
		Name:        name,
		BaseURLs:    []string{"https://upstream.example/" + name},
		AuthMode:    store.AuthModeAPIKey,
		APIKeyPlain: "sk-test",
	}
}

type fixedCredentials struct{}

func (fixedCredentials) Resolve(ctx context.Context, family store.CLIFamily, c provider.Candidate) (string, error) {
	if c.APIKeyPlain == "" {
		return "", gwerr.New(gwerr.NoEnabledProvider, "no key")
	}
	return c.APIKeyPlain, nil
}

func buildRequest(c provider.Candidate, baseURL, credential string) (Request, error) {
	h := make(http.Header)
	h.Set("X-Candidate-ID", c.Name)
	h.Set("Authorization", "Bearer "+credential)
	return Request{Method: "POST", URL: baseURL, Header: h}, nil
}

func baseInput(candidates []provider.Candidate, sender Sender) RunInput {
	return RunInput{
		Candidates:             candidates,
		Family:                 store.FamilyA,
		MaxAttemptsPerProvider: 2,
		FirstByteTimeout:       time.Second,
		Breaker:                newRegistry(),
		Credentials:            fixedCredentials{},
		Sender:                 sender,
		BuildRequest:           buildRequest,
		Clock:                  clock.Real{},
		Sleep:                  func(time.Duration) {},
	}
}

func TestRunSucceedsOnFirstProvider(t *testing.T) {
	c1 := candidate(1, "alpha")
	sender := &scriptedSender{results: map[string][]SendResult{
		"alpha": {{Response: &Response{StatusCode: 200, Body: []byte("ok")}}},
	}}

	res := Run(context.Background(), baseInput([]provider.Candidate{c1}, sender))

	require.True(t, res.Success)
	assert.Equal(t, uint64(1), res.FinalProviderID)
	assert.Equal(t, store.OutcomeSuccess, res.Attempts[0].Outcome)
}

func TestRunSwitchesProviderOn5xx(t *testing.T) {
	c1 := candidate(1, "alpha")
	c2 := candidate(2, "beta")
	sender := &scriptedSender{results: map[string][]SendResult{
		"alpha": {{Response: &Response{StatusCode: 503}}},
		"beta":  {{Response: &Response{StatusCode: 200}}},
	}}

	res := Run(context.Background(), baseInput([]provider.Candidate{c1, c2}, sender))

	require.True(t, res.Success)
	assert.Equal(t, uint64(2), res.FinalProviderID)
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, store.OutcomeFailed, res.Attempts[0].Outcome)
	assert.Equal(t, string(DecisionSwitchProvider), *res.Attempts[0].Decision)
}

func TestRunRetriesSameProviderOn429ThenSwitches(t *testing.T) {
	c1 := candidate(1, "alpha")
	c2 := candidate(2, "beta")
	in := baseInput([]provider.Candidate{c1, c2}, nil)
	in.MaxAttemptsPerProvider = 1
	sender := &scriptedSender{results: map[string][]SendResult{
		"alpha": {
			{Response: &Response{StatusCode: 429}},
			{Response: &Response{StatusCode: 429}},
		},
		"beta": {{Response: &Response{StatusCode: 200}}},
	}}
	in.Sender = sender

	res := Run(context.Background(), in)

	require.True(t, res.Success)
	assert.Equal(t, uint64(2), res.FinalProviderID)
	// two attempts against provider 1 (retry once, then give up), one against provider 2
	var againstOne int
	for _, a := range res.Attempts {
		if a.ProviderID == 1 {
			againstOne++
		}
	}
	assert.Equal(t, 2, againstOne)
}

func TestRunAbortsOnTimeoutForCountTokens(t *testing.T) {
	c1 := candidate(1, "alpha")
	in := baseInput([]provider.Candidate{c1}, nil)
	in.IsCountTokens = true
	sender := &scriptedSender{results: map[string][]SendResult{
		"alpha": {{TimedOut: true}},
	}}
	in.Sender = sender

	res := Run(context.Background(), in)

	require.False(t, res.Success)
	require.NotNil(t, res.TerminalError)
	assert.Equal(t, gwerr.RequestAborted, res.TerminalError.Code)
}

func TestRunAllSkippedReturnsAllProvidersUnavailable(t *testing.T) {
	c1 := candidate(1, "alpha")
	in := baseInput([]provider.Candidate{c1}, &scriptedSender{results: map[string][]SendResult{}})

	registry := newRegistry()
	// Trip the breaker open before the run: five recorded failures at the
	// default threshold.
	for i := 0; i < 5; i++ {
		registry.RecordFailure(c1.ID)
	}
	in.Breaker = registry

	res := Run(context.Background(), in)

	require.False(t, res.Success)
	require.NotNil(t, res.TerminalError)
	assert.Equal(t, gwerr.AllProvidersUnavailable, res.TerminalError.Code)
	assert.Equal(t, store.OutcomeSkipped, res.Attempts[0].Outcome)
}

func TestRunAllAttemptedFailedReturnsUpstreamAllFailed(t *testing.T) {
	c1 := candidate(1, "alpha")
	c2 := candidate(2, "beta")
	sender := &scriptedSender{results: map[string][]SendResult{
		"alpha": {{Response: &Response{StatusCode: 500}}},
		"beta":  {{Response: &Response{StatusCode: 500}}},
	}}

	res := Run(context.Background(), baseInput([]provider.Candidate{c1, c2}, sender))

	require.False(t, res.Success)
	require.NotNil(t, res.TerminalError)
	assert.Equal(t, gwerr.UpstreamAllFailed, res.TerminalError.Code)
}

func TestRunAllQuotaExceededReturnsAllProvidersQuotaExceeded(t *testing.T) {
	c1 := candidate(1, "alpha")
	c2 := candidate(2, "beta")
	sender := &scriptedSender{results: map[string][]SendResult{
		"alpha": {{Response: &Response{StatusCode: 429}}},
		"beta":  {{Response: &Response{StatusCode: 429}}},
	}}
	in := baseInput([]provider.Candidate{c1, c2}, sender)
	in.MaxAttemptsPerProvider = 0 // no in-place retry, go straight to switch

	res := Run(context.Background(), in)

	require.False(t, res.Success)
	require.NotNil(t, res.TerminalError)
	assert.Equal(t, gwerr.AllProvidersQuotaExceeded, res.TerminalError.Code)
}

func TestRunAllAuthRejectedReturnsAuthRejected(t *testing.T) {
	c1 := candidate(1, "alpha")
	c2 := candidate(2, "beta")
	sender := &scriptedSender{results: map[string][]SendResult{
		"alpha": {{Response: &Response{StatusCode: 401}}},
		"beta":  {{Response: &Response{StatusCode: 403}}},
	}}

	res := Run(context.Background(), baseInput([]provider.Candidate{c1, c2}, sender))

	require.False(t, res.Success)
	require.NotNil(t, res.TerminalError)
	assert.Equal(t, gwerr.AuthRejected, res.TerminalError.Code)
	assert.False(t, res.TerminalError.Retryable)
}

func TestRunBootstrapRetriesConnectFailureBeforeSwitching(t *testing.T) {
	c1 := candidate(1, "alpha")
	sender := &scriptedSender{results: map[string][]SendResult{
		"alpha": {
			{Err: ErrUpstreamConnect},
			{Response: &Response{StatusCode: 200}},
		},
	}}
	in := baseInput([]provider.Candidate{c1}, sender)
	in.BootstrapRetries = 1

	res := Run(context.Background(), in)

	require.True(t, res.Success)
	assert.Len(t, sender.calls, 2)
}
