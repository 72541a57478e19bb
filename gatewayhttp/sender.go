package gatewayhttp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aio-labs/cligateway/router"
)

// errorBodyPeekLimit bounds how much of a non-2xx/3xx upstream body is read
// into router.Response.Body for status classification and thinking-budget
// rectifier scanning.
const errorBodyPeekLimit = 64 * 1024

// httpSender implements router.Sender against a shared *http.Client.
//
// router.Response deliberately carries only a buffered []byte body — its
// own doc comment says streaming framing is handled above that package.
// For a 2xx/3xx response this sender therefore does not read the body at
// all: it stashes the live *http.Response on itself for the handler to pick
// up the instant router.Run reports success, and wraps the body so the
// first-byte-timeout context is released on Close rather than on Send's
// return (which would otherwise cancel an in-flight stream read).
type httpSender struct {
	client  *http.Client
	success *http.Response
}

func newHTTPSender(client *http.Client) *httpSender {
	return &httpSender{client: client}
}

// takeSuccess returns and clears the live upstream response stashed by the
// most recent successful Send, if any. runProvider drives at most one
// attempt at a time per Sender, so a single field is sufficient.
func (s *httpSender) takeSuccess() *http.Response {
	resp := s.success
	s.success = nil
	return resp
}

type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func (s *httpSender) Send(ctx context.Context, req router.Request, firstByteTimeout time.Duration) router.SendResult {
	firstByteCtx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(firstByteTimeout, cancel)

	httpReq, err := http.NewRequestWithContext(firstByteCtx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		timer.Stop()
		cancel()
		return router.SendResult{Err: fmt.Errorf("%w: %v", router.ErrUpstreamConnect, err)}
	}
	httpReq.Header = req.Header

	resp, err := s.client.Do(httpReq)
	fired := !timer.Stop()
	if err != nil || fired {
		cancel()
		if err == nil {
			resp.Body.Close()
		}
		if fired || ctx.Err() == context.DeadlineExceeded {
			return router.SendResult{TimedOut: true}
		}
		return router.SendResult{Err: fmt.Errorf("%w: %v", router.ErrUpstreamConnect, err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		resp.Body = &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}
		s.success = resp
		return router.SendResult{Response: &router.Response{StatusCode: resp.StatusCode, Header: resp.Header}}
	}

	defer cancel()
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyPeekLimit))
	return router.SendResult{Response: &router.Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}}
}

// recordingSender decorates a Sender, copying every non-nil response onto a
// shared attemptState so the next RequestBuilder invocation (for a retry
// against the same provider) can see the previous attempt's status/body —
// e.g. to detect a thinking-budget rejection and rectify the retry body.
type recordingSender struct {
	inner router.Sender
	state *attemptState
}

func (s *recordingSender) Send(ctx context.Context, req router.Request, firstByteTimeout time.Duration) router.SendResult {
	res := s.inner.Send(ctx, req, firstByteTimeout)
	if res.Response != nil {
		s.state.lastStatus = res.Response.StatusCode
		s.state.lastBody = res.Response.Body
	}
	return res
}

// attemptState is per-request, per-candidate mutable scratch space shared
// between the Sender and the RequestBuilder closure.
type attemptState struct {
	lastCandidateID uint64
	lastStatus      int
	lastBody        []byte
}

// resetIfNewCandidate clears the previous attempt's classification state
// when the failover loop moves on to a different provider, so a thinking-
// budget rectification never leaks across providers.
func (s *attemptState) resetIfNewCandidate(candidateID uint64) {
	if s.lastCandidateID != candidateID {
		s.lastCandidateID = candidateID
		s.lastStatus = 0
		s.lastBody = nil
	}
}
