package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aio-labs/cligateway/clock"
	"github.com/aio-labs/cligateway/store"
)

// BaseURLSelector resolves which base URL a provider should dispatch to:
// first-in-list for "order" mode, or the lowest-latency origin from a
// process-local TTL cache for "ping" mode, probing all base URLs
// concurrently on a cache miss.
type BaseURLSelector struct {
	client  *http.Client
	clock   clock.Clock
	ttl     time.Duration
	timeout time.Duration

	mu    sync.Mutex
	cache map[uint64]pingEntry
}

type pingEntry struct {
	url     string
	expires time.Time
}

func NewBaseURLSelector(client *http.Client, clk clock.Clock, ttl, timeout time.Duration) *BaseURLSelector {
	return &BaseURLSelector{client: client, clock: clk, ttl: ttl, timeout: timeout, cache: make(map[uint64]pingEntry)}
}

// Select validates the provider's base URLs and picks one per its mode.
func (s *BaseURLSelector) Select(ctx context.Context, providerID uint64, mode store.BaseURLMode, urls []string) (string, error) {
	if len(urls) == 0 {
		return "", fmt.Errorf("provider has no base URLs configured")
	}
	for _, u := range urls {
		if err := validateBaseURL(u); err != nil {
			return "", err
		}
	}

	if mode != "ping" {
		return urls[0], nil
	}

	s.mu.Lock()
	if e, ok := s.cache[providerID]; ok && s.clock.Now().Before(e.expires) {
		s.mu.Unlock()
		return e.url, nil
	}
	s.mu.Unlock()

	winner, err := s.probeAll(ctx, urls)
	if err != nil {
		return urls[0], nil // degrade to first URL rather than fail the request
	}

	s.mu.Lock()
	s.cache[providerID] = pingEntry{url: winner, expires: s.clock.Now().Add(s.ttl)}
	s.mu.Unlock()
	return winner, nil
}

func (s *BaseURLSelector) probeAll(ctx context.Context, urls []string) (string, error) {
	type result struct {
		url     string
		latency time.Duration
	}
	results := make([]result, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, s.timeout)
			defer cancel()

			start := s.clock.Now()
			req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, u, nil)
			if err != nil {
				results[i] = result{url: u, latency: time.Hour}
				return nil
			}
			resp, err := s.client.Do(req)
			if err != nil {
				results[i] = result{url: u, latency: time.Hour}
				return nil
			}
			resp.Body.Close()
			results[i] = result{url: u, latency: s.clock.Now().Sub(start)}
			return nil
		})
	}
	_ = g.Wait()

	best := results[0]
	for _, r := range results[1:] {
		if r.latency < best.latency {
			best = r
		}
	}
	return best.url, nil
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid base url: %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid base url scheme: %q", raw)
	}
	return nil
}
