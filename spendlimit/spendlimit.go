// Package spendlimit implements the multi-window spend-limit gate: a
// provider is blocked once any configured window's cumulative spend (in
// integer femto-dollars, USD × 10^15) reaches its limit, and the gate
// also computes when each exceeded window will next admit traffic.
package spendlimit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aio-labs/cligateway/clock"
	"github.com/aio-labs/cligateway/provider"
	"github.com/aio-labs/cligateway/store"
)

// Store is the subset of store.Store the gate needs.
type Store interface {
	SumProviderSpendFemto(ctx context.Context, providerID uint64, fromUnix, toUnix int64) (int64, error)
	PerSecondSpendBuckets(ctx context.Context, providerID uint64, fromUnix, toUnix int64) (map[int64]int64, error)
	UpdateProviderWindow5hStart(ctx context.Context, id uint64, startTS int64) error
}

const fiveHourSecs = int64(5 * 60 * 60)

// Gate evaluates a provider's spend limits against the store.
type Gate struct {
	store Store
	clock clock.Clock
	loc   *time.Location
}

func NewGate(st Store, clk clock.Clock, loc *time.Location) *Gate {
	if loc == nil {
		loc = time.Local
	}
	return &Gate{store: st, clock: clk, loc: loc}
}

// Result is the outcome of evaluating one provider's limits.
type Result struct {
	WithinLimits bool
	// EarliestAvailableUnix is the soonest instant any exceeded window
	// would admit traffic again, or 0 if the total (unbounded) limit was
	// exceeded — which has no reset and is never "available" on its own.
	EarliestAvailableUnix int64
	ExceededWindow        string
}

// WithinLimits implements provider.SpendChecker.
func (g *Gate) WithinLimits(ctx context.Context, providerID uint64, limits provider.Limits) (bool, error) {
	res, err := g.Evaluate(ctx, providerID, limits)
	if err != nil {
		return false, err
	}
	return res.WithinLimits, nil
}

// Evaluate checks every configured window for providerID and returns the
// combined result, with EarliestAvailableUnix set to the max next-reset
// across all windows that are currently exceeded.
func (g *Gate) Evaluate(ctx context.Context, providerID uint64, limits provider.Limits) (Result, error) {
	now := g.clock.Now()

	type window struct {
		name  string
		limit *int64
		check func() (exceeded bool, earliest int64, err error)
	}

	windows := []window{
		{"5h", limits.FiveHour, func() (bool, int64, error) { return g.checkFiveHour(ctx, providerID, *limits.FiveHour, limits.Window5hStartTS, now) }},
		{"daily", limits.Daily, func() (bool, int64, error) {
			return g.checkDaily(ctx, providerID, *limits.Daily, limits.DailyResetMode, limits.DailyResetTime, now)
		}},
		{"weekly", limits.Weekly, func() (bool, int64, error) {
			return g.checkFixedWindow(ctx, providerID, *limits.Weekly, weekStart(now, g.loc), now, periodWeek)
		}},
		{"monthly", limits.Monthly, func() (bool, int64, error) {
			return g.checkFixedWindow(ctx, providerID, *limits.Monthly, monthStart(now, g.loc), now, periodMonth)
		}},
		{"total", limits.Total, func() (bool, int64, error) { return g.checkTotal(ctx, providerID, *limits.Total) }},
	}

	res := Result{WithinLimits: true}
	for _, w := range windows {
		if w.limit == nil {
			continue
		}
		exceeded, earliest, err := w.check()
		if err != nil {
			return Result{}, fmt.Errorf("check %s window: %w", w.name, err)
		}
		if !exceeded {
			continue
		}
		res.WithinLimits = false
		if w.name == "total" {
			// Total has no reset; its own earliest-available is undefined
			// (0), and it does not extend an already-computed finite
			// earliest-available from another exceeded window.
			if res.EarliestAvailableUnix == 0 && res.ExceededWindow == "" {
				res.ExceededWindow = w.name
			}
			continue
		}
		if earliest > res.EarliestAvailableUnix {
			res.EarliestAvailableUnix = earliest
			res.ExceededWindow = w.name
		}
	}
	return res, nil
}

// PinFiveHourWindow (re)pins the provider's 5h rolling-window start to now
// whenever the existing pin (if any) has already aged out, so the window
// is pinned to the first request in the last 5h rather than drifting
// forward on every single request.
func (g *Gate) PinFiveHourWindow(ctx context.Context, providerID uint64, currentStart *int64) error {
	now := g.clock.Now().Unix()
	if currentStart != nil && now-*currentStart < fiveHourSecs {
		return nil
	}
	return g.store.UpdateProviderWindow5hStart(ctx, providerID, now)
}

func (g *Gate) checkFiveHour(ctx context.Context, providerID uint64, limit int64, pinnedStart *int64, now time.Time) (bool, int64, error) {
	from := now.Unix() - fiveHourSecs
	if pinnedStart != nil && *pinnedStart > from {
		from = *pinnedStart
	}
	return g.checkRolling(ctx, providerID, limit, from, now.Unix(), fiveHourSecs)
}

func (g *Gate) checkDaily(ctx context.Context, providerID uint64, limit int64, mode store.DailyResetMode, resetTime string, now time.Time) (bool, int64, error) {
	if mode == store.DailyResetFixed {
		start := dailyFixedStart(now, g.loc, resetTime)
		return g.checkFixedWindow(ctx, providerID, limit, start, now, periodDay)
	}
	const daySecs = int64(24 * 60 * 60)
	return g.checkRolling(ctx, providerID, limit, now.Unix()-daySecs, now.Unix(), daySecs)
}

type period int

const (
	periodDay period = iota
	periodWeek
	periodMonth
)

// checkFixedWindow evaluates a window with a deterministic start
// (weekly/monthly/fixed-daily): spend is summed from start to now, and on
// overage the next reset is exactly one period after start.
func (g *Gate) checkFixedWindow(ctx context.Context, providerID uint64, limit int64, start time.Time, now time.Time, p period) (bool, int64, error) {
	total, err := g.store.SumProviderSpendFemto(ctx, providerID, start.Unix(), now.Unix()+1)
	if err != nil {
		return false, 0, err
	}
	if total < limit {
		return false, 0, nil
	}

	var next time.Time
	switch p {
	case periodWeek:
		next = start.AddDate(0, 0, 7)
	case periodMonth:
		next = start.AddDate(0, 1, 0)
	default:
		next = start.AddDate(0, 0, 1)
	}
	return true, next.Unix(), nil
}

// checkRolling evaluates a rolling window and, on overage, scans
// per-second spend buckets to find the earliest instant the window's sum
// would drop back under the limit.
func (g *Gate) checkRolling(ctx context.Context, providerID uint64, limit, fromUnix, toUnix, windowSecs int64) (bool, int64, error) {
	total, err := g.store.SumProviderSpendFemto(ctx, providerID, fromUnix, toUnix+1)
	if err != nil {
		return false, 0, err
	}
	if total < limit {
		return false, 0, nil
	}

	buckets, err := g.store.PerSecondSpendBuckets(ctx, providerID, fromUnix, toUnix+1)
	if err != nil {
		return false, 0, err
	}
	return true, earliestRollingAvailable(buckets, limit, windowSecs, toUnix), nil
}

func (g *Gate) checkTotal(ctx context.Context, providerID uint64, limit int64) (bool, int64, error) {
	total, err := g.store.SumProviderSpendFemto(ctx, providerID, 0, g.clock.Now().Unix()+1)
	if err != nil {
		return false, 0, err
	}
	return total >= limit, 0, nil
}

// earliestRollingAvailable finds the earliest next-available instant for
// a rolling window currently over its limit: the spend buckets are walked
// oldest-first, simulating each bucket aging out of the window, until the
// remaining sum drops below the limit. next-available is that bucket's
// timestamp plus the window length plus one second: the first instant at
// which the cumulative spend in (t, now] drops below the limit.
func earliestRollingAvailable(buckets map[int64]int64, limit, windowSecs, now int64) int64 {
	if limit <= 0 {
		return now
	}
	timestamps := make([]int64, 0, len(buckets))
	var total int64
	for ts, amt := range buckets {
		timestamps = append(timestamps, ts)
		total += amt
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })

	remaining := total
	for _, ts := range timestamps {
		remaining -= buckets[ts]
		if remaining < limit {
			return ts + windowSecs + 1
		}
	}
	return now + windowSecs + 1
}

func weekStart(now time.Time, loc *time.Location) time.Time {
	t := now.In(loc)
	offset := (int(t.Weekday()) + 6) % 7 // days since Monday
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return midnight.AddDate(0, 0, -offset)
}

func monthStart(now time.Time, loc *time.Location) time.Time {
	t := now.In(loc)
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
}

// dailyFixedStart returns the most recent occurrence of resetTime
// (HH:MM:SS local) at or before now.
func dailyFixedStart(now time.Time, loc *time.Location, resetTime string) time.Time {
	t := now.In(loc)
	var h, m, s int
	if _, err := fmt.Sscanf(resetTime, "%d:%d:%d", &h, &m, &s); err != nil {
		h, m, s = 0, 0, 0
	}
	candidate := time.Date(t.Year(), t.Month(), t.Day(), h, m, s, 0, loc)
	if candidate.After(t) {
		candidate = candidate.AddDate(0, 0, -1)
	}
	return candidate
}
