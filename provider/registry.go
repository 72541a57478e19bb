// Package provider implements the provider registry and the
// session-bound selection policy: sort-mode resolution, freeze-on-
// first-touch, sticky rotate-to-front, rotate-to-next-known when a
// sticky binding's provider is absent, and a breaker-peek drop of
// stale bindings.
package provider

import (
	"context"
	"fmt"

	"github.com/aio-labs/cligateway/session"
	"github.com/aio-labs/cligateway/store"
)

// Candidate is a provider enriched with the fields the failover loop needs,
// decoupled from the store's gorm row so router/ doesn't import gorm.
type Candidate struct {
	ID             uint64
	Name           string
	BaseURLs       []string
	BaseURLMode    store.BaseURLMode
	AuthMode       store.AuthMode
	OAuthAccountID *uint64
	APIKeyPlain    string
	CostMultiplier float64
	ModelOverrides map[store.ModelSlot]string
	Limits         Limits
}

// Limits mirrors the provider row's optional spend limits, in femto-dollars.
type Limits struct {
	FiveHour, Daily, Weekly, Monthly, Total *int64
	DailyResetMode                          store.DailyResetMode
	DailyResetTime                          string
	Window5hStartTS                         *int64
}

// FromRow builds a Candidate from a provider row. Exported for the
// forced-provider route, which bypasses Select's session/sticky policy for
// a single operator-chosen provider but still needs the same row-to-
// candidate conversion the normal selection path uses.
func FromRow(p store.Provider) Candidate {
	return fromRow(p)
}

func fromRow(p store.Provider) Candidate {
	return Candidate{
		ID:             p.ID,
		Name:           p.Name,
		BaseURLs:       p.BaseURLs,
		BaseURLMode:    p.BaseURLMode,
		AuthMode:       p.AuthMode,
		OAuthAccountID: p.OAuthAccountID,
		APIKeyPlain:    p.APIKeyPlain,
		CostMultiplier: p.CostMultiplier,
		ModelOverrides: p.ModelOverrides,
		Limits: Limits{
			FiveHour: p.LimitFiveHour, Daily: p.LimitDaily, Weekly: p.LimitWeekly,
			Monthly: p.LimitMonthly, Total: p.LimitTotal,
			DailyResetMode:   p.DailyResetMode,
			DailyResetTime:   p.DailyResetTime,
			Window5hStartTS:  p.Window5hStartTS,
		},
	}
}

// Selection is the outcome of resolving candidates for one request, mirroring
// provider_selection.rs's ProviderSelection struct.
type Selection struct {
	EffectiveSortModeID *uint64
	Providers           []Candidate // in final dispatch order
	BoundProviderOrder  []uint64    // frozen order, for session.Freeze bookkeeping
}

// Store is the subset of store.Store the selection policy needs.
type Store interface {
	ListEnabledProviders(ctx context.Context, family store.CLIFamily, modeID *uint64) ([]store.Provider, error)
	ActiveSortModeID(ctx context.Context, family store.CLIFamily) (*uint64, error)
}

// BreakerAllower reports whether a provider's circuit currently permits
// traffic, without mutating breaker state (selection only reads).
type BreakerAllower interface {
	Peek(providerID uint64) bool
}

// SpendChecker reports whether a provider is currently within all of its
// configured spend limits.
type SpendChecker interface {
	WithinLimits(ctx context.Context, providerID uint64, limits Limits) (bool, error)
}

// Select resolves the candidate list for a request: sort-mode resolution,
// session freeze, sticky rotation, and rotation-on-absence. Sticky re-use
// and a circuit peek of the *sticky* provider specifically are applied
// here; the sticky provider's spend limits are not checked before it is
// rotated to the front. Full per-candidate circuit and spend gating for every
// candidate happens later in the failover loop, since those gates must
// also record skip attempts.
func Select(ctx context.Context, st Store, sessions *session.Manager, breaker BreakerAllower,
	family store.CLIFamily, sessionKey *session.Key, reuseEligible bool) (*Selection, error) {

	var boundSortMode *uint64
	var binding *session.Binding
	if sessionKey != nil {
		if b, ok := sessions.Get(*sessionKey); ok {
			binding = b
			boundSortMode = b.SortModeID
		}
	}

	effectiveMode := boundSortMode
	if effectiveMode == nil {
		m, err := st.ActiveSortModeID(ctx, family)
		if err != nil {
			return nil, fmt.Errorf("resolve active sort mode: %w", err)
		}
		effectiveMode = m
	}

	rows, err := st.ListEnabledProviders(ctx, family, effectiveMode)
	if err != nil {
		return nil, fmt.Errorf("list enabled providers: %w", err)
	}

	candidates := make([]Candidate, 0, len(rows))
	order := make([]uint64, 0, len(rows))
	for _, r := range rows {
		candidates = append(candidates, fromRow(r))
		order = append(order, r.ID)
	}

	sel := &Selection{EffectiveSortModeID: effectiveMode, Providers: candidates}

	if sessionKey == nil {
		return sel, nil
	}

	frozen := sessions.Freeze(*sessionKey, order, effectiveMode)
	sel.BoundProviderOrder = frozen

	if !reuseEligible || binding == nil || binding.StickyProviderID == nil {
		return sel, nil
	}

	sticky := *binding.StickyProviderID
	idx := indexOf(candidates, sticky)
	if idx < 0 {
		// Sticky provider absent from the candidate list: rotate to the
		// next-known-in-order provider from the frozen order.
		sel.Providers = rotateToNextKnown(candidates, frozen, sticky)
		return sel, nil
	}

	if breaker != nil && !breaker.Peek(sticky) {
		// Stale/unhealthy sticky binding: drop it, fall back to normal order.
		sessions.Clear(*sessionKey)
		return sel, nil
	}

	sel.Providers = rotateToFront(candidates, idx)
	return sel, nil
}

func indexOf(candidates []Candidate, id uint64) int {
	for i, c := range candidates {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func rotateToFront(candidates []Candidate, idx int) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	out = append(out, candidates[idx])
	out = append(out, candidates[:idx]...)
	out = append(out, candidates[idx+1:]...)
	return out
}

// rotateToNextKnown reorders candidates so the next provider, in frozen
// order, after the (now-absent) sticky ID comes first.
func rotateToNextKnown(candidates []Candidate, frozenOrder []uint64, staleSticky uint64) []Candidate {
	staleIdx := -1
	for i, id := range frozenOrder {
		if id == staleSticky {
			staleIdx = i
			break
		}
	}
	if staleIdx < 0 {
		return candidates
	}

	for i := staleIdx + 1; i < len(frozenOrder); i++ {
		if idx := indexOf(candidates, frozenOrder[i]); idx >= 0 {
			return rotateToFront(candidates, idx)
		}
	}
	return candidates
}
