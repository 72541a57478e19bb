package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aio-labs/cligateway/clock"
	"github.com/aio-labs/cligateway/session"
	"github.com/aio-labs/cligateway/store"
)

type fakeStore struct {
	providers []store.Provider
	modeID    *uint64
}

func (f *fakeStore) ListEnabledProviders(ctx context.Context, family store.CLIFamily, modeID *uint64) ([]store.Provider, error) {
	return f.providers, nil
}

func (f *fakeStore) ActiveSortModeID(ctx context.Context, family store.CLIFamily) (*uint64, error) {
	return f.modeID, nil
}

type fakeBreaker struct{ down map[uint64]bool }

func (f *fakeBreaker) Peek(providerID uint64) bool { return !f.down[providerID] }

func providers(ids ...uint64) []store.Provider {
	out := make([]store.Provider, len(ids))
	for i, id := range ids {
		out[i] = store.Provider{ID: id, Name: "p", Enabled: true}
	}
	return out
}

func TestSelectNoSessionReturnsDefaultOrder(t *testing.T) {
	st := &fakeStore{providers: providers(1, 2, 3)}
	mgr := session.NewManager(clock.Real{})

	sel, err := Select(context.Background(), st, mgr, nil, store.FamilyA, nil, false)
	require.NoError(t, err)
	require.Len(t, sel.Providers, 3)
	assert.Equal(t, uint64(1), sel.Providers[0].ID)
}

func TestSelectFreezesOrderOnFirstTouch(t *testing.T) {
	st := &fakeStore{providers: providers(1, 2, 3)}
	mgr := session.NewManager(clock.Real{})
	key := session.Key{CLIFamily: "A", SessionID: "s1"}

	sel, err := Select(context.Background(), st, mgr, nil, store.FamilyA, &key, false)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, sel.BoundProviderOrder)

	st.providers = providers(4, 5, 6) // candidate list changes upstream
	sel2, err := Select(context.Background(), st, mgr, nil, store.FamilyA, &key, false)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, sel2.BoundProviderOrder, "frozen order must survive a changed candidate list")
}

func TestSelectRotatesStickyProviderToFront(t *testing.T) {
	st := &fakeStore{providers: providers(1, 2, 3)}
	mgr := session.NewManager(clock.Real{})
	key := session.Key{CLIFamily: "A", SessionID: "s1"}

	_, err := Select(context.Background(), st, mgr, nil, store.FamilyA, &key, false)
	require.NoError(t, err)
	mgr.BindSuccess(key, 3)

	sel, err := Select(context.Background(), st, mgr, nil, store.FamilyA, &key, true)
	require.NoError(t, err)
	require.NotEmpty(t, sel.Providers)
	assert.Equal(t, uint64(3), sel.Providers[0].ID)
}

func TestSelectIgnoresStickyWhenNotReuseEligible(t *testing.T) {
	st := &fakeStore{providers: providers(1, 2, 3)}
	mgr := session.NewManager(clock.Real{})
	key := session.Key{CLIFamily: "A", SessionID: "s1"}

	_, err := Select(context.Background(), st, mgr, nil, store.FamilyA, &key, false)
	require.NoError(t, err)
	mgr.BindSuccess(key, 3)

	sel, err := Select(context.Background(), st, mgr, nil, store.FamilyA, &key, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sel.Providers[0].ID)
}

func TestSelectDropsStaleBindingWhenBreakerDown(t *testing.T) {
	st := &fakeStore{providers: providers(1, 2, 3)}
	mgr := session.NewManager(clock.Real{})
	key := session.Key{CLIFamily: "A", SessionID: "s1"}
	breaker := &fakeBreaker{down: map[uint64]bool{3: true}}

	_, err := Select(context.Background(), st, mgr, breaker, store.FamilyA, &key, false)
	require.NoError(t, err)
	mgr.BindSuccess(key, 3)

	sel, err := Select(context.Background(), st, mgr, breaker, store.FamilyA, &key, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sel.Providers[0].ID)

	_, ok := mgr.Get(key)
	assert.False(t, ok, "stale binding should be cleared")
}

func TestSelectRotatesToNextKnownWhenStickyAbsent(t *testing.T) {
	st := &fakeStore{providers: providers(1, 2, 3)}
	mgr := session.NewManager(clock.Real{})
	key := session.Key{CLIFamily: "A", SessionID: "s1"}

	_, err := Select(context.Background(), st, mgr, nil, store.FamilyA, &key, false)
	require.NoError(t, err)
	mgr.BindSuccess(key, 99) // sticky provider not among candidates

	st.providers = providers(2, 3) // provider 1 (and 99) dropped
	sel, err := Select(context.Background(), st, mgr, nil, store.FamilyA, &key, true)
	require.NoError(t, err)
	require.NotEmpty(t, sel.Providers)
	assert.Equal(t, uint64(2), sel.Providers[0].ID)
}
