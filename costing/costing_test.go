package costing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aio-labs/cligateway/store"
)

type fakePriceStore struct {
	row *store.ModelPrice
}

func (f *fakePriceStore) GetModelPrice(ctx context.Context, family store.CLIFamily, model string) (*store.ModelPrice, error) {
	return f.row, nil
}

func TestComputeReturnsNilOnZeroPrice(t *testing.T) {
	got := Compute(Price{}, Usage{InputTokens: 100}, 1)
	assert.Nil(t, got)
}

func TestComputeScalesByCostMultiplier(t *testing.T) {
	price := Price{InputPerMillion: 3, OutputPerMillion: 15}
	usage := Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000}

	base := Compute(price, usage, 1)
	doubled := Compute(price, usage, 2)
	require.NotNil(t, base)
	require.NotNil(t, doubled)
	assert.Equal(t, *base*2, *doubled)
}

func TestComputeIncludesCacheTokens(t *testing.T) {
	price := Price{CacheReadPerMillion: 1, CacheCreationPerMillion: 2}
	usage := Usage{CacheReadTokens: 1_000_000, CacheCreationTokens: 500_000, CacheCreation5mTokens: 500_000}

	got := Compute(price, usage, 1)
	require.NotNil(t, got)
	assert.Equal(t, int64(1*femtoPerUSD+2*femtoPerUSD), *got)
}

func TestParsePriceRoundTrips(t *testing.T) {
	p, err := ParsePrice(`{"input_per_million":3,"output_per_million":15}`)
	require.NoError(t, err)
	assert.Equal(t, 3.0, p.InputPerMillion)
}

func TestParsePriceEmptyIsZeroValue(t *testing.T) {
	p, err := ParsePrice("")
	require.NoError(t, err)
	assert.Equal(t, Price{}, p)
}

func TestLookupReturnsZeroPriceOnMiss(t *testing.T) {
	st := &fakePriceStore{row: nil}
	p, err := Lookup(context.Background(), st, store.FamilyA, "claude-3")
	require.NoError(t, err)
	assert.Equal(t, Price{}, p)
}

func TestLookupParsesStoredRow(t *testing.T) {
	st := &fakePriceStore{row: &store.ModelPrice{PriceJSON: `{"input_per_million":1}`}}
	p, err := Lookup(context.Background(), st, store.FamilyA, "claude-3")
	require.NoError(t, err)
	assert.Equal(t, 1.0, p.InputPerMillion)
}

func TestUsageTotalTokens(t *testing.T) {
	u := Usage{InputTokens: 10, OutputTokens: 20}
	assert.Equal(t, int64(30), u.TotalTokens())
}
