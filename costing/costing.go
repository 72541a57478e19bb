// Package costing computes cost_usd_femto: the per-token price table
// times observed token usage times the provider's cost multiplier, in
// integer femto-dollars (USD × 10^15) so the store never holds
// floating-point money. EstimateTokens offers local token counting via
// tiktoken-go; nothing in the gateway calls it, so a response that omits
// usage is not estimated.
package costing

import (
	"context"
	"encoding/json"
	"fmt"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/aio-labs/cligateway/store"
)

// femtoPerUSD is the scale factor: cost_usd_femto = usd * 10^15.
const femtoPerUSD = 1_000_000_000_000_000

// Price is the per-million-token USD price table, the decoded form of
// store.ModelPrice.PriceJSON.
type Price struct {
	InputPerMillion          float64 `json:"input_per_million"`
	OutputPerMillion         float64 `json:"output_per_million"`
	CacheReadPerMillion      float64 `json:"cache_read_per_million"`
	CacheCreationPerMillion  float64 `json:"cache_creation_per_million"`
}

// ParsePrice decodes a store.ModelPrice.PriceJSON column.
func ParsePrice(raw string) (Price, error) {
	var p Price
	if raw == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Price{}, fmt.Errorf("parse price_json: %w", err)
	}
	return p, nil
}

// Usage is the token usage extracted from an upstream response.
type Usage struct {
	InputTokens             int64
	OutputTokens            int64
	CacheReadTokens         int64
	CacheCreationTokens     int64
	CacheCreation5mTokens   int64
	CacheCreation1hTokens   int64
}

func (u Usage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}

// Store is the subset of store.Store costing needs.
type Store interface {
	GetModelPrice(ctx context.Context, family store.CLIFamily, model string) (*store.ModelPrice, error)
}

// Compute returns cost_usd_femto for usage against price, scaled by
// costMultiplier, or nil if price is the zero value (no price row ⇒
// null cost).
func Compute(price Price, usage Usage, costMultiplier float64) *int64 {
	if price == (Price{}) {
		return nil
	}
	if costMultiplier == 0 {
		costMultiplier = 1
	}

	usd := 0.0
	usd += float64(usage.InputTokens) / 1_000_000 * price.InputPerMillion
	usd += float64(usage.OutputTokens) / 1_000_000 * price.OutputPerMillion
	usd += float64(usage.CacheReadTokens) / 1_000_000 * price.CacheReadPerMillion
	cacheCreation := usage.CacheCreationTokens + usage.CacheCreation5mTokens + usage.CacheCreation1hTokens
	usd += float64(cacheCreation) / 1_000_000 * price.CacheCreationPerMillion
	usd *= costMultiplier

	femto := int64(usd * femtoPerUSD)
	return &femto
}

// EstimateTokens counts tokens locally via tiktoken-go. Nothing in the
// gateway calls it, so it is not applied to responses that omit usage.
// It uses the cl100k_base encoding as a reasonable default
// across the three upstream families' roughly-GPT-family tokenizers.
func EstimateTokens(text string) (int64, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return 0, fmt.Errorf("load tiktoken encoding: %w", err)
	}
	return int64(len(enc.Encode(text, nil, nil))), nil
}

// Lookup resolves the Price for a (family, model) pair from the store,
// returning a zero Price (and nil error) when no row exists.
func Lookup(ctx context.Context, st Store, family store.CLIFamily, model string) (Price, error) {
	row, err := st.GetModelPrice(ctx, family, model)
	if err != nil {
		return Price{}, err
	}
	if row == nil {
		return Price{}, nil
	}
	return ParsePrice(row.PriceJSON)
}
