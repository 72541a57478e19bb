package store

import "context"

// Store is the abstract row store the gateway core depends on. It is
// intentionally narrow: the relational schema, migrations, and any
// UI-facing CRUD live outside the core; this interface exposes only the
// operations the core's components actually call.
type Store interface {
	// ListEnabledProviders returns enabled providers for a family, either
	// restricted to a specific sort mode (modeID != nil, ordered by that
	// mode's sort_order) or, when modeID is nil, every enabled provider of
	// the family ordered by the provider's own sort_order. It does not look
	// up the family's active sort mode itself.
	ListEnabledProviders(ctx context.Context, family CLIFamily, modeID *uint64) ([]Provider, error)
	// ActiveSortModeID returns the active sort mode for a family, if any.
	ActiveSortModeID(ctx context.Context, family CLIFamily) (*uint64, error)
	GetProvider(ctx context.Context, id uint64) (*Provider, error)
	UpdateProviderWindow5hStart(ctx context.Context, id uint64, startTS int64) error
	UpdateProviderPreferredPort(ctx context.Context, port int) error

	GetOAuthAccount(ctx context.Context, id uint64) (*OAuthAccount, error)
	ListOAuthAccountsForProvider(ctx context.Context, providerID uint64) ([]OAuthAccount, error)
	UpdateOAuthToken(ctx context.Context, account *OAuthAccount) error
	MarkOAuthAccountError(ctx context.Context, id uint64) error
	MarkOAuthAccountQuotaExceeded(ctx context.Context, id uint64, until int64) error
	// ListQuotaExceededAccountIDs backs the oauth resolver's 5-second
	// in-memory cache: the set of account IDs currently ineligible due to
	// quota_exceeded_until > now, for a CLI family.
	ListQuotaExceededAccountIDs(ctx context.Context, family CLIFamily, nowUnix int64) (map[uint64]bool, error)

	LoadAllCircuitSnapshots(ctx context.Context) ([]CircuitSnapshot, error)
	UpsertCircuitSnapshots(ctx context.Context, snapshots []CircuitSnapshot) error
	DeleteCircuitSnapshot(ctx context.Context, providerID uint64) error

	GetModelPrice(ctx context.Context, family CLIFamily, model string) (*ModelPrice, error)

	// SumProviderSpendFemto returns the sum of cost_usd_femto for successful
	// requests attributed to the provider, with created_at in [fromUnix, toUnix).
	SumProviderSpendFemto(ctx context.Context, providerID uint64, fromUnix, toUnix int64) (int64, error)
	// PerSecondSpendBuckets returns non-zero per-second spend buckets in the
	// window, used by the rolling-window earliest-available scan.
	PerSecondSpendBuckets(ctx context.Context, providerID uint64, fromUnix, toUnix int64) (map[int64]int64, error)

	InsertRequestLog(ctx context.Context, row *RequestLog) error
}

// See provider_json.go for the BeforeSave/AfterFind hooks the gorm
// implementation uses to keep BaseURLs/ModelOverrides as Go-native fields
// while persisting them as JSON columns.
