// Package store defines the gateway's abstract row store — the six named
// tables the gateway core persists against — plus a gorm-backed
// implementation. The relational store and its migrations are otherwise
// an external collaborator; this package only models the shape the core
// depends on.
package store

import "time"

// CLIFamily is one of the three supported upstream wire protocols.
type CLIFamily string

const (
	FamilyA CLIFamily = "A" // Anthropic-style /v1/messages
	FamilyB CLIFamily = "B" // OpenAI-Responses-style
	FamilyC CLIFamily = "C" // Gemini-style
)

// BaseURLMode selects how a provider with multiple base URLs is dispatched.
type BaseURLMode string

const (
	BaseURLModeOrder BaseURLMode = "order"
	BaseURLModePing  BaseURLMode = "ping"
)

// AuthMode is how a provider's credential is resolved.
type AuthMode string

const (
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeOAuth  AuthMode = "oauth"
)

// DailyResetMode selects how the provider's daily spend window resets.
type DailyResetMode string

const (
	DailyResetRolling DailyResetMode = "rolling"
	DailyResetFixed   DailyResetMode = "fixed"
)

// ModelSlot names the family-A model-remap slots.
type ModelSlot string

const (
	SlotMain      ModelSlot = "main"
	SlotReasoning ModelSlot = "reasoning"
	SlotHaiku     ModelSlot = "haiku"
	SlotSonnet    ModelSlot = "sonnet"
	SlotOpus      ModelSlot = "opus"
)

// Provider is a user-configured upstream endpoint set.
type Provider struct {
	ID             uint64            `gorm:"primaryKey"`
	CLIFamily      CLIFamily         `gorm:"column:cli_family;index"`
	Name           string            `gorm:"column:name"`
	Enabled        bool              `gorm:"column:enabled"`
	SortOrder      int               `gorm:"column:sort_order"`
	Priority       int               `gorm:"column:priority"`
	CostMultiplier float64           `gorm:"column:cost_multiplier"`
	BaseURLs       []string          `gorm:"-"` // serialized to BaseURLsJSON; see BeforeSave
	BaseURLsJSON   string            `gorm:"column:base_urls_json"`
	BaseURLMode    BaseURLMode       `gorm:"column:base_url_mode"`
	AuthMode       AuthMode          `gorm:"column:auth_mode"`
	OAuthAccountID *uint64           `gorm:"column:oauth_account_id"`
	APIKeyPlain    string            `gorm:"column:api_key_plaintext"`
	ModelOverrides map[ModelSlot]string `gorm:"-"`
	ModelOverridesJSON string        `gorm:"column:model_overrides_json"`

	LimitFiveHour *int64         `gorm:"column:limit_5h_femto"`
	LimitDaily    *int64         `gorm:"column:limit_daily_femto"`
	LimitWeekly   *int64         `gorm:"column:limit_weekly_femto"`
	LimitMonthly  *int64         `gorm:"column:limit_monthly_femto"`
	LimitTotal    *int64         `gorm:"column:limit_total_femto"`
	DailyResetMode DailyResetMode `gorm:"column:daily_reset_mode"`
	DailyResetTime string         `gorm:"column:daily_reset_time"` // HH:MM:SS local
	Window5hStartTS *int64        `gorm:"column:window_5h_start_ts"`

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (Provider) TableName() string { return "providers" }

// OAuthAccount backs OAuth-mode providers.
type OAuthAccount struct {
	ID                 uint64    `gorm:"primaryKey"`
	CLIFamily          CLIFamily `gorm:"column:cli_family;index"`
	ProviderType       string    `gorm:"column:provider_type"`
	AccessToken        string    `gorm:"column:access_token"`
	RefreshToken       string    `gorm:"column:refresh_token"`
	IDToken            string    `gorm:"column:id_token"`
	ExpiresAt          int64     `gorm:"column:expires_at"` // unix seconds
	TokenURI           string    `gorm:"column:token_uri"`
	ClientID           string    `gorm:"column:client_id"`
	ClientSecret       string    `gorm:"column:client_secret"`
	Status             string    `gorm:"column:status"` // active | error
	QuotaExceededUntil *int64    `gorm:"column:quota_exceeded_until"`
}

func (OAuthAccount) TableName() string { return "oauth_accounts" }

// Eligible reports whether the account may currently be used:
// status=active AND (quota_exceeded_until is null OR in the past).
func (a *OAuthAccount) Eligible(nowUnix int64) bool {
	if a.Status != "active" {
		return false
	}
	if a.QuotaExceededUntil != nil && *a.QuotaExceededUntil > nowUnix {
		return false
	}
	return true
}

// CircuitSnapshot is the persisted view of a provider's circuit state.
type CircuitSnapshot struct {
	ProviderID   uint64 `gorm:"column:provider_id;primaryKey"`
	State        string `gorm:"column:state"` // closed | open | half_open
	FailureCount int    `gorm:"column:failure_count"`
	OpenUntil    *int64 `gorm:"column:open_until"`
	UpdatedAt    int64  `gorm:"column:updated_at"`
}

func (CircuitSnapshot) TableName() string { return "provider_circuit_breakers" }

// SortMode is a named ordering of providers within a CLI family.
type SortMode struct {
	ID        uint64    `gorm:"primaryKey"`
	CLIFamily CLIFamily `gorm:"column:cli_family;index"`
	Name      string    `gorm:"column:name"`
}

func (SortMode) TableName() string { return "sort_modes" }

// SortModeProvider is the (mode, provider) membership/order row.
type SortModeProvider struct {
	ModeID     uint64    `gorm:"column:mode_id;primaryKey"`
	CLIFamily  CLIFamily `gorm:"column:cli_key;primaryKey"`
	ProviderID uint64    `gorm:"column:provider_id;primaryKey"`
	SortOrder  int       `gorm:"column:sort_order"`
}

func (SortModeProvider) TableName() string { return "sort_mode_providers" }

// SortModeActive names the currently-active sort mode per CLI family.
type SortModeActive struct {
	CLIFamily CLIFamily `gorm:"column:cli_key;primaryKey"`
	ModeID    *uint64   `gorm:"column:mode_id"`
}

func (SortModeActive) TableName() string { return "sort_mode_active" }

// ModelPrice is a read-only per-token pricing row.
type ModelPrice struct {
	CLIFamily CLIFamily `gorm:"column:cli_key;primaryKey"`
	Model     string    `gorm:"column:model;primaryKey"`
	PriceJSON string    `gorm:"column:price_json"`
	Currency  string    `gorm:"column:currency"`
}

func (ModelPrice) TableName() string { return "model_prices" }

// RequestLog is one row per request.
type RequestLog struct {
	TraceID             string  `gorm:"column:trace_id;primaryKey"`
	CLIFamily           CLIFamily `gorm:"column:cli_key"`
	Method              string  `gorm:"column:method"`
	Path                string  `gorm:"column:path"`
	Query               *string `gorm:"column:query"`
	SessionID           *string `gorm:"column:session_id"`
	RequestedModel      *string `gorm:"column:requested_model"`
	FinalProviderID      *uint64 `gorm:"column:final_provider_id"`
	OAuthAccountID      *uint64 `gorm:"column:oauth_account_id"`
	Status              *int    `gorm:"column:status"`
	ErrorCode           *string `gorm:"column:error_code"`
	DurationMS          int64   `gorm:"column:duration_ms"`
	TTFBMS              *int64  `gorm:"column:ttfb_ms"`
	InputTokens         *int64  `gorm:"column:input_tokens"`
	OutputTokens        *int64  `gorm:"column:output_tokens"`
	TotalTokens         *int64  `gorm:"column:total_tokens"`
	CacheReadTokens     *int64  `gorm:"column:cache_read_tokens"`
	CacheCreationTokens *int64  `gorm:"column:cache_creation_tokens"`
	CacheCreation5mTokens *int64 `gorm:"column:cache_creation_5m_tokens"`
	CacheCreation1hTokens *int64 `gorm:"column:cache_creation_1h_tokens"`
	CostUSDFemto        *int64  `gorm:"column:cost_usd_femto"`
	CostMultiplier      float64 `gorm:"column:cost_multiplier"`
	UsageJSON           *string `gorm:"column:usage_json"`
	AttemptsJSON        string  `gorm:"column:attempts_json"`
	SpecialSettingsJSON *string `gorm:"column:special_settings_json"`
	ExcludedFromStats   bool    `gorm:"column:excluded_from_stats"`
	CreatedAtMS         int64   `gorm:"column:created_at_ms"`
	CreatedAt           int64   `gorm:"column:created_at"`
}

func (RequestLog) TableName() string { return "request_logs" }

// AttemptOutcome is the per-attempt terminal classification.
type AttemptOutcome string

const (
	OutcomeSuccess AttemptOutcome = "success"
	OutcomeFailed  AttemptOutcome = "failed"
	OutcomeSkipped AttemptOutcome = "skipped"
)

// AttemptRecord is embedded (as JSON) within RequestLog.AttemptsJSON.
type AttemptRecord struct {
	ProviderID          uint64         `json:"provider_id"`
	ProviderName        string         `json:"provider_name"`
	BaseURL             string         `json:"base_url"`
	Outcome             AttemptOutcome `json:"outcome"`
	Status              *int           `json:"status,omitempty"`
	ProviderIndex       *int           `json:"provider_index,omitempty"`
	RetryIndex          *int           `json:"retry_index,omitempty"`
	SessionReuse        *bool          `json:"session_reuse,omitempty"`
	ErrorCategory       *string        `json:"error_category,omitempty"`
	ErrorCode           *string        `json:"error_code,omitempty"`
	Decision            *string        `json:"decision,omitempty"`
	Reason              *string        `json:"reason,omitempty"`
	AttemptStartedMS    *int64         `json:"attempt_started_ms,omitempty"`
	AttemptDurationMS   *int64         `json:"attempt_duration_ms,omitempty"`
	CircuitStateBefore  *string        `json:"circuit_state_before,omitempty"`
	CircuitStateAfter   *string        `json:"circuit_state_after,omitempty"`
	FailureCountAfter   *int           `json:"failure_count_after,omitempty"`
}
