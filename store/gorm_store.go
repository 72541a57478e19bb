package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// GormStore is the production Store, backed by gorm over sqlite/mysql/postgres
// per the configured driver. Connection-pool sizing and the retrying
// transaction helper cover only the thin slice of that surface the gateway
// actually needs.
type GormStore struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// PoolConfig holds connection-pool tuning knobs applied at open time.
type PoolConfig struct {
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:    10,
		MaxOpenConns:    50,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}

// NewGormStore wraps an already-opened *gorm.DB, applying pool tuning.
func NewGormStore(db *gorm.DB, cfg PoolConfig, logger *zap.Logger) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return &GormStore{db: db, sqlDB: sqlDB, logger: logger.With(zap.String("component", "store"))}, nil
}

func (s *GormStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sqlDB.Close()
}

func (s *GormStore) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

func (s *GormStore) ListEnabledProviders(ctx context.Context, family CLIFamily, modeID *uint64) ([]Provider, error) {
	var providers []Provider

	if modeID != nil {
		err := s.db.WithContext(ctx).
			Joins("JOIN sort_mode_providers ON sort_mode_providers.provider_id = providers.id").
			Where("providers.cli_family = ? AND providers.enabled = ? AND sort_mode_providers.mode_id = ? AND sort_mode_providers.cli_key = ?",
				family, true, *modeID, family).
			Order("sort_mode_providers.sort_order ASC").
			Find(&providers).Error
		return providers, err
	}

	err := s.db.WithContext(ctx).
		Where("cli_family = ? AND enabled = ?", family, true).
		Order("sort_order ASC").
		Find(&providers).Error
	return providers, err
}

func (s *GormStore) ActiveSortModeID(ctx context.Context, family CLIFamily) (*uint64, error) {
	var row SortModeActive
	err := s.db.WithContext(ctx).Where("cli_key = ?", family).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.ModeID, nil
}

func (s *GormStore) GetProvider(ctx context.Context, id uint64) (*Provider, error) {
	var p Provider
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *GormStore) UpdateProviderWindow5hStart(ctx context.Context, id uint64, startTS int64) error {
	return s.db.WithContext(ctx).Model(&Provider{}).Where("id = ?", id).
		Update("window_5h_start_ts", startTS).Error
}

func (s *GormStore) UpdateProviderPreferredPort(ctx context.Context, port int) error {
	// Settings are an external collaborator; the gateway only needs to
	// persist the fallback port it actually bound, via a generic key-value
	// upsert the settings table already exposes under this name.
	return s.db.WithContext(ctx).Exec(
		"INSERT INTO settings(key, value) VALUES ('preferred_port', ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value",
		strconv.Itoa(port),
	).Error
}

func (s *GormStore) GetOAuthAccount(ctx context.Context, id uint64) (*OAuthAccount, error) {
	var a OAuthAccount
	if err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *GormStore) ListOAuthAccountsForProvider(ctx context.Context, providerID uint64) ([]OAuthAccount, error) {
	p, err := s.GetProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if p.OAuthAccountID == nil {
		return nil, nil
	}
	a, err := s.GetOAuthAccount(ctx, *p.OAuthAccountID)
	if err != nil {
		return nil, err
	}
	return []OAuthAccount{*a}, nil
}

func (s *GormStore) UpdateOAuthToken(ctx context.Context, account *OAuthAccount) error {
	return s.db.WithContext(ctx).Model(&OAuthAccount{}).Where("id = ?", account.ID).
		Updates(map[string]any{
			"access_token":  account.AccessToken,
			"refresh_token": account.RefreshToken,
			"id_token":      account.IDToken,
			"expires_at":    account.ExpiresAt,
		}).Error
}

func (s *GormStore) MarkOAuthAccountError(ctx context.Context, id uint64) error {
	return s.db.WithContext(ctx).Model(&OAuthAccount{}).Where("id = ?", id).
		Update("status", "error").Error
}

func (s *GormStore) MarkOAuthAccountQuotaExceeded(ctx context.Context, id uint64, until int64) error {
	return s.db.WithContext(ctx).Model(&OAuthAccount{}).Where("id = ?", id).
		Update("quota_exceeded_until", until).Error
}

func (s *GormStore) ListQuotaExceededAccountIDs(ctx context.Context, family CLIFamily, nowUnix int64) (map[uint64]bool, error) {
	var ids []uint64
	err := s.db.WithContext(ctx).Model(&OAuthAccount{}).
		Where("cli_family = ? AND quota_exceeded_until IS NOT NULL AND quota_exceeded_until > ?", family, nowUnix).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	out := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

func (s *GormStore) LoadAllCircuitSnapshots(ctx context.Context) ([]CircuitSnapshot, error) {
	var rows []CircuitSnapshot
	err := s.db.WithContext(ctx).Find(&rows).Error
	return rows, err
}

// UpsertCircuitSnapshots performs a batched, dedup-by-provider-id upsert:
// the caller has already collapsed duplicates within the batch (see
// logpipeline), so this is a single statement per row inside one transaction.
func (s *GormStore) UpsertCircuitSnapshots(ctx context.Context, snapshots []CircuitSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, snap := range snapshots {
			if err := tx.Clauses(upsertCircuitClause()).Create(&snap).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *GormStore) DeleteCircuitSnapshot(ctx context.Context, providerID uint64) error {
	return s.db.WithContext(ctx).Delete(&CircuitSnapshot{}, "provider_id = ?", providerID).Error
}

func (s *GormStore) GetModelPrice(ctx context.Context, family CLIFamily, model string) (*ModelPrice, error) {
	var mp ModelPrice
	err := s.db.WithContext(ctx).Where("cli_key = ? AND model = ?", family, model).First(&mp).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &mp, nil
}

func (s *GormStore) SumProviderSpendFemto(ctx context.Context, providerID uint64, fromUnix, toUnix int64) (int64, error) {
	var total sql.NullInt64
	err := s.db.WithContext(ctx).Model(&RequestLog{}).
		Where("final_provider_id = ? AND status >= 200 AND status < 300 AND created_at >= ? AND created_at < ? AND cost_usd_femto IS NOT NULL",
			providerID, fromUnix, toUnix).
		Select("SUM(cost_usd_femto)").Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}

func (s *GormStore) PerSecondSpendBuckets(ctx context.Context, providerID uint64, fromUnix, toUnix int64) (map[int64]int64, error) {
	rows, err := s.db.WithContext(ctx).Model(&RequestLog{}).
		Where("final_provider_id = ? AND status >= 200 AND status < 300 AND created_at >= ? AND created_at < ? AND cost_usd_femto IS NOT NULL",
			providerID, fromUnix, toUnix).
		Select("created_at, cost_usd_femto").Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	buckets := make(map[int64]int64)
	for rows.Next() {
		var ts, femto int64
		if err := rows.Scan(&ts, &femto); err != nil {
			return nil, err
		}
		buckets[ts] += femto
	}
	return buckets, rows.Err()
}

func (s *GormStore) InsertRequestLog(ctx context.Context, row *RequestLog) error {
	return s.db.WithContext(ctx).Create(row).Error
}

// WithTransactionRetry runs fn in a transaction, retrying on the same
// class of transient errors a connection-pool manager typically retries
// on (deadlock, serialization failure, busy/locked, bad connection).
func (s *GormStore) WithTransactionRetry(ctx context.Context, maxRetries int, fn func(tx *gorm.DB) error) error {
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		err := s.db.WithContext(ctx).Transaction(fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryableDBError(err) {
			return err
		}
		backoff := time.Duration(1<<uint(i)) * 100 * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("transaction failed after %d retries: %w", maxRetries, lastErr)
}

func isRetryableDBError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"deadlock", "serialization failure", "40001",
		"database is locked", "database is busy", "sqlite_busy", "sqlite_locked",
		"connection reset", "connection refused", "broken pipe",
		"lock timeout", "bad connection",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
