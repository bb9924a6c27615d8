package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/basemarket/market-settlement-api/services/settlement-service/internal/domain"
	"github.com/basemarket/market-settlement-api/shared/postgres"
)

const (
	policyCacheKey = "policy"
	policyCacheTTL = 30 * time.Second
	banCacheTTL    = 30 * time.Second
)

// PolicyRepository persists market configuration, the ban set, and the
// affiliate whitelist. Policy and ban reads sit on the hot path of every
// purchase, so both go through a short in-process TTL cache; writes
// invalidate eagerly.
type PolicyRepository struct {
	db    *postgres.Postgres
	cache *gocache.Cache
}

func NewPolicyRepository(db *postgres.Postgres) domain.PolicyRepository {
	return &PolicyRepository{
		db:    db,
		cache: gocache.New(policyCacheTTL, 2*policyCacheTTL),
	}
}

func (r *PolicyRepository) Get(ctx context.Context) (*domain.Policy, error) {
	if cached, ok := r.cache.Get(policyCacheKey); ok {
		policy := cached.(domain.Policy)
		return &policy, nil
	}

	var policy domain.Policy
	var dwellSeconds int64
	var deposit string

	err := r.db.GetClient().QueryRowContext(ctx, queryGetPolicy).Scan(
		&policy.Owner,
		&policy.PlatformCutBps,
		&policy.FallbackAffiliateCutBps,
		&dwellSeconds,
		&deposit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	policy.MinListingDwell = time.Duration(dwellSeconds) * time.Second
	if policy.PerListingDeposit, err = domain.ParseAmount(deposit); err != nil {
		return nil, fmt.Errorf("failed to parse per-listing deposit: %w", err)
	}

	r.cache.Set(policyCacheKey, policy, policyCacheTTL)
	return &policy, nil
}

func (r *PolicyRepository) Update(ctx context.Context, policy *domain.Policy) error {
	r.cache.Delete(policyCacheKey)

	_, err := r.db.GetClient().ExecContext(ctx, queryUpdatePolicy,
		policy.Owner,
		policy.PlatformCutBps,
		policy.FallbackAffiliateCutBps,
		int64(policy.MinListingDwell/time.Second),
		policy.PerListingDeposit.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update policy: %w", err)
	}
	return nil
}

func (r *PolicyRepository) IsBanned(ctx context.Context, account domain.AccountID) (bool, error) {
	cacheKey := "banned:" + account
	if cached, ok := r.cache.Get(cacheKey); ok {
		return cached.(bool), nil
	}

	var banned bool
	if err := r.db.GetClient().QueryRowContext(ctx, queryIsBanned, account).Scan(&banned); err != nil {
		return false, fmt.Errorf("failed to check ban: %w", err)
	}

	r.cache.Set(cacheKey, banned, banCacheTTL)
	return banned, nil
}

func (r *PolicyRepository) Ban(ctx context.Context, account domain.AccountID) error {
	r.cache.Delete("banned:" + account)
	if _, err := r.db.GetClient().ExecContext(ctx, queryBan, account); err != nil {
		return fmt.Errorf("failed to ban account: %w", err)
	}
	return nil
}

func (r *PolicyRepository) Unban(ctx context.Context, account domain.AccountID) error {
	r.cache.Delete("banned:" + account)
	if _, err := r.db.GetClient().ExecContext(ctx, queryUnban, account); err != nil {
		return fmt.Errorf("failed to unban account: %w", err)
	}
	return nil
}

func (r *PolicyRepository) BannedAccounts(ctx context.Context) ([]domain.AccountID, error) {
	rows, err := r.db.GetClient().QueryContext(ctx, queryBannedAccounts)
	if err != nil {
		return nil, fmt.Errorf("failed to query banned accounts: %w", err)
	}
	defer rows.Close()

	var accounts []domain.AccountID
	for rows.Next() {
		var account domain.AccountID
		if err := rows.Scan(&account); err != nil {
			return nil, fmt.Errorf("failed to scan banned account: %w", err)
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

func (r *PolicyRepository) AffiliateCut(ctx context.Context, account domain.AccountID) (*uint16, error) {
	var cut uint16
	err := r.db.GetClient().QueryRowContext(ctx, queryAffiliateCut, account).Scan(&cut)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get affiliate cut: %w", err)
	}
	return &cut, nil
}

func (r *PolicyRepository) PutAffiliate(ctx context.Context, account domain.AccountID, cutBps uint16) error {
	if _, err := r.db.GetClient().ExecContext(ctx, queryPutAffiliate, account, cutBps); err != nil {
		return fmt.Errorf("failed to put affiliate: %w", err)
	}
	return nil
}

func (r *PolicyRepository) DeleteAffiliate(ctx context.Context, account domain.AccountID) error {
	if _, err := r.db.GetClient().ExecContext(ctx, queryDeleteAffiliate, account); err != nil {
		return fmt.Errorf("failed to delete affiliate: %w", err)
	}
	return nil
}

func (r *PolicyRepository) Affiliates(ctx context.Context) (map[domain.AccountID]uint16, error) {
	rows, err := r.db.GetClient().QueryContext(ctx, queryAffiliates)
	if err != nil {
		return nil, fmt.Errorf("failed to query affiliates: %w", err)
	}
	defer rows.Close()

	affiliates := make(map[domain.AccountID]uint16)
	for rows.Next() {
		var account domain.AccountID
		var cut uint16
		if err := rows.Scan(&account, &cut); err != nil {
			return nil, fmt.Errorf("failed to scan affiliate: %w", err)
		}
		affiliates[account] = cut
	}
	return affiliates, rows.Err()
}
