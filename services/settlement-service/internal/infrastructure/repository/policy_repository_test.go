package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/basemarket/market-settlement-api/services/settlement-service/internal/domain"
	"github.com/basemarket/market-settlement-api/shared/postgres"
)

func newPolicyRepo(t *testing.T) (domain.PolicyRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	assert.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPolicyRepository(postgres.NewPostgresWithDB(db)), mock
}

func policyRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"owner_id", "platform_cut_bps", "fallback_affiliate_cut_bps",
		"min_listing_dwell_seconds", "per_listing_deposit",
	}).AddRow("owner.market", uint16(250), uint16(100), int64(3600), "100")
}

func TestPolicyGetIsCached(t *testing.T) {
	repo, mock := newPolicyRepo(t)
	ctx := context.Background()

	// One query serves both reads
	mock.ExpectQuery("SELECT owner_id, platform_cut_bps").WillReturnRows(policyRows())

	policy, err := repo.Get(ctx)
	assert.NoError(t, err)
	assert.Equal(t, "owner.market", policy.Owner)
	assert.Equal(t, uint16(250), policy.PlatformCutBps)
	assert.Equal(t, time.Hour, policy.MinListingDwell)
	assert.Equal(t, "100", policy.PerListingDeposit.String())

	cached, err := repo.Get(ctx)
	assert.NoError(t, err)
	assert.Equal(t, policy.Owner, cached.Owner)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPolicyUpdateInvalidatesCache(t *testing.T) {
	repo, mock := newPolicyRepo(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT owner_id, platform_cut_bps").WillReturnRows(policyRows())
	mock.ExpectExec("INSERT INTO market_policy").
		WithArgs("owner.market", uint16(500), uint16(100), int64(3600), "100").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT owner_id, platform_cut_bps").WillReturnRows(
		sqlmock.NewRows([]string{
			"owner_id", "platform_cut_bps", "fallback_affiliate_cut_bps",
			"min_listing_dwell_seconds", "per_listing_deposit",
		}).AddRow("owner.market", uint16(500), uint16(100), int64(3600), "100"))

	policy, err := repo.Get(ctx)
	assert.NoError(t, err)

	policy.PlatformCutBps = 500
	assert.NoError(t, repo.Update(ctx, policy))

	refreshed, err := repo.Get(ctx)
	assert.NoError(t, err)
	assert.Equal(t, uint16(500), refreshed.PlatformCutBps)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBanSet(t *testing.T) {
	repo, mock := newPolicyRepo(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("shady.contract").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	banned, err := repo.IsBanned(ctx, "shady.contract")
	assert.NoError(t, err)
	assert.False(t, banned)

	// Cached: no second query expected
	banned, err = repo.IsBanned(ctx, "shady.contract")
	assert.NoError(t, err)
	assert.False(t, banned)

	mock.ExpectExec("INSERT INTO banned_accounts").
		WithArgs("shady.contract").
		WillReturnResult(sqlmock.NewResult(0, 1))
	assert.NoError(t, repo.Ban(ctx, "shady.contract"))

	// The ban invalidated the cached read
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("shady.contract").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	banned, err = repo.IsBanned(ctx, "shady.contract")
	assert.NoError(t, err)
	assert.True(t, banned)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAffiliateCutLookup(t *testing.T) {
	repo, mock := newPolicyRepo(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT cut_bps").
		WithArgs("partner.app").
		WillReturnRows(sqlmock.NewRows([]string{"cut_bps"}).AddRow(uint16(1000)))

	cut, err := repo.AffiliateCut(ctx, "partner.app")
	assert.NoError(t, err)
	assert.NotNil(t, cut)
	assert.Equal(t, uint16(1000), *cut)

	// Non-whitelisted accounts resolve to nil, not an error
	mock.ExpectQuery("SELECT cut_bps").
		WithArgs("stranger.app").
		WillReturnRows(sqlmock.NewRows([]string{"cut_bps"}))

	cut, err = repo.AffiliateCut(ctx, "stranger.app")
	assert.NoError(t, err)
	assert.Nil(t, cut)
	assert.NoError(t, mock.ExpectationsWereMet())
}
