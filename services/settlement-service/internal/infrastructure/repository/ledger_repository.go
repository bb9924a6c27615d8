package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/basemarket/market-settlement-api/services/settlement-service/internal/domain"
	"github.com/basemarket/market-settlement-api/shared/postgres"
)

// LedgerRepository persists the per-account prepayment ledger. Balance and
// reserve mutations are guarded in SQL so the stored values can never go
// negative or reserve past the prepaid balance, whatever the caller does.
type LedgerRepository struct {
	db *postgres.Postgres
}

func NewLedgerRepository(db *postgres.Postgres) domain.LedgerRepository {
	return &LedgerRepository{db: db}
}

func (r *LedgerRepository) Get(ctx context.Context, account domain.AccountID) (*domain.LedgerEntry, error) {
	var entry domain.LedgerEntry
	var deposit, reserved string

	err := r.db.GetClient().QueryRowContext(ctx, queryGetLedgerEntry, account).
		Scan(&entry.AccountID, &deposit, &reserved, &entry.ListingCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}

	if entry.Deposit, err = domain.ParseAmount(deposit); err != nil {
		return nil, fmt.Errorf("failed to parse ledger deposit: %w", err)
	}
	if entry.Reserved, err = domain.ParseAmount(reserved); err != nil {
		return nil, fmt.Errorf("failed to parse ledger reserve: %w", err)
	}
	return &entry, nil
}

func (r *LedgerRepository) Credit(ctx context.Context, account domain.AccountID, amount domain.Amount) error {
	if _, err := r.db.GetClient().ExecContext(ctx, queryCreditLedger, account, amount.String()); err != nil {
		return fmt.Errorf("failed to credit ledger: %w", err)
	}
	return nil
}

func (r *LedgerRepository) Debit(ctx context.Context, account domain.AccountID, amount domain.Amount) error {
	res, err := r.db.GetClient().ExecContext(ctx, queryDebitLedger, account, amount.String())
	if err != nil {
		return fmt.Errorf("failed to debit ledger: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrInsufficientDeposit
	}
	return nil
}

func (r *LedgerRepository) Reserve(ctx context.Context, account domain.AccountID, amount domain.Amount) error {
	return r.adjustReserve(ctx, account, queryReserveDeposit, amount)
}

func (r *LedgerRepository) Release(ctx context.Context, account domain.AccountID, amount domain.Amount) error {
	return r.adjustReserve(ctx, account, queryReleaseDeposit, amount)
}

func (r *LedgerRepository) adjustReserve(ctx context.Context, account domain.AccountID, query string, amount domain.Amount) error {
	res, err := r.db.GetClient().ExecContext(ctx, query, account, amount.String())
	if err != nil {
		return fmt.Errorf("failed to adjust deposit reserve: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrInsufficientDeposit
	}
	return nil
}
