package service

import (
	"context"
	"time"

	"github.com/basemarket/market-settlement-api/services/settlement-service/internal/domain"
	"github.com/basemarket/market-settlement-api/shared/logging"
	"github.com/basemarket/market-settlement-api/shared/metrics"
)

// AdminManager owns policy mutation, the ban set, the affiliate whitelist,
// and the prepayment ledger surface. All policy mutation is owner-gated.
type AdminManager struct {
	policy   domain.PolicyRepository
	ledger   domain.LedgerRepository
	payments domain.PaymentGateway
	metrics  *metrics.Metrics
	log      *logging.Logger
}

func NewAdminManager(
	policy domain.PolicyRepository,
	ledger domain.LedgerRepository,
	payments domain.PaymentGateway,
	m *metrics.Metrics,
	log *logging.Logger,
) *AdminManager {
	return &AdminManager{
		policy:   policy,
		ledger:   ledger,
		payments: payments,
		metrics:  m,
		log:      log,
	}
}

var _ domain.AdminService = (*AdminManager)(nil)

func (s *AdminManager) Policy(ctx context.Context) (*domain.Policy, error) {
	return s.policy.Get(ctx)
}

func (s *AdminManager) SetOwner(ctx context.Context, caller, newOwner domain.AccountID) error {
	return s.updatePolicy(ctx, caller, func(p *domain.Policy) {
		p.Owner = newOwner
	})
}

func (s *AdminManager) SetPlatformCut(ctx context.Context, caller domain.AccountID, cutBps uint16) error {
	return s.updatePolicy(ctx, caller, func(p *domain.Policy) {
		p.PlatformCutBps = cutBps
	})
}

func (s *AdminManager) SetFallbackAffiliateCut(ctx context.Context, caller domain.AccountID, cutBps uint16) error {
	return s.updatePolicy(ctx, caller, func(p *domain.Policy) {
		p.FallbackAffiliateCutBps = cutBps
	})
}

func (s *AdminManager) SetMinListingDwell(ctx context.Context, caller domain.AccountID, dwell time.Duration) error {
	return s.updatePolicy(ctx, caller, func(p *domain.Policy) {
		p.MinListingDwell = dwell
	})
}

func (s *AdminManager) SetPerListingDeposit(ctx context.Context, caller domain.AccountID, deposit domain.Amount) error {
	return s.updatePolicy(ctx, caller, func(p *domain.Policy) {
		p.PerListingDeposit = deposit
	})
}

func (s *AdminManager) updatePolicy(ctx context.Context, caller domain.AccountID, mutate func(*domain.Policy)) error {
	policy, err := s.requireOwner(ctx, caller)
	if err != nil {
		return err
	}
	mutate(policy)
	return s.policy.Update(ctx, policy)
}

func (s *AdminManager) Ban(ctx context.Context, caller, account domain.AccountID) error {
	if _, err := s.requireOwner(ctx, caller); err != nil {
		return err
	}
	if err := s.policy.Ban(ctx, account); err != nil {
		return err
	}
	s.metrics.AccountsBanned.Inc()
	s.log.Security("account_banned", map[string]interface{}{
		"account_id": account,
		"banned_by":  caller,
	})
	return nil
}

func (s *AdminManager) Unban(ctx context.Context, caller, account domain.AccountID) error {
	if _, err := s.requireOwner(ctx, caller); err != nil {
		return err
	}
	if err := s.policy.Unban(ctx, account); err != nil {
		return err
	}
	s.log.Security("account_unbanned", map[string]interface{}{
		"account_id":  account,
		"unbanned_by": caller,
	})
	return nil
}

func (s *AdminManager) BannedAccounts(ctx context.Context) ([]domain.AccountID, error) {
	return s.policy.BannedAccounts(ctx)
}

func (s *AdminManager) AddAffiliate(ctx context.Context, caller, account domain.AccountID, cutBps uint16) error {
	if _, err := s.requireOwner(ctx, caller); err != nil {
		return err
	}
	return s.policy.PutAffiliate(ctx, account, cutBps)
}

func (s *AdminManager) RemoveAffiliate(ctx context.Context, caller, account domain.AccountID) error {
	if _, err := s.requireOwner(ctx, caller); err != nil {
		return err
	}
	return s.policy.DeleteAffiliate(ctx, account)
}

func (s *AdminManager) Affiliates(ctx context.Context) (map[domain.AccountID]uint16, error) {
	return s.policy.Affiliates(ctx)
}

// DepositStorage credits an account's prepaid listing balance. Banned
// accounts cannot deposit; their funds would be stranded.
func (s *AdminManager) DepositStorage(ctx context.Context, account domain.AccountID, amount domain.Amount) error {
	banned, err := s.policy.IsBanned(ctx, account)
	if err != nil {
		return err
	}
	if banned {
		return domain.ErrAccountBanned
	}
	return s.ledger.Credit(ctx, account, amount)
}

// ClaimUnusedDeposit pays back the part of the prepaid balance not
// reserved for active listings and returns the claimed amount.
func (s *AdminManager) ClaimUnusedDeposit(ctx context.Context, account domain.AccountID) (domain.Amount, error) {
	entry, err := s.ledger.Get(ctx, account)
	if err != nil {
		return domain.Zero(), err
	}
	if entry == nil {
		return domain.Zero(), nil
	}

	if entry.Deposit.Cmp(entry.Reserved) <= 0 {
		return domain.Zero(), nil
	}
	free := entry.Deposit.Sub(entry.Reserved)

	if err := s.ledger.Debit(ctx, account, free); err != nil {
		return domain.Zero(), err
	}
	if err := s.payments.TransferNative(ctx, account, free); err != nil {
		return domain.Zero(), err
	}
	return free, nil
}

func (s *AdminManager) LedgerEntry(ctx context.Context, account domain.AccountID) (*domain.LedgerEntry, error) {
	return s.ledger.Get(ctx, account)
}

func (s *AdminManager) requireOwner(ctx context.Context, caller domain.AccountID) (*domain.Policy, error) {
	policy, err := s.policy.Get(ctx)
	if err != nil {
		return nil, err
	}
	if caller != policy.Owner {
		return nil, domain.ErrNotOwner
	}
	return policy, nil
}
