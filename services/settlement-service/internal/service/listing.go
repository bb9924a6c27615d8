package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/basemarket/market-settlement-api/services/settlement-service/internal/domain"
	"github.com/basemarket/market-settlement-api/shared/logging"
	"github.com/basemarket/market-settlement-api/shared/metrics"
)

// ListingManager owns the set of active listings. Every precondition
// violation here is a synchronous rejection with no partial state change;
// retries belong to the settlement resolution protocol, not this layer.
type ListingManager struct {
	listings domain.ListingRepository
	ledger   domain.LedgerRepository
	policy   domain.PolicyRepository
	payments domain.PaymentGateway
	events   domain.EventPublisher
	metrics  *metrics.Metrics
	log      *logging.Logger
}

func NewListingManager(
	listings domain.ListingRepository,
	ledger domain.LedgerRepository,
	policy domain.PolicyRepository,
	payments domain.PaymentGateway,
	events domain.EventPublisher,
	m *metrics.Metrics,
	log *logging.Logger,
) *ListingManager {
	return &ListingManager{
		listings: listings,
		ledger:   ledger,
		policy:   policy,
		payments: payments,
		events:   events,
		metrics:  m,
		log:      log,
	}
}

var _ domain.ListingService = (*ListingManager)(nil)

// HandleApproval creates a listing from an asset contract's "approved for
// listing" notification. A fresh approval for an already listed key
// replaces the listing, but replacing a locked listing is a protocol
// violation and fails hard.
func (s *ListingManager) HandleApproval(ctx context.Context, notice domain.ApprovalNotice) (*domain.Listing, error) {
	var instructions domain.ListingInstructions
	if err := json.Unmarshal(notice.Msg, &instructions); err != nil {
		return nil, domain.ErrInvalidInstructions
	}

	currency := domain.NativeCurrency()
	if instructions.FtContract != "" {
		currency = domain.TokenCurrency(instructions.FtContract)
	}

	listing := &domain.Listing{
		AssetContractID: notice.AssetContractID,
		AssetTokenID:    notice.AssetTokenID,
		ApprovalID:      notice.ApprovalID,
		SellerID:        notice.OwnerID,
		Price:           instructions.Price,
		Currency:        currency,
		CreatedAt:       time.Now().UTC(),
	}

	for _, account := range []domain.AccountID{listing.SellerID, listing.AssetContractID, currency.FtContract} {
		if account == "" {
			continue
		}
		if err := s.requireNotBanned(ctx, account); err != nil {
			return nil, err
		}
	}

	if len(listing.AssetTokenID) > domain.MaxAssetTokenIDBytes {
		return nil, domain.ErrAssetTokenIDTooLong
	}

	policy, err := s.policy.Get(ctx)
	if err != nil {
		return nil, err
	}
	listing.DepositHeld = policy.PerListingDeposit

	// Overwriting a locked listing would discard an in-flight settlement
	old, err := s.listings.Get(ctx, listing.AssetContractID, listing.AssetTokenID)
	if err != nil {
		return nil, err
	}
	if old != nil && old.Locked() {
		return nil, domain.ErrOfferInProgress
	}

	// The reserve carries its own coverage check, so concurrent approvals
	// for one seller cannot overdraw the prepaid balance
	if err := s.ledger.Reserve(ctx, listing.SellerID, listing.DepositHeld); err != nil {
		return nil, err
	}
	if _, err := s.listings.Upsert(ctx, listing); err != nil {
		return nil, err
	}

	if old != nil {
		// The replaced listing's deposit goes back to its seller, and its
		// removal is indexed separately from the new listing's creation.
		if err := s.refundDeposit(ctx, old.SellerID, old.DepositHeld); err != nil {
			return nil, err
		}
		if err := s.events.PublishUnlisted(ctx, &domain.UnlistedEvent{
			AssetContractID: old.AssetContractID,
			AssetTokenID:    old.AssetTokenID,
			ApprovalID:      old.ApprovalID,
			Reason:          domain.UnlistReasonRelisted,
		}); err != nil {
			s.log.WithError(err).Warn("failed to publish unlist event for replaced listing")
		}
	}

	if err := s.events.PublishListed(ctx, &domain.ListedEvent{
		Kind:            domain.ListingKindSimple,
		AssetContractID: listing.AssetContractID,
		AssetTokenID:    listing.AssetTokenID,
		ApprovalID:      listing.ApprovalID,
		SellerID:        listing.SellerID,
		Currency:        listing.Currency.String(),
		Price:           listing.Price,
		ListedAt:        listing.CreatedAt,
	}); err != nil {
		s.log.WithError(err).Warn("failed to publish listed event")
	}

	s.metrics.ListingsCreated.Inc()
	s.log.WithFields(map[string]interface{}{
		"asset_contract_id": listing.AssetContractID,
		"asset_token_id":    listing.AssetTokenID,
		"seller_id":         listing.SellerID,
		"currency":          listing.Currency.String(),
		"price":             listing.Price.String(),
	}).Info("listing created")

	return listing, nil
}

// Unlist removes listings of one asset contract on behalf of their seller.
// Each removed listing refunds one listing's deposit.
func (s *ListingManager) Unlist(ctx context.Context, caller domain.AccountID, contract domain.AssetContractID, tokens []domain.AssetTokenID) error {
	policy, err := s.policy.Get(ctx)
	if err != nil {
		return err
	}

	for _, token := range tokens {
		listing, err := s.listings.Get(ctx, contract, token)
		if err != nil {
			return err
		}
		if listing == nil {
			return domain.ErrListingNotFound
		}
		if listing.Locked() {
			return domain.ErrOfferInProgress
		}
		if listing.SellerID != caller {
			return domain.ErrNotSeller
		}
		if time.Since(listing.CreatedAt) < policy.MinListingDwell {
			return domain.ErrListingTimeLocked
		}

		if err := s.listings.Delete(ctx, contract, token); err != nil {
			return err
		}
		if err := s.refundDeposit(ctx, listing.SellerID, listing.DepositHeld); err != nil {
			return err
		}

		if err := s.events.PublishUnlisted(ctx, &domain.UnlistedEvent{
			AssetContractID: contract,
			AssetTokenID:    token,
			ApprovalID:      listing.ApprovalID,
			Reason:          domain.UnlistReasonSeller,
		}); err != nil {
			s.log.WithError(err).Warn("failed to publish unlist event")
		}
		s.metrics.ListingsRemoved.WithLabelValues("unlisted").Inc()
	}

	return nil
}

// ReleaseListing deletes a listing and refunds the seller's deposit for it.
// Settlement resolution calls this on every terminal branch.
func (s *ListingManager) ReleaseListing(ctx context.Context, listing *domain.Listing, reason string) error {
	if err := s.listings.Delete(ctx, listing.AssetContractID, listing.AssetTokenID); err != nil {
		return err
	}
	if err := s.refundDeposit(ctx, listing.SellerID, listing.DepositHeld); err != nil {
		return err
	}
	s.metrics.ListingsRemoved.WithLabelValues(reason).Inc()
	return nil
}

// ForceRemoveAndBan removes a listing regardless of lock state, refunds the
// seller's deposit, and bans the asset contract. It deliberately does not
// refund any in-flight offer's buyer: refund mechanics differ per rail and
// are the caller's responsibility.
func (s *ListingManager) ForceRemoveAndBan(ctx context.Context, listing *domain.Listing) error {
	if err := s.ReleaseListing(ctx, listing, "banned"); err != nil {
		return err
	}

	// Idempotent: banning an already banned contract changes nothing
	if err := s.policy.Ban(ctx, listing.AssetContractID); err != nil {
		return err
	}
	s.metrics.AccountsBanned.Inc()

	if err := s.events.PublishUnlisted(ctx, &domain.UnlistedEvent{
		AssetContractID: listing.AssetContractID,
		AssetTokenID:    listing.AssetTokenID,
		ApprovalID:      listing.ApprovalID,
		Reason:          domain.UnlistReasonBanned,
	}); err != nil {
		s.log.WithError(err).Warn("failed to publish unlist event for banned contract")
	}

	s.log.Security("asset_contract_banned", map[string]interface{}{
		"asset_contract_id": listing.AssetContractID,
		"asset_token_id":    listing.AssetTokenID,
	})

	return nil
}

// GetListing returns one listing, nil when absent
func (s *ListingManager) GetListing(ctx context.Context, contract domain.AssetContractID, token domain.AssetTokenID) (*domain.Listing, error) {
	return s.listings.Get(ctx, contract, token)
}

func (s *ListingManager) requireNotBanned(ctx context.Context, account domain.AccountID) error {
	banned, err := s.policy.IsBanned(ctx, account)
	if err != nil {
		return err
	}
	if banned {
		return domain.ErrAccountBanned
	}
	return nil
}

// refundDeposit returns the deposit held for one listing to an account,
// both in the ledger and as an actual native transfer. The held amount was
// frozen at listing creation; policy changes since do not affect it.
func (s *ListingManager) refundDeposit(ctx context.Context, account domain.AccountID, held domain.Amount) error {
	if err := s.ledger.Release(ctx, account, held); err != nil {
		return err
	}
	if err := s.ledger.Debit(ctx, account, held); err != nil {
		return err
	}
	return s.payments.TransferNative(ctx, account, held)
}
