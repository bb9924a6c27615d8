package service

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/basemarket/market-settlement-api/services/settlement-service/internal/domain"
	"github.com/basemarket/market-settlement-api/shared/logging"
	"github.com/basemarket/market-settlement-api/shared/metrics"
)

// SettlementEngine owns the offer lifecycle: accepting purchases on both
// payment rails, locking listings, and resolving the asynchronous payout
// computation. The asset contract is untrusted throughout; every resolution
// branch is classified defensively and refunds rather than halting.
type SettlementEngine struct {
	listings    domain.ListingRepository
	policy      domain.PolicyRepository
	listingsSvc domain.ListingService
	assets      domain.AssetContractGateway
	payments    domain.PaymentGateway
	events      domain.EventPublisher
	metrics     *metrics.Metrics
	log         *logging.Logger
}

func NewSettlementEngine(
	listings domain.ListingRepository,
	policy domain.PolicyRepository,
	listingsSvc domain.ListingService,
	assets domain.AssetContractGateway,
	payments domain.PaymentGateway,
	events domain.EventPublisher,
	m *metrics.Metrics,
	log *logging.Logger,
) *SettlementEngine {
	return &SettlementEngine{
		listings:    listings,
		policy:      policy,
		listingsSvc: listingsSvc,
		assets:      assets,
		payments:    payments,
		events:      events,
		metrics:     m,
		log:         log,
	}
}

var _ domain.SettlementService = (*SettlementEngine)(nil)

// Buy is a direct native-coin purchase. Every rejection here is hard: the
// escrowed deposit is returned to the buyer by the caller atomically, so no
// refund transfer is issued.
func (s *SettlementEngine) Buy(ctx context.Context, req domain.BuyRequest) error {
	listing, err := s.eligibleListing(ctx, req.BuyerID, req.AssetContractID, req.AssetTokenID)
	if err != nil {
		return err
	}
	if !listing.Currency.IsNative() {
		return domain.ErrCurrencyMismatch
	}
	if req.Deposit.Cmp(listing.Price) < 0 {
		return domain.ErrInsufficientAmount
	}

	offer, err := s.buildOffer(ctx, req.BuyerID, req.Deposit, req.AffiliateID, "")
	if err != nil {
		return err
	}
	return s.startSettlement(ctx, listing, offer)
}

// HandleTokenTransfer validates a fungible-token purchase. Soft rejections
// return the full amount as the refund to answer through the transfer
// response channel; that answer is the ONLY refund path on this rail. Hard
// errors are reserved for conditions where the original system would halt
// the call outright.
func (s *SettlementEngine) HandleTokenTransfer(ctx context.Context, notice domain.TokenTransferNotice) (*domain.Amount, error) {
	var instructions domain.PurchaseInstructions
	if err := json.Unmarshal(notice.Msg, &instructions); err != nil {
		return nil, domain.ErrInvalidInstructions
	}

	// The paying token contract is rejected the same way a banned sender is
	banned, err := s.policy.IsBanned(ctx, notice.FtContractID)
	if err != nil {
		return nil, err
	}
	if banned {
		return nil, domain.ErrAccountBanned
	}

	listing, err := s.eligibleListing(ctx, notice.SenderID, instructions.AssetContractID, instructions.AssetTokenID)
	if err != nil {
		switch err {
		case domain.ErrOfferInProgress:
			// Listing is busy: hand the funds back and let the sender retry
			refund := notice.Amount
			return &refund, nil
		default:
			return nil, err
		}
	}
	if listing.Currency.IsNative() || listing.Currency.FtContract != notice.FtContractID {
		refund := notice.Amount
		return &refund, nil
	}
	if notice.Amount.Cmp(listing.Price) < 0 {
		refund := notice.Amount
		return &refund, nil
	}

	offer, err := s.buildOffer(ctx, notice.SenderID, notice.Amount, instructions.AffiliateID, notice.TransferID)
	if err != nil {
		return nil, err
	}
	if err := s.startSettlement(ctx, listing, offer); err != nil {
		if err == domain.ErrOfferInProgress {
			// A concurrent purchase won the lock write
			refund := notice.Amount
			return &refund, nil
		}
		return nil, err
	}
	return nil, nil
}

// eligibleListing loads a listing and applies the checks shared by both
// purchase rails.
func (s *SettlementEngine) eligibleListing(ctx context.Context, buyer domain.AccountID, contract domain.AssetContractID, token domain.AssetTokenID) (*domain.Listing, error) {
	banned, err := s.policy.IsBanned(ctx, buyer)
	if err != nil {
		return nil, err
	}
	if banned {
		return nil, domain.ErrAccountBanned
	}

	listing, err := s.listings.Get(ctx, contract, token)
	if err != nil {
		return nil, err
	}
	if listing == nil {
		return nil, domain.ErrListingNotFound
	}
	if listing.Locked() {
		return nil, domain.ErrOfferInProgress
	}
	return listing, nil
}

// buildOffer freezes the economics of the purchase at creation time. Cuts
// are copied from current policy onto the offer so later policy changes
// never alter an in-flight settlement.
func (s *SettlementEngine) buildOffer(ctx context.Context, buyer domain.AccountID, amount domain.Amount, affiliate domain.AccountID, transferID string) (*domain.Offer, error) {
	policy, err := s.policy.Get(ctx)
	if err != nil {
		return nil, err
	}

	offer := &domain.Offer{
		BuyerID:     buyer,
		Amount:      amount,
		PlatformCut: policy.PlatformCutBps,
		TransferID:  transferID,
		CreatedAt:   time.Now().UTC(),
	}

	if affiliate != "" {
		cut, err := s.policy.AffiliateCut(ctx, affiliate)
		if err != nil {
			return nil, err
		}
		if cut == nil {
			fallback := policy.FallbackAffiliateCutBps
			cut = &fallback
		}
		offer.AffiliateID = affiliate
		offer.AffiliateCut = cut
	}

	return offer, nil
}

// startSettlement locks the listing under the offer, issues the payout
// computation against the asset contract, and schedules resolution. The
// lock lands before the external call, and the write itself only succeeds
// on an empty offer slot, so of two racing purchases exactly one proceeds.
func (s *SettlementEngine) startSettlement(ctx context.Context, listing *domain.Listing, offer *domain.Offer) error {
	if err := s.listings.SetOffer(ctx, listing.AssetContractID, listing.AssetTokenID, offer); err != nil {
		return err
	}
	listing.CurrentOffer = offer

	rail := railFor(listing.Currency, s.payments)
	split := ComputeSplit(offer.Amount, offer.PlatformCut, offer.AffiliateCut)

	if err := s.events.PublishOfferMade(ctx, &domain.OfferMadeEvent{
		AssetContractID: listing.AssetContractID,
		AssetTokenID:    listing.AssetTokenID,
		ApprovalID:      listing.ApprovalID,
		BuyerID:         offer.BuyerID,
		Currency:        listing.Currency.String(),
		Amount:          offer.Amount,
		AffiliateID:     offer.AffiliateID,
		AffiliateAmount: affiliateAmount(offer, split),
	}); err != nil {
		s.log.WithError(err).Warn("failed to publish offer event")
	}

	handle, err := s.assets.RequestTransferPayout(ctx, domain.TransferPayoutRequest{
		AssetContractID: listing.AssetContractID,
		AssetTokenID:    listing.AssetTokenID,
		ReceiverID:      offer.BuyerID,
		ApprovalID:      listing.ApprovalID,
		Balance:         split.Remainder,
		MaxLenPayout:    rail.maxPayoutLen(),
	})
	if err != nil {
		// The asset contract rejected the submission synchronously. That is
		// the failed branch of resolution, just arriving early.
		s.log.WithError(err).WithFields(map[string]interface{}{
			"asset_contract_id": listing.AssetContractID,
			"asset_token_id":    listing.AssetTokenID,
		}).Error("payout computation submission failed")
		return s.failSettlement(ctx, listing, rail, domain.FailReasonTransferFailed)
	}

	s.metrics.OffersAccepted.WithLabelValues(rail.name()).Inc()
	return s.events.EnqueueResolution(ctx, &domain.ResolutionRequest{
		AssetContractID: listing.AssetContractID,
		AssetTokenID:    listing.AssetTokenID,
		PayoutHandle:    handle,
		Attempt:         1,
	})
}

// Resolve terminates (or reissues) one in-flight settlement. Terminal
// branches claim the offer before moving any funds, so a redelivered or
// stale resolution is a no-op, never a double spend.
func (s *SettlementEngine) Resolve(ctx context.Context, req domain.ResolutionRequest) error {
	listing, err := s.listings.Get(ctx, req.AssetContractID, req.AssetTokenID)
	if err != nil {
		return err
	}
	if listing == nil || !listing.Locked() {
		s.log.WithFields(map[string]interface{}{
			"asset_contract_id": req.AssetContractID,
			"asset_token_id":    req.AssetTokenID,
			"payout_handle":     req.PayoutHandle,
		}).Warn("resolution for absent or unlocked listing, dropping")
		return nil
	}
	offer := listing.CurrentOffer
	rail := railFor(listing.Currency, s.payments)

	outcome, err := s.assets.PayoutOutcome(ctx, req.PayoutHandle)
	if err != nil {
		return err
	}

	switch outcome.Status {
	case domain.PayoutNotReady:
		req.Attempt++
		return s.events.EnqueueResolution(ctx, &req)

	case domain.PayoutFailed:
		if err := s.failSettlement(ctx, listing, rail, domain.FailReasonTransferFailed); err != nil {
			return err
		}
		s.recordResolution(rail, offer, "failed")
		return nil

	case domain.PayoutSucceeded:
		return s.resolveSucceeded(ctx, listing, offer, rail, outcome.Raw)

	default:
		// Unknown status from the gateway; treat like failed rather than
		// leave the listing locked forever
		s.log.WithField("status", string(outcome.Status)).Error("unknown payout outcome status")
		if err := s.failSettlement(ctx, listing, rail, domain.FailReasonTransferFailed); err != nil {
			return err
		}
		s.recordResolution(rail, offer, "failed")
		return nil
	}
}

// resolveSucceeded validates the payout payload and completes or rejects
// the sale. The payload is untrusted: malformed data, a sum above the
// budget, or a recipient list over the rail's cap each prove the asset
// contract violated the protocol, so it is banned and the buyer refunded.
func (s *SettlementEngine) resolveSucceeded(ctx context.Context, listing *domain.Listing, offer *domain.Offer, rail paymentRail, raw json.RawMessage) error {
	split := ComputeSplit(offer.Amount, offer.PlatformCut, offer.AffiliateCut)
	payout, violation := parsePayout(raw, split.Remainder, rail.maxPayoutLen())

	claimed, err := s.claimOffer(ctx, listing, offer)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	if violation != "" {
		if err := rail.refundBuyer(ctx, offer); err != nil {
			s.logPaymentFailure(err, listing, "buyer refund")
		}
		if err := s.listingsSvc.ForceRemoveAndBan(ctx, listing); err != nil {
			s.log.WithError(err).Error("failed to remove and ban asset contract")
		}
		if err := s.events.PublishFailedSale(ctx, &domain.FailedSaleEvent{
			AssetContractID: listing.AssetContractID,
			AssetTokenID:    listing.AssetTokenID,
			BuyerID:         offer.BuyerID,
			Currency:        listing.Currency.String(),
			Amount:          offer.Amount,
			Reason:          violation,
			ContractBanned:  true,
		}); err != nil {
			s.log.WithError(err).Warn("failed to publish failed sale event")
		}
		s.metrics.OffersRejected.WithLabelValues(rail.name(), violation).Inc()
		s.recordResolution(rail, offer, "banned")
		return nil
	}

	// Sale event goes out before the transfers so indexers see the sale
	// even if a downstream payment errors
	if err := s.events.PublishSale(ctx, &domain.SaleEvent{
		AssetContractID: listing.AssetContractID,
		AssetTokenID:    listing.AssetTokenID,
		ApprovalID:      listing.ApprovalID,
		BuyerID:         offer.BuyerID,
		Payout:          payout,
		Currency:        listing.Currency.String(),
		Price:           offer.Amount,
		AffiliateID:     offer.AffiliateID,
		AffiliateAmount: affiliateAmount(offer, split),
		PlatformAmount:  split.PlatformAmount,
	}); err != nil {
		s.log.WithError(err).Warn("failed to publish sale event")
	}

	for account, amount := range payout {
		if err := rail.pay(ctx, account, amount); err != nil {
			s.logPaymentFailure(err, listing, "payout to "+account)
		}
	}
	if offer.AffiliateID != "" && !split.AffiliateAmount.IsZero() {
		if err := rail.pay(ctx, offer.AffiliateID, split.AffiliateAmount); err != nil {
			s.logPaymentFailure(err, listing, "affiliate payout")
		}
	}
	if err := rail.ackUsed(ctx, offer); err != nil {
		s.logPaymentFailure(err, listing, "transfer ack")
	}

	if err := s.listingsSvc.ReleaseListing(ctx, listing, "sold"); err != nil {
		s.log.WithError(err).Error("failed to release sold listing")
	}
	s.recordResolution(rail, offer, "sold")
	return nil
}

// failSettlement is the transfer-failed branch: refund the buyer on their
// rail, remove the listing, refund the seller's deposit.
func (s *SettlementEngine) failSettlement(ctx context.Context, listing *domain.Listing, rail paymentRail, reason string) error {
	offer := listing.CurrentOffer
	claimed, err := s.claimOffer(ctx, listing, offer)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	if err := rail.refundBuyer(ctx, offer); err != nil {
		s.logPaymentFailure(err, listing, "buyer refund")
	}
	if err := s.listingsSvc.ReleaseListing(ctx, listing, "failed"); err != nil {
		s.log.WithError(err).Error("failed to release failed listing")
	}
	if err := s.events.PublishUnlisted(ctx, &domain.UnlistedEvent{
		AssetContractID: listing.AssetContractID,
		AssetTokenID:    listing.AssetTokenID,
		ApprovalID:      listing.ApprovalID,
		Reason:          domain.UnlistReasonFailed,
	}); err != nil {
		s.log.WithError(err).Warn("failed to publish unlist event")
	}
	if err := s.events.PublishFailedSale(ctx, &domain.FailedSaleEvent{
		AssetContractID: listing.AssetContractID,
		AssetTokenID:    listing.AssetTokenID,
		BuyerID:         offer.BuyerID,
		Currency:        listing.Currency.String(),
		Amount:          offer.Amount,
		Reason:          reason,
	}); err != nil {
		s.log.WithError(err).Warn("failed to publish failed sale event")
	}
	s.metrics.OffersRejected.WithLabelValues(rail.name(), reason).Inc()
	return nil
}

// RemoveOffer force-clears a stuck offer. Zero fund movement: the lock is
// released and any escrowed funds stay where they are, to be resolved
// out-of-band. Owner-gated.
func (s *SettlementEngine) RemoveOffer(ctx context.Context, caller domain.AccountID, contract domain.AssetContractID, token domain.AssetTokenID) error {
	policy, err := s.policy.Get(ctx)
	if err != nil {
		return err
	}
	if caller != policy.Owner {
		return domain.ErrNotOwner
	}

	listing, err := s.listings.Get(ctx, contract, token)
	if err != nil {
		return err
	}
	if listing == nil {
		return domain.ErrListingNotFound
	}
	if !listing.Locked() {
		return domain.ErrNoOffer
	}
	offer := listing.CurrentOffer

	if err := s.listings.SetOffer(ctx, contract, token, nil); err != nil {
		return err
	}

	if err := s.events.PublishOfferRemoved(ctx, &domain.OfferRemovedEvent{
		AssetContractID: contract,
		AssetTokenID:    token,
		BuyerID:         offer.BuyerID,
		Amount:          offer.Amount,
	}); err != nil {
		s.log.WithError(err).Warn("failed to publish offer removed event")
	}

	s.log.Security("stuck_offer_removed", map[string]interface{}{
		"asset_contract_id": contract,
		"asset_token_id":    token,
		"buyer_id":          offer.BuyerID,
		"amount":            offer.Amount.String(),
	})
	return nil
}

// parsePayout strictly parses and validates an untrusted payout payload.
// It returns the payout map, or a non-empty violation reason.
func parsePayout(raw json.RawMessage, budget domain.Amount, maxLen uint32) (map[domain.AccountID]domain.Amount, string) {
	var parsed domain.Payout
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&parsed); err != nil || parsed.Payout == nil {
		return nil, domain.FailReasonMalformedPayout
	}
	if uint32(len(parsed.Payout)) > maxLen {
		return nil, domain.FailReasonTooManyRecipients
	}
	if domain.SumAmounts(parsed.Payout).Cmp(budget) > 0 {
		return nil, domain.FailReasonPayoutOverBudget
	}
	return parsed.Payout, ""
}

// claimOffer atomically takes ownership of the terminal resolution for one
// offer. Exactly one resolution delivery wins it; everything that moves
// funds runs behind the claim, and a failure past the claim is logged
// instead of requeued because a rerun could not tell which transfers
// already went out.
func (s *SettlementEngine) claimOffer(ctx context.Context, listing *domain.Listing, offer *domain.Offer) (bool, error) {
	claimed, err := s.listings.ClaimOffer(ctx, listing.AssetContractID, listing.AssetTokenID, offer)
	if err != nil {
		return false, err
	}
	if !claimed {
		s.log.WithFields(map[string]interface{}{
			"asset_contract_id": listing.AssetContractID,
			"asset_token_id":    listing.AssetTokenID,
			"buyer_id":          offer.BuyerID,
		}).Warn("offer already claimed by another resolution, dropping")
	}
	return claimed, nil
}

func (s *SettlementEngine) logPaymentFailure(err error, listing *domain.Listing, step string) {
	s.log.WithError(err).WithFields(map[string]interface{}{
		"asset_contract_id": listing.AssetContractID,
		"asset_token_id":    listing.AssetTokenID,
		"step":              step,
	}).Error("payment failed after resolution claim, needs manual settlement")
}

func (s *SettlementEngine) recordResolution(rail paymentRail, offer *domain.Offer, outcome string) {
	s.metrics.Resolutions.WithLabelValues(outcome).Inc()
	s.metrics.ResolutionDelay.WithLabelValues(rail.name()).Observe(time.Since(offer.CreatedAt).Seconds())
}
