package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"github.com/basemarket/market-settlement-api/services/settlement-service/internal/domain"
)

func testPolicy() *domain.Policy {
	return &domain.Policy{
		Owner:                   "owner.market",
		PlatformCutBps:          250,
		FallbackAffiliateCutBps: 100,
		MinListingDwell:         time.Hour,
		PerListingDeposit:       domain.NewAmount(100),
	}
}

func nativeListing() *domain.Listing {
	return &domain.Listing{
		AssetContractID: "nft.collection",
		AssetTokenID:    "token-1",
		ApprovalID:      7,
		SellerID:        "seller.account",
		Price:           domain.NewAmount(10_000),
		Currency:        domain.NativeCurrency(),
		CreatedAt:       time.Now().Add(-2 * time.Hour),
		DepositHeld:     domain.NewAmount(100),
	}
}

func tokenListing() *domain.Listing {
	l := nativeListing()
	l.Currency = domain.TokenCurrency("usdc.tokens")
	return l
}

func lockedNativeListing() *domain.Listing {
	cut := uint16(100)
	l := nativeListing()
	l.CurrentOffer = &domain.Offer{
		BuyerID:      "buyer.account",
		Amount:       domain.NewAmount(10_000),
		AffiliateID:  "partner.app",
		AffiliateCut: &cut,
		PlatformCut:  250,
		CreatedAt:    time.Now().Add(-time.Minute),
	}
	return l
}

func lockedTokenListing() *domain.Listing {
	l := lockedNativeListing()
	l.Currency = domain.TokenCurrency("usdc.tokens")
	l.CurrentOffer.TransferID = "transfer-9"
	return l
}

func tokenTransferNotice(amount uint64) domain.TokenTransferNotice {
	msg, _ := json.Marshal(domain.PurchaseInstructions{
		AssetContractID: "nft.collection",
		AssetTokenID:    "token-1",
	})
	return domain.TokenTransferNotice{
		FtContractID: "usdc.tokens",
		SenderID:     "buyer.account",
		Amount:       domain.NewAmount(amount),
		TransferID:   "transfer-9",
		Msg:          msg,
	}
}

func resolution() domain.ResolutionRequest {
	return domain.ResolutionRequest{
		AssetContractID: "nft.collection",
		AssetTokenID:    "token-1",
		PayoutHandle:    "handle-1",
		Attempt:         1,
	}
}

func payoutRaw(payout map[domain.AccountID]domain.Amount) json.RawMessage {
	raw, _ := json.Marshal(domain.Payout{Payout: payout})
	return raw
}

// SettlementEngineTestSuite covers the offer lifecycle and payout
// resolution.
type SettlementEngineTestSuite struct {
	suite.Suite
	ctx      context.Context
	engine   *SettlementEngine
	listings *MockListingRepository
	policy   *MockPolicyRepository
	listSvc  *MockListingService
	assets   *MockAssetContractGateway
	payments *MockPaymentGateway
	events   *MockEventPublisher
}

func (s *SettlementEngineTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.listings = new(MockListingRepository)
	s.policy = new(MockPolicyRepository)
	s.listSvc = new(MockListingService)
	s.assets = new(MockAssetContractGateway)
	s.payments = new(MockPaymentGateway)
	s.events = new(MockEventPublisher)
	s.engine = NewSettlementEngine(s.listings, s.policy, s.listSvc, s.assets, s.payments, s.events, testMetrics, testLogger())
}

func (s *SettlementEngineTestSuite) TestBuy_LocksListingAndStartsSettlement() {
	listing := nativeListing()

	s.policy.On("IsBanned", s.ctx, "buyer.account").Return(false, nil)
	s.listings.On("Get", s.ctx, "nft.collection", "token-1").Return(listing, nil)
	s.policy.On("Get", s.ctx).Return(testPolicy(), nil)
	s.listings.On("SetOffer", s.ctx, "nft.collection", "token-1", mock.AnythingOfType("*domain.Offer")).Return(nil)
	s.events.On("PublishOfferMade", s.ctx, mock.AnythingOfType("*domain.OfferMadeEvent")).Return(nil)
	s.assets.On("RequestTransferPayout", s.ctx, mock.MatchedBy(func(req domain.TransferPayoutRequest) bool {
		// Budget is the remainder after the frozen 2.5% platform cut
		return req.Balance.String() == "9750" &&
			req.MaxLenPayout == domain.MaxPayoutLenNative &&
			req.ReceiverID == "buyer.account" &&
			req.ApprovalID == 7
	})).Return("handle-1", nil)
	s.events.On("EnqueueResolution", s.ctx, mock.MatchedBy(func(req *domain.ResolutionRequest) bool {
		return req.PayoutHandle == "handle-1" && req.Attempt == 1
	})).Return(nil)

	err := s.engine.Buy(s.ctx, domain.BuyRequest{
		BuyerID:         "buyer.account",
		AssetContractID: "nft.collection",
		AssetTokenID:    "token-1",
		Deposit:         domain.NewAmount(10_000),
	})

	s.NoError(err)
	s.listings.AssertExpectations(s.T())
	s.assets.AssertExpectations(s.T())
	s.events.AssertExpectations(s.T())
	s.payments.AssertNotCalled(s.T(), "TransferNative")
}

func (s *SettlementEngineTestSuite) TestBuy_BannedBuyer() {
	s.policy.On("IsBanned", s.ctx, "buyer.account").Return(true, nil)

	err := s.engine.Buy(s.ctx, domain.BuyRequest{BuyerID: "buyer.account", AssetContractID: "nft.collection", AssetTokenID: "token-1"})
	s.ErrorIs(err, domain.ErrAccountBanned)
	s.listings.AssertNotCalled(s.T(), "SetOffer")
}

func (s *SettlementEngineTestSuite) TestBuy_MissingListing() {
	s.policy.On("IsBanned", s.ctx, "buyer.account").Return(false, nil)
	s.listings.On("Get", s.ctx, "nft.collection", "token-1").Return(nil, nil)

	err := s.engine.Buy(s.ctx, domain.BuyRequest{BuyerID: "buyer.account", AssetContractID: "nft.collection", AssetTokenID: "token-1"})
	s.ErrorIs(err, domain.ErrListingNotFound)
}

func (s *SettlementEngineTestSuite) TestBuy_ListingAlreadyLocked() {
	locked := nativeListing()
	locked.CurrentOffer = &domain.Offer{BuyerID: "earlier.buyer", Amount: domain.NewAmount(10_000)}
	s.policy.On("IsBanned", s.ctx, "buyer.account").Return(false, nil)
	s.listings.On("Get", s.ctx, "nft.collection", "token-1").Return(locked, nil)

	err := s.engine.Buy(s.ctx, domain.BuyRequest{
		BuyerID:         "buyer.account",
		AssetContractID: "nft.collection",
		AssetTokenID:    "token-1",
		Deposit:         domain.NewAmount(10_000),
	})
	s.ErrorIs(err, domain.ErrOfferInProgress)
	s.listings.AssertNotCalled(s.T(), "SetOffer")
	s.assets.AssertNotCalled(s.T(), "RequestTransferPayout")
}

// Two purchases can interleave their listing reads before either lock
// write; the guarded write lets exactly one of them through.
func (s *SettlementEngineTestSuite) TestBuy_LockConflictAtWrite() {
	s.policy.On("IsBanned", s.ctx, "buyer.account").Return(false, nil)
	s.listings.On("Get", s.ctx, "nft.collection", "token-1").Return(nativeListing(), nil)
	s.policy.On("Get", s.ctx).Return(testPolicy(), nil)
	s.listings.On("SetOffer", s.ctx, "nft.collection", "token-1", mock.Anything).Return(domain.ErrOfferInProgress)

	err := s.engine.Buy(s.ctx, domain.BuyRequest{
		BuyerID:         "buyer.account",
		AssetContractID: "nft.collection",
		AssetTokenID:    "token-1",
		Deposit:         domain.NewAmount(10_000),
	})

	s.ErrorIs(err, domain.ErrOfferInProgress)
	s.assets.AssertNotCalled(s.T(), "RequestTransferPayout")
	s.events.AssertNotCalled(s.T(), "EnqueueResolution")
}

func (s *SettlementEngineTestSuite) TestBuy_CurrencyMismatch() {
	s.policy.On("IsBanned", s.ctx, "buyer.account").Return(false, nil)
	s.listings.On("Get", s.ctx, "nft.collection", "token-1").Return(tokenListing(), nil)

	err := s.engine.Buy(s.ctx, domain.BuyRequest{
		BuyerID:         "buyer.account",
		AssetContractID: "nft.collection",
		AssetTokenID:    "token-1",
		Deposit:         domain.NewAmount(10_000),
	})
	s.ErrorIs(err, domain.ErrCurrencyMismatch)
}

func (s *SettlementEngineTestSuite) TestBuy_Underpayment() {
	s.policy.On("IsBanned", s.ctx, "buyer.account").Return(false, nil)
	s.listings.On("Get", s.ctx, "nft.collection", "token-1").Return(nativeListing(), nil)

	err := s.engine.Buy(s.ctx, domain.BuyRequest{
		BuyerID:         "buyer.account",
		AssetContractID: "nft.collection",
		AssetTokenID:    "token-1",
		Deposit:         domain.NewAmount(9_999),
	})
	s.ErrorIs(err, domain.ErrInsufficientAmount)
}

func (s *SettlementEngineTestSuite) TestHandleTokenTransfer_AcceptsOffer() {
	listing := tokenListing()

	s.policy.On("IsBanned", s.ctx, "usdc.tokens").Return(false, nil)
	s.policy.On("IsBanned", s.ctx, "buyer.account").Return(false, nil)
	s.listings.On("Get", s.ctx, "nft.collection", "token-1").Return(listing, nil)
	s.policy.On("Get", s.ctx).Return(testPolicy(), nil)
	s.listings.On("SetOffer", s.ctx, "nft.collection", "token-1", mock.MatchedBy(func(offer *domain.Offer) bool {
		return offer.TransferID == "transfer-9" && offer.PlatformCut == 250
	})).Return(nil)
	s.events.On("PublishOfferMade", s.ctx, mock.Anything).Return(nil)
	s.assets.On("RequestTransferPayout", s.ctx, mock.MatchedBy(func(req domain.TransferPayoutRequest) bool {
		return req.MaxLenPayout == domain.MaxPayoutLenToken
	})).Return("handle-9", nil)
	s.events.On("EnqueueResolution", s.ctx, mock.Anything).Return(nil)

	refund, err := s.engine.HandleTokenTransfer(s.ctx, tokenTransferNotice(10_000))

	s.NoError(err)
	s.Nil(refund)
	s.listings.AssertExpectations(s.T())
	// The transfer response is deferred to resolution
	s.payments.AssertNotCalled(s.T(), "RespondTokenTransfer")
}

func (s *SettlementEngineTestSuite) TestHandleTokenTransfer_LockedListingRefunds() {
	locked := tokenListing()
	locked.CurrentOffer = &domain.Offer{BuyerID: "earlier.buyer"}
	s.policy.On("IsBanned", s.ctx, "usdc.tokens").Return(false, nil)
	s.policy.On("IsBanned", s.ctx, "buyer.account").Return(false, nil)
	s.listings.On("Get", s.ctx, "nft.collection", "token-1").Return(locked, nil)

	refund, err := s.engine.HandleTokenTransfer(s.ctx, tokenTransferNotice(10_000))
	s.NoError(err)
	s.NotNil(refund)
	s.Equal("10000", refund.String())
}

// Same interleaving as TestBuy_LockConflictAtWrite, on the token rail: the
// loser's funds go back through the transfer response, not an error.
func (s *SettlementEngineTestSuite) TestHandleTokenTransfer_LockConflictAtWriteRefunds() {
	s.policy.On("IsBanned", s.ctx, "usdc.tokens").Return(false, nil)
	s.policy.On("IsBanned", s.ctx, "buyer.account").Return(false, nil)
	s.listings.On("Get", s.ctx, "nft.collection", "token-1").Return(tokenListing(), nil)
	s.policy.On("Get", s.ctx).Return(testPolicy(), nil)
	s.listings.On("SetOffer", s.ctx, "nft.collection", "token-1", mock.Anything).Return(domain.ErrOfferInProgress)

	refund, err := s.engine.HandleTokenTransfer(s.ctx, tokenTransferNotice(10_000))

	s.NoError(err)
	s.NotNil(refund)
	s.Equal("10000", refund.String())
	s.assets.AssertNotCalled(s.T(), "RequestTransferPayout")
}

func (s *SettlementEngineTestSuite) TestHandleTokenTransfer_WrongTokenContractRefunds() {
	s.policy.On("IsBanned", s.ctx, "usdc.tokens").Return(false, nil)
	s.policy.On("IsBanned", s.ctx, "buyer.account").Return(false, nil)
	s.listings.On("Get", s.ctx, "nft.collection", "token-1").Return(nativeListing(), nil)

	refund, err := s.engine.HandleTokenTransfer(s.ctx, tokenTransferNotice(10_000))
	s.NoError(err)
	s.NotNil(refund)
	s.Equal("10000", refund.String())
}

func (s *SettlementEngineTestSuite) TestHandleTokenTransfer_UnderpaymentRefunds() {
	s.policy.On("IsBanned", s.ctx, "usdc.tokens").Return(false, nil)
	s.policy.On("IsBanned", s.ctx, "buyer.account").Return(false, nil)
	s.listings.On("Get", s.ctx, "nft.collection", "token-1").Return(tokenListing(), nil)

	refund, err := s.engine.HandleTokenTransfer(s.ctx, tokenTransferNotice(9_000))
	s.NoError(err)
	s.NotNil(refund)
	s.Equal("9000", refund.String())
}

func (s *SettlementEngineTestSuite) TestHandleTokenTransfer_BannedSender() {
	s.policy.On("IsBanned", s.ctx, "usdc.tokens").Return(false, nil)
	s.policy.On("IsBanned", s.ctx, "buyer.account").Return(true, nil)

	refund, err := s.engine.HandleTokenTransfer(s.ctx, tokenTransferNotice(10_000))
	s.ErrorIs(err, domain.ErrAccountBanned)
	s.Nil(refund)
}

func (s *SettlementEngineTestSuite) TestHandleTokenTransfer_BannedTokenContract() {
	s.policy.On("IsBanned", s.ctx, "usdc.tokens").Return(true, nil)

	refund, err := s.engine.HandleTokenTransfer(s.ctx, tokenTransferNotice(10_000))
	s.ErrorIs(err, domain.ErrAccountBanned)
	s.Nil(refund)
	s.listings.AssertNotCalled(s.T(), "Get")
}

func (s *SettlementEngineTestSuite) TestResolve_StaleResolutionIsNoop() {
	s.listings.On("Get", s.ctx, "nft.collection", "token-1").Return(nil, nil)

	s.NoError(s.engine.Resolve(s.ctx, resolution()))
	s.assets.AssertNotCalled(s.T(), "PayoutOutcome")
	s.payments.AssertNotCalled(s.T(), "TransferNative")
}

func (s *SettlementEngineTestSuite) TestResolve_NotReadyReissuesSameRequest() {
	s.listings.On("Get", s.ctx, "nft.collection", "token-1").Return(lockedNativeListing(), nil)
	s.assets.On("PayoutOutcome", s.ctx, "handle-1").Return(&domain.PayoutOutcome{Status: domain.PayoutNotReady}, nil)
	s.events.On("EnqueueResolution", s.ctx, mock.MatchedBy(func(req *domain.ResolutionRequest) bool {
		return req.PayoutHandle == "handle-1" && req.Attempt == 2
	})).Return(nil)

	s.NoError(s.engine.Resolve(s.ctx, resolution()))
	s.events.AssertExpectations(s.T())
	s.payments.AssertNotCalled(s.T(), "TransferNative")
	s.listSvc.AssertNotCalled(s.T(), "ReleaseListing")
	s.listings.AssertNotCalled(s.T(), "ClaimOffer")
}

func (s *SettlementEngineTestSuite) TestResolve_FailedRefundsBuyerOnNativeRail() {
	listing := lockedNativeListing()

	s.listings.On("Get", s.ctx, "nft.collection", "token-1").Return(listing, nil)
	s.assets.On("PayoutOutcome", s.ctx, "handle-1").Return(&domain.PayoutOutcome{Status: domain.PayoutFailed}, nil)
	s.listings.On("ClaimOffer", s.ctx, "nft.collection", "token-1", listing.CurrentOffer).Return(true, nil)
	s.payments.On("TransferNative", s.ctx, "buyer.account", domain.NewAmount(10_000)).Return(nil)
	s.listSvc.On("ReleaseListing", s.ctx, listing, "failed").Return(nil)
	s.events.On("PublishUnlisted", s.ctx, mock.Anything).Return(nil)
	s.events.On("PublishFailedSale", s.ctx, mock.MatchedBy(func(e *domain.FailedSaleEvent) bool {
		return e.Reason == domain.FailReasonTransferFailed && !e.ContractBanned
	})).Return(nil)

	s.NoError(s.engine.Resolve(s.ctx, resolution()))
	s.payments.AssertNumberOfCalls(s.T(), "TransferNative", 1)
	s.payments.AssertNotCalled(s.T(), "RespondTokenTransfer")
	s.listSvc.AssertExpectations(s.T())
}

func (s *SettlementEngineTestSuite) TestResolve_FailedRefundsBuyerOnlyThroughTransferResponse() {
	listing := lockedTokenListing()

	s.listings.On("Get", s.ctx, "nft.collection", "token-1").Return(listing, nil)
	s.assets.On("PayoutOutcome", s.ctx, "handle-1").Return(&domain.PayoutOutcome{Status: domain.PayoutFailed}, nil)
	s.listings.On("ClaimOffer", s.ctx, "nft.collection", "token-1", listing.CurrentOffer).Return(true, nil)
	s.payments.On("RespondTokenTransfer", s.ctx, "usdc.tokens", "transfer-9", domain.NewAmount(10_000)).Return(nil)
	s.listSvc.On("ReleaseListing", s.ctx, listing, "failed").Return(nil)
	s.events.On("PublishUnlisted", s.ctx, mock.Anything).Return(nil)
	s.events.On("PublishFailedSale", s.ctx, mock.Anything).Return(nil)

	s.NoError(s.engine.Resolve(s.ctx, resolution()))

	// Exactly one transfer response, never a reverse push transfer
	s.payments.AssertNumberOfCalls(s.T(), "RespondTokenTransfer", 1)
	s.payments.AssertNotCalled(s.T(), "TransferToken")
	s.payments.AssertNotCalled(s.T(), "TransferNative")
}

// A failure after the claim must not requeue: the redelivered resolution
// finds the offer cleared and moves no funds, so the buyer is refunded
// exactly once even when the listing release errors mid-branch.
func (s *SettlementEngineTestSuite) TestResolve_FailedRedeliveryRefundsOnce() {
	listing := lockedNativeListing()

	s.listings.On("Get", s.ctx, "nft.collection", "token-1").Return(listing, nil).Once()
	s.assets.On("PayoutOutcome", s.ctx, "handle-1").Return(&domain.PayoutOutcome{Status: domain.PayoutFailed}, nil).Once()
	s.listings.On("ClaimOffer", s.ctx, "nft.collection", "token-1", listing.CurrentOffer).Return(true, nil).Once()
	s.payments.On("TransferNative", s.ctx, "buyer.account", domain.NewAmount(10_000)).Return(nil).Once()
	s.listSvc.On("ReleaseListing", s.ctx, listing, "failed").Return(errors.New("db down")).Once()
	s.events.On("PublishUnlisted", s.ctx, mock.Anything).Return(nil)
	s.events.On("PublishFailedSale", s.ctx, mock.Anything).Return(nil)

	s.NoError(s.engine.Resolve(s.ctx, resolution()))

	// The offer is cleared now, so the redelivered message is a no-op
	s.listings.On("Get", s.ctx, "nft.collection", "token-1").Return(nativeListing(), nil).Once()
	s.NoError(s.engine.Resolve(s.ctx, resolution()))

	s.payments.AssertNumberOfCalls(s.T(), "TransferNative", 1)
}

// Losing the claim means another delivery already owns the terminal
// branch; nothing may move.
func (s *SettlementEngineTestSuite) TestResolve_LostClaimMovesNoFunds() {
	listing := lockedNativeListing()

	s.listings.On("Get", s.ctx, "nft.collection", "token-1").Return(listing, nil)
	s.assets.On("PayoutOutcome", s.ctx, "handle-1").Return(&domain.PayoutOutcome{Status: domain.PayoutFailed}, nil)
	s.listings.On("ClaimOffer", s.ctx, "nft.collection", "token-1", listing.CurrentOffer).Return(false, nil)

	s.NoError(s.engine.Resolve(s.ctx, resolution()))
	s.payments.AssertNotCalled(s.T(), "TransferNative")
	s.payments.AssertNotCalled(s.T(), "RespondTokenTransfer")
	s.listSvc.AssertNotCalled(s.T(), "ReleaseListing")
	s.events.AssertNotCalled(s.T(), "PublishFailedSale")
}

func (s *SettlementEngineTestSuite) TestResolve_ValidPayoutCompletesSale() {
	listing := lockedNativeListing()

	// Remainder is 10000 - 250 (platform) - 100 (affiliate) = 9650
	raw := payoutRaw(map[domain.AccountID]domain.Amount{
		"seller.account": domain.NewAmount(9_000),
		"royalty.artist": domain.NewAmount(650),
	})

	s.listings.On("Get", s.ctx, "nft.collection", "token-1").Return(listing, nil)
	s.assets.On("PayoutOutcome", s.ctx, "handle-1").Return(&domain.PayoutOutcome{Status: domain.PayoutSucceeded, Raw: raw}, nil)
	s.listings.On("ClaimOffer", s.ctx, "nft.collection", "token-1", listing.CurrentOffer).Return(true, nil)
	s.events.On("PublishSale", s.ctx, mock.MatchedBy(func(e *domain.SaleEvent) bool {
		return e.PlatformAmount.String() == "250" && e.AffiliateAmount.String() == "100"
	})).Return(nil)
	s.payments.On("TransferNative", s.ctx, "seller.account", domain.NewAmount(9_000)).Return(nil)
	s.payments.On("TransferNative", s.ctx, "royalty.artist", domain.NewAmount(650)).Return(nil)
	s.payments.On("TransferNative", s.ctx, "partner.app", domain.NewAmount(100)).Return(nil)
	s.listSvc.On("ReleaseListing", s.ctx, listing, "sold").Return(nil)

	s.NoError(s.engine.Resolve(s.ctx, resolution()))
	s.payments.AssertExpectations(s.T())
	s.listSvc.AssertExpectations(s.T())
	s.listSvc.AssertNotCalled(s.T(), "ForceRemoveAndBan")
}

func (s *SettlementEngineTestSuite) TestResolve_ValidTokenPayoutAcksTransfer() {
	listing := lockedTokenListing()

	raw := payoutRaw(map[domain.AccountID]domain.Amount{
		"seller.account": domain.NewAmount(9_650),
	})

	s.listings.On("Get", s.ctx, "nft.collection", "token-1").Return(listing, nil)
	s.assets.On("PayoutOutcome", s.ctx, "handle-1").Return(&domain.PayoutOutcome{Status: domain.PayoutSucceeded, Raw: raw}, nil)
	s.listings.On("ClaimOffer", s.ctx, "nft.collection", "token-1", listing.CurrentOffer).Return(true, nil)
	s.events.On("PublishSale", s.ctx, mock.Anything).Return(nil)
	s.payments.On("TransferToken", s.ctx, "usdc.tokens", "seller.account", domain.NewAmount(9_650)).Return(nil)
	s.payments.On("TransferToken", s.ctx, "usdc.tokens", "partner.app", domain.NewAmount(100)).Return(nil)
	s.payments.On("RespondTokenTransfer", s.ctx, "usdc.tokens", "transfer-9", domain.Zero()).Return(nil)
	s.listSvc.On("ReleaseListing", s.ctx, listing, "sold").Return(nil)

	s.NoError(s.engine.Resolve(s.ctx, resolution()))
	s.payments.AssertExpectations(s.T())
}

func (s *SettlementEngineTestSuite) TestResolve_DuplicateSaleDeliveryPaysNobody() {
	listing := lockedNativeListing()

	raw := payoutRaw(map[domain.AccountID]domain.Amount{
		"seller.account": domain.NewAmount(9_650),
	})

	s.listings.On("Get", s.ctx, "nft.collection", "token-1").Return(listing, nil)
	s.assets.On("PayoutOutcome", s.ctx, "handle-1").Return(&domain.PayoutOutcome{Status: domain.PayoutSucceeded, Raw: raw}, nil)
	s.listings.On("ClaimOffer", s.ctx, "nft.collection", "token-1", listing.CurrentOffer).Return(false, nil)

	s.NoError(s.engine.Resolve(s.ctx, resolution()))
	s.events.AssertNotCalled(s.T(), "PublishSale")
	s.payments.AssertNotCalled(s.T(), "TransferNative")
	s.listSvc.AssertNotCalled(s.T(), "ReleaseListing")
}

func (s *SettlementEngineTestSuite) assertViolationBansContract(raw json.RawMessage, reason string) {
	listing := lockedNativeListing()

	s.listings.On("Get", s.ctx, "nft.collection", "token-1").Return(listing, nil)
	s.assets.On("PayoutOutcome", s.ctx, "handle-1").Return(&domain.PayoutOutcome{Status: domain.PayoutSucceeded, Raw: raw}, nil)
	s.listings.On("ClaimOffer", s.ctx, "nft.collection", "token-1", listing.CurrentOffer).Return(true, nil)
	s.payments.On("TransferNative", s.ctx, "buyer.account", domain.NewAmount(10_000)).Return(nil)
	s.listSvc.On("ForceRemoveAndBan", s.ctx, listing).Return(nil)
	s.events.On("PublishFailedSale", s.ctx, mock.MatchedBy(func(e *domain.FailedSaleEvent) bool {
		return e.Reason == reason && e.ContractBanned
	})).Return(nil)

	s.NoError(s.engine.Resolve(s.ctx, resolution()))
	s.listSvc.AssertExpectations(s.T())
	s.events.AssertExpectations(s.T())
	// The buyer gets exactly their full offer back, nothing else moves
	s.payments.AssertNumberOfCalls(s.T(), "TransferNative", 1)
}

func (s *SettlementEngineTestSuite) TestResolve_MalformedPayoutBansContract() {
	s.assertViolationBansContract(json.RawMessage(`{"garbage`), domain.FailReasonMalformedPayout)
}

func (s *SettlementEngineTestSuite) TestResolve_UnknownPayoutFieldsBanContract() {
	s.assertViolationBansContract(json.RawMessage(`{"payout":{"a":"1"},"extra":true}`), domain.FailReasonMalformedPayout)
}

func (s *SettlementEngineTestSuite) TestResolve_OverBudgetPayoutBansContract() {
	// Remainder is 9650; the contract claims 9651
	raw := payoutRaw(map[domain.AccountID]domain.Amount{
		"seller.account": domain.NewAmount(9_651),
	})
	s.assertViolationBansContract(raw, domain.FailReasonPayoutOverBudget)
}

func (s *SettlementEngineTestSuite) TestResolve_TooManyRecipientsBansContract() {
	payout := make(map[domain.AccountID]domain.Amount)
	for i := 0; i < domain.MaxPayoutLenNative+1; i++ {
		payout[fmt.Sprintf("holder-%d.account", i)] = domain.NewAmount(1)
	}
	s.assertViolationBansContract(payoutRaw(payout), domain.FailReasonTooManyRecipients)
}

func (s *SettlementEngineTestSuite) TestResolve_SubmissionFailureFailsImmediately() {
	listing := nativeListing()

	s.policy.On("IsBanned", s.ctx, "buyer.account").Return(false, nil)
	s.listings.On("Get", s.ctx, "nft.collection", "token-1").Return(listing, nil)
	s.policy.On("Get", s.ctx).Return(testPolicy(), nil)
	s.listings.On("SetOffer", s.ctx, "nft.collection", "token-1", mock.Anything).Return(nil)
	s.events.On("PublishOfferMade", s.ctx, mock.Anything).Return(nil)
	s.assets.On("RequestTransferPayout", s.ctx, mock.Anything).Return("", errors.New("asset contract unreachable"))
	s.listings.On("ClaimOffer", s.ctx, "nft.collection", "token-1", mock.AnythingOfType("*domain.Offer")).Return(true, nil)
	s.payments.On("TransferNative", s.ctx, "buyer.account", domain.NewAmount(10_000)).Return(nil)
	s.listSvc.On("ReleaseListing", s.ctx, mock.Anything, "failed").Return(nil)
	s.events.On("PublishUnlisted", s.ctx, mock.Anything).Return(nil)
	s.events.On("PublishFailedSale", s.ctx, mock.Anything).Return(nil)

	err := s.engine.Buy(s.ctx, domain.BuyRequest{
		BuyerID:         "buyer.account",
		AssetContractID: "nft.collection",
		AssetTokenID:    "token-1",
		Deposit:         domain.NewAmount(10_000),
	})

	s.NoError(err)
	s.events.AssertNotCalled(s.T(), "EnqueueResolution")
	s.payments.AssertExpectations(s.T())
}

func (s *SettlementEngineTestSuite) TestRemoveOffer_OwnerClearsStuckOffer() {
	listing := lockedNativeListing()

	s.policy.On("Get", s.ctx).Return(testPolicy(), nil)
	s.listings.On("Get", s.ctx, "nft.collection", "token-1").Return(listing, nil)
	s.listings.On("SetOffer", s.ctx, "nft.collection", "token-1", (*domain.Offer)(nil)).Return(nil)
	s.events.On("PublishOfferRemoved", s.ctx, mock.MatchedBy(func(e *domain.OfferRemovedEvent) bool {
		return e.BuyerID == "buyer.account" && e.Amount.String() == "10000"
	})).Return(nil)

	s.NoError(s.engine.RemoveOffer(s.ctx, "owner.market", "nft.collection", "token-1"))
	s.payments.AssertNotCalled(s.T(), "TransferNative")
	s.payments.AssertNotCalled(s.T(), "TransferToken")
	s.payments.AssertNotCalled(s.T(), "RespondTokenTransfer")
	s.listSvc.AssertNotCalled(s.T(), "ReleaseListing")
}

func (s *SettlementEngineTestSuite) TestRemoveOffer_NonOwner() {
	s.policy.On("Get", s.ctx).Return(testPolicy(), nil)

	err := s.engine.RemoveOffer(s.ctx, "random.account", "nft.collection", "token-1")
	s.ErrorIs(err, domain.ErrNotOwner)
	s.listings.AssertNotCalled(s.T(), "SetOffer")
}

func (s *SettlementEngineTestSuite) TestRemoveOffer_NoOffer() {
	s.policy.On("Get", s.ctx).Return(testPolicy(), nil)
	s.listings.On("Get", s.ctx, "nft.collection", "token-1").Return(nativeListing(), nil)

	err := s.engine.RemoveOffer(s.ctx, "owner.market", "nft.collection", "token-1")
	s.ErrorIs(err, domain.ErrNoOffer)
}

func TestSettlementEngineTestSuite(t *testing.T) {
	suite.Run(t, new(SettlementEngineTestSuite))
}
