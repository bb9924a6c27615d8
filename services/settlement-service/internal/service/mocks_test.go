package service

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/basemarket/market-settlement-api/services/settlement-service/internal/domain"
	"github.com/basemarket/market-settlement-api/shared/logging"
	"github.com/basemarket/market-settlement-api/shared/metrics"
)

// Shared across the test binary: promauto registers into the default
// registry, so metrics must only be constructed once.
var testMetrics = metrics.NewMetrics("test", "settlement")

func testLogger() *logging.Logger {
	return logging.NewLogger(logging.DefaultConfig("settlement-test"))
}

type MockListingRepository struct {
	mock.Mock
}

func (m *MockListingRepository) Get(ctx context.Context, contract domain.AssetContractID, token domain.AssetTokenID) (*domain.Listing, error) {
	args := m.Called(ctx, contract, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Listing), args.Error(1)
}

func (m *MockListingRepository) Upsert(ctx context.Context, listing *domain.Listing) (*domain.Listing, error) {
	args := m.Called(ctx, listing)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Listing), args.Error(1)
}

func (m *MockListingRepository) SetOffer(ctx context.Context, contract domain.AssetContractID, token domain.AssetTokenID, offer *domain.Offer) error {
	args := m.Called(ctx, contract, token, offer)
	return args.Error(0)
}

func (m *MockListingRepository) ClaimOffer(ctx context.Context, contract domain.AssetContractID, token domain.AssetTokenID, offer *domain.Offer) (bool, error) {
	args := m.Called(ctx, contract, token, offer)
	return args.Bool(0), args.Error(1)
}

func (m *MockListingRepository) Delete(ctx context.Context, contract domain.AssetContractID, token domain.AssetTokenID) error {
	args := m.Called(ctx, contract, token)
	return args.Error(0)
}

type MockLedgerRepository struct {
	mock.Mock
}

func (m *MockLedgerRepository) Get(ctx context.Context, account domain.AccountID) (*domain.LedgerEntry, error) {
	args := m.Called(ctx, account)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.LedgerEntry), args.Error(1)
}

func (m *MockLedgerRepository) Credit(ctx context.Context, account domain.AccountID, amount domain.Amount) error {
	args := m.Called(ctx, account, amount)
	return args.Error(0)
}

func (m *MockLedgerRepository) Debit(ctx context.Context, account domain.AccountID, amount domain.Amount) error {
	args := m.Called(ctx, account, amount)
	return args.Error(0)
}

func (m *MockLedgerRepository) Reserve(ctx context.Context, account domain.AccountID, amount domain.Amount) error {
	args := m.Called(ctx, account, amount)
	return args.Error(0)
}

func (m *MockLedgerRepository) Release(ctx context.Context, account domain.AccountID, amount domain.Amount) error {
	args := m.Called(ctx, account, amount)
	return args.Error(0)
}

type MockPolicyRepository struct {
	mock.Mock
}

func (m *MockPolicyRepository) Get(ctx context.Context) (*domain.Policy, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Policy), args.Error(1)
}

func (m *MockPolicyRepository) Update(ctx context.Context, policy *domain.Policy) error {
	args := m.Called(ctx, policy)
	return args.Error(0)
}

func (m *MockPolicyRepository) IsBanned(ctx context.Context, account domain.AccountID) (bool, error) {
	args := m.Called(ctx, account)
	return args.Bool(0), args.Error(1)
}

func (m *MockPolicyRepository) Ban(ctx context.Context, account domain.AccountID) error {
	args := m.Called(ctx, account)
	return args.Error(0)
}

func (m *MockPolicyRepository) Unban(ctx context.Context, account domain.AccountID) error {
	args := m.Called(ctx, account)
	return args.Error(0)
}

func (m *MockPolicyRepository) BannedAccounts(ctx context.Context) ([]domain.AccountID, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.AccountID), args.Error(1)
}

func (m *MockPolicyRepository) AffiliateCut(ctx context.Context, account domain.AccountID) (*uint16, error) {
	args := m.Called(ctx, account)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*uint16), args.Error(1)
}

func (m *MockPolicyRepository) PutAffiliate(ctx context.Context, account domain.AccountID, cutBps uint16) error {
	args := m.Called(ctx, account, cutBps)
	return args.Error(0)
}

func (m *MockPolicyRepository) DeleteAffiliate(ctx context.Context, account domain.AccountID) error {
	args := m.Called(ctx, account)
	return args.Error(0)
}

func (m *MockPolicyRepository) Affiliates(ctx context.Context) (map[domain.AccountID]uint16, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[domain.AccountID]uint16), args.Error(1)
}

type MockAssetContractGateway struct {
	mock.Mock
}

func (m *MockAssetContractGateway) RequestTransferPayout(ctx context.Context, req domain.TransferPayoutRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockAssetContractGateway) PayoutOutcome(ctx context.Context, handle string) (*domain.PayoutOutcome, error) {
	args := m.Called(ctx, handle)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.PayoutOutcome), args.Error(1)
}

type MockPaymentGateway struct {
	mock.Mock
}

func (m *MockPaymentGateway) TransferNative(ctx context.Context, to domain.AccountID, amount domain.Amount) error {
	args := m.Called(ctx, to, amount)
	return args.Error(0)
}

func (m *MockPaymentGateway) TransferToken(ctx context.Context, ftContract domain.AccountID, to domain.AccountID, amount domain.Amount) error {
	args := m.Called(ctx, ftContract, to, amount)
	return args.Error(0)
}

func (m *MockPaymentGateway) RespondTokenTransfer(ctx context.Context, ftContract domain.AccountID, transferID string, refund domain.Amount) error {
	args := m.Called(ctx, ftContract, transferID, refund)
	return args.Error(0)
}

type MockEventPublisher struct {
	mock.Mock
}

func (m *MockEventPublisher) PublishListed(ctx context.Context, event *domain.ListedEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockEventPublisher) PublishUnlisted(ctx context.Context, event *domain.UnlistedEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockEventPublisher) PublishOfferMade(ctx context.Context, event *domain.OfferMadeEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockEventPublisher) PublishOfferRemoved(ctx context.Context, event *domain.OfferRemovedEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockEventPublisher) PublishSale(ctx context.Context, event *domain.SaleEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockEventPublisher) PublishFailedSale(ctx context.Context, event *domain.FailedSaleEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockEventPublisher) EnqueueResolution(ctx context.Context, req *domain.ResolutionRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

type MockListingService struct {
	mock.Mock
}

func (m *MockListingService) HandleApproval(ctx context.Context, notice domain.ApprovalNotice) (*domain.Listing, error) {
	args := m.Called(ctx, notice)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Listing), args.Error(1)
}

func (m *MockListingService) Unlist(ctx context.Context, caller domain.AccountID, contract domain.AssetContractID, tokens []domain.AssetTokenID) error {
	args := m.Called(ctx, caller, contract, tokens)
	return args.Error(0)
}

func (m *MockListingService) ReleaseListing(ctx context.Context, listing *domain.Listing, reason string) error {
	args := m.Called(ctx, listing, reason)
	return args.Error(0)
}

func (m *MockListingService) ForceRemoveAndBan(ctx context.Context, listing *domain.Listing) error {
	args := m.Called(ctx, listing)
	return args.Error(0)
}

func (m *MockListingService) GetListing(ctx context.Context, contract domain.AssetContractID, token domain.AssetTokenID) (*domain.Listing, error) {
	args := m.Called(ctx, contract, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Listing), args.Error(1)
}
