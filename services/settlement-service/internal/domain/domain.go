package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Type aliases for better readability
type AccountID = string
type AssetContractID = string
type AssetTokenID = string

// MaxAssetTokenIDBytes bounds asset token ids to guard against
// storage-inflation attacks through oversized identifiers.
const MaxAssetTokenIDBytes = 128

// Payout recipient caps per payment rail. Fan-out cost scales with the
// per-transfer overhead of the rail, so fungible-token sales allow fewer
// royalty holders than native-coin sales.
const (
	MaxPayoutLenNative = 50
	MaxPayoutLenToken  = 10
)

// Currency is the payment rail of a listing: the native coin, or tokens of
// a specific fungible-token contract.
type Currency struct {
	// FtContract is empty for the native coin
	FtContract AccountID
}

// NativeCurrency returns the native-coin currency
func NativeCurrency() Currency {
	return Currency{}
}

// TokenCurrency returns the currency of a fungible-token contract
func TokenCurrency(contract AccountID) Currency {
	return Currency{FtContract: contract}
}

// IsNative reports whether the currency is the native coin
func (c Currency) IsNative() bool {
	return c.FtContract == ""
}

// String renders the currency the way it is indexed off-chain
func (c Currency) String() string {
	if c.IsNative() {
		return "native"
	}
	return "ft::" + c.FtContract
}

// ParseCurrency is the inverse of Currency.String
func ParseCurrency(s string) (Currency, error) {
	if s == "native" {
		return NativeCurrency(), nil
	}
	if contract, ok := strings.CutPrefix(s, "ft::"); ok && contract != "" {
		return TokenCurrency(contract), nil
	}
	return Currency{}, fmt.Errorf("invalid currency %q", s)
}

// Offer is one in-flight purchase attempt against a listing. At most one
// offer exists per listing; it locks the listing until resolved.
type Offer struct {
	BuyerID AccountID `json:"buyer_id"`
	Amount  Amount    `json:"amount"`
	// AffiliateID is empty when the purchase carried no affiliate
	AffiliateID AccountID `json:"affiliate_id,omitempty"`
	// AffiliateCut and PlatformCut are the basis-point cuts frozen at offer
	// creation. They are never recomputed, so later policy changes cannot
	// alter the economics of an in-flight offer. AffiliateCut is nil when
	// AffiliateID is empty.
	AffiliateCut *uint16 `json:"affiliate_cut,omitempty"`
	PlatformCut  uint16  `json:"platform_cut"`
	// TransferID identifies the fungible-token transfer notification that
	// funded this offer. The transfer response channel is the refund path
	// for token offers. Empty for native offers.
	TransferID string `json:"transfer_id,omitempty"`
	// CreatedAt is when the offer locked the listing
	CreatedAt time.Time `json:"created_at"`
}

// Listing is one asset currently offered for sale, keyed by
// (asset contract, asset token id).
type Listing struct {
	AssetContractID AssetContractID `json:"asset_contract_id"`
	AssetTokenID    AssetTokenID    `json:"asset_token_id"`
	// ApprovalID proves the seller authorized this market on the asset
	// contract at listing time
	ApprovalID uint64    `json:"approval_id"`
	SellerID   AccountID `json:"seller_id"`
	Price      Amount    `json:"price"`
	Currency   Currency  `json:"currency"`
	CreatedAt  time.Time `json:"created_at"`
	// DepositHeld is the prepaid deposit reserved for this listing at
	// creation. Removal refunds exactly this amount, whatever the policy
	// says by then.
	DepositHeld Amount `json:"deposit_held"`
	// CurrentOffer locks the listing while a settlement is in flight
	CurrentOffer *Offer `json:"current_offer,omitempty"`
}

// Key returns the single lookup key for the listing identity
func (l *Listing) Key() string {
	return ListingKey(l.AssetContractID, l.AssetTokenID)
}

// Locked reports whether an offer is currently executing on the listing
func (l *Listing) Locked() bool {
	return l.CurrentOffer != nil
}

// ListingKey combines the listing identity into a single lookup key
func ListingKey(contract AssetContractID, token AssetTokenID) string {
	return fmt.Sprintf("%s<$>%s", contract, token)
}

// Policy is the owner-gated market configuration
type Policy struct {
	Owner AccountID `json:"owner"`
	// PlatformCutBps is retained by the market on every sale
	PlatformCutBps uint16 `json:"platform_cut_bps"`
	// FallbackAffiliateCutBps applies to affiliates missing from the whitelist
	FallbackAffiliateCutBps uint16 `json:"fallback_affiliate_cut_bps"`
	// MinListingDwell is how long a listing must stay before its seller may
	// unlist it
	MinListingDwell time.Duration `json:"min_listing_dwell"`
	// PerListingDeposit is the prepaid balance every active listing must be
	// backed by
	PerListingDeposit Amount `json:"per_listing_deposit"`
}

// LedgerEntry is the per-account prepayment bookkeeping
type LedgerEntry struct {
	AccountID AccountID `json:"account_id"`
	Deposit   Amount    `json:"deposit"`
	// Reserved is the part of Deposit held against active listings
	Reserved Amount `json:"reserved"`
	// ListingCount is the number of active listings backed by Reserved
	ListingCount int64 `json:"listing_count"`
}

// ApprovalNotice is the inbound "approved for listing" notification from an
// asset contract.
type ApprovalNotice struct {
	AssetContractID AssetContractID `json:"asset_contract_id"`
	AssetTokenID    AssetTokenID    `json:"asset_token_id"`
	OwnerID         AccountID       `json:"owner_id"`
	ApprovalID      uint64          `json:"approval_id"`
	// Msg carries the listing instructions chosen by the seller
	Msg json.RawMessage `json:"msg"`
}

// ListingInstructions is the message the seller attaches to the approval.
type ListingInstructions struct {
	Price Amount `json:"price"`
	// FtContract selects a fungible-token currency; empty means native
	FtContract AccountID `json:"ft_contract,omitempty"`
}

// BuyRequest is a direct native-coin purchase. The deposit is the payment
// escrowed with the triggering call; on a hard rejection the runtime
// returns it to the buyer atomically.
type BuyRequest struct {
	BuyerID         AccountID       `json:"buyer_id"`
	AssetContractID AssetContractID `json:"asset_contract_id"`
	AssetTokenID    AssetTokenID    `json:"asset_token_id"`
	AffiliateID     AccountID       `json:"affiliate_id,omitempty"`
	Deposit         Amount          `json:"deposit"`
}

// TokenTransferNotice is the inbound fungible-token transfer notification.
// The engine answers through the transfer response channel with the unused
// amount; the token contract refunds the difference to the sender.
type TokenTransferNotice struct {
	FtContractID AccountID `json:"ft_contract_id"`
	SenderID     AccountID `json:"sender_id"`
	Amount       Amount    `json:"amount"`
	TransferID   string    `json:"transfer_id"`
	// Msg carries the purchase instructions
	Msg json.RawMessage `json:"msg"`
}

// PurchaseInstructions is the message attached to a token transfer.
type PurchaseInstructions struct {
	AssetContractID AssetContractID `json:"asset_contract_id"`
	AssetTokenID    AssetTokenID    `json:"asset_token_id"`
	AffiliateID     AccountID       `json:"affiliate_id,omitempty"`
}

// ResolutionRequest keys one settlement resolution by listing identity. The
// same request is reissued when the payout outcome is not yet available.
type ResolutionRequest struct {
	AssetContractID AssetContractID `json:"asset_contract_id"`
	AssetTokenID    AssetTokenID    `json:"asset_token_id"`
	PayoutHandle    string          `json:"payout_handle"`
	Attempt         int             `json:"attempt"`
}

// PayoutOutcomeStatus classifies the result of an asset contract's payout
// computation.
type PayoutOutcomeStatus string

const (
	// PayoutNotReady means the asynchronous result has not materialized;
	// resolution must be reissued, not failed
	PayoutNotReady PayoutOutcomeStatus = "not_ready"
	// PayoutFailed means the asset contract's computation panicked or reverted
	PayoutFailed PayoutOutcomeStatus = "failed"
	// PayoutSucceeded means the asset contract returned a payload; the
	// payload still needs parsing and economic validation
	PayoutSucceeded PayoutOutcomeStatus = "succeeded"
)

// PayoutOutcome is the raw result of a payout computation. Raw is only
// meaningful when Status is PayoutSucceeded and is untrusted until parsed
// and validated.
type PayoutOutcome struct {
	Status PayoutOutcomeStatus `json:"status"`
	Raw    json.RawMessage     `json:"raw,omitempty"`
}

// Payout is the parsed payout payload: the account -> amount breakdown of
// how sale proceeds net of platform and affiliate cuts are split.
type Payout struct {
	Payout map[AccountID]Amount `json:"payout"`
}

// TransferPayoutRequest asks the asset contract to transfer the asset to
// the buyer and report the payout breakdown for the given balance.
type TransferPayoutRequest struct {
	AssetContractID AssetContractID `json:"asset_contract_id"`
	AssetTokenID    AssetTokenID    `json:"asset_token_id"`
	ReceiverID      AccountID       `json:"receiver_id"`
	ApprovalID      uint64          `json:"approval_id"`
	Balance         Amount          `json:"balance"`
	MaxLenPayout    uint32          `json:"max_len_payout"`
}

// ListingRepository persists the listing set
type ListingRepository interface {
	Get(ctx context.Context, contract AssetContractID, token AssetTokenID) (*Listing, error)
	// Upsert stores the listing and returns the listing previously stored
	// under the same key, if any
	Upsert(ctx context.Context, listing *Listing) (*Listing, error)
	// SetOffer sets or clears (nil) the current offer. Setting fails with
	// ErrOfferInProgress unless the stored offer slot is empty, so at most
	// one purchase can ever lock a listing.
	SetOffer(ctx context.Context, contract AssetContractID, token AssetTokenID, offer *Offer) error
	// ClaimOffer clears the current offer when it still matches offer's
	// buyer and creation time, reporting whether this call cleared it.
	// Exactly one caller wins the claim; terminal resolution steps run
	// behind it so a redelivered resolution never repeats a transfer.
	ClaimOffer(ctx context.Context, contract AssetContractID, token AssetTokenID, offer *Offer) (bool, error)
	Delete(ctx context.Context, contract AssetContractID, token AssetTokenID) error
}

// LedgerRepository persists the per-account prepayment ledger
type LedgerRepository interface {
	Get(ctx context.Context, account AccountID) (*LedgerEntry, error)
	// Credit adds amount to the account's prepaid balance
	Credit(ctx context.Context, account AccountID, amount Amount) error
	// Debit removes amount from the unreserved part of the balance
	Debit(ctx context.Context, account AccountID, amount Amount) error
	// Reserve holds amount of the unreserved balance against one new
	// listing, atomically with the coverage check. ErrInsufficientDeposit
	// when the free balance does not cover it.
	Reserve(ctx context.Context, account AccountID, amount Amount) error
	// Release frees amount held by Reserve for one removed listing
	Release(ctx context.Context, account AccountID, amount Amount) error
}

// PolicyRepository persists market configuration, the ban set, and the
// affiliate whitelist
type PolicyRepository interface {
	Get(ctx context.Context) (*Policy, error)
	Update(ctx context.Context, policy *Policy) error

	IsBanned(ctx context.Context, account AccountID) (bool, error)
	Ban(ctx context.Context, account AccountID) error
	Unban(ctx context.Context, account AccountID) error
	BannedAccounts(ctx context.Context) ([]AccountID, error)

	// AffiliateCut returns the whitelisted cut for an account, nil when the
	// account is not whitelisted
	AffiliateCut(ctx context.Context, account AccountID) (*uint16, error)
	PutAffiliate(ctx context.Context, account AccountID, cutBps uint16) error
	DeleteAffiliate(ctx context.Context, account AccountID) error
	Affiliates(ctx context.Context) (map[AccountID]uint16, error)
}

// AssetContractGateway issues the asynchronous payout computation against
// an asset contract. The request and its outcome are decoupled: the
// outcome may not be ready when first polled.
type AssetContractGateway interface {
	RequestTransferPayout(ctx context.Context, req TransferPayoutRequest) (handle string, err error)
	PayoutOutcome(ctx context.Context, handle string) (*PayoutOutcome, error)
}

// PaymentGateway executes outbound fund movements on both rails
type PaymentGateway interface {
	// TransferNative pays native coin out of the market's balance
	TransferNative(ctx context.Context, to AccountID, amount Amount) error
	// TransferToken pays fungible tokens through the token contract
	TransferToken(ctx context.Context, ftContract AccountID, to AccountID, amount Amount) error
	// RespondTokenTransfer answers a transfer notification with the unused
	// amount; the token contract refunds it to the sender. This is the only
	// legal refund path for token offers.
	RespondTokenTransfer(ctx context.Context, ftContract AccountID, transferID string, refund Amount) error
}

// EventPublisher emits market events for off-chain indexing and carries the
// settlement resolution channel
type EventPublisher interface {
	PublishListed(ctx context.Context, event *ListedEvent) error
	PublishUnlisted(ctx context.Context, event *UnlistedEvent) error
	PublishOfferMade(ctx context.Context, event *OfferMadeEvent) error
	PublishOfferRemoved(ctx context.Context, event *OfferRemovedEvent) error
	PublishSale(ctx context.Context, event *SaleEvent) error
	PublishFailedSale(ctx context.Context, event *FailedSaleEvent) error

	// EnqueueResolution schedules (or reissues) a settlement resolution
	EnqueueResolution(ctx context.Context, req *ResolutionRequest) error
}

// ListingService owns the set of active listings
type ListingService interface {
	HandleApproval(ctx context.Context, notice ApprovalNotice) (*Listing, error)
	Unlist(ctx context.Context, caller AccountID, contract AssetContractID, tokens []AssetTokenID) error
	// ReleaseListing deletes a listing and refunds the seller's deposit for
	// it. Used by settlement resolution on every terminal branch.
	ReleaseListing(ctx context.Context, listing *Listing, reason string) error
	// ForceRemoveAndBan is the escape hatch for protocol violations by the
	// asset contract. It never refunds the in-flight offer's buyer; refund
	// mechanics differ per rail and belong to the caller.
	ForceRemoveAndBan(ctx context.Context, listing *Listing) error
	GetListing(ctx context.Context, contract AssetContractID, token AssetTokenID) (*Listing, error)
}

// SettlementService owns the offer lifecycle and payout resolution
type SettlementService interface {
	Buy(ctx context.Context, req BuyRequest) error
	// HandleTokenTransfer validates a fungible-token purchase. A non-nil
	// refund means the purchase was softly rejected and the full amount
	// must be answered back through the transfer response channel. A nil
	// refund means an offer was accepted and the response is deferred to
	// resolution.
	HandleTokenTransfer(ctx context.Context, notice TokenTransferNotice) (refund *Amount, err error)
	Resolve(ctx context.Context, req ResolutionRequest) error
	// RemoveOffer force-clears a stuck offer with zero fund movement.
	// Owner-gated.
	RemoveOffer(ctx context.Context, caller AccountID, contract AssetContractID, token AssetTokenID) error
}

// AdminService owns policy mutation and the prepayment ledger surface
type AdminService interface {
	Policy(ctx context.Context) (*Policy, error)
	SetOwner(ctx context.Context, caller, newOwner AccountID) error
	SetPlatformCut(ctx context.Context, caller AccountID, cutBps uint16) error
	SetFallbackAffiliateCut(ctx context.Context, caller AccountID, cutBps uint16) error
	SetMinListingDwell(ctx context.Context, caller AccountID, dwell time.Duration) error
	SetPerListingDeposit(ctx context.Context, caller AccountID, deposit Amount) error

	Ban(ctx context.Context, caller, account AccountID) error
	Unban(ctx context.Context, caller, account AccountID) error
	BannedAccounts(ctx context.Context) ([]AccountID, error)

	AddAffiliate(ctx context.Context, caller, account AccountID, cutBps uint16) error
	RemoveAffiliate(ctx context.Context, caller, account AccountID) error
	Affiliates(ctx context.Context) (map[AccountID]uint16, error)

	DepositStorage(ctx context.Context, account AccountID, amount Amount) error
	ClaimUnusedDeposit(ctx context.Context, account AccountID) (Amount, error)
	LedgerEntry(ctx context.Context, account AccountID) (*LedgerEntry, error)
}

// Error definitions
var (
	ErrListingNotFound     = errors.New("listing_not_found")
	ErrOfferInProgress     = errors.New("offer_in_progress")
	ErrNoOffer             = errors.New("no_offer")
	ErrAccountBanned       = errors.New("account_banned")
	ErrCurrencyMismatch    = errors.New("currency_mismatch")
	ErrInsufficientAmount  = errors.New("insufficient_amount")
	ErrInsufficientDeposit = errors.New("insufficient_deposit")
	ErrAssetTokenIDTooLong = errors.New("asset_token_id_too_long")
	ErrNotSeller           = errors.New("not_seller")
	ErrListingTimeLocked   = errors.New("listing_time_locked")
	ErrNotOwner            = errors.New("not_owner")
	ErrInvalidInstructions = errors.New("invalid_instructions")
)
