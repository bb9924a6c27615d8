package domain

import "time"

// Market events published for off-chain indexing. Payload schemas are not
// behaviorally load-bearing; numbers are stringified so indexers in
// JS-adjacent stacks never hit floating-point truncation.

// ListedEvent is emitted when a listing is created
type ListedEvent struct {
	Kind            string          `json:"kind"`
	AssetContractID AssetContractID `json:"asset_contract_id"`
	AssetTokenID    AssetTokenID    `json:"asset_token_id"`
	ApprovalID      uint64          `json:"approval_id"`
	SellerID        AccountID       `json:"seller_id"`
	Currency        string          `json:"currency"`
	Price           Amount          `json:"price"`
	ListedAt        time.Time       `json:"listed_at"`
}

// ListingKindSimple is the only listing kind this market produces
const ListingKindSimple = "simple"

// UnlistedEvent is emitted when a listing is removed without a sale
type UnlistedEvent struct {
	AssetContractID AssetContractID `json:"asset_contract_id"`
	AssetTokenID    AssetTokenID    `json:"asset_token_id"`
	ApprovalID      uint64          `json:"approval_id"`
	// Reason distinguishes seller unlists, relist replacements, and
	// ban-triggered removals
	Reason string `json:"reason"`
}

// Unlist reasons
const (
	UnlistReasonSeller   = "unlisted_by_seller"
	UnlistReasonRelisted = "replaced_by_relisting"
	UnlistReasonBanned   = "asset_contract_banned"
	UnlistReasonFailed   = "settlement_failed"
)

// OfferMadeEvent is emitted when an offer locks a listing
type OfferMadeEvent struct {
	AssetContractID AssetContractID `json:"asset_contract_id"`
	AssetTokenID    AssetTokenID    `json:"asset_token_id"`
	ApprovalID      uint64          `json:"approval_id"`
	BuyerID         AccountID       `json:"buyer_id"`
	Currency        string          `json:"currency"`
	Amount          Amount          `json:"amount"`
	AffiliateID     AccountID       `json:"affiliate_id,omitempty"`
	AffiliateAmount *Amount         `json:"affiliate_amount,omitempty"`
}

// OfferRemovedEvent is emitted when the owner force-clears a stuck offer.
// No funds move; any escrow remains the market's liability to resolve
// out-of-band.
type OfferRemovedEvent struct {
	AssetContractID AssetContractID `json:"asset_contract_id"`
	AssetTokenID    AssetTokenID    `json:"asset_token_id"`
	BuyerID         AccountID       `json:"buyer_id"`
	Amount          Amount          `json:"amount"`
}

// SaleEvent is emitted on the only path that completes a sale, carrying the
// full economic breakdown
type SaleEvent struct {
	AssetContractID AssetContractID      `json:"asset_contract_id"`
	AssetTokenID    AssetTokenID         `json:"asset_token_id"`
	ApprovalID      uint64               `json:"approval_id"`
	BuyerID         AccountID            `json:"buyer_id"`
	Payout          map[AccountID]Amount `json:"payout"`
	Currency        string               `json:"currency"`
	Price           Amount               `json:"price"`
	AffiliateID     AccountID            `json:"affiliate_id,omitempty"`
	AffiliateAmount *Amount              `json:"affiliate_amount,omitempty"`
	PlatformAmount  Amount               `json:"platform_amount"`
}

// FailedSaleEvent is emitted when a settlement resolves without a sale
type FailedSaleEvent struct {
	AssetContractID AssetContractID `json:"asset_contract_id"`
	AssetTokenID    AssetTokenID    `json:"asset_token_id"`
	BuyerID         AccountID       `json:"buyer_id"`
	Currency        string          `json:"currency"`
	Amount          Amount          `json:"amount"`
	// Reason classifies the resolution branch that failed the sale
	Reason string `json:"reason"`
	// ContractBanned is set when the failure was a protocol violation that
	// banned the asset contract
	ContractBanned bool `json:"contract_banned"`
}

// Failed sale reasons
const (
	FailReasonTransferFailed    = "transfer_failed"
	FailReasonMalformedPayout   = "malformed_payout"
	FailReasonPayoutOverBudget  = "payout_over_budget"
	FailReasonTooManyRecipients = "too_many_payout_recipients"
)
