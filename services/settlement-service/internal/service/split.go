package service

import (
	"github.com/basemarket/market-settlement-api/services/settlement-service/internal/domain"
)

// Split is the commission breakdown of one offer. It is derived, never
// stored: platform and affiliate cuts are taken from the total offer
// amount, and the remainder is the payout budget handed to the asset
// contract. The asset contract never sees or controls the cuts.
type Split struct {
	PlatformAmount  domain.Amount
	AffiliateAmount domain.Amount
	Remainder       domain.Amount
}

// ComputeSplit derives the commission split for an offer amount. All
// divisions floor, so PlatformAmount + AffiliateAmount + Remainder always
// equals amount exactly.
func ComputeSplit(amount domain.Amount, platformCutBps uint16, affiliateCutBps *uint16) Split {
	platform := amount.BasisPoints(platformCutBps)

	affiliate := domain.Zero()
	if affiliateCutBps != nil {
		affiliate = amount.BasisPoints(*affiliateCutBps)
	}

	return Split{
		PlatformAmount:  platform,
		AffiliateAmount: affiliate,
		Remainder:       amount.Sub(platform).Sub(affiliate),
	}
}

// affiliateAmount returns the affiliate's earning for an offer, nil when
// the offer carries no affiliate.
func affiliateAmount(offer *domain.Offer, split Split) *domain.Amount {
	if offer.AffiliateID == "" {
		return nil
	}
	a := split.AffiliateAmount
	return &a
}
