package service

import (
	"context"

	"github.com/basemarket/market-settlement-api/services/settlement-service/internal/domain"
)

// paymentRail is the capability interface over the two payment rails. The
// rail is selected once when an offer is created and carried immutably for
// the life of that offer; every rail-specific behavior (payout recipient
// cap, outbound payment primitive, refund mechanics) lives behind it.
type paymentRail interface {
	// name labels the rail in logs and metrics
	name() string
	// maxPayoutLen is the recipient cap for the payout computation
	maxPayoutLen() uint32
	// pay sends sale proceeds to one recipient
	pay(ctx context.Context, to domain.AccountID, amount domain.Amount) error
	// refundBuyer returns the full offer amount to the buyer after a failed
	// settlement. The native rail transfers directly; the token rail
	// answers the transfer notification and must never also push a reverse
	// transfer, or the buyer is double-refunded.
	refundBuyer(ctx context.Context, offer *domain.Offer) error
	// ackUsed closes out the inbound payment channel after a successful
	// sale. The token rail answers the transfer notification with zero
	// unused; the native rail has nothing to answer.
	ackUsed(ctx context.Context, offer *domain.Offer) error
}

func railFor(currency domain.Currency, payments domain.PaymentGateway) paymentRail {
	if currency.IsNative() {
		return &nativeRail{payments: payments}
	}
	return &tokenRail{payments: payments, ftContract: currency.FtContract}
}

type nativeRail struct {
	payments domain.PaymentGateway
}

func (r *nativeRail) name() string { return "native" }

func (r *nativeRail) maxPayoutLen() uint32 { return domain.MaxPayoutLenNative }

func (r *nativeRail) pay(ctx context.Context, to domain.AccountID, amount domain.Amount) error {
	return r.payments.TransferNative(ctx, to, amount)
}

func (r *nativeRail) refundBuyer(ctx context.Context, offer *domain.Offer) error {
	return r.payments.TransferNative(ctx, offer.BuyerID, offer.Amount)
}

func (r *nativeRail) ackUsed(ctx context.Context, offer *domain.Offer) error {
	return nil
}

type tokenRail struct {
	payments   domain.PaymentGateway
	ftContract domain.AccountID
}

func (r *tokenRail) name() string { return "token" }

func (r *tokenRail) maxPayoutLen() uint32 { return domain.MaxPayoutLenToken }

func (r *tokenRail) pay(ctx context.Context, to domain.AccountID, amount domain.Amount) error {
	return r.payments.TransferToken(ctx, r.ftContract, to, amount)
}

func (r *tokenRail) refundBuyer(ctx context.Context, offer *domain.Offer) error {
	return r.payments.RespondTokenTransfer(ctx, r.ftContract, offer.TransferID, offer.Amount)
}

func (r *tokenRail) ackUsed(ctx context.Context, offer *domain.Offer) error {
	return r.payments.RespondTokenTransfer(ctx, r.ftContract, offer.TransferID, domain.Zero())
}
