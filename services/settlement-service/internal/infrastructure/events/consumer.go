package events

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/basemarket/market-settlement-api/services/settlement-service/internal/domain"
	"github.com/basemarket/market-settlement-api/shared/contracts"
	"github.com/basemarket/market-settlement-api/shared/logging"
	"github.com/basemarket/market-settlement-api/shared/messaging"
)

// Consumer wires the inbound AMQP queues to the settlement engine: asset
// contract approval notices, fungible-token transfer notices, and the
// service's own resolution queue.
type Consumer struct {
	amqp        *messaging.RabbitMQ
	listings    domain.ListingService
	settlements domain.SettlementService
	payments    domain.PaymentGateway
	log         *logging.Logger
}

func NewConsumer(
	amqp *messaging.RabbitMQ,
	listings domain.ListingService,
	settlements domain.SettlementService,
	payments domain.PaymentGateway,
	log *logging.Logger,
) *Consumer {
	return &Consumer{
		amqp:        amqp,
		listings:    listings,
		settlements: settlements,
		payments:    payments,
		log:         log,
	}
}

// DeclareTopology declares the exchanges, queues, and bindings this service
// consumes from. Declaration is idempotent.
func (c *Consumer) DeclareTopology() error {
	for _, exchange := range []messaging.ExchangeConfig{
		{Name: contracts.ChainExchange, Type: "topic", Durable: true},
		{Name: contracts.MarketExchange, Type: "topic", Durable: true},
	} {
		if err := c.amqp.DeclareExchange(exchange); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", exchange.Name, err)
		}
	}

	for _, queue := range []messaging.QueueConfig{
		{Name: contracts.ApprovalsQueue, Durable: true},
		{Name: contracts.TokenTransfersQueue, Durable: true},
		{Name: contracts.ResolutionsQueue, Durable: true},
	} {
		if _, err := c.amqp.DeclareQueue(queue); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", queue.Name, err)
		}
	}

	for _, binding := range []messaging.BindingConfig{
		{QueueName: contracts.ApprovalsQueue, ExchangeName: contracts.ChainExchange, RoutingKey: contracts.ApprovalKey},
		{QueueName: contracts.TokenTransfersQueue, ExchangeName: contracts.ChainExchange, RoutingKey: contracts.TokenTransferKey},
		{QueueName: contracts.ResolutionsQueue, ExchangeName: contracts.MarketExchange, RoutingKey: contracts.ResolutionKey},
	} {
		if err := c.amqp.BindQueue(binding); err != nil {
			return fmt.Errorf("failed to bind queue %s: %w", binding.QueueName, err)
		}
	}

	return nil
}

// Start begins consuming on all queues until ctx is cancelled
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.amqp.Consume(ctx, contracts.ApprovalsQueue, serviceName+".approvals", c.handleApproval); err != nil {
		return err
	}
	if err := c.amqp.Consume(ctx, contracts.TokenTransfersQueue, serviceName+".token_transfers", c.handleTokenTransfer); err != nil {
		return err
	}
	return c.amqp.Consume(ctx, contracts.ResolutionsQueue, serviceName+".resolutions", c.handleResolution)
}

func (c *Consumer) handleApproval(ctx context.Context, delivery amqp.Delivery) error {
	var notice domain.ApprovalNotice
	if err := json.Unmarshal(delivery.Body, &notice); err != nil {
		c.log.WithError(err).Error("malformed approval notice, dropping")
		return nil
	}

	if _, err := c.listings.HandleApproval(ctx, notice); err != nil {
		// Precondition failures are terminal for this notice, never retried
		if isRejection(err) {
			c.log.WithError(err).WithFields(map[string]interface{}{
				"asset_contract_id": notice.AssetContractID,
				"asset_token_id":    notice.AssetTokenID,
			}).Warn("approval notice rejected")
			return nil
		}
		return err
	}
	return nil
}

func (c *Consumer) handleTokenTransfer(ctx context.Context, delivery amqp.Delivery) error {
	var notice domain.TokenTransferNotice
	if err := json.Unmarshal(delivery.Body, &notice); err != nil {
		c.log.WithError(err).Error("malformed token transfer notice, dropping")
		return nil
	}

	refund, err := c.settlements.HandleTokenTransfer(ctx, notice)
	if err != nil {
		if isRejection(err) {
			// Hard rejection: answer the transfer with the full amount so
			// the token contract refunds the sender
			c.log.WithError(err).WithField("transfer_id", notice.TransferID).Warn("token transfer rejected")
			return c.payments.RespondTokenTransfer(ctx, notice.FtContractID, notice.TransferID, notice.Amount)
		}
		return err
	}
	if refund != nil {
		return c.payments.RespondTokenTransfer(ctx, notice.FtContractID, notice.TransferID, *refund)
	}
	return nil
}

func (c *Consumer) handleResolution(ctx context.Context, delivery amqp.Delivery) error {
	var req domain.ResolutionRequest
	if err := json.Unmarshal(delivery.Body, &req); err != nil {
		c.log.WithError(err).Error("malformed resolution request, dropping")
		return nil
	}
	return c.settlements.Resolve(ctx, req)
}

// isRejection reports whether err is a domain precondition failure rather
// than an infrastructure fault. Rejections are acked; faults are nacked
// and redelivered.
func isRejection(err error) bool {
	switch err {
	case domain.ErrListingNotFound,
		domain.ErrOfferInProgress,
		domain.ErrNoOffer,
		domain.ErrAccountBanned,
		domain.ErrCurrencyMismatch,
		domain.ErrInsufficientAmount,
		domain.ErrInsufficientDeposit,
		domain.ErrAssetTokenIDTooLong,
		domain.ErrNotSeller,
		domain.ErrListingTimeLocked,
		domain.ErrInvalidInstructions:
		return true
	}
	return false
}
