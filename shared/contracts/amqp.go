package contracts

import (
	"context"
)

// AMQPMessage represents a message to be published to AMQP
type AMQPMessage struct {
	Exchange   string                 `json:"exchange"`
	RoutingKey string                 `json:"routing_key"`
	Body       []byte                 `json:"body"`
	Headers    map[string]interface{} `json:"headers,omitempty"`
}

// AMQPClient defines the interface for AMQP operations
type AMQPClient interface {
	// Publish publishes a message to the specified exchange
	Publish(ctx context.Context, message AMQPMessage) error

	// Close closes the AMQP connection
	Close() error
}

// Exchange names
const (
	MarketExchange = "market.events"
	ChainExchange  = "chain.events"
)

// Queue names
const (
	// Inbound notifications from the chain relay
	ApprovalsQueue      = "settlement.chain.approvals"
	TokenTransfersQueue = "settlement.chain.token_transfers"

	// Self-addressed settlement resolution queue, also the retry channel
	// for payout results that are not ready yet
	ResolutionsQueue = "settlement.resolutions"
)

// Routing keys
const (
	// Inbound chain notifications
	ApprovalKey      = "chain.nft.approved"
	TokenTransferKey = "chain.ft.transferred"

	// Market events for off-chain indexing
	ListedKey       = "market.listed"
	UnlistedKey     = "market.unlisted"
	OfferMadeKey    = "market.offer_made"
	OfferRemovedKey = "market.offer_removed"
	SaleKey         = "market.sale"
	FailedSaleKey   = "market.failed_sale"

	// Settlement resolution requests
	ResolutionKey = "settlement.resolve"
)
