package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/basemarket/market-settlement-api/services/settlement-service/internal/domain"
	"github.com/basemarket/market-settlement-api/shared/contracts"
	"github.com/basemarket/market-settlement-api/shared/messaging"
)

const (
	marketSchemaV1 = "market.settlement.v1"
	serviceName    = "settlement-service"
)

// EventPublisher emits market events over RabbitMQ for off-chain indexing
// and carries the self-addressed settlement resolution channel.
type EventPublisher struct {
	amqp *messaging.RabbitMQ
}

func NewEventPublisher(amqp *messaging.RabbitMQ) domain.EventPublisher {
	return &EventPublisher{amqp: amqp}
}

func (p *EventPublisher) PublishListed(ctx context.Context, event *domain.ListedEvent) error {
	return p.publish(ctx, contracts.MarketExchange, contracts.ListedKey, "listed", event)
}

func (p *EventPublisher) PublishUnlisted(ctx context.Context, event *domain.UnlistedEvent) error {
	return p.publish(ctx, contracts.MarketExchange, contracts.UnlistedKey, "unlisted", event)
}

func (p *EventPublisher) PublishOfferMade(ctx context.Context, event *domain.OfferMadeEvent) error {
	return p.publish(ctx, contracts.MarketExchange, contracts.OfferMadeKey, "offer_made", event)
}

func (p *EventPublisher) PublishOfferRemoved(ctx context.Context, event *domain.OfferRemovedEvent) error {
	return p.publish(ctx, contracts.MarketExchange, contracts.OfferRemovedKey, "offer_removed", event)
}

func (p *EventPublisher) PublishSale(ctx context.Context, event *domain.SaleEvent) error {
	return p.publish(ctx, contracts.MarketExchange, contracts.SaleKey, "sale", event)
}

func (p *EventPublisher) PublishFailedSale(ctx context.Context, event *domain.FailedSaleEvent) error {
	return p.publish(ctx, contracts.MarketExchange, contracts.FailedSaleKey, "failed_sale", event)
}

// EnqueueResolution schedules (or reissues) a settlement resolution through
// the service's own resolution queue.
func (p *EventPublisher) EnqueueResolution(ctx context.Context, req *domain.ResolutionRequest) error {
	return p.publish(ctx, contracts.MarketExchange, contracts.ResolutionKey, "resolution", req)
}

func (p *EventPublisher) publish(ctx context.Context, exchange, routingKey, eventType string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}

	return p.amqp.Publish(ctx, contracts.AMQPMessage{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Body:       body,
		Headers: map[string]interface{}{
			"event_type":   eventType,
			"schema":       marketSchemaV1,
			"service":      serviceName,
			"message_id":   uuid.NewString(),
			"published_at": time.Now().Unix(),
		},
	})
}
