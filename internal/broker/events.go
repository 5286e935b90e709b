package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"ticketing-service/internal/models"
	"ticketing-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing ticket lifecycle events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishTransactionCreated publishes TransactionCreated event
func (ep *EventPublisher) PublishTransactionCreated(ctx context.Context, event *models.TransactionCreatedEvent) error {
	return ep.producer.PublishEvent(ctx, event.TransactionCode, event)
}

// PublishPaymentSettled publishes PaymentSettled event
func (ep *EventPublisher) PublishPaymentSettled(ctx context.Context, event *models.PaymentSettledEvent) error {
	return ep.producer.PublishEvent(ctx, event.TransactionCode, event)
}

// PublishPaymentFailed publishes PaymentFailed event
func (ep *EventPublisher) PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	return ep.producer.PublishEvent(ctx, event.TransactionCode, event)
}

// PublishTicketIssued publishes TicketIssued event
func (ep *EventPublisher) PublishTicketIssued(ctx context.Context, event *models.TicketIssuedEvent) error {
	return ep.producer.PublishEvent(ctx, event.TransactionCode, event)
}

// PublishTicketRedeemed publishes TicketRedeemed event
func (ep *EventPublisher) PublishTicketRedeemed(ctx context.Context, event *models.TicketRedeemedEvent) error {
	key := fmt.Sprintf("ticket-%d", event.TicketID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishTransactionRefunded publishes TransactionRefunded event
func (ep *EventPublisher) PublishTransactionRefunded(ctx context.Context, event *models.TransactionRefundedEvent) error {
	return ep.producer.PublishEvent(ctx, event.TransactionCode, event)
}

// EventHandler routes consumed lifecycle events to registered callbacks
type EventHandler struct {
	onTicketIssued   func(context.Context, *models.TicketIssuedEvent) error
	onTicketRedeemed func(context.Context, *models.TicketRedeemedEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// OnTicketIssued registers a handler for TicketIssued events
func (eh *EventHandler) OnTicketIssued(handler func(context.Context, *models.TicketIssuedEvent) error) {
	eh.onTicketIssued = handler
}

// OnTicketRedeemed registers a handler for TicketRedeemed events
func (eh *EventHandler) OnTicketRedeemed(handler func(context.Context, *models.TicketRedeemedEvent) error) {
	eh.onTicketRedeemed = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	switch baseEvent.EventType {
	case models.EventTypeTicketIssued:
		if eh.onTicketIssued != nil {
			var event models.TicketIssuedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal TicketIssued event: %w", err)
			}
			return eh.onTicketIssued(ctx, &event)
		}

	case models.EventTypeTicketRedeemed:
		if eh.onTicketRedeemed != nil {
			var event models.TicketRedeemedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal TicketRedeemed event: %w", err)
			}
			return eh.onTicketRedeemed(ctx, &event)
		}

	default:
		util.GetLogger().Debug("Unhandled event type", zap.String("event_type", baseEvent.EventType))
	}

	return nil
}
