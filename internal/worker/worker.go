package worker

import (
	"context"
	"log"

	"ticketing-service/internal/broker"
	"ticketing-service/internal/models"
	"ticketing-service/internal/util"

	"go.uber.org/zap"
)

// Notifier is the delivery collaborator. Actual email/push delivery lives
// outside this service.
type Notifier interface {
	TicketIssued(ctx context.Context, event *models.TicketIssuedEvent) error
}

// LogNotifier records notification intents in the service log. Stands in for
// the delivery collaborator.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-backed notifier
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: util.GetLogger()}
}

// TicketIssued logs a ticket-issued notification intent
func (n *LogNotifier) TicketIssued(_ context.Context, event *models.TicketIssuedEvent) error {
	n.logger.Info("Notifying customer of issued ticket",
		zap.String("ticket_code", event.TicketCode),
		zap.String("email", event.CustomerEmail),
		zap.String("transaction_code", event.TransactionCode))
	return nil
}

// NotificationWorker consumes ticket lifecycle events and hands issued
// tickets to the notifier
type NotificationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(consumer *broker.Consumer, notifier Notifier) *NotificationWorker {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnTicketIssued(notifier.TicketIssued)

	return &NotificationWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
	}
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	log.Println("Starting notification worker...")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	log.Println("Stopping notification worker...")
	return w.consumer.Close()
}
