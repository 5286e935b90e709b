package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"ticketing-service/internal/gateway"
	"ticketing-service/internal/models"
	"ticketing-service/internal/store"
	"ticketing-service/internal/util"

	"go.uber.org/zap"
)

type reconcilerStore interface {
	GetTransactionByCode(ctx context.Context, code string) (*models.Transaction, error)
	GetTransactionItems(ctx context.Context, transactionID int64) ([]models.TransactionItem, error)
	GetLatestPayment(ctx context.Context, transactionID int64) (*models.Payment, error)
	ApplySettlement(ctx context.Context, upd *store.SettlementUpdate) (bool, bool, error)
	CreateAuditLog(ctx context.Context, entry *models.AuditLog) error
}

type reconcilerEvents interface {
	PublishPaymentSettled(ctx context.Context, event *models.PaymentSettledEvent) error
	PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error
	PublishTicketIssued(ctx context.Context, event *models.TicketIssuedEvent) error
}

// Reconciler applies asynchronous gateway notifications to the internal
// payment/transaction status machine and triggers ticket generation exactly
// once per transaction.
type Reconciler struct {
	store    reconcilerStore
	gateway  gateway.Gateway
	events   reconcilerEvents
	logger   *zap.Logger
	policy   TicketPolicy
	inflight *inflightGroup
}

// NewReconciler creates a new payment reconciler
func NewReconciler(store reconcilerStore, gw gateway.Gateway, events reconcilerEvents, policy TicketPolicy) *Reconciler {
	return &Reconciler{
		store:    store,
		gateway:  gw,
		events:   events,
		logger:   util.GetLogger(),
		policy:   policy,
		inflight: newInflightGroup(),
	}
}

// mapNotification translates the gateway vocabulary into internal statuses.
// An empty transaction status means the transaction is left unchanged.
func mapNotification(externalStatus, fraudFlag string) (models.PaymentStatus, models.TransactionStatus) {
	switch externalStatus {
	case gateway.StatusCapture, gateway.StatusSettlement:
		switch fraudFlag {
		case gateway.FraudChallenge:
			return models.PaymentPending, ""
		case gateway.FraudAccept, "":
			return models.PaymentSettled, models.TransactionCompleted
		default:
			return models.PaymentFailed, models.TransactionFailed
		}
	case gateway.StatusPending:
		return models.PaymentPending, ""
	case gateway.StatusDeny, gateway.StatusExpire, gateway.StatusFailure:
		return models.PaymentFailed, models.TransactionFailed
	case gateway.StatusCancel:
		return models.PaymentCancelled, models.TransactionCancelled
	default:
		return models.PaymentPending, ""
	}
}

// canApply reports whether the mapped status is a forward move from the
// current one. Terminal statuses never regress; a stale "pending" after a
// settlement is dropped. FAILED may still move to COMPLETED or CANCELLED
// because the gateway allows the customer to retry a declined payment.
func canApply(current, next models.TransactionStatus) bool {
	if next == "" || next == current {
		return false
	}
	switch current {
	case models.TransactionPending, models.TransactionProcessing:
		return next == models.TransactionCompleted ||
			next == models.TransactionFailed ||
			next == models.TransactionCancelled
	case models.TransactionFailed:
		return next == models.TransactionCompleted ||
			next == models.TransactionCancelled
	default:
		return false
	}
}

// HandleNotification verifies and applies one inbound gateway notification.
// Replays and out-of-order deliveries are no-ops; an unknown order id is
// acknowledged without action so the gateway stops retrying it. Storage
// failures surface as TransientError so the gateway retries.
func (r *Reconciler) HandleNotification(ctx context.Context, raw []byte) error {
	ctx, span := util.StartSpan(ctx, "Reconciler.HandleNotification")
	defer span.End()

	notification, err := r.gateway.VerifyNotification(raw)
	if err != nil {
		util.NotificationsTotal.WithLabelValues("rejected").Inc()
		return err
	}

	// Concurrent duplicate notifications for one order run one at a time;
	// the loser re-reads state and no-ops.
	release := r.inflight.lock(notification.OrderID)
	defer release()

	txn, err := r.store.GetTransactionByCode(ctx, notification.OrderID)
	if err != nil {
		var notFound *models.NotFoundError
		if errors.As(err, &notFound) {
			r.logger.Warn("Notification for unknown order, acknowledging without action",
				zap.String("order_id", notification.OrderID))
			util.NotificationsTotal.WithLabelValues("unknown_order").Inc()
			return nil
		}
		return models.NewTransientError("load transaction", err)
	}

	payStatus, txnStatus := mapNotification(notification.ExternalStatus, notification.FraudFlag)
	if !canApply(txn.Status, txnStatus) {
		r.logger.Info("Notification is a no-op",
			zap.String("order_id", notification.OrderID),
			zap.String("current", string(txn.Status)),
			zap.String("external", notification.ExternalStatus))
		util.NotificationsTotal.WithLabelValues("noop").Inc()
		return nil
	}

	payment, err := r.store.GetLatestPayment(ctx, txn.ID)
	if err != nil {
		return models.NewTransientError("load payment", err)
	}

	now := time.Now()
	upd := &store.SettlementUpdate{
		TransactionID:     txn.ID,
		ExpectedStatus:    txn.Status,
		TransactionStatus: txnStatus,
		PaymentID:         payment.ID,
		PaymentStatus:     payStatus,
		GatewayRef:        notification.GatewayRef,
		MetadataEntry: models.MetadataEntry{
			At:   now,
			Kind: "gateway.notification",
			Data: notification.Raw,
		},
	}
	if txnStatus == models.TransactionCompleted {
		upd.CompletedAt = &now
	}
	if payStatus == models.PaymentSettled {
		upd.PaidAt = &now
	}

	var ticket *models.Ticket
	var details []models.TicketDetail
	if txnStatus == models.TransactionCompleted {
		items, err := r.store.GetTransactionItems(ctx, txn.ID)
		if err != nil {
			return models.NewTransientError("load transaction items", err)
		}
		ticket, details, err = BuildTicket(txn, items, r.policy, now)
		if err != nil {
			return err
		}
		upd.Ticket = ticket
		upd.TicketDetails = details
	}

	applied, ticketCreated, err := r.store.ApplySettlement(ctx, upd)
	if err != nil {
		util.NotificationsTotal.WithLabelValues("error").Inc()
		return models.NewTransientError("apply settlement", err)
	}
	if !applied {
		// Another instance moved the transaction between our read and the
		// update. Our decision was based on a stale status; acknowledge
		// without acting, the winner already recorded the outcome.
		r.logger.Info("Notification lost the settlement race, acknowledging without action",
			zap.String("order_id", notification.OrderID),
			zap.String("stale_status", string(txn.Status)))
		util.NotificationsTotal.WithLabelValues("noop").Inc()
		return nil
	}
	if !ticketCreated {
		// A concurrent duplicate in another process won the insert race.
		ticket, details = nil, nil
	}

	util.NotificationsTotal.WithLabelValues("applied").Inc()
	r.logger.Info("Notification applied",
		zap.String("order_id", notification.OrderID),
		zap.String("transaction_status", string(txnStatus)),
		zap.String("payment_status", string(payStatus)))

	r.audit(ctx, txn, notification, txnStatus, payStatus)
	r.publish(ctx, txn, payment, notification, txnStatus, ticket, details)

	return nil
}

func (r *Reconciler) audit(ctx context.Context, txn *models.Transaction, n *gateway.Notification, txnStatus models.TransactionStatus, payStatus models.PaymentStatus) {
	payload, _ := json.Marshal(map[string]interface{}{
		"external_status":    n.ExternalStatus,
		"fraud_flag":         n.FraudFlag,
		"transaction_status": txnStatus,
		"payment_status":     payStatus,
	})
	entry := &models.AuditLog{
		Actor:      "gateway",
		Action:     models.AuditNotificationApplied,
		EntityType: models.AuditEntityTransaction,
		EntityID:   txn.ID,
		Payload:    payload,
	}
	if err := r.store.CreateAuditLog(ctx, entry); err != nil {
		r.logger.Error("Failed to record notification audit entry", zap.Error(err))
	}
}

func (r *Reconciler) publish(ctx context.Context, txn *models.Transaction, payment *models.Payment, n *gateway.Notification, txnStatus models.TransactionStatus, ticket *models.Ticket, details []models.TicketDetail) {
	if txnStatus != models.TransactionCompleted {
		failed := &models.PaymentFailedEvent{
			BaseEvent:       newBaseEvent(models.EventTypePaymentFailed),
			TransactionID:   txn.ID,
			TransactionCode: txn.Code,
			PaymentID:       payment.ID,
			ExternalStatus:  n.ExternalStatus,
		}
		if err := r.events.PublishPaymentFailed(ctx, failed); err != nil {
			r.logger.Error("Failed to publish PaymentFailed event", zap.Error(err))
		}
		return
	}

	settled := &models.PaymentSettledEvent{
		BaseEvent:       newBaseEvent(models.EventTypePaymentSettled),
		TransactionID:   txn.ID,
		TransactionCode: txn.Code,
		PaymentID:       payment.ID,
		Amount:          payment.Amount,
		GatewayRef:      n.GatewayRef,
	}
	if err := r.events.PublishPaymentSettled(ctx, settled); err != nil {
		r.logger.Error("Failed to publish PaymentSettled event", zap.Error(err))
	}

	if ticket == nil {
		return
	}

	util.TicketsIssuedTotal.Inc()
	issued := &models.TicketIssuedEvent{
		BaseEvent:       newBaseEvent(models.EventTypeTicketIssued),
		TicketID:        ticket.ID,
		TicketCode:      ticket.Code,
		TransactionID:   txn.ID,
		TransactionCode: txn.Code,
		UserID:          txn.UserID,
		CustomerEmail:   txn.CustomerEmail,
		DetailCount:     len(details),
	}
	if err := r.events.PublishTicketIssued(ctx, issued); err != nil {
		r.logger.Error("Failed to publish TicketIssued event", zap.Error(err))
	}
}
