package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"ticketing-service/internal/models"
	"ticketing-service/internal/store"
	"ticketing-service/internal/util"

	"go.uber.org/zap"
)

type refundStore interface {
	GetTransactionByID(ctx context.Context, id int64) (*models.Transaction, error)
	GetLatestPayment(ctx context.Context, transactionID int64) (*models.Payment, error)
	GetPaymentByID(ctx context.Context, id int64) (*models.Payment, error)
	GetTicketByTransactionID(ctx context.Context, transactionID int64) (*models.Ticket, error)
	GetTicketDetails(ctx context.Context, ticketID int64) ([]models.TicketDetail, error)
	ApplyRefund(ctx context.Context, upd *store.RefundUpdate) error
	UpdateTransactionStatus(ctx context.Context, id int64, status models.TransactionStatus, completedAt *time.Time) error
	UpdatePaymentStatus(ctx context.Context, id int64, status models.PaymentStatus, paidAt *time.Time, entry models.MetadataEntry) error
	CreateAuditLog(ctx context.Context, entry *models.AuditLog) error
}

type refundEvents interface {
	PublishTransactionRefunded(ctx context.Context, event *models.TransactionRefundedEvent) error
}

// RefundService enforces the cross-entity status transition graph and the
// refund rules across transaction, payment, and ticket.
type RefundService struct {
	store  refundStore
	events refundEvents
	logger *zap.Logger
}

// NewRefundService creates a new refund coordinator
func NewRefundService(store refundStore, events refundEvents) *RefundService {
	return &RefundService{
		store:  store,
		events: events,
		logger: util.GetLogger(),
	}
}

// ChangeTransactionStatus applies an admin transition on a transaction,
// enforcing the transition table and the reason requirement.
func (s *RefundService) ChangeTransactionStatus(ctx context.Context, id int64, next models.TransactionStatus, reason, actor string) error {
	txn, err := s.store.GetTransactionByID(ctx, id)
	if err != nil {
		return err
	}

	if !txn.Status.CanTransitionTo(next) {
		return models.NewConflictError(models.ConflictInvalidTransition,
			"transaction cannot move from %s to %s", txn.Status, next)
	}
	if next.RequiresReason() && reason == "" {
		return models.NewValidationError("a reason is required to move a transaction to %s", next)
	}

	var completedAt *time.Time
	if next == models.TransactionCompleted {
		now := time.Now()
		completedAt = &now
	}

	if err := s.store.UpdateTransactionStatus(ctx, id, next, completedAt); err != nil {
		return models.NewTransientError("update transaction status", err)
	}

	s.auditStatusChange(ctx, models.AuditTransactionStatus, models.AuditEntityTransaction,
		id, string(txn.Status), string(next), reason, actor)
	return nil
}

// ChangePaymentStatus applies an admin transition on a payment, appending the
// reason to the payment's metadata history.
func (s *RefundService) ChangePaymentStatus(ctx context.Context, id int64, next models.PaymentStatus, reason, actor string) error {
	payment, err := s.store.GetPaymentByID(ctx, id)
	if err != nil {
		return err
	}

	if !payment.Status.CanTransitionTo(next) {
		return models.NewConflictError(models.ConflictInvalidTransition,
			"payment cannot move from %s to %s", payment.Status, next)
	}
	if next.RequiresReason() && reason == "" {
		return models.NewValidationError("a reason is required to move a payment to %s", next)
	}

	var paidAt *time.Time
	if next == models.PaymentSettled {
		now := time.Now()
		paidAt = &now
	}

	note, _ := json.Marshal(map[string]string{
		"from": string(payment.Status), "to": string(next),
		"reason": reason, "actor": actor,
	})
	entry := models.MetadataEntry{At: time.Now(), Kind: "admin.status_change", Data: note}

	if err := s.store.UpdatePaymentStatus(ctx, id, next, paidAt, entry); err != nil {
		return models.NewTransientError("update payment status", err)
	}

	s.auditStatusChange(ctx, models.AuditPaymentStatus, models.AuditEntityPayment,
		id, string(payment.Status), string(next), reason, actor)
	return nil
}

// RefundRequest asks for a refund of a completed transaction. A nil Amount
// means a full refund; a set Amount is an explicit partial refund.
type RefundRequest struct {
	TransactionID int64
	Reason        string
	Amount        *int64
	Actor         string
}

// RefundResponse reports what the refund touched.
type RefundResponse struct {
	TransactionID int64                    `json:"transaction_id"`
	Amount        int64                    `json:"amount"`
	Partial       bool                     `json:"partial"`
	Status        models.TransactionStatus `json:"status"`
}

// Refund performs a full or partial refund. A full refund is rejected when
// any ledger row under the transaction's ticket has consumed quantity; the
// caller must then explicitly choose a partial amount. A full refund is never
// silently downgraded.
func (s *RefundService) Refund(ctx context.Context, req *RefundRequest) (*RefundResponse, error) {
	ctx, span := util.StartSpan(ctx, "RefundService.Refund")
	defer span.End()

	if req.Reason == "" {
		return nil, models.NewValidationError("a reason is required for a refund")
	}

	txn, err := s.store.GetTransactionByID(ctx, req.TransactionID)
	if err != nil {
		return nil, err
	}
	if txn.Status == models.TransactionRefunded {
		return nil, models.NewConflictError(models.ConflictAlreadyRefunded,
			"transaction %s is already refunded", txn.Code)
	}
	if !txn.Status.CanTransitionTo(models.TransactionRefunded) {
		return nil, models.NewConflictError(models.ConflictInvalidTransition,
			"transaction %s is %s and cannot be refunded", txn.Code, txn.Status)
	}

	payment, err := s.store.GetLatestPayment(ctx, txn.ID)
	if err != nil {
		return nil, err
	}
	if payment.Status != models.PaymentSettled {
		return nil, models.NewConflictError(models.ConflictInvalidTransition,
			"payment for %s is %s, only settled payments can be refunded", txn.Code, payment.Status)
	}

	ticket, err := s.store.GetTicketByTransactionID(ctx, txn.ID)
	if err != nil {
		return nil, models.NewTransientError("load ticket", err)
	}

	if req.Amount != nil {
		return s.partialRefund(ctx, txn, payment, req)
	}
	return s.fullRefund(ctx, txn, payment, ticket, req)
}

func (s *RefundService) fullRefund(ctx context.Context, txn *models.Transaction, payment *models.Payment, ticket *models.Ticket, req *RefundRequest) (*RefundResponse, error) {
	var ticketID int64
	if ticket != nil {
		details, err := s.store.GetTicketDetails(ctx, ticket.ID)
		if err != nil {
			return nil, models.NewTransientError("load ticket details", err)
		}
		for _, d := range details {
			if d.UsedQty > 0 {
				return nil, models.NewConflictError(models.ConflictPartialUse,
					"%d unit(s) of %s already redeemed, full refund is blocked; issue a partial refund instead",
					d.UsedQty, d.AttractionName)
			}
		}
		ticketID = ticket.ID
	}

	note, _ := json.Marshal(map[string]interface{}{
		"amount": payment.Amount, "reason": req.Reason, "actor": req.Actor,
	})
	upd := &store.RefundUpdate{
		TransactionID: txn.ID,
		PaymentID:     payment.ID,
		TicketID:      ticketID,
		MetadataEntry: models.MetadataEntry{At: time.Now(), Kind: "refund.full", Data: note},
	}
	if err := s.store.ApplyRefund(ctx, upd); err != nil {
		var conflict *models.ConflictError
		if errors.As(err, &conflict) {
			return nil, err
		}
		return nil, models.NewTransientError("apply refund", err)
	}

	util.RefundsTotal.WithLabelValues("full").Inc()
	s.auditRefund(ctx, txn, payment.Amount, false, req)
	s.publishRefund(ctx, txn, payment.Amount, false, req.Reason)

	return &RefundResponse{
		TransactionID: txn.ID,
		Amount:        payment.Amount,
		Partial:       false,
		Status:        models.TransactionRefunded,
	}, nil
}

func (s *RefundService) partialRefund(ctx context.Context, txn *models.Transaction, payment *models.Payment, req *RefundRequest) (*RefundResponse, error) {
	amount := *req.Amount
	if amount <= 0 {
		return nil, models.NewValidationError("partial refund amount must be positive")
	}
	if amount > payment.Amount {
		return nil, models.NewValidationError(
			"partial refund amount %d exceeds the amount paid (%d)", amount, payment.Amount)
	}

	note, _ := json.Marshal(map[string]interface{}{
		"amount": amount, "reason": req.Reason, "actor": req.Actor,
	})
	entry := models.MetadataEntry{At: time.Now(), Kind: "refund.partial", Data: note}

	// Partial refunds leave the transaction, payment status, and ticket
	// untouched; only the payment's metadata history records the refund.
	if err := s.store.UpdatePaymentStatus(ctx, payment.ID, payment.Status, nil, entry); err != nil {
		return nil, models.NewTransientError("record partial refund", err)
	}

	util.RefundsTotal.WithLabelValues("partial").Inc()
	s.auditRefund(ctx, txn, amount, true, req)
	s.publishRefund(ctx, txn, amount, true, req.Reason)

	return &RefundResponse{
		TransactionID: txn.ID,
		Amount:        amount,
		Partial:       true,
		Status:        txn.Status,
	}, nil
}

func (s *RefundService) auditStatusChange(ctx context.Context, action, entityType string, id int64, from, to, reason, actor string) {
	payload, _ := json.Marshal(map[string]string{
		"from": from, "to": to, "reason": reason,
	})
	entry := &models.AuditLog{
		Actor:      actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   id,
		Payload:    payload,
	}
	if err := s.store.CreateAuditLog(ctx, entry); err != nil {
		s.logger.Error("Failed to record status-change audit entry", zap.Error(err))
	}
}

func (s *RefundService) auditRefund(ctx context.Context, txn *models.Transaction, amount int64, partial bool, req *RefundRequest) {
	payload, _ := json.Marshal(map[string]interface{}{
		"amount": amount, "partial": partial, "reason": req.Reason,
	})
	entry := &models.AuditLog{
		Actor:      req.Actor,
		Action:     models.AuditTransactionRefunded,
		EntityType: models.AuditEntityTransaction,
		EntityID:   txn.ID,
		Payload:    payload,
	}
	if err := s.store.CreateAuditLog(ctx, entry); err != nil {
		s.logger.Error("Failed to record refund audit entry", zap.Error(err))
	}
}

func (s *RefundService) publishRefund(ctx context.Context, txn *models.Transaction, amount int64, partial bool, reason string) {
	event := &models.TransactionRefundedEvent{
		BaseEvent:       newBaseEvent(models.EventTypeTransactionRefunded),
		TransactionID:   txn.ID,
		TransactionCode: txn.Code,
		Amount:          amount,
		Partial:         partial,
		Reason:          reason,
	}
	if err := s.events.PublishTransactionRefunded(ctx, event); err != nil {
		s.logger.Error("Failed to publish TransactionRefunded event", zap.Error(err))
	}
}
