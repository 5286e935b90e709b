package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"ticketing-service/internal/models"

	"github.com/jmoiron/sqlx"
)

func (s *Store) insertTicketTx(ctx context.Context, tx *sqlx.Tx, ticket *models.Ticket, details []models.TicketDetail) error {
	query := `
		INSERT INTO tickets (transaction_id, code, scan_code, status, valid_from, valid_until, used_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`

	if err := tx.GetContext(ctx, ticket, query,
		ticket.TransactionID, ticket.Code, ticket.ScanCode, ticket.Status,
		ticket.ValidFrom, ticket.ValidUntil, ticket.UsedCount); err != nil {
		return fmt.Errorf("failed to create ticket: %w", err)
	}

	detailQuery := `
		INSERT INTO ticket_details (ticket_id, attraction_id, attraction_name, ticket_type, visit_date, total_qty, used_qty, remaining_qty)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	for i := range details {
		details[i].TicketID = ticket.ID
		if err := tx.GetContext(ctx, &details[i].ID, detailQuery,
			details[i].TicketID, details[i].AttractionID, details[i].AttractionName,
			details[i].TicketType, details[i].VisitDate, details[i].TotalQty,
			details[i].UsedQty, details[i].RemainingQty); err != nil {
			return fmt.Errorf("failed to create ticket detail: %w", err)
		}
	}

	return nil
}

// GetTicketByScanCode retrieves a ticket by its scannable code
func (s *Store) GetTicketByScanCode(ctx context.Context, scanCode string) (*models.Ticket, error) {
	var ticket models.Ticket
	err := s.db.GetContext(ctx, &ticket, "SELECT * FROM tickets WHERE scan_code = $1", scanCode)
	if err == sql.ErrNoRows {
		return nil, models.NewNotFoundError("ticket", scanCode)
	}
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

// GetTicketByID retrieves a ticket by ID
func (s *Store) GetTicketByID(ctx context.Context, id int64) (*models.Ticket, error) {
	var ticket models.Ticket
	err := s.db.GetContext(ctx, &ticket, "SELECT * FROM tickets WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, models.NewNotFoundError("ticket", fmt.Sprintf("%d", id))
	}
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

// GetTicketByTransactionID retrieves the ticket generated for a transaction.
// Returns nil without error when no ticket exists yet.
func (s *Store) GetTicketByTransactionID(ctx context.Context, transactionID int64) (*models.Ticket, error) {
	var ticket models.Ticket
	err := s.db.GetContext(ctx, &ticket,
		"SELECT * FROM tickets WHERE transaction_id = $1", transactionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

// GetTicketDetails retrieves the quantity ledger rows for a ticket
func (s *Store) GetTicketDetails(ctx context.Context, ticketID int64) ([]models.TicketDetail, error) {
	var details []models.TicketDetail
	err := s.db.SelectContext(ctx, &details,
		"SELECT * FROM ticket_details WHERE ticket_id = $1 ORDER BY id", ticketID)
	return details, err
}

// RedeemResult is the outcome of a successful ledger decrement. Its JSON
// form is the redemption audit payload, which idempotent replays are served
// from, so the tags line up with the scanner response.
type RedeemResult struct {
	TicketID       int64               `json:"ticket_id"`
	AttractionID   int64               `json:"attraction_id"`
	AttractionName string              `json:"attraction_name"`
	Redeemed       int                 `json:"redeemed"`
	Remaining      int                 `json:"remaining"`
	TicketStatus   models.TicketStatus `json:"ticket_status"`
	UsedCount      int                 `json:"used_count"`
	RedeemedAt     time.Time           `json:"redeemed_at"`
}

// RedeemDetail consumes quantity from one detail row under row-level locks.
// Ticket row first, then the detail row: the same order the refund path uses,
// so the two can never deadlock. Remaining quantity and ticket status are
// re-checked after the lock is held, which closes the lost-update race
// between two concurrent scanners. The ticket status is recomputed from the
// sum of remaining_qty across all sibling details, not just the row touched.
// The audit entry keyed by idempotencyKey commits with the decrement, so a
// redemption can never land without the record replays are answered from.
// ticketType may be empty when the attraction has a single detail row.
func (s *Store) RedeemDetail(ctx context.Context, ticketID, attractionID int64, ticketType string, quantity int, actor, idempotencyKey string) (*RedeemResult, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var ticket models.Ticket
	err = tx.GetContext(ctx, &ticket,
		"SELECT * FROM tickets WHERE id = $1 FOR UPDATE", ticketID)
	if err == sql.ErrNoRows {
		return nil, models.NewNotFoundError("ticket", fmt.Sprintf("%d", ticketID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock ticket: %w", err)
	}

	if !ticket.Status.Redeemable() {
		return nil, models.NewConflictError(models.ConflictWrongStatus,
			"ticket %d is %s and cannot be redeemed", ticketID, ticket.Status)
	}

	var candidates []models.TicketDetail
	err = tx.SelectContext(ctx, &candidates, `
		SELECT * FROM ticket_details
		WHERE ticket_id = $1 AND attraction_id = $2 AND ($3 = '' OR ticket_type = $3)
		ORDER BY id FOR UPDATE`,
		ticketID, attractionID, ticketType)
	if err != nil {
		return nil, fmt.Errorf("failed to lock ticket detail: %w", err)
	}
	if len(candidates) == 0 {
		return nil, models.NewNotFoundError("ticket detail",
			fmt.Sprintf("ticket %d attraction %d", ticketID, attractionID))
	}
	if len(candidates) > 1 {
		return nil, models.NewValidationError(
			"attraction %d has multiple ticket types on this ticket, ticket_type is required", attractionID)
	}
	detail := candidates[0]

	if detail.RemainingQty < quantity {
		return nil, models.NewConflictError(models.ConflictInsufficientQuantity,
			"insufficient remaining tickets: remaining=%d, requested=%d",
			detail.RemainingQty, quantity)
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		"UPDATE ticket_details SET used_qty = used_qty + $1, remaining_qty = remaining_qty - $1 WHERE id = $2",
		quantity, detail.ID); err != nil {
		return nil, fmt.Errorf("failed to update ticket detail: %w", err)
	}

	var totalRemaining int
	if err := tx.GetContext(ctx, &totalRemaining,
		"SELECT COALESCE(SUM(remaining_qty), 0) FROM ticket_details WHERE ticket_id = $1",
		ticketID); err != nil {
		return nil, fmt.Errorf("failed to sum remaining quantity: %w", err)
	}

	newStatus := ticket.Status
	if totalRemaining == 0 {
		newStatus = models.TicketFullyUsed
	} else if ticket.Status == models.TicketActive {
		newStatus = models.TicketPartiallyUsed
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE tickets SET status = $1, used_count = used_count + $2, used_at = $3, updated_at = NOW() WHERE id = $4",
		newStatus, quantity, now, ticketID); err != nil {
		return nil, fmt.Errorf("failed to update ticket: %w", err)
	}

	result := &RedeemResult{
		TicketID:       ticketID,
		AttractionID:   attractionID,
		AttractionName: detail.AttractionName,
		Redeemed:       quantity,
		Remaining:      detail.RemainingQty - quantity,
		TicketStatus:   newStatus,
		UsedCount:      ticket.UsedCount + quantity,
		RedeemedAt:     now,
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal redemption payload: %w", err)
	}
	entry := &models.AuditLog{
		Actor:          actor,
		Action:         models.AuditTicketRedeemed,
		EntityType:     models.AuditEntityTicket,
		EntityID:       ticketID,
		IdempotencyKey: idempotencyKey,
		Payload:        payload,
	}
	if err := s.insertAuditTx(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return result, nil
}

// RefundUpdate carries everything an accepted full refund changes.
type RefundUpdate struct {
	TransactionID int64
	PaymentID     int64
	TicketID      int64 // zero when no ticket was ever generated
	MetadataEntry models.MetadataEntry
}

// ApplyRefund flips the transaction, the settled payment, and the ticket (if
// any) to REFUNDED in one unit of work. The refund decision, including the
// partial-consumption guard, was made by the caller; the guard is re-checked
// here under the ticket lock so a scan racing the refund cannot slip through.
func (s *Store) ApplyRefund(ctx context.Context, upd *RefundUpdate) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE transactions SET status = $1, updated_at = NOW() WHERE id = $2",
		models.TransactionRefunded, upd.TransactionID); err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}

	var metadata models.MetadataHistory
	if err := tx.GetContext(ctx, &metadata,
		"SELECT metadata FROM payments WHERE id = $1 FOR UPDATE", upd.PaymentID); err != nil {
		return fmt.Errorf("failed to lock payment: %w", err)
	}
	metadata = metadata.Append(upd.MetadataEntry)

	if _, err := tx.ExecContext(ctx,
		"UPDATE payments SET status = $1, metadata = $2, updated_at = NOW() WHERE id = $3",
		models.PaymentRefunded, metadata, upd.PaymentID); err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}

	if upd.TicketID != 0 {
		var ticket models.Ticket
		if err := tx.GetContext(ctx, &ticket,
			"SELECT * FROM tickets WHERE id = $1 FOR UPDATE", upd.TicketID); err != nil {
			return fmt.Errorf("failed to lock ticket: %w", err)
		}

		var usedSum int
		if err := tx.GetContext(ctx, &usedSum,
			"SELECT COALESCE(SUM(used_qty), 0) FROM ticket_details WHERE ticket_id = $1",
			upd.TicketID); err != nil {
			return fmt.Errorf("failed to sum used quantity: %w", err)
		}
		if usedSum > 0 {
			return models.NewConflictError(models.ConflictPartialUse,
				"ticket %d has %d redeemed units, full refund is blocked", upd.TicketID, usedSum)
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE tickets SET status = $1, updated_at = NOW() WHERE id = $2",
			models.TicketRefunded, upd.TicketID); err != nil {
			return fmt.Errorf("failed to update ticket: %w", err)
		}
	}

	return tx.Commit()
}
