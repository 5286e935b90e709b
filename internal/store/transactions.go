package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ticketing-service/internal/models"
)

// CreateCheckout atomically creates the transaction, its items, and the
// pending payment, then clears the cart. One unit of work: either the whole
// checkout lands or none of it does.
func (s *Store) CreateCheckout(ctx context.Context, txn *models.Transaction, items []models.TransactionItem, payment *models.Payment, cartID int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO transactions (code, user_id, total_amount, currency, customer_name, customer_email, customer_phone, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`

	if err := tx.GetContext(ctx, txn, query,
		txn.Code, txn.UserID, txn.TotalAmount, txn.Currency,
		txn.CustomerName, txn.CustomerEmail, txn.CustomerPhone, txn.Status); err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}

	itemQuery := `
		INSERT INTO transaction_items (transaction_id, attraction_id, attraction_name, attraction_slug, ticket_type, quantity, visit_date, unit_price, total_price)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	for i := range items {
		items[i].TransactionID = txn.ID
		if err := tx.GetContext(ctx, &items[i].ID, itemQuery,
			items[i].TransactionID, items[i].AttractionID, items[i].AttractionName,
			items[i].AttractionSlug, items[i].TicketType, items[i].Quantity,
			items[i].VisitDate, items[i].UnitPrice, items[i].TotalPrice); err != nil {
			return fmt.Errorf("failed to create transaction item: %w", err)
		}
	}

	payment.TransactionID = txn.ID
	paymentQuery := `
		INSERT INTO payments (transaction_id, amount, currency, method, gateway_ref, metadata, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`

	if err := tx.GetContext(ctx, payment, paymentQuery,
		payment.TransactionID, payment.Amount, payment.Currency, payment.Method,
		payment.GatewayRef, payment.Metadata, payment.Status); err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM cart_items WHERE cart_id = $1", cartID); err != nil {
		return fmt.Errorf("failed to clear cart: %w", err)
	}

	return tx.Commit()
}

// GetTransactionByCode retrieves a transaction by its human-readable code
func (s *Store) GetTransactionByCode(ctx context.Context, code string) (*models.Transaction, error) {
	var txn models.Transaction
	err := s.db.GetContext(ctx, &txn, "SELECT * FROM transactions WHERE code = $1", code)
	if err == sql.ErrNoRows {
		return nil, models.NewNotFoundError("transaction", code)
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// GetTransactionByID retrieves a transaction by ID
func (s *Store) GetTransactionByID(ctx context.Context, id int64) (*models.Transaction, error) {
	var txn models.Transaction
	err := s.db.GetContext(ctx, &txn, "SELECT * FROM transactions WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, models.NewNotFoundError("transaction", fmt.Sprintf("%d", id))
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// GetTransactionItems retrieves all items for a transaction in insert order
func (s *Store) GetTransactionItems(ctx context.Context, transactionID int64) ([]models.TransactionItem, error) {
	var items []models.TransactionItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM transaction_items WHERE transaction_id = $1 ORDER BY id", transactionID)
	return items, err
}

// GetLatestPayment retrieves the most recent payment for a transaction. The
// reconciler treats the latest payment as authoritative.
func (s *Store) GetLatestPayment(ctx context.Context, transactionID int64) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment,
		"SELECT * FROM payments WHERE transaction_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1", transactionID)
	if err == sql.ErrNoRows {
		return nil, models.NewNotFoundError("payment", fmt.Sprintf("transaction %d", transactionID))
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// GetPaymentByID retrieves a payment by ID
func (s *Store) GetPaymentByID(ctx context.Context, id int64) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment, "SELECT * FROM payments WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, models.NewNotFoundError("payment", fmt.Sprintf("%d", id))
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// SettlementUpdate carries everything one gateway notification changes.
// ExpectedStatus is the transaction status the caller based its decision on;
// the update is applied only while the row still holds it.
type SettlementUpdate struct {
	TransactionID     int64
	ExpectedStatus    models.TransactionStatus
	TransactionStatus models.TransactionStatus
	CompletedAt       *time.Time
	PaymentID         int64
	PaymentStatus     models.PaymentStatus
	PaidAt            *time.Time
	GatewayRef        string
	MetadataEntry     models.MetadataEntry
	Ticket            *models.Ticket
	TicketDetails     []models.TicketDetail
}

// ApplySettlement applies one reconciled gateway notification in a single
// unit of work: transaction status, payment status with the raw payload
// appended to its metadata history, and, when the transaction newly became
// COMPLETED, the generated ticket with its detail ledger. The transaction
// update is compare-and-set on ExpectedStatus so an instance acting on a
// stale read cannot regress a status another instance already advanced;
// zero rows affected means the caller lost the race and nothing is applied.
// Ticket existence is re-checked inside the transaction to close the race
// with a concurrent duplicate notification; the unique constraint on
// tickets.transaction_id is the final guard. Returns whether the update was
// applied and whether the ticket was created by this call.
func (s *Store) ApplySettlement(ctx context.Context, upd *SettlementUpdate) (bool, bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE transactions SET status = $1, completed_at = COALESCE($2, completed_at), updated_at = NOW() WHERE id = $3 AND status = $4",
		upd.TransactionStatus, upd.CompletedAt, upd.TransactionID, upd.ExpectedStatus)
	if err != nil {
		return false, false, fmt.Errorf("failed to update transaction status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if rows == 0 {
		return false, false, nil
	}

	var metadata models.MetadataHistory
	if err := tx.GetContext(ctx, &metadata,
		"SELECT metadata FROM payments WHERE id = $1 FOR UPDATE", upd.PaymentID); err != nil {
		return false, false, fmt.Errorf("failed to lock payment: %w", err)
	}
	metadata = metadata.Append(upd.MetadataEntry)

	if _, err := tx.ExecContext(ctx,
		`UPDATE payments SET status = $1, paid_at = COALESCE($2, paid_at),
		 gateway_ref = CASE WHEN $3 <> '' THEN $3 ELSE gateway_ref END,
		 metadata = $4, updated_at = NOW() WHERE id = $5`,
		upd.PaymentStatus, upd.PaidAt, upd.GatewayRef, metadata, upd.PaymentID); err != nil {
		return false, false, fmt.Errorf("failed to update payment: %w", err)
	}

	ticketCreated := false
	if upd.Ticket != nil {
		var exists bool
		if err := tx.GetContext(ctx, &exists,
			"SELECT EXISTS(SELECT 1 FROM tickets WHERE transaction_id = $1)",
			upd.TransactionID); err != nil {
			return false, false, fmt.Errorf("failed to check existing ticket: %w", err)
		}
		if !exists {
			if err := s.insertTicketTx(ctx, tx, upd.Ticket, upd.TicketDetails); err != nil {
				return false, false, err
			}
			ticketCreated = true
		}
	}

	if err := tx.Commit(); err != nil {
		return false, false, err
	}
	return true, ticketCreated, nil
}

// UpdateTransactionStatus updates a transaction's status (admin path; the
// caller has already checked the transition table)
func (s *Store) UpdateTransactionStatus(ctx context.Context, id int64, status models.TransactionStatus, completedAt *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE transactions SET status = $1, completed_at = COALESCE($2, completed_at), updated_at = NOW() WHERE id = $3",
		status, completedAt, id)
	return err
}

// UpdatePaymentStatus updates a payment's status and appends a metadata entry
// under a row lock so concurrent appends never lose history.
func (s *Store) UpdatePaymentStatus(ctx context.Context, id int64, status models.PaymentStatus, paidAt *time.Time, entry models.MetadataEntry) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var metadata models.MetadataHistory
	if err := tx.GetContext(ctx, &metadata,
		"SELECT metadata FROM payments WHERE id = $1 FOR UPDATE", id); err != nil {
		if err == sql.ErrNoRows {
			return models.NewNotFoundError("payment", fmt.Sprintf("%d", id))
		}
		return fmt.Errorf("failed to lock payment: %w", err)
	}
	metadata = metadata.Append(entry)

	if _, err := tx.ExecContext(ctx,
		"UPDATE payments SET status = $1, paid_at = COALESCE($2, paid_at), metadata = $3, updated_at = NOW() WHERE id = $4",
		status, paidAt, metadata, id); err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}

	return tx.Commit()
}
