package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ticketing-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// GetAttractionsByIDs retrieves multiple attractions by IDs
func (s *Store) GetAttractionsByIDs(ctx context.Context, ids []int64) ([]models.Attraction, error) {
	if len(ids) == 0 {
		return []models.Attraction{}, nil
	}

	query, args, err := sqlx.In("SELECT * FROM attractions WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var attractions []models.Attraction
	err = s.db.SelectContext(ctx, &attractions, query, args...)
	return attractions, err
}

// GetCartByUserID retrieves the user's cart with its items. An expired cart
// is emptied on the spot and returned with no items.
func (s *Store) GetCartByUserID(ctx context.Context, userID int64) (*models.Cart, []models.CartItem, error) {
	var cart models.Cart
	err := s.db.GetContext(ctx, &cart,
		"SELECT * FROM carts WHERE user_id = $1", userID)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	if time.Now().After(cart.ExpiresAt) {
		// Set-based delete: a concurrent request may have emptied it already,
		// zero rows affected is fine.
		if _, err := s.db.ExecContext(ctx,
			"DELETE FROM cart_items WHERE cart_id = $1", cart.ID); err != nil {
			return nil, nil, err
		}
		return &cart, []models.CartItem{}, nil
	}

	var items []models.CartItem
	err = s.db.SelectContext(ctx, &items,
		"SELECT * FROM cart_items WHERE cart_id = $1 ORDER BY id", cart.ID)
	if err != nil {
		return nil, nil, err
	}
	return &cart, items, nil
}

// CreateAuditLog appends an activity record
func (s *Store) CreateAuditLog(ctx context.Context, entry *models.AuditLog) error {
	query := `
		INSERT INTO audit_logs (actor, action, entity_type, entity_id, idempotency_key, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	return s.db.GetContext(ctx, entry, query,
		entry.Actor, entry.Action, entry.EntityType, entry.EntityID,
		entry.IdempotencyKey, entry.Payload)
}

// insertAuditTx appends an activity record inside an open unit of work, so
// the record commits or rolls back together with the change it describes.
func (s *Store) insertAuditTx(ctx context.Context, tx *sqlx.Tx, entry *models.AuditLog) error {
	query := `
		INSERT INTO audit_logs (actor, action, entity_type, entity_id, idempotency_key, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	if err := tx.GetContext(ctx, entry, query,
		entry.Actor, entry.Action, entry.EntityType, entry.EntityID,
		entry.IdempotencyKey, entry.Payload); err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}
	return nil
}

// GetRedemptionAudit looks up a prior redemption audit entry for the same
// ticket and idempotency key recorded after the given cutoff. Returns nil
// when there is none.
func (s *Store) GetRedemptionAudit(ctx context.Context, ticketID int64, idempotencyKey string, since time.Time) (*models.AuditLog, error) {
	var entry models.AuditLog
	err := s.db.GetContext(ctx, &entry, `
		SELECT * FROM audit_logs
		WHERE action = $1 AND entity_type = $2 AND entity_id = $3
		  AND idempotency_key = $4 AND created_at >= $5
		ORDER BY created_at DESC LIMIT 1`,
		models.AuditTicketRedeemed, models.AuditEntityTicket, ticketID,
		idempotencyKey, since)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}
