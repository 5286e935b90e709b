package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Attraction is catalog data owned by the catalog collaborator. The ticketing
// core only ever reads it.
type Attraction struct {
	ID        int64     `db:"id" json:"id"`
	Slug      string    `db:"slug" json:"slug"`
	Name      string    `db:"name" json:"name"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Cart holds a customer's pending selection. Expired carts are emptied lazily
// on the next read.
type Cart struct {
	ID        int64     `db:"id" json:"id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// CartItem carries the unit price captured when the item was added.
type CartItem struct {
	ID           int64     `db:"id" json:"id"`
	CartID       int64     `db:"cart_id" json:"cart_id"`
	AttractionID int64     `db:"attraction_id" json:"attraction_id"`
	TicketType   string    `db:"ticket_type" json:"ticket_type"`
	Quantity     int       `db:"quantity" json:"quantity"`
	VisitDate    time.Time `db:"visit_date" json:"visit_date"`
	UnitPrice    int64     `db:"unit_price" json:"unit_price"`
	TotalPrice   int64     `db:"total_price" json:"total_price"`
}

// Transaction is one checkout's monetary commitment record. Immutable after
// creation except for Status and CompletedAt.
type Transaction struct {
	ID            int64             `db:"id" json:"id"`
	Code          string            `db:"code" json:"code"`
	UserID        int64             `db:"user_id" json:"user_id"`
	TotalAmount   int64             `db:"total_amount" json:"total_amount"`
	Currency      string            `db:"currency" json:"currency"`
	CustomerName  string            `db:"customer_name" json:"customer_name"`
	CustomerEmail string            `db:"customer_email" json:"customer_email"`
	CustomerPhone string            `db:"customer_phone" json:"customer_phone"`
	Status        TransactionStatus `db:"status" json:"status"`
	CompletedAt   *time.Time        `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt     time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time         `db:"updated_at" json:"updated_at"`
}

// TransactionItem freezes the attraction snapshot and prices at checkout time.
// Later catalog edits never alter historical transactions.
type TransactionItem struct {
	ID             int64     `db:"id" json:"id"`
	TransactionID  int64     `db:"transaction_id" json:"transaction_id"`
	AttractionID   int64     `db:"attraction_id" json:"attraction_id"`
	AttractionName string    `db:"attraction_name" json:"attraction_name"`
	AttractionSlug string    `db:"attraction_slug" json:"attraction_slug"`
	TicketType     string    `db:"ticket_type" json:"ticket_type"`
	Quantity       int       `db:"quantity" json:"quantity"`
	VisitDate      time.Time `db:"visit_date" json:"visit_date"`
	UnitPrice      int64     `db:"unit_price" json:"unit_price"`
	TotalPrice     int64     `db:"total_price" json:"total_price"`
}

// Payment is one gateway-facing settlement attempt tied to a transaction. The
// reconciler treats the latest payment as authoritative.
type Payment struct {
	ID            int64           `db:"id" json:"id"`
	TransactionID int64           `db:"transaction_id" json:"transaction_id"`
	Amount        int64           `db:"amount" json:"amount"`
	Currency      string          `db:"currency" json:"currency"`
	Method        string          `db:"method" json:"method"`
	GatewayRef    string          `db:"gateway_ref" json:"gateway_ref,omitempty"`
	Metadata      MetadataHistory `db:"metadata" json:"metadata"`
	Status        PaymentStatus   `db:"status" json:"status"`
	PaidAt        *time.Time      `db:"paid_at" json:"paid_at,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// MetadataEntry is one timestamped record in a payment's metadata history.
type MetadataEntry struct {
	At   time.Time       `json:"at"`
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MetadataHistory is an append-only list of gateway payloads and admin notes.
// Entries are never rewritten or removed.
type MetadataHistory []MetadataEntry

// Value implements driver.Valuer so the history is stored as a jsonb column.
func (h MetadataHistory) Value() (driver.Value, error) {
	if h == nil {
		h = MetadataHistory{}
	}
	return json.Marshal(h)
}

// Scan implements sql.Scanner.
func (h *MetadataHistory) Scan(src interface{}) error {
	if src == nil {
		*h = MetadataHistory{}
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, h)
	case string:
		return json.Unmarshal([]byte(v), h)
	default:
		return fmt.Errorf("unsupported metadata source type %T", src)
	}
}

// Append returns the history with a new entry added. The receiver is not
// modified.
func (h MetadataHistory) Append(entry MetadataEntry) MetadataHistory {
	out := make(MetadataHistory, 0, len(h)+1)
	out = append(out, h...)
	return append(out, entry)
}

// Ticket is the redeemable artifact generated at most once per completed
// transaction (unique constraint on transaction_id).
type Ticket struct {
	ID            int64        `db:"id" json:"id"`
	TransactionID int64        `db:"transaction_id" json:"transaction_id"`
	Code          string       `db:"code" json:"code"`
	ScanCode      string       `db:"scan_code" json:"scan_code"`
	Status        TicketStatus `db:"status" json:"status"`
	ValidFrom     time.Time    `db:"valid_from" json:"valid_from"`
	ValidUntil    time.Time    `db:"valid_until" json:"valid_until"`
	UsedCount     int          `db:"used_count" json:"used_count"`
	UsedAt        *time.Time   `db:"used_at" json:"used_at,omitempty"`
	CreatedAt     time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at" json:"updated_at"`
}

// TicketDetail is the per-(attraction, ticket-type, visit-date) quantity
// ledger. Invariant after every mutation:
// UsedQty + RemainingQty == TotalQty, with both sides non-negative.
type TicketDetail struct {
	ID             int64     `db:"id" json:"id"`
	TicketID       int64     `db:"ticket_id" json:"ticket_id"`
	AttractionID   int64     `db:"attraction_id" json:"attraction_id"`
	AttractionName string    `db:"attraction_name" json:"attraction_name"`
	TicketType     string    `db:"ticket_type" json:"ticket_type"`
	VisitDate      time.Time `db:"visit_date" json:"visit_date"`
	TotalQty       int       `db:"total_qty" json:"total_qty"`
	UsedQty        int       `db:"used_qty" json:"used_qty"`
	RemainingQty   int       `db:"remaining_qty" json:"remaining_qty"`
}

// AuditLog is one append-only activity record. Redemption entries carry the
// idempotency key and the full response payload so duplicate scans can be
// served from the log.
type AuditLog struct {
	ID             int64           `db:"id" json:"id"`
	Actor          string          `db:"actor" json:"actor"`
	Action         string          `db:"action" json:"action"`
	EntityType     string          `db:"entity_type" json:"entity_type"`
	EntityID       int64           `db:"entity_id" json:"entity_id"`
	IdempotencyKey string          `db:"idempotency_key" json:"idempotency_key,omitempty"`
	Payload        json.RawMessage `db:"payload" json:"payload,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// Audit actions
const (
	AuditCheckoutCreated     = "checkout.created"
	AuditNotificationApplied = "payment.notification_applied"
	AuditTicketIssued        = "ticket.issued"
	AuditTicketValidated     = "ticket.validated"
	AuditTicketRedeemed      = "ticket.redeemed"
	AuditTransactionStatus   = "transaction.status_changed"
	AuditPaymentStatus       = "payment.status_changed"
	AuditTransactionRefunded = "transaction.refunded"
)

// Audit entity types
const (
	AuditEntityTransaction = "transaction"
	AuditEntityPayment     = "payment"
	AuditEntityTicket      = "ticket"
)
