package models

import "time"

// Event types
const (
	EventTypeTransactionCreated  = "TRANSACTION_CREATED"
	EventTypePaymentSettled      = "PAYMENT_SETTLED"
	EventTypePaymentFailed       = "PAYMENT_FAILED"
	EventTypeTicketIssued        = "TICKET_ISSUED"
	EventTypeTicketRedeemed      = "TICKET_REDEEMED"
	EventTypeTransactionRefunded = "TRANSACTION_REFUNDED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// TransactionCreatedEvent published when a checkout assembles a transaction
type TransactionCreatedEvent struct {
	BaseEvent
	TransactionID   int64  `json:"transaction_id"`
	TransactionCode string `json:"transaction_code"`
	UserID          int64  `json:"user_id"`
	TotalAmount     int64  `json:"total_amount"`
	Currency        string `json:"currency"`
	ItemCount       int    `json:"item_count"`
}

// PaymentSettledEvent published when a gateway notification settles a payment
type PaymentSettledEvent struct {
	BaseEvent
	TransactionID   int64  `json:"transaction_id"`
	TransactionCode string `json:"transaction_code"`
	PaymentID       int64  `json:"payment_id"`
	Amount          int64  `json:"amount"`
	GatewayRef      string `json:"gateway_ref"`
}

// PaymentFailedEvent published when a notification maps to a failure
type PaymentFailedEvent struct {
	BaseEvent
	TransactionID   int64  `json:"transaction_id"`
	TransactionCode string `json:"transaction_code"`
	PaymentID       int64  `json:"payment_id"`
	ExternalStatus  string `json:"external_status"`
}

// TicketIssuedEvent published when a completed transaction generates a ticket
type TicketIssuedEvent struct {
	BaseEvent
	TicketID        int64  `json:"ticket_id"`
	TicketCode      string `json:"ticket_code"`
	TransactionID   int64  `json:"transaction_id"`
	TransactionCode string `json:"transaction_code"`
	UserID          int64  `json:"user_id"`
	CustomerEmail   string `json:"customer_email"`
	DetailCount     int    `json:"detail_count"`
}

// TicketRedeemedEvent published on every successful redemption
type TicketRedeemedEvent struct {
	BaseEvent
	TicketID     int64  `json:"ticket_id"`
	AttractionID int64  `json:"attraction_id"`
	Quantity     int    `json:"quantity"`
	Remaining    int    `json:"remaining"`
	TicketStatus string `json:"ticket_status"`
}

// TransactionRefundedEvent published on accepted full or partial refunds
type TransactionRefundedEvent struct {
	BaseEvent
	TransactionID   int64  `json:"transaction_id"`
	TransactionCode string `json:"transaction_code"`
	Amount          int64  `json:"amount"`
	Partial         bool   `json:"partial"`
	Reason          string `json:"reason"`
}
