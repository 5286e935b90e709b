package models

// TransactionStatus is the closed status vocabulary for transactions.
type TransactionStatus string

const (
	TransactionPending    TransactionStatus = "PENDING"
	TransactionProcessing TransactionStatus = "PROCESSING"
	TransactionCompleted  TransactionStatus = "COMPLETED"
	TransactionFailed     TransactionStatus = "FAILED"
	TransactionCancelled  TransactionStatus = "CANCELLED"
	TransactionRefunded   TransactionStatus = "REFUNDED"
)

// PaymentStatus is the closed status vocabulary for payments.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCaptured  PaymentStatus = "CAPTURED"
	PaymentSettled   PaymentStatus = "SETTLED"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentCancelled PaymentStatus = "CANCELLED"
	PaymentRefunded  PaymentStatus = "REFUNDED"
)

// TicketStatus is the closed status vocabulary for tickets.
type TicketStatus string

const (
	TicketActive        TicketStatus = "ACTIVE"
	TicketPartiallyUsed TicketStatus = "PARTIALLY_USED"
	TicketFullyUsed     TicketStatus = "FULLY_USED"
	TicketExpired       TicketStatus = "EXPIRED"
	TicketCancelled     TicketStatus = "CANCELLED"
	TicketRefunded      TicketStatus = "REFUNDED"
)

var transactionTransitions = map[TransactionStatus][]TransactionStatus{
	TransactionPending:    {TransactionProcessing, TransactionCancelled, TransactionFailed},
	TransactionProcessing: {TransactionCompleted, TransactionFailed, TransactionCancelled},
	TransactionCompleted:  {TransactionRefunded},
	TransactionFailed:     {TransactionProcessing},
	TransactionCancelled:  {},
	TransactionRefunded:   {},
}

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:   {PaymentCaptured, PaymentSettled, PaymentFailed, PaymentCancelled},
	PaymentCaptured:  {PaymentSettled, PaymentFailed, PaymentCancelled},
	PaymentSettled:   {PaymentRefunded},
	PaymentFailed:    {PaymentPending},
	PaymentCancelled: {},
	PaymentRefunded:  {},
}

var ticketTransitions = map[TicketStatus][]TicketStatus{
	TicketActive:        {TicketPartiallyUsed, TicketFullyUsed, TicketExpired, TicketCancelled, TicketRefunded},
	TicketPartiallyUsed: {TicketFullyUsed, TicketExpired, TicketCancelled, TicketRefunded},
	TicketFullyUsed:     {},
	TicketExpired:       {},
	TicketCancelled:     {},
	TicketRefunded:      {},
}

// CanTransitionTo reports whether next is a legal transition from s.
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	for _, allowed := range transactionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s TransactionStatus) Terminal() bool {
	return len(transactionTransitions[s]) == 0
}

// CanTransitionTo reports whether next is a legal transition from s.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	for _, allowed := range paymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s PaymentStatus) Terminal() bool {
	return len(paymentTransitions[s]) == 0
}

// CanTransitionTo reports whether next is a legal transition from s.
func (s TicketStatus) CanTransitionTo(next TicketStatus) bool {
	for _, allowed := range ticketTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Redeemable reports whether a ticket in this status may still be consumed.
func (s TicketStatus) Redeemable() bool {
	return s == TicketActive || s == TicketPartiallyUsed
}

// RequiresReason reports whether moving a transaction into this status needs
// a human-readable reason or admin note.
func (s TransactionStatus) RequiresReason() bool {
	return s == TransactionCancelled || s == TransactionFailed || s == TransactionRefunded
}

// RequiresReason reports whether moving a payment into this status needs a
// human-readable reason or admin note.
func (s PaymentStatus) RequiresReason() bool {
	return s == PaymentCancelled || s == PaymentFailed || s == PaymentRefunded
}
