package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"ticketing-service/internal/gateway"
	"ticketing-service/internal/models"
	"ticketing-service/internal/store"
)

// memStore is an in-memory stand-in for store.Store with the same locking and
// re-check behavior, so service tests exercise the real decision paths.
type memStore struct {
	mu sync.Mutex

	nextID int64

	carts       map[int64]*models.Cart
	cartItems   map[int64][]models.CartItem
	attractions map[int64]models.Attraction

	transactions map[int64]*models.Transaction
	txnByCode    map[string]int64
	txnItems     map[int64][]models.TransactionItem
	payments     map[int64]*models.Payment
	tickets      map[int64]*models.Ticket
	ticketByTxn  map[int64]int64
	details      map[int64][]models.TicketDetail

	audits []models.AuditLog
}

func newMemStore() *memStore {
	return &memStore{
		carts:        make(map[int64]*models.Cart),
		cartItems:    make(map[int64][]models.CartItem),
		attractions:  make(map[int64]models.Attraction),
		transactions: make(map[int64]*models.Transaction),
		txnByCode:    make(map[string]int64),
		txnItems:     make(map[int64][]models.TransactionItem),
		payments:     make(map[int64]*models.Payment),
		tickets:      make(map[int64]*models.Ticket),
		ticketByTxn:  make(map[int64]int64),
		details:      make(map[int64][]models.TicketDetail),
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memStore) GetCartByUserID(_ context.Context, userID int64) (*models.Cart, []models.CartItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cart := range m.carts {
		if cart.UserID == userID {
			return cart, m.cartItems[cart.ID], nil
		}
	}
	return nil, nil, nil
}

func (m *memStore) GetAttractionsByIDs(_ context.Context, ids []int64) ([]models.Attraction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Attraction
	for _, id := range ids {
		if a, ok := m.attractions[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) CreateCheckout(_ context.Context, txn *models.Transaction, items []models.TransactionItem, payment *models.Payment, cartID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn.ID = m.id()
	txn.CreatedAt = time.Now()
	m.transactions[txn.ID] = txn
	m.txnByCode[txn.Code] = txn.ID

	for i := range items {
		items[i].ID = m.id()
		items[i].TransactionID = txn.ID
	}
	m.txnItems[txn.ID] = items

	payment.ID = m.id()
	payment.TransactionID = txn.ID
	payment.CreatedAt = time.Now()
	m.payments[payment.ID] = payment

	m.cartItems[cartID] = nil
	return nil
}

func (m *memStore) GetTransactionByCode(_ context.Context, code string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.txnByCode[code]
	if !ok {
		return nil, models.NewNotFoundError("transaction", code)
	}
	copied := *m.transactions[id]
	return &copied, nil
}

func (m *memStore) GetTransactionByID(_ context.Context, id int64) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.transactions[id]
	if !ok {
		return nil, models.NewNotFoundError("transaction", fmt.Sprintf("%d", id))
	}
	copied := *txn
	return &copied, nil
}

func (m *memStore) GetTransactionItems(_ context.Context, transactionID int64) ([]models.TransactionItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txnItems[transactionID], nil
}

func (m *memStore) GetLatestPayment(_ context.Context, transactionID int64) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.Payment
	for _, p := range m.payments {
		if p.TransactionID != transactionID {
			continue
		}
		if latest == nil || p.ID > latest.ID {
			latest = p
		}
	}
	if latest == nil {
		return nil, models.NewNotFoundError("payment", fmt.Sprintf("transaction %d", transactionID))
	}
	copied := *latest
	return &copied, nil
}

func (m *memStore) GetPaymentByID(_ context.Context, id int64) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, models.NewNotFoundError("payment", fmt.Sprintf("%d", id))
	}
	copied := *p
	return &copied, nil
}

func (m *memStore) GetTicketByScanCode(_ context.Context, scanCode string) (*models.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tickets {
		if t.ScanCode == scanCode {
			copied := *t
			return &copied, nil
		}
	}
	return nil, models.NewNotFoundError("ticket", scanCode)
}

func (m *memStore) GetTicketByID(_ context.Context, id int64) (*models.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return nil, models.NewNotFoundError("ticket", fmt.Sprintf("%d", id))
	}
	copied := *t
	return &copied, nil
}

func (m *memStore) GetTicketByTransactionID(_ context.Context, transactionID int64) (*models.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.ticketByTxn[transactionID]
	if !ok {
		return nil, nil
	}
	copied := *m.tickets[id]
	return &copied, nil
}

func (m *memStore) GetTicketDetails(_ context.Context, ticketID int64) ([]models.TicketDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.TicketDetail, len(m.details[ticketID]))
	copy(out, m.details[ticketID])
	return out, nil
}

func (m *memStore) ApplySettlement(_ context.Context, upd *store.SettlementUpdate) (bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := m.transactions[upd.TransactionID]
	if txn.Status != upd.ExpectedStatus {
		return false, false, nil
	}
	txn.Status = upd.TransactionStatus
	if upd.CompletedAt != nil {
		txn.CompletedAt = upd.CompletedAt
	}

	payment := m.payments[upd.PaymentID]
	payment.Status = upd.PaymentStatus
	if upd.PaidAt != nil {
		payment.PaidAt = upd.PaidAt
	}
	if upd.GatewayRef != "" {
		payment.GatewayRef = upd.GatewayRef
	}
	payment.Metadata = payment.Metadata.Append(upd.MetadataEntry)

	ticketCreated := false
	if upd.Ticket != nil {
		if _, exists := m.ticketByTxn[upd.TransactionID]; !exists {
			upd.Ticket.ID = m.id()
			m.tickets[upd.Ticket.ID] = upd.Ticket
			m.ticketByTxn[upd.TransactionID] = upd.Ticket.ID
			details := make([]models.TicketDetail, len(upd.TicketDetails))
			copy(details, upd.TicketDetails)
			for i := range details {
				details[i].ID = m.id()
				details[i].TicketID = upd.Ticket.ID
			}
			m.details[upd.Ticket.ID] = details
			ticketCreated = true
		}
	}
	return true, ticketCreated, nil
}

func (m *memStore) RedeemDetail(_ context.Context, ticketID, attractionID int64, ticketType string, quantity int, actor, idempotencyKey string) (*store.RedeemResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ticket, ok := m.tickets[ticketID]
	if !ok {
		return nil, models.NewNotFoundError("ticket", fmt.Sprintf("%d", ticketID))
	}
	if !ticket.Status.Redeemable() {
		return nil, models.NewConflictError(models.ConflictWrongStatus,
			"ticket %d is %s and cannot be redeemed", ticketID, ticket.Status)
	}

	details := m.details[ticketID]
	var matched []int
	for i := range details {
		if details[i].AttractionID != attractionID {
			continue
		}
		if ticketType != "" && details[i].TicketType != ticketType {
			continue
		}
		matched = append(matched, i)
	}
	if len(matched) == 0 {
		return nil, models.NewNotFoundError("ticket detail",
			fmt.Sprintf("ticket %d attraction %d", ticketID, attractionID))
	}
	if len(matched) > 1 {
		return nil, models.NewValidationError(
			"attraction %d has multiple ticket types on this ticket, ticket_type is required", attractionID)
	}
	detail := &details[matched[0]]

	if detail.RemainingQty < quantity {
		return nil, models.NewConflictError(models.ConflictInsufficientQuantity,
			"insufficient remaining tickets: remaining=%d, requested=%d",
			detail.RemainingQty, quantity)
	}

	detail.UsedQty += quantity
	detail.RemainingQty -= quantity

	totalRemaining := 0
	for _, d := range details {
		totalRemaining += d.RemainingQty
	}
	if totalRemaining == 0 {
		ticket.Status = models.TicketFullyUsed
	} else if ticket.Status == models.TicketActive {
		ticket.Status = models.TicketPartiallyUsed
	}
	now := time.Now()
	ticket.UsedCount += quantity
	ticket.UsedAt = &now

	result := &store.RedeemResult{
		TicketID:       ticketID,
		AttractionID:   attractionID,
		AttractionName: detail.AttractionName,
		Redeemed:       quantity,
		Remaining:      detail.RemainingQty,
		TicketStatus:   ticket.Status,
		UsedCount:      ticket.UsedCount,
		RedeemedAt:     now,
	}

	// Same unit of work as the decrement, like the real store.
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	m.audits = append(m.audits, models.AuditLog{
		ID:             m.id(),
		Actor:          actor,
		Action:         models.AuditTicketRedeemed,
		EntityType:     models.AuditEntityTicket,
		EntityID:       ticketID,
		IdempotencyKey: idempotencyKey,
		Payload:        payload,
		CreatedAt:      now,
	})

	return result, nil
}

func (m *memStore) ApplyRefund(_ context.Context, upd *store.RefundUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if upd.TicketID != 0 {
		usedSum := 0
		for _, d := range m.details[upd.TicketID] {
			usedSum += d.UsedQty
		}
		if usedSum > 0 {
			return models.NewConflictError(models.ConflictPartialUse,
				"ticket %d has %d redeemed units, full refund is blocked", upd.TicketID, usedSum)
		}
		m.tickets[upd.TicketID].Status = models.TicketRefunded
	}

	m.transactions[upd.TransactionID].Status = models.TransactionRefunded
	payment := m.payments[upd.PaymentID]
	payment.Status = models.PaymentRefunded
	payment.Metadata = payment.Metadata.Append(upd.MetadataEntry)
	return nil
}

func (m *memStore) UpdateTransactionStatus(_ context.Context, id int64, status models.TransactionStatus, completedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.transactions[id]
	if !ok {
		return models.NewNotFoundError("transaction", fmt.Sprintf("%d", id))
	}
	txn.Status = status
	if completedAt != nil {
		txn.CompletedAt = completedAt
	}
	return nil
}

func (m *memStore) UpdatePaymentStatus(_ context.Context, id int64, status models.PaymentStatus, paidAt *time.Time, entry models.MetadataEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return models.NewNotFoundError("payment", fmt.Sprintf("%d", id))
	}
	p.Status = status
	if paidAt != nil {
		p.PaidAt = paidAt
	}
	p.Metadata = p.Metadata.Append(entry)
	return nil
}

func (m *memStore) CreateAuditLog(_ context.Context, entry *models.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = m.id()
	entry.CreatedAt = time.Now()
	m.audits = append(m.audits, *entry)
	return nil
}

func (m *memStore) GetRedemptionAudit(_ context.Context, ticketID int64, idempotencyKey string, since time.Time) (*models.AuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.audits) - 1; i >= 0; i-- {
		e := m.audits[i]
		if e.Action == models.AuditTicketRedeemed && e.EntityID == ticketID &&
			e.IdempotencyKey == idempotencyKey && e.CreatedAt.After(since) {
			copied := e
			return &copied, nil
		}
	}
	return nil, nil
}

// memCache mimics the Redis claim script: one key is either absent, holding
// the in-flight marker, or holding a completed response payload.
type memCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

const memCacheMarker = "__IN_FLIGHT__"

func newMemCache() *memCache {
	return &memCache{entries: make(map[string][]byte)}
}

func (c *memCache) ClaimRedemption(_ context.Context, key string, _ time.Duration) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	val, ok := c.entries[key]
	if !ok {
		c.entries[key] = []byte(memCacheMarker)
		return nil, false, nil
	}
	if string(val) == memCacheMarker {
		return nil, true, nil
	}
	return val, false, nil
}

func (c *memCache) StoreRedemptionResult(_ context.Context, key string, payload []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = payload
	return nil
}

func (c *memCache) ReleaseRedemptionClaim(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if string(c.entries[key]) == memCacheMarker {
		delete(c.entries, key)
	}
	return nil
}

func (c *memCache) GetRedemptionResult(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	val, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if string(val) == memCacheMarker {
		return nil, true, nil
	}
	return val, false, nil
}

func (c *memCache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string][]byte)
}

// memEvents records every published lifecycle event.
type memEvents struct {
	mu        sync.Mutex
	created   []*models.TransactionCreatedEvent
	settled   []*models.PaymentSettledEvent
	failed    []*models.PaymentFailedEvent
	issued    []*models.TicketIssuedEvent
	redeemed  []*models.TicketRedeemedEvent
	refunded  []*models.TransactionRefundedEvent
}

func newMemEvents() *memEvents { return &memEvents{} }

func (e *memEvents) PublishTransactionCreated(_ context.Context, event *models.TransactionCreatedEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.created = append(e.created, event)
	return nil
}

func (e *memEvents) PublishPaymentSettled(_ context.Context, event *models.PaymentSettledEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settled = append(e.settled, event)
	return nil
}

func (e *memEvents) PublishPaymentFailed(_ context.Context, event *models.PaymentFailedEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failed = append(e.failed, event)
	return nil
}

func (e *memEvents) PublishTicketIssued(_ context.Context, event *models.TicketIssuedEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.issued = append(e.issued, event)
	return nil
}

func (e *memEvents) PublishTicketRedeemed(_ context.Context, event *models.TicketRedeemedEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.redeemed = append(e.redeemed, event)
	return nil
}

func (e *memEvents) PublishTransactionRefunded(_ context.Context, event *models.TransactionRefundedEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refunded = append(e.refunded, event)
	return nil
}

// memGateway is a canned payment-gateway collaborator. VerifyNotification
// parses without checking the signature; signature checks have their own tests
// against HTTPGateway.
type memGateway struct {
	initiateResult *gateway.InitiateResult
	initiateErr    error
}

func (g *memGateway) Initiate(_ context.Context, _ *gateway.InitiateRequest) (*gateway.InitiateResult, error) {
	if g.initiateErr != nil {
		return nil, g.initiateErr
	}
	if g.initiateResult != nil {
		return g.initiateResult, nil
	}
	return &gateway.InitiateResult{Token: "tok-test", RedirectURL: "https://pay.example/tok-test"}, nil
}

func (g *memGateway) VerifyNotification(raw []byte) (*gateway.Notification, error) {
	var payload struct {
		OrderID           string `json:"order_id"`
		TransactionStatus string `json:"transaction_status"`
		FraudStatus       string `json:"fraud_status"`
		TransactionID     string `json:"transaction_id"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, models.NewValidationError("malformed notification payload: %v", err)
	}
	return &gateway.Notification{
		OrderID:        payload.OrderID,
		ExternalStatus: payload.TransactionStatus,
		FraudFlag:      payload.FraudStatus,
		GatewayRef:     payload.TransactionID,
		Raw:            json.RawMessage(raw),
	}, nil
}
