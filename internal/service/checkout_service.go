package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ticketing-service/internal/gateway"
	"ticketing-service/internal/models"
	"ticketing-service/internal/util"

	"go.uber.org/zap"
)

type checkoutStore interface {
	GetCartByUserID(ctx context.Context, userID int64) (*models.Cart, []models.CartItem, error)
	GetAttractionsByIDs(ctx context.Context, ids []int64) ([]models.Attraction, error)
	CreateCheckout(ctx context.Context, txn *models.Transaction, items []models.TransactionItem, payment *models.Payment, cartID int64) error
	CreateAuditLog(ctx context.Context, entry *models.AuditLog) error
	GetTransactionByCode(ctx context.Context, code string) (*models.Transaction, error)
	GetTransactionItems(ctx context.Context, transactionID int64) ([]models.TransactionItem, error)
	GetLatestPayment(ctx context.Context, transactionID int64) (*models.Payment, error)
	GetTicketByTransactionID(ctx context.Context, transactionID int64) (*models.Ticket, error)
}

type checkoutEvents interface {
	PublishTransactionCreated(ctx context.Context, event *models.TransactionCreatedEvent) error
}

// CheckoutService turns a shopping cart into an immutable purchase
// transaction with a pending payment.
type CheckoutService struct {
	store          checkoutStore
	gateway        gateway.Gateway
	events         checkoutEvents
	logger         *zap.Logger
	currency       string
	cartItemCap    int
	gatewayTimeout time.Duration
}

// NewCheckoutService creates a new checkout service
func NewCheckoutService(store checkoutStore, gw gateway.Gateway, events checkoutEvents, currency string, cartItemCap int, gatewayTimeout time.Duration) *CheckoutService {
	return &CheckoutService{
		store:          store,
		gateway:        gw,
		events:         events,
		logger:         util.GetLogger(),
		currency:       currency,
		cartItemCap:    cartItemCap,
		gatewayTimeout: gatewayTimeout,
	}
}

// CheckoutRequest carries the authenticated customer and the contact
// snapshot frozen into the transaction.
type CheckoutRequest struct {
	UserID        int64  `json:"user_id" binding:"required"`
	CustomerName  string `json:"customer_name" binding:"required"`
	CustomerEmail string `json:"customer_email" binding:"required,email"`
	CustomerPhone string `json:"customer_phone"`
	PaymentMethod string `json:"payment_method"`
}

// CheckoutResponse is returned after the transaction is committed. Token and
// RedirectURL are empty when payment initiation failed; the transaction is
// still PENDING and initiation may be retried.
type CheckoutResponse struct {
	TransactionID   int64                    `json:"transaction_id"`
	TransactionCode string                   `json:"transaction_code"`
	TotalAmount     int64                    `json:"total_amount"`
	Currency        string                   `json:"currency"`
	Status          models.TransactionStatus `json:"status"`
	PaymentToken    string                   `json:"payment_token,omitempty"`
	RedirectURL     string                   `json:"redirect_url,omitempty"`
}

// Checkout validates the cart and atomically creates the transaction, its
// frozen line items, and a pending payment, then clears the cart. The
// outbound payment-initiation call runs after commit under a bounded
// timeout: when it fails the response is returned together with an
// ExternalServiceError and the transaction stays PENDING, because the
// reconciler, not this call, is the source of truth for payment success.
func (s *CheckoutService) Checkout(ctx context.Context, req *CheckoutRequest) (*CheckoutResponse, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.Checkout")
	defer span.End()

	cart, items, err := s.store.GetCartByUserID(ctx, req.UserID)
	if err != nil {
		return nil, models.NewTransientError("load cart", err)
	}
	if cart == nil {
		util.CheckoutsFailedTotal.WithLabelValues("no_cart").Inc()
		return nil, models.NewValidationError("cart is empty")
	}
	if time.Now().After(cart.ExpiresAt) {
		util.CheckoutsFailedTotal.WithLabelValues("cart_expired").Inc()
		return nil, models.NewValidationError("cart has expired")
	}
	if len(items) == 0 {
		util.CheckoutsFailedTotal.WithLabelValues("empty_cart").Inc()
		return nil, models.NewValidationError("cart is empty")
	}

	totalQty := 0
	for _, item := range items {
		totalQty += item.Quantity
	}
	if totalQty > s.cartItemCap {
		util.CheckoutsFailedTotal.WithLabelValues("over_cap").Inc()
		return nil, models.NewValidationError("cart holds %d tickets, the maximum is %d", totalQty, s.cartItemCap)
	}

	attractions, err := s.activeAttractions(ctx, items)
	if err != nil {
		return nil, err
	}

	var totalAmount int64
	for _, item := range items {
		totalAmount += item.TotalPrice
	}

	now := time.Now()
	code, err := generateCode("TRX", now)
	if err != nil {
		return nil, err
	}

	txn := &models.Transaction{
		Code:          code,
		UserID:        req.UserID,
		TotalAmount:   totalAmount,
		Currency:      s.currency,
		CustomerName:  req.CustomerName,
		CustomerEmail: req.CustomerEmail,
		CustomerPhone: req.CustomerPhone,
		Status:        models.TransactionPending,
	}

	txnItems := make([]models.TransactionItem, 0, len(items))
	for _, item := range items {
		attraction := attractions[item.AttractionID]
		txnItems = append(txnItems, models.TransactionItem{
			AttractionID:   item.AttractionID,
			AttractionName: attraction.Name,
			AttractionSlug: attraction.Slug,
			TicketType:     item.TicketType,
			Quantity:       item.Quantity,
			VisitDate:      item.VisitDate,
			UnitPrice:      item.UnitPrice,
			TotalPrice:     item.TotalPrice,
		})
	}

	payment := &models.Payment{
		Amount:   totalAmount,
		Currency: s.currency,
		Method:   req.PaymentMethod,
		Metadata: models.MetadataHistory{},
		Status:   models.PaymentPending,
	}

	if err := s.store.CreateCheckout(ctx, txn, txnItems, payment, cart.ID); err != nil {
		util.CheckoutsFailedTotal.WithLabelValues("db_error").Inc()
		return nil, models.NewTransientError("create checkout", err)
	}

	util.CheckoutsTotal.Inc()
	s.logger.Info("Checkout assembled",
		zap.Int64("transaction_id", txn.ID),
		zap.String("code", txn.Code),
		zap.Int64("total_amount", totalAmount))

	s.audit(ctx, txn)
	s.publishCreated(ctx, txn, len(txnItems))

	resp := &CheckoutResponse{
		TransactionID:   txn.ID,
		TransactionCode: txn.Code,
		TotalAmount:     totalAmount,
		Currency:        s.currency,
		Status:          models.TransactionPending,
	}

	initiateCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()

	result, err := s.gateway.Initiate(initiateCtx, s.initiateRequest(txn, txnItems))
	if err != nil {
		s.logger.Warn("Payment initiation failed, transaction stays pending",
			zap.String("code", txn.Code), zap.Error(err))
		return resp, models.NewExternalServiceError("payment gateway", err)
	}
	resp.PaymentToken = result.Token
	resp.RedirectURL = result.RedirectURL

	return resp, nil
}

// activeAttractions loads the referenced attractions and rejects the checkout
// when any is missing or inactive, naming each offender by id and name.
func (s *CheckoutService) activeAttractions(ctx context.Context, items []models.CartItem) (map[int64]models.Attraction, error) {
	idSet := make(map[int64]struct{})
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		if _, seen := idSet[item.AttractionID]; !seen {
			idSet[item.AttractionID] = struct{}{}
			ids = append(ids, item.AttractionID)
		}
	}

	attractions, err := s.store.GetAttractionsByIDs(ctx, ids)
	if err != nil {
		return nil, models.NewTransientError("load attractions", err)
	}

	byID := make(map[int64]models.Attraction, len(attractions))
	for _, a := range attractions {
		byID[a.ID] = a
	}

	var inactive []string
	for _, id := range ids {
		a, found := byID[id]
		if !found {
			inactive = append(inactive, fmt.Sprintf("%d (unknown)", id))
		} else if !a.Active {
			inactive = append(inactive, fmt.Sprintf("%d (%s)", a.ID, a.Name))
		}
	}
	if len(inactive) > 0 {
		util.CheckoutsFailedTotal.WithLabelValues("inactive_attraction").Inc()
		return nil, models.NewValidationError("attractions no longer available: %s", strings.Join(inactive, ", "))
	}

	return byID, nil
}

func (s *CheckoutService) initiateRequest(txn *models.Transaction, items []models.TransactionItem) *gateway.InitiateRequest {
	gwItems := make([]gateway.InitiateItem, 0, len(items))
	for _, item := range items {
		gwItems = append(gwItems, gateway.InitiateItem{
			Name:     fmt.Sprintf("%s (%s)", item.AttractionName, item.TicketType),
			Quantity: item.Quantity,
			Price:    item.UnitPrice,
		})
	}
	return &gateway.InitiateRequest{
		OrderID:       txn.Code,
		Amount:        txn.TotalAmount,
		Currency:      txn.Currency,
		Items:         gwItems,
		CustomerName:  txn.CustomerName,
		CustomerEmail: txn.CustomerEmail,
		CustomerPhone: txn.CustomerPhone,
	}
}

// TransactionDetail is the read model for one transaction.
type TransactionDetail struct {
	Transaction *models.Transaction      `json:"transaction"`
	Items       []models.TransactionItem `json:"items"`
	Payment     *models.Payment          `json:"payment"`
	Ticket      *models.Ticket           `json:"ticket,omitempty"`
}

// GetTransaction retrieves a transaction with its items, latest payment, and
// generated ticket if any.
func (s *CheckoutService) GetTransaction(ctx context.Context, code string) (*TransactionDetail, error) {
	txn, err := s.store.GetTransactionByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	items, err := s.store.GetTransactionItems(ctx, txn.ID)
	if err != nil {
		return nil, models.NewTransientError("load transaction items", err)
	}
	payment, err := s.store.GetLatestPayment(ctx, txn.ID)
	if err != nil {
		return nil, err
	}
	ticket, err := s.store.GetTicketByTransactionID(ctx, txn.ID)
	if err != nil {
		return nil, models.NewTransientError("load ticket", err)
	}
	return &TransactionDetail{Transaction: txn, Items: items, Payment: payment, Ticket: ticket}, nil
}

func (s *CheckoutService) audit(ctx context.Context, txn *models.Transaction) {
	payload, _ := json.Marshal(map[string]interface{}{
		"code":         txn.Code,
		"total_amount": txn.TotalAmount,
		"currency":     txn.Currency,
	})
	entry := &models.AuditLog{
		Actor:      fmt.Sprintf("user:%d", txn.UserID),
		Action:     models.AuditCheckoutCreated,
		EntityType: models.AuditEntityTransaction,
		EntityID:   txn.ID,
		Payload:    payload,
	}
	if err := s.store.CreateAuditLog(ctx, entry); err != nil {
		s.logger.Error("Failed to record checkout audit entry", zap.Error(err))
	}
}

func (s *CheckoutService) publishCreated(ctx context.Context, txn *models.Transaction, itemCount int) {
	event := &models.TransactionCreatedEvent{
		BaseEvent:       newBaseEvent(models.EventTypeTransactionCreated),
		TransactionID:   txn.ID,
		TransactionCode: txn.Code,
		UserID:          txn.UserID,
		TotalAmount:     txn.TotalAmount,
		Currency:        txn.Currency,
		ItemCount:       itemCount,
	}
	if err := s.events.PublishTransactionCreated(ctx, event); err != nil {
		s.logger.Error("Failed to publish TransactionCreated event", zap.Error(err))
	}
}
