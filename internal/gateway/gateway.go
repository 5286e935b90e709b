package gateway

import (
	"bytes"
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"ticketing-service/internal/models"
)

// External transaction statuses sent by the gateway.
const (
	StatusCapture    = "capture"
	StatusSettlement = "settlement"
	StatusPending    = "pending"
	StatusDeny       = "deny"
	StatusExpire     = "expire"
	StatusFailure    = "failure"
	StatusCancel     = "cancel"
)

// Fraud flags attached to capture/settlement notifications.
const (
	FraudAccept    = "accept"
	FraudChallenge = "challenge"
	FraudDeny      = "deny"
)

// InitiateItem is one line of the charge request.
type InitiateItem struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Price    int64  `json:"price"`
}

// InitiateRequest asks the gateway to open a payment session for an order.
type InitiateRequest struct {
	OrderID       string
	Amount        int64
	Currency      string
	Items         []InitiateItem
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
}

// InitiateResult is the redirect handle returned by the gateway.
type InitiateResult struct {
	Token       string `json:"token"`
	RedirectURL string `json:"redirect_url"`
}

// Notification is a verified inbound payment notification.
type Notification struct {
	OrderID        string
	ExternalStatus string
	FraudFlag      string
	GatewayRef     string
	Raw            json.RawMessage
}

// Gateway is the payment-gateway collaborator.
type Gateway interface {
	Initiate(ctx context.Context, req *InitiateRequest) (*InitiateResult, error)
	VerifyNotification(raw []byte) (*Notification, error)
}

// HTTPGateway talks to a midtrans-style snap gateway over HTTPS.
type HTTPGateway struct {
	baseURL   string
	serverKey string
	client    *http.Client
}

// NewHTTPGateway creates a gateway client with a bounded request timeout.
func NewHTTPGateway(baseURL, serverKey string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		baseURL:   baseURL,
		serverKey: serverKey,
		client:    &http.Client{Timeout: timeout},
	}
}

type chargePayload struct {
	TransactionDetails struct {
		OrderID     string `json:"order_id"`
		GrossAmount int64  `json:"gross_amount"`
	} `json:"transaction_details"`
	ItemDetails []InitiateItem `json:"item_details"`
	Customer    struct {
		Name  string `json:"first_name"`
		Email string `json:"email"`
		Phone string `json:"phone"`
	} `json:"customer_details"`
}

// Initiate opens a payment session. The context bounds the outbound call; on
// timeout the caller's transaction stays PENDING and the checkout is safe to
// retry.
func (g *HTTPGateway) Initiate(ctx context.Context, req *InitiateRequest) (*InitiateResult, error) {
	var payload chargePayload
	payload.TransactionDetails.OrderID = req.OrderID
	payload.TransactionDetails.GrossAmount = req.Amount
	payload.ItemDetails = req.Items
	payload.Customer.Name = req.CustomerName
	payload.Customer.Email = req.CustomerEmail
	payload.Customer.Phone = req.CustomerPhone

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/snap/v1/transactions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(g.serverKey, "")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, models.NewExternalServiceError("payment gateway", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, models.NewExternalServiceError("payment gateway",
			fmt.Errorf("charge request returned status %d", resp.StatusCode))
	}

	var result InitiateResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, models.NewExternalServiceError("payment gateway", err)
	}
	return &result, nil
}

type notificationPayload struct {
	OrderID           string `json:"order_id"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	SignatureKey      string `json:"signature_key"`
	TransactionStatus string `json:"transaction_status"`
	TransactionID     string `json:"transaction_id"`
	FraudStatus       string `json:"fraud_status"`
}

// VerifyNotification checks the notification's integrity signature
// (SHA-512 over order_id + status_code + gross_amount + server key) and
// returns the parsed notification. A bad signature is a hard rejection.
func (g *HTTPGateway) VerifyNotification(raw []byte) (*Notification, error) {
	var payload notificationPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, models.NewValidationError("malformed notification payload: %v", err)
	}
	if payload.OrderID == "" {
		return nil, models.NewValidationError("notification missing order_id")
	}

	sum := sha512.Sum512([]byte(payload.OrderID + payload.StatusCode + payload.GrossAmount + g.serverKey))
	expected := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(expected), []byte(payload.SignatureKey)) != 1 {
		return nil, models.NewAuthenticationError("invalid notification signature for order %s", payload.OrderID)
	}

	return &Notification{
		OrderID:        payload.OrderID,
		ExternalStatus: payload.TransactionStatus,
		FraudFlag:      payload.FraudStatus,
		GatewayRef:     payload.TransactionID,
		Raw:            json.RawMessage(raw),
	}, nil
}
