package api

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"ticketing-service/internal/models"
	"ticketing-service/internal/service"
	"ticketing-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	checkout   *service.CheckoutService
	reconciler *service.Reconciler
	redemption *service.RedemptionService
	refund     *service.RefundService

	scannerToken string
	adminToken   string
}

// NewHandler creates a new HTTP handler
func NewHandler(checkout *service.CheckoutService, reconciler *service.Reconciler, redemption *service.RedemptionService, refund *service.RefundService, scannerToken, adminToken string) *Handler {
	return &Handler{
		checkout:     checkout,
		reconciler:   reconciler,
		redemption:   redemption,
		refund:       refund,
		scannerToken: scannerToken,
		adminToken:   adminToken,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/checkout", h.createCheckout)
		v1.GET("/transactions/:code", h.getTransaction)

		// The gateway webhook is authenticated by its payload signature,
		// not by a token.
		v1.POST("/payments/notification", h.paymentNotification)

		scanner := v1.Group("/scanner", tokenAuth("X-Scanner-Token", h.scannerToken))
		{
			scanner.POST("/validate", h.validateTicket)
			scanner.POST("/redeem", h.redeemTicket)
		}

		admin := v1.Group("/admin", tokenAuth("X-Admin-Token", h.adminToken))
		{
			admin.POST("/transactions/:id/status", h.changeTransactionStatus)
			admin.POST("/payments/:id/status", h.changePaymentStatus)
			admin.POST("/transactions/:id/refund", h.refundTransaction)
		}
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createCheckout assembles a transaction from the caller's cart
func (h *Handler) createCheckout(c *gin.Context) {
	var req service.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	resp, err := h.checkout.Checkout(c.Request.Context(), &req)
	if err != nil {
		// A failed payment initiation still committed the transaction; the
		// client gets the code so initiation can be retried.
		var external *models.ExternalServiceError
		if resp != nil && errors.As(err, &external) {
			c.JSON(http.StatusBadGateway, gin.H{
				"error":            "Payment initiation failed, transaction is pending",
				"transaction_code": resp.TransactionCode,
				"transaction_id":   resp.TransactionID,
			})
			return
		}
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// getTransaction returns a transaction with items, payment, and ticket
func (h *Handler) getTransaction(c *gin.Context) {
	detail, err := h.checkout.GetTransaction(c.Request.Context(), c.Param("code"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// paymentNotification handles inbound gateway webhooks. The gateway retries
// on any non-2xx response, so only verification failures and transient
// internal errors are surfaced; unknown orders and replays are acknowledged.
func (h *Handler) paymentNotification(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable request body"})
		return
	}

	if err := h.reconciler.HandleNotification(c.Request.Context(), raw); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// validateTicket computes a verdict without mutating state
func (h *Handler) validateTicket(c *gin.Context) {
	var req service.ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	resp, err := h.redemption.Validate(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// redeemTicket consumes quantity from a ticket's ledger
func (h *Handler) redeemTicket(c *gin.Context) {
	var req service.RedeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}
	req.Actor = "scanner"

	resp, err := h.redemption.Redeem(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type statusChangeRequest struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason"`
}

// changeTransactionStatus applies an admin transaction transition
func (h *Handler) changeTransactionStatus(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid transaction ID"})
		return
	}

	var req statusChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	err = h.refund.ChangeTransactionStatus(c.Request.Context(), id,
		models.TransactionStatus(req.Status), req.Reason, "admin")
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": req.Status})
}

// changePaymentStatus applies an admin payment transition
func (h *Handler) changePaymentStatus(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payment ID"})
		return
	}

	var req statusChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	err = h.refund.ChangePaymentStatus(c.Request.Context(), id,
		models.PaymentStatus(req.Status), req.Reason, "admin")
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": req.Status})
}

type refundRequest struct {
	Reason string `json:"reason" binding:"required"`
	Amount *int64 `json:"amount,omitempty"`
}

// refundTransaction performs a full or explicit partial refund
func (h *Handler) refundTransaction(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid transaction ID"})
		return
	}

	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	resp, err := h.refund.Refund(c.Request.Context(), &service.RefundRequest{
		TransactionID: id,
		Reason:        req.Reason,
		Amount:        req.Amount,
		Actor:         "admin",
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// respondError maps the error taxonomy to HTTP statuses. Conflict responses
// carry the machine-readable reason code alongside the message.
func respondError(c *gin.Context, err error) {
	var validation *models.ValidationError
	var notFound *models.NotFoundError
	var conflict *models.ConflictError
	var auth *models.AuthenticationError
	var transient *models.TransientError
	var external *models.ExternalServiceError

	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Msg})
	case errors.As(err, &auth):
		c.JSON(http.StatusUnauthorized, gin.H{"error": auth.Msg})
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"error": notFound.Error()})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"error": conflict.Msg, "reason": conflict.Reason})
	case errors.As(err, &external):
		c.JSON(http.StatusBadGateway, gin.H{"error": external.Error()})
	case errors.As(err, &transient):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Temporary failure, retry the request"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}

// tokenAuth gates a route group behind a static token header. Stands in for
// the auth collaborator.
func tokenAuth(header, token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := c.GetHeader(header)
		if token == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
