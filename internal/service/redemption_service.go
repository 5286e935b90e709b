package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ticketing-service/internal/models"
	"ticketing-service/internal/store"
	"ticketing-service/internal/util"

	"go.uber.org/zap"
)

type redemptionStore interface {
	GetTicketByScanCode(ctx context.Context, scanCode string) (*models.Ticket, error)
	GetTicketByID(ctx context.Context, id int64) (*models.Ticket, error)
	GetTicketDetails(ctx context.Context, ticketID int64) ([]models.TicketDetail, error)
	GetTransactionByID(ctx context.Context, id int64) (*models.Transaction, error)
	RedeemDetail(ctx context.Context, ticketID, attractionID int64, ticketType string, quantity int, actor, idempotencyKey string) (*store.RedeemResult, error)
	CreateAuditLog(ctx context.Context, entry *models.AuditLog) error
	GetRedemptionAudit(ctx context.Context, ticketID int64, idempotencyKey string, since time.Time) (*models.AuditLog, error)
}

type redemptionCache interface {
	ClaimRedemption(ctx context.Context, key string, ttl time.Duration) (cached []byte, inFlight bool, err error)
	StoreRedemptionResult(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	ReleaseRedemptionClaim(ctx context.Context, key string) error
	GetRedemptionResult(ctx context.Context, key string) ([]byte, bool, error)
}

type redemptionEvents interface {
	PublishTicketRedeemed(ctx context.Context, event *models.TicketRedeemedEvent) error
}

// RedemptionService is the scanner-facing engine: read-only validation and
// idempotent, conservation-preserving consumption of ticket quantity.
type RedemptionService struct {
	store       redemptionStore
	cache       redemptionCache
	events      redemptionEvents
	logger      *zap.Logger
	dedupWindow time.Duration
}

// NewRedemptionService creates a new redemption service
func NewRedemptionService(store redemptionStore, cache redemptionCache, events redemptionEvents, dedupWindow time.Duration) *RedemptionService {
	return &RedemptionService{
		store:       store,
		cache:       cache,
		events:      events,
		logger:      util.GetLogger(),
		dedupWindow: dedupWindow,
	}
}

// Verdicts returned by Validate.
const (
	VerdictValid   = "VALID"
	VerdictInvalid = "INVALID"
)

// ValidateRequest identifies a ticket by its scannable code, optionally
// narrowed to one attraction.
type ValidateRequest struct {
	ScanCode     string `json:"scannable_code" binding:"required"`
	AttractionID *int64 `json:"attraction_id,omitempty"`
}

// ValidateResponse always carries a human-readable reason list so field
// staff see why a scan was rejected.
type ValidateResponse struct {
	Verdict  string   `json:"verdict"`
	Reasons  []string `json:"reasons"`
	Warnings []string `json:"warnings,omitempty"`
	TicketID int64    `json:"ticket_id,omitempty"`
	Status   string   `json:"status,omitempty"`
}

// Validate computes a validity verdict without mutating any state. Safe to
// repeat; the only side effect is an audit entry.
func (s *RedemptionService) Validate(ctx context.Context, req *ValidateRequest) (*ValidateResponse, error) {
	ctx, span := util.StartSpan(ctx, "RedemptionService.Validate")
	defer span.End()

	resp := &ValidateResponse{Verdict: VerdictValid, Reasons: []string{}}

	ticket, err := s.store.GetTicketByScanCode(ctx, req.ScanCode)
	if err != nil {
		var notFound *models.NotFoundError
		if errors.As(err, &notFound) {
			resp.Verdict = VerdictInvalid
			resp.Reasons = append(resp.Reasons, "ticket not found")
			return resp, nil
		}
		return nil, models.NewTransientError("load ticket", err)
	}
	resp.TicketID = ticket.ID
	resp.Status = string(ticket.Status)

	details, err := s.store.GetTicketDetails(ctx, ticket.ID)
	if err != nil {
		return nil, models.NewTransientError("load ticket details", err)
	}

	now := time.Now()
	resp.Reasons, err = s.checkTicket(ctx, ticket, details, req.AttractionID, "", 1, now)
	if err != nil {
		return nil, err
	}
	if len(resp.Reasons) > 0 {
		resp.Verdict = VerdictInvalid
	} else {
		resp.Warnings = futureVisitWarnings(details, now)
	}

	s.auditValidate(ctx, ticket, resp)
	return resp, nil
}

// checkTicket runs every validity rule for the (ticket, attraction) pair and
// returns the violations. Both Validate and Redeem go through it so the two
// operations can never disagree. A storage failure surfaces as an error, not
// a verdict: the ticket may well be fine.
func (s *RedemptionService) checkTicket(ctx context.Context, ticket *models.Ticket, details []models.TicketDetail, attractionID *int64, ticketType string, quantity int, now time.Time) ([]string, error) {
	var reasons []string

	if !ticket.Status.Redeemable() {
		reasons = append(reasons, fmt.Sprintf("ticket is %s", ticket.Status))
	}

	txn, err := s.store.GetTransactionByID(ctx, ticket.TransactionID)
	if err != nil {
		return nil, models.NewTransientError("load transaction", err)
	}
	if txn.Status != models.TransactionCompleted {
		reasons = append(reasons, "transaction is not completed")
	}

	if now.Before(ticket.ValidFrom) {
		reasons = append(reasons, fmt.Sprintf("ticket is not valid before %s", ticket.ValidFrom.Format("2006-01-02")))
	}
	if now.After(ticket.ValidUntil) {
		reasons = append(reasons, fmt.Sprintf("ticket expired on %s", ticket.ValidUntil.Format("2006-01-02")))
	}

	totalRemaining := 0
	for _, d := range details {
		totalRemaining += d.RemainingQty
	}
	if totalRemaining == 0 {
		reasons = append(reasons, "no remaining quantity on ticket")
	}

	if attractionID != nil {
		matched := false
		for _, d := range details {
			if d.AttractionID != *attractionID {
				continue
			}
			if ticketType != "" && d.TicketType != ticketType {
				continue
			}
			matched = true
			if d.RemainingQty < quantity {
				reasons = append(reasons, fmt.Sprintf(
					"insufficient remaining tickets for %s: remaining=%d, requested=%d",
					d.AttractionName, d.RemainingQty, quantity))
			}
			break
		}
		if !matched {
			reasons = append(reasons, fmt.Sprintf("ticket does not cover attraction %d", *attractionID))
		}
	}

	return reasons, nil
}

func futureVisitWarnings(details []models.TicketDetail, now time.Time) []string {
	var warnings []string
	today := startOfDay(now)
	for _, d := range details {
		if startOfDay(d.VisitDate).After(today) {
			warnings = append(warnings, fmt.Sprintf(
				"visit date for %s is in the future (%s)",
				d.AttractionName, d.VisitDate.Format("2006-01-02")))
		}
	}
	return warnings
}

// RedeemRequest consumes quantity for one attraction on a ticket. TicketType
// disambiguates when a ticket covers several types at one attraction.
type RedeemRequest struct {
	TicketID       int64  `json:"ticket_id" binding:"required"`
	AttractionID   int64  `json:"attraction_id" binding:"required"`
	TicketType     string `json:"ticket_type,omitempty"`
	Quantity       int    `json:"quantity,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Actor          string `json:"-"`
}

// RedeemResponse is stored under the idempotency key; replays receive it
// byte-for-byte.
type RedeemResponse struct {
	TicketID       int64     `json:"ticket_id"`
	AttractionID   int64     `json:"attraction_id"`
	AttractionName string    `json:"attraction_name"`
	Redeemed       int       `json:"redeemed"`
	Remaining      int       `json:"remaining"`
	TicketStatus   string    `json:"ticket_status"`
	UsedCount      int       `json:"used_count"`
	RedeemedAt     time.Time `json:"redeemed_at"`
}

// Redeem consumes quantity from a ticket's ledger. A request replayed with
// the same idempotency key within the dedup window returns the original
// response and decrements nothing.
func (s *RedemptionService) Redeem(ctx context.Context, req *RedeemRequest) (*RedeemResponse, error) {
	ctx, span := util.StartSpan(ctx, "RedemptionService.Redeem")
	defer span.End()

	start := time.Now()
	defer func() {
		util.RedemptionLatency.Observe(time.Since(start).Seconds())
	}()

	if req.Quantity == 0 {
		req.Quantity = 1
	}
	if req.Quantity < 1 {
		return nil, models.NewValidationError("quantity must be at least 1")
	}

	dedupKey := ""
	claimed := false
	if req.IdempotencyKey != "" {
		dedupKey = fmt.Sprintf("%d:%s", req.TicketID, req.IdempotencyKey)
		resp, ok, err := s.claim(ctx, req, dedupKey)
		if err != nil {
			return nil, err
		}
		if ok {
			util.RedemptionReplaysTotal.Inc()
			return resp, nil
		}
		claimed = true
	}

	resp, err := s.redeem(ctx, req)
	if err != nil {
		if claimed {
			if releaseErr := s.cache.ReleaseRedemptionClaim(ctx, dedupKey); releaseErr != nil {
				s.logger.Warn("Failed to release redemption claim", zap.Error(releaseErr))
			}
		}
		var conflict *models.ConflictError
		if errors.As(err, &conflict) {
			util.RedemptionConflictsTotal.WithLabelValues(conflict.Reason).Inc()
		}
		return nil, err
	}

	if claimed {
		if payload, marshalErr := json.Marshal(resp); marshalErr == nil {
			if err := s.cache.StoreRedemptionResult(ctx, dedupKey, payload, s.dedupWindow); err != nil {
				s.logger.Warn("Failed to cache redemption result", zap.Error(err))
			}
		}
	}

	s.publishRedeemed(ctx, resp)
	util.RedemptionsTotal.Inc()

	return resp, nil
}

// claim resolves the idempotency key: (cached response, true) when a prior
// request already completed, (nil, false) when this caller now holds the
// claim. Concurrent duplicates are briefly polled; if the first attempt is
// still running the caller gets a retryable error rather than a second
// decrement.
func (s *RedemptionService) claim(ctx context.Context, req *RedeemRequest, dedupKey string) (*RedeemResponse, bool, error) {
	cached, inFlight, err := s.cache.ClaimRedemption(ctx, dedupKey, s.dedupWindow)
	if err != nil {
		// Redis being down must not break scanning; the audit-log lookup
		// below still provides replay protection.
		s.logger.Warn("Idempotency cache unavailable, using audit log only", zap.Error(err))
		return s.claimFromAudit(ctx, req, dedupKey, false)
	}

	if cached != nil {
		var resp RedeemResponse
		if err := json.Unmarshal(cached, &resp); err == nil {
			return &resp, true, nil
		}
		s.logger.Warn("Discarding undecodable cached redemption result", zap.String("key", dedupKey))
	}

	if inFlight {
		for i := 0; i < 3; i++ {
			time.Sleep(150 * time.Millisecond)
			cached, stillRunning, err := s.cache.GetRedemptionResult(ctx, dedupKey)
			if err != nil {
				break
			}
			if cached != nil {
				var resp RedeemResponse
				if err := json.Unmarshal(cached, &resp); err == nil {
					return &resp, true, nil
				}
			}
			if !stillRunning {
				break
			}
		}
		return nil, false, models.NewTransientError("redeem",
			errors.New("an identical request is still being processed, retry shortly"))
	}

	return s.claimFromAudit(ctx, req, dedupKey, true)
}

// claimFromAudit serves a replay from the append-only audit log, covering
// cache restarts and cache outages.
func (s *RedemptionService) claimFromAudit(ctx context.Context, req *RedeemRequest, dedupKey string, cachePopulated bool) (*RedeemResponse, bool, error) {
	entry, err := s.store.GetRedemptionAudit(ctx, req.TicketID, req.IdempotencyKey, time.Now().Add(-s.dedupWindow))
	if err != nil {
		return nil, false, models.NewTransientError("idempotency lookup", err)
	}
	if entry == nil {
		return nil, false, nil
	}

	var resp RedeemResponse
	if err := json.Unmarshal(entry.Payload, &resp); err != nil {
		return nil, false, models.NewTransientError("idempotency lookup", err)
	}
	if cachePopulated {
		if err := s.cache.StoreRedemptionResult(ctx, dedupKey, entry.Payload, s.dedupWindow); err != nil {
			s.logger.Warn("Failed to backfill redemption cache", zap.Error(err))
		}
	}
	return &resp, true, nil
}

func (s *RedemptionService) redeem(ctx context.Context, req *RedeemRequest) (*RedeemResponse, error) {
	ticket, err := s.store.GetTicketByID(ctx, req.TicketID)
	if err != nil {
		var notFound *models.NotFoundError
		if errors.As(err, &notFound) {
			return nil, err
		}
		return nil, models.NewTransientError("load ticket", err)
	}

	now := time.Now()
	if !ticket.Status.Redeemable() {
		return nil, models.NewConflictError(models.ConflictWrongStatus,
			"ticket is %s and cannot be redeemed", ticket.Status)
	}

	txn, err := s.store.GetTransactionByID(ctx, ticket.TransactionID)
	if err != nil {
		return nil, models.NewTransientError("load transaction", err)
	}
	if txn.Status != models.TransactionCompleted {
		return nil, models.NewConflictError(models.ConflictWrongStatus,
			"transaction %s is %s, not COMPLETED", txn.Code, txn.Status)
	}

	if now.Before(ticket.ValidFrom) {
		return nil, models.NewConflictError(models.ConflictWrongStatus,
			"ticket is not valid before %s", ticket.ValidFrom.Format("2006-01-02"))
	}
	if now.After(ticket.ValidUntil) {
		return nil, models.NewConflictError(models.ConflictExpired,
			"ticket expired on %s", ticket.ValidUntil.Format("2006-01-02"))
	}

	// The decrement, the remaining-quantity re-check, the full-sum status
	// recompute, and the audit entry replays are answered from all run
	// inside one locked store transaction.
	actor := req.Actor
	if actor == "" {
		actor = "scanner"
	}
	result, err := s.store.RedeemDetail(ctx, req.TicketID, req.AttractionID, req.TicketType, req.Quantity, actor, req.IdempotencyKey)
	if err != nil {
		var conflict *models.ConflictError
		var notFound *models.NotFoundError
		var validation *models.ValidationError
		if errors.As(err, &conflict) || errors.As(err, &notFound) || errors.As(err, &validation) {
			return nil, err
		}
		return nil, models.NewTransientError("redeem detail", err)
	}

	s.logger.Info("Ticket redeemed",
		zap.Int64("ticket_id", result.TicketID),
		zap.Int64("attraction_id", result.AttractionID),
		zap.Int("redeemed", result.Redeemed),
		zap.Int("remaining", result.Remaining),
		zap.String("status", string(result.TicketStatus)))

	return &RedeemResponse{
		TicketID:       result.TicketID,
		AttractionID:   result.AttractionID,
		AttractionName: result.AttractionName,
		Redeemed:       result.Redeemed,
		Remaining:      result.Remaining,
		TicketStatus:   string(result.TicketStatus),
		UsedCount:      result.UsedCount,
		RedeemedAt:     result.RedeemedAt,
	}, nil
}

func (s *RedemptionService) auditValidate(ctx context.Context, ticket *models.Ticket, resp *ValidateResponse) {
	payload, _ := json.Marshal(resp)
	entry := &models.AuditLog{
		Actor:      "scanner",
		Action:     models.AuditTicketValidated,
		EntityType: models.AuditEntityTicket,
		EntityID:   ticket.ID,
		Payload:    payload,
	}
	if err := s.store.CreateAuditLog(ctx, entry); err != nil {
		s.logger.Error("Failed to record validation audit entry", zap.Error(err))
	}
}

func (s *RedemptionService) publishRedeemed(ctx context.Context, resp *RedeemResponse) {
	event := &models.TicketRedeemedEvent{
		BaseEvent:    newBaseEvent(models.EventTypeTicketRedeemed),
		TicketID:     resp.TicketID,
		AttractionID: resp.AttractionID,
		Quantity:     resp.Redeemed,
		Remaining:    resp.Remaining,
		TicketStatus: resp.TicketStatus,
	}
	if err := s.events.PublishTicketRedeemed(ctx, event); err != nil {
		s.logger.Error("Failed to publish TicketRedeemed event", zap.Error(err))
	}
}
