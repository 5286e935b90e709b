package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ticketing-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedRedeemableTicket wires a completed transaction with an active ticket
// covering attraction 1 (adult qty 5) and attraction 2 (adult qty 2).
func seedRedeemableTicket(ms *memStore) *models.Ticket {
	txn := &models.Transaction{ID: ms.id(), Code: "TRX-RED", UserID: 42, Status: models.TransactionCompleted}
	ms.transactions[txn.ID] = txn
	ms.txnByCode[txn.Code] = txn.ID

	now := time.Now()
	ticket := &models.Ticket{
		ID:            ms.id(),
		TransactionID: txn.ID,
		Code:          "TKT-20260901-AABBCCDDEE",
		ScanCode:      "scan-red-1",
		Status:        models.TicketActive,
		ValidFrom:     now.Add(-time.Hour),
		ValidUntil:    now.Add(24 * time.Hour),
	}
	ms.tickets[ticket.ID] = ticket
	ms.ticketByTxn[txn.ID] = ticket.ID

	visit := now
	ms.details[ticket.ID] = []models.TicketDetail{
		{ID: ms.id(), TicketID: ticket.ID, AttractionID: 1, AttractionName: "aquarium",
			TicketType: "adult", VisitDate: visit, TotalQty: 5, UsedQty: 0, RemainingQty: 5},
		{ID: ms.id(), TicketID: ticket.ID, AttractionID: 2, AttractionName: "planetarium",
			TicketType: "adult", VisitDate: visit, TotalQty: 2, UsedQty: 0, RemainingQty: 2},
	}
	return ticket
}

func newRedemptionFixture() (*RedemptionService, *memStore, *memCache, *memEvents) {
	ms := newMemStore()
	cache := newMemCache()
	events := newMemEvents()
	svc := NewRedemptionService(ms, cache, events, 5*time.Minute)
	return svc, ms, cache, events
}

func TestValidateValidTicket(t *testing.T) {
	svc, ms, _, _ := newRedemptionFixture()
	ticket := seedRedeemableTicket(ms)

	resp, err := svc.Validate(context.Background(), &ValidateRequest{ScanCode: ticket.ScanCode})
	require.NoError(t, err)

	assert.Equal(t, VerdictValid, resp.Verdict)
	assert.Empty(t, resp.Reasons)
	assert.Equal(t, ticket.ID, resp.TicketID)
}

func TestValidateUnknownScanCode(t *testing.T) {
	svc, _, _, _ := newRedemptionFixture()

	resp, err := svc.Validate(context.Background(), &ValidateRequest{ScanCode: "scan-ghost"})
	require.NoError(t, err, "an unknown code is a verdict, not an error")

	assert.Equal(t, VerdictInvalid, resp.Verdict)
	assert.Contains(t, resp.Reasons, "ticket not found")
}

func TestValidateExpiredTicket(t *testing.T) {
	svc, ms, _, _ := newRedemptionFixture()
	ticket := seedRedeemableTicket(ms)
	ms.tickets[ticket.ID].ValidUntil = time.Now().Add(-time.Hour)

	resp, err := svc.Validate(context.Background(), &ValidateRequest{ScanCode: ticket.ScanCode})
	require.NoError(t, err)

	assert.Equal(t, VerdictInvalid, resp.Verdict)
	require.NotEmpty(t, resp.Reasons)
	assert.Contains(t, resp.Reasons[0], "expired")
}

func TestValidateUncoveredAttraction(t *testing.T) {
	svc, ms, _, _ := newRedemptionFixture()
	ticket := seedRedeemableTicket(ms)
	other := int64(99)

	resp, err := svc.Validate(context.Background(), &ValidateRequest{ScanCode: ticket.ScanCode, AttractionID: &other})
	require.NoError(t, err)

	assert.Equal(t, VerdictInvalid, resp.Verdict)
	assert.Contains(t, resp.Reasons[0], "does not cover")
}

func TestValidateWarnsOnFutureVisitDate(t *testing.T) {
	svc, ms, _, _ := newRedemptionFixture()
	ticket := seedRedeemableTicket(ms)
	ms.details[ticket.ID][0].VisitDate = time.Now().AddDate(0, 0, 3)

	resp, err := svc.Validate(context.Background(), &ValidateRequest{ScanCode: ticket.ScanCode})
	require.NoError(t, err)

	assert.Equal(t, VerdictValid, resp.Verdict, "a future visit date warns but does not invalidate")
	require.NotEmpty(t, resp.Warnings)
	assert.Contains(t, resp.Warnings[0], "future")
}

func TestRedeemDecrementsLedger(t *testing.T) {
	svc, ms, _, events := newRedemptionFixture()
	ticket := seedRedeemableTicket(ms)

	resp, err := svc.Redeem(context.Background(), &RedeemRequest{
		TicketID: ticket.ID, AttractionID: 1, Quantity: 2,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, resp.Redeemed)
	assert.Equal(t, 3, resp.Remaining)
	assert.Equal(t, string(models.TicketPartiallyUsed), resp.TicketStatus)

	details, _ := ms.GetTicketDetails(context.Background(), ticket.ID)
	assert.Equal(t, 2, details[0].UsedQty)
	assert.Equal(t, 3, details[0].RemainingQty)
	assert.Equal(t, details[0].TotalQty, details[0].UsedQty+details[0].RemainingQty)

	require.Len(t, events.redeemed, 1)
	assert.Equal(t, ticket.ID, events.redeemed[0].TicketID)
}

func TestRedeemDefaultsQuantityToOne(t *testing.T) {
	svc, ms, _, _ := newRedemptionFixture()
	ticket := seedRedeemableTicket(ms)

	resp, err := svc.Redeem(context.Background(), &RedeemRequest{TicketID: ticket.ID, AttractionID: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Redeemed)
	assert.Equal(t, 1, resp.Remaining)
}

func TestRedeemExhaustsTicket(t *testing.T) {
	svc, ms, _, _ := newRedemptionFixture()
	ticket := seedRedeemableTicket(ms)

	_, err := svc.Redeem(context.Background(), &RedeemRequest{TicketID: ticket.ID, AttractionID: 1, Quantity: 5})
	require.NoError(t, err)
	resp, err := svc.Redeem(context.Background(), &RedeemRequest{TicketID: ticket.ID, AttractionID: 2, Quantity: 2})
	require.NoError(t, err)

	assert.Equal(t, string(models.TicketFullyUsed), resp.TicketStatus)
	assert.Equal(t, 0, resp.Remaining)

	// A fully used ticket rejects further scans.
	_, err = svc.Redeem(context.Background(), &RedeemRequest{TicketID: ticket.ID, AttractionID: 1})
	var conflict *models.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, models.ConflictWrongStatus, conflict.Reason)
}

func TestRedeemInsufficientQuantityLeavesStateUntouched(t *testing.T) {
	svc, ms, _, events := newRedemptionFixture()
	ticket := seedRedeemableTicket(ms)

	_, err := svc.Redeem(context.Background(), &RedeemRequest{TicketID: ticket.ID, AttractionID: 2, Quantity: 3})

	var conflict *models.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, models.ConflictInsufficientQuantity, conflict.Reason)

	details, _ := ms.GetTicketDetails(context.Background(), ticket.ID)
	assert.Equal(t, 2, details[1].RemainingQty)
	assert.Zero(t, details[1].UsedQty)
	assert.Equal(t, models.TicketActive, ms.tickets[ticket.ID].Status)
	assert.Empty(t, events.redeemed)
}

func TestRedeemOutsideValidityWindow(t *testing.T) {
	svc, ms, _, _ := newRedemptionFixture()
	ticket := seedRedeemableTicket(ms)
	ms.tickets[ticket.ID].ValidFrom = time.Now().Add(24 * time.Hour)

	_, err := svc.Redeem(context.Background(), &RedeemRequest{TicketID: ticket.ID, AttractionID: 1})

	var conflict *models.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, models.ConflictWrongStatus, conflict.Reason)
}

func TestRedeemIdempotencyKeyReplay(t *testing.T) {
	svc, ms, _, events := newRedemptionFixture()
	ticket := seedRedeemableTicket(ms)

	req := &RedeemRequest{TicketID: ticket.ID, AttractionID: 1, Quantity: 2, IdempotencyKey: "scan-abc"}

	first, err := svc.Redeem(context.Background(), req)
	require.NoError(t, err)
	second, err := svc.Redeem(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.Remaining, second.Remaining)
	assert.Equal(t, first.Redeemed, second.Redeemed)
	assert.Equal(t, first.RedeemedAt.Unix(), second.RedeemedAt.Unix())

	// Only one decrement and one event despite two requests.
	details, _ := ms.GetTicketDetails(context.Background(), ticket.ID)
	assert.Equal(t, 2, details[0].UsedQty)
	assert.Len(t, events.redeemed, 1)
}

func TestRedeemReplayServedFromAuditAfterCacheLoss(t *testing.T) {
	svc, ms, cache, _ := newRedemptionFixture()
	ticket := seedRedeemableTicket(ms)

	req := &RedeemRequest{TicketID: ticket.ID, AttractionID: 1, Quantity: 2, IdempotencyKey: "scan-xyz"}

	first, err := svc.Redeem(context.Background(), req)
	require.NoError(t, err)

	// Simulate a cache restart wiping the idempotency entries.
	cache.reset()

	second, err := svc.Redeem(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.Remaining, second.Remaining)
	details, _ := ms.GetTicketDetails(context.Background(), ticket.ID)
	assert.Equal(t, 2, details[0].UsedQty, "audit-log replay must not decrement again")
}

// downCache mimics an unreachable Redis: every call fails.
type downCache struct{}

func (downCache) ClaimRedemption(_ context.Context, _ string, _ time.Duration) ([]byte, bool, error) {
	return nil, false, errors.New("connection refused")
}

func (downCache) StoreRedemptionResult(_ context.Context, _ string, _ []byte, _ time.Duration) error {
	return errors.New("connection refused")
}

func (downCache) ReleaseRedemptionClaim(_ context.Context, _ string) error {
	return errors.New("connection refused")
}

func (downCache) GetRedemptionResult(_ context.Context, _ string) ([]byte, bool, error) {
	return nil, false, errors.New("connection refused")
}

func TestRedeemWritesAuditWithDecrement(t *testing.T) {
	svc, ms, _, _ := newRedemptionFixture()
	ticket := seedRedeemableTicket(ms)

	_, err := svc.Redeem(context.Background(), &RedeemRequest{
		TicketID: ticket.ID, AttractionID: 1, Quantity: 2, IdempotencyKey: "scan-atomic",
	})
	require.NoError(t, err)

	entry, err := ms.GetRedemptionAudit(context.Background(), ticket.ID, "scan-atomic", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.NotNil(t, entry, "the audit entry commits together with the decrement")
	assert.Equal(t, models.AuditTicketRedeemed, entry.Action)
	assert.Equal(t, "scanner", entry.Actor)
}

func TestRedeemIdempotentWhileCacheIsDown(t *testing.T) {
	ms := newMemStore()
	events := newMemEvents()
	svc := NewRedemptionService(ms, downCache{}, events, 5*time.Minute)
	ticket := seedRedeemableTicket(ms)

	req := &RedeemRequest{TicketID: ticket.ID, AttractionID: 1, Quantity: 2, IdempotencyKey: "scan-nocache"}

	first, err := svc.Redeem(context.Background(), req)
	require.NoError(t, err, "an unreachable cache must not block scanning")

	second, err := svc.Redeem(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.Remaining, second.Remaining)
	details, _ := ms.GetTicketDetails(context.Background(), ticket.ID)
	assert.Equal(t, 2, details[0].UsedQty, "the audit entry alone must absorb the replay")
	assert.Len(t, events.redeemed, 1)
}

// failingTxnStore reports a storage failure on every transaction load.
type failingTxnStore struct {
	*memStore
}

func (s *failingTxnStore) GetTransactionByID(_ context.Context, _ int64) (*models.Transaction, error) {
	return nil, errors.New("db down")
}

func TestValidateSurfacesTransactionLoadFailure(t *testing.T) {
	ms := newMemStore()
	ticket := seedRedeemableTicket(ms)
	svc := NewRedemptionService(&failingTxnStore{memStore: ms}, newMemCache(), newMemEvents(), 5*time.Minute)

	resp, err := svc.Validate(context.Background(), &ValidateRequest{ScanCode: ticket.ScanCode})

	var transient *models.TransientError
	require.ErrorAs(t, err, &transient, "a storage hiccup is retryable, not a verdict")
	assert.Nil(t, resp)
}

func TestRedeemFailureReleasesClaim(t *testing.T) {
	svc, ms, _, _ := newRedemptionFixture()
	ticket := seedRedeemableTicket(ms)

	req := &RedeemRequest{TicketID: ticket.ID, AttractionID: 2, Quantity: 3, IdempotencyKey: "scan-fail"}
	_, err := svc.Redeem(context.Background(), req)
	require.Error(t, err)

	// The key must be reusable after the failed attempt.
	req.Quantity = 1
	resp, err := svc.Redeem(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Redeemed)
}

func TestConcurrentRedemptionsPreserveConservation(t *testing.T) {
	svc, ms, _, _ := newRedemptionFixture()
	ticket := seedRedeemableTicket(ms)

	const scanners = 8
	var wg sync.WaitGroup
	errs := make([]error, scanners)
	for i := 0; i < scanners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Redeem(context.Background(), &RedeemRequest{
				TicketID: ticket.ID, AttractionID: 1, Quantity: 1,
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var conflict *models.ConflictError
		require.ErrorAs(t, err, &conflict)
	}
	assert.Equal(t, 5, succeeded, "exactly the available quantity may be consumed")

	details, _ := ms.GetTicketDetails(context.Background(), ticket.ID)
	assert.Equal(t, 5, details[0].UsedQty)
	assert.Zero(t, details[0].RemainingQty)
	assert.Equal(t, details[0].TotalQty, details[0].UsedQty+details[0].RemainingQty)
}

func TestRedeemUnknownTicket(t *testing.T) {
	svc, _, _, _ := newRedemptionFixture()

	_, err := svc.Redeem(context.Background(), &RedeemRequest{TicketID: 404, AttractionID: 1})

	var notFound *models.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestRedeemIncompleteTransaction(t *testing.T) {
	svc, ms, _, _ := newRedemptionFixture()
	ticket := seedRedeemableTicket(ms)
	ms.transactions[ticket.TransactionID].Status = models.TransactionPending

	_, err := svc.Redeem(context.Background(), &RedeemRequest{TicketID: ticket.ID, AttractionID: 1})

	var conflict *models.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, models.ConflictWrongStatus, conflict.Reason)
}
