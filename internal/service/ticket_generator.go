package service

import (
	"time"

	"ticketing-service/internal/models"

	"github.com/google/uuid"
)

// TicketPolicy fixes the validity window generated around the visit dates of
// a transaction.
type TicketPolicy struct {
	ValidFromLeadDays int
	ValidUntilLagDays int
}

// BuildTicket expands a completed transaction's items into one ticket with
// one ledger row per (attraction, ticket-type, visit-date) combination. Pure
// expansion: all validation already happened at checkout. The caller persists
// the result inside the reconciler's unit of work.
func BuildTicket(txn *models.Transaction, items []models.TransactionItem, policy TicketPolicy, now time.Time) (*models.Ticket, []models.TicketDetail, error) {
	if len(items) == 0 {
		return nil, nil, models.NewValidationError("transaction %d has no items to expand into a ticket", txn.ID)
	}

	code, err := generateCode("TKT", now)
	if err != nil {
		return nil, nil, err
	}

	earliest, latest := items[0].VisitDate, items[0].VisitDate
	for _, item := range items[1:] {
		if item.VisitDate.Before(earliest) {
			earliest = item.VisitDate
		}
		if item.VisitDate.After(latest) {
			latest = item.VisitDate
		}
	}

	validFrom := startOfDay(earliest).AddDate(0, 0, -policy.ValidFromLeadDays)
	validUntil := endOfDay(latest.AddDate(0, 0, policy.ValidUntilLagDays))

	ticket := &models.Ticket{
		TransactionID: txn.ID,
		Code:          code,
		ScanCode:      uuid.New().String(),
		Status:        models.TicketActive,
		ValidFrom:     validFrom,
		ValidUntil:    validUntil,
	}

	type comboKey struct {
		attractionID int64
		ticketType   string
		visitDate    string
	}
	index := make(map[comboKey]int)
	details := make([]models.TicketDetail, 0, len(items))
	for _, item := range items {
		key := comboKey{item.AttractionID, item.TicketType, item.VisitDate.Format("2006-01-02")}
		if i, seen := index[key]; seen {
			details[i].TotalQty += item.Quantity
			details[i].RemainingQty += item.Quantity
			continue
		}
		index[key] = len(details)
		details = append(details, models.TicketDetail{
			AttractionID:   item.AttractionID,
			AttractionName: item.AttractionName,
			TicketType:     item.TicketType,
			VisitDate:      item.VisitDate,
			TotalQty:       item.Quantity,
			UsedQty:        0,
			RemainingQty:   item.Quantity,
		})
	}

	return ticket, details, nil
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, t.Location())
}
