package service

import (
	"context"
	"fmt"
	"strings"

	"tillcore/backend/internal/domain"
	"tillcore/backend/internal/xid"
)

// RecordSale stores an invoice from the sales subsystem against an open
// session. When the register journals cash sales, a countable cash sale
// also appends a cash_in movement in the same store call.
func (s *Service) RecordSale(ctx context.Context, invoice domain.Invoice) (domain.SaleRecordResponse, error) {
	invoice.ID = strings.TrimSpace(invoice.ID)
	invoice.Number = strings.TrimSpace(invoice.Number)
	invoice.SessionID = strings.TrimSpace(invoice.SessionID)
	invoice.PaymentMethod = strings.ToLower(strings.TrimSpace(invoice.PaymentMethod))
	if err := validateInvoice(invoice); err != nil {
		return domain.SaleRecordResponse{}, err
	}
	if invoice.ID == "" {
		invoice.ID = xid.New("inv")
	}
	if invoice.IssuedAt.IsZero() {
		invoice.IssuedAt = s.now().UTC()
	}

	session, err := s.repo.GetSession(ctx, invoice.SessionID)
	if err != nil {
		return domain.SaleRecordResponse{}, err
	}
	register, err := s.repo.GetRegister(ctx, session.RegisterID)
	if err != nil {
		return domain.SaleRecordResponse{}, err
	}

	var journal *domain.CashMovement
	if register.JournalCashSales && invoice.PaymentMethod == domain.PaymentMethodCash && invoice.Countable() && invoice.TotalTTCCents > 0 {
		journal = &domain.CashMovement{
			ID:          xid.New("mv"),
			SessionID:   session.ID,
			Type:        domain.MovementCashIn,
			AmountCents: invoice.TotalTTCCents,
			Reason:      "cash sale " + invoice.Number,
			ReferenceID: invoice.ID,
			CreatedBy:   actorOrSystem(ctx).Username,
			CreatedAt:   s.now().UTC(),
		}
	}

	recorded, movement, err := s.repo.RecordInvoice(ctx, invoice, journal)
	if err != nil {
		return domain.SaleRecordResponse{}, err
	}

	s.logAudit(ctx, "sale_record", "invoice", recorded.ID, fmt.Sprintf("number=%s,session=%s,method=%s,total=%s,journaled=%t",
		recorded.Number, recorded.SessionID, recorded.PaymentMethod, cents(recorded.TotalTTCCents), movement != nil))
	return domain.SaleRecordResponse{Invoice: *recorded, Movement: movement}, nil
}

func validateInvoice(invoice domain.Invoice) error {
	switch {
	case invoice.Number == "":
		return invalidInput("number", "number is required")
	case invoice.SessionID == "":
		return invalidInput("session_id", "session_id is required")
	case invoice.PaymentMethod == "":
		return invalidInput("payment_method", "payment_method is required")
	case len(invoice.Items) == 0:
		return invalidInput("items", "at least one item is required")
	}
	if invoice.TotalTTCCents < 0 {
		return domain.NewError(domain.CodeInvalidAmount, "invoice total cannot be negative", map[string]any{"total_ttc_cents": invoice.TotalTTCCents})
	}
	for i, item := range invoice.Items {
		if item.Quantity <= 0 {
			return domain.NewError(domain.CodeInvalidInput, "item quantity must be positive", map[string]any{
				"field":    fmt.Sprintf("items[%d].quantity", i),
				"quantity": item.Quantity,
			})
		}
		for field, value := range map[string]*int64{
			"unit_price_cents":    item.UnitPriceCents,
			"unit_price_ht_cents": item.UnitPriceHTCents,
			"total_ht_cents":      item.TotalHTCents,
			"total_tva_cents":     item.TotalTVACents,
			"total_ttc_cents":     item.TotalTTCCents,
		} {
			if value != nil && *value < 0 {
				return domain.NewError(domain.CodeInvalidAmount, "item amounts cannot be negative", map[string]any{
					"field":        fmt.Sprintf("items[%d].%s", i, field),
					"amount_cents": *value,
				})
			}
		}
	}
	return nil
}
