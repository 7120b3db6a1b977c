package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tillcore/backend/internal/domain"
	"tillcore/backend/internal/proration"
	"tillcore/backend/internal/store"
	"tillcore/backend/internal/xid"
)

// refundLedger is what earlier credit notes already consumed from an invoice.
type refundLedger struct {
	lines          map[int]proration.LineState
	refundedCents  int64
	remainingCents int64
	hasFullRefund  bool
}

func newRefundLedger(invoice domain.Invoice, existing []domain.CreditNote) refundLedger {
	ledger := refundLedger{lines: map[int]proration.LineState{}}
	for _, note := range existing {
		ledger.refundedCents += note.TotalTTCCents
		if note.Mode == domain.RefundModeFull {
			ledger.hasFullRefund = true
		}
		for _, line := range note.Lines {
			state := ledger.lines[line.OriginalItemIndex]
			state.RefundedQty += line.Quantity
			state.Refunded = state.Refunded.Add(proration.Amounts{
				HTCents:  line.HTCents,
				TVACents: line.TVACents,
				TTCCents: line.TTCCents,
			})
			ledger.lines[line.OriginalItemIndex] = state
		}
	}
	ledger.remainingCents = max(invoice.TotalTTCCents-ledger.refundedCents, 0)
	return ledger
}

// RefundableState reports, per line, how much of the invoice can still be
// refunded.
func (s *Service) RefundableState(ctx context.Context, invoiceID string) (domain.RefundableState, error) {
	invoice, err := s.reader.GetInvoice(ctx, invoiceID)
	if err != nil {
		return domain.RefundableState{}, err
	}
	notes, err := s.reader.ListCreditNotesByInvoice(ctx, invoiceID)
	if err != nil {
		return domain.RefundableState{}, err
	}

	ledger := newRefundLedger(*invoice, notes)
	state := domain.RefundableState{
		InvoiceID:            invoice.ID,
		InvoiceTotalTTCCents: invoice.TotalTTCCents,
		RefundedTTCCents:     ledger.refundedCents,
		RemainingAmountCents: ledger.remainingCents,
		CreditNoteCount:      len(notes),
		Lines:                make([]domain.RefundableLine, 0, len(invoice.Items)),
	}
	for i, line := range invoice.Items {
		lineState := ledger.lines[i]
		state.Lines = append(state.Lines, domain.RefundableLine{
			OriginalItemIndex: i,
			Name:              line.Name,
			OriginalQty:       line.Quantity,
			RefundedQty:       lineState.RefundedQty,
			RemainingQty:      lineState.RemainingQty(line),
			RefundedTTCCents:  lineState.Refunded.TTCCents,
		})
	}
	return state, nil
}

// RequestRefund issues a credit note against an invoice. The remaining
// quantities and amount are checked while the invoice is locked, so two
// concurrent requests cannot both consume the same units.
func (s *Service) RequestRefund(ctx context.Context, req domain.RefundRequest) (domain.RefundResponse, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.RefundResponse{}, err
	}
	req.Mode = strings.ToLower(strings.TrimSpace(req.Mode))
	req.RefundMethod = strings.ToLower(strings.TrimSpace(req.RefundMethod))
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.Reason = strings.TrimSpace(req.Reason)
	if err := validateRefundRequest(req); err != nil {
		return domain.RefundResponse{}, err
	}

	// Read-model check before any write. It fails fast when the read side
	// is down and rejects indexes that cannot exist on the invoice.
	invoice, err := s.reader.GetInvoice(ctx, req.InvoiceID)
	if err != nil {
		return domain.RefundResponse{}, err
	}
	for _, line := range req.Lines {
		if line.OriginalItemIndex >= len(invoice.Items) {
			return domain.RefundResponse{}, domain.NewError(domain.CodeInvalidRefundRequest, "line index is not on the invoice", map[string]any{
				"original_item_index": line.OriginalItemIndex,
				"line_count":          len(invoice.Items),
			})
		}
	}

	// The cash_out is booked on this session, so it has to exist.
	if req.SessionID != "" {
		if _, err := s.repo.GetSession(ctx, req.SessionID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.RefundResponse{}, domain.NewError(domain.CodeInvalidRefundRequest, "refund session does not exist", map[string]any{"session_id": req.SessionID})
			}
			return domain.RefundResponse{}, err
		}
	}

	actor := actorOrSystem(ctx)
	now := s.now().UTC()
	note, movement, err := s.repo.CreateCreditNote(ctx, req.InvoiceID, func(invoice domain.Invoice, existing []domain.CreditNote) (*domain.CreditNote, *domain.CashMovement, error) {
		note, err := planRefund(s.prorate, invoice, existing, req)
		if err != nil {
			return nil, nil, err
		}
		note.ID = xid.New("cn")
		note.CreatedBy = actor.Username
		note.CreatedAt = now

		if note.RefundMethod != domain.PaymentMethodCash || note.TotalTTCCents <= 0 {
			return note, nil, nil
		}
		return note, &domain.CashMovement{
			ID:          xid.New("mv"),
			SessionID:   note.SessionID,
			Type:        domain.MovementCashOut,
			AmountCents: note.TotalTTCCents,
			Reason:      "refund " + invoice.Number,
			CreatedBy:   actor.Username,
			CreatedAt:   now,
		}, nil
	})
	if err != nil {
		return domain.RefundResponse{}, err
	}

	s.logAudit(ctx, "refund_create", "invoice", req.InvoiceID, fmt.Sprintf("credit_note=%s,mode=%s,total=%s,method=%s,cash_movement=%t",
		note.ID, note.Mode, cents(note.TotalTTCCents), note.RefundMethod, movement != nil))
	return domain.RefundResponse{CreditNote: *note, Movement: movement}, nil
}

func validateRefundRequest(req domain.RefundRequest) error {
	if strings.TrimSpace(req.InvoiceID) == "" {
		return domain.NewError(domain.CodeInvalidRefundRequest, "invoice id is required", nil)
	}
	switch req.Mode {
	case domain.RefundModeFull:
		if len(req.Lines) > 0 {
			return domain.NewError(domain.CodeInvalidRefundRequest, "a full refund takes no lines", map[string]any{"line_count": len(req.Lines)})
		}
		return nil
	case domain.RefundModePartial:
	default:
		return domain.NewError(domain.CodeInvalidRefundRequest, "mode must be full or partial", map[string]any{"mode": req.Mode})
	}

	if len(req.Lines) == 0 {
		return domain.NewError(domain.CodeInvalidRefundRequest, "a partial refund needs at least one line", nil)
	}
	seen := make(map[int]struct{}, len(req.Lines))
	for _, line := range req.Lines {
		if line.OriginalItemIndex < 0 {
			return domain.NewError(domain.CodeInvalidRefundRequest, "line index cannot be negative", map[string]any{"original_item_index": line.OriginalItemIndex})
		}
		if line.Quantity <= 0 {
			return domain.NewError(domain.CodeInvalidRefundRequest, "refund quantity must be positive", map[string]any{
				"original_item_index": line.OriginalItemIndex,
				"quantity":            line.Quantity,
			})
		}
		if _, dup := seen[line.OriginalItemIndex]; dup {
			return domain.NewError(domain.CodeInvalidRefundRequest, "line index requested twice", map[string]any{"original_item_index": line.OriginalItemIndex})
		}
		seen[line.OriginalItemIndex] = struct{}{}
	}
	return nil
}

// planRefund prices a refund against the invoice and every credit note it
// already carries. It never lowers the requested amount to make it fit.
func planRefund(chain proration.Chain, invoice domain.Invoice, existing []domain.CreditNote, req domain.RefundRequest) (*domain.CreditNote, error) {
	ledger := newRefundLedger(invoice, existing)
	note := &domain.CreditNote{
		Type:              domain.CreditNoteType,
		OriginalInvoiceID: invoice.ID,
		SessionID:         defaultString(req.SessionID, invoice.SessionID),
		Mode:              req.Mode,
		RefundMethod:      defaultString(req.RefundMethod, invoice.PaymentMethod),
		Reason:            req.Reason,
	}

	// A partial request on an invoice with quantities left but no amount
	// left falls through to the quantity and amount checks below.
	exhausted := ledger.hasFullRefund
	if req.Mode == domain.RefundModeFull {
		exhausted = ledger.remainingCents == 0
	}
	if exhausted {
		return nil, domain.NewError(domain.CodeNothingToRefund, "invoice has nothing left to refund", map[string]any{
			"invoice_id":             invoice.ID,
			"invoice_total_cents":    invoice.TotalTTCCents,
			"refunded_cents":         ledger.refundedCents,
			"remaining_amount_cents": ledger.remainingCents,
		})
	}

	if req.Mode == domain.RefundModeFull {
		var priced proration.Amounts
		for i, line := range invoice.Items {
			state := ledger.lines[i]
			qty := state.RemainingQty(line)
			if qty == 0 {
				continue
			}
			amounts, strategy, err := chain.Settle(i, line, qty, state)
			if err != nil {
				// The full refund amount is known from the invoice total, so an
				// unpriced line only loses its per-line split.
				amounts, strategy = proration.Amounts{}, "unpriced"
			}
			priced = priced.Add(amounts)
			note.Lines = append(note.Lines, creditNoteLine(i, line, qty, amounts, strategy, req.Reason))
		}
		totals := proration.SplitTotal(ledger.remainingCents, priced)
		note.TotalHTCents, note.TotalTVACents, note.TotalTTCCents = totals.HTCents, totals.TVACents, totals.TTCCents
		return note, nil
	}

	var total proration.Amounts
	for _, requested := range req.Lines {
		line := invoice.Items[requested.OriginalItemIndex]
		state := ledger.lines[requested.OriginalItemIndex]
		remaining := state.RemainingQty(line)
		if requested.Quantity > remaining {
			return nil, domain.NewError(domain.CodeOverRefund, "requested quantity exceeds what is left on the line", map[string]any{
				"original_item_index": requested.OriginalItemIndex,
				"requested_qty":       requested.Quantity,
				"remaining_qty":       remaining,
				"refunded_qty":        state.RefundedQty,
				"original_qty":        line.Quantity,
			})
		}
		amounts, strategy, err := chain.Settle(requested.OriginalItemIndex, line, requested.Quantity, state)
		if err != nil {
			return nil, err
		}
		if amounts.TTCCents < 0 {
			return nil, domain.NewError(domain.CodeInvalidRefundRequest, "line has a negative amount and cannot be refunded on its own", map[string]any{
				"original_item_index": requested.OriginalItemIndex,
				"amount_cents":        amounts.TTCCents,
			})
		}
		total = total.Add(amounts)
		note.Lines = append(note.Lines, creditNoteLine(requested.OriginalItemIndex, line, requested.Quantity, amounts, strategy, defaultString(requested.Reason, req.Reason)))
	}

	if total.TTCCents <= 0 {
		return nil, domain.NewError(domain.CodeNothingToRefund, "requested lines carry no amount to refund", map[string]any{
			"invoice_id":      invoice.ID,
			"requested_cents": total.TTCCents,
		})
	}
	if total.TTCCents > ledger.remainingCents {
		return nil, domain.NewError(domain.CodeAmountExceedsRemaining, "refund amount exceeds what is left on the invoice", map[string]any{
			"requested_cents":        total.TTCCents,
			"remaining_amount_cents": ledger.remainingCents,
		})
	}
	note.TotalHTCents, note.TotalTVACents, note.TotalTTCCents = total.HTCents, total.TVACents, total.TTCCents
	return note, nil
}

func creditNoteLine(index int, line domain.InvoiceLine, qty int, amounts proration.Amounts, strategy string, reason string) domain.CreditNoteLine {
	return domain.CreditNoteLine{
		OriginalItemIndex: index,
		Name:              line.Name,
		Quantity:          qty,
		HTCents:           amounts.HTCents,
		TVACents:          amounts.TVACents,
		TTCCents:          amounts.TTCCents,
		Strategy:          strategy,
		Reason:            reason,
	}
}
