package service

import (
	"context"
	"fmt"
	"strings"

	"tillcore/backend/internal/domain"
	"tillcore/backend/internal/store"
	"tillcore/backend/internal/xid"
)

func (s *Service) OpenSession(ctx context.Context, req domain.SessionOpenRequest) (domain.CashSession, error) {
	req.RegisterID = strings.TrimSpace(req.RegisterID)
	if req.RegisterID == "" {
		return domain.CashSession{}, invalidInput("register_id", "register_id is required")
	}
	if req.OpeningFloatCents < 0 {
		return domain.CashSession{}, domain.NewError(domain.CodeInvalidFloat, "opening float cannot be negative", map[string]any{
			"opening_float_cents": req.OpeningFloatCents,
		})
	}

	actor := actorOrSystem(ctx)
	session, err := s.repo.OpenSession(ctx, domain.CashSession{
		ID:                xid.New("sess"),
		RegisterID:        req.RegisterID,
		OpenedBy:          actor.Username,
		OpenedAt:          s.now().UTC(),
		OpeningFloatCents: req.OpeningFloatCents,
	})
	if err != nil {
		return domain.CashSession{}, err
	}

	s.logAudit(ctx, "session_open", "session", session.ID, fmt.Sprintf("register=%s,float=%s", session.RegisterID, cents(session.OpeningFloatCents)))
	return *session, nil
}

// GetSession recomputes expected cash from the ledger on every read.
func (s *Service) GetSession(ctx context.Context, id string) (domain.CashSession, error) {
	ledger, err := s.repo.LoadSessionLedger(ctx, id)
	if err != nil {
		return domain.CashSession{}, err
	}
	session := ledger.Session
	session.ExpectedCashCents = expectedCash(session.OpeningFloatCents, ledger.Movements)
	return session, nil
}

func (s *Service) GetOpenSession(ctx context.Context, registerID string) (domain.CashSession, error) {
	session, err := s.repo.GetOpenSession(ctx, registerID)
	if err != nil {
		return domain.CashSession{}, err
	}
	return s.GetSession(ctx, session.ID)
}

func (s *Service) RecordMovement(ctx context.Context, sessionID string, req domain.MovementRequest) (domain.CashMovement, error) {
	req.Reason = strings.TrimSpace(req.Reason)
	req.Direction = strings.ToLower(strings.TrimSpace(req.Direction))
	if err := validateMovement(req); err != nil {
		return domain.CashMovement{}, err
	}

	actor := actorOrSystem(ctx)
	movement, err := s.repo.AppendMovement(ctx, domain.CashMovement{
		ID:          xid.New("mv"),
		SessionID:   sessionID,
		Type:        req.Type,
		Direction:   req.Direction,
		AmountCents: req.AmountCents,
		Reason:      req.Reason,
		CreatedBy:   actor.Username,
		CreatedAt:   s.now().UTC(),
	})
	if err != nil {
		return domain.CashMovement{}, err
	}

	s.logAudit(ctx, "movement_record", "session", sessionID, fmt.Sprintf("type=%s,amount=%s,reason=%s", movement.Type, cents(movement.DeltaCents()), movement.Reason))
	return *movement, nil
}

func validateMovement(req domain.MovementRequest) error {
	switch req.Type {
	case domain.MovementCashIn, domain.MovementCashOut, domain.MovementSafeDrop:
		if req.Direction != "" {
			return domain.NewError(domain.CodeInvalidMovementType, "direction only applies to adjustments", map[string]any{
				"type":      string(req.Type),
				"direction": req.Direction,
			})
		}
	case domain.MovementAdjustment:
		if req.Direction != domain.DirectionIn && req.Direction != domain.DirectionOut {
			return domain.NewError(domain.CodeInvalidMovementType, "adjustment needs direction in or out", map[string]any{
				"type":      string(req.Type),
				"direction": req.Direction,
			})
		}
	default:
		return domain.NewError(domain.CodeInvalidMovementType, "unknown movement type", map[string]any{"type": string(req.Type)})
	}
	if req.AmountCents <= 0 {
		return domain.NewError(domain.CodeInvalidAmount, "amount must be positive", map[string]any{"amount_cents": req.AmountCents})
	}
	if req.Reason == "" {
		return domain.NewError(domain.CodeMissingReason, "reason is required", nil)
	}
	return nil
}

func (s *Service) ListMovements(ctx context.Context, sessionID string) (domain.MovementListResponse, error) {
	movements, err := s.repo.ListMovements(ctx, sessionID)
	if err != nil {
		return domain.MovementListResponse{}, err
	}
	return domain.MovementListResponse{Movements: movements}, nil
}

func (s *Service) ComputeExpectedCash(ctx context.Context, sessionID string) (domain.ExpectedCashResponse, error) {
	ledger, err := s.repo.LoadSessionLedger(ctx, sessionID)
	if err != nil {
		return domain.ExpectedCashResponse{}, err
	}
	net := netMovements(ledger.Movements)
	return domain.ExpectedCashResponse{
		SessionID:         sessionID,
		OpeningFloatCents: ledger.Session.OpeningFloatCents,
		NetMovementsCents: net,
		ExpectedCashCents: ledger.Session.OpeningFloatCents + net,
		MovementCount:     len(ledger.Movements),
	}, nil
}

// CloseSession reconciles the counted cash against the ledger and freezes
// the session summary. The ledger is read under the same lock that blocks
// new movements, so the reconciliation sees a stable snapshot.
func (s *Service) CloseSession(ctx context.Context, sessionID string, req domain.SessionCloseRequest) (domain.CashSession, error) {
	counted, err := countedCash(req)
	if err != nil {
		return domain.CashSession{}, err
	}

	actor := actorOrSystem(ctx)
	closedAt := s.now().UTC()
	var difference, expected int64
	overridden := false

	closed, err := s.repo.TransitionSession(ctx, sessionID, func(ledger store.SessionLedger) (domain.CashSession, error) {
		session := ledger.Session
		if session.Status != domain.SessionStatusOpen {
			return domain.CashSession{}, store.SessionClosed(session.ID, session.Status)
		}

		expected = expectedCash(session.OpeningFloatCents, ledger.Movements)
		difference = counted - expected
		significant := abs64(difference) > s.threshold
		if significant && !req.Override {
			direction := "over"
			if difference < 0 {
				direction = "short"
			}
			return domain.CashSession{}, domain.NewError(domain.CodeDifferenceRequiresConfirmation, "cash difference above threshold needs confirmation", map[string]any{
				"session_id":          session.ID,
				"expected_cash_cents": expected,
				"counted_cash_cents":  counted,
				"difference_cents":    difference,
				"direction":           direction,
				"threshold_cents":     s.threshold,
			})
		}
		overridden = significant

		summary := summarize(ledger)
		session.Status = domain.SessionStatusClosed
		session.ClosedBy = actor.Username
		session.ClosedAt = &closedAt
		session.ExpectedCashCents = expected
		session.CountedCashCents = &counted
		session.CashDifferenceCents = &difference
		session.DifferenceOverride = overridden
		session.Denominations = req.Denominations
		session.Notes = strings.TrimSpace(req.Notes)
		session.Summary = &summary
		return session, nil
	})
	if err != nil {
		return domain.CashSession{}, err
	}

	s.logAudit(ctx, "session_close", "session", closed.ID, fmt.Sprintf("expected=%s,counted=%s,difference=%s,override=%t",
		cents(expected), cents(counted), cents(difference), overridden))
	return *closed, nil
}

// countedCash resolves the physical count from a total, a denomination
// breakdown, or both when they agree.
func countedCash(req domain.SessionCloseRequest) (int64, error) {
	if req.CountedCashCents == nil && len(req.Denominations) == 0 {
		return 0, domain.NewError(domain.CodeInvalidAmount, "counted cash or denominations are required", nil)
	}

	var fromDenominations int64
	for _, d := range req.Denominations {
		if d.ValueCents <= 0 || d.Count < 0 {
			return 0, domain.NewError(domain.CodeInvalidAmount, "denomination value must be positive and count non-negative", map[string]any{
				"value_cents": d.ValueCents,
				"count":       d.Count,
			})
		}
		fromDenominations += d.ValueCents * int64(d.Count)
	}

	if req.CountedCashCents == nil {
		return fromDenominations, nil
	}
	counted := *req.CountedCashCents
	if counted < 0 {
		return 0, domain.NewError(domain.CodeInvalidAmount, "counted cash cannot be negative", map[string]any{"counted_cash_cents": counted})
	}
	if len(req.Denominations) > 0 && counted != fromDenominations {
		return 0, domain.NewError(domain.CodeInvalidAmount, "counted cash does not match denominations", map[string]any{
			"counted_cash_cents":        counted,
			"denominations_total_cents": fromDenominations,
		})
	}
	return counted, nil
}

// CancelSession voids a session opened by mistake. Only a session with no
// movements and no invoices qualifies.
func (s *Service) CancelSession(ctx context.Context, sessionID string, req domain.SessionCancelRequest) (domain.CashSession, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.CashSession{}, err
	}

	actor := actorOrSystem(ctx)
	canceledAt := s.now().UTC()
	canceled, err := s.repo.TransitionSession(ctx, sessionID, func(ledger store.SessionLedger) (domain.CashSession, error) {
		session := ledger.Session
		if session.Status != domain.SessionStatusOpen {
			return domain.CashSession{}, store.SessionClosed(session.ID, session.Status)
		}
		if len(ledger.Movements) > 0 || len(ledger.Invoices) > 0 {
			return domain.CashSession{}, domain.NewError(domain.CodeSessionNotEmpty, "session has activity and must be closed instead", map[string]any{
				"session_id":     session.ID,
				"movement_count": len(ledger.Movements),
				"invoice_count":  len(ledger.Invoices),
			})
		}
		session.Status = domain.SessionStatusCanceled
		session.ClosedBy = actor.Username
		session.ClosedAt = &canceledAt
		session.Notes = strings.TrimSpace(req.Reason)
		return session, nil
	})
	if err != nil {
		return domain.CashSession{}, err
	}

	s.logAudit(ctx, "session_cancel", "session", canceled.ID, canceled.Notes)
	return *canceled, nil
}

func netMovements(movements []domain.CashMovement) int64 {
	var net int64
	for _, m := range movements {
		net += m.DeltaCents()
	}
	return net
}

func expectedCash(openingFloat int64, movements []domain.CashMovement) int64 {
	return openingFloat + netMovements(movements)
}
