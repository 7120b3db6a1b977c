package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/rs/zerolog/log"

	"tillcore/backend/internal/cache"
	"tillcore/backend/internal/domain"
	"tillcore/backend/internal/store"
	"tillcore/backend/internal/xid"
)

// summarize aggregates one session's ledger. Converted tickets are skipped
// because the invoice they became is counted instead.
func summarize(ledger store.SessionLedger) domain.SessionSummary {
	summary := domain.SessionSummary{
		SalesByMethod:     map[string]int64{},
		RefundsByMethod:   map[string]int64{},
		OpeningFloatCents: ledger.Session.OpeningFloatCents,
	}

	for _, invoice := range ledger.Invoices {
		if !invoice.Countable() {
			continue
		}
		method := defaultString(invoice.PaymentMethod, "unknown")
		summary.InvoiceCount++
		summary.TotalSalesCents += invoice.TotalTTCCents
		summary.SalesByMethod[method] += invoice.TotalTTCCents
		if method == domain.PaymentMethodCash {
			summary.CashSalesCents += invoice.TotalTTCCents
		}
	}

	for _, note := range ledger.CreditNotes {
		method := defaultString(note.RefundMethod, "unknown")
		summary.RefundCount++
		summary.RefundTotalCents += note.TotalTTCCents
		summary.RefundsByMethod[method] += note.TotalTTCCents
	}

	totals := &summary.Movements
	for _, m := range ledger.Movements {
		totals.Count++
		switch m.Type {
		case domain.MovementCashIn:
			totals.CashInCents += m.AmountCents
		case domain.MovementCashOut:
			totals.CashOutCents += m.AmountCents
		case domain.MovementSafeDrop:
			totals.SafeDropCents += m.AmountCents
		case domain.MovementAdjustment:
			if m.Direction == domain.DirectionOut {
				totals.AdjustmentOutCents += m.AmountCents
			} else {
				totals.AdjustmentInCents += m.AmountCents
			}
		}
		totals.NetCents += m.DeltaCents()
	}

	summary.NetSalesCents = summary.TotalSalesCents - summary.RefundTotalCents
	summary.ExpectedCashCents = summary.OpeningFloatCents + totals.NetCents
	return summary
}

// XReport is a live projection of an open session. It is recomputed on
// every call and never cached.
func (s *Service) XReport(ctx context.Context, sessionID string) (domain.XReport, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.XReport{}, err
	}
	if session.Status != domain.SessionStatusOpen {
		return domain.XReport{}, store.SessionNotOpen(session.ID, session.Status)
	}

	movements, err := s.repo.ListMovements(ctx, sessionID)
	if err != nil {
		return domain.XReport{}, err
	}
	invoices, err := s.reader.ListInvoicesBySession(ctx, sessionID)
	if err != nil {
		return domain.XReport{}, err
	}
	notes, err := s.reader.ListCreditNotesBySession(ctx, sessionID)
	if err != nil {
		return domain.XReport{}, err
	}

	summary := summarize(store.SessionLedger{
		Session:     *session,
		Movements:   movements,
		Invoices:    invoices,
		CreditNotes: notes,
	})
	return domain.XReport{
		SessionID:      session.ID,
		RegisterID:     session.RegisterID,
		Status:         session.Status,
		OpenedBy:       session.OpenedBy,
		OpenedAt:       session.OpenedAt,
		GeneratedAt:    s.now().UTC(),
		SessionSummary: summary,
	}, nil
}

// GetZReport returns an already generated Z report.
func (s *Service) GetZReport(ctx context.Context, registerID string, date string) (domain.ZReport, error) {
	day, err := s.parseDay(date)
	if err != nil {
		return domain.ZReport{}, err
	}
	date = day.Format("2006-01-02")

	if report, ok := s.cachedZReport(ctx, registerID, date); ok {
		return report, nil
	}
	report, err := s.repo.GetZReport(ctx, registerID, date)
	if err != nil {
		return domain.ZReport{}, err
	}
	s.fillZReportCache(ctx, report)
	return *report, nil
}

// GenerateZReport returns the locked report for (register, date), building
// and persisting it on first request. Concurrent callers in this process
// share one build; across processes the store keeps the first write and
// every caller gets that record back.
func (s *Service) GenerateZReport(ctx context.Context, registerID string, date string) (domain.ZReport, error) {
	day, err := s.parseDay(date)
	if err != nil {
		return domain.ZReport{}, err
	}
	date = day.Format("2006-01-02")

	if report, ok := s.cachedZReport(ctx, registerID, date); ok {
		return report, nil
	}
	existing, err := s.repo.GetZReport(ctx, registerID, date)
	switch {
	case err == nil:
		s.fillZReportCache(ctx, existing)
		return *existing, nil
	case !errors.Is(err, store.ErrNotFound):
		return domain.ZReport{}, err
	}

	// A canceled caller must not abort the shared build for the others.
	buildCtx := context.WithoutCancel(ctx)
	result := s.zflight.DoChan(cache.ZReportKey(registerID, date), func() (any, error) {
		return s.buildZReport(buildCtx, registerID, date)
	})

	select {
	case <-ctx.Done():
		return domain.ZReport{}, ctx.Err()
	case res := <-result:
		if res.Err != nil {
			return domain.ZReport{}, res.Err
		}
		return res.Val.(domain.ZReport), nil
	}
}

func (s *Service) buildZReport(ctx context.Context, registerID string, date string) (domain.ZReport, error) {
	if _, err := s.repo.GetRegister(ctx, registerID); err != nil {
		return domain.ZReport{}, err
	}

	day, err := s.parseDay(date)
	if err != nil {
		return domain.ZReport{}, err
	}
	sessions, err := s.repo.ListClosedSessions(ctx, registerID, day, day.AddDate(0, 0, 1))
	if err != nil {
		return domain.ZReport{}, err
	}
	if len(sessions) == 0 {
		return domain.ZReport{}, domain.NewError(domain.CodeNoClosedSessions, "no session was closed on this register that day", map[string]any{
			"register_id": registerID,
			"date":        date,
		})
	}

	actor := actorOrSystem(ctx)
	report := domain.ZReport{
		ID:              xid.New("z"),
		RegisterID:      registerID,
		Date:            date,
		SessionsCount:   len(sessions),
		TotalsByMethod:  map[string]int64{},
		RefundsByMethod: map[string]int64{},
		Sessions:        make([]domain.ZSessionDetail, 0, len(sessions)),
		Locked:          true,
		GeneratedBy:     actor.Username,
		GeneratedAt:     s.now().UTC(),
	}

	for _, session := range sessions {
		// Z reports read the snapshot frozen at close, never the live ledger.
		var summary domain.SessionSummary
		if session.Summary != nil {
			summary = *session.Summary
		}
		detail := domain.ZSessionDetail{
			SessionID:         session.ID,
			OpenedBy:          session.OpenedBy,
			ClosedBy:          session.ClosedBy,
			OpenedAt:          session.OpenedAt,
			OpeningFloatCents: session.OpeningFloatCents,
			ExpectedCashCents: session.ExpectedCashCents,
			InvoiceCount:      summary.InvoiceCount,
			TotalSalesCents:   summary.TotalSalesCents,
			SalesByMethod:     map[string]int64{},
			RefundTotalCents:  summary.RefundTotalCents,
		}
		if session.ClosedAt != nil {
			detail.ClosedAt = *session.ClosedAt
		}
		if session.CountedCashCents != nil {
			detail.CountedCashCents = *session.CountedCashCents
		}
		if session.CashDifferenceCents != nil {
			detail.CashDifferenceCents = *session.CashDifferenceCents
		}
		for method, amount := range summary.SalesByMethod {
			detail.SalesByMethod[method] = amount
			report.TotalsByMethod[method] += amount
		}
		for method, amount := range summary.RefundsByMethod {
			report.RefundsByMethod[method] += amount
		}

		report.InvoiceCount += summary.InvoiceCount
		report.TotalTTCCents += summary.TotalSalesCents
		report.RefundCount += summary.RefundCount
		report.RefundTotalCents += summary.RefundTotalCents
		report.TotalCashDifferenceCents += detail.CashDifferenceCents
		report.Sessions = append(report.Sessions, detail)
	}

	saved, created, err := s.repo.SaveZReport(ctx, report)
	if err != nil {
		return domain.ZReport{}, err
	}
	if created {
		s.logAudit(ctx, "zreport_generate", "register", registerID, fmt.Sprintf("date=%s,sessions=%d,total=%s",
			saved.Date, saved.SessionsCount, cents(saved.TotalTTCCents)))
	}
	s.fillZReportCache(ctx, saved)
	return *saved, nil
}

func (s *Service) cachedZReport(ctx context.Context, registerID string, date string) (domain.ZReport, bool) {
	report, ok, err := s.zcache.Get(ctx, registerID, date)
	if err != nil {
		log.Warn().Err(err).Str("key", cache.ZReportKey(registerID, date)).Msg("zreport cache: read failed, using store")
		return domain.ZReport{}, false
	}
	if !ok || report == nil {
		return domain.ZReport{}, false
	}
	return *report, true
}

func (s *Service) fillZReportCache(ctx context.Context, report *domain.ZReport) {
	if report == nil || !report.Locked {
		return
	}
	if err := s.zcache.Set(ctx, report, s.zcacheTTL); err != nil {
		log.Warn().Err(err).Str("key", cache.ZReportKey(report.RegisterID, report.Date)).Msg("zreport cache: fill failed")
	}
}

// ZReportCSV renders a locked Z report as CSV rows.
func ZReportCSV(report domain.ZReport) [][]string {
	rows := [][]string{
		{"register_id", report.RegisterID},
		{"date", report.Date},
		{"sessions_count", fmt.Sprint(report.SessionsCount)},
		{"invoice_count", fmt.Sprint(report.InvoiceCount)},
		{"total_ttc", cents(report.TotalTTCCents)},
		{"refund_count", fmt.Sprint(report.RefundCount)},
		{"refund_total", cents(report.RefundTotalCents)},
		{"total_cash_difference", cents(report.TotalCashDifferenceCents)},
	}
	for _, method := range sortedKeys(report.TotalsByMethod) {
		rows = append(rows, []string{"sales_" + method, cents(report.TotalsByMethod[method])})
	}
	for _, method := range sortedKeys(report.RefundsByMethod) {
		rows = append(rows, []string{"refunds_" + method, cents(report.RefundsByMethod[method])})
	}

	rows = append(rows, []string{})
	rows = append(rows, []string{"session_id", "opened_by", "closed_by", "closed_at", "opening_float", "expected_cash", "counted_cash", "cash_difference", "invoice_count", "total_sales", "refund_total"})
	for _, d := range report.Sessions {
		rows = append(rows, []string{
			d.SessionID,
			d.OpenedBy,
			d.ClosedBy,
			d.ClosedAt.UTC().Format("2006-01-02T15:04:05Z"),
			cents(d.OpeningFloatCents),
			cents(d.ExpectedCashCents),
			cents(d.CountedCashCents),
			cents(d.CashDifferenceCents),
			fmt.Sprint(d.InvoiceCount),
			cents(d.TotalSalesCents),
			cents(d.RefundTotalCents),
		})
	}
	return rows
}

// FormatCents renders minor units as a decimal amount.
func FormatCents(v int64) string {
	return cents(v)
}

func sortedKeys(m map[string]int64) []string {
	return slices.Sorted(maps.Keys(m))
}
