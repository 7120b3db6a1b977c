package breaker

import (
	"context"
	"errors"
	"time"

	"tillcore/backend/internal/domain"
	"tillcore/backend/internal/store"
)

// InvoiceReader bounds every read-model call by a deadline and a breaker.
// Slow or failing reads surface as ReadModelUnavailable.
type InvoiceReader struct {
	next    store.InvoiceReader
	breaker *Breaker
	timeout time.Duration
}

func Guard(next store.InvoiceReader, breaker *Breaker, timeout time.Duration) *InvoiceReader {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &InvoiceReader{next: next, breaker: breaker, timeout: timeout}
}

func (r *InvoiceReader) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	var invoice *domain.Invoice
	err := r.call(ctx, "get_invoice", func(ctx context.Context) error {
		var err error
		invoice, err = r.next.GetInvoice(ctx, id)
		return err
	})
	return invoice, err
}

func (r *InvoiceReader) ListInvoicesBySession(ctx context.Context, sessionID string) ([]domain.Invoice, error) {
	var invoices []domain.Invoice
	err := r.call(ctx, "list_invoices", func(ctx context.Context) error {
		var err error
		invoices, err = r.next.ListInvoicesBySession(ctx, sessionID)
		return err
	})
	return invoices, err
}

func (r *InvoiceReader) ListCreditNotesByInvoice(ctx context.Context, invoiceID string) ([]domain.CreditNote, error) {
	var notes []domain.CreditNote
	err := r.call(ctx, "list_credit_notes", func(ctx context.Context) error {
		var err error
		notes, err = r.next.ListCreditNotesByInvoice(ctx, invoiceID)
		return err
	})
	return notes, err
}

func (r *InvoiceReader) ListCreditNotesBySession(ctx context.Context, sessionID string) ([]domain.CreditNote, error) {
	var notes []domain.CreditNote
	err := r.call(ctx, "list_session_credit_notes", func(ctx context.Context) error {
		var err error
		notes, err = r.next.ListCreditNotesBySession(ctx, sessionID)
		return err
	})
	return notes, err
}

func (r *InvoiceReader) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := r.breaker.Execute(func() error {
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return fn(callCtx)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrOpen):
		return domain.NewError(domain.CodeReadModelUnavailable, "invoice read model is failing, retry later", map[string]any{
			"operation": op,
			"breaker":   Open.String(),
		})
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, store.ErrUnavailable):
		return domain.NewError(domain.CodeReadModelUnavailable, "invoice read model did not answer in time", map[string]any{
			"operation":  op,
			"timeout_ms": r.timeout.Milliseconds(),
		})
	default:
		return err
	}
}
