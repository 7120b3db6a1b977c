package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tillcore/backend/internal/domain"
	"tillcore/backend/internal/store"
)

func newStoreWithRegister(t *testing.T) (*Store, string) {
	t.Helper()
	s := New()
	register, err := s.CreateRegister(context.Background(), domain.CashRegister{CompanyID: "c1", Name: "Front", Code: "F-1", Active: true})
	require.NoError(t, err)
	return s, register.ID
}

func TestCreateRegisterRejectsDuplicateCode(t *testing.T) {
	s, _ := newStoreWithRegister(t)
	_, err := s.CreateRegister(context.Background(), domain.CashRegister{CompanyID: "c1", Name: "Other", Code: "f-1", Active: true})
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestOpenSessionIsExclusivePerRegister(t *testing.T) {
	s, registerID := newStoreWithRegister(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	opened := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.OpenSession(ctx, domain.CashSession{RegisterID: registerID, OpenedBy: "c"})
			if err == nil {
				mu.Lock()
				opened++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, domain.ErrRegisterBusy)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, opened)
}

func TestOpenSessionOnInactiveRegister(t *testing.T) {
	s, registerID := newStoreWithRegister(t)
	ctx := context.Background()
	_, err := s.SetRegisterActive(ctx, registerID, false)
	require.NoError(t, err)

	_, err = s.OpenSession(ctx, domain.CashSession{RegisterID: registerID, OpenedBy: "c"})
	require.ErrorIs(t, err, domain.ErrRegisterInactive)
}

func TestTransitionReleasesRegister(t *testing.T) {
	s, registerID := newStoreWithRegister(t)
	ctx := context.Background()
	session, err := s.OpenSession(ctx, domain.CashSession{RegisterID: registerID, OpenedBy: "c"})
	require.NoError(t, err)

	_, err = s.TransitionSession(ctx, session.ID, func(ledger store.SessionLedger) (domain.CashSession, error) {
		next := ledger.Session
		next.Status = domain.SessionStatusCanceled
		return next, nil
	})
	require.NoError(t, err)

	_, err = s.GetOpenSession(ctx, registerID)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.AppendMovement(ctx, domain.CashMovement{SessionID: session.ID, Type: domain.MovementCashIn, AmountCents: 1, Reason: "x"})
	require.ErrorIs(t, err, domain.ErrSessionClosed)

	_, err = s.OpenSession(ctx, domain.CashSession{RegisterID: registerID, OpenedBy: "c"})
	require.NoError(t, err)
}

func TestCreditNoteMovementDroppedWhenSessionClosed(t *testing.T) {
	s, registerID := newStoreWithRegister(t)
	ctx := context.Background()
	session, err := s.OpenSession(ctx, domain.CashSession{RegisterID: registerID, OpenedBy: "c"})
	require.NoError(t, err)
	_, _, err = s.RecordInvoice(ctx, domain.Invoice{ID: "inv-1", Number: "1", SessionID: session.ID, PaymentMethod: "cash", TotalTTCCents: 500}, nil)
	require.NoError(t, err)
	_, err = s.TransitionSession(ctx, session.ID, func(ledger store.SessionLedger) (domain.CashSession, error) {
		next := ledger.Session
		next.Status = domain.SessionStatusClosed
		return next, nil
	})
	require.NoError(t, err)

	note, movement, err := s.CreateCreditNote(ctx, "inv-1", func(invoice domain.Invoice, existing []domain.CreditNote) (*domain.CreditNote, *domain.CashMovement, error) {
		assert.Empty(t, existing)
		return &domain.CreditNote{TotalTTCCents: invoice.TotalTTCCents}, &domain.CashMovement{SessionID: invoice.SessionID, Type: domain.MovementCashOut, AmountCents: 500, Reason: "refund"}, nil
	})
	require.NoError(t, err)
	assert.Nil(t, movement)
	assert.Equal(t, "inv-1", note.OriginalInvoiceID)

	notes, err := s.ListCreditNotesByInvoice(ctx, "inv-1")
	require.NoError(t, err)
	assert.Len(t, notes, 1)
}

func TestSaveZReportInsertsOnce(t *testing.T) {
	s, registerID := newStoreWithRegister(t)
	ctx := context.Background()

	first, created, err := s.SaveZReport(ctx, domain.ZReport{RegisterID: registerID, Date: "2026-01-02", TotalTTCCents: 100})
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, first.Locked)

	second, created, err := s.SaveZReport(ctx, domain.ZReport{RegisterID: registerID, Date: "2026-01-02", TotalTTCCents: 999})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(100), second.TotalTTCCents)
}

func TestCreditNoteMovementOnUnknownSessionAborts(t *testing.T) {
	s, registerID := newStoreWithRegister(t)
	ctx := context.Background()
	session, err := s.OpenSession(ctx, domain.CashSession{RegisterID: registerID, OpenedBy: "c"})
	require.NoError(t, err)
	_, _, err = s.RecordInvoice(ctx, domain.Invoice{ID: "inv-2", Number: "2", SessionID: session.ID, PaymentMethod: "cash", TotalTTCCents: 500}, nil)
	require.NoError(t, err)

	_, _, err = s.CreateCreditNote(ctx, "inv-2", func(invoice domain.Invoice, _ []domain.CreditNote) (*domain.CreditNote, *domain.CashMovement, error) {
		return &domain.CreditNote{TotalTTCCents: invoice.TotalTTCCents}, &domain.CashMovement{SessionID: "sess_gone", Type: domain.MovementCashOut, AmountCents: 500, Reason: "refund"}, nil
	})
	require.ErrorIs(t, err, store.ErrNotFound)

	notes, err := s.ListCreditNotesByInvoice(ctx, "inv-2")
	require.NoError(t, err)
	assert.Empty(t, notes)
}

func TestReturnedSessionDoesNotAliasStoredCounts(t *testing.T) {
	s, registerID := newStoreWithRegister(t)
	ctx := context.Background()
	session, err := s.OpenSession(ctx, domain.CashSession{RegisterID: registerID, OpenedBy: "c"})
	require.NoError(t, err)

	counted, diff := int64(1200), int64(-50)
	_, err = s.TransitionSession(ctx, session.ID, func(ledger store.SessionLedger) (domain.CashSession, error) {
		next := ledger.Session
		next.Status = domain.SessionStatusClosed
		next.CountedCashCents = &counted
		next.CashDifferenceCents = &diff
		return next, nil
	})
	require.NoError(t, err)
	counted, diff = 0, 0

	got, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CountedCashCents)
	require.NotNil(t, got.CashDifferenceCents)
	assert.Equal(t, int64(1200), *got.CountedCashCents)
	assert.Equal(t, int64(-50), *got.CashDifferenceCents)

	*got.CountedCashCents = 1
	*got.CashDifferenceCents = 1
	again, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1200), *again.CountedCashCents)
	assert.Equal(t, int64(-50), *again.CashDifferenceCents)
}
