package store

import (
	"context"
	"errors"
	"time"

	"tillcore/backend/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	// ErrUnavailable marks a failure the caller may retry; nothing was written.
	ErrUnavailable = errors.New("store unavailable")
)

// SessionLedger is a consistent snapshot of one session and everything
// booked against it.
type SessionLedger struct {
	Session   domain.CashSession
	Movements []domain.CashMovement
	Invoices  []domain.Invoice
	// CreditNotes reference an invoice of this session.
	CreditNotes []domain.CreditNote
}

// SessionTransition receives the session under lock and returns its next
// state. Returning an error aborts without writing.
type SessionTransition func(ledger SessionLedger) (domain.CashSession, error)

// CreditNoteBuilder runs while the invoice is locked. The returned movement,
// if any, is appended only when its session is still open. A movement naming
// an unknown session aborts the write with ErrNotFound.
type CreditNoteBuilder func(invoice domain.Invoice, existing []domain.CreditNote) (*domain.CreditNote, *domain.CashMovement, error)

// InvoiceReader is the sale read model consumed by reports and refunds.
type InvoiceReader interface {
	GetInvoice(ctx context.Context, id string) (*domain.Invoice, error)
	ListInvoicesBySession(ctx context.Context, sessionID string) ([]domain.Invoice, error)
	ListCreditNotesByInvoice(ctx context.Context, invoiceID string) ([]domain.CreditNote, error)
	// ListCreditNotesBySession returns notes whose original invoice belongs
	// to the session.
	ListCreditNotesBySession(ctx context.Context, sessionID string) ([]domain.CreditNote, error)
}

type Repository interface {
	InvoiceReader

	CreateRegister(ctx context.Context, register domain.CashRegister) (*domain.CashRegister, error)
	GetRegister(ctx context.Context, id string) (*domain.CashRegister, error)
	ListRegisters(ctx context.Context) ([]domain.CashRegister, error)
	SetRegisterActive(ctx context.Context, id string, active bool) (*domain.CashRegister, error)

	// OpenSession fails with RegisterBusy or RegisterInactive.
	OpenSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error)
	GetSession(ctx context.Context, id string) (*domain.CashSession, error)
	GetOpenSession(ctx context.Context, registerID string) (*domain.CashSession, error)
	LoadSessionLedger(ctx context.Context, id string) (*SessionLedger, error)
	TransitionSession(ctx context.Context, id string, fn SessionTransition) (*domain.CashSession, error)
	// ListClosedSessions returns closed sessions with closed_at in [from, to).
	ListClosedSessions(ctx context.Context, registerID string, from time.Time, to time.Time) ([]domain.CashSession, error)

	// AppendMovement fails with SessionClosed unless the session is open.
	AppendMovement(ctx context.Context, movement domain.CashMovement) (*domain.CashMovement, error)
	ListMovements(ctx context.Context, sessionID string) ([]domain.CashMovement, error)

	// RecordInvoice stores a sale for an open session, with its journal
	// movement when one is given.
	RecordInvoice(ctx context.Context, invoice domain.Invoice, journal *domain.CashMovement) (*domain.Invoice, *domain.CashMovement, error)
	CreateCreditNote(ctx context.Context, invoiceID string, build CreditNoteBuilder) (*domain.CreditNote, *domain.CashMovement, error)

	GetZReport(ctx context.Context, registerID string, date string) (*domain.ZReport, error)
	// SaveZReport inserts the report unless one exists for (register, date).
	// It returns the stored record and whether this call created it.
	SaveZReport(ctx context.Context, report domain.ZReport) (*domain.ZReport, bool, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// Rejections raised inside the atomic section of a write.

func RegisterBusy(registerID string, openSessionID string) error {
	return domain.NewError(domain.CodeRegisterBusy, "register already has an open session", map[string]any{
		"register_id":     registerID,
		"open_session_id": openSessionID,
	})
}

func RegisterInactive(registerID string) error {
	return domain.NewError(domain.CodeRegisterInactive, "register is not active", map[string]any{"register_id": registerID})
}

func SessionClosed(sessionID string, status domain.SessionStatus) error {
	return domain.NewError(domain.CodeSessionClosed, "session does not accept movements", map[string]any{
		"session_id": sessionID,
		"status":     string(status),
	})
}

func SessionNotOpen(sessionID string, status domain.SessionStatus) error {
	return domain.NewError(domain.CodeSessionNotOpen, "session is not open", map[string]any{
		"session_id": sessionID,
		"status":     string(status),
	})
}
