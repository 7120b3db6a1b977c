package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tillcore/backend/internal/domain"
	"tillcore/backend/internal/store"
	"tillcore/backend/internal/xid"
)

//go:embed schema.sql
var schema string

const maxTxAttempts = 3

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// withTx runs fn in a SERIALIZABLE transaction, retrying serialization
// failures and deadlocks.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if !isRetryable(err) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return unavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) CreateRegister(ctx context.Context, register domain.CashRegister) (*domain.CashRegister, error) {
	if register.ID == "" {
		register.ID = xid.New("reg")
	}
	if register.CreatedAt.IsZero() {
		register.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cash_registers (id, company_id, name, code, active, journal_cash_sales, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, register.ID, register.CompanyID, register.Name, register.Code, register.Active, register.JournalCashSales, register.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, unavailable(err)
	}
	created := register
	return &created, nil
}

const registerColumns = `id, company_id, name, code, active, journal_cash_sales, created_at`

func scanRegister(row rowScanner) (*domain.CashRegister, error) {
	var register domain.CashRegister
	err := row.Scan(&register.ID, &register.CompanyID, &register.Name, &register.Code, &register.Active, &register.JournalCashSales, &register.CreatedAt)
	if err != nil {
		return nil, err
	}
	register.CreatedAt = register.CreatedAt.UTC()
	return &register, nil
}

func (s *Store) GetRegister(ctx context.Context, id string) (*domain.CashRegister, error) {
	register, err := scanRegister(s.db.QueryRowContext(ctx, `SELECT `+registerColumns+` FROM cash_registers WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return register, nil
}

func (s *Store) ListRegisters(ctx context.Context) ([]domain.CashRegister, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+registerColumns+` FROM cash_registers ORDER BY code`)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	registers := make([]domain.CashRegister, 0, 16)
	for rows.Next() {
		register, err := scanRegister(rows)
		if err != nil {
			return nil, err
		}
		registers = append(registers, *register)
	}
	return registers, rows.Err()
}

func (s *Store) SetRegisterActive(ctx context.Context, id string, active bool) (*domain.CashRegister, error) {
	register, err := scanRegister(s.db.QueryRowContext(ctx, `
		UPDATE cash_registers SET active = $2 WHERE id = $1
		RETURNING `+registerColumns, id, active))
	if err != nil {
		return nil, notFound(err)
	}
	return register, nil
}

func (s *Store) OpenSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error) {
	if session.ID == "" {
		session.ID = xid.New("sess")
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}
	session.Status = domain.SessionStatusOpen
	session.ExpectedCashCents = session.OpeningFloatCents

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var active bool
		err := tx.QueryRowContext(ctx, `SELECT active FROM cash_registers WHERE id = $1 FOR SHARE`, session.RegisterID).Scan(&active)
		if err != nil {
			return notFound(err)
		}
		if !active {
			return store.RegisterInactive(session.RegisterID)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO cash_sessions (
				id, register_id, opened_by, status, opened_at, opening_float_cents, expected_cash_cents
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, session.ID, session.RegisterID, session.OpenedBy, session.Status, session.OpenedAt, session.OpeningFloatCents, session.ExpectedCashCents)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			var openID string
			_ = s.db.QueryRowContext(ctx, `SELECT id FROM cash_sessions WHERE register_id = $1 AND status = 'open'`, session.RegisterID).Scan(&openID)
			return nil, store.RegisterBusy(session.RegisterID, openID)
		}
		return nil, err
	}
	created := session
	return &created, nil
}

const sessionColumns = `id, register_id, opened_by, closed_by, status, opened_at, closed_at,
	opening_float_cents, expected_cash_cents, counted_cash_cents, cash_difference_cents,
	difference_override, denominations, notes, summary`

func scanSession(row rowScanner) (*domain.CashSession, error) {
	var (
		session       domain.CashSession
		closedBy      sql.NullString
		closedAt      sql.NullTime
		counted       sql.NullInt64
		difference    sql.NullInt64
		denominations []byte
		summary       []byte
	)
	err := row.Scan(
		&session.ID,
		&session.RegisterID,
		&session.OpenedBy,
		&closedBy,
		&session.Status,
		&session.OpenedAt,
		&closedAt,
		&session.OpeningFloatCents,
		&session.ExpectedCashCents,
		&counted,
		&difference,
		&session.DifferenceOverride,
		&denominations,
		&session.Notes,
		&summary,
	)
	if err != nil {
		return nil, err
	}
	session.OpenedAt = session.OpenedAt.UTC()
	session.ClosedBy = closedBy.String
	if closedAt.Valid {
		at := closedAt.Time.UTC()
		session.ClosedAt = &at
	}
	if counted.Valid {
		session.CountedCashCents = &counted.Int64
	}
	if difference.Valid {
		session.CashDifferenceCents = &difference.Int64
	}
	if len(denominations) > 0 {
		if err := json.Unmarshal(denominations, &session.Denominations); err != nil {
			return nil, err
		}
	}
	if len(summary) > 0 {
		session.Summary = &domain.SessionSummary{}
		if err := json.Unmarshal(summary, session.Summary); err != nil {
			return nil, err
		}
	}
	return &session, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*domain.CashSession, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM cash_sessions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return session, nil
}

func (s *Store) GetOpenSession(ctx context.Context, registerID string) (*domain.CashSession, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM cash_sessions
		WHERE register_id = $1 AND status = 'open'
	`, registerID))
	if err != nil {
		return nil, notFound(err)
	}
	return session, nil
}

func (s *Store) LoadSessionLedger(ctx context.Context, id string) (*store.SessionLedger, error) {
	var ledger *store.SessionLedger
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		ledger, err = loadLedger(ctx, tx, id, "")
		return err
	})
	if err != nil {
		return nil, err
	}
	return ledger, nil
}

func (s *Store) TransitionSession(ctx context.Context, id string, fn store.SessionTransition) (*domain.CashSession, error) {
	var updated domain.CashSession
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ledger, err := loadLedger(ctx, tx, id, "FOR UPDATE")
		if err != nil {
			return err
		}
		next, err := fn(*ledger)
		if err != nil {
			return err
		}
		next.ID = ledger.Session.ID
		next.RegisterID = ledger.Session.RegisterID

		denominations, err := jsonOrNil(next.Denominations)
		if err != nil {
			return err
		}
		var summary any
		if next.Summary != nil {
			if summary, err = json.Marshal(next.Summary); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE cash_sessions
			SET status = $2, closed_by = $3, closed_at = $4, expected_cash_cents = $5,
				counted_cash_cents = $6, cash_difference_cents = $7, difference_override = $8,
				denominations = $9, notes = $10, summary = $11
			WHERE id = $1
		`, next.ID, next.Status, nullIfEmpty(next.ClosedBy), nullTime(next.ClosedAt), next.ExpectedCashCents,
			nullInt64(next.CountedCashCents), nullInt64(next.CashDifferenceCents), next.DifferenceOverride,
			denominations, next.Notes, summary)
		if err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *Store) ListClosedSessions(ctx context.Context, registerID string, from time.Time, to time.Time) ([]domain.CashSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM cash_sessions
		WHERE register_id = $1
			AND status = 'closed'
			AND closed_at >= $2
			AND closed_at < $3
		ORDER BY closed_at
	`, registerID, from, to)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	sessions := make([]domain.CashSession, 0, 4)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

func (s *Store) AppendMovement(ctx context.Context, movement domain.CashMovement) (*domain.CashMovement, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return appendMovement(ctx, tx, &movement)
	})
	if err != nil {
		return nil, err
	}
	return &movement, nil
}

func (s *Store) ListMovements(ctx context.Context, sessionID string) ([]domain.CashMovement, error) {
	var movements []domain.CashMovement
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT true FROM cash_sessions WHERE id = $1`, sessionID).Scan(&exists); err != nil {
			return notFound(err)
		}
		var err error
		movements, err = listMovements(ctx, tx, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return movements, nil
}

func (s *Store) RecordInvoice(ctx context.Context, invoice domain.Invoice, journal *domain.CashMovement) (*domain.Invoice, *domain.CashMovement, error) {
	if invoice.IssuedAt.IsZero() {
		invoice.IssuedAt = time.Now().UTC()
	}
	items, err := json.Marshal(invoice.Items)
	if err != nil {
		return nil, nil, err
	}

	var movement *domain.CashMovement
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		movement = nil
		var status domain.SessionStatus
		var registerID string
		err := tx.QueryRowContext(ctx, `
			SELECT status, register_id FROM cash_sessions WHERE id = $1 FOR SHARE
		`, invoice.SessionID).Scan(&status, &registerID)
		if err != nil {
			return notFound(err)
		}
		if status != domain.SessionStatusOpen {
			return store.SessionNotOpen(invoice.SessionID, status)
		}
		invoice.RegisterID = registerID

		_, err = tx.ExecContext(ctx, `
			INSERT INTO invoices (
				id, number, session_id, register_id, payment_method, total_ttc_cents,
				items, is_pos_ticket, converted_to_invoice, issued_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, invoice.ID, invoice.Number, invoice.SessionID, invoice.RegisterID, invoice.PaymentMethod, invoice.TotalTTCCents,
			items, invoice.IsPOSTicket, invoice.ConvertedToInvoice, invoice.IssuedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return store.ErrConflict
			}
			return err
		}

		if journal != nil {
			m := *journal
			m.SessionID = invoice.SessionID
			if err := insertMovement(ctx, tx, &m); err != nil {
				return err
			}
			movement = &m
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	created := invoice
	return &created, movement, nil
}

const invoiceColumns = `id, number, session_id, register_id, payment_method, total_ttc_cents,
	items, is_pos_ticket, converted_to_invoice, issued_at`

func scanInvoice(row rowScanner) (*domain.Invoice, error) {
	var invoice domain.Invoice
	var items []byte
	err := row.Scan(&invoice.ID, &invoice.Number, &invoice.SessionID, &invoice.RegisterID, &invoice.PaymentMethod,
		&invoice.TotalTTCCents, &items, &invoice.IsPOSTicket, &invoice.ConvertedToInvoice, &invoice.IssuedAt)
	if err != nil {
		return nil, err
	}
	invoice.IssuedAt = invoice.IssuedAt.UTC()
	if err := json.Unmarshal(items, &invoice.Items); err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (s *Store) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	invoice, err := scanInvoice(s.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return invoice, nil
}

func (s *Store) ListInvoicesBySession(ctx context.Context, sessionID string) ([]domain.Invoice, error) {
	return listInvoices(ctx, s.db, sessionID)
}

func (s *Store) ListCreditNotesByInvoice(ctx context.Context, invoiceID string) ([]domain.CreditNote, error) {
	return listCreditNotes(ctx, s.db, `WHERE original_invoice_id = $1`, invoiceID)
}

func (s *Store) ListCreditNotesBySession(ctx context.Context, sessionID string) ([]domain.CreditNote, error) {
	return listCreditNotes(ctx, s.db, creditNotesBySession, sessionID)
}

func (s *Store) CreateCreditNote(ctx context.Context, invoiceID string, build store.CreditNoteBuilder) (*domain.CreditNote, *domain.CashMovement, error) {
	var (
		note     *domain.CreditNote
		movement *domain.CashMovement
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		movement = nil
		invoice, err := scanInvoice(tx.QueryRowContext(ctx, `
			SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 FOR UPDATE
		`, invoiceID))
		if err != nil {
			return notFound(err)
		}
		existing, err := listCreditNotes(ctx, tx, `WHERE original_invoice_id = $1`, invoiceID)
		if err != nil {
			return err
		}

		built, candidate, err := build(*invoice, existing)
		if err != nil {
			return err
		}
		if built.ID == "" {
			built.ID = xid.New("cn")
		}
		if built.CreatedAt.IsZero() {
			built.CreatedAt = time.Now().UTC()
		}
		built.OriginalInvoiceID = invoiceID

		lines, err := json.Marshal(built.Lines)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO credit_notes (
				id, original_invoice_id, session_id, mode, items, total_ht_cents, total_tva_cents,
				total_ttc_cents, refund_method, reason, created_by, created_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`, built.ID, built.OriginalInvoiceID, nullIfEmpty(built.SessionID), built.Mode, lines, built.TotalHTCents,
			built.TotalTVACents, built.TotalTTCCents, built.RefundMethod, built.Reason, built.CreatedBy, built.CreatedAt)
		if err != nil {
			return err
		}
		note = built

		if candidate == nil {
			return nil
		}
		var status domain.SessionStatus
		err = tx.QueryRowContext(ctx, `SELECT status FROM cash_sessions WHERE id = $1 FOR SHARE`, candidate.SessionID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		if status != domain.SessionStatusOpen {
			return nil
		}
		m := *candidate
		m.ReferenceID = built.ID
		if err := insertMovement(ctx, tx, &m); err != nil {
			return err
		}
		movement = &m
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return note, movement, nil
}

func (s *Store) GetZReport(ctx context.Context, registerID string, date string) (*domain.ZReport, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM z_reports WHERE register_id = $1 AND report_date = $2::date
	`, registerID, date).Scan(&payload)
	if err != nil {
		return nil, notFound(err)
	}
	var report domain.ZReport
	if err := json.Unmarshal(payload, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (s *Store) SaveZReport(ctx context.Context, report domain.ZReport) (*domain.ZReport, bool, error) {
	if report.ID == "" {
		report.ID = xid.New("z")
	}
	report.Locked = true
	payload, err := json.Marshal(report)
	if err != nil {
		return nil, false, err
	}

	var insertedID string
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO z_reports (id, register_id, report_date, payload, generated_by, generated_at)
		VALUES ($1,$2,$3::date,$4,$5,$6)
		ON CONFLICT (register_id, report_date) DO NOTHING
		RETURNING id
	`, report.ID, report.RegisterID, report.Date, payload, report.GeneratedBy, report.GeneratedAt).Scan(&insertedID)
	if err == nil {
		saved := report
		return &saved, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, unavailable(err)
	}
	existing, err := s.GetZReport(ctx, report.RegisterID, report.Date)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrConflict
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// loadLedger reads a session and everything booked against it inside tx.
// lock is appended to the session select.
func loadLedger(ctx context.Context, tx *sql.Tx, id string, lock string) (*store.SessionLedger, error) {
	session, err := scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM cash_sessions WHERE id = $1 `+lock, id))
	if err != nil {
		return nil, notFound(err)
	}
	movements, err := listMovements(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	invoices, err := listInvoices(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	notes, err := listCreditNotes(ctx, tx, creditNotesBySession, id)
	if err != nil {
		return nil, err
	}
	return &store.SessionLedger{Session: *session, Movements: movements, Invoices: invoices, CreditNotes: notes}, nil
}

// appendMovement takes a share lock on the session so a concurrent close,
// which locks it for update, observes either none or all of the insert.
func appendMovement(ctx context.Context, tx *sql.Tx, movement *domain.CashMovement) error {
	var status domain.SessionStatus
	err := tx.QueryRowContext(ctx, `SELECT status FROM cash_sessions WHERE id = $1 FOR SHARE`, movement.SessionID).Scan(&status)
	if err != nil {
		return notFound(err)
	}
	if status != domain.SessionStatusOpen {
		return store.SessionClosed(movement.SessionID, status)
	}
	return insertMovement(ctx, tx, movement)
}

func insertMovement(ctx context.Context, tx *sql.Tx, movement *domain.CashMovement) error {
	if movement.ID == "" {
		movement.ID = xid.New("mv")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO cash_movements (id, session_id, type, direction, amount_cents, reason, reference_id, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, movement.ID, movement.SessionID, movement.Type, nullIfEmpty(movement.Direction), movement.AmountCents,
		movement.Reason, nullIfEmpty(movement.ReferenceID), movement.CreatedBy, movement.CreatedAt)
	return err
}

func listMovements(ctx context.Context, q queryer, sessionID string) ([]domain.CashMovement, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, session_id, type, direction, amount_cents, reason, reference_id, created_by, created_at
		FROM cash_movements
		WHERE session_id = $1
		ORDER BY seq
	`, sessionID)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	movements := make([]domain.CashMovement, 0, 16)
	for rows.Next() {
		var m domain.CashMovement
		var direction, reference sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Type, &direction, &m.AmountCents, &m.Reason, &reference, &m.CreatedBy, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Direction = direction.String
		m.ReferenceID = reference.String
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func listInvoices(ctx context.Context, q queryer, sessionID string) ([]domain.Invoice, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE session_id = $1
		ORDER BY issued_at, id
	`, sessionID)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	invoices := make([]domain.Invoice, 0, 32)
	for rows.Next() {
		invoice, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, *invoice)
	}
	return invoices, rows.Err()
}

const creditNotesBySession = `WHERE original_invoice_id IN (SELECT id FROM invoices WHERE session_id = $1)`

func listCreditNotes(ctx context.Context, q queryer, where string, arg string) ([]domain.CreditNote, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, original_invoice_id, session_id, mode, items, total_ht_cents, total_tva_cents,
			total_ttc_cents, refund_method, reason, created_by, created_at
		FROM credit_notes `+where+`
		ORDER BY created_at, id
	`, arg)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	notes := make([]domain.CreditNote, 0, 4)
	for rows.Next() {
		var note domain.CreditNote
		var sessionID sql.NullString
		var lines []byte
		if err := rows.Scan(&note.ID, &note.OriginalInvoiceID, &sessionID, &note.Mode, &lines, &note.TotalHTCents,
			&note.TotalTVACents, &note.TotalTTCCents, &note.RefundMethod, &note.Reason, &note.CreatedBy, &note.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(lines, &note.Lines); err != nil {
			return nil, err
		}
		note.Type = domain.CreditNoteType
		note.SessionID = sessionID.String
		note.CreatedAt = note.CreatedAt.UTC()
		notes = append(notes, note)
	}
	return notes, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// isRetryable reports serialization failures and deadlocks.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// notFound maps a missing row to store.ErrNotFound and connection-level
// failures to store.ErrUnavailable.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return unavailable(err)
}

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	var connErr *pgconn.ConnectError
	if pgconn.Timeout(err) || errors.As(err, &connErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return err
}

func jsonOrNil[T any](val []T) (any, error) {
	if len(val) == 0 {
		return nil, nil
	}
	return json.Marshal(val)
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func nullInt64(val *int64) any {
	if val == nil {
		return nil
	}
	return *val
}
