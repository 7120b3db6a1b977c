package memory

import (
	"context"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"tillcore/backend/internal/domain"
	"tillcore/backend/internal/store"
	"tillcore/backend/internal/xid"
)

// Store keeps every aggregate behind one mutex, so each write is an atomic
// read-check-write.
type Store struct {
	mu                    sync.RWMutex
	registersByID         map[string]domain.CashRegister
	sessionsByID          map[string]domain.CashSession
	openSessionByRegister map[string]string
	movementsBySession    map[string][]domain.CashMovement
	invoicesByID          map[string]domain.Invoice
	invoiceIDsBySession   map[string][]string
	creditNotesByInvoice  map[string][]domain.CreditNote
	zReports              map[string]domain.ZReport
	auditLogs             []domain.AuditLog
	usersByUsername       map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		registersByID:         make(map[string]domain.CashRegister),
		sessionsByID:          make(map[string]domain.CashSession),
		openSessionByRegister: make(map[string]string),
		movementsBySession:    make(map[string][]domain.CashMovement),
		invoicesByID:          make(map[string]domain.Invoice),
		invoiceIDsBySession:   make(map[string][]string),
		creditNotesByInvoice:  make(map[string][]domain.CreditNote),
		zReports:              make(map[string]domain.ZReport),
		auditLogs:             make([]domain.AuditLog, 0, 128),
		usersByUsername:       make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store with dev users and one demo register.
func NewSeeded() *Store {
	s := New()
	s.usersByUsername = seedUsers()
	s.registersByID["reg_main"] = domain.CashRegister{
		ID:        "reg_main",
		CompanyID: "demo",
		Name:      "Main till",
		Code:      "MAIN-01",
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	return s
}

// seedUsers builds the dev/demo accounts. Credentials come from
// SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD, with a warning when the
// hardcoded defaults are used.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Warn().Msg("memory store: using default dev credentials, set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatal().Err(err).Str("username", u.username).Msg("memory store: hash seed password")
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) CreateRegister(_ context.Context, register domain.CashRegister) (*domain.CashRegister, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.registersByID {
		if strings.EqualFold(existing.Code, register.Code) {
			return nil, store.ErrConflict
		}
	}
	if register.ID == "" {
		register.ID = xid.New("reg")
	}
	if register.CreatedAt.IsZero() {
		register.CreatedAt = time.Now().UTC()
	}
	s.registersByID[register.ID] = register
	created := register
	return &created, nil
}

func (s *Store) GetRegister(_ context.Context, id string) (*domain.CashRegister, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	register, ok := s.registersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &register, nil
}

func (s *Store) ListRegisters(_ context.Context) ([]domain.CashRegister, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	registers := slices.Collect(maps.Values(s.registersByID))
	slices.SortFunc(registers, func(a, b domain.CashRegister) int {
		return strings.Compare(a.Code, b.Code)
	})
	return registers, nil
}

func (s *Store) SetRegisterActive(_ context.Context, id string, active bool) (*domain.CashRegister, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	register, ok := s.registersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	register.Active = active
	s.registersByID[id] = register
	return &register, nil
}

func (s *Store) OpenSession(_ context.Context, session domain.CashSession) (*domain.CashSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	register, ok := s.registersByID[session.RegisterID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !register.Active {
		return nil, store.RegisterInactive(register.ID)
	}
	if openID, busy := s.openSessionByRegister[register.ID]; busy {
		return nil, store.RegisterBusy(register.ID, openID)
	}
	if session.ID == "" {
		session.ID = xid.New("sess")
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}
	session.Status = domain.SessionStatusOpen
	session.ExpectedCashCents = session.OpeningFloatCents

	s.sessionsByID[session.ID] = session
	s.openSessionByRegister[register.ID] = session.ID
	created := cloneSession(session)
	return &created, nil
}

func (s *Store) GetSession(_ context.Context, id string) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copySession := cloneSession(session)
	return &copySession, nil
}

func (s *Store) GetOpenSession(_ context.Context, registerID string) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.openSessionByRegister[registerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copySession := cloneSession(s.sessionsByID[id])
	return &copySession, nil
}

func (s *Store) LoadSessionLedger(_ context.Context, id string) (*store.SessionLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ledger, err := s.ledgerLocked(id)
	if err != nil {
		return nil, err
	}
	return &ledger, nil
}

func (s *Store) TransitionSession(_ context.Context, id string, fn store.SessionTransition) (*domain.CashSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ledger, err := s.ledgerLocked(id)
	if err != nil {
		return nil, err
	}
	next, err := fn(ledger)
	if err != nil {
		return nil, err
	}
	next.ID = ledger.Session.ID
	next.RegisterID = ledger.Session.RegisterID

	s.sessionsByID[id] = cloneSession(next)
	if next.Status != domain.SessionStatusOpen && s.openSessionByRegister[next.RegisterID] == id {
		delete(s.openSessionByRegister, next.RegisterID)
	}
	updated := cloneSession(next)
	return &updated, nil
}

func (s *Store) ListClosedSessions(_ context.Context, registerID string, from time.Time, to time.Time) ([]domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.CashSession, 0, 4)
	for _, session := range s.sessionsByID {
		if session.RegisterID != registerID || session.Status != domain.SessionStatusClosed || session.ClosedAt == nil {
			continue
		}
		if session.ClosedAt.Before(from) || !session.ClosedAt.Before(to) {
			continue
		}
		result = append(result, cloneSession(session))
	}
	slices.SortFunc(result, func(a, b domain.CashSession) int {
		return a.ClosedAt.Compare(*b.ClosedAt)
	})
	return result, nil
}

func (s *Store) AppendMovement(_ context.Context, movement domain.CashMovement) (*domain.CashMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created, err := s.appendMovementLocked(movement)
	if err != nil {
		return nil, err
	}
	return &created, nil
}

func (s *Store) ListMovements(_ context.Context, sessionID string) ([]domain.CashMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessionsByID[sessionID]; !ok {
		return nil, store.ErrNotFound
	}
	return slices.Clone(s.movementsBySession[sessionID]), nil
}

func (s *Store) RecordInvoice(_ context.Context, invoice domain.Invoice, journal *domain.CashMovement) (*domain.Invoice, *domain.CashMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.invoicesByID[invoice.ID]; exists {
		return nil, nil, store.ErrConflict
	}
	session, ok := s.sessionsByID[invoice.SessionID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	if session.Status != domain.SessionStatusOpen {
		return nil, nil, store.SessionNotOpen(session.ID, session.Status)
	}
	invoice.RegisterID = session.RegisterID
	if invoice.IssuedAt.IsZero() {
		invoice.IssuedAt = time.Now().UTC()
	}

	var movement *domain.CashMovement
	if journal != nil {
		journal.SessionID = session.ID
		created, err := s.appendMovementLocked(*journal)
		if err != nil {
			return nil, nil, err
		}
		movement = &created
	}

	s.invoicesByID[invoice.ID] = cloneInvoice(invoice)
	s.invoiceIDsBySession[session.ID] = append(s.invoiceIDsBySession[session.ID], invoice.ID)
	created := cloneInvoice(invoice)
	return &created, movement, nil
}

func (s *Store) GetInvoice(_ context.Context, id string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	invoice, ok := s.invoicesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyInvoice := cloneInvoice(invoice)
	return &copyInvoice, nil
}

func (s *Store) ListInvoicesBySession(_ context.Context, sessionID string) ([]domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.invoicesBySessionLocked(sessionID), nil
}

func (s *Store) ListCreditNotesByInvoice(_ context.Context, invoiceID string) ([]domain.CreditNote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return cloneCreditNotes(s.creditNotesByInvoice[invoiceID]), nil
}

func (s *Store) ListCreditNotesBySession(_ context.Context, sessionID string) ([]domain.CreditNote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.creditNotesBySessionLocked(sessionID), nil
}

func (s *Store) CreateCreditNote(_ context.Context, invoiceID string, build store.CreditNoteBuilder) (*domain.CreditNote, *domain.CashMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	invoice, ok := s.invoicesByID[invoiceID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	note, movement, err := build(cloneInvoice(invoice), cloneCreditNotes(s.creditNotesByInvoice[invoiceID]))
	if err != nil {
		return nil, nil, err
	}
	if note.ID == "" {
		note.ID = xid.New("cn")
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now().UTC()
	}
	note.OriginalInvoiceID = invoiceID

	var appended *domain.CashMovement
	if movement != nil {
		session, ok := s.sessionsByID[movement.SessionID]
		if !ok {
			return nil, nil, store.ErrNotFound
		}
		if session.Status == domain.SessionStatusOpen {
			movement.ReferenceID = note.ID
			created, err := s.appendMovementLocked(*movement)
			if err != nil {
				return nil, nil, err
			}
			appended = &created
		}
	}

	s.creditNotesByInvoice[invoiceID] = append(s.creditNotesByInvoice[invoiceID], cloneCreditNote(*note))
	created := cloneCreditNote(*note)
	return &created, appended, nil
}

func (s *Store) GetZReport(_ context.Context, registerID string, date string) (*domain.ZReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report, ok := s.zReports[zKey(registerID, date)]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyReport := cloneZReport(report)
	return &copyReport, nil
}

func (s *Store) SaveZReport(_ context.Context, report domain.ZReport) (*domain.ZReport, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := zKey(report.RegisterID, report.Date)
	if existing, ok := s.zReports[key]; ok {
		copyReport := cloneZReport(existing)
		return &copyReport, false, nil
	}
	if report.ID == "" {
		report.ID = xid.New("z")
	}
	report.Locked = true
	s.zReports[key] = cloneZReport(report)
	saved := cloneZReport(report)
	return &saved, true, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortStableFunc(result, func(a, b domain.AuditLog) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrConflict
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := slices.Collect(maps.Values(s.usersByUsername))
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// appendMovementLocked requires s.mu held for writing.
func (s *Store) appendMovementLocked(movement domain.CashMovement) (domain.CashMovement, error) {
	session, ok := s.sessionsByID[movement.SessionID]
	if !ok {
		return domain.CashMovement{}, store.ErrNotFound
	}
	if session.Status != domain.SessionStatusOpen {
		return domain.CashMovement{}, store.SessionClosed(session.ID, session.Status)
	}
	if movement.ID == "" {
		movement.ID = xid.New("mv")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	s.movementsBySession[session.ID] = append(s.movementsBySession[session.ID], movement)
	return movement, nil
}

func (s *Store) ledgerLocked(id string) (store.SessionLedger, error) {
	session, ok := s.sessionsByID[id]
	if !ok {
		return store.SessionLedger{}, store.ErrNotFound
	}
	return store.SessionLedger{
		Session:     cloneSession(session),
		Movements:   slices.Clone(s.movementsBySession[id]),
		Invoices:    s.invoicesBySessionLocked(id),
		CreditNotes: s.creditNotesBySessionLocked(id),
	}, nil
}

func (s *Store) creditNotesBySessionLocked(sessionID string) []domain.CreditNote {
	notes := make([]domain.CreditNote, 0)
	for _, invoiceID := range s.invoiceIDsBySession[sessionID] {
		notes = append(notes, cloneCreditNotes(s.creditNotesByInvoice[invoiceID])...)
	}
	return notes
}

func (s *Store) invoicesBySessionLocked(sessionID string) []domain.Invoice {
	ids := s.invoiceIDsBySession[sessionID]
	invoices := make([]domain.Invoice, 0, len(ids))
	for _, id := range ids {
		invoices = append(invoices, cloneInvoice(s.invoicesByID[id]))
	}
	return invoices
}

func zKey(registerID string, date string) string {
	return registerID + "|" + date
}

func cloneSession(src domain.CashSession) domain.CashSession {
	dst := src
	dst.Denominations = slices.Clone(src.Denominations)
	if src.ClosedAt != nil {
		at := *src.ClosedAt
		dst.ClosedAt = &at
	}
	if src.CountedCashCents != nil {
		counted := *src.CountedCashCents
		dst.CountedCashCents = &counted
	}
	if src.CashDifferenceCents != nil {
		diff := *src.CashDifferenceCents
		dst.CashDifferenceCents = &diff
	}
	if src.Summary != nil {
		summary := cloneSummary(*src.Summary)
		dst.Summary = &summary
	}
	return dst
}

func cloneSummary(src domain.SessionSummary) domain.SessionSummary {
	dst := src
	dst.SalesByMethod = maps.Clone(src.SalesByMethod)
	dst.RefundsByMethod = maps.Clone(src.RefundsByMethod)
	return dst
}

func cloneInvoice(src domain.Invoice) domain.Invoice {
	dst := src
	dst.Items = slices.Clone(src.Items)
	return dst
}

func cloneCreditNote(src domain.CreditNote) domain.CreditNote {
	dst := src
	dst.Lines = slices.Clone(src.Lines)
	return dst
}

func cloneCreditNotes(src []domain.CreditNote) []domain.CreditNote {
	dst := make([]domain.CreditNote, 0, len(src))
	for _, note := range src {
		dst = append(dst, cloneCreditNote(note))
	}
	return dst
}

func cloneZReport(src domain.ZReport) domain.ZReport {
	dst := src
	dst.TotalsByMethod = maps.Clone(src.TotalsByMethod)
	dst.RefundsByMethod = maps.Clone(src.RefundsByMethod)
	dst.Sessions = make([]domain.ZSessionDetail, 0, len(src.Sessions))
	for _, detail := range src.Sessions {
		detail.SalesByMethod = maps.Clone(detail.SalesByMethod)
		dst.Sessions = append(dst.Sessions, detail)
	}
	return dst
}
