package domain

import "time"

type Actor struct {
	Username string
	Role     string
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type CashRegister struct {
	ID               string    `json:"id"`
	CompanyID        string    `json:"company_id"`
	Name             string    `json:"name"`
	Code             string    `json:"code"`
	Active           bool      `json:"active"`
	JournalCashSales bool      `json:"journal_cash_sales"`
	CreatedAt        time.Time `json:"created_at"`
}

type RegisterCreateRequest struct {
	CompanyID        string `json:"company_id" validate:"required"`
	Name             string `json:"name" validate:"required"`
	Code             string `json:"code" validate:"required"`
	JournalCashSales *bool  `json:"journal_cash_sales,omitempty"`
}

type RegisterUpdateRequest struct {
	Active *bool `json:"active" validate:"required"`
}

type SessionStatus string

const (
	SessionStatusOpen     SessionStatus = "open"
	SessionStatusClosed   SessionStatus = "closed"
	SessionStatusCanceled SessionStatus = "canceled"
)

// Terminal reports whether no transition may leave the status.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusClosed || s == SessionStatusCanceled
}

type CashSession struct {
	ID                  string          `json:"id"`
	RegisterID          string          `json:"register_id"`
	OpenedBy            string          `json:"opened_by"`
	ClosedBy            string          `json:"closed_by,omitempty"`
	Status              SessionStatus   `json:"status"`
	OpenedAt            time.Time       `json:"opened_at"`
	ClosedAt            *time.Time      `json:"closed_at,omitempty"`
	OpeningFloatCents   int64           `json:"opening_float_cents"`
	ExpectedCashCents   int64           `json:"expected_cash_cents"`
	CountedCashCents    *int64          `json:"counted_cash_cents,omitempty"`
	CashDifferenceCents *int64          `json:"cash_difference_cents,omitempty"`
	DifferenceOverride  bool            `json:"difference_override"`
	Denominations       []Denomination  `json:"denominations,omitempty"`
	Notes               string          `json:"notes,omitempty"`
	Summary             *SessionSummary `json:"summary,omitempty"`
}

type Denomination struct {
	ValueCents int64 `json:"value_cents"`
	Count      int   `json:"count"`
}

type SessionOpenRequest struct {
	RegisterID        string `json:"register_id" validate:"required"`
	OpeningFloatCents int64  `json:"opening_float_cents"`
}

type SessionCloseRequest struct {
	CountedCashCents *int64         `json:"counted_cash_cents,omitempty"`
	Denominations    []Denomination `json:"denominations,omitempty"`
	Override         bool           `json:"override"`
	ManagerPIN       string         `json:"manager_pin,omitempty"`
	Notes            string         `json:"notes,omitempty"`
}

type SessionCancelRequest struct {
	Reason string `json:"reason"`
}

type MovementType string

const (
	MovementCashIn     MovementType = "cash_in"
	MovementCashOut    MovementType = "cash_out"
	MovementSafeDrop   MovementType = "safe_drop"
	MovementAdjustment MovementType = "adjustment"
)

const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

type CashMovement struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"session_id"`
	Type        MovementType `json:"type"`
	Direction   string       `json:"direction,omitempty"`
	AmountCents int64        `json:"amount_cents"`
	Reason      string       `json:"reason"`
	ReferenceID string       `json:"reference_id,omitempty"`
	CreatedBy   string       `json:"created_by"`
	CreatedAt   time.Time    `json:"created_at"`
}

// DeltaCents is the signed effect of the movement on expected cash.
func (m CashMovement) DeltaCents() int64 {
	switch m.Type {
	case MovementCashIn:
		return m.AmountCents
	case MovementCashOut, MovementSafeDrop:
		return -m.AmountCents
	case MovementAdjustment:
		if m.Direction == DirectionOut {
			return -m.AmountCents
		}
		return m.AmountCents
	default:
		return 0
	}
}

type MovementRequest struct {
	Type        MovementType `json:"type" validate:"required"`
	Direction   string       `json:"direction,omitempty"`
	AmountCents int64        `json:"amount_cents"`
	Reason      string       `json:"reason"`
}

type MovementListResponse struct {
	Movements []CashMovement `json:"movements"`
}

type ExpectedCashResponse struct {
	SessionID         string `json:"session_id"`
	OpeningFloatCents int64  `json:"opening_float_cents"`
	NetMovementsCents int64  `json:"net_movements_cents"`
	ExpectedCashCents int64  `json:"expected_cash_cents"`
	MovementCount     int    `json:"movement_count"`
}

type MovementTotals struct {
	Count              int   `json:"count"`
	CashInCents        int64 `json:"cash_in_cents"`
	CashOutCents       int64 `json:"cash_out_cents"`
	SafeDropCents      int64 `json:"safe_drop_cents"`
	AdjustmentInCents  int64 `json:"adjustment_in_cents"`
	AdjustmentOutCents int64 `json:"adjustment_out_cents"`
	NetCents           int64 `json:"net_cents"`
}

// SessionSummary is the aggregate shared by the X report and the frozen
// closing snapshot a Z report reads back.
type SessionSummary struct {
	InvoiceCount      int              `json:"invoice_count"`
	TotalSalesCents   int64            `json:"total_sales_cents"`
	SalesByMethod     map[string]int64 `json:"sales_by_method"`
	CashSalesCents    int64            `json:"cash_sales_cents"`
	RefundCount       int              `json:"refund_count"`
	RefundTotalCents  int64            `json:"refund_total_cents"`
	RefundsByMethod   map[string]int64 `json:"refunds_by_method"`
	NetSalesCents     int64            `json:"net_sales_cents"`
	Movements         MovementTotals   `json:"movements"`
	OpeningFloatCents int64            `json:"opening_float_cents"`
	ExpectedCashCents int64            `json:"expected_cash_cents"`
}

type XReport struct {
	SessionID   string        `json:"session_id"`
	RegisterID  string        `json:"register_id"`
	Status      SessionStatus `json:"status"`
	OpenedBy    string        `json:"opened_by"`
	OpenedAt    time.Time     `json:"opened_at"`
	GeneratedAt time.Time     `json:"generated_at"`
	SessionSummary
}

type ZSessionDetail struct {
	SessionID           string           `json:"session_id"`
	OpenedBy            string           `json:"opened_by"`
	ClosedBy            string           `json:"closed_by"`
	OpenedAt            time.Time        `json:"opened_at"`
	ClosedAt            time.Time        `json:"closed_at"`
	OpeningFloatCents   int64            `json:"opening_float_cents"`
	ExpectedCashCents   int64            `json:"expected_cash_cents"`
	CountedCashCents    int64            `json:"counted_cash_cents"`
	CashDifferenceCents int64            `json:"cash_difference_cents"`
	InvoiceCount        int              `json:"invoice_count"`
	TotalSalesCents     int64            `json:"total_sales_cents"`
	SalesByMethod       map[string]int64 `json:"sales_by_method"`
	RefundTotalCents    int64            `json:"refund_total_cents"`
}

type ZReport struct {
	ID                       string           `json:"id"`
	RegisterID               string           `json:"register_id"`
	Date                     string           `json:"date"`
	SessionsCount            int              `json:"sessions_count"`
	InvoiceCount             int              `json:"invoice_count"`
	TotalTTCCents            int64            `json:"total_ttc_cents"`
	TotalsByMethod           map[string]int64 `json:"totals_by_method"`
	RefundCount              int              `json:"refund_count"`
	RefundTotalCents         int64            `json:"refund_total_cents"`
	RefundsByMethod          map[string]int64 `json:"refunds_by_method"`
	TotalCashDifferenceCents int64            `json:"total_cash_difference_cents"`
	Sessions                 []ZSessionDetail `json:"sessions"`
	Locked                   bool             `json:"locked"`
	GeneratedBy              string           `json:"generated_by"`
	GeneratedAt              time.Time        `json:"generated_at"`
}

type InvoiceLine struct {
	Name             string   `json:"name"`
	Quantity         int      `json:"quantity"`
	UnitPriceCents   *int64   `json:"unit_price_cents,omitempty"`
	UnitPriceHTCents *int64   `json:"unit_price_ht_cents,omitempty"`
	TotalHTCents     *int64   `json:"total_ht_cents,omitempty"`
	TotalTVACents    *int64   `json:"total_tva_cents,omitempty"`
	TotalTTCCents    *int64   `json:"total_ttc_cents,omitempty"`
	TaxRatePercent   *float64 `json:"tax_rate_percent,omitempty"`
}

type Invoice struct {
	ID                 string        `json:"id"`
	Number             string        `json:"number" validate:"required"`
	SessionID          string        `json:"session_id" validate:"required"`
	RegisterID         string        `json:"register_id,omitempty"`
	PaymentMethod      string        `json:"payment_method" validate:"required"`
	TotalTTCCents      int64         `json:"total_ttc_cents"`
	Items              []InvoiceLine `json:"items" validate:"required,min=1"`
	IsPOSTicket        bool          `json:"is_pos_ticket"`
	ConvertedToInvoice bool          `json:"converted_to_invoice"`
	IssuedAt           time.Time     `json:"issued_at"`
}

// Countable reports whether the document contributes to sales aggregates. A
// ticket that was later converted is represented by the invoice it became.
func (inv Invoice) Countable() bool {
	return !(inv.IsPOSTicket && inv.ConvertedToInvoice)
}

type SaleRecordResponse struct {
	Invoice  Invoice       `json:"invoice"`
	Movement *CashMovement `json:"movement,omitempty"`
}

const (
	RefundModeFull    = "full"
	RefundModePartial = "partial"
)

type CreditNoteLine struct {
	OriginalItemIndex int    `json:"original_item_index"`
	Name              string `json:"name"`
	Quantity          int    `json:"quantity"`
	HTCents           int64  `json:"ht_cents"`
	TVACents          int64  `json:"tva_cents"`
	TTCCents          int64  `json:"ttc_cents"`
	Strategy          string `json:"strategy"`
	Reason            string `json:"reason,omitempty"`
}

type CreditNote struct {
	ID                string           `json:"id"`
	Type              string           `json:"type"`
	OriginalInvoiceID string           `json:"original_invoice_id"`
	SessionID         string           `json:"session_id,omitempty"`
	Mode              string           `json:"mode"`
	Lines             []CreditNoteLine `json:"items"`
	TotalHTCents      int64            `json:"total_ht_cents"`
	TotalTVACents     int64            `json:"total_tva_cents"`
	TotalTTCCents     int64            `json:"total_ttc_cents"`
	RefundMethod      string           `json:"refund_method"`
	Reason            string           `json:"reason,omitempty"`
	CreatedBy         string           `json:"created_by"`
	CreatedAt         time.Time        `json:"created_at"`
}

const CreditNoteType = "credit_note"

type RefundLineRequest struct {
	OriginalItemIndex int    `json:"original_item_index"`
	Quantity          int    `json:"quantity"`
	Reason            string `json:"reason,omitempty"`
}

type RefundRequest struct {
	InvoiceID    string              `json:"-"`
	Mode         string              `json:"mode" validate:"required"`
	Lines        []RefundLineRequest `json:"lines,omitempty"`
	RefundMethod string              `json:"refund_method,omitempty"`
	SessionID    string              `json:"session_id,omitempty"`
	Reason       string              `json:"reason,omitempty"`
}

type RefundResponse struct {
	CreditNote CreditNote    `json:"credit_note"`
	Movement   *CashMovement `json:"movement,omitempty"`
}

type RefundableLine struct {
	OriginalItemIndex int    `json:"original_item_index"`
	Name              string `json:"name"`
	OriginalQty       int    `json:"original_qty"`
	RefundedQty       int    `json:"refunded_qty"`
	RemainingQty      int    `json:"remaining_qty"`
	RefundedTTCCents  int64  `json:"refunded_ttc_cents"`
}

type RefundableState struct {
	InvoiceID            string           `json:"invoice_id"`
	InvoiceTotalTTCCents int64            `json:"invoice_total_ttc_cents"`
	RefundedTTCCents     int64            `json:"refunded_ttc_cents"`
	RemainingAmountCents int64            `json:"remaining_amount_cents"`
	CreditNoteCount      int              `json:"credit_note_count"`
	Lines                []RefundableLine `json:"lines"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	PaymentMethodCash = "cash"
)
