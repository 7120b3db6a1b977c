package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tillcore/backend/internal/domain"
	"tillcore/backend/internal/service"
	"tillcore/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, service.Options{})
	auth := NewAuthManager("test-secret-key-with-enough-length", time.Hour, "123456", repo)

	return New(svc, auth, "*")
}

func doJSON(t *testing.T, h http.Handler, method string, path string, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, h http.Handler, username string, password string) string {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: username, Password: password})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp domain.LoginResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotEmpty(t, resp.AccessToken)
	return resp.AccessToken
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestHandleHealth(t *testing.T) {
	h := newTestAPI(t).Handler()

	rec := doJSON(t, h, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, true, body["ok"])
}

func TestHandleLogin(t *testing.T) {
	h := newTestAPI(t).Handler()

	token := login(t, h, "admin", "admin123")
	assert.NotEmpty(t, token)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "admin", Password: "wrongpassword"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"username": "admin"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRoutesRequireAuth(t *testing.T) {
	h := newTestAPI(t).Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/v1/registers", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/registers", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	cashier := login(t, h, "cashier", "cashier123")
	rec = doJSON(t, h, http.MethodGet, "/api/v1/registers", cashier, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/registers", cashier, domain.RegisterCreateRequest{CompanyID: "c", Name: "n", Code: "X"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRegisterAdministration(t *testing.T) {
	h := newTestAPI(t).Handler()
	admin := login(t, h, "admin", "admin123")

	rec := doJSON(t, h, http.MethodPost, "/api/v1/registers", admin, domain.RegisterCreateRequest{CompanyID: "demo", Name: "Back", Code: "back-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		Register domain.CashRegister `json:"register"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	assert.Equal(t, "BACK-1", created.Register.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/registers", admin, domain.RegisterCreateRequest{CompanyID: "demo", Name: "Dup", Code: "BACK-1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, h, http.MethodPatch, "/api/v1/registers/"+created.Register.ID, admin, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPatch, "/api/v1/registers/"+created.Register.ID, admin, map[string]any{"active": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodPost, "/api/v1/sessions", admin, domain.SessionOpenRequest{RegisterID: created.Register.ID})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(domain.CodeRegisterInactive), decodeError(t, rec).Code)
}

func openSession(t *testing.T, h http.Handler, token string, floatCents int64) domain.CashSession {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/api/v1/sessions", token, domain.SessionOpenRequest{RegisterID: "reg_main", OpeningFloatCents: floatCents})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp struct {
		Session domain.CashSession `json:"session"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp.Session
}

func TestSessionCloseNeedsManagerPINToOverride(t *testing.T) {
	h := newTestAPI(t).Handler()
	cashier := login(t, h, "cashier", "cashier123")
	session := openSession(t, h, cashier, 10000)
	base := "/api/v1/sessions/" + session.ID

	rec := doJSON(t, h, http.MethodPost, "/api/v1/sessions", cashier, domain.SessionOpenRequest{RegisterID: "reg_main"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(domain.CodeRegisterBusy), decodeError(t, rec).Code)

	rec = doJSON(t, h, http.MethodPost, base+"/movements", cashier, domain.MovementRequest{Type: domain.MovementCashIn, AmountCents: 2000, Reason: "change"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = doJSON(t, h, http.MethodPost, base+"/movements", cashier, domain.MovementRequest{Type: domain.MovementCashOut, AmountCents: 500, Reason: ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(domain.CodeMissingReason), decodeError(t, rec).Code)
	rec = doJSON(t, h, http.MethodPost, base+"/movements", cashier, domain.MovementRequest{Type: domain.MovementCashOut, AmountCents: 500, Reason: "supplier"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h, http.MethodGet, base+"/expected-cash", cashier, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var expected domain.ExpectedCashResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&expected))
	assert.Equal(t, int64(11500), expected.ExpectedCashCents)

	counted := int64(10000)
	rec = doJSON(t, h, http.MethodPost, base+"/close", cashier, domain.SessionCloseRequest{CountedCashCents: &counted})
	require.Equal(t, http.StatusPreconditionRequired, rec.Code, rec.Body.String())
	body := decodeError(t, rec)
	assert.Equal(t, string(domain.CodeDifferenceRequiresConfirmation), body.Code)
	assert.Equal(t, "short", body.Details["direction"])
	assert.EqualValues(t, -1500, body.Details["difference_cents"])

	rec = doJSON(t, h, http.MethodPost, base+"/close", cashier, domain.SessionCloseRequest{CountedCashCents: &counted, Override: true})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, h, http.MethodPost, base+"/close", cashier, domain.SessionCloseRequest{CountedCashCents: &counted, Override: true, ManagerPIN: "123456"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var closed struct {
		Session domain.CashSession `json:"session"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&closed))
	require.NotNil(t, closed.Session.CashDifferenceCents)
	assert.Equal(t, int64(-1500), *closed.Session.CashDifferenceCents)

	rec = doJSON(t, h, http.MethodGet, base+"/x-report", cashier, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(domain.CodeSessionNotOpen), decodeError(t, rec).Code)
}

func TestRefundOverHTTP(t *testing.T) {
	h := newTestAPI(t).Handler()
	cashier := login(t, h, "cashier", "cashier123")
	admin := login(t, h, "admin", "admin123")
	session := openSession(t, h, cashier, 0)

	total := int64(3000)
	rec := doJSON(t, h, http.MethodPost, "/api/v1/invoices", cashier, domain.Invoice{
		Number: "F-100", SessionID: session.ID, PaymentMethod: "card", TotalTTCCents: total,
		Items: []domain.InvoiceLine{{Name: "widget", Quantity: 3, TotalTTCCents: &total}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var sale domain.SaleRecordResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sale))

	refunds := "/api/v1/invoices/" + sale.Invoice.ID + "/refunds"
	partial := domain.RefundRequest{Mode: domain.RefundModePartial, Lines: []domain.RefundLineRequest{{OriginalItemIndex: 0, Quantity: 2}}}

	rec = doJSON(t, h, http.MethodPost, refunds, cashier, partial)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, h, http.MethodPost, refunds, admin, partial)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var refund domain.RefundResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&refund))
	assert.Equal(t, int64(2000), refund.CreditNote.TotalTTCCents)

	rec = doJSON(t, h, http.MethodPost, refunds, admin, partial)
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, string(domain.CodeOverRefund), body.Code)
	assert.EqualValues(t, 1, body.Details["remaining_qty"])

	rec = doJSON(t, h, http.MethodPost, refunds, admin, map[string]any{"mode": "everything"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(domain.CodeInvalidRefundRequest), decodeError(t, rec).Code)

	rec = doJSON(t, h, http.MethodPost, refunds, admin, map[string]any{"mode": "FULL", "session_id": "sess_typo"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "sess_typo", decodeError(t, rec).Details["session_id"])

	rec = doJSON(t, h, http.MethodGet, "/api/v1/invoices/"+sale.Invoice.ID+"/refundable", cashier, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var state domain.RefundableState
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&state))
	assert.Equal(t, int64(1000), state.RemainingAmountCents)
	assert.Equal(t, 1, state.Lines[0].RemainingQty)

	rec = doJSON(t, h, http.MethodPost, refunds, admin, map[string]any{"mode": " Full "})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&refund))
	assert.Equal(t, domain.RefundModeFull, refund.CreditNote.Mode)
	assert.Equal(t, int64(1000), refund.CreditNote.TotalTTCCents)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/invoices/inv_missing/refundable", cashier, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestZReportGenerationAndExport(t *testing.T) {
	h := newTestAPI(t).Handler()
	cashier := login(t, h, "cashier", "cashier123")
	session := openSession(t, h, cashier, 0)
	today := time.Now().UTC().Format("2006-01-02")
	zPath := "/api/v1/registers/reg_main/z-reports/" + today

	rec := doJSON(t, h, http.MethodPost, zPath, cashier, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(domain.CodeNoClosedSessions), decodeError(t, rec).Code)

	total := int64(5000)
	rec = doJSON(t, h, http.MethodPost, "/api/v1/invoices", cashier, domain.Invoice{
		Number: "F-200", SessionID: session.ID, PaymentMethod: "cash", TotalTTCCents: total,
		Items: []domain.InvoiceLine{{Name: "a", Quantity: 1, TotalTTCCents: &total}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	counted := int64(0)
	rec = doJSON(t, h, http.MethodPost, "/api/v1/sessions/"+session.ID+"/close", cashier, domain.SessionCloseRequest{CountedCashCents: &counted})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodGet, zPath, cashier, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodPost, zPath, cashier, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report domain.ZReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, 1, report.SessionsCount)
	assert.Equal(t, int64(5000), report.TotalTTCCents)
	assert.True(t, report.Locked)

	rec = doJSON(t, h, http.MethodGet, zPath+"?format=csv", cashier, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, rec.Body.String(), "total_ttc,50.00")
	assert.Contains(t, rec.Body.String(), session.ID)

	rec = doJSON(t, h, http.MethodGet, zPath+"?format=html", cashier, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "Z Report "+today))

	rec = doJSON(t, h, http.MethodGet, zPath+"?format=pdf", cashier, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuditLogsAreAdminOnly(t *testing.T) {
	h := newTestAPI(t).Handler()
	cashier := login(t, h, "cashier", "cashier123")
	admin := login(t, h, "admin", "admin123")
	openSession(t, h, cashier, 100)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/audit-logs", cashier, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/audit-logs?limit=10", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Logs []domain.AuditLog `json:"logs"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.NotEmpty(t, body.Logs)
	assert.Equal(t, "session_open", body.Logs[0].Action)
}
