package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"tillcore/backend/internal/domain"
)

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if !decodeBody(w, r, &req) {
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleListRegisters(w http.ResponseWriter, r *http.Request) {
	registers, err := a.service.ListRegisters(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"registers": registers})
}

func (a *API) handleGetRegister(w http.ResponseWriter, r *http.Request) {
	register, err := a.service.GetRegister(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"register": register})
}

func (a *API) handleCreateRegister(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterCreateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	register, err := a.service.CreateRegister(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"register": register})
}

func (a *API) handleUpdateRegister(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterUpdateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	register, err := a.service.SetRegisterActive(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"register": register})
}

func (a *API) handleOpenSessionForRegister(w http.ResponseWriter, r *http.Request) {
	session, err := a.service.GetOpenSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session})
}

func (a *API) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req domain.SessionOpenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	session, err := a.service.OpenSession(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session": session})
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := a.service.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session})
}

func (a *API) handleExpectedCash(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.ComputeExpectedCash(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleListMovements(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.ListMovements(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleRecordMovement(w http.ResponseWriter, r *http.Request) {
	var req domain.MovementRequest
	if !decodeBody(w, r, &req) {
		return
	}
	movement, err := a.service.RecordMovement(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"movement": movement})
}

// handleCloseSession requires the manager PIN whenever the caller asks to
// override a significant cash difference.
func (a *API) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	var req domain.SessionCloseRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if req.Override {
		if !a.pinLimiter.Allow(clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, errors.New("too many manager PIN attempts"))
			return
		}
		if !a.auth.ValidateManagerPIN(req.ManagerPIN) {
			writeError(w, http.StatusForbidden, errors.New("valid manager PIN required to override a cash difference"))
			return
		}
	}
	req.ManagerPIN = ""

	session, err := a.service.CloseSession(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session})
}

func (a *API) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	var req domain.SessionCancelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	session, err := a.service.CancelSession(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session})
}

func (a *API) handleXReport(w http.ResponseWriter, r *http.Request) {
	report, err := a.service.XReport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleGenerateZReport(w http.ResponseWriter, r *http.Request) {
	report, err := a.service.GenerateZReport(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "date"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleGetZReport(w http.ResponseWriter, r *http.Request) {
	report, err := a.service.GetZReport(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "date"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format"))) {
	case "csv":
		body, err := zReportToCSV(report)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", "attachment; filename=\"z-report-"+report.RegisterID+"-"+report.Date+".csv\"")
		_, _ = w.Write(body)
	case "html":
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(zReportToPrintableHTML(report)))
	case "", "json":
		writeJSON(w, http.StatusOK, report)
	default:
		writeError(w, http.StatusBadRequest, errors.New("format must be json, csv or html"))
	}
}

func (a *API) handleRecordSale(w http.ResponseWriter, r *http.Request) {
	var invoice domain.Invoice
	if !decodeBody(w, r, &invoice) {
		return
	}
	resp, err := a.service.RecordSale(r.Context(), invoice)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleRefundable(w http.ResponseWriter, r *http.Request) {
	state, err := a.service.RefundableState(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (a *API) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req domain.RefundRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.InvoiceID = chi.URLParam(r, "id")

	resp, err := a.service.RequestRefund(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)

	logs, err := a.service.ListAuditLogs(r.Context(), date, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}
