package domain

import (
	"fmt"
	"sort"
	"strings"
)

type ErrorKind string

const (
	KindState          ErrorKind = "state"
	KindValidation     ErrorKind = "validation"
	KindReconciliation ErrorKind = "reconciliation"
	KindRefund         ErrorKind = "refund"
	KindInfrastructure ErrorKind = "infrastructure"
)

type ErrorCode string

const (
	CodeRegisterBusy                   ErrorCode = "RegisterBusy"
	CodeRegisterInactive               ErrorCode = "RegisterInactive"
	CodeSessionClosed                  ErrorCode = "SessionClosed"
	CodeSessionNotOpen                 ErrorCode = "SessionNotOpen"
	CodeSessionNotEmpty                ErrorCode = "SessionNotEmpty"
	CodeNoClosedSessions               ErrorCode = "NoClosedSessions"
	CodeInvalidAmount                  ErrorCode = "InvalidAmount"
	CodeInvalidFloat                   ErrorCode = "InvalidFloat"
	CodeMissingReason                  ErrorCode = "MissingReason"
	CodeInvalidMovementType            ErrorCode = "InvalidMovementType"
	CodeInvalidRefundRequest           ErrorCode = "InvalidRefundRequest"
	CodeUnpriceableLine                ErrorCode = "UnpriceableLine"
	CodeInvalidInput                   ErrorCode = "InvalidInput"
	CodeDifferenceRequiresConfirmation ErrorCode = "DifferenceRequiresConfirmation"
	CodeOverRefund                     ErrorCode = "OverRefund"
	CodeAmountExceedsRemaining         ErrorCode = "AmountExceedsRemaining"
	CodeNothingToRefund                ErrorCode = "NothingToRefund"
	CodeReadModelUnavailable           ErrorCode = "ReadModelUnavailable"
)

// Kind groups the code into the taxonomy callers branch on.
func (c ErrorCode) Kind() ErrorKind {
	switch c {
	case CodeRegisterBusy, CodeRegisterInactive, CodeSessionClosed, CodeSessionNotOpen,
		CodeSessionNotEmpty, CodeNoClosedSessions:
		return KindState
	case CodeDifferenceRequiresConfirmation:
		return KindReconciliation
	case CodeOverRefund, CodeAmountExceedsRemaining, CodeNothingToRefund:
		return KindRefund
	case CodeReadModelUnavailable:
		return KindInfrastructure
	default:
		return KindValidation
	}
}

// Error is a rejection carrying the violated rule and the values that caused it.
type Error struct {
	Code    ErrorCode
	Message string
	Details map[string]any
}

func NewError(code ErrorCode, message string, details map[string]any) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, e.Details[k]))
		}
		b.WriteString(" (")
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString(")")
	}
	return b.String()
}

// Is matches on code so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func (e *Error) Kind() ErrorKind {
	return e.Code.Kind()
}

func (e *Error) Retryable() bool {
	return e.Code.Kind() == KindInfrastructure
}

var (
	ErrRegisterBusy                   = &Error{Code: CodeRegisterBusy}
	ErrRegisterInactive               = &Error{Code: CodeRegisterInactive}
	ErrSessionClosed                  = &Error{Code: CodeSessionClosed}
	ErrSessionNotOpen                 = &Error{Code: CodeSessionNotOpen}
	ErrSessionNotEmpty                = &Error{Code: CodeSessionNotEmpty}
	ErrNoClosedSessions               = &Error{Code: CodeNoClosedSessions}
	ErrInvalidAmount                  = &Error{Code: CodeInvalidAmount}
	ErrInvalidFloat                   = &Error{Code: CodeInvalidFloat}
	ErrMissingReason                  = &Error{Code: CodeMissingReason}
	ErrInvalidMovementType            = &Error{Code: CodeInvalidMovementType}
	ErrInvalidRefundRequest           = &Error{Code: CodeInvalidRefundRequest}
	ErrUnpriceableLine                = &Error{Code: CodeUnpriceableLine}
	ErrInvalidInput                   = &Error{Code: CodeInvalidInput}
	ErrDifferenceRequiresConfirmation = &Error{Code: CodeDifferenceRequiresConfirmation}
	ErrOverRefund                     = &Error{Code: CodeOverRefund}
	ErrAmountExceedsRemaining         = &Error{Code: CodeAmountExceedsRemaining}
	ErrNothingToRefund                = &Error{Code: CodeNothingToRefund}
	ErrReadModelUnavailable           = &Error{Code: CodeReadModelUnavailable}
)
