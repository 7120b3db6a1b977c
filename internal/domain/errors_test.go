package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMatchesSentinelByCode(t *testing.T) {
	err := NewError(CodeOverRefund, "line 0", map[string]any{"remaining_qty": 2, "requested_qty": 3})
	wrapped := fmt.Errorf("refund: %w", err)

	assert.ErrorIs(t, wrapped, ErrOverRefund)
	assert.NotErrorIs(t, wrapped, ErrAmountExceedsRemaining)

	var domainErr *Error
	require.True(t, errors.As(wrapped, &domainErr))
	assert.Equal(t, KindRefund, domainErr.Kind())
	assert.Equal(t, 2, domainErr.Details["remaining_qty"])
}

func TestErrorMessageListsDetailsInStableOrder(t *testing.T) {
	err := NewError(CodeDifferenceRequiresConfirmation, "cash difference above threshold", map[string]any{
		"threshold_cents":  1000,
		"difference_cents": -1500,
	})
	assert.Equal(t, "DifferenceRequiresConfirmation: cash difference above threshold (difference_cents=-1500, threshold_cents=1000)", err.Error())
}

func TestErrorKinds(t *testing.T) {
	cases := map[ErrorCode]ErrorKind{
		CodeRegisterBusy:                   KindState,
		CodeSessionNotEmpty:                KindState,
		CodeMissingReason:                  KindValidation,
		CodeDifferenceRequiresConfirmation: KindReconciliation,
		CodeNothingToRefund:                KindRefund,
		CodeReadModelUnavailable:           KindInfrastructure,
	}
	for code, kind := range cases {
		assert.Equal(t, kind, code.Kind(), code)
	}
	assert.True(t, ErrReadModelUnavailable.Retryable())
	assert.False(t, ErrRegisterBusy.Retryable())
}

func TestMovementDeltaSign(t *testing.T) {
	assert.Equal(t, int64(500), CashMovement{Type: MovementCashIn, AmountCents: 500}.DeltaCents())
	assert.Equal(t, int64(-500), CashMovement{Type: MovementCashOut, AmountCents: 500}.DeltaCents())
	assert.Equal(t, int64(-500), CashMovement{Type: MovementSafeDrop, AmountCents: 500}.DeltaCents())
	assert.Equal(t, int64(500), CashMovement{Type: MovementAdjustment, Direction: DirectionIn, AmountCents: 500}.DeltaCents())
	assert.Equal(t, int64(-500), CashMovement{Type: MovementAdjustment, Direction: DirectionOut, AmountCents: 500}.DeltaCents())
}
