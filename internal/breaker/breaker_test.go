package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tillcore/backend/internal/domain"
	"tillcore/backend/internal/store"
)

var errBackend = errors.New("connection reset")

func TestBreakerTripsAndRecovers(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	b := New(Config{FailureThreshold: 2, SuccessThreshold: 1, OpenTimeout: time.Minute})
	b.now = func() time.Time { return now }

	fail := func() error { return errBackend }
	require.ErrorIs(t, b.Execute(fail), errBackend)
	assert.Equal(t, Closed, b.State())
	require.ErrorIs(t, b.Execute(fail), errBackend)
	assert.Equal(t, Open, b.State())

	called := false
	err := b.Execute(func() error { called = true; return nil })
	require.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)

	now = now.Add(time.Minute)
	assert.Equal(t, HalfOpen, b.State())
	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, Closed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	b := New(Config{FailureThreshold: 1, OpenTimeout: time.Second})
	b.now = func() time.Time { return now }

	_ = b.Execute(func() error { return errBackend })
	now = now.Add(time.Second)
	_ = b.Execute(func() error { return errBackend })
	assert.Equal(t, Open, b.State())
}

func TestBreakerIgnoresBusinessAnswers(t *testing.T) {
	b := New(Config{FailureThreshold: 1})
	_ = b.Execute(func() error { return store.ErrNotFound })
	_ = b.Execute(func() error { return domain.ErrOverRefund })
	_ = b.Execute(func() error { return context.Canceled })
	assert.Equal(t, Closed, b.State())
}

type slowReader struct {
	store.InvoiceReader
	calls int
}

func (r *slowReader) GetInvoice(ctx context.Context, _ string) (*domain.Invoice, error) {
	r.calls++
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestGuardedReaderFailsFast(t *testing.T) {
	reader := &slowReader{}
	guarded := Guard(reader, New(Config{FailureThreshold: 1, OpenTimeout: time.Hour}), 10*time.Millisecond)

	_, err := guarded.GetInvoice(context.Background(), "inv-1")
	require.ErrorIs(t, err, domain.ErrReadModelUnavailable)

	var domainErr *domain.Error
	require.ErrorAs(t, err, &domainErr)
	assert.True(t, domainErr.Retryable())
	assert.Equal(t, int64(10), domainErr.Details["timeout_ms"])

	_, err = guarded.GetInvoice(context.Background(), "inv-1")
	require.ErrorIs(t, err, domain.ErrReadModelUnavailable)
	assert.Equal(t, 1, reader.calls)
}
