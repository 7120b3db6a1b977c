// Package breaker fails calls to a struggling dependency fast instead of
// letting them queue behind timeouts.
//
// States move Closed -> Open after FailureThreshold consecutive failures,
// Open -> HalfOpen once OpenTimeout has elapsed, and HalfOpen -> Closed after
// SuccessThreshold consecutive successes. A failure while half-open reopens it.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"tillcore/backend/internal/domain"
	"tillcore/backend/internal/store"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var ErrOpen = errors.New("circuit breaker is open")

type Config struct {
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
	// IsFailure decides which errors count against the dependency.
	// Defaults to DependencyFailure.
	IsFailure func(error) bool
}

type Breaker struct {
	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	openedAt         time.Time
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	isFailure        func(error) bool
	now              func() time.Time
}

func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = DependencyFailure
	}
	return &Breaker{
		state:            Closed,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		openTimeout:      cfg.OpenTimeout,
		isFailure:        cfg.IsFailure,
		now:              time.Now,
	}
}

// DependencyFailure ignores answers the dependency gave on purpose (missing
// rows, business rejections) and caller cancellation.
func DependencyFailure(err error) bool {
	if err == nil || errors.Is(err, store.ErrNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	var domainErr *domain.Error
	return !errors.As(err, &domainErr)
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() State {
	if b.state == Open && b.now().Sub(b.openedAt) >= b.openTimeout {
		b.state = HalfOpen
		b.successCount = 0
	}
	return b.state
}

// Execute runs fn unless the breaker is open, in which case it returns
// ErrOpen without calling fn.
func (b *Breaker) Execute(fn func() error) error {
	if b.State() == Open {
		return ErrOpen
	}

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isFailure(err) {
		b.onFailure()
	} else {
		b.onSuccess()
	}
	return err
}

func (b *Breaker) onFailure() {
	b.failureCount++
	switch b.state {
	case Closed:
		if b.failureCount >= b.failureThreshold {
			b.trip()
		}
	case HalfOpen:
		b.trip()
	}
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case Closed:
		b.failureCount = 0
	case HalfOpen:
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.state = Closed
			b.failureCount = 0
			b.successCount = 0
		}
	}
}

func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = b.now()
	b.failureCount = 0
	b.successCount = 0
}
