package cache

import (
	"context"
	"time"

	"tillcore/backend/internal/domain"
)

// ZReportCache holds locked Z reports. They never change once persisted, so
// entries need no invalidation.
type ZReportCache interface {
	Get(ctx context.Context, registerID string, date string) (*domain.ZReport, bool, error)
	Set(ctx context.Context, report *domain.ZReport, ttl time.Duration) error
}

func ZReportKey(registerID string, date string) string {
	return "zreport:" + registerID + ":" + date
}

type NoopZReportCache struct{}

func (NoopZReportCache) Get(_ context.Context, _ string, _ string) (*domain.ZReport, bool, error) {
	return nil, false, nil
}

func (NoopZReportCache) Set(_ context.Context, _ *domain.ZReport, _ time.Duration) error {
	return nil
}
