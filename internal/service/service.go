package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"tillcore/backend/internal/cache"
	"tillcore/backend/internal/domain"
	"tillcore/backend/internal/proration"
	"tillcore/backend/internal/store"
	"tillcore/backend/internal/xid"
)

// ErrForbidden is returned when the actor lacks the admin role.
var ErrForbidden = errors.New("admin role required")

const defaultDifferenceThresholdCents = 1000

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	// DifferenceThresholdCents is the largest |counted - expected| a close
	// accepts without an explicit override.
	DifferenceThresholdCents int64
	// Location defines the calendar day of a Z report.
	Location *time.Location
	// Reader is the invoice read model. Defaults to the repository.
	Reader          store.InvoiceReader
	ZReportCache    cache.ZReportCache
	ZReportCacheTTL time.Duration
	// JournalCashSalesDefault applies to registers created without an
	// explicit journaling choice.
	JournalCashSalesDefault bool
	Prorate                 proration.Chain
	Now                     func() time.Time
}

type Service struct {
	repo             store.Repository
	reader           store.InvoiceReader
	zcache           cache.ZReportCache
	zcacheTTL        time.Duration
	zflight          singleflight.Group
	threshold        int64
	location         *time.Location
	journalByDefault bool
	prorate          proration.Chain
	now              func() time.Time
}

func New(repo store.Repository, opts Options) *Service {
	if opts.DifferenceThresholdCents <= 0 {
		opts.DifferenceThresholdCents = defaultDifferenceThresholdCents
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Reader == nil {
		opts.Reader = repo
	}
	if opts.ZReportCache == nil {
		opts.ZReportCache = cache.NoopZReportCache{}
	}
	if len(opts.Prorate) == 0 {
		opts.Prorate = proration.Default
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Service{
		repo:             repo,
		reader:           opts.Reader,
		zcache:           opts.ZReportCache,
		zcacheTTL:        opts.ZReportCacheTTL,
		threshold:        opts.DifferenceThresholdCents,
		location:         opts.Location,
		journalByDefault: opts.JournalCashSalesDefault,
		prorate:          opts.Prorate,
		now:              opts.Now,
	}
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = s.now().UTC().Add(-24 * time.Hour)
	} else {
		day, err := s.parseDay(date)
		if err != nil {
			return nil, err
		}
		from = day
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

// parseDay returns the start of date in the report location.
func (s *Service) parseDay(date string) (time.Time, error) {
	day, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(date), s.location)
	if err != nil {
		return time.Time{}, domain.NewError(domain.CodeInvalidInput, "date must be YYYY-MM-DD", map[string]any{"date": date})
	}
	return day, nil
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor := actorOrSystem(ctx)

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now().UTC(),
	}); err != nil {
		log.Warn().Err(err).Str("action", action).Str("entity", entityType+"/"+entityID).Msg("audit: failed to write audit log")
	}
}

func actorOrSystem(ctx context.Context) domain.Actor {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.Actor{Username: "system", Role: "system"}
	}
	return actor
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return ErrForbidden
	}
	return nil
}

func invalidInput(field string, message string) error {
	return domain.NewError(domain.CodeInvalidInput, message, map[string]any{"field": field})
}

func defaultString(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func cents(v int64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}
