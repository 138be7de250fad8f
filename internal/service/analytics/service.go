// Package analytics loads delivery data for a principal and serves the
// aggregates computed by internal/analytics, cached in Redis.
package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mailpulse/internal/analytics"
	"mailpulse/internal/auth"
	"mailpulse/internal/model"
	"mailpulse/pkg/logger"
	"mailpulse/pkg/metrics"
)

var ErrNotExperiment = errors.New("email is not an experiment")

type EmailStore interface {
	GetByID(ctx context.Context, userID, emailID int64) (*model.Email, error)
	ListByUser(ctx context.Context, userID int64, emailType model.EmailType) ([]model.Email, error)
}

type VariantStore interface {
	ListByEmail(ctx context.Context, emailID int64) ([]model.ExperimentVariant, error)
}

type DeliveryStore interface {
	ListByEmail(ctx context.Context, userID, emailID int64) ([]model.EmailDelivery, error)
	ListByUser(ctx context.Context, userID int64, since time.Time) ([]model.EmailDelivery, error)
}

type Config struct {
	CacheTTL time.Duration `yaml:"cache_ttl" env:"ANALYTICS_CACHE_TTL"`
	// DefaultDays is the overview range when the caller gives none.
	DefaultDays int `yaml:"default_days" env:"ANALYTICS_DEFAULT_DAYS"`
}

const maxDays = 365

type Overview struct {
	From     time.Time                             `json:"from"`
	To       time.Time                             `json:"to"`
	Summary  analytics.Summary                     `json:"summary"`
	ByType   map[model.EmailType]analytics.Summary `json:"by_type"`
	Timeline []analytics.DayBucket                 `json:"timeline"`
}

type EmailReport struct {
	Email    *model.Email          `json:"email"`
	Summary  analytics.Summary     `json:"summary"`
	Timeline []analytics.DayBucket `json:"timeline,omitempty"`
}

type Service struct {
	emails     EmailStore
	variants   VariantStore
	deliveries DeliveryStore
	rdb        *redis.Client
	ttl        time.Duration
	days       int
	logger     *zap.Logger
	clock      func() time.Time
}

// NewService builds the service. A nil rdb disables caching.
func NewService(emails EmailStore, variants VariantStore, deliveries DeliveryStore, rdb *redis.Client, cfg Config, logger *zap.Logger) *Service {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	if cfg.DefaultDays <= 0 {
		cfg.DefaultDays = 30
	}
	return &Service{
		emails:     emails,
		variants:   variants,
		deliveries: deliveries,
		rdb:        rdb,
		ttl:        cfg.CacheTTL,
		days:       cfg.DefaultDays,
		logger:     logger,
		clock:      time.Now,
	}
}

func cacheKey(userID int64, scope string) string {
	return fmt.Sprintf("analytics:%d:%s", userID, scope)
}

// Overview aggregates every delivery of p created in the last days days.
func (s *Service) Overview(ctx context.Context, p auth.Principal, days int) (*Overview, error) {
	if days <= 0 {
		days = s.days
	}
	if days > maxDays {
		days = maxDays
	}

	key := cacheKey(p.UserID, fmt.Sprintf("overview:%d", days))
	return cached(ctx, s, key, func() (*Overview, error) {
		to := s.clock().UTC()
		from := to.AddDate(0, 0, -(days - 1))
		from = time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)

		deliveries, err := s.deliveries.ListByUser(ctx, p.UserID, from)
		if err != nil {
			return nil, fmt.Errorf("failed to load deliveries: %w", err)
		}
		emails, err := s.emails.ListByUser(ctx, p.UserID, "")
		if err != nil {
			return nil, fmt.Errorf("failed to load emails: %w", err)
		}

		return &Overview{
			From:     from,
			To:       to,
			Summary:  analytics.Summarize(deliveries),
			ByType:   analytics.ByType(emails, deliveries),
			Timeline: analytics.Timeline(deliveries, from, to),
		}, nil
	})
}

// Email reports on one email of p.
func (s *Service) Email(ctx context.Context, p auth.Principal, emailID int64) (*EmailReport, error) {
	return cached(ctx, s, cacheKey(p.UserID, fmt.Sprintf("email:%d", emailID)), func() (*EmailReport, error) {
		email, err := s.emails.GetByID(ctx, p.UserID, emailID)
		if err != nil {
			return nil, err
		}
		deliveries, err := s.deliveries.ListByEmail(ctx, p.UserID, emailID)
		if err != nil {
			return nil, fmt.Errorf("failed to load deliveries: %w", err)
		}

		report := &EmailReport{Email: email, Summary: analytics.Summarize(deliveries)}
		if from, ok := firstSent(deliveries); ok {
			now := s.clock()
			if earliest := now.AddDate(0, 0, -maxDays); from.Before(earliest) {
				from = earliest
			}
			report.Timeline = analytics.Timeline(deliveries, from, now)
		}
		return report, nil
	})
}

// Experiment compares the variants of an experiment email of p.
func (s *Service) Experiment(ctx context.Context, p auth.Principal, emailID int64) (*analytics.ExperimentReport, error) {
	return cached(ctx, s, cacheKey(p.UserID, fmt.Sprintf("experiment:%d", emailID)), func() (*analytics.ExperimentReport, error) {
		email, err := s.emails.GetByID(ctx, p.UserID, emailID)
		if err != nil {
			return nil, err
		}
		if email.Type != model.EmailTypeExperiment {
			return nil, ErrNotExperiment
		}

		variants, err := s.variants.ListByEmail(ctx, emailID)
		if err != nil {
			return nil, fmt.Errorf("failed to load variants: %w", err)
		}
		deliveries, err := s.deliveries.ListByEmail(ctx, p.UserID, emailID)
		if err != nil {
			return nil, fmt.Errorf("failed to load deliveries: %w", err)
		}

		report := analytics.CompareVariants(emailID, variants, deliveries)
		return &report, nil
	})
}

// Invalidate drops every cached aggregate that includes emailID. Failures
// are logged; stale entries expire with the TTL anyway.
func (s *Service) Invalidate(ctx context.Context, userID, emailID int64) {
	if s.rdb == nil {
		return
	}
	log := logger.WithTrace(ctx, s.logger)

	keys := []string{
		cacheKey(userID, fmt.Sprintf("email:%d", emailID)),
		cacheKey(userID, fmt.Sprintf("experiment:%d", emailID)),
	}
	iter := s.rdb.Scan(ctx, 0, cacheKey(userID, "overview:*"), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		log.Warn("Failed to scan analytics cache", zap.Int64("user_id", userID), zap.Error(err))
	}

	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		log.Warn("Failed to invalidate analytics cache",
			zap.Int64("user_id", userID),
			zap.Int64("email_id", emailID),
			zap.Error(err),
		)
	}
}

// cached is cache-aside around load. Redis trouble degrades to a direct load.
func cached[T any](ctx context.Context, s *Service, key string, load func() (T, error)) (T, error) {
	if s.rdb == nil {
		return load()
	}
	log := logger.WithTrace(ctx, s.logger)

	raw, err := s.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var v T
		if jsonErr := json.Unmarshal(raw, &v); jsonErr == nil {
			metrics.IncrementAnalyticsCache("hit")
			return v, nil
		}
		log.Warn("Discarding unreadable analytics cache entry", zap.String("key", key))
		metrics.IncrementAnalyticsCache("corrupt")
	case errors.Is(err, redis.Nil):
		metrics.IncrementAnalyticsCache("miss")
	default:
		log.Warn("Analytics cache read failed", zap.String("key", key), zap.Error(err))
		metrics.IncrementAnalyticsCache("error")
	}

	v, err := load()
	if err != nil {
		return v, err
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return v, nil
	}
	if err := s.rdb.Set(ctx, key, payload, s.ttl).Err(); err != nil {
		log.Warn("Analytics cache write failed", zap.String("key", key), zap.Error(err))
	}
	return v, nil
}

func firstSent(deliveries []model.EmailDelivery) (time.Time, bool) {
	var first time.Time
	for _, d := range deliveries {
		if d.SentAt != nil && (first.IsZero() || d.SentAt.Before(first)) {
			first = *d.SentAt
		}
	}
	return first, !first.IsZero()
}
