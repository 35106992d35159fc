package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"hermes/internal/adapters/redis"
	"hermes/internal/domain/usage"
	"hermes/internal/metrics"
	"hermes/pkg/errors"
	"hermes/pkg/logger"
)

// CostResolver prices token usage. Implemented by pricing.Resolver.
type CostResolver interface {
	Cost(model string, promptTokens, completionTokens int64) (float64, error)
}

// SummaryCache is the optional read-path cache. Implemented by the redis
// adapter; nil disables caching.
type SummaryCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Receipt acknowledges an accepted usage report.
type Receipt struct {
	LogID     uuid.UUID `json:"id"`
	SessionID string    `json:"sessionId"`
	Tokens    int64     `json:"tokens"`
	Cost      float64   `json:"cost"`
}

// Service orchestrates validation, pricing and the aggregation store for
// incoming usage reports, and serves summaries on the read path.
type Service struct {
	repo     usage.Repository
	resolver CostResolver
	cache    SummaryCache
	cacheTTL time.Duration
	log      *logger.Logger
	now      func() time.Time
}

// NewService creates a new usage service. cache may be nil.
func NewService(repo usage.Repository, resolver CostResolver, cache SummaryCache, cacheTTL time.Duration) *Service {
	return &Service{
		repo:     repo,
		resolver: resolver,
		cache:    cache,
		cacheTTL: cacheTTL,
		log:      logger.Get().With("component", "usage_service"),
		now:      time.Now,
	}
}

// Ingest processes one usage report: validate, price, record.
//
// Validation and unknown-model failures return before any persistence and
// match errors.ErrInvalidReport / errors.ErrUnknownModel. Store failures are
// surfaced as-is and are NOT retried here: a blind retry could double the
// rollup increments. Retry policy belongs to the reporting transport.
func (s *Service) Ingest(ctx context.Context, report *usage.Report) (*Receipt, error) {
	if err := report.Validate(); err != nil {
		return nil, err
	}

	if report.Mismatched() {
		// Advisory only: the log records what was reported.
		s.log.Debugw("total tokens mismatch prompt+completion",
			"session_id", report.SessionID,
			"model", report.Model,
		)
	}

	event := report.Normalize(s.now())

	cost, err := s.resolver.Cost(event.Model, event.PromptTokens, event.CompletionTokens)
	if err != nil {
		return nil, err
	}

	logID, err := s.repo.Record(ctx, event, cost)
	if err != nil {
		return nil, errors.Wrap(err, "failed to record usage")
	}

	metrics.UsageTokens.WithLabelValues(event.Model, "input").Add(float64(event.PromptTokens))
	metrics.UsageTokens.WithLabelValues(event.Model, "output").Add(float64(event.CompletionTokens))
	metrics.UsageCost.WithLabelValues(event.Model).Add(cost)

	s.invalidateSummaries(ctx, event.SessionID, event.ThreadKey)

	s.log.Debugw("usage recorded",
		"log_id", logID,
		"session_id", event.SessionID,
		"thread_key", event.ThreadKey,
		"model", event.Model,
		"tokens", event.TotalTokens,
		"cost_usd", cost,
	)

	return &Receipt{
		LogID:     logID,
		SessionID: event.SessionID,
		Tokens:    event.TotalTokens,
		Cost:      cost,
	}, nil
}

// ThreadSummary returns the per-model usage of one thread.
func (s *Service) ThreadSummary(ctx context.Context, sessionID, threadKey string) (*usage.Summary, error) {
	if threadKey == "" {
		threadKey = usage.DefaultThreadKey
	}
	key := threadSummaryKey(sessionID, threadKey)

	if summary, ok := s.cachedSummary(ctx, "thread", key); ok {
		return summary, nil
	}

	summary, err := s.repo.ThreadSummary(ctx, sessionID, threadKey)
	if err != nil {
		return nil, err
	}

	s.storeSummary(ctx, key, summary)
	return summary, nil
}

// SessionSummary returns the per-model usage across all threads of a session.
func (s *Service) SessionSummary(ctx context.Context, sessionID string) (*usage.Summary, error) {
	key := sessionSummaryKey(sessionID)

	if summary, ok := s.cachedSummary(ctx, "session", key); ok {
		return summary, nil
	}

	summary, err := s.repo.SessionSummary(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	s.storeSummary(ctx, key, summary)
	return summary, nil
}

// Daily returns the aggregate for the day containing t.
func (s *Service) Daily(ctx context.Context, t time.Time) (*usage.DailyAggregate, error) {
	return s.repo.Daily(ctx, t)
}

// DailyRange returns aggregates for all days in [from, to].
func (s *Service) DailyRange(ctx context.Context, from, to time.Time) ([]*usage.DailyAggregate, error) {
	return s.repo.DailyRange(ctx, from, to)
}

func (s *Service) cachedSummary(ctx context.Context, scope, key string) (*usage.Summary, bool) {
	if s.cache == nil {
		metrics.SummaryRequests.WithLabelValues(scope, "off").Inc()
		return nil, false
	}

	var summary usage.Summary
	err := s.cache.Get(ctx, key, &summary)
	if err == nil {
		metrics.SummaryRequests.WithLabelValues(scope, "hit").Inc()
		return &summary, true
	}
	if !redis.IsNil(err) {
		s.log.Debugf("summary cache read failed: %v", err)
	}
	metrics.SummaryRequests.WithLabelValues(scope, "miss").Inc()
	return nil, false
}

func (s *Service) storeSummary(ctx context.Context, key string, summary *usage.Summary) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, key, summary, s.cacheTTL); err != nil {
		s.log.Debugf("summary cache write failed: %v", err)
	}
}

func (s *Service) invalidateSummaries(ctx context.Context, sessionID, threadKey string) {
	if s.cache == nil {
		return
	}
	err := s.cache.Delete(ctx,
		threadSummaryKey(sessionID, threadKey),
		sessionSummaryKey(sessionID),
	)
	if err != nil {
		s.log.Debugf("summary cache invalidation failed: %v", err)
	}
}

func threadSummaryKey(sessionID, threadKey string) string {
	return fmt.Sprintf("usage:summary:thread:%s:%s", sessionID, threadKey)
}

func sessionSummaryKey(sessionID string) string {
	return fmt.Sprintf("usage:summary:session:%s", sessionID)
}
