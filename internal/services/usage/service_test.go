package usage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hermes/internal/adapters/config"
	"hermes/internal/domain/usage"
	"hermes/internal/pricing"
	"hermes/pkg/errors"
)

func i64(v int64) *int64 { return &v }

func str(v string) *string { return &v }

func testResolver(t *testing.T) *pricing.Resolver {
	t.Helper()
	resolver, err := pricing.NewResolver(pricing.DefaultTable(), config.PricingConfig{
		FallbackModel: "gpt-4o-mini",
	})
	require.NoError(t, err)
	return resolver
}

// MockRepository is a func-field mock of usage.Repository
type MockRepository struct {
	recordFunc         func(context.Context, usage.Event, float64) (uuid.UUID, error)
	threadSummaryFunc  func(context.Context, string, string) (*usage.Summary, error)
	sessionSummaryFunc func(context.Context, string) (*usage.Summary, error)
	dailyFunc          func(context.Context, time.Time) (*usage.DailyAggregate, error)
	dailyRangeFunc     func(context.Context, time.Time, time.Time) ([]*usage.DailyAggregate, error)

	recordCalls int
}

func (m *MockRepository) Record(ctx context.Context, e usage.Event, cost float64) (uuid.UUID, error) {
	m.recordCalls++
	if m.recordFunc != nil {
		return m.recordFunc(ctx, e, cost)
	}
	return uuid.New(), nil
}

func (m *MockRepository) ThreadSummary(ctx context.Context, sessionID, threadKey string) (*usage.Summary, error) {
	if m.threadSummaryFunc != nil {
		return m.threadSummaryFunc(ctx, sessionID, threadKey)
	}
	return &usage.Summary{Models: []usage.ModelUsage{}}, nil
}

func (m *MockRepository) SessionSummary(ctx context.Context, sessionID string) (*usage.Summary, error) {
	if m.sessionSummaryFunc != nil {
		return m.sessionSummaryFunc(ctx, sessionID)
	}
	return &usage.Summary{Models: []usage.ModelUsage{}}, nil
}

func (m *MockRepository) Daily(ctx context.Context, day time.Time) (*usage.DailyAggregate, error) {
	if m.dailyFunc != nil {
		return m.dailyFunc(ctx, day)
	}
	return nil, errors.ErrNotFound
}

func (m *MockRepository) DailyRange(ctx context.Context, from, to time.Time) ([]*usage.DailyAggregate, error) {
	if m.dailyRangeFunc != nil {
		return m.dailyRangeFunc(ctx, from, to)
	}
	return nil, nil
}

func validReport() *usage.Report {
	return &usage.Report{
		SessionID:        "s1",
		ThreadID:         str("t1"),
		Model:            "gpt-4o",
		PromptTokens:     i64(100),
		CompletionTokens: i64(50),
		TotalTokens:      i64(150),
	}
}

func TestServiceIngest(t *testing.T) {
	var recorded usage.Event
	var recordedCost float64
	logID := uuid.New()

	repo := &MockRepository{
		recordFunc: func(_ context.Context, e usage.Event, cost float64) (uuid.UUID, error) {
			recorded = e
			recordedCost = cost
			return logID, nil
		},
	}
	svc := NewService(repo, testResolver(t), nil, 0)

	receipt, err := svc.Ingest(context.Background(), validReport())
	require.NoError(t, err)

	assert.Equal(t, logID, receipt.LogID)
	assert.Equal(t, "s1", receipt.SessionID)
	assert.Equal(t, int64(150), receipt.Tokens)
	assert.InDelta(t, 0.00075, receipt.Cost, 1e-12)

	assert.Equal(t, "t1", recorded.ThreadKey)
	assert.Equal(t, "gpt-4o", recorded.Model)
	assert.InDelta(t, 0.00075, recordedCost, 1e-12)
}

func TestServiceIngest_RejectsBeforeStore(t *testing.T) {
	repo := &MockRepository{}
	svc := NewService(repo, testResolver(t), nil, 0)

	for _, tc := range []struct {
		name   string
		mutate func(*usage.Report)
	}{
		{"missing session", func(r *usage.Report) { r.SessionID = "" }},
		{"missing model", func(r *usage.Report) { r.Model = "" }},
		{"missing total tokens", func(r *usage.Report) { r.TotalTokens = nil }},
		{"negative tokens", func(r *usage.Report) { r.PromptTokens = i64(-5) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			report := validReport()
			tc.mutate(report)

			_, err := svc.Ingest(context.Background(), report)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrInvalidReport))
		})
	}

	assert.Zero(t, repo.recordCalls, "rejected reports must cause zero store writes")
}

func TestServiceIngest_UnknownModelStrict(t *testing.T) {
	resolver, err := pricing.NewResolver(pricing.DefaultTable(), config.PricingConfig{Strict: true})
	require.NoError(t, err)

	repo := &MockRepository{}
	svc := NewService(repo, resolver, nil, 0)

	report := validReport()
	report.Model = "not-a-model"

	_, err = svc.Ingest(context.Background(), report)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnknownModel))
	assert.Zero(t, repo.recordCalls)
}

func TestServiceIngest_StoreFailureNotRetried(t *testing.T) {
	storeErr := errors.New("connection refused")
	repo := &MockRepository{
		recordFunc: func(context.Context, usage.Event, float64) (uuid.UUID, error) {
			return uuid.Nil, storeErr
		},
	}
	svc := NewService(repo, testResolver(t), nil, 0)

	_, err := svc.Ingest(context.Background(), validReport())
	require.Error(t, err)
	assert.True(t, errors.Is(err, storeErr))
	assert.Equal(t, 1, repo.recordCalls, "store failures must not be retried by the service")
}

func TestServiceIngest_MismatchedTotalsAccepted(t *testing.T) {
	var recorded usage.Event
	repo := &MockRepository{
		recordFunc: func(_ context.Context, e usage.Event, _ float64) (uuid.UUID, error) {
			recorded = e
			return uuid.New(), nil
		},
	}
	svc := NewService(repo, testResolver(t), nil, 0)

	report := validReport()
	report.TotalTokens = i64(9999) // disagrees with 100+50, accepted as reported

	_, err := svc.Ingest(context.Background(), report)
	require.NoError(t, err)
	assert.Equal(t, int64(9999), recorded.TotalTokens)
}

func TestServiceIngest_TimestampDefaultsToIngestion(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	var recorded usage.Event
	repo := &MockRepository{
		recordFunc: func(_ context.Context, e usage.Event, _ float64) (uuid.UUID, error) {
			recorded = e
			return uuid.New(), nil
		},
	}
	svc := NewService(repo, testResolver(t), nil, 0)
	svc.now = func() time.Time { return now }

	_, err := svc.Ingest(context.Background(), validReport())
	require.NoError(t, err)
	assert.Equal(t, now, recorded.ReportedAt)
}

// memoryRepository accumulates rollups in memory to exercise additivity
// under concurrent ingestion.
type memoryRepository struct {
	mu      sync.Mutex
	rollups map[string]*usage.ModelUsage
	logs    int
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{rollups: make(map[string]*usage.ModelUsage)}
}

func (m *memoryRepository) Record(_ context.Context, e usage.Event, cost float64) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := e.SessionID + "/" + e.ThreadKey + "/" + e.Model
	r, ok := m.rollups[key]
	if !ok {
		r = &usage.ModelUsage{Model: e.Model}
		m.rollups[key] = r
	}
	r.PromptTokens += e.PromptTokens
	r.CompletionTokens += e.CompletionTokens
	r.TotalTokens += e.TotalTokens
	r.Cost += cost
	m.logs++

	return uuid.New(), nil
}

func (m *memoryRepository) ThreadSummary(_ context.Context, sessionID, threadKey string) (*usage.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	summary := &usage.Summary{Models: []usage.ModelUsage{}}
	prefix := sessionID + "/" + threadKey + "/"
	for key, r := range m.rollups {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			summary.Models = append(summary.Models, *r)
			summary.TotalTokens += r.TotalTokens
			summary.TotalCost += r.Cost
		}
	}
	return summary, nil
}

func (m *memoryRepository) SessionSummary(_ context.Context, sessionID string) (*usage.Summary, error) {
	return m.ThreadSummary(context.Background(), sessionID, "")
}

func (m *memoryRepository) Daily(context.Context, time.Time) (*usage.DailyAggregate, error) {
	return nil, errors.ErrNotFound
}

func (m *memoryRepository) DailyRange(context.Context, time.Time, time.Time) ([]*usage.DailyAggregate, error) {
	return nil, nil
}

func TestServiceIngest_ConcurrentAdditivity(t *testing.T) {
	repo := newMemoryRepository()
	svc := NewService(repo, testResolver(t), nil, 0)

	const writers = 32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Ingest(context.Background(), validReport())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	summary, err := svc.ThreadSummary(context.Background(), "s1", "t1")
	require.NoError(t, err)
	require.Len(t, summary.Models, 1)
	assert.Equal(t, int64(writers*150), summary.Models[0].TotalTokens)
	assert.Equal(t, writers, repo.logs)
}

// fakeCache is an in-memory SummaryCache
type fakeCache struct {
	mu    sync.Mutex
	data  map[string]*usage.Summary
	hits  int
	sets  int
	dels  int
	nilFn func() error
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string]*usage.Summary)}
}

func (c *fakeCache) Get(_ context.Context, key string, dest interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.data[key]
	if !ok {
		if c.nilFn != nil {
			return c.nilFn()
		}
		return errors.New("cache miss")
	}
	c.hits++
	*dest.(*usage.Summary) = *s
	return nil
}

func (c *fakeCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	s := value.(*usage.Summary)
	c.data[key] = s
	return nil
}

func (c *fakeCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.data, k)
	}
	c.dels++
	return nil
}

func TestServiceSummary_CacheRoundTrip(t *testing.T) {
	calls := 0
	repo := &MockRepository{
		threadSummaryFunc: func(context.Context, string, string) (*usage.Summary, error) {
			calls++
			return &usage.Summary{
				Models:      []usage.ModelUsage{{Model: "gpt-4o", TotalTokens: 300}},
				TotalTokens: 300,
			}, nil
		},
	}
	cache := newFakeCache()
	svc := NewService(repo, testResolver(t), cache, 30*time.Second)

	first, err := svc.ThreadSummary(context.Background(), "s1", "t1")
	require.NoError(t, err)
	second, err := svc.ThreadSummary(context.Background(), "s1", "t1")
	require.NoError(t, err)

	assert.Equal(t, first.TotalTokens, second.TotalTokens)
	assert.Equal(t, 1, calls, "second read must be served from cache")
	assert.Equal(t, 1, cache.hits)
}

func TestServiceIngest_InvalidatesSummaryCache(t *testing.T) {
	repo := &MockRepository{}
	cache := newFakeCache()
	svc := NewService(repo, testResolver(t), cache, 30*time.Second)

	// Warm the cache, then ingest for the same thread.
	_, err := svc.ThreadSummary(context.Background(), "s1", "t1")
	require.NoError(t, err)

	_, err = svc.Ingest(context.Background(), validReport())
	require.NoError(t, err)
	assert.Equal(t, 1, cache.dels, "ingest must invalidate cached summaries")
}

func TestServiceThreadSummary_EmptyKeyDefaults(t *testing.T) {
	var gotKey string
	repo := &MockRepository{
		threadSummaryFunc: func(_ context.Context, _ string, threadKey string) (*usage.Summary, error) {
			gotKey = threadKey
			return &usage.Summary{Models: []usage.ModelUsage{}}, nil
		},
	}
	svc := NewService(repo, testResolver(t), nil, 0)

	_, err := svc.ThreadSummary(context.Background(), "s1", "")
	require.NoError(t, err)
	assert.Equal(t, usage.DefaultThreadKey, gotKey)
}
