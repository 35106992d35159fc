package usage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"hermes/internal/adapters/config"
	"hermes/internal/domain/usage"
	"hermes/internal/pricing"
	usageservice "hermes/internal/services/usage"
	"hermes/pkg/errors"
)

// stubRepository implements usage.Repository for handler tests
type stubRepository struct {
	recordErr   error
	recordCalls int
	lastEvent   usage.Event
}

func (s *stubRepository) Record(_ context.Context, e usage.Event, _ float64) (uuid.UUID, error) {
	s.recordCalls++
	s.lastEvent = e
	if s.recordErr != nil {
		return uuid.Nil, s.recordErr
	}
	return uuid.New(), nil
}

func (s *stubRepository) ThreadSummary(context.Context, string, string) (*usage.Summary, error) {
	return &usage.Summary{
		Models: []usage.ModelUsage{
			{Model: "gpt-4o", PromptTokens: 200, CompletionTokens: 100, TotalTokens: 300, Cost: 0.0015},
		},
		TotalTokens: 300,
		TotalCost:   0.0015,
	}, nil
}

func (s *stubRepository) SessionSummary(context.Context, string) (*usage.Summary, error) {
	return s.ThreadSummary(context.Background(), "", "")
}

func (s *stubRepository) Daily(context.Context, time.Time) (*usage.DailyAggregate, error) {
	return nil, errors.ErrNotFound
}

func (s *stubRepository) DailyRange(context.Context, time.Time, time.Time) ([]*usage.DailyAggregate, error) {
	return nil, nil
}

func newTestHandler(t *testing.T, repo *stubRepository) *Handler {
	t.Helper()

	resolver, err := pricing.NewResolver(pricing.DefaultTable(), config.PricingConfig{
		FallbackModel: "gpt-4o-mini",
	})
	require.NoError(t, err)

	service := usageservice.NewService(repo, resolver, nil, 0)
	return NewHandler(service, nil, time.UTC)
}

const reportBody = `{
	"sessionId": "s1",
	"threadId": "t1",
	"model": "gpt-4o",
	"promptTokens": 100,
	"completionTokens": 50,
	"totalTokens": 150
}`

func TestHandleReport(t *testing.T) {
	repo := &stubRepository{}
	h := newTestHandler(t, repo)

	req := httptest.NewRequest(http.MethodPost, "/api/usage/report", strings.NewReader(reportBody))
	rec := httptest.NewRecorder()
	h.HandleReport(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success bool `json:"success"`
		Logged  struct {
			ID        string  `json:"id"`
			SessionID string  `json:"sessionId"`
			Tokens    int64   `json:"tokens"`
			Cost      float64 `json:"cost"`
		} `json:"logged"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "s1", resp.Logged.SessionID)
	assert.Equal(t, int64(150), resp.Logged.Tokens)
	assert.InDelta(t, 0.00075, resp.Logged.Cost, 1e-12)
	assert.NotEmpty(t, resp.Logged.ID)

	assert.Equal(t, 1, repo.recordCalls)
	assert.Equal(t, "t1", repo.lastEvent.ThreadKey)
}

func TestHandleReport_ValidationRejection(t *testing.T) {
	for name, body := range map[string]string{
		"missing sessionId":   `{"model":"gpt-4o","totalTokens":150}`,
		"missing model":       `{"sessionId":"s1","totalTokens":150}`,
		"missing totalTokens": `{"sessionId":"s1","model":"gpt-4o"}`,
	} {
		t.Run(name, func(t *testing.T) {
			repo := &stubRepository{}
			h := newTestHandler(t, repo)

			req := httptest.NewRequest(http.MethodPost, "/api/usage/report", strings.NewReader(body))
			rec := httptest.NewRecorder()
			h.HandleReport(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var resp struct {
				Success bool   `json:"success"`
				Error   string `json:"error"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.False(t, resp.Success)
			assert.NotEmpty(t, resp.Error)

			assert.Zero(t, repo.recordCalls, "rejected reports must not reach the store")
		})
	}
}

func TestHandleReport_InvalidJSON(t *testing.T) {
	h := newTestHandler(t, &stubRepository{})

	req := httptest.NewRequest(http.MethodPost, "/api/usage/report", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.HandleReport(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleReport_StoreFailure(t *testing.T) {
	repo := &stubRepository{recordErr: errors.New("connection refused")}
	h := newTestHandler(t, repo)

	req := httptest.NewRequest(http.MethodPost, "/api/usage/report", strings.NewReader(reportBody))
	rec := httptest.NewRecorder()
	h.HandleReport(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
}

func TestHandleReport_MethodNotAllowed(t *testing.T) {
	h := newTestHandler(t, &stubRepository{})

	req := httptest.NewRequest(http.MethodGet, "/api/usage/report", nil)
	rec := httptest.NewRecorder()
	h.HandleReport(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleReport_RateLimited(t *testing.T) {
	repo := &stubRepository{}
	resolver, err := pricing.NewResolver(pricing.DefaultTable(), config.PricingConfig{
		FallbackModel: "gpt-4o-mini",
	})
	require.NoError(t, err)
	service := usageservice.NewService(repo, resolver, nil, 0)

	// A zero-rate limiter rejects everything.
	h := NewHandler(service, rate.NewLimiter(0, 0), time.UTC)

	req := httptest.NewRequest(http.MethodPost, "/api/usage/report", strings.NewReader(reportBody))
	rec := httptest.NewRecorder()
	h.HandleReport(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Zero(t, repo.recordCalls)
}

func TestHandleSummary(t *testing.T) {
	h := newTestHandler(t, &stubRepository{})

	req := httptest.NewRequest(http.MethodGet, "/api/usage/summary?sessionId=s1&threadId=t1", nil)
	rec := httptest.NewRecorder()
	h.HandleSummary(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var summary usage.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	require.Len(t, summary.Models, 1)
	assert.Equal(t, "gpt-4o", summary.Models[0].Model)
	assert.Equal(t, int64(300), summary.TotalTokens)
}

func TestHandleSummary_RequiresSessionID(t *testing.T) {
	h := newTestHandler(t, &stubRepository{})

	req := httptest.NewRequest(http.MethodGet, "/api/usage/summary", nil)
	rec := httptest.NewRecorder()
	h.HandleSummary(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleDaily_NotFound(t *testing.T) {
	h := newTestHandler(t, &stubRepository{})

	req := httptest.NewRequest(http.MethodGet, "/api/usage/daily?date=2025-01-01", nil)
	rec := httptest.NewRecorder()
	h.HandleDaily(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleDaily_BadDate(t *testing.T) {
	h := newTestHandler(t, &stubRepository{})

	req := httptest.NewRequest(http.MethodGet, "/api/usage/daily?date=January", nil)
	rec := httptest.NewRecorder()
	h.HandleDaily(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
