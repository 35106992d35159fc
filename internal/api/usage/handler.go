package usage

import (
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"hermes/internal/domain/usage"
	"hermes/internal/metrics"
	usageservice "hermes/internal/services/usage"
	"hermes/pkg/errors"
	"hermes/pkg/logger"
)

const maxReportBody = 64 << 10 // 64KB, reports are tiny

// Handler serves the usage ingestion and summary endpoints.
type Handler struct {
	service *usageservice.Service
	limiter *rate.Limiter
	loc     *time.Location
	log     *logger.Logger
}

// NewHandler creates a new usage HTTP handler.
// limiter may be nil to disable rate limiting (tests). loc must match the
// store's day-bucketing timezone so date parameters land on the right day.
func NewHandler(service *usageservice.Service, limiter *rate.Limiter, loc *time.Location) *Handler {
	if loc == nil {
		loc = time.Local
	}
	return &Handler{
		service: service,
		limiter: limiter,
		loc:     loc,
		log:     logger.Get().With("component", "usage_api"),
	}
}

type reportResponse struct {
	Success bool                  `json:"success"`
	Logged  *usageservice.Receipt `json:"logged,omitempty"`
	Error   string                `json:"error,omitempty"`
}

// HandleReport accepts one usage report per POST.
// The upstream treats any non-200 as best-effort: it logs and moves on, so
// overload shedding with 429 is safe here.
func (h *Handler) HandleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if h.limiter != nil && !h.limiter.Allow() {
		metrics.UsageReports.WithLabelValues("http", "rejected").Inc()
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	start := time.Now()
	defer func() {
		metrics.IngestDuration.WithLabelValues("http").Observe(time.Since(start).Seconds())
	}()

	var report usage.Report
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxReportBody))
	if err := decoder.Decode(&report); err != nil {
		metrics.UsageReports.WithLabelValues("http", "rejected").Inc()
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	receipt, err := h.service.Ingest(r.Context(), &report)
	if err != nil {
		if errors.Is(err, errors.ErrInvalidReport) || errors.Is(err, errors.ErrUnknownModel) {
			metrics.UsageReports.WithLabelValues("http", "rejected").Inc()
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		metrics.UsageReports.WithLabelValues("http", "failed").Inc()
		h.log.ErrorWithContext(r.Context(), err, map[string]string{
			"component": "usage_api",
			"endpoint":  "report",
		})
		writeError(w, http.StatusInternalServerError, "failed to record usage")
		return
	}

	metrics.UsageReports.WithLabelValues("http", "accepted").Inc()
	writeJSON(w, http.StatusOK, reportResponse{Success: true, Logged: receipt})
}

// HandleSummary serves per-thread or per-session summaries.
// GET /api/usage/summary?sessionId=...[&threadId=...]
func (h *Handler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	var summary *usage.Summary
	var err error
	if threadID := r.URL.Query().Get("threadId"); threadID != "" {
		summary, err = h.service.ThreadSummary(r.Context(), sessionID, threadID)
	} else {
		summary, err = h.service.SessionSummary(r.Context(), sessionID)
	}
	if err != nil {
		h.log.Errorf("summary query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load summary")
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// HandleDaily serves daily aggregates.
// GET /api/usage/daily?date=YYYY-MM-DD, or ?from=...&to=... for a range.
func (h *Handler) HandleDaily(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()

	if from, to := q.Get("from"), q.Get("to"); from != "" || to != "" {
		fromDay, err := time.ParseInLocation("2006-01-02", from, h.loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from date, want YYYY-MM-DD")
			return
		}
		toDay, err := time.ParseInLocation("2006-01-02", to, h.loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to date, want YYYY-MM-DD")
			return
		}

		aggs, err := h.service.DailyRange(r.Context(), fromDay, toDay)
		if err != nil {
			h.log.Errorf("daily range query failed: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to load daily aggregates")
			return
		}
		if aggs == nil {
			aggs = []*usage.DailyAggregate{}
		}
		writeJSON(w, http.StatusOK, aggs)
		return
	}

	day := time.Now()
	if date := q.Get("date"); date != "" {
		parsed, err := time.ParseInLocation("2006-01-02", date, h.loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid date, want YYYY-MM-DD")
			return
		}
		day = parsed
	}

	agg, err := h.service.Daily(r.Context(), day)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no usage recorded for that day")
			return
		}
		h.log.Errorf("daily query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load daily aggregate")
		return
	}

	writeJSON(w, http.StatusOK, agg)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, reportResponse{Success: false, Error: message})
}
