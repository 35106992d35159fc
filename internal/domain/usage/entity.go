package usage

import (
	"time"

	"github.com/google/uuid"
)

// DefaultThreadKey is the sentinel thread key used when the upstream does not
// distinguish threads within a session.
const DefaultThreadKey = "default"

// Session is one end-user conversational interaction lifecycle.
// Created on the first event for an unseen session identifier; the start
// time is never overwritten afterwards.
type Session struct {
	ID        uuid.UUID `db:"id"`
	SessionID string    `db:"session_id"`
	UserID    *string   `db:"user_id"`
	StartTime time.Time `db:"start_time"`
	CreatedAt time.Time `db:"created_at"`
}

// Thread is a sub-conversation within a session, keyed by (sessionId, threadKey).
type Thread struct {
	ID        uuid.UUID `db:"id"`
	SessionID string    `db:"session_id"`
	ThreadKey string    `db:"thread_key"`
	CreatedAt time.Time `db:"created_at"`
}

// ThreadModelRollup holds monotonically non-decreasing counters for one
// (thread, model) pair. Its tokens_total must equal the sum of tokens_total
// across all log entries for the same pair.
type ThreadModelRollup struct {
	ID           uuid.UUID `db:"id"`
	ThreadID     uuid.UUID `db:"thread_id"`
	Model        string    `db:"model"`
	TokensInput  int64     `db:"tokens_input"`
	TokensOutput int64     `db:"tokens_output"`
	TokensTotal  int64     `db:"tokens_total"`
	Cost         float64   `db:"cost"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// LogEntry is the immutable audit record of a single reported event.
type LogEntry struct {
	ID           uuid.UUID  `db:"id"`
	SessionID    string     `db:"session_id"`
	ThreadID     *uuid.UUID `db:"thread_id"`
	Model        string     `db:"model"`
	TokensInput  int64      `db:"tokens_input"`
	TokensOutput int64      `db:"tokens_output"`
	TokensTotal  int64      `db:"tokens_total"`
	Cost         float64    `db:"cost"`
	ReportedAt   time.Time  `db:"reported_at"`
	CreatedAt    time.Time  `db:"created_at"`
}

// ModelDayStats is one model's slice of a daily aggregate.
type ModelDayStats struct {
	Requests int64   `json:"requests"`
	Tokens   int64   `json:"tokens"`
	Cost     float64 `json:"cost"`
}

// DailyAggregate is a calendar-day rollup across all sessions and threads.
// Day is normalized to midnight in the service's configured timezone.
type DailyAggregate struct {
	Day            time.Time                `json:"day"`
	TotalRequests  int64                    `json:"totalRequests"`
	TokensInput    int64                    `json:"tokensInput"`
	TokensOutput   int64                    `json:"tokensOutput"`
	TokensTotal    int64                    `json:"tokensTotal"`
	TotalCost      float64                  `json:"totalCost"`
	ModelBreakdown map[string]ModelDayStats `json:"modelBreakdown"`
	UpdatedAt      time.Time                `json:"updatedAt"`
}

// Delta is the immutable increment one event applies to the thread-model
// rollup and the daily aggregate. Applying deltas is associative and
// commutative, which is what makes concurrent ingestion additive.
type Delta struct {
	TokensInput  int64
	TokensOutput int64
	TokensTotal  int64
	Cost         float64
}

// Event is a validated, normalized usage report ready for costing and
// persistence. ThreadKey is always set; a report without a thread identifier
// lands on the default thread.
type Event struct {
	SessionID        string
	ThreadKey        string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	ReportedAt       time.Time
}

// Delta builds the aggregate increment for this event at the given cost.
func (e Event) Delta(cost float64) Delta {
	return Delta{
		TokensInput:  e.PromptTokens,
		TokensOutput: e.CompletionTokens,
		TokensTotal:  e.TotalTokens,
		Cost:         cost,
	}
}

// ModelUsage is one per-model row of a summary.
type ModelUsage struct {
	Model            string  `json:"model" db:"model"`
	PromptTokens     int64   `json:"promptTokens" db:"tokens_input"`
	CompletionTokens int64   `json:"completionTokens" db:"tokens_output"`
	TotalTokens      int64   `json:"totalTokens" db:"tokens_total"`
	Cost             float64 `json:"cost" db:"cost"`
}

// Summary aggregates thread-model rollups for display.
// Cost figures are the stored accumulated costs, i.e. the price in effect
// when each event was reported.
type Summary struct {
	Models      []ModelUsage `json:"models"`
	TotalTokens int64        `json:"totalTokens"`
	TotalCost   float64      `json:"totalCost"`
}
