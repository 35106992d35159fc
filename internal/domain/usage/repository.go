package usage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Recorder persists costed usage events.
type Recorder interface {
	// Record applies one event atomically: session and thread upserts, the
	// thread-model rollup increment, the immutable log insert, and the
	// daily aggregate increment all commit together or not at all.
	// Record is additive, not idempotent: delivering the same logical event
	// twice counts it twice. At-most-once delivery is the transport's job.
	Record(ctx context.Context, event Event, cost float64) (uuid.UUID, error)
}

// Reader serves the display surfaces from the rollups. It never touches
// the log.
type Reader interface {
	// ThreadSummary aggregates the rollups of one thread.
	ThreadSummary(ctx context.Context, sessionID, threadKey string) (*Summary, error)

	// SessionSummary aggregates the rollups of every thread in a session.
	SessionSummary(ctx context.Context, sessionID string) (*Summary, error)

	// Daily returns the aggregate for one calendar day, or ErrNotFound.
	Daily(ctx context.Context, day time.Time) (*DailyAggregate, error)

	// DailyRange returns aggregates for days in [from, to], ordered by day.
	DailyRange(ctx context.Context, from, to time.Time) ([]*DailyAggregate, error)
}

// Repository combines the write and read sides of the aggregation store.
type Repository interface {
	Recorder
	Reader
}
