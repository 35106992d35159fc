package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"hermes/internal/domain/usage"
	"hermes/pkg/errors"
	"hermes/pkg/logger"
)

// maxConflictRetries bounds retries of a Record transaction that lost a
// serialization conflict or deadlock before surfacing ErrStoreConflict.
const maxConflictRetries = 3

// UsageRepository implements usage.Repository using PostgreSQL.
//
// All five writes of Record share one transaction. Increments use
// INSERT ... ON CONFLICT DO UPDATE with additive SET clauses, so concurrent
// writers for the same (thread, model) or day serialize on the row lock and
// no update is lost.
type UsageRepository struct {
	db  *sqlx.DB
	loc *time.Location
	log *logger.Logger
}

// NewUsageRepository creates a new PostgreSQL usage repository.
// loc is the timezone used to bucket events into calendar days.
func NewUsageRepository(db *sqlx.DB, loc *time.Location) *UsageRepository {
	if loc == nil {
		loc = time.Local
	}
	return &UsageRepository{
		db:  db,
		loc: loc,
		log: logger.Get().With("component", "usage_repository"),
	}
}

// Record applies one costed event atomically and returns the log entry id.
func (r *UsageRepository) Record(ctx context.Context, event usage.Event, cost float64) (uuid.UUID, error) {
	var logID uuid.UUID
	var err error

	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		logID, err = r.record(ctx, event, cost)
		if err == nil {
			return logID, nil
		}
		if !isRetryableConflict(err) || ctx.Err() != nil {
			return uuid.Nil, err
		}
		r.log.Warnw("retrying usage record after conflict",
			"attempt", attempt+1,
			"session_id", event.SessionID,
			"error", err,
		)
	}

	return uuid.Nil, errors.Wrap(errors.ErrStoreConflict, err.Error())
}

func (r *UsageRepository) record(ctx context.Context, event usage.Event, cost float64) (uuid.UUID, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// 1. Session upsert: start time is set on first sight, never overwritten.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_sessions (id, session_id, user_id, start_time)
		VALUES ($1, $2, NULL, $3)
		ON CONFLICT (session_id) DO NOTHING
	`, uuid.New(), event.SessionID, event.ReportedAt)
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "failed to upsert session")
	}

	// 2. Thread upsert. The no-op DO UPDATE takes the row lock and returns
	// the id even when the thread already exists.
	var threadID uuid.UUID
	err = tx.QueryRowContext(ctx, `
		INSERT INTO usage_threads (id, session_id, thread_key)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id, thread_key) DO UPDATE SET thread_key = EXCLUDED.thread_key
		RETURNING id
	`, uuid.New(), event.SessionID, event.ThreadKey).Scan(&threadID)
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "failed to upsert thread")
	}

	delta := event.Delta(cost)

	// 3. Thread-model rollup: additive merge, never overwrite.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_thread_models
			(id, thread_id, model, tokens_input, tokens_output, tokens_total, cost)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (thread_id, model) DO UPDATE SET
			tokens_input  = usage_thread_models.tokens_input  + EXCLUDED.tokens_input,
			tokens_output = usage_thread_models.tokens_output + EXCLUDED.tokens_output,
			tokens_total  = usage_thread_models.tokens_total  + EXCLUDED.tokens_total,
			cost          = usage_thread_models.cost          + EXCLUDED.cost,
			updated_at    = now()
	`, uuid.New(), threadID, event.Model,
		delta.TokensInput, delta.TokensOutput, delta.TokensTotal, delta.Cost)
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "failed to upsert thread-model rollup")
	}

	// 4. Immutable log entry.
	logID := uuid.New()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_logs
			(id, session_id, thread_id, model, tokens_input, tokens_output, tokens_total, cost, reported_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, logID, event.SessionID, threadID, event.Model,
		delta.TokensInput, delta.TokensOutput, delta.TokensTotal, delta.Cost, event.ReportedAt)
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "failed to insert usage log")
	}

	// 5. Daily aggregate. The per-model breakdown is incremented on every
	// event, symmetric with the top-level counters.
	day := r.dayOf(event.ReportedAt)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_daily
			(day, total_requests, tokens_input, tokens_output, tokens_total, total_cost, model_breakdown)
		VALUES ($1, 1, $2, $3, $4, $5, jsonb_build_object(
			$6::text, jsonb_build_object('requests', 1, 'tokens', $4::bigint, 'cost', $5::double precision)
		))
		ON CONFLICT (day) DO UPDATE SET
			total_requests = usage_daily.total_requests + 1,
			tokens_input   = usage_daily.tokens_input   + EXCLUDED.tokens_input,
			tokens_output  = usage_daily.tokens_output  + EXCLUDED.tokens_output,
			tokens_total   = usage_daily.tokens_total   + EXCLUDED.tokens_total,
			total_cost     = usage_daily.total_cost     + EXCLUDED.total_cost,
			model_breakdown = jsonb_set(
				usage_daily.model_breakdown,
				ARRAY[$6::text],
				jsonb_build_object(
					'requests', COALESCE((usage_daily.model_breakdown -> $6 ->> 'requests')::bigint, 0) + 1,
					'tokens',   COALESCE((usage_daily.model_breakdown -> $6 ->> 'tokens')::bigint, 0) + $4::bigint,
					'cost',     COALESCE((usage_daily.model_breakdown -> $6 ->> 'cost')::double precision, 0) + $5::double precision
				)
			),
			updated_at = now()
	`, day, delta.TokensInput, delta.TokensOutput, delta.TokensTotal, delta.Cost, event.Model)
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "failed to upsert daily aggregate")
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, errors.Wrap(err, "failed to commit usage record")
	}

	return logID, nil
}

// ThreadSummary aggregates the rollups of one thread.
func (r *UsageRepository) ThreadSummary(ctx context.Context, sessionID, threadKey string) (*usage.Summary, error) {
	var rows []usage.ModelUsage
	err := r.db.SelectContext(ctx, &rows, `
		SELECT m.model, m.tokens_input, m.tokens_output, m.tokens_total, m.cost
		FROM usage_thread_models m
		JOIN usage_threads t ON t.id = m.thread_id
		WHERE t.session_id = $1 AND t.thread_key = $2
		ORDER BY m.model
	`, sessionID, threadKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query thread summary")
	}

	return buildSummary(rows), nil
}

// SessionSummary aggregates the rollups of every thread in a session.
func (r *UsageRepository) SessionSummary(ctx context.Context, sessionID string) (*usage.Summary, error) {
	var rows []usage.ModelUsage
	err := r.db.SelectContext(ctx, &rows, `
		SELECT m.model,
		       SUM(m.tokens_input)  AS tokens_input,
		       SUM(m.tokens_output) AS tokens_output,
		       SUM(m.tokens_total)  AS tokens_total,
		       SUM(m.cost)          AS cost
		FROM usage_thread_models m
		JOIN usage_threads t ON t.id = m.thread_id
		WHERE t.session_id = $1
		GROUP BY m.model
		ORDER BY m.model
	`, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query session summary")
	}

	return buildSummary(rows), nil
}

// Daily returns the aggregate for one calendar day.
func (r *UsageRepository) Daily(ctx context.Context, day time.Time) (*usage.DailyAggregate, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT day, total_requests, tokens_input, tokens_output, tokens_total,
		       total_cost, model_breakdown, updated_at
		FROM usage_daily
		WHERE day = $1
	`, r.dayOf(day))

	agg, err := scanDaily(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "no daily aggregate for %s", r.dayOf(day))
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query daily aggregate")
	}
	return agg, nil
}

// DailyRange returns aggregates for days in [from, to], ordered by day.
func (r *UsageRepository) DailyRange(ctx context.Context, from, to time.Time) ([]*usage.DailyAggregate, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT day, total_requests, tokens_input, tokens_output, tokens_total,
		       total_cost, model_breakdown, updated_at
		FROM usage_daily
		WHERE day BETWEEN $1 AND $2
		ORDER BY day
	`, r.dayOf(from), r.dayOf(to))
	if err != nil {
		return nil, errors.Wrap(err, "failed to query daily range")
	}
	defer rows.Close()

	var aggs []*usage.DailyAggregate
	for rows.Next() {
		agg, err := scanDaily(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan daily aggregate")
		}
		aggs = append(aggs, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate daily aggregates")
	}

	return aggs, nil
}

// dayOf normalizes a timestamp to its calendar day in the repository's
// timezone, formatted for the DATE column.
func (r *UsageRepository) dayOf(t time.Time) string {
	return t.In(r.loc).Format("2006-01-02")
}

func buildSummary(rows []usage.ModelUsage) *usage.Summary {
	summary := &usage.Summary{Models: rows}
	if summary.Models == nil {
		summary.Models = []usage.ModelUsage{}
	}
	for _, m := range rows {
		summary.TotalTokens += m.TotalTokens
		summary.TotalCost += m.Cost
	}
	return summary
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDaily(row rowScanner) (*usage.DailyAggregate, error) {
	var agg usage.DailyAggregate
	var breakdown []byte

	err := row.Scan(
		&agg.Day,
		&agg.TotalRequests,
		&agg.TokensInput,
		&agg.TokensOutput,
		&agg.TokensTotal,
		&agg.TotalCost,
		&breakdown,
		&agg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(breakdown, &agg.ModelBreakdown); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal model breakdown")
	}

	return &agg, nil
}

// isRetryableConflict reports whether err is a serialization failure or
// deadlock that a fresh transaction may win.
func isRetryableConflict(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	// 40001 serialization_failure, 40P01 deadlock_detected
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}
