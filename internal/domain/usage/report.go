package usage

import (
	"time"

	"hermes/pkg/errors"
)

// Report is the wire shape of an incoming usage report, as posted by the
// chat widget after each completed response. Token counts are pointers so
// that an absent field can be told apart from an explicit zero.
type Report struct {
	SessionID        string     `json:"sessionId"`
	ThreadID         *string    `json:"threadId,omitempty"`
	Model            string     `json:"model"`
	PromptTokens     *int64     `json:"promptTokens,omitempty"`
	CompletionTokens *int64     `json:"completionTokens,omitempty"`
	TotalTokens      *int64     `json:"totalTokens,omitempty"`
	Timestamp        *time.Time `json:"timestamp,omitempty"`
}

// Validate checks required fields and value ranges. It has no side effects
// and returns a ValidationError whose message is stable and safe to return
// to the reporting client.
func (r *Report) Validate() error {
	if r.SessionID == "" {
		return errors.NewValidationError("sessionId", "must not be empty", r.SessionID)
	}
	if r.Model == "" {
		return errors.NewValidationError("model", "must not be empty", r.Model)
	}
	if r.TotalTokens == nil {
		return errors.NewValidationError("totalTokens", "is required", nil)
	}
	if *r.TotalTokens < 0 {
		return errors.NewValidationError("totalTokens", "must not be negative", *r.TotalTokens)
	}
	if r.PromptTokens != nil && *r.PromptTokens < 0 {
		return errors.NewValidationError("promptTokens", "must not be negative", *r.PromptTokens)
	}
	if r.CompletionTokens != nil && *r.CompletionTokens < 0 {
		return errors.NewValidationError("completionTokens", "must not be negative", *r.CompletionTokens)
	}
	if r.ThreadID != nil && *r.ThreadID == "" {
		return errors.NewValidationError("threadId", "must not be empty when present", *r.ThreadID)
	}
	return nil
}

// Mismatched reports whether the caller-supplied total disagrees with
// prompt+completion. A mismatch is advisory: the log records what was
// reported, not a recomputation.
func (r *Report) Mismatched() bool {
	if r.TotalTokens == nil || r.PromptTokens == nil || r.CompletionTokens == nil {
		return false
	}
	return *r.TotalTokens != *r.PromptTokens+*r.CompletionTokens
}

// Normalize converts a validated report into an Event, defaulting the
// thread key and the timestamp. now is the ingestion time.
func (r *Report) Normalize(now time.Time) Event {
	threadKey := DefaultThreadKey
	if r.ThreadID != nil {
		threadKey = *r.ThreadID
	}

	reportedAt := now
	if r.Timestamp != nil {
		reportedAt = *r.Timestamp
	}

	var prompt, completion int64
	if r.PromptTokens != nil {
		prompt = *r.PromptTokens
	}
	if r.CompletionTokens != nil {
		completion = *r.CompletionTokens
	}

	return Event{
		SessionID:        r.SessionID,
		ThreadKey:        threadKey,
		Model:            r.Model,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      *r.TotalTokens,
		ReportedAt:       reportedAt,
	}
}
