package store

import "time"

// Outcome status values.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Record is the stored result of processing one work item.
//
// Record is the storage representation used by the REST API and SSE. It is
// decoupled from the worker's internal types.
type Record struct {
	// Key is the item's dedup key; records are keyed by it.
	Key string `json:"key"`

	ID           string `json:"id"`
	Kind         string `json:"kind"`
	ExperimentID string `json:"experiment_id,omitempty"`

	// RoutingKey is the conversation the item belonged to, if any.
	RoutingKey string `json:"routing_key,omitempty"`

	// Status is "completed" or "failed".
	Status string `json:"status"`

	// Response is the produced answer. Empty for failures.
	Response string `json:"response,omitempty"`

	// Triggered is set for risk evaluations only.
	Triggered *bool `json:"triggered,omitempty"`

	DurationMs int64     `json:"duration_ms"`
	FinishedAt time.Time `json:"finished_at"`

	// Error contains the failure message. nil for completed items.
	Error *string `json:"error"`
}

// Store defines storage and subscription for item outcomes.
//
// Store implementations must be safe for concurrent access.
type Store interface {
	// Record stores rec and notifies all subscribers. A later record with
	// the same Key replaces the earlier one.
	Record(rec Record)

	// GetAll returns a snapshot of stored records, most recent first.
	GetAll() []Record

	// Get returns the record for key.
	Get(key string) (Record, bool)

	// Subscribe returns a buffered channel of new records. Slow consumers
	// may miss records. Caller must call Unsubscribe when done.
	Subscribe() <-chan Record

	// Unsubscribe removes a subscription and closes the channel.
	// Safe to call with a channel that was already unsubscribed.
	Unsubscribe(ch <-chan Record)
}
