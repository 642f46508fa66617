package models

import "time"

// Cursor records how far the pipeline has observed the upstream queue.
// LastEventTime never moves backwards within a process lifetime; the store
// enforces this on write.
type Cursor struct {
	QueueID              string    `db:"queue_id" json:"queue_id"`
	LastEventTime        time.Time `db:"last_event_time" json:"last_event_time"`
	LastSuccessfulPollAt time.Time `db:"last_successful_poll_at" json:"last_successful_poll_at"`
}
