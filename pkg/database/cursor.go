package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/evetactical/gatewatch/pkg/models"
)

// GetCursor loads the pipeline cursor for a queue, or ErrNotFound when the
// queue has never been polled.
func (c *Client) GetCursor(ctx context.Context, queueID string) (*models.Cursor, error) {
	var cur models.Cursor
	err := c.db.GetContext(ctx, &cur, `SELECT * FROM pipeline_cursor WHERE queue_id = ?`, queueID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("cursor for queue %q: %w", queueID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load cursor for queue %q: %w", queueID, err)
	}
	return &cur, nil
}

// AdvanceCursor records a successful poll that carried an event. The event
// time is monotonic: a write with an older event time keeps the stored value,
// so the cursor never moves backward even if kills arrive out of order.
func (c *Client) AdvanceCursor(ctx context.Context, queueID string, eventTime, polledAt time.Time) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO pipeline_cursor (queue_id, last_event_time, last_successful_poll_at)
		VALUES (?, ?, ?)
		ON CONFLICT(queue_id) DO UPDATE SET
			last_event_time = MAX(last_event_time, excluded.last_event_time),
			last_successful_poll_at = excluded.last_successful_poll_at`,
		queueID, eventTime.UTC(), polledAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to advance cursor for queue %q: %w", queueID, err)
	}
	return nil
}

// RecordPoll records a successful poll that returned no event. Only the poll
// timestamp moves; the event-time high-water mark is untouched.
func (c *Client) RecordPoll(ctx context.Context, queueID string, polledAt time.Time) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO pipeline_cursor (queue_id, last_event_time, last_successful_poll_at)
		VALUES (?, ?, ?)
		ON CONFLICT(queue_id) DO UPDATE SET
			last_successful_poll_at = excluded.last_successful_poll_at`,
		queueID, time.Time{}.UTC(), polledAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record poll for queue %q: %w", queueID, err)
	}
	return nil
}
