package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/evetactical/gatewatch/pkg/models"
)

const insertAlertSQL = `
INSERT INTO alerts (
	alert_id, profile_id, trigger_kind, system_id, payload, created_at, attempt_count, state
) VALUES (
	:alert_id, :profile_id, :trigger_kind, :system_id, :payload, :created_at, :attempt_count, :state
)`

// InsertAlert persists a routed alert in its initial queued state.
func (c *Client) InsertAlert(ctx context.Context, alert *models.Alert) error {
	if !alert.Trigger.IsValid() {
		return fmt.Errorf("alert %s has invalid trigger %q", alert.ID, alert.Trigger)
	}
	record := *alert
	record.CreatedAt = record.CreatedAt.UTC()

	if _, err := c.db.NamedExecContext(ctx, insertAlertSQL, &record); err != nil {
		return fmt.Errorf("failed to insert alert %s: %w", alert.ID, err)
	}
	return nil
}

// GetAlert loads an alert by ID, or ErrNotFound.
func (c *Client) GetAlert(ctx context.Context, alertID string) (*models.Alert, error) {
	var alert models.Alert
	err := c.db.GetContext(ctx, &alert, `SELECT * FROM alerts WHERE alert_id = ?`, alertID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("alert %s: %w", alertID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load alert %s: %w", alertID, err)
	}
	return &alert, nil
}

// UpdateAlertDelivery records a delivery attempt outcome. The dispatcher owns
// alert state transitions and calls this after each attempt.
func (c *Client) UpdateAlertDelivery(ctx context.Context, alertID string, state models.AlertState, attemptCount int) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE alerts SET state = ?, attempt_count = ? WHERE alert_id = ?`,
		state, attemptCount, alertID)
	if err != nil {
		return fmt.Errorf("failed to update alert %s: %w", alertID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("alert %s: %w", alertID, ErrNotFound)
	}
	return nil
}

// UpdateAlertPayload replaces a queued alert's payload. Used when a camp
// re-detection upgrades confidence before the original alert has gone out.
func (c *Client) UpdateAlertPayload(ctx context.Context, alertID string, payload json.RawMessage) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE alerts SET payload = ? WHERE alert_id = ? AND state = ?`,
		payload, alertID, models.AlertStateQueued)
	if err != nil {
		return fmt.Errorf("failed to update payload for alert %s: %w", alertID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("queued alert %s: %w", alertID, ErrNotFound)
	}
	return nil
}

// DeliveryStats aggregates alert outcomes per state.
type DeliveryStats struct {
	Queued    int64 `json:"queued"`
	Sending   int64 `json:"sending"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// AlertStats returns delivery counts, optionally scoped to one profile.
func (c *Client) AlertStats(ctx context.Context, profileID string) (*DeliveryStats, error) {
	query := `SELECT state, COUNT(*) AS n FROM alerts`
	var args []any
	if profileID != "" {
		query += ` WHERE profile_id = ?`
		args = append(args, profileID)
	}
	query += ` GROUP BY state`

	rows := []struct {
		State models.AlertState `db:"state"`
		N     int64             `db:"n"`
	}{}
	if err := c.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to aggregate alerts: %w", err)
	}

	stats := &DeliveryStats{}
	for _, row := range rows {
		switch row.State {
		case models.AlertStateQueued:
			stats.Queued = row.N
		case models.AlertStateSending:
			stats.Sending = row.N
		case models.AlertStateDelivered:
			stats.Delivered = row.N
		case models.AlertStateFailed:
			stats.Failed = row.N
		case models.AlertStateDropped:
			stats.Dropped = row.N
		}
	}
	return stats, nil
}

// DropPendingAlerts marks every queued or in-flight alert dropped. The
// dispatcher calls this at startup (alerts orphaned by a crash are stale)
// and after a drain deadline expires.
func (c *Client) DropPendingAlerts(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`UPDATE alerts SET state = ? WHERE state IN (?, ?)`,
		models.AlertStateDropped, models.AlertStateQueued, models.AlertStateSending)
	if err != nil {
		return 0, fmt.Errorf("failed to drop pending alerts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read drop result: %w", err)
	}
	return n, nil
}

// PurgeAlerts deletes terminal alerts created before cutoff. Queued and
// in-flight alerts are never purged regardless of age.
func (c *Client) PurgeAlerts(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM alerts WHERE created_at < ? AND state IN (?, ?, ?)`,
		cutoff.UTC(), models.AlertStateDelivered, models.AlertStateFailed, models.AlertStateDropped)
	if err != nil {
		return 0, fmt.Errorf("failed to purge alerts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read purge result: %w", err)
	}
	return n, nil
}
