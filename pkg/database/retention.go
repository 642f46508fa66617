package database

import (
	"context"
	"fmt"
)

// PurgeResult reports how many rows a retention sweep removed.
type PurgeResult struct {
	Kills    int64 `json:"kills"`
	Findings int64 `json:"findings"`
	Alerts   int64 `json:"alerts"`
}

// Total returns the combined number of purged rows.
func (r PurgeResult) Total() int64 {
	return r.Kills + r.Findings + r.Alerts
}

// PurgeExpired enforces the retention windows across all aged entities. The
// cursor is never purged. A zero retention window disables purging for that
// entity.
func (c *Client) PurgeExpired(ctx context.Context) (PurgeResult, error) {
	var result PurgeResult
	now := c.now().UTC()

	if c.killRetention > 0 {
		n, err := c.PurgeKills(ctx, now.Add(-c.killRetention))
		if err != nil {
			return result, fmt.Errorf("kill retention sweep: %w", err)
		}
		result.Kills = n
	}

	if c.findingRetention > 0 {
		n, err := c.PurgeFindings(ctx, now.Add(-c.findingRetention))
		if err != nil {
			return result, fmt.Errorf("finding retention sweep: %w", err)
		}
		result.Findings = n
	}

	if c.alertRetention > 0 {
		n, err := c.PurgeAlerts(ctx, now.Add(-c.alertRetention))
		if err != nil {
			return result, fmt.Errorf("alert retention sweep: %w", err)
		}
		result.Alerts = n
	}

	return result, nil
}
