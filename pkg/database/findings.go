package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/evetactical/gatewatch/pkg/models"
)

const insertFindingSQL = `
INSERT INTO findings (
	system_id, region_id, window_seconds, kill_count,
	attacker_org_ids, attacker_ship_type_ids,
	confidence, score, last_kill_time, is_chain_area_attack, force_asymmetry, created_at
) VALUES (
	:system_id, :region_id, :window_seconds, :kill_count,
	:attacker_org_ids, :attacker_ship_type_ids,
	:confidence, :score, :last_kill_time, :is_chain_area_attack, :force_asymmetry, :created_at
)`

// InsertFinding appends a camp finding and returns its assigned ID. Findings
// are an append-only log; re-detections of the same camp land as new rows.
func (c *Client) InsertFinding(ctx context.Context, finding *models.CampFinding) (int64, error) {
	if !finding.Confidence.IsValid() {
		return 0, fmt.Errorf("finding for system %d has invalid confidence %q", finding.SystemID, finding.Confidence)
	}

	record := *finding
	if record.CreatedAt.IsZero() {
		record.CreatedAt = c.now()
	}
	record.CreatedAt = record.CreatedAt.UTC()
	record.LastKillTime = record.LastKillTime.UTC()

	res, err := c.db.NamedExecContext(ctx, insertFindingSQL, &record)
	if err != nil {
		return 0, fmt.Errorf("failed to insert finding for system %d: %w", record.SystemID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read finding id: %w", err)
	}
	finding.ID = id
	finding.CreatedAt = record.CreatedAt
	return id, nil
}

// FindingQuery selects findings by location and age. Zero fields are ignored.
type FindingQuery struct {
	SystemID int64
	Since    time.Time
	Limit    int
}

// QueryFindings returns matching findings newest first.
func (c *Client) QueryFindings(ctx context.Context, q FindingQuery) ([]*models.CampFinding, error) {
	var (
		conds []string
		args  []any
	)
	if q.SystemID != 0 {
		conds = append(conds, "system_id = ?")
		args = append(args, q.SystemID)
	}
	if !q.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, q.Since.UTC())
	}

	query := `SELECT * FROM findings`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	findings := []*models.CampFinding{}
	if err := c.db.SelectContext(ctx, &findings, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query findings: %w", err)
	}
	return findings, nil
}

// CountFindings returns the number of stored findings.
func (c *Client) CountFindings(ctx context.Context) (int64, error) {
	var n int64
	if err := c.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM findings`); err != nil {
		return 0, fmt.Errorf("failed to count findings: %w", err)
	}
	return n, nil
}

// PurgeFindings deletes findings created before cutoff.
func (c *Client) PurgeFindings(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM findings WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge findings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read purge result: %w", err)
	}
	return n, nil
}
