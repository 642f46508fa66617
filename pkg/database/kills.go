package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/evetactical/gatewatch/pkg/models"
)

const insertKillSQL = `
INSERT OR IGNORE INTO kills (
	kill_id, kill_time, system_id, region_id,
	victim_character_id, victim_org_id, victim_alliance_id, victim_faction_id,
	victim_ship_type_id, attacker_count,
	attacker_org_ids, attacker_alliance_ids, attacker_ship_type_ids, attacker_faction_ids,
	final_blow_ship_type_id, war_id, total_value, is_minor_kill, solo, ingested_at
) VALUES (
	:kill_id, :kill_time, :system_id, :region_id,
	:victim_character_id, :victim_org_id, :victim_alliance_id, :victim_faction_id,
	:victim_ship_type_id, :attacker_count,
	:attacker_org_ids, :attacker_alliance_ids, :attacker_ship_type_ids, :attacker_faction_ids,
	:final_blow_ship_type_id, :war_id, :total_value, :is_minor_kill, :solo, :ingested_at
)`

// InsertKill persists an enriched kill. Re-ingesting a kill_id already in the
// store is a no-op: the first write wins and inserted reports false. On a
// fresh insert the same transaction lazily evicts kills in the same system
// that have aged past the retention window.
func (c *Client) InsertKill(ctx context.Context, kill *models.Kill) (inserted bool, err error) {
	if err := kill.Validate(); err != nil {
		return false, fmt.Errorf("refusing to store kill %d: %w", kill.KillID, err)
	}

	record := *kill
	record.KillTime = record.KillTime.UTC()
	record.IngestedAt = record.IngestedAt.UTC()

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin insert: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.NamedExecContext(ctx, insertKillSQL, &record)
	if err != nil {
		return false, fmt.Errorf("failed to insert kill %d: %w", record.KillID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}

	if rows > 0 {
		for _, orgID := range record.AttackerOrgIDs {
			if _, err = tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO kill_attacker_orgs (kill_id, org_id) VALUES (?, ?)`,
				record.KillID, orgID); err != nil {
				return false, fmt.Errorf("failed to index attacker org %d: %w", orgID, err)
			}
		}

		if c.killRetention > 0 {
			cutoff := c.now().UTC().Add(-c.killRetention)
			if _, err = tx.ExecContext(ctx,
				`DELETE FROM kills WHERE system_id = ? AND kill_time < ?`,
				record.SystemID, cutoff); err != nil {
				return false, fmt.Errorf("failed to evict expired kills: %w", err)
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit kill %d: %w", record.KillID, err)
	}
	return rows > 0, nil
}

// GetKill returns a single kill by ID, or ErrNotFound.
func (c *Client) GetKill(ctx context.Context, killID int64) (*models.Kill, error) {
	var kill models.Kill
	err := c.db.GetContext(ctx, &kill, `SELECT * FROM kills WHERE kill_id = ?`, killID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("kill %d: %w", killID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load kill %d: %w", killID, err)
	}
	return &kill, nil
}

// KillQuery selects kills by location and time. Zero fields are ignored;
// Since is inclusive, Until exclusive.
type KillQuery struct {
	SystemID int64
	RegionID int64
	Since    time.Time
	Until    time.Time
	Limit    int
}

// QueryKills returns matching kills ordered by kill time ascending, then by
// kill ID for a stable order within the same second.
func (c *Client) QueryKills(ctx context.Context, q KillQuery) ([]*models.Kill, error) {
	var (
		conds []string
		args  []any
	)
	if q.SystemID != 0 {
		conds = append(conds, "system_id = ?")
		args = append(args, q.SystemID)
	}
	if q.RegionID != 0 {
		conds = append(conds, "region_id = ?")
		args = append(args, q.RegionID)
	}
	if !q.Since.IsZero() {
		conds = append(conds, "kill_time >= ?")
		args = append(args, q.Since.UTC())
	}
	if !q.Until.IsZero() {
		conds = append(conds, "kill_time < ?")
		args = append(args, q.Until.UTC())
	}

	query := `SELECT * FROM kills`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY kill_time ASC, kill_id ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	kills := []*models.Kill{}
	if err := c.db.SelectContext(ctx, &kills, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query kills: %w", err)
	}
	return kills, nil
}

// KillsByAttackerOrg returns kills where the given org appears on the
// attacking side, newest first. Used by the watchlist activity view.
func (c *Client) KillsByAttackerOrg(ctx context.Context, orgID int64, since time.Time, limit int) ([]*models.Kill, error) {
	query := `
		SELECT k.* FROM kills k
		JOIN kill_attacker_orgs a ON a.kill_id = k.kill_id
		WHERE a.org_id = ? AND k.kill_time >= ?
		ORDER BY k.kill_time DESC, k.kill_id DESC`
	args := []any{orgID, since.UTC()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	kills := []*models.Kill{}
	if err := c.db.SelectContext(ctx, &kills, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query kills for org %d: %w", orgID, err)
	}
	return kills, nil
}

// CountKills returns the number of stored kills.
func (c *Client) CountKills(ctx context.Context) (int64, error) {
	var n int64
	if err := c.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM kills`); err != nil {
		return 0, fmt.Errorf("failed to count kills: %w", err)
	}
	return n, nil
}

// LatestKillTime returns the most recent stored kill time, or the zero time
// when the store is empty.
func (c *Client) LatestKillTime(ctx context.Context) (time.Time, error) {
	var latest time.Time
	err := c.db.GetContext(ctx, &latest,
		`SELECT kill_time FROM kills ORDER BY kill_time DESC LIMIT 1`)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to read latest kill time: %w", err)
	}
	return latest.UTC(), nil
}

// PurgeKills deletes kills older than cutoff and returns the count removed.
func (c *Client) PurgeKills(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM kills WHERE kill_time < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge kills: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read purge result: %w", err)
	}
	return n, nil
}
