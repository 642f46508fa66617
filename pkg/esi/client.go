// Package esi is the game API client used to resolve kill references into
// full killmails. It speaks plain HTTP and reports errors in classes the
// fetcher pool acts on: retryable, not-found, budget-exhausted, permanent.
package esi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/evetactical/gatewatch/pkg/config"
	"github.com/evetactical/gatewatch/pkg/models"
	"github.com/evetactical/gatewatch/pkg/version"
)

// statusErrorBudget is the API's "error budget exhausted" response. It is
// not a plain rate limit: further requests extend the ban window.
const statusErrorBudget = 420

// Killmail is the wire shape of GET /latest/killmails/{id}/{hash}/.
type Killmail struct {
	KillmailID    int64      `json:"killmail_id"`
	KillmailTime  time.Time  `json:"killmail_time"`
	SolarSystemID int64      `json:"solar_system_id"`
	WarID         *int64     `json:"war_id,omitempty"`
	Victim        Victim     `json:"victim"`
	Attackers     []Attacker `json:"attackers"`
}

// Victim is the losing side of a killmail.
type Victim struct {
	CharacterID   int64  `json:"character_id,omitempty"`
	CorporationID int64  `json:"corporation_id,omitempty"`
	AllianceID    *int64 `json:"alliance_id,omitempty"`
	FactionID     *int64 `json:"faction_id,omitempty"`
	ShipTypeID    int64  `json:"ship_type_id"`
	DamageTaken   int64  `json:"damage_taken"`
}

// Attacker is one participant on the killing side. NPC attackers carry a
// faction ID and often no character or corporation.
type Attacker struct {
	CharacterID    int64   `json:"character_id,omitempty"`
	CorporationID  int64   `json:"corporation_id,omitempty"`
	AllianceID     *int64  `json:"alliance_id,omitempty"`
	FactionID      *int64  `json:"faction_id,omitempty"`
	ShipTypeID     int64   `json:"ship_type_id,omitempty"`
	WeaponTypeID   int64   `json:"weapon_type_id,omitempty"`
	DamageDone     int64   `json:"damage_done"`
	FinalBlow      bool    `json:"final_blow"`
	SecurityStatus float64 `json:"security_status,omitempty"`
}

// Client fetches killmails. It is safe for concurrent use; pacing is the
// caller's responsibility so one token bucket can span several consumers.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger

	// budgetRemain mirrors the API's error-budget header, for health
	// reporting. -1 until the first response carries the header.
	budgetRemain atomic.Int64
}

// NewClient builds a client against cfg.BaseURL. Request deadlines come from
// the caller's context; the embedded http.Client carries no timeout of its
// own.
func NewClient(cfg *config.EnrichmentConfig, logger *slog.Logger) *Client {
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{},
		logger:  logger.With("component", "esi_client"),
	}
	c.budgetRemain.Store(-1)
	return c
}

// GetKillmail resolves one ref into a full killmail.
func (c *Client) GetKillmail(ctx context.Context, ref models.KillRef) (*Killmail, error) {
	url := fmt.Sprintf("%s/latest/killmails/%d/%s/", c.baseURL, ref.KillID, ref.Hash)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for kill %d: %w", ref.KillID, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.Full())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch kill %d: %w", ref.KillID, err)
	}
	defer resp.Body.Close()

	c.recordBudget(resp)

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("kill %d: %w", ref.KillID, ErrNotFound)
	case resp.StatusCode == statusErrorBudget:
		c.logger.Warn("api error budget exhausted", "kill_id", ref.KillID)
		return nil, fmt.Errorf("kill %d: %w", ref.KillID, ErrRateLimited)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	var km Killmail
	if err := json.NewDecoder(resp.Body).Decode(&km); err != nil {
		return nil, &DecodeError{KillID: ref.KillID, Err: err}
	}
	if km.KillmailID != ref.KillID {
		return nil, &DecodeError{
			KillID: ref.KillID,
			Err:    fmt.Errorf("response carries killmail %d", km.KillmailID),
		}
	}
	return &km, nil
}

// ErrorBudgetRemain returns the API's last reported error-budget headroom,
// or -1 when no response has carried the header yet.
func (c *Client) ErrorBudgetRemain() int64 {
	return c.budgetRemain.Load()
}

func (c *Client) recordBudget(resp *http.Response) {
	raw := resp.Header.Get("X-Esi-Error-Limit-Remain")
	if raw == "" {
		return
	}
	remain, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return
	}
	c.budgetRemain.Store(remain)
}
