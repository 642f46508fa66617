// Package zkb reads the historical kill archive used by backfill. The
// archive serves region pages newest first; each row carries the ref
// identity plus the appraised value, but no timestamp, so callers learn a
// kill's age only after enrichment.
package zkb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/evetactical/gatewatch/pkg/config"
	"github.com/evetactical/gatewatch/pkg/models"
	"github.com/evetactical/gatewatch/pkg/version"
)

// HistoryEntry is one archive row.
type HistoryEntry struct {
	KillmailID int64 `json:"killmail_id"`
	ZKB        struct {
		Hash       string  `json:"hash"`
		TotalValue float64 `json:"totalValue"`
		NPC        bool    `json:"npc"`
	} `json:"zkb"`
}

// Ref converts the row into the pipeline's in-memory ref form.
func (e HistoryEntry) Ref() models.KillRef {
	return models.KillRef{
		KillID:     e.KillmailID,
		Hash:       e.ZKB.Hash,
		TotalValue: e.ZKB.TotalValue,
	}
}

// Client paces itself against the archive's published allowance, so several
// callers can share one instance safely.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient builds an archive client from the history configuration.
func NewClient(cfg *config.HistoryConfig, logger *slog.Logger) *Client {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger.With("component", "history_client"),
	}
}

// RegionHistory fetches one page of a region's kills, newest first. Pages
// are 1-based; an empty page means the archive is exhausted for that region.
func (c *Client) RegionHistory(ctx context.Context, regionID int64, page int) ([]HistoryEntry, error) {
	if page < 1 {
		page = 1
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/regionID/%d/page/%d/", c.baseURL, regionID, page)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build history request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.Full())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch region %d page %d: %w", regionID, page, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("history region %d page %d: status %d: %s",
			regionID, page, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var entries []HistoryEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode history region %d page %d: %w", regionID, page, err)
	}
	return entries, nil
}
