// Package detect is the gatecamp detector. Every persisted kill re-evaluates
// its system's rolling window against the camp decision rule; verdicts that
// clear the rule become findings, persisted for the health surface and
// handed to the notification router.
package detect

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/evetactical/gatewatch/pkg/config"
	"github.com/evetactical/gatewatch/pkg/database"
	"github.com/evetactical/gatewatch/pkg/models"
	"github.com/evetactical/gatewatch/pkg/refdata"
)

// FindingHandler receives each persisted finding.
type FindingHandler func(ctx context.Context, finding *models.CampFinding)

// Detector evaluates per-system windows. Evaluations are serialized: the
// detector is logically a single writer over its findings, even though
// kills arrive from a pool of workers.
type Detector struct {
	store   *database.Client
	tables  *refdata.Tables
	cfg     *config.DetectionConfig
	handler FindingHandler
	logger  *slog.Logger
	now     func() time.Time

	mu sync.Mutex
}

// Options wires a Detector. Store, Tables, and Config are required.
type Options struct {
	Store   *database.Client
	Tables  *refdata.Tables
	Config  *config.DetectionConfig
	Handler FindingHandler
	Logger  *slog.Logger

	// Now supplies the clock; defaults to time.Now. Tests inject a fake.
	Now func() time.Time
}

// NewDetector builds a detector from options.
func NewDetector(opts Options) *Detector {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Detector{
		store:   opts.Store,
		tables:  opts.Tables,
		cfg:     opts.Config,
		handler: opts.Handler,
		logger:  logger.With("component", "detector"),
		now:     now,
	}
}

// OnKill re-evaluates the kill's system window. A verdict that clears the
// decision rule is persisted and fanned out; evaluation failures are logged
// and swallowed so the ingest path never stalls on the detector.
func (d *Detector) OnKill(ctx context.Context, kill *models.Kill) {
	finding, err := d.Evaluate(ctx, kill.SystemID)
	if err != nil {
		d.logger.Error("window evaluation failed",
			"system_id", kill.SystemID, "error", err)
		return
	}
	if finding == nil {
		return
	}
	if d.handler != nil {
		d.handler(ctx, finding)
	}
}

// Evaluate scores one system's rolling window right now. It returns nil when
// the window does not read as a camp. Findings are persisted before being
// returned.
func (d *Detector) Evaluate(ctx context.Context, systemID int64) (*models.CampFinding, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now().UTC()
	kills, err := d.store.QueryKills(ctx, database.KillQuery{
		SystemID: systemID,
		Since:    now.Add(-d.cfg.Window),
	})
	if err != nil {
		return nil, err
	}
	if len(kills) < d.cfg.MinKills {
		return nil, nil
	}

	v := evaluateWindow(kills, d.cfg, d.tables.IsAreaEffectPlatform)
	if !v.IsCamp {
		return nil, nil
	}

	regionID, _ := d.tables.RegionOf(systemID)
	finding := &models.CampFinding{
		SystemID:            systemID,
		RegionID:            regionID,
		WindowSeconds:       int(d.cfg.Window / time.Second),
		KillCount:           v.KillCount,
		AttackerOrgIDs:      v.AttackerOrgs,
		AttackerShipTypeIDs: v.AttackerShips,
		Confidence:          v.Confidence,
		Score:               v.Score,
		LastKillTime:        v.LastKillTime,
		IsChainAreaAttack:   v.AreaChain,
		ForceAsymmetry:      v.MeanAttackers,
		CreatedAt:           now,
	}

	id, err := d.store.InsertFinding(ctx, finding)
	if err != nil {
		return nil, err
	}
	finding.ID = id

	findingsTotal.WithLabelValues(string(v.Confidence)).Inc()
	d.logger.Info("gatecamp detected",
		"system_id", systemID,
		"confidence", v.Confidence,
		"score", v.Score,
		"kills", v.KillCount,
		"area_chain", v.AreaChain,
		"mean_attackers", v.MeanAttackers)
	return finding, nil
}
