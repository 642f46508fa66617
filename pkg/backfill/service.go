// Package backfill recovers kills missed while the process was down. The
// upstream queue keeps roughly three hours of events; when the stored
// high-water mark is older than that, this service walks the historical
// archive newest-first for every region the profiles watch and re-inserts
// what the outage lost. Recovered kills go through the normal store path but
// never reach the notification router: stale alerts help nobody.
package backfill

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/evetactical/gatewatch/pkg/config"
	"github.com/evetactical/gatewatch/pkg/database"
	"github.com/evetactical/gatewatch/pkg/esi"
	"github.com/evetactical/gatewatch/pkg/ingest"
	"github.com/evetactical/gatewatch/pkg/models"
	"github.com/evetactical/gatewatch/pkg/refdata"
	"github.com/evetactical/gatewatch/pkg/zkb"
)

const (
	defaultMaxAge   = 3 * time.Hour
	defaultMaxKills = 500
)

// Result describes one backfill invocation. It is surfaced verbatim through
// the status API, so operators can tell a skipped run from a short one.
type Result struct {
	Ran      bool      `json:"ran"`
	Reason   string    `json:"reason,omitempty"`
	Regions  []int64   `json:"regions,omitempty"`
	Pages    int       `json:"pages,omitempty"`
	Fetched  int       `json:"fetched,omitempty"`
	Inserted int       `json:"inserted,omitempty"`
	Cutoff   time.Time `json:"cutoff,omitzero"`
}

// Options configures a Service. Store, History, Client, Tables, Config,
// Enrichment, and Regions are required.
type Options struct {
	Store   *database.Client
	History *zkb.Client
	Client  *esi.Client
	Tables  *refdata.Tables
	Config  *config.BackfillConfig

	// Enrichment supplies the pacing and per-request deadline for killmail
	// fetches. Backfill shares the live pool's error budget, so it honors
	// the same rate.
	Enrichment *config.EnrichmentConfig

	// KillRetention floors the cutoff: kills the sweeper would purge on
	// sight are not worth fetching.
	KillRetention time.Duration

	// QueueID names the cursor row that gates the run.
	QueueID string

	// Regions returns the region IDs currently in profile scope. Evaluated
	// once per run, so profile reloads take effect on the next invocation.
	Regions func() []int64

	Logger *slog.Logger
	Now    func() time.Time
}

// Service is the bounded historical fetcher. One run per construction is the
// expected shape, but Run is safe to call again (the cursor gate makes
// repeat invocations cheap no-ops).
type Service struct {
	store     *database.Client
	history   *zkb.Client
	client    *esi.Client
	tables    *refdata.Tables
	cfg       *config.BackfillConfig
	limiter   *rate.Limiter
	fetchWait time.Duration
	retention time.Duration
	queueID   string
	regions   func() []int64
	logger    *slog.Logger
	now       func() time.Time
}

// NewService builds a backfill service from its dependencies.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	rps := opts.Enrichment.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	return &Service{
		store:     opts.Store,
		history:   opts.History,
		client:    opts.Client,
		tables:    opts.Tables,
		cfg:       opts.Config,
		limiter:   rate.NewLimiter(rate.Limit(rps), 1),
		fetchWait: opts.Enrichment.RequestTimeout,
		retention: opts.KillRetention,
		queueID:   opts.QueueID,
		regions:   opts.Regions,
		logger:    logger.With("component", "backfill"),
		now:       now,
	}
}

// Run executes one gated backfill pass. It returns an error only when the
// context dies or the store refuses the cursor read; API-level trouble
// degrades the run and is reported through the Result instead, because a
// thin backfill must never keep the live pipeline from starting.
func (s *Service) Run(ctx context.Context) (*Result, error) {
	if !s.cfg.Enabled {
		return &Result{Reason: "disabled"}, nil
	}

	cursor, err := s.store.GetCursor(ctx, s.queueID)
	if errors.Is(err, database.ErrNotFound) {
		// First boot. There is no gap to recover; live polling will plant
		// the cursor.
		return &Result{Reason: "no cursor"}, nil
	}
	if err != nil {
		return nil, err
	}
	if cursor.LastEventTime.IsZero() {
		// Polls have landed but no kill ever has. With no event high-water
		// mark there is no gap to measure against.
		return &Result{Reason: "no kills observed yet"}, nil
	}

	now := s.now().UTC()
	maxAge := s.cfg.MaxAge
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	gap := now.Sub(cursor.LastEventTime)
	if gap <= maxAge {
		s.logger.Debug("cursor fresh, skipping backfill", "gap", gap.Round(time.Second))
		return &Result{Reason: "cursor fresh"}, nil
	}

	// Fetching past the retention floor would only feed the sweeper.
	cutoff := cursor.LastEventTime.UTC()
	if floor := now.Add(-s.retention); s.retention > 0 && cutoff.Before(floor) {
		cutoff = floor
	}

	regions := []int64(models.Normalized(s.regions()))
	if len(regions) == 0 {
		s.logger.Info("no regions in profile scope, skipping backfill")
		return &Result{Reason: "no regions in scope"}, nil
	}

	budget := s.cfg.MaxKills
	if budget <= 0 {
		budget = defaultMaxKills
	}

	res := &Result{Ran: true, Regions: regions, Cutoff: cutoff}
	s.logger.Info("starting backfill",
		"gap", gap.Round(time.Second), "cutoff", cutoff, "regions", len(regions), "budget", budget)

	var newest time.Time
	for _, regionID := range regions {
		if res.Fetched >= budget {
			break
		}
		if err := s.fillRegion(ctx, regionID, cutoff, budget, res, &newest); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			if errors.Is(err, esi.ErrRateLimited) {
				// The budget shields live ingest too. Stop the whole run
				// rather than deepen the ban.
				res.Reason = "api error budget exhausted"
				s.logger.Warn("aborting backfill", "reason", res.Reason)
				break
			}
			runErrors.Inc()
			s.logger.Warn("region backfill failed, moving on",
				"region_id", regionID, "error", err)
		}
	}

	if res.Fetched >= budget && res.Reason == "" {
		res.Reason = "kill budget reached"
	}

	if !newest.IsZero() {
		if err := s.store.AdvanceCursor(ctx, s.queueID, newest, now); err != nil {
			s.logger.Error("cursor advance failed", "error", err)
		}
	}

	s.logger.Info("backfill finished",
		"pages", res.Pages, "fetched", res.Fetched, "inserted", res.Inserted)
	return res, nil
}

// fillRegion walks one region's archive pages newest-first until the cutoff,
// an empty page, or the fetch budget ends it.
func (s *Service) fillRegion(ctx context.Context, regionID int64, cutoff time.Time, budget int, res *Result, newest *time.Time) error {
	logger := s.logger.With("region_id", regionID)
	for page := 1; ; page++ {
		entries, err := s.history.RegionHistory(ctx, regionID, page)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		res.Pages++

		for _, entry := range entries {
			if res.Fetched >= budget {
				return nil
			}
			ref := entry.Ref()
			if !ref.Valid() {
				continue
			}
			past, err := s.recover(ctx, ref, cutoff, res, newest, logger)
			if err != nil {
				return err
			}
			if past {
				// Pages run newest first, so everything beyond this entry
				// is older still.
				return nil
			}
		}
	}
}

// recover enriches one ref and stores it when it falls inside the gap. The
// archive rows carry no timestamp, so age is only known after the fetch;
// past reports that the kill predates the cutoff and the region is done.
func (s *Service) recover(ctx context.Context, ref models.KillRef, cutoff time.Time, res *Result, newest *time.Time, logger *slog.Logger) (past bool, err error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return false, err
	}
	fctx, cancel := context.WithTimeout(ctx, s.fetchWait)
	km, err := s.client.GetKillmail(fctx, ref)
	cancel()
	switch {
	case err == nil:
	case errors.Is(err, esi.ErrNotFound):
		logger.Debug("killmail not on the api, skipping", "kill_id", ref.KillID)
		return false, nil
	default:
		// One bad fetch forfeits the rest of the region. Backfill is
		// best-effort; the archive is still there next boot if the gap
		// persists.
		return false, err
	}
	res.Fetched++

	if !km.KillmailTime.After(cutoff) {
		return true, nil
	}

	kill, err := ingest.BuildKill(km, ref, s.tables, s.now().UTC())
	if err != nil {
		logger.Warn("skipping kill that failed validation", "kill_id", ref.KillID, "error", err)
		return false, nil
	}

	inserted, err := s.store.InsertKill(ctx, kill)
	if err != nil {
		return false, err
	}
	if inserted {
		res.Inserted++
		killsRecovered.Inc()
	}
	if kill.KillTime.After(*newest) {
		*newest = kill.KillTime
	}
	return false, nil
}
