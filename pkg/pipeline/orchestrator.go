// Package pipeline assembles and supervises the kill intelligence pipeline:
// source polling, enrichment, watchlist evaluation, camp detection, alert
// routing, webhook dispatch, retention sweeps, and the startup backfill.
// Components are built fresh on every Start so a stop/start cycle over the
// control API always yields a clean run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/evetactical/gatewatch/pkg/backfill"
	"github.com/evetactical/gatewatch/pkg/cleanup"
	"github.com/evetactical/gatewatch/pkg/config"
	"github.com/evetactical/gatewatch/pkg/database"
	"github.com/evetactical/gatewatch/pkg/detect"
	"github.com/evetactical/gatewatch/pkg/esi"
	"github.com/evetactical/gatewatch/pkg/ingest"
	"github.com/evetactical/gatewatch/pkg/models"
	"github.com/evetactical/gatewatch/pkg/notify"
	"github.com/evetactical/gatewatch/pkg/redisq"
	"github.com/evetactical/gatewatch/pkg/refdata"
	"github.com/evetactical/gatewatch/pkg/watch"
	"github.com/evetactical/gatewatch/pkg/webhook"
	"github.com/evetactical/gatewatch/pkg/zkb"
)

const (
	// fetcherDrainTimeout bounds how long Stop waits for the enrichment
	// backlog. Whatever is left behind is recovered by the next start's
	// backfill pass.
	fetcherDrainTimeout = 10 * time.Second

	// healthPollWindow is how recently the source must have polled
	// successfully for the pipeline to report healthy.
	healthPollWindow = 5 * time.Minute

	// healthMaxPollErrors is the consecutive poll failure count at which
	// the pipeline reports unhealthy.
	healthMaxPollErrors = 3

	// staleDataAfter marks the status data_stale flag: the newest stored
	// kill is older than this while the pipeline runs.
	staleDataAfter = 15 * time.Minute
)

// State is the orchestrator's lifecycle position.
type State string

// Orchestrator states.
const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Sentinel errors returned by the control operations.
var (
	ErrAlreadyRunning = errors.New("pipeline is already running")
	ErrNotRunning     = errors.New("pipeline is not running")
	ErrBackfillBusy   = errors.New("a backfill is already in flight")
)

// Options wires an Orchestrator. Config, Store, and Tables are required.
type Options struct {
	Config *config.Config
	Store  *database.Client
	Tables *refdata.Tables
	Logger *slog.Logger

	// Now supplies the clock; defaults to time.Now. Tests inject a fake.
	Now func() time.Time
}

// Orchestrator owns component lifetimes and the handler wiring between
// stages. All control operations are safe for concurrent use.
type Orchestrator struct {
	cfg    *config.Config
	store  *database.Client
	tables *refdata.Tables
	base   *slog.Logger
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	state    State
	profiles []*config.Profile

	esiClient  *esi.Client
	listener   *redisq.Listener
	fetcher    *ingest.Fetcher
	evaluator  *watch.Evaluator
	detector   *detect.Detector
	router     *notify.Router
	dispatcher *webhook.Dispatcher
	sweeper    *cleanup.Service
	backfiller *backfill.Service

	runCtx       context.Context
	runCancel    context.CancelFunc
	listenCancel context.CancelFunc
	group        *errgroup.Group

	backfillBusy bool
	lastBackfill *backfill.Result
	bfWG         sync.WaitGroup
}

// New builds an orchestrator. Nothing runs until Start.
func New(opts Options) *Orchestrator {
	base := opts.Logger
	if base == nil {
		base = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		cfg:    opts.Config,
		store:  opts.Store,
		tables: opts.Tables,
		base:   base,
		logger: base.With("component", "pipeline"),
		now:    now,
		state:  StateStopped,
	}
}

// Start loads profiles, builds every component, and brings the pipeline up:
// dispatcher and sweeper first, then enrichment, then the poll loop and the
// gated backfill. The run outlives ctx; a start issued over HTTP must not
// die with the request.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateStopped {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	o.state = StateStarting
	o.mu.Unlock()

	profiles, failed := config.LoadProfiles(o.cfg.ProfilesDir())
	for file, err := range failed {
		o.logger.Error("profile failed to load", "file", file, "error", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	listenCtx, listenCancel := context.WithCancel(runCtx)

	o.mu.Lock()
	o.profiles = profiles
	o.buildLocked()
	o.runCtx = runCtx
	o.runCancel = runCancel
	o.listenCancel = listenCancel

	// The orphan sweep runs before any queue exists, so a failure here
	// leaves nothing to unwind.
	if err := o.dispatcher.Start(ctx); err != nil {
		o.clearLocked()
		o.state = StateStopped
		o.mu.Unlock()
		listenCancel()
		runCancel()
		return fmt.Errorf("start dispatcher: %w", err)
	}

	o.evaluator.Reload(profiles)
	o.router.Reload(profiles)
	o.dispatcher.Reload(profiles)

	o.fetcher.Start(runCtx)
	o.sweeper.Start(runCtx)

	group, _ := errgroup.WithContext(runCtx)
	group.Go(func() error { return o.listener.Run(listenCtx) })
	if o.cfg.Backfill.Enabled {
		group.Go(func() error {
			o.runBackfill(runCtx)
			return nil
		})
	}
	o.group = group
	o.state = StateRunning
	enabled := countEnabled(profiles)
	o.mu.Unlock()

	o.logger.Info("pipeline started",
		"queue_id", o.cfg.QueueID,
		"profiles", len(profiles),
		"enabled", enabled)
	return nil
}

// Stop winds the pipeline down in dependency order: intake first, then the
// enrichment drain, then the alert path, then the timers. Each drain has its
// own budget; an expired budget abandons work rather than hanging shutdown.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateRunning {
		o.mu.Unlock()
		return ErrNotRunning
	}
	o.state = StateStopping
	listenCancel := o.listenCancel
	runCancel := o.runCancel
	fetcher := o.fetcher
	dispatcher := o.dispatcher
	sweeper := o.sweeper
	group := o.group
	o.mu.Unlock()

	o.logger.Info("pipeline stopping")
	listenCancel()

	drainCtx, cancel := context.WithTimeout(ctx, fetcherDrainTimeout)
	if err := fetcher.Stop(drainCtx); err != nil {
		o.logger.Warn("enrichment backlog abandoned", "error", err)
	}
	cancel()

	drain := o.cfg.Dispatcher.DrainTimeout
	if drain <= 0 {
		drain = 10 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, drain)
	if err := dispatcher.Stop(dctx); err != nil {
		o.logger.Warn("alert backlog abandoned", "error", err)
	}
	cancel()

	sweeper.Stop()
	runCancel()
	o.bfWG.Wait()
	_ = group.Wait()

	o.mu.Lock()
	o.clearLocked()
	o.state = StateStopped
	o.mu.Unlock()
	o.logger.Info("pipeline stopped")
	return nil
}

// clearLocked drops the per-run components so a stopped pipeline reports no
// component sections and holds no references to the finished run. The last
// backfill result survives; it describes a run, not a component.
func (o *Orchestrator) clearLocked() {
	o.esiClient = nil
	o.listener = nil
	o.fetcher = nil
	o.evaluator = nil
	o.detector = nil
	o.router = nil
	o.dispatcher = nil
	o.sweeper = nil
	o.backfiller = nil
	o.group = nil
	o.runCtx = nil
	o.runCancel = nil
	o.listenCancel = nil
}

// State returns the current lifecycle position.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// ReloadProfiles re-reads the profile directory and swaps the new set into
// the evaluator, router, and dispatcher. Files that fail to parse are
// reported in the result and do not disturb the profiles that loaded.
func (o *Orchestrator) ReloadProfiles() (*ReloadResult, error) {
	o.mu.Lock()
	if o.state != StateRunning {
		o.mu.Unlock()
		return nil, ErrNotRunning
	}
	evaluator := o.evaluator
	router := o.router
	dispatcher := o.dispatcher
	o.mu.Unlock()

	profiles, failed := config.LoadProfiles(o.cfg.ProfilesDir())
	evaluator.Reload(profiles)
	router.Reload(profiles)
	dispatcher.Reload(profiles)

	o.mu.Lock()
	o.profiles = profiles
	o.mu.Unlock()

	res := &ReloadResult{
		Loaded:  len(profiles),
		Enabled: countEnabled(profiles),
	}
	if len(failed) > 0 {
		res.Failed = make(map[string]string, len(failed))
		for file, err := range failed {
			res.Failed[file] = err.Error()
		}
	}
	o.logger.Info("profiles reloaded",
		"loaded", res.Loaded, "enabled", res.Enabled, "failed", len(failed))
	return res, nil
}

// ReloadResult summarizes one profile reload.
type ReloadResult struct {
	Loaded  int               `json:"loaded"`
	Enabled int               `json:"enabled"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// BackfillNow launches a manual backfill run. The run is asynchronous; its
// outcome lands in Status. At most one backfill is in flight at a time.
func (o *Orchestrator) BackfillNow() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateRunning {
		return ErrNotRunning
	}
	if o.backfillBusy {
		return ErrBackfillBusy
	}
	runCtx := o.runCtx
	o.bfWG.Add(1)
	go func() {
		defer o.bfWG.Done()
		o.runBackfill(runCtx)
	}()
	return nil
}

func (o *Orchestrator) runBackfill(ctx context.Context) {
	o.mu.Lock()
	if o.backfillBusy {
		o.mu.Unlock()
		return
	}
	o.backfillBusy = true
	svc := o.backfiller
	o.mu.Unlock()

	res, err := svc.Run(ctx)

	o.mu.Lock()
	o.backfillBusy = false
	if res != nil {
		o.lastBackfill = res
	}
	o.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		o.logger.Error("backfill failed", "error", err)
	}
}

// Status is the full point-in-time pipeline snapshot served by the control
// API. Component sections are omitted while the pipeline is stopped.
type Status struct {
	State            State                           `json:"state"`
	QueueID          string                          `json:"queue_id"`
	ProfilesLoaded   int                             `json:"profiles_loaded"`
	Source           *redisq.Status                  `json:"source,omitempty"`
	Ingest           *ingest.Stats                   `json:"ingest,omitempty"`
	ErrorBudget      int64                           `json:"api_error_budget_remain"`
	Store            *database.HealthStatus          `json:"store,omitempty"`
	FindingsLastHour int                             `json:"findings_last_hour"`
	LatestKillAt     time.Time                       `json:"latest_kill_at,omitzero"`
	DataStale        bool                            `json:"data_stale"`
	Webhooks         map[string]webhook.ProfileStats `json:"webhooks,omitempty"`
	Backfill         *backfill.Result                `json:"backfill,omitempty"`
}

// Status assembles the snapshot. Store reads use the caller's ctx; a sick
// store shows up as an unhealthy store section, never an error.
func (o *Orchestrator) Status(ctx context.Context) Status {
	o.mu.Lock()
	st := Status{
		State:          o.state,
		QueueID:        o.cfg.QueueID,
		ProfilesLoaded: len(o.profiles),
		Backfill:       o.lastBackfill,
		ErrorBudget:    -1,
	}
	listener := o.listener
	fetcher := o.fetcher
	dispatcher := o.dispatcher
	esiClient := o.esiClient
	o.mu.Unlock()

	if listener != nil {
		s := listener.Status()
		st.Source = &s
	}
	if fetcher != nil {
		s := fetcher.Stats()
		st.Ingest = &s
	}
	if dispatcher != nil {
		st.Webhooks = dispatcher.Stats()
	}
	if esiClient != nil {
		st.ErrorBudget = esiClient.ErrorBudgetRemain()
	}

	health, err := o.store.Health(ctx)
	if err != nil {
		o.logger.Warn("store health check failed", "error", err)
	}
	st.Store = health

	now := o.now().UTC()
	if findings, err := o.store.QueryFindings(ctx, database.FindingQuery{
		Since: now.Add(-time.Hour),
	}); err == nil {
		st.FindingsLastHour = len(findings)
	}

	latest, err := o.store.LatestKillTime(ctx)
	if err == nil && !latest.IsZero() {
		st.LatestKillAt = latest
	}
	if st.State == StateRunning && err == nil {
		st.DataStale = latest.IsZero() || now.Sub(latest) > staleDataAfter
	}
	return st
}

// Healthy evaluates the liveness predicate: the pipeline is running, the
// source polled successfully within the health window, the poll loop is not
// stuck in failures, enrichment is not paused by the API's error budget, and
// the store answers. Reasons name every failing condition.
func (o *Orchestrator) Healthy(ctx context.Context) (bool, []string) {
	o.mu.Lock()
	state := o.state
	listener := o.listener
	fetcher := o.fetcher
	o.mu.Unlock()

	if state != StateRunning {
		return false, []string{fmt.Sprintf("pipeline %s", state)}
	}

	var reasons []string
	now := o.now().UTC()

	src := listener.Status()
	switch {
	case src.LastSuccessAt.IsZero():
		reasons = append(reasons, "no successful poll yet")
	case now.Sub(src.LastSuccessAt) > healthPollWindow:
		reasons = append(reasons, fmt.Sprintf("last successful poll %s ago",
			now.Sub(src.LastSuccessAt).Round(time.Second)))
	}
	if src.ConsecutiveErrors >= healthMaxPollErrors {
		reasons = append(reasons, fmt.Sprintf("%d consecutive poll failures",
			src.ConsecutiveErrors))
	}
	if fetcher.Stats().Paused(now) {
		reasons = append(reasons, "enrichment paused by api error budget")
	}
	if _, err := o.store.Health(ctx); err != nil {
		reasons = append(reasons, "store unreachable")
	}
	return len(reasons) == 0, reasons
}

// buildLocked constructs the per-run components and wires the stage
// handlers. Closures capture their stage dependencies directly so the hot
// path never touches the orchestrator lock.
func (o *Orchestrator) buildLocked() {
	esiClient := esi.NewClient(o.cfg.Enrichment, o.base)
	evaluator := watch.NewEvaluator(o.base)
	dispatcher := webhook.NewDispatcher(webhook.Options{
		Store:  o.store,
		Config: o.cfg.Dispatcher,
		Logger: o.base,
		Now:    o.now,
	})
	router := notify.NewRouter(notify.Options{
		Store:  o.store,
		Queue:  dispatcher,
		Config: o.cfg.Router,
		Logger: o.base,
		Now:    o.now,
	})
	detector := detect.NewDetector(detect.Options{
		Store:  o.store,
		Tables: o.tables,
		Config: o.cfg.Detection,
		Handler: func(ctx context.Context, finding *models.CampFinding) {
			router.OnFinding(ctx, finding)
		},
		Logger: o.base,
		Now:    o.now,
	})
	fetcher := ingest.NewFetcher(ingest.Options{
		Client:  esiClient,
		Store:   o.store,
		Tables:  o.tables,
		Config:  o.cfg.Enrichment,
		QueueID: o.cfg.QueueID,
		Handler: func(ctx context.Context, kill *models.Kill) {
			// Watch triggers route first; the camp window re-evaluates
			// after, and any finding routes on its own path.
			if matches := evaluator.Classify(kill); len(matches) > 0 {
				router.OnKill(ctx, kill, matches)
			}
			detector.OnKill(ctx, kill)
		},
		Logger: o.base,
		Now:    o.now,
	})
	listener := redisq.NewListener(redisq.Options{
		Config:  o.cfg.Source,
		QueueID: o.cfg.QueueID,
		Handler: func(_ context.Context, ref models.KillRef) {
			fetcher.Enqueue(ref)
		},
		RegionOf: o.tables.RegionOf,
		RecordPoll: func(ctx context.Context, at time.Time) {
			if err := o.store.RecordPoll(ctx, o.cfg.QueueID, at); err != nil && ctx.Err() == nil {
				o.logger.Warn("poll record failed", "error", err)
			}
		},
		Logger: o.base,
		Now:    o.now,
	})

	o.esiClient = esiClient
	o.evaluator = evaluator
	o.dispatcher = dispatcher
	o.router = router
	o.detector = detector
	o.fetcher = fetcher
	o.listener = listener
	o.sweeper = cleanup.NewService(o.cfg.Retention, o.store, o.base)
	o.backfiller = backfill.NewService(backfill.Options{
		Store:         o.store,
		History:       zkb.NewClient(o.cfg.History, o.base),
		Client:        esiClient,
		Tables:        o.tables,
		Config:        o.cfg.Backfill,
		Enrichment:    o.cfg.Enrichment,
		KillRetention: o.cfg.Retention.Kills,
		QueueID:       o.cfg.QueueID,
		Regions:       o.scopeRegions,
		Logger:        o.base,
		Now:           o.now,
	})
}

// scopeRegions is the union of every enabled profile's location scope,
// evaluated at backfill time so reloads are picked up.
func (o *Orchestrator) scopeRegions() []int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	var ids []int64
	for _, p := range o.profiles {
		if !p.Enabled {
			continue
		}
		ids = append(ids, p.LocationScope...)
	}
	return ids
}

func countEnabled(profiles []*config.Profile) int {
	n := 0
	for _, p := range profiles {
		if p.Enabled {
			n++
		}
	}
	return n
}
