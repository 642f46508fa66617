// Package ingest owns the enrichment stage: a bounded deque of pending kill
// refs and a fixed pool of workers that resolve them against the game API,
// validate the result, and persist it. The pool is the only path into the
// kill store during live operation, so everything downstream (detection,
// routing) fans out from here.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/evetactical/gatewatch/pkg/config"
	"github.com/evetactical/gatewatch/pkg/database"
	"github.com/evetactical/gatewatch/pkg/esi"
	"github.com/evetactical/gatewatch/pkg/models"
	"github.com/evetactical/gatewatch/pkg/refdata"
)

const (
	// maxFetchAttempts bounds transient retries per ref before it is shed.
	maxFetchAttempts = 5

	// retrySleepCap bounds the per-ref retry backoff.
	retrySleepCap = 10 * time.Second

	// storeOpTimeout bounds local store writes. The store is on disk next
	// to the process; anything slower than this is a real problem.
	storeOpTimeout = 5 * time.Second
)

// Handler receives each newly persisted kill. Duplicates never reach it.
type Handler func(ctx context.Context, kill *models.Kill)

// Stats is the pool's health snapshot.
type Stats struct {
	Backlog     int       `json:"backlog"`
	Processed   uint64    `json:"processed"`
	Duplicates  uint64    `json:"duplicates"`
	Dropped     uint64    `json:"dropped"`
	Retries     uint64    `json:"retries"`
	PausedUntil time.Time `json:"paused_until,omitzero"`
}

// Paused reports whether the pool is currently waiting out an API pause.
func (s Stats) Paused(now time.Time) bool {
	return now.Before(s.PausedUntil)
}

// Options wires a Fetcher. Client, Store, Tables, and Config are required.
type Options struct {
	Client  *esi.Client
	Store   *database.Client
	Tables  *refdata.Tables
	Config  *config.EnrichmentConfig
	QueueID string
	Handler Handler
	Logger  *slog.Logger

	// Now supplies the clock; defaults to time.Now. Tests inject a fake.
	Now func() time.Time
}

// Fetcher is the enrichment worker pool. Construct with NewFetcher, then
// Start, feed through Enqueue, and Stop to drain.
type Fetcher struct {
	client  *esi.Client
	store   *database.Client
	tables  *refdata.Tables
	queue   *deque
	limiter *rate.Limiter
	handler Handler
	logger  *slog.Logger
	now     func() time.Time

	workers        int
	queueID        string
	pauseOnLimit   time.Duration
	requestTimeout time.Duration
	retryBase      time.Duration
	randFloat      func() float64

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup

	pauseMu    sync.Mutex
	pauseUntil time.Time

	processed  atomic.Uint64
	duplicates atomic.Uint64
	dropped    atomic.Uint64
	retries    atomic.Uint64
}

// NewFetcher builds a pool from options.
func NewFetcher(opts Options) *Fetcher {
	cfg := opts.Config
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Fetcher{
		client:         opts.Client,
		store:          opts.Store,
		tables:         opts.Tables,
		queue:          newDeque(cfg.QueueCapacity),
		limiter:        rate.NewLimiter(rate.Limit(rps), 1),
		handler:        opts.Handler,
		logger:         logger.With("component", "fetcher_pool"),
		now:            now,
		workers:        workers,
		queueID:        opts.QueueID,
		pauseOnLimit:   cfg.PauseOnLimit,
		requestTimeout: cfg.RequestTimeout,
		retryBase:      time.Second,
		randFloat:      rand.Float64,
	}
}

// Start launches the worker pool. Workers live until Stop.
func (f *Fetcher) Start(ctx context.Context) {
	f.ctx, f.cancel = context.WithCancel(ctx)
	f.wg.Add(f.workers)
	for i := 0; i < f.workers; i++ {
		go f.worker(i)
	}
	f.logger.Info("fetcher pool started", "workers", f.workers)
}

// Enqueue adds a ref for enrichment. When the queue is at capacity the
// oldest pending ref is shed to make room.
func (f *Fetcher) Enqueue(ref models.KillRef) {
	shed, ok := f.queue.PushBack(ref)
	if !ok {
		f.dropped.Add(1)
		refsDropped.WithLabelValues("closed").Inc()
		return
	}
	if shed {
		f.dropped.Add(1)
		refsDropped.WithLabelValues("overflow").Inc()
		f.logger.Warn("enrichment backlog full, shed oldest ref")
	}
	backlogGauge.Set(float64(f.queue.Len()))
}

// Stop closes intake and waits for the backlog to drain. When ctx expires
// first, in-flight work is aborted and whatever is still queued is
// abandoned; the backfill pass recovers it on the next start.
func (f *Fetcher) Stop(ctx context.Context) error {
	var err error
	f.stopOnce.Do(func() {
		f.queue.Close()
		done := make(chan struct{})
		go func() {
			f.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			f.cancel()
			<-done
			err = ctx.Err()
		}
		f.cancel()
		f.logger.Info("fetcher pool stopped",
			"processed", f.processed.Load(), "dropped", f.dropped.Load())
	})
	return err
}

// Stats returns the pool's health snapshot.
func (f *Fetcher) Stats() Stats {
	f.pauseMu.Lock()
	until := f.pauseUntil
	f.pauseMu.Unlock()

	s := Stats{
		Backlog:    f.queue.Len(),
		Processed:  f.processed.Load(),
		Duplicates: f.duplicates.Load(),
		Dropped:    f.dropped.Load(),
		Retries:    f.retries.Load(),
	}
	if f.now().Before(until) {
		s.PausedUntil = until
	}
	return s
}

// Backlog returns the number of refs waiting for enrichment.
func (f *Fetcher) Backlog() int {
	return f.queue.Len()
}

func (f *Fetcher) worker(id int) {
	defer f.wg.Done()
	logger := f.logger.With("worker_id", id)
	for {
		if f.ctx.Err() != nil {
			return
		}
		e, ok := f.queue.PopFront()
		if !ok {
			return
		}
		backlogGauge.Set(float64(f.queue.Len()))
		if !f.waitWhilePaused() {
			return
		}
		if err := f.limiter.Wait(f.ctx); err != nil {
			return
		}
		f.process(e, logger)
	}
}

func (f *Fetcher) process(e pending, logger *slog.Logger) {
	fctx, cancel := context.WithTimeout(f.ctx, f.requestTimeout)
	km, err := f.client.GetKillmail(fctx, e.ref)
	cancel()

	switch {
	case err == nil:
		f.persist(e, km, logger)

	case errors.Is(err, esi.ErrNotFound):
		f.dropped.Add(1)
		refsDropped.WithLabelValues("not_found").Inc()
		logger.Debug("killmail not on the api, dropping", "kill_id", e.ref.KillID)

	case errors.Is(err, esi.ErrRateLimited):
		// The budget, not the ref, was the problem: requeue at no attempt
		// cost and hold the whole pool back.
		f.pause()
		f.queue.PushFront(e)

	case f.ctx.Err() != nil:
		// Shutdown mid-fetch. The ref is abandoned; backfill recovers it.
		return

	case esi.IsRetryable(err):
		e.attempts++
		if e.attempts >= maxFetchAttempts {
			f.dropped.Add(1)
			refsDropped.WithLabelValues("exhausted").Inc()
			logger.Warn("giving up on ref after repeated failures",
				"kill_id", e.ref.KillID, "attempts", e.attempts, "error", err)
			return
		}
		f.retries.Add(1)
		retriesTotal.Inc()
		// Hold the ref through the backoff so a sibling worker cannot
		// immediately re-pop it, then put it back at the head.
		if !f.retrySleep(e.attempts) {
			return
		}
		f.queue.PushFront(e)

	default:
		f.dropped.Add(1)
		refsDropped.WithLabelValues("rejected").Inc()
		logger.Warn("api rejected killmail, dropping",
			"kill_id", e.ref.KillID, "error", err)
	}
}

func (f *Fetcher) persist(e pending, km *esi.Killmail, logger *slog.Logger) {
	now := f.now().UTC()
	kill, err := BuildKill(km, e.ref, f.tables, now)
	if err != nil {
		f.dropped.Add(1)
		refsDropped.WithLabelValues("invalid").Inc()
		logger.Warn("dropping kill that failed validation",
			"kill_id", e.ref.KillID, "error", err)
		return
	}

	sctx, cancel := context.WithTimeout(f.ctx, storeOpTimeout)
	defer cancel()

	inserted, err := f.store.InsertKill(sctx, kill)
	if err != nil && !errors.Is(err, database.ErrStoreBusy) {
		// One immediate retry for transient write faults.
		inserted, err = f.store.InsertKill(sctx, kill)
	}
	if err != nil {
		if errors.Is(err, database.ErrStoreBusy) {
			f.queue.PushFront(e)
			return
		}
		f.dropped.Add(1)
		refsDropped.WithLabelValues("store_error").Inc()
		logger.Error("kill insert failed", "kill_id", kill.KillID, "error", err)
		return
	}

	// The cursor advances on duplicates too: seeing the kill again still
	// proves how far the stream has been read.
	if err := f.store.AdvanceCursor(sctx, f.queueID, kill.KillTime, now); err != nil {
		logger.Error("cursor advance failed", "error", err)
	}

	if !inserted {
		f.duplicates.Add(1)
		duplicatesTotal.Inc()
		logger.Debug("duplicate kill", "kill_id", kill.KillID)
		return
	}

	f.processed.Add(1)
	killsIngested.Inc()
	logger.Debug("kill ingested",
		"kill_id", kill.KillID, "system_id", kill.SystemID, "value", kill.TotalValue)

	if f.handler != nil {
		f.handler(f.ctx, kill)
	}
}

// pause extends the shared pause window after an error-budget response.
func (f *Fetcher) pause() {
	until := f.now().Add(f.pauseOnLimit)

	f.pauseMu.Lock()
	extended := until.After(f.pauseUntil)
	if extended {
		f.pauseUntil = until
	}
	f.pauseMu.Unlock()

	if extended {
		pausesTotal.Inc()
		f.logger.Warn("enrichment paused after error-budget response",
			"pause", f.pauseOnLimit)
	}
}

// waitWhilePaused blocks while the shared pause window is open. It reports
// false when the pool is shutting down.
func (f *Fetcher) waitWhilePaused() bool {
	for {
		f.pauseMu.Lock()
		until := f.pauseUntil
		f.pauseMu.Unlock()

		now := f.now()
		if !now.Before(until) {
			return true
		}
		t := time.NewTimer(until.Sub(now))
		select {
		case <-f.ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
}

// retrySleep waits out the per-ref transient backoff, jittered ±20%. It
// reports false when the pool is shutting down.
func (f *Fetcher) retrySleep(attempts int) bool {
	delay := min(f.retryBase<<(attempts-1), retrySleepCap)
	delay = time.Duration(float64(delay) * (0.8 + 0.4*f.randFloat()))
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-f.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
