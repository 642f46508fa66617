// Package webhook delivers routed alerts to profile chat webhooks. Each
// profile owns a bounded FIFO queue and a worker; endpoints shared between
// profiles are paced and serialized through a per-URL gate. Delivery honors
// the profile's retry policy and pauses the queue during extended outages.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/evetactical/gatewatch/pkg/config"
	"github.com/evetactical/gatewatch/pkg/database"
	"github.com/evetactical/gatewatch/pkg/models"
	"github.com/evetactical/gatewatch/pkg/version"
)

const (
	// probeInterval spaces delivery attempts while a queue is paused. The
	// probe is a real send of the head alert; its success reopens the queue.
	probeInterval = 30 * time.Second

	// maxRetryAfterHonors caps how many 429 responses one alert may honor
	// before the response counts as a plain failure.
	maxRetryAfterHonors = 5

	// retryAfterCap bounds a hostile or broken Retry-After header.
	retryAfterCap = 5 * time.Minute

	// retryBackoffCap bounds per-alert exponential backoff.
	retryBackoffCap = 30 * time.Second

	// storeOpTimeout bounds store writes made outside request scope.
	storeOpTimeout = 5 * time.Second
)

// endpointGate paces and serializes sends to one webhook URL.
type endpointGate struct {
	limiter *rate.Limiter
	mu      sync.Mutex
}

type outcome struct {
	at time.Time
	ok bool
}

// profileState is one profile's queue, worker bookkeeping, and delivery
// statistics.
type profileState struct {
	queue *alertQueue

	mu            sync.Mutex
	profile       *config.Profile
	sent          int64
	failed        int64
	dropped       int64
	lastSuccessAt time.Time
	consecutive   int
	firstFailAt   time.Time
	paused        bool
	pauseReason   string
	suspect       bool
	outcomes      []outcome
}

// ProfileStats is a point-in-time delivery snapshot for one profile.
type ProfileStats struct {
	Profile       string    `json:"profile"`
	QueueDepth    int       `json:"queue_depth"`
	Sent          int64     `json:"sent"`
	Failed        int64     `json:"failed"`
	Dropped       int64     `json:"dropped"`
	SuccessRate   float64   `json:"success_rate_1h"`
	LastSuccessAt time.Time `json:"last_success_at,omitzero"`
	Paused        bool      `json:"paused"`
	PauseReason   string    `json:"pause_reason,omitempty"`
	SuspectAuth   bool      `json:"suspect_auth"`
}

// Options configures a Dispatcher. Store and Config are required.
type Options struct {
	Store  *database.Client
	Config *config.DispatcherConfig
	Logger *slog.Logger

	// Now is injectable for tests.
	Now func() time.Time
}

// Dispatcher owns alert delivery. Profiles are registered through Reload;
// Enqueue accepts alerts for loaded profiles until Stop.
type Dispatcher struct {
	store  *database.Client
	cfg    *config.DispatcherConfig
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	randFloat  func() float64
	probeEvery time.Duration

	mu       sync.Mutex
	states   map[string]*profileState
	gates    map[string]*endpointGate
	stopping bool
	wg       sync.WaitGroup
}

// NewDispatcher builds a dispatcher with no profiles loaded; call Reload
// before routing begins.
func NewDispatcher(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:      opts.Store,
		cfg:        opts.Config,
		client:     &http.Client{Timeout: opts.Config.RequestTimeout},
		logger:     logger.With("component", "dispatcher"),
		now:        now,
		ctx:        ctx,
		cancel:     cancel,
		randFloat:  rand.Float64,
		probeEvery: probeInterval,
		states:     make(map[string]*profileState),
		gates:      make(map[string]*endpointGate),
	}
}

// Start sweeps alerts orphaned by a previous run. Queued alerts from a
// crashed process are stale by definition and are dropped, not replayed.
func (d *Dispatcher) Start(ctx context.Context) error {
	n, err := d.store.DropPendingAlerts(ctx)
	if err != nil {
		return fmt.Errorf("failed to sweep stale alerts: %w", err)
	}
	if n > 0 {
		d.logger.Info("stale alerts from previous run dropped", "count", n)
	}
	d.mu.Lock()
	profiles := len(d.states)
	d.mu.Unlock()
	d.logger.Info("dispatcher started", "profiles", profiles)
	return nil
}

// Reload registers delivery queues for the given profiles. Queues for
// removed or disabled profiles are drained to dropped and their workers
// stopped; surviving queues keep their backlog and statistics.
func (d *Dispatcher) Reload(profiles []*config.Profile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopping {
		return
	}

	keep := make(map[string]bool, len(profiles))
	for _, p := range profiles {
		if !p.Enabled {
			continue
		}
		keep[p.Name] = true
		d.ensureStateLocked(p)
	}

	for name, ps := range d.states {
		if keep[name] {
			continue
		}
		for _, alert := range ps.queue.drain() {
			d.dropAlert(ps, alert, "profile_disabled")
		}
		ps.queue.close()
		delete(d.states, name)
		d.logger.Info("delivery queue removed", "profile", name)
	}
}

func (d *Dispatcher) ensureStateLocked(p *config.Profile) {
	if ps, ok := d.states[p.Name]; ok {
		ps.mu.Lock()
		urlChanged := ps.profile.WebhookURL != p.WebhookURL
		ps.profile = p
		if urlChanged {
			ps.suspect = false
		}
		ps.mu.Unlock()
		return
	}

	ps := &profileState{
		queue:   newAlertQueue(d.cfg.QueueCapacity),
		profile: p,
	}
	d.states[p.Name] = ps
	d.wg.Add(1)
	go d.worker(ps)
	d.logger.Info("delivery queue created",
		"profile", p.Name, "webhook", p.RedactedWebhook())
}

// Enqueue accepts an alert for delivery. It reports false when the profile
// has no queue or the dispatcher is stopping; overflow inside the queue
// evicts the oldest alert instead of refusing the new one.
func (d *Dispatcher) Enqueue(alert *models.Alert) bool {
	d.mu.Lock()
	ps := d.states[alert.ProfileID]
	stopping := d.stopping
	d.mu.Unlock()
	if ps == nil || stopping {
		return false
	}

	evicted, ok := ps.queue.push(alert)
	if !ok {
		return false
	}
	queueDepth.WithLabelValues(alert.ProfileID).Set(float64(ps.queue.depth()))
	if evicted != nil {
		d.dropAlert(ps, evicted, "overflow")
	}
	return true
}

// Stop drains every queue, forcing abandonment when ctx expires first.
// Alerts that never reached a terminal state are marked dropped.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		return nil
	}
	d.stopping = true
	states := make([]*profileState, 0, len(d.states))
	for _, ps := range d.states {
		states = append(states, ps)
	}
	d.mu.Unlock()

	for _, ps := range states {
		ps.queue.close()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var forced error
	select {
	case <-done:
	case <-ctx.Done():
		forced = ctx.Err()
		d.cancel()
		<-done
	}
	d.cancel()

	sweepCtx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	if n, err := d.store.DropPendingAlerts(sweepCtx); err != nil {
		d.logger.Error("failed to sweep undelivered alerts", "error", err)
	} else if n > 0 {
		d.logger.Warn("alerts abandoned at shutdown", "count", n)
	}
	d.logger.Info("dispatcher stopped")
	return forced
}

// Stats snapshots delivery state for every loaded profile.
func (d *Dispatcher) Stats() map[string]ProfileStats {
	d.mu.Lock()
	states := make(map[string]*profileState, len(d.states))
	for name, ps := range d.states {
		states[name] = ps
	}
	d.mu.Unlock()

	now := d.now()
	out := make(map[string]ProfileStats, len(states))
	for name, ps := range states {
		out[name] = ps.snapshot(now)
	}
	return out
}

func (ps *profileState) snapshot(now time.Time) ProfileStats {
	depth := ps.queue.depth()
	ps.mu.Lock()
	defer ps.mu.Unlock()

	total, succeeded := 0, 0
	cutoff := now.Add(-time.Hour)
	for _, o := range ps.outcomes {
		if o.at.After(cutoff) {
			total++
			if o.ok {
				succeeded++
			}
		}
	}
	successRate := 1.0
	if total > 0 {
		successRate = float64(succeeded) / float64(total)
	}

	return ProfileStats{
		Profile:       ps.profile.Name,
		QueueDepth:    depth,
		Sent:          ps.sent,
		Failed:        ps.failed,
		Dropped:       ps.dropped,
		SuccessRate:   successRate,
		LastSuccessAt: ps.lastSuccessAt,
		Paused:        ps.paused,
		PauseReason:   ps.pauseReason,
		SuspectAuth:   ps.suspect,
	}
}

func (d *Dispatcher) worker(ps *profileState) {
	defer d.wg.Done()
	for {
		alert, ok := ps.queue.pop()
		if !ok {
			return
		}
		if d.ctx.Err() != nil {
			// Force-stopped: the shutdown sweep marks leftovers dropped.
			return
		}
		queueDepth.WithLabelValues(alert.ProfileID).Set(float64(ps.queue.depth()))
		d.deliver(ps, alert)
	}
}

func (d *Dispatcher) deliver(ps *profileState, alert *models.Alert) {
	ps.mu.Lock()
	profile := ps.profile
	paused := ps.paused
	ps.mu.Unlock()

	// While paused, hold the head alert and probe slowly; the first
	// successful send reopens the queue.
	if paused && !d.sleep(d.probeEvery) {
		return
	}

	// Pick up in-place payload upgrades made while the alert was queued.
	refreshCtx, cancel := context.WithTimeout(d.ctx, storeOpTimeout)
	fresh, err := d.store.GetAlert(refreshCtx, alert.ID)
	cancel()
	switch {
	case err == nil:
		if fresh.State != models.AlertStateQueued {
			return
		}
		alert = fresh
	case d.ctx.Err() != nil:
		return
	default:
		d.logger.Warn("failed to refresh alert before send",
			"alert_id", alert.ID, "error", err)
	}

	d.updateState(alert, models.AlertStateSending, alert.AttemptCount)

	maxAttempts := d.cfg.MaxAttempts
	if profile.Delivery.MaxAttempts > 0 {
		maxAttempts = profile.Delivery.MaxAttempts
	}
	retryDelay := d.cfg.RetryDelay
	if profile.Delivery.RetryDelay > 0 {
		retryDelay = profile.Delivery.RetryDelay.Std()
	}

	attempts := 0
	honored := 0
	for {
		status, retryAfter, err := d.send(profile.WebhookURL, alert.Payload)
		now := d.now()

		if err == nil && status >= 200 && status < 300 {
			attempts++
			sendsTotal.WithLabelValues("delivered").Inc()
			d.recordSuccess(ps, now)
			d.updateState(alert, models.AlertStateDelivered, attempts)
			d.logger.Debug("alert delivered",
				"alert_id", alert.ID, "profile", profile.Name, "attempts", attempts)
			return
		}
		if d.ctx.Err() != nil {
			return
		}

		if err == nil && status == http.StatusTooManyRequests && retryAfter > 0 && honored < maxRetryAfterHonors {
			honored++
			sendsTotal.WithLabelValues("rate_limited").Inc()
			d.logger.Warn("webhook rate limited",
				"profile", profile.Name, "retry_after", retryAfter)
			if !d.sleep(min(retryAfter, retryAfterCap)) {
				return
			}
			continue
		}

		if err == nil && (status == http.StatusUnauthorized || status == http.StatusForbidden) {
			attempts++
			sendsTotal.WithLabelValues("auth_rejected").Inc()
			d.recordFailure(ps, now)
			d.markSuspect(ps)
			d.failAlert(ps, alert, attempts)
			d.logger.Error("webhook rejected credentials; marking suspect",
				"profile", profile.Name, "status", status, "alert_id", alert.ID)
			return
		}

		if err == nil && status >= 400 && status < 500 {
			attempts++
			sendsTotal.WithLabelValues("rejected").Inc()
			d.recordFailure(ps, now)
			d.failAlert(ps, alert, attempts)
			d.logger.Warn("webhook rejected alert",
				"profile", profile.Name, "status", status, "alert_id", alert.ID)
			return
		}

		// 5xx or transport error.
		attempts++
		sendsTotal.WithLabelValues("failed").Inc()
		d.recordFailure(ps, now)
		if attempts >= maxAttempts {
			d.failAlert(ps, alert, attempts)
			d.logger.Error("alert delivery attempts exhausted",
				"profile", profile.Name, "alert_id", alert.ID,
				"attempts", attempts, "status", status, "error", err)
			return
		}
		if !d.retrySleep(retryDelay, attempts) {
			return
		}
	}
}

// send performs one webhook POST through the endpoint's gate. The returned
// error covers transport problems only; HTTP responses come back as status.
func (d *Dispatcher) send(url string, payload []byte) (status int, retryAfter time.Duration, err error) {
	gate := d.gate(url)
	gate.mu.Lock()
	defer gate.mu.Unlock()

	if err := gate.limiter.Wait(d.ctx); err != nil {
		return 0, 0, err
	}

	req, err := http.NewRequestWithContext(d.ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.Full())

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return resp.StatusCode, parseRetryAfter(resp.Header.Get("Retry-After"), d.now()), nil
}

func (d *Dispatcher) gate(url string) *endpointGate {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, ok := d.gates[url]
	if !ok {
		g = &endpointGate{limiter: rate.NewLimiter(rate.Limit(d.cfg.RequestsPerSecond), 1)}
		d.gates[url] = g
	}
	return g
}

func (d *Dispatcher) recordSuccess(ps *profileState, now time.Time) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.sent++
	ps.lastSuccessAt = now
	ps.consecutive = 0
	ps.firstFailAt = time.Time{}
	ps.outcomes = appendOutcome(ps.outcomes, outcome{at: now, ok: true}, now)
	if ps.paused {
		ps.paused = false
		ps.pauseReason = ""
		d.logger.Info("webhook delivery resumed", "profile", ps.profile.Name)
	}
}

func (d *Dispatcher) recordFailure(ps *profileState, now time.Time) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.consecutive++
	if ps.consecutive == 1 {
		ps.firstFailAt = now
	}
	ps.outcomes = appendOutcome(ps.outcomes, outcome{at: now}, now)

	if ps.paused || ps.consecutive < d.cfg.OutageFailures {
		return
	}
	if now.Sub(ps.firstFailAt) < d.cfg.OutageWindow {
		return
	}
	ps.paused = true
	ps.pauseReason = fmt.Sprintf("%d consecutive failures since %s",
		ps.consecutive, ps.firstFailAt.UTC().Format(time.RFC3339))
	pausesTotal.Inc()
	d.logger.Error("webhook delivery paused after extended outage",
		"profile", ps.profile.Name, "failures", ps.consecutive,
		"first_failure", ps.firstFailAt)
}

func (d *Dispatcher) markSuspect(ps *profileState) {
	ps.mu.Lock()
	ps.suspect = true
	ps.mu.Unlock()
}

func (d *Dispatcher) failAlert(ps *profileState, alert *models.Alert, attempts int) {
	ps.mu.Lock()
	ps.failed++
	ps.mu.Unlock()
	d.updateState(alert, models.AlertStateFailed, attempts)
}

func (d *Dispatcher) dropAlert(ps *profileState, alert *models.Alert, reason string) {
	ps.mu.Lock()
	ps.dropped++
	ps.mu.Unlock()
	alertsDropped.WithLabelValues(reason).Inc()
	d.updateState(alert, models.AlertStateDropped, alert.AttemptCount)
	d.logger.Warn("alert dropped",
		"alert_id", alert.ID, "profile", alert.ProfileID, "reason", reason)
}

// updateState persists an alert state transition. It runs on a background
// context so terminal states land even during a forced shutdown.
func (d *Dispatcher) updateState(alert *models.Alert, state models.AlertState, attempts int) {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	if err := d.store.UpdateAlertDelivery(ctx, alert.ID, state, attempts); err != nil {
		d.logger.Error("failed to update alert state",
			"alert_id", alert.ID, "state", state, "error", err)
	}
}

// retrySleep waits out the exponential per-alert backoff, jittered ±20%.
func (d *Dispatcher) retrySleep(base time.Duration, attempts int) bool {
	delay := min(base<<(attempts-1), retryBackoffCap)
	delay = time.Duration(float64(delay) * (0.8 + 0.4*d.randFloat()))
	return d.sleep(delay)
}

// sleep waits for dur unless the dispatcher is force-stopped first.
func (d *Dispatcher) sleep(dur time.Duration) bool {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-d.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func appendOutcome(outcomes []outcome, o outcome, now time.Time) []outcome {
	cutoff := now.Add(-time.Hour)
	keep := outcomes[:0]
	for _, prev := range outcomes {
		if prev.at.After(cutoff) {
			keep = append(keep, prev)
		}
	}
	return append(keep, o)
}

func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if wait := at.Sub(now); wait > 0 {
			return wait
		}
	}
	return 0
}
