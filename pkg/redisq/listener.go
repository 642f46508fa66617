// Package redisq is the upstream long-poll client. It runs a single poll
// loop (one request in flight at any moment), converts queue payloads into
// in-memory kill refs, and hands them to the enrichment stage. Poll health
// is tracked for the health surface: the loop never dies on upstream
// failures, it backs off and keeps trying.
package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/evetactical/gatewatch/pkg/config"
	"github.com/evetactical/gatewatch/pkg/models"
	"github.com/evetactical/gatewatch/pkg/version"
)

// sourceRequestBudget caps outbound polls regardless of ttw, per the
// upstream's fair-use allowance.
const sourceRequestBudget rate.Limit = 2

// ttw bounds accepted by the upstream.
const (
	minTTW = 1
	maxTTW = 10
)

// PollState is the loop's lifecycle position, surfaced in health.
type PollState string

const (
	// StateIdle means the loop is between polls.
	StateIdle PollState = "idle"
	// StatePolling means a request is in flight.
	StatePolling PollState = "polling"
	// StateBackoff means the loop is waiting out a failure delay.
	StateBackoff PollState = "backoff"
	// StateStopped means the loop has exited.
	StateStopped PollState = "stopped"
)

// Status is a point-in-time snapshot of the poll loop.
type Status struct {
	State             PollState     `json:"state"`
	LastPollAt        time.Time     `json:"last_poll_at,omitzero"`
	LastSuccessAt     time.Time     `json:"last_success_at,omitzero"`
	LastKillAt        time.Time     `json:"last_kill_at,omitzero"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	FirstErrorAt      time.Time     `json:"first_error_at,omitzero"`
	CurrentBackoff    int64         `json:"current_backoff_ms"`
	Polls             uint64        `json:"polls"`
	Kills             uint64        `json:"kills"`
	Empties           uint64        `json:"empties"`
	Skipped           uint64        `json:"skipped"`
	Errors            uint64        `json:"errors"`
}

// Handler receives each accepted ref. It must not block for long; the
// enrichment queue behind it is bounded and sheds load on its own.
type Handler func(ctx context.Context, ref models.KillRef)

// Options wires a Listener. Handler and Config are required.
type Options struct {
	Config  *config.SourceConfig
	QueueID string
	Handler Handler

	// RegionOf resolves a system to its region for the optional inline
	// payload pre-filter. Nil disables the filter.
	RegionOf func(systemID int64) (int64, bool)

	// RecordPoll is invoked after every successful poll, including empty
	// ones, so the cursor's poll timestamp survives restarts. Optional.
	RecordPoll func(ctx context.Context, at time.Time)

	Logger *slog.Logger

	// Now supplies the clock; defaults to time.Now. Tests inject a fake.
	Now func() time.Time
}

// Listener owns the poll loop. Construct with NewListener, drive with Run.
type Listener struct {
	client  *http.Client
	baseURL string
	queueID string
	ttw     int
	handler Handler

	backoffInitial time.Duration
	backoffMax     time.Duration
	requestTimeout time.Duration
	limiter        *rate.Limiter
	regions        map[int64]struct{}
	regionOf       func(int64) (int64, bool)
	recordPoll     func(context.Context, time.Time)

	logger    *slog.Logger
	now       func() time.Time
	randFloat func() float64

	mu     sync.Mutex
	status Status
}

// NewListener builds a listener from options.
func NewListener(opts Options) *Listener {
	cfg := opts.Config
	ttw := cfg.TTW
	if ttw < minTTW {
		ttw = minTTW
	}
	if ttw > maxTTW {
		ttw = maxTTW
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	var regions map[int64]struct{}
	if len(cfg.Regions) > 0 {
		regions = make(map[int64]struct{}, len(cfg.Regions))
		for _, r := range cfg.Regions {
			regions[r] = struct{}{}
		}
	}

	return &Listener{
		client:         &http.Client{},
		baseURL:        cfg.BaseURL,
		queueID:        opts.QueueID,
		ttw:            ttw,
		handler:        opts.Handler,
		backoffInitial: cfg.BackoffInitial,
		backoffMax:     cfg.BackoffMax,
		requestTimeout: cfg.RequestTimeout,
		limiter:        rate.NewLimiter(sourceRequestBudget, 1),
		regions:        regions,
		regionOf:       opts.RegionOf,
		recordPoll:     opts.RecordPoll,
		logger:         logger.With("component", "source_listener"),
		now:            now,
		randFloat:      rand.Float64,
		status:         Status{State: StateIdle},
	}
}

// Run polls until ctx is cancelled, then returns nil. Upstream failures
// never end the loop; they reset the long-poll into exponential backoff
// with jitter until the next success.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info("source listener started",
		"queue_id", l.queueID, "ttw", l.ttw)
	defer l.setState(StateStopped)

	backoff := l.backoffInitial
	for {
		if err := l.limiter.Wait(ctx); err != nil {
			l.logger.Info("source listener stopped")
			return nil
		}

		l.setState(StatePolling)
		res, err := l.poll(ctx)
		switch {
		case ctx.Err() != nil:
			l.logger.Info("source listener stopped")
			return nil
		case err != nil:
			delay := l.jitter(backoff)
			l.recordFailure(delay)
			l.logger.Warn("poll failed, backing off",
				"error", err, "delay", delay, "consecutive", l.Status().ConsecutiveErrors)
			if backoff < l.backoffMax {
				backoff = min(backoff*2, l.backoffMax)
			}
			l.setState(StateBackoff)
			if !l.sleep(ctx, delay) {
				l.logger.Info("source listener stopped")
				return nil
			}
		default:
			backoff = l.backoffInitial
			l.recordSuccess(ctx, res)
			if res.ref.Valid() {
				l.handler(ctx, res.ref)
			}
		}
		l.setState(StateIdle)
	}
}

// Status returns a copy of the loop's health snapshot.
func (l *Listener) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

func (l *Listener) poll(ctx context.Context) (pollResult, error) {
	// The deadline covers the upstream's hold (ttw) plus the configured
	// round-trip margin. Cancellation of ctx cuts through immediately.
	reqCtx, cancel := context.WithTimeout(ctx,
		time.Duration(l.ttw)*time.Second+l.requestTimeout)
	defer cancel()

	u := fmt.Sprintf("%s?queueID=%s&ttw=%d",
		l.baseURL, url.QueryEscape(l.queueID), l.ttw)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u, nil)
	if err != nil {
		return pollResult{}, fmt.Errorf("build poll request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.Full())

	resp, err := l.client.Do(req)
	if err != nil {
		return pollResult{}, fmt.Errorf("poll: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return pollResult{}, fmt.Errorf("poll: status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return pollResult{}, fmt.Errorf("read poll body: %w", err)
	}
	return l.parse(body)
}

// parse extracts a ref from either accepted payload form. Payloads missing
// the (id, hash) identity are skipped, not errors: the queue occasionally
// serves partial packages and the loop should not back off over them.
func (l *Listener) parse(body []byte) (pollResult, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return pollResult{}, fmt.Errorf("decode poll payload: %w", err)
	}
	if env.Package == nil {
		return pollResult{empty: true}, nil
	}

	p := env.Package
	killID := p.KillID
	if killID == 0 && p.Killmail != nil {
		killID = p.Killmail.KillmailID
	}
	ref := models.KillRef{KillID: killID}
	if p.ZKB != nil {
		ref.Hash = p.ZKB.Hash
		ref.TotalValue = p.ZKB.TotalValue
	}
	if !ref.Valid() {
		l.logger.Debug("skipping payload without id and hash", "kill_id", killID)
		return pollResult{skipped: true}, nil
	}

	// Inline payloads carry a location, which lets the configured region
	// filter shed out-of-scope kills before they cost an enrichment call.
	// Id+hash payloads carry none and always pass.
	if p.Killmail != nil && l.regions != nil && l.regionOf != nil {
		region, ok := l.regionOf(p.Killmail.SolarSystemID)
		if !ok {
			l.logger.Debug("skipping kill in unknown system",
				"kill_id", killID, "system_id", p.Killmail.SolarSystemID)
			return pollResult{skipped: true}, nil
		}
		if _, want := l.regions[region]; !want {
			return pollResult{skipped: true}, nil
		}
	}

	return pollResult{ref: ref}, nil
}

func (l *Listener) recordSuccess(ctx context.Context, res pollResult) {
	at := l.now().UTC()

	l.mu.Lock()
	l.status.Polls++
	l.status.LastPollAt = at
	l.status.LastSuccessAt = at
	l.status.ConsecutiveErrors = 0
	l.status.FirstErrorAt = time.Time{}
	l.status.CurrentBackoff = 0
	switch {
	case res.ref.Valid():
		l.status.Kills++
		l.status.LastKillAt = at
		pollsTotal.WithLabelValues("kill").Inc()
	case res.skipped:
		l.status.Skipped++
		pollsTotal.WithLabelValues("skipped").Inc()
	default:
		l.status.Empties++
		pollsTotal.WithLabelValues("empty").Inc()
	}
	l.mu.Unlock()

	if l.recordPoll != nil {
		l.recordPoll(ctx, at)
	}
}

func (l *Listener) recordFailure(delay time.Duration) {
	at := l.now().UTC()
	pollsTotal.WithLabelValues("error").Inc()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.status.Polls++
	l.status.LastPollAt = at
	l.status.Errors++
	l.status.ConsecutiveErrors++
	if l.status.ConsecutiveErrors == 1 {
		l.status.FirstErrorAt = at
	}
	l.status.CurrentBackoff = delay.Milliseconds()
}

func (l *Listener) setState(s PollState) {
	l.mu.Lock()
	l.status.State = s
	l.mu.Unlock()
}

// jitter spreads a delay by ±20% so restarting instances do not fall into
// lockstep against a struggling upstream.
func (l *Listener) jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.8 + 0.4*l.randFloat()))
}

func (l *Listener) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// maxPayloadBytes bounds a single poll body. Inline payloads with large
// attacker lists stay well under this.
const maxPayloadBytes = 1 << 20

type pollResult struct {
	empty   bool
	skipped bool
	ref     models.KillRef
}

type envelope struct {
	Package *payload `json:"package"`
}

type payload struct {
	KillID   int64           `json:"killID"`
	Killmail *inlineKillmail `json:"killmail"`
	ZKB      *zkbEnvelope    `json:"zkb"`
}

type inlineKillmail struct {
	KillmailID    int64 `json:"killmail_id"`
	SolarSystemID int64 `json:"solar_system_id"`
}

type zkbEnvelope struct {
	Hash       string  `json:"hash"`
	TotalValue float64 `json:"totalValue"`
}
