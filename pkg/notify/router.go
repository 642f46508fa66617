// Package notify routes enriched kills and detector findings to profile
// alerts. The router owns the alert lifecycle up to the dispatch queue:
// trigger matching happens upstream, throttling, quiet hours, camp dedup,
// and rollup policy happen here.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/evetactical/gatewatch/pkg/config"
	"github.com/evetactical/gatewatch/pkg/database"
	"github.com/evetactical/gatewatch/pkg/models"
)

const (
	// fallbackThrottleWindow applies when neither profile nor config set one.
	fallbackThrottleWindow = 5 * time.Minute

	// defaultMaxRollupKills caps digest lines for profiles that enable
	// rollups without a cap.
	defaultMaxRollupKills = 10

	// throttlePruneSize bounds the throttle table; expired entries are
	// swept whenever a new window would push past it.
	throttlePruneSize = 1024
)

// AlertQueue accepts routed alerts for delivery. Implemented by the webhook
// dispatcher; Enqueue reports whether the alert was accepted into a queue.
type AlertQueue interface {
	Enqueue(alert *models.Alert) bool
}

type throttleKey struct {
	profile  string
	systemID int64
	trigger  models.TriggerKind
}

type rollupLine struct {
	KillID     int64
	ShipTypeID int64
	Value      float64
}

// throttleEntry tracks one throttle window. Entries linger after the window
// closes so the next activity can flush a rollup digest of what was
// suppressed behind it.
type throttleEntry struct {
	until      time.Time
	alertID    string
	confidence models.Confidence
	suppressed int
	lines      []rollupLine
}

// Options configures a Router. Store and Queue are required.
type Options struct {
	Store  *database.Client
	Queue  AlertQueue
	Config *config.RouterConfig
	Logger *slog.Logger

	// Now is injectable for tests.
	Now func() time.Time
}

// Router matches per-kill triggers and camp findings to profiles and turns
// them into queued alerts. All routing runs under one mutex: alert creation
// order per (profile, system, trigger) key is what the throttle invariant
// is defined over.
type Router struct {
	store  *database.Client
	queue  AlertQueue
	cfg    *config.RouterConfig
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	profiles  map[string]*config.Profile
	order     []string
	throttles map[throttleKey]*throttleEntry
}

// NewRouter builds a router with no profiles loaded; call Reload before use.
func NewRouter(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Router{
		store:     opts.Store,
		queue:     opts.Queue,
		cfg:       opts.Config,
		logger:    logger.With("component", "router"),
		now:       now,
		profiles:  make(map[string]*config.Profile),
		throttles: make(map[throttleKey]*throttleEntry),
	}
}

// Reload replaces the routing profile set. Throttle state survives for
// profiles that remain loaded; state for removed profiles is dropped.
func (r *Router) Reload(profiles []*config.Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]*config.Profile, len(profiles))
	order := make([]string, 0, len(profiles))
	for _, p := range profiles {
		if !p.Enabled {
			continue
		}
		if _, dup := next[p.Name]; dup {
			continue
		}
		next[p.Name] = p
		order = append(order, p.Name)
	}
	for key := range r.throttles {
		if _, ok := next[key.profile]; !ok {
			delete(r.throttles, key)
		}
	}
	r.profiles, r.order = next, order
	r.logger.Info("routing profiles loaded", "profiles", len(order))
}

// ProfileCount returns the number of loaded routing profiles.
func (r *Router) ProfileCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// OnKill routes one enriched kill's matches. Matches for profiles that were
// unloaded since classification are ignored.
func (r *Router) OnKill(ctx context.Context, kill *models.Kill, matches []models.Match) {
	if len(matches) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, match := range matches {
		profile, ok := r.profiles[match.ProfileID]
		if !ok {
			continue
		}
		r.routeKillLocked(ctx, profile, kill, match.Trigger)
	}
}

func (r *Router) routeKillLocked(ctx context.Context, profile *config.Profile, kill *models.Kill, trigger models.TriggerKind) {
	now := r.now()
	if quietActive(profile.QuietHours, now) {
		alertsSuppressed.WithLabelValues("quiet_hours").Inc()
		r.logger.Debug("alert suppressed by quiet hours",
			"profile", profile.Name, "trigger", trigger, "kill_id", kill.KillID)
		return
	}

	key := throttleKey{profile: profile.Name, systemID: kill.SystemID, trigger: trigger}
	if entry := r.throttles[key]; entry != nil {
		if now.Before(entry.until) {
			entry.suppressed++
			if limit := rollupCap(profile); len(entry.lines) < limit {
				entry.lines = append(entry.lines, killLine(kill))
			}
			alertsSuppressed.WithLabelValues("throttled").Inc()
			return
		}
		// Window closed. Enough backlog behind it becomes one digest
		// covering the suppressed kills plus this one; a quiet window is
		// simply discarded.
		if profile.RateLimit.RollupThreshold > 0 && entry.suppressed > profile.RateLimit.RollupThreshold {
			r.emitRollupLocked(ctx, profile, key, entry, kill, now)
			return
		}
	}

	payload, err := renderPayload(killMessage(kill, trigger))
	if err != nil {
		r.logger.Error("failed to render kill alert",
			"profile", profile.Name, "kill_id", kill.KillID, "error", err)
		return
	}
	alert := models.NewAlert(profile.Name, trigger, kill.SystemID, payload, now)
	if !r.persistAndEnqueue(ctx, alert) {
		return
	}
	alertsRouted.WithLabelValues(string(trigger)).Inc()
	r.openWindowLocked(key, alert.ID, "", now, r.throttleWindow(profile))
	r.logger.Info("alert routed",
		"profile", profile.Name, "trigger", trigger, "kill_id", kill.KillID, "system_id", kill.SystemID)
}

func (r *Router) emitRollupLocked(ctx context.Context, profile *config.Profile, key throttleKey, entry *throttleEntry, kill *models.Kill, now time.Time) {
	entry.suppressed++
	if limit := rollupCap(profile); len(entry.lines) < limit {
		entry.lines = append(entry.lines, killLine(kill))
	}

	payload, err := renderPayload(rollupMessage(key.trigger, key.systemID, entry.suppressed, entry.lines))
	if err != nil {
		r.logger.Error("failed to render rollup alert", "profile", profile.Name, "error", err)
		delete(r.throttles, key)
		return
	}
	alert := models.NewAlert(profile.Name, key.trigger, key.systemID, payload, now)
	if !r.persistAndEnqueue(ctx, alert) {
		delete(r.throttles, key)
		return
	}
	rollupsTotal.Inc()
	alertsRouted.WithLabelValues(string(key.trigger)).Inc()

	window := r.throttleWindow(profile) + profile.RateLimit.Backoff.Std()
	r.openWindowLocked(key, alert.ID, "", now, window)
	r.logger.Info("rollup alert routed",
		"profile", profile.Name, "trigger", key.trigger, "system_id", key.systemID, "kills", entry.suppressed)
}

// OnFinding routes a camp finding to every profile whose location scope
// covers the finding's region. Re-detections inside the throttle window
// upgrade the queued alert in place when confidence rose; they never emit
// a second alert.
func (r *Router) OnFinding(ctx context.Context, finding *models.CampFinding) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for _, name := range r.order {
		profile := r.profiles[name]
		if !profile.Triggers.GatecampDetected {
			continue
		}
		if !regionInScope(profile.LocationScope, finding.RegionID) {
			continue
		}
		r.routeFindingLocked(ctx, profile, finding, now)
	}
}

func (r *Router) routeFindingLocked(ctx context.Context, profile *config.Profile, finding *models.CampFinding, now time.Time) {
	if quietActive(profile.QuietHours, now) {
		alertsSuppressed.WithLabelValues("quiet_hours").Inc()
		r.logger.Debug("camp alert suppressed by quiet hours",
			"profile", profile.Name, "system_id", finding.SystemID)
		return
	}

	key := throttleKey{profile: profile.Name, systemID: finding.SystemID, trigger: models.TriggerGatecampDetected}
	if entry := r.throttles[key]; entry != nil && now.Before(entry.until) {
		if finding.Confidence.Rank() > entry.confidence.Rank() && entry.alertID != "" {
			r.upgradeCampLocked(ctx, profile, entry, finding)
		} else {
			entry.suppressed++
			alertsSuppressed.WithLabelValues("throttled").Inc()
		}
		return
	}

	payload, err := renderPayload(campMessage(finding))
	if err != nil {
		r.logger.Error("failed to render camp alert",
			"profile", profile.Name, "system_id", finding.SystemID, "error", err)
		return
	}
	alert := models.NewAlert(profile.Name, models.TriggerGatecampDetected, finding.SystemID, payload, now)
	if !r.persistAndEnqueue(ctx, alert) {
		return
	}
	alertsRouted.WithLabelValues(string(models.TriggerGatecampDetected)).Inc()
	r.openWindowLocked(key, alert.ID, finding.Confidence, now, r.throttleWindow(profile))
	r.logger.Info("camp alert routed",
		"profile", profile.Name, "system_id", finding.SystemID, "confidence", finding.Confidence)
}

func (r *Router) upgradeCampLocked(ctx context.Context, profile *config.Profile, entry *throttleEntry, finding *models.CampFinding) {
	payload, err := renderPayload(campMessage(finding))
	if err != nil {
		r.logger.Error("failed to render camp upgrade",
			"profile", profile.Name, "system_id", finding.SystemID, "error", err)
		return
	}
	err = r.store.UpdateAlertPayload(ctx, entry.alertID, payload)
	switch {
	case err == nil:
		campUpgrades.Inc()
		r.logger.Info("camp alert upgraded in place",
			"profile", profile.Name, "system_id", finding.SystemID, "confidence", finding.Confidence)
	case errors.Is(err, database.ErrNotFound):
		// The alert already left the queued state; the stronger finding
		// stays recorded so later re-detections compare against it.
	default:
		r.logger.Error("failed to upgrade camp alert",
			"alert_id", entry.alertID, "error", err)
		return
	}
	entry.confidence = finding.Confidence
}

// persistAndEnqueue writes the alert record and hands it to the dispatcher.
// A dispatcher refusal is recorded as a drop; the alert still existed, so
// callers open the throttle window either way.
func (r *Router) persistAndEnqueue(ctx context.Context, alert *models.Alert) bool {
	if err := r.store.InsertAlert(ctx, alert); err != nil {
		r.logger.Error("failed to persist alert",
			"alert_id", alert.ID, "profile", alert.ProfileID, "error", err)
		return false
	}
	if !r.queue.Enqueue(alert) {
		r.logger.Warn("dispatcher refused alert",
			"alert_id", alert.ID, "profile", alert.ProfileID)
		if err := r.store.UpdateAlertDelivery(ctx, alert.ID, models.AlertStateDropped, 0); err != nil {
			r.logger.Error("failed to mark refused alert dropped",
				"alert_id", alert.ID, "error", err)
		}
	}
	return true
}

func (r *Router) openWindowLocked(key throttleKey, alertID string, confidence models.Confidence, now time.Time, window time.Duration) {
	if len(r.throttles) >= throttlePruneSize {
		for k, e := range r.throttles {
			if !now.Before(e.until) {
				delete(r.throttles, k)
			}
		}
	}
	r.throttles[key] = &throttleEntry{
		until:      now.Add(window),
		alertID:    alertID,
		confidence: confidence,
	}
}

func (r *Router) throttleWindow(p *config.Profile) time.Duration {
	def := fallbackThrottleWindow
	if r.cfg != nil && r.cfg.DefaultThrottleWindow > 0 {
		def = r.cfg.DefaultThrottleWindow
	}
	return p.ThrottleWindowOr(def)
}

func rollupCap(p *config.Profile) int {
	if p.RateLimit.RollupThreshold <= 0 {
		return 0
	}
	if p.RateLimit.MaxRollupKills > 0 {
		return p.RateLimit.MaxRollupKills
	}
	return defaultMaxRollupKills
}

func killLine(kill *models.Kill) rollupLine {
	return rollupLine{KillID: kill.KillID, ShipTypeID: kill.VictimShipTypeID, Value: kill.TotalValue}
}

func regionInScope(scope []int64, regionID int64) bool {
	for _, id := range scope {
		if id == regionID {
			return true
		}
	}
	return false
}
