// Package config loads and validates pipeline configuration and
// notification profiles from the instance root.
package config

import "time"

// Config is the resolved pipeline configuration, ready for use.
type Config struct {
	instanceRoot string

	// QueueID is the stable per-installation upstream queue identity.
	QueueID string

	// ListenAddr is the control/health HTTP listen address.
	ListenAddr string

	// RefDataPath optionally points at an external lookup-table export.
	// Empty means the tables embedded in the binary are used.
	RefDataPath string

	Source     *SourceConfig
	Enrichment *EnrichmentConfig
	History    *HistoryConfig
	Detection  *DetectionConfig
	Backfill   *BackfillConfig
	Router     *RouterConfig
	Dispatcher *DispatcherConfig
	Retention  *RetentionConfig
}

// SourceConfig controls the upstream long-poll client.
type SourceConfig struct {
	// BaseURL is the long-poll endpoint.
	BaseURL string

	// TTW is the long-poll wait passed upstream, clamped to [1,10] seconds.
	TTW int

	// BackoffInitial is the first retry delay after a poll failure.
	BackoffInitial time.Duration

	// BackoffMax caps the exponential retry delay.
	BackoffMax time.Duration

	// RequestTimeout bounds a single poll round trip beyond TTW.
	RequestTimeout time.Duration

	// Regions optionally pre-filters legacy inline payloads by region before
	// enrichment. Id+hash payloads carry no location and always pass.
	Regions []int64
}

// EnrichmentConfig controls the fetcher pool resolving refs into kills.
type EnrichmentConfig struct {
	// BaseURL is the game API root.
	BaseURL string

	// Workers is the number of concurrent fetches.
	Workers int

	// RequestsPerSecond is the shared token bucket rate. Keep below the
	// upstream allowance.
	RequestsPerSecond float64

	// QueueCapacity bounds the pending-ref deque. Overflow drops oldest.
	QueueCapacity int

	// PauseOnLimit is how long enrichment sleeps after an error-budget
	// signal from the API.
	PauseOnLimit time.Duration

	// RequestTimeout is the hard per-request deadline.
	RequestTimeout time.Duration
}

// HistoryConfig controls the secondary historical API used by backfill.
type HistoryConfig struct {
	BaseURL           string
	RequestsPerSecond float64
	RequestTimeout    time.Duration
}

// DetectionConfig holds the camp detector thresholds.
type DetectionConfig struct {
	// Window is the rolling per-system detection window.
	Window time.Duration

	// MinKills is the minimum kills in the window before any verdict.
	MinKills int

	// AreaWindow is the maximum span of an area-effect chain.
	AreaWindow time.Duration

	// AsymmetryThreshold is the mean attacker count that marks a one-sided
	// engagement.
	AsymmetryThreshold float64

	// ConsistencyThreshold is the share of kills the top attacker org must
	// appear in to score the consistency factor.
	ConsistencyThreshold float64

	// MinorRatioThreshold is the minor-to-full kill ratio that scores the
	// follow-up factor.
	MinorRatioThreshold float64
}

// BackfillConfig controls startup recovery from the historical API.
type BackfillConfig struct {
	Enabled bool

	// MaxAge gates backfill: it runs only when the cursor is older than
	// this. Matches the upstream queue's retention, roughly three hours.
	MaxAge time.Duration

	// MaxKills caps one backfill invocation.
	MaxKills int
}

// RouterConfig holds notification routing defaults.
type RouterConfig struct {
	// DefaultThrottleWindow applies to profiles that do not set their own.
	DefaultThrottleWindow time.Duration
}

// DispatcherConfig holds webhook delivery settings.
type DispatcherConfig struct {
	// QueueCapacity bounds each profile's send queue. Overflow drops oldest.
	QueueCapacity int

	// RequestsPerSecond is the per-endpoint send rate.
	RequestsPerSecond float64

	// MaxAttempts is the delivery attempt budget per alert.
	MaxAttempts int

	// RetryDelay is the base backoff delay, doubled per attempt.
	RetryDelay time.Duration

	// OutageFailures and OutageWindow define the extended-outage pause: the
	// queue pauses when OutageFailures consecutive failures span at least
	// OutageWindow.
	OutageFailures int
	OutageWindow   time.Duration

	// RequestTimeout is the hard per-send deadline.
	RequestTimeout time.Duration

	// DrainTimeout bounds queue draining during shutdown.
	DrainTimeout time.Duration
}

// RetentionConfig controls store retention sweeps.
type RetentionConfig struct {
	// Kills is how long enriched kills are kept.
	Kills time.Duration

	// Findings is how long detector findings are kept.
	Findings time.Duration

	// Alerts is how long routed alert records are kept.
	Alerts time.Duration

	// SweepInterval is the periodic purge cadence.
	SweepInterval time.Duration
}

// Stats summarizes loaded configuration for the startup log line.
type Stats struct {
	QueueID           string
	EnrichmentWorkers int
	DetectionWindow   time.Duration
	BackfillEnabled   bool
}

// Stats returns a summary of the loaded configuration.
func (c *Config) Stats() Stats {
	return Stats{
		QueueID:           c.QueueID,
		EnrichmentWorkers: c.Enrichment.Workers,
		DetectionWindow:   c.Detection.Window,
		BackfillEnabled:   c.Backfill.Enabled,
	}
}
