package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProfileSchemaVersion is the profile file format this build understands.
// Files declaring any other version fail their own load.
const ProfileSchemaVersion = 2

// Profile is one notification target: a webhook plus the triggers, scope,
// and pacing rules that decide what reaches it. Unknown YAML fields are
// ignored so older builds tolerate newer files.
type Profile struct {
	SchemaVersion    int             `yaml:"schema_version"`
	Name             string          `yaml:"name"`
	DisplayName      string          `yaml:"display_name"`
	Enabled          bool            `yaml:"enabled"`
	WebhookURL       string          `yaml:"webhook_url"`
	Triggers         TriggerSet      `yaml:"triggers"`
	ThrottleWindow   Duration        `yaml:"throttle_window"`
	QuietHours       *QuietHours     `yaml:"quiet_hours"`
	LocationScope    []int64         `yaml:"location_scope"`
	WatchedOrgs      []int64         `yaml:"watched_orgs"`
	WatchedAlliances []int64         `yaml:"watched_alliances"`
	RateLimit        RateLimitPolicy `yaml:"rate_limit_policy"`
	Delivery         DeliveryPolicy  `yaml:"delivery_policy"`

	// SourceFile records where the profile was loaded from, for reload
	// logging and error context.
	SourceFile string `yaml:"-"`
}

// TriggerSet enables the per-profile alert triggers.
type TriggerSet struct {
	WatchlistActivity  bool              `yaml:"watchlist_activity"`
	GatecampDetected   bool              `yaml:"gatecamp_detected"`
	HighValueThreshold int64             `yaml:"high_value_threshold"`
	LocationScope      bool              `yaml:"location_scope"`
	WarActivity        bool              `yaml:"war_activity"`
	NPCFactionKill     NPCFactionTrigger `yaml:"npc_faction_kill"`
}

// NPCFactionTrigger accepts either a bare boolean or a mapping with
// subfields:
//
//	npc_faction_kill: true
//
//	npc_faction_kill:
//	  enabled: true
//	  faction_ids: [500004]
//	  require_victim: true
//
// An empty faction list matches any NPC faction.
type NPCFactionTrigger struct {
	Enabled       bool    `yaml:"enabled"`
	FactionIDs    []int64 `yaml:"faction_ids"`
	RequireVictim bool    `yaml:"require_victim"`
}

// UnmarshalYAML implements yaml.Unmarshaler for the two accepted forms.
func (n *NPCFactionTrigger) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		enabled, err := strconv.ParseBool(value.Value)
		if err != nil {
			return fmt.Errorf("%w: npc_faction_kill must be a boolean or mapping", ErrInvalidValue)
		}
		*n = NPCFactionTrigger{Enabled: enabled}
		return nil
	}
	type plain NPCFactionTrigger
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*n = NPCFactionTrigger(p)
	return nil
}

// QuietHours suppresses alerts inside a local-time window. Start and End are
// "HH:MM" wall-clock values in the named IANA zone; windows may span
// midnight.
type QuietHours struct {
	Enabled  bool   `yaml:"enabled"`
	Start    string `yaml:"start"`
	End      string `yaml:"end"`
	Timezone string `yaml:"timezone"`

	startMinutes int
	endMinutes   int
	location     *time.Location
}

// StartMinutes returns minutes after local midnight for the window start.
func (q *QuietHours) StartMinutes() int { return q.startMinutes }

// EndMinutes returns minutes after local midnight for the window end.
func (q *QuietHours) EndMinutes() int { return q.endMinutes }

// Location returns the parsed IANA zone.
func (q *QuietHours) Location() *time.Location { return q.location }

func (q *QuietHours) resolve() error {
	var err error
	if q.startMinutes, err = parseClock(q.Start); err != nil {
		return fmt.Errorf("quiet_hours start: %w", err)
	}
	if q.endMinutes, err = parseClock(q.End); err != nil {
		return fmt.Errorf("quiet_hours end: %w", err)
	}
	if q.Timezone == "" {
		return fmt.Errorf("%w: quiet_hours timezone", ErrMissingRequiredField)
	}
	if q.location, err = time.LoadLocation(q.Timezone); err != nil {
		return fmt.Errorf("quiet_hours timezone %q: %w", q.Timezone, err)
	}
	return nil
}

func parseClock(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("%w: %q is not HH:MM", ErrInvalidValue, s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("%w: hour in %q", ErrInvalidValue, s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("%w: minute in %q", ErrInvalidValue, s)
	}
	return hour*60 + minute, nil
}

// RateLimitPolicy coalesces alert bursts per (profile, system).
type RateLimitPolicy struct {
	// RollupThreshold is the burst size above which kills are rolled into a
	// single alert. Zero disables rollups.
	RollupThreshold int `yaml:"rollup_threshold"`

	// MaxRollupKills caps the kill lines carried by one rollup alert.
	MaxRollupKills int `yaml:"max_rollup_kills"`

	// Backoff pads the throttle window after a rollup fires.
	Backoff Duration `yaml:"backoff"`
}

// DeliveryPolicy overrides dispatcher retry defaults for one profile.
// Zero values defer to the dispatcher configuration.
type DeliveryPolicy struct {
	MaxAttempts int      `yaml:"max_attempts"`
	RetryDelay  Duration `yaml:"retry_delay"`
}

// Validate checks required fields and resolves derived state. It is called
// once at load; a profile that fails validation is skipped.
func (p *Profile) Validate() error {
	if p.SchemaVersion != ProfileSchemaVersion {
		return NewValidationError("profile", p.Name, "schema_version",
			fmt.Errorf("%w: got %d, want %d", ErrProfileSchema, p.SchemaVersion, ProfileSchemaVersion))
	}
	if p.Name == "" {
		return NewValidationError("profile", p.SourceFile, "name", ErrMissingRequiredField)
	}
	if p.WebhookURL == "" {
		return NewValidationError("profile", p.Name, "webhook_url", ErrMissingRequiredField)
	}
	u, err := url.Parse(p.WebhookURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return NewValidationError("profile", p.Name, "webhook_url",
			fmt.Errorf("%w: not an absolute URL", ErrInvalidValue))
	}
	if p.Triggers.HighValueThreshold < 0 {
		return NewValidationError("profile", p.Name, "triggers.high_value_threshold",
			fmt.Errorf("%w: must be non-negative", ErrInvalidValue))
	}
	if p.ThrottleWindow < 0 {
		return NewValidationError("profile", p.Name, "throttle_window",
			fmt.Errorf("%w: must be non-negative", ErrInvalidValue))
	}
	if p.QuietHours != nil && p.QuietHours.Enabled {
		if err := p.QuietHours.resolve(); err != nil {
			return NewValidationError("profile", p.Name, "quiet_hours", err)
		}
	}
	if p.Delivery.MaxAttempts < 0 {
		return NewValidationError("profile", p.Name, "delivery_policy.max_attempts",
			fmt.Errorf("%w: must be non-negative", ErrInvalidValue))
	}
	if p.RateLimit.RollupThreshold > 0 && p.RateLimit.MaxRollupKills <= 0 {
		p.RateLimit.MaxRollupKills = 10
	}
	return nil
}

// ThrottleWindowOr returns the profile throttle window, falling back to the
// router default when unset.
func (p *Profile) ThrottleWindowOr(def time.Duration) time.Duration {
	if p.ThrottleWindow > 0 {
		return p.ThrottleWindow.Std()
	}
	return def
}

// RedactedWebhook returns a loggable form of the webhook URL. Webhook URLs
// embed credentials and are never logged in full.
func (p *Profile) RedactedWebhook() string {
	u, err := url.Parse(p.WebhookURL)
	if err != nil {
		return "<invalid>"
	}
	return u.Scheme + "://" + u.Host + "/..."
}
