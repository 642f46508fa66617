package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TriggerKind identifies why an alert fired.
type TriggerKind string

const (
	// TriggerWatchlistActivity fires when a watched org or alliance appears on either side of a kill
	TriggerWatchlistActivity TriggerKind = "watchlist_activity"
	// TriggerGatecampDetected fires on a detector camp finding
	TriggerGatecampDetected TriggerKind = "gatecamp_detected"
	// TriggerHighValue fires when a kill's value clears the profile threshold
	TriggerHighValue TriggerKind = "high_value"
	// TriggerLocationScope fires on any kill inside the profile's watched regions
	TriggerLocationScope TriggerKind = "location_scope"
	// TriggerWarActivity fires on kills attributed to a declared war
	TriggerWarActivity TriggerKind = "war_activity"
	// TriggerNPCFactionKill fires when a configured NPC faction participates
	TriggerNPCFactionKill TriggerKind = "npc_faction_kill"
)

// IsValid checks if the trigger kind is valid
func (t TriggerKind) IsValid() bool {
	switch t {
	case TriggerWatchlistActivity,
		TriggerGatecampDetected,
		TriggerHighValue,
		TriggerLocationScope,
		TriggerWarActivity,
		TriggerNPCFactionKill:
		return true
	default:
		return false
	}
}

// AlertState tracks an alert through the dispatch queue.
type AlertState string

const (
	// AlertStateQueued means the alert is waiting in a dispatch queue
	AlertStateQueued AlertState = "queued"
	// AlertStateSending means a delivery attempt is in flight
	AlertStateSending AlertState = "sending"
	// AlertStateDelivered means the webhook accepted the alert
	AlertStateDelivered AlertState = "delivered"
	// AlertStateFailed means delivery attempts were exhausted
	AlertStateFailed AlertState = "failed"
	// AlertStateDropped means queue overflow or a disabled profile discarded the alert
	AlertStateDropped AlertState = "dropped"
)

// Terminal reports whether the state is final.
func (s AlertState) Terminal() bool {
	return s == AlertStateDelivered || s == AlertStateFailed || s == AlertStateDropped
}

// Match annotates a kill with one profile trigger that it satisfied.
// Matching never mutates the kill.
type Match struct {
	ProfileID string      `json:"profile_id"`
	Trigger   TriggerKind `json:"trigger"`
}

// Alert is a routed notification bound for one profile's webhook. The router
// creates alerts; the dispatcher advances State and AttemptCount through the
// store. Payload is opaque to dispatch and rendered by the receiving side.
type Alert struct {
	ID           string          `db:"alert_id" json:"alert_id"`
	ProfileID    string          `db:"profile_id" json:"profile_id"`
	Trigger      TriggerKind     `db:"trigger_kind" json:"trigger_kind"`
	SystemID     int64           `db:"system_id" json:"system_id"`
	Payload      json.RawMessage `db:"payload" json:"payload"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	AttemptCount int             `db:"attempt_count" json:"attempt_count"`
	State        AlertState      `db:"state" json:"state"`
}

// NewAlert builds a queued alert with a fresh ID.
func NewAlert(profileID string, trigger TriggerKind, systemID int64, payload json.RawMessage, now time.Time) *Alert {
	return &Alert{
		ID:        uuid.NewString(),
		ProfileID: profileID,
		Trigger:   trigger,
		SystemID:  systemID,
		Payload:   payload,
		CreatedAt: now,
		State:     AlertStateQueued,
	}
}
