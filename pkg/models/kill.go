package models

import (
	"errors"
	"fmt"
	"time"
)

// KillRef identifies an unenriched killmail on the upstream queue.
// Refs live in memory only; they are resolved into a Kill or dropped.
// TotalValue is a hint carried by the queue envelope; the game API does not
// appraise kills, so the value travels with the ref.
type KillRef struct {
	KillID     int64   `json:"kill_id"`
	Hash       string  `json:"hash"`
	TotalValue float64 `json:"total_value"`
}

// Valid reports whether the ref carries both identity parts.
func (r KillRef) Valid() bool {
	return r.KillID > 0 && r.Hash != ""
}

func (r KillRef) String() string {
	return fmt.Sprintf("kill %d", r.KillID)
}

// Kill is a fully enriched combat event. Instances are immutable once
// constructed; the store discards duplicates by KillID.
type Kill struct {
	KillID              int64     `db:"kill_id" json:"kill_id"`
	KillTime            time.Time `db:"kill_time" json:"kill_time"`
	SystemID            int64     `db:"system_id" json:"system_id"`
	RegionID            int64     `db:"region_id" json:"region_id"`
	VictimCharacterID   int64     `db:"victim_character_id" json:"victim_character_id,omitempty"`
	VictimOrgID         int64     `db:"victim_org_id" json:"victim_org_id"`
	VictimAllianceID    *int64    `db:"victim_alliance_id" json:"victim_alliance_id,omitempty"`
	VictimFactionID     *int64    `db:"victim_faction_id" json:"victim_faction_id,omitempty"`
	VictimShipTypeID    int64     `db:"victim_ship_type_id" json:"victim_ship_type_id"`
	AttackerCount       int       `db:"attacker_count" json:"attacker_count"`
	AttackerOrgIDs      Int64List `db:"attacker_org_ids" json:"attacker_org_ids"`
	AttackerAllianceIDs Int64List `db:"attacker_alliance_ids" json:"attacker_alliance_ids"`
	AttackerShipTypeIDs Int64List `db:"attacker_ship_type_ids" json:"attacker_ship_type_ids"`
	AttackerFactionIDs  Int64List `db:"attacker_faction_ids" json:"attacker_faction_ids"`
	FinalBlowShipTypeID int64     `db:"final_blow_ship_type_id" json:"final_blow_ship_type_id"`
	WarID               *int64    `db:"war_id" json:"war_id,omitempty"`
	TotalValue          float64   `db:"total_value" json:"total_value"`
	IsMinorKill         bool      `db:"is_minor_kill" json:"is_minor_kill"`
	Solo                bool      `db:"solo" json:"solo"`
	IngestedAt          time.Time `db:"ingested_at" json:"ingested_at"`
}

// Validation errors returned by Kill.Validate.
var (
	ErrNoAttackers      = errors.New("kill has no attackers")
	ErrFinalBlowUnknown = errors.New("final blow ship not among attacker ships")
	ErrTimeTravel       = errors.New("kill time is after ingestion time")
	ErrNegativeValue    = errors.New("kill value is negative")
)

// Validate checks the construction invariants. Kills that fail validation
// never reach the store.
func (k *Kill) Validate() error {
	if k.KillID <= 0 {
		return fmt.Errorf("kill id %d: invalid identity", k.KillID)
	}
	if k.SystemID <= 0 {
		return fmt.Errorf("kill %d: invalid system id %d", k.KillID, k.SystemID)
	}
	if k.AttackerCount < 1 {
		return fmt.Errorf("kill %d: %w", k.KillID, ErrNoAttackers)
	}
	if k.FinalBlowShipTypeID != 0 && !k.AttackerShipTypeIDs.Contains(k.FinalBlowShipTypeID) {
		return fmt.Errorf("kill %d: %w", k.KillID, ErrFinalBlowUnknown)
	}
	if k.KillTime.After(k.IngestedAt) {
		return fmt.Errorf("kill %d: %w", k.KillID, ErrTimeTravel)
	}
	if k.TotalValue < 0 {
		return fmt.Errorf("kill %d: %w", k.KillID, ErrNegativeValue)
	}
	return nil
}

// TopAttackerOrg returns the attacker organization that appears across the
// given kills most often, with its share of kills it appears in.
func TopAttackerOrg(kills []*Kill) (orgID int64, share float64) {
	if len(kills) == 0 {
		return 0, 0
	}
	counts := make(map[int64]int)
	for _, k := range kills {
		for _, org := range k.AttackerOrgIDs {
			counts[org]++
		}
	}
	best := int64(0)
	bestCount := 0
	for org, n := range counts {
		if n > bestCount || (n == bestCount && org < best) {
			best, bestCount = org, n
		}
	}
	return best, float64(bestCount) / float64(len(kills))
}
