package models

import "time"

// Confidence grades a camp finding.
type Confidence string

const (
	// ConfidenceLow is a finding that cleared the decision rule with a weak score
	ConfidenceLow Confidence = "low"
	// ConfidenceMedium is a finding with moderate supporting factors
	ConfidenceMedium Confidence = "medium"
	// ConfidenceHigh is a finding with strong multi-factor support
	ConfidenceHigh Confidence = "high"
)

// IsValid checks if the confidence grade is valid
func (c Confidence) IsValid() bool {
	return c == ConfidenceLow || c == ConfidenceMedium || c == ConfidenceHigh
}

// Rank orders confidence grades for in-place upgrades. Higher is stronger.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	default:
		return 0
	}
}

// ConfidenceFromScore maps a raw factor sum onto a grade.
func ConfidenceFromScore(score int) Confidence {
	switch {
	case score >= 4:
		return ConfidenceHigh
	case score >= 2:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// CampFinding is a detector verdict for one system's rolling window.
// Findings are append-only; they are never mutated after emission.
type CampFinding struct {
	ID                  int64      `db:"id" json:"id"`
	SystemID            int64      `db:"system_id" json:"system_id"`
	RegionID            int64      `db:"region_id" json:"region_id"`
	WindowSeconds       int        `db:"window_seconds" json:"window_seconds"`
	KillCount           int        `db:"kill_count" json:"kill_count"`
	AttackerOrgIDs      Int64List  `db:"attacker_org_ids" json:"attacker_org_ids"`
	AttackerShipTypeIDs Int64List  `db:"attacker_ship_type_ids" json:"attacker_ship_type_ids"`
	Confidence          Confidence `db:"confidence" json:"confidence"`
	Score               int        `db:"score" json:"score"`
	LastKillTime        time.Time  `db:"last_kill_time" json:"last_kill_time"`
	IsChainAreaAttack   bool       `db:"is_chain_area_attack" json:"is_chain_area_attack"`
	ForceAsymmetry      float64    `db:"force_asymmetry" json:"force_asymmetry"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
}
