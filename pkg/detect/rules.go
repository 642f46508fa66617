package detect

import (
	"time"

	"github.com/evetactical/gatewatch/pkg/config"
	"github.com/evetactical/gatewatch/pkg/models"
)

// verdict is the outcome of scoring one system's rolling window. It carries
// every factor so callers can log or persist the reasoning, not just the
// grade.
type verdict struct {
	IsCamp             bool
	Score              int
	Confidence         models.Confidence
	KillCount          int
	DistinctVictimOrgs int
	MeanAttackers      float64
	TopOrgID           int64
	TopOrgShare        float64
	MinorRatioMet      bool
	AreaChain          bool
	Asymmetric         bool
	LastKillTime       time.Time
	AttackerOrgs       models.Int64List
	AttackerShips      models.Int64List
}

// evaluateWindow applies the camp decision rule to the kills of one system's
// rolling window, oldest first. The caller guarantees len(kills) >= MinKills.
//
// The rule: the window reads as a camp when the victims span more than one
// organization, or when the engagement is one-sided enough (mean attacker
// count at or above the asymmetry threshold) that even a single victim org
// cannot be a brawl. Scoring then grades how much the window looks like a
// held position rather than a passing fight.
func evaluateWindow(kills []*models.Kill, cfg *config.DetectionConfig, isAreaHull func(int64) bool) verdict {
	v := verdict{KillCount: len(kills)}
	if len(kills) == 0 {
		return v
	}

	victimOrgs := make(map[int64]struct{})
	var attackerSum int
	var orgs, ships []int64
	var minors int
	first, last := kills[0].KillTime, kills[0].KillTime
	for _, k := range kills {
		victimOrgs[k.VictimOrgID] = struct{}{}
		attackerSum += k.AttackerCount
		orgs = append(orgs, k.AttackerOrgIDs...)
		ships = append(ships, k.AttackerShipTypeIDs...)
		if k.IsMinorKill {
			minors++
		}
		if k.KillTime.Before(first) {
			first = k.KillTime
		}
		if k.KillTime.After(last) {
			last = k.KillTime
		}
	}

	v.DistinctVictimOrgs = len(victimOrgs)
	v.MeanAttackers = float64(attackerSum) / float64(len(kills))
	v.Asymmetric = v.MeanAttackers >= cfg.AsymmetryThreshold
	v.LastKillTime = last
	v.AttackerOrgs = models.Normalized(orgs)
	v.AttackerShips = models.Normalized(ships)

	v.IsCamp = v.DistinctVictimOrgs > 1 || v.Asymmetric
	if !v.IsCamp {
		return v
	}

	// Base factor: window volume.
	if len(kills) >= 5 {
		v.Score += 2
	} else {
		v.Score += 1
	}

	// Follow-up kills: pods and other minor hulls dying alongside full
	// hulls mean victims are being finished off, the signature of a held
	// gate.
	full := len(kills) - minors
	switch {
	case full == 0 && minors > 0:
		v.MinorRatioMet = true
	case full > 0:
		v.MinorRatioMet = float64(minors)/float64(full) >= cfg.MinorRatioThreshold
	}
	if v.MinorRatioMet {
		v.Score++
	}

	// Attacker consistency: the same organization appearing across most of
	// the window.
	v.TopOrgID, v.TopOrgShare = models.TopAttackerOrg(kills)
	if v.TopOrgShare >= cfg.ConsistencyThreshold {
		v.Score++
	}

	// Area-effect chain: an area-capable hull present, the whole burst
	// inside the chain window, and enough kills to rule out an accident.
	v.AreaChain = len(kills) >= 3 &&
		last.Sub(first) <= cfg.AreaWindow &&
		containsAreaHull(v.AttackerShips, isAreaHull)
	if v.AreaChain {
		v.Score++
	}

	if v.Asymmetric {
		v.Score++
	}

	v.Confidence = models.ConfidenceFromScore(v.Score)
	return v
}

func containsAreaHull(ships models.Int64List, isAreaHull func(int64) bool) bool {
	for _, s := range ships {
		if isAreaHull(s) {
			return true
		}
	}
	return false
}
