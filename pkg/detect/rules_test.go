package detect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/evetactical/gatewatch/pkg/config"
	"github.com/evetactical/gatewatch/pkg/models"
)

var windowStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// areaHulls mirrors the smartbomb-capable battleship set used in lookups.
func areaHulls(shipTypeID int64) bool {
	return shipTypeID == 24690 || shipTypeID == 638
}

type killSpec struct {
	victimOrg    int64
	offset       time.Duration
	attackerOrgs []int64
	attackers    int
	ships        []int64
	minor        bool
}

func buildWindow(specs []killSpec) []*models.Kill {
	kills := make([]*models.Kill, 0, len(specs))
	for i, s := range specs {
		at := windowStart.Add(s.offset)
		kills = append(kills, &models.Kill{
			KillID:              int64(1000 + i),
			KillTime:            at,
			SystemID:            30002813,
			VictimOrgID:         s.victimOrg,
			VictimShipTypeID:    602,
			AttackerCount:       s.attackers,
			AttackerOrgIDs:      models.Normalized(s.attackerOrgs),
			AttackerShipTypeIDs: models.Normalized(s.ships),
			IsMinorKill:         s.minor,
			IngestedAt:          at,
		})
	}
	return kills
}

func defaultDetection() *config.DetectionConfig {
	return &config.DetectionConfig{
		Window:               600 * time.Second,
		MinKills:             3,
		AreaWindow:           60 * time.Second,
		AsymmetryThreshold:   5,
		ConsistencyThreshold: 0.70,
		MinorRatioThreshold:  0.5,
	}
}

func TestEvaluateWindow(t *testing.T) {
	camper := []int64{98000010}

	tests := []struct {
		name       string
		specs      []killSpec
		wantCamp   bool
		wantScore  int
		wantConf   models.Confidence
		wantArea   bool
		wantAsym   bool
		wantMinors bool
	}{
		{
			name: "brawl between two orgs is not a camp",
			specs: []killSpec{
				{victimOrg: 1, offset: 0, attackerOrgs: []int64{2}, attackers: 2, ships: []int64{11999}},
				{victimOrg: 1, offset: 2 * time.Minute, attackerOrgs: []int64{2}, attackers: 3, ships: []int64{11999}},
				{victimOrg: 1, offset: 4 * time.Minute, attackerOrgs: []int64{2}, attackers: 2, ships: []int64{11999}},
			},
			wantCamp: false,
		},
		{
			name: "three victims from two orgs with one consistent attacker",
			specs: []killSpec{
				{victimOrg: 1, offset: 0, attackerOrgs: camper, attackers: 3, ships: []int64{11999}},
				{victimOrg: 2, offset: 3 * time.Minute, attackerOrgs: camper, attackers: 3, ships: []int64{11999}},
				{victimOrg: 2, offset: 6 * time.Minute, attackerOrgs: camper, attackers: 2, ships: []int64{11999}, minor: true},
			},
			// volume 1 + minor ratio 1 + consistency 1
			wantCamp:   true,
			wantScore:  3,
			wantConf:   models.ConfidenceMedium,
			wantMinors: true,
		},
		{
			name: "five kill window grades high",
			specs: []killSpec{
				{victimOrg: 1, offset: 0, attackerOrgs: camper, attackers: 4, ships: []int64{11999}},
				{victimOrg: 2, offset: time.Minute, attackerOrgs: camper, attackers: 4, ships: []int64{11999}},
				{victimOrg: 3, offset: 2 * time.Minute, attackerOrgs: camper, attackers: 4, ships: []int64{11999}},
				{victimOrg: 1, offset: 3 * time.Minute, attackerOrgs: camper, attackers: 4, ships: []int64{11999}, minor: true},
				{victimOrg: 2, offset: 4 * time.Minute, attackerOrgs: camper, attackers: 4, ships: []int64{11999}, minor: true},
			},
			// volume 2 + minor ratio (2/3 >= 0.5) 1 + consistency 1
			wantCamp:   true,
			wantScore:  4,
			wantConf:   models.ConfidenceHigh,
			wantMinors: true,
		},
		{
			name: "single victim org but heavily one-sided",
			specs: []killSpec{
				{victimOrg: 1, offset: 0, attackerOrgs: []int64{2, 3, 4}, attackers: 8, ships: []int64{11999}},
				{victimOrg: 1, offset: 2 * time.Minute, attackerOrgs: []int64{2, 3}, attackers: 6, ships: []int64{11999}},
				{victimOrg: 1, offset: 4 * time.Minute, attackerOrgs: []int64{2}, attackers: 7, ships: []int64{11999}},
			},
			// volume 1 + consistency (org 2 in 3/3) 1 + asymmetry 1
			wantCamp:  true,
			wantScore: 3,
			wantConf:  models.ConfidenceMedium,
			wantAsym:  true,
		},
		{
			name: "area chain inside the burst window",
			specs: []killSpec{
				{victimOrg: 1, offset: 0, attackerOrgs: camper, attackers: 1, ships: []int64{24690}},
				{victimOrg: 2, offset: 20 * time.Second, attackerOrgs: camper, attackers: 1, ships: []int64{24690}},
				{victimOrg: 3, offset: 40 * time.Second, attackerOrgs: camper, attackers: 1, ships: []int64{24690}},
			},
			// volume 1 + consistency 1 + area chain 1
			wantCamp:  true,
			wantScore: 3,
			wantConf:  models.ConfidenceMedium,
			wantArea:  true,
		},
		{
			name: "area hull present but burst too slow",
			specs: []killSpec{
				{victimOrg: 1, offset: 0, attackerOrgs: camper, attackers: 1, ships: []int64{24690}},
				{victimOrg: 2, offset: 2 * time.Minute, attackerOrgs: camper, attackers: 1, ships: []int64{24690}},
				{victimOrg: 3, offset: 4 * time.Minute, attackerOrgs: camper, attackers: 1, ships: []int64{24690}},
			},
			// volume 1 + consistency 1
			wantCamp:  true,
			wantScore: 2,
			wantConf:  models.ConfidenceMedium,
		},
		{
			name: "all minor kills still meet the follow-up factor",
			specs: []killSpec{
				{victimOrg: 1, offset: 0, attackerOrgs: camper, attackers: 2, ships: []int64{11999}, minor: true},
				{victimOrg: 2, offset: time.Minute, attackerOrgs: camper, attackers: 2, ships: []int64{11999}, minor: true},
				{victimOrg: 3, offset: 2 * time.Minute, attackerOrgs: camper, attackers: 2, ships: []int64{11999}, minor: true},
			},
			// volume 1 + minor ratio 1 + consistency 1
			wantCamp:   true,
			wantScore:  3,
			wantConf:   models.ConfidenceMedium,
			wantMinors: true,
		},
		{
			name: "inconsistent attackers score low",
			specs: []killSpec{
				{victimOrg: 1, offset: 0, attackerOrgs: []int64{10}, attackers: 2, ships: []int64{11999}},
				{victimOrg: 2, offset: 3 * time.Minute, attackerOrgs: []int64{11}, attackers: 2, ships: []int64{11999}},
				{victimOrg: 3, offset: 6 * time.Minute, attackerOrgs: []int64{12}, attackers: 2, ships: []int64{11999}},
			},
			// volume 1 only: top org share 1/3 < 0.7, no minors, no area, no asymmetry
			wantCamp:  true,
			wantScore: 1,
			wantConf:  models.ConfidenceLow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := evaluateWindow(buildWindow(tt.specs), defaultDetection(), areaHulls)
			assert.Equal(t, tt.wantCamp, v.IsCamp)
			if !tt.wantCamp {
				return
			}
			assert.Equal(t, tt.wantScore, v.Score, "factors: minors=%v area=%v asym=%v share=%.2f",
				v.MinorRatioMet, v.AreaChain, v.Asymmetric, v.TopOrgShare)
			assert.Equal(t, tt.wantConf, v.Confidence)
			assert.Equal(t, tt.wantArea, v.AreaChain)
			assert.Equal(t, tt.wantAsym, v.Asymmetric)
			assert.Equal(t, tt.wantMinors, v.MinorRatioMet)
		})
	}
}

func TestEvaluateWindowDetails(t *testing.T) {
	specs := []killSpec{
		{victimOrg: 1, offset: 0, attackerOrgs: []int64{5, 6}, attackers: 4, ships: []int64{11999, 24690}},
		{victimOrg: 2, offset: time.Minute, attackerOrgs: []int64{5}, attackers: 2, ships: []int64{11999}},
		{victimOrg: 2, offset: 2 * time.Minute, attackerOrgs: []int64{5, 7}, attackers: 3, ships: []int64{641}},
	}
	v := evaluateWindow(buildWindow(specs), defaultDetection(), areaHulls)

	assert.Equal(t, 3, v.KillCount)
	assert.Equal(t, 2, v.DistinctVictimOrgs)
	assert.InDelta(t, 3.0, v.MeanAttackers, 0.001)
	assert.Equal(t, int64(5), v.TopOrgID)
	assert.InDelta(t, 1.0, v.TopOrgShare, 0.001)
	assert.Equal(t, models.Int64List{5, 6, 7}, v.AttackerOrgs)
	assert.Equal(t, models.Int64List{641, 11999, 24690}, v.AttackerShips)
	assert.Equal(t, windowStart.Add(2*time.Minute), v.LastKillTime)
}

func TestEvaluateWindowEmpty(t *testing.T) {
	v := evaluateWindow(nil, defaultDetection(), areaHulls)
	assert.False(t, v.IsCamp)
	assert.Zero(t, v.KillCount)
}
