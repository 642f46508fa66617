// Package watch classifies kills against the loaded watchlist profiles.
// Profiles compile into hashed lookup sets once per reload, so the per-kill
// path is allocation-light and never touches configuration parsing.
package watch

import (
	"log/slog"
	"sync/atomic"

	"github.com/evetactical/gatewatch/pkg/config"
	"github.com/evetactical/gatewatch/pkg/models"
)

// Evaluator matches kills to profile triggers. Classify runs on the ingest
// fan-out path; Reload swaps the compiled snapshot atomically so a reload
// never blocks classification.
type Evaluator struct {
	snap   atomic.Pointer[snapshot]
	logger *slog.Logger
}

type snapshot struct {
	profiles []*compiledProfile
}

type compiledProfile struct {
	name      string
	triggers  config.TriggerSet
	orgs      map[int64]struct{}
	alliances map[int64]struct{}
	regions   map[int64]struct{}
	factions  map[int64]struct{}
}

// NewEvaluator builds an evaluator with no profiles loaded.
func NewEvaluator(logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Evaluator{logger: logger.With("component", "watchlist")}
	e.snap.Store(&snapshot{})
	return e
}

// Reload replaces the compiled profile set.
func (e *Evaluator) Reload(profiles []*config.Profile) {
	compiled := make([]*compiledProfile, 0, len(profiles))
	for _, p := range profiles {
		if !p.Enabled {
			continue
		}
		compiled = append(compiled, compileProfile(p))
	}
	e.snap.Store(&snapshot{profiles: compiled})
	e.logger.Info("watchlist profiles compiled", "profiles", len(compiled))
}

// ProfileCount returns the number of active compiled profiles.
func (e *Evaluator) ProfileCount() int {
	return len(e.snap.Load().profiles)
}

// Classify returns every (profile, trigger) pair the kill satisfies, in
// profile load order. Camp findings are routed separately; this covers only
// the per-kill triggers.
func (e *Evaluator) Classify(kill *models.Kill) []models.Match {
	var matches []models.Match
	for _, p := range e.snap.Load().profiles {
		matches = p.classify(kill, matches)
	}
	return matches
}

func compileProfile(p *config.Profile) *compiledProfile {
	return &compiledProfile{
		name:      p.Name,
		triggers:  p.Triggers,
		orgs:      toSet(p.WatchedOrgs),
		alliances: toSet(p.WatchedAlliances),
		regions:   toSet(p.LocationScope),
		factions:  toSet(p.Triggers.NPCFactionKill.FactionIDs),
	}
}

func toSet(ids []int64) map[int64]struct{} {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func (p *compiledProfile) classify(kill *models.Kill, matches []models.Match) []models.Match {
	add := func(trigger models.TriggerKind) {
		matches = append(matches, models.Match{ProfileID: p.name, Trigger: trigger})
	}

	if p.triggers.WatchlistActivity && p.watchlistHit(kill) {
		add(models.TriggerWatchlistActivity)
	}
	if t := p.triggers.HighValueThreshold; t > 0 && kill.TotalValue >= float64(t) {
		add(models.TriggerHighValue)
	}
	if p.triggers.LocationScope && p.inScope(kill.RegionID) {
		add(models.TriggerLocationScope)
	}
	if p.triggers.WarActivity && kill.WarID != nil {
		add(models.TriggerWarActivity)
	}
	if p.npcFactionHit(kill) {
		add(models.TriggerNPCFactionKill)
	}
	return matches
}

// watchlistHit reports whether a watched org or alliance appears on either
// side of the kill.
func (p *compiledProfile) watchlistHit(kill *models.Kill) bool {
	if len(p.orgs) == 0 && len(p.alliances) == 0 {
		return false
	}
	if _, ok := p.orgs[kill.VictimOrgID]; ok {
		return true
	}
	if kill.VictimAllianceID != nil {
		if _, ok := p.alliances[*kill.VictimAllianceID]; ok {
			return true
		}
	}
	for _, org := range kill.AttackerOrgIDs {
		if _, ok := p.orgs[org]; ok {
			return true
		}
	}
	for _, alliance := range kill.AttackerAllianceIDs {
		if _, ok := p.alliances[alliance]; ok {
			return true
		}
	}
	return false
}

func (p *compiledProfile) inScope(regionID int64) bool {
	if len(p.regions) == 0 {
		return false
	}
	_, ok := p.regions[regionID]
	return ok
}

// npcFactionHit applies the NPC faction trigger. With require_victim the
// victim itself must belong to a configured faction (a faction loss);
// otherwise any attacker from one suffices. An empty faction list matches
// any faction.
func (p *compiledProfile) npcFactionHit(kill *models.Kill) bool {
	t := p.triggers.NPCFactionKill
	if !t.Enabled {
		return false
	}
	if t.RequireVictim {
		return kill.VictimFactionID != nil && p.factionMatch(*kill.VictimFactionID)
	}
	for _, faction := range kill.AttackerFactionIDs {
		if p.factionMatch(faction) {
			return true
		}
	}
	return false
}

func (p *compiledProfile) factionMatch(factionID int64) bool {
	if len(p.factions) == 0 {
		return true
	}
	_, ok := p.factions[factionID]
	return ok
}
