package ingest

import (
	"fmt"
	"time"

	"github.com/evetactical/gatewatch/pkg/esi"
	"github.com/evetactical/gatewatch/pkg/models"
	"github.com/evetactical/gatewatch/pkg/refdata"
)

// BuildKill assembles the closed kill record from a wire killmail and the
// queue envelope that referenced it. The appraised value rides on the ref;
// region, hull classification, and the solo flag are derived here so every
// consumer downstream reads one settled shape. Records that fail validation
// are returned as errors and never reach the store.
func BuildKill(km *esi.Killmail, ref models.KillRef, tables *refdata.Tables, now time.Time) (*models.Kill, error) {
	if km.KillmailID != ref.KillID {
		return nil, fmt.Errorf("killmail %d does not match ref %d", km.KillmailID, ref.KillID)
	}

	orgs := make([]int64, 0, len(km.Attackers))
	alliances := make([]int64, 0, len(km.Attackers))
	ships := make([]int64, 0, len(km.Attackers))
	factions := make([]int64, 0, len(km.Attackers))
	var finalBlowShip int64
	for _, a := range km.Attackers {
		if a.CorporationID != 0 {
			orgs = append(orgs, a.CorporationID)
		}
		if a.AllianceID != nil {
			alliances = append(alliances, *a.AllianceID)
		}
		if a.ShipTypeID != 0 {
			ships = append(ships, a.ShipTypeID)
		}
		if a.FactionID != nil {
			factions = append(factions, *a.FactionID)
		}
		if a.FinalBlow {
			finalBlowShip = a.ShipTypeID
		}
	}

	regionID, _ := tables.RegionOf(km.SolarSystemID)
	minor := tables.IsMinorKillShip(km.Victim.ShipTypeID)

	// Upstream clocks occasionally run a touch ahead; clamp so the
	// time-order invariant holds rather than dropping a real kill.
	ingestedAt := now.UTC()
	killTime := km.KillmailTime.UTC()
	if killTime.After(ingestedAt) {
		ingestedAt = killTime
	}

	kill := &models.Kill{
		KillID:              km.KillmailID,
		KillTime:            killTime,
		SystemID:            km.SolarSystemID,
		RegionID:            regionID,
		VictimCharacterID:   km.Victim.CharacterID,
		VictimOrgID:         km.Victim.CorporationID,
		VictimAllianceID:    km.Victim.AllianceID,
		VictimFactionID:     km.Victim.FactionID,
		VictimShipTypeID:    km.Victim.ShipTypeID,
		AttackerCount:       len(km.Attackers),
		AttackerOrgIDs:      models.Normalized(orgs),
		AttackerAllianceIDs: models.Normalized(alliances),
		AttackerShipTypeIDs: models.Normalized(ships),
		AttackerFactionIDs:  models.Normalized(factions),
		FinalBlowShipTypeID: finalBlowShip,
		WarID:               km.WarID,
		TotalValue:          ref.TotalValue,
		IsMinorKill:         minor,
		IngestedAt:          ingestedAt,
	}
	kill.Solo = kill.AttackerCount == 1 && !kill.IsMinorKill

	if err := kill.Validate(); err != nil {
		return nil, err
	}
	return kill, nil
}
