// Package refdata provides the read-only game lookup tables the pipeline
// consumes by ID: system-to-region mapping, area-effect platform hulls, and
// pod-equivalent hulls. Tables are immutable after load; building them from
// the game's static data export happens outside this process.
package refdata

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

//go:embed data/tables.json
var embeddedFS embed.FS

// Tables holds the loaded lookup tables. Safe for concurrent use.
type Tables struct {
	regionBySystem map[int64]int64
	areaEffect     map[int64]struct{}
	minorKill      map[int64]struct{}
}

type tablesFile struct {
	Systems               map[string]int64 `json:"systems"`
	AreaEffectShipTypeIDs []int64          `json:"area_effect_ship_type_ids"`
	MinorKillShipTypeIDs  []int64          `json:"minor_kill_ship_type_ids"`
}

// Load returns the tables embedded in the binary.
func Load() (*Tables, error) {
	raw, err := embeddedFS.ReadFile("data/tables.json")
	if err != nil {
		return nil, fmt.Errorf("reading embedded tables: %w", err)
	}
	return parse(raw)
}

// LoadFile returns tables from an external export, overriding the embedded
// copy. Used when an installation carries newer game metadata than the build.
func LoadFile(path string) (*Tables, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tables file %s: %w", path, err)
	}
	t, err := parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing tables file %s: %w", path, err)
	}
	return t, nil
}

func parse(raw []byte) (*Tables, error) {
	var f tablesFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decoding tables: %w", err)
	}
	if len(f.Systems) == 0 {
		return nil, fmt.Errorf("tables contain no systems")
	}

	t := &Tables{
		regionBySystem: make(map[int64]int64, len(f.Systems)),
		areaEffect:     make(map[int64]struct{}, len(f.AreaEffectShipTypeIDs)),
		minorKill:      make(map[int64]struct{}, len(f.MinorKillShipTypeIDs)),
	}
	for sys, region := range f.Systems {
		id, err := strconv.ParseInt(sys, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid system id %q: %w", sys, err)
		}
		t.regionBySystem[id] = region
	}
	for _, id := range f.AreaEffectShipTypeIDs {
		t.areaEffect[id] = struct{}{}
	}
	for _, id := range f.MinorKillShipTypeIDs {
		t.minorKill[id] = struct{}{}
	}
	return t, nil
}

// RegionOf returns the region containing the system. Unknown systems return
// (0, false); callers treat those as out of every location scope.
func (t *Tables) RegionOf(systemID int64) (int64, bool) {
	region, ok := t.regionBySystem[systemID]
	return region, ok
}

// IsAreaEffectPlatform reports whether the hull can deal simultaneous area
// damage. Drives the chain-attack sub-case in detection.
func (t *Tables) IsAreaEffectPlatform(shipTypeID int64) bool {
	_, ok := t.areaEffect[shipTypeID]
	return ok
}

// IsMinorKillShip reports whether the hull is a pod-equivalent secondary
// target.
func (t *Tables) IsMinorKillShip(shipTypeID int64) bool {
	_, ok := t.minorKill[shipTypeID]
	return ok
}

// SystemCount returns the number of mapped systems, for startup logging.
func (t *Tables) SystemCount() int {
	return len(t.regionBySystem)
}
