package battle

import (
	"time"

	"github.com/google/uuid"
)

// Entity is the side-resolution unit: the alliance ID when the pilot flies
// under one, otherwise the corporation ID. Zero means unattributable and is
// never assigned to a side.
type Entity int64

// Victim holds the destroyed party of a kill record.
type Victim struct {
	CharacterID   int64
	CorporationID int64
	AllianceID    int64
	ShipTypeID    int64
	Value         float64
}

// Entity returns the victim's participant entity.
func (v Victim) Entity() Entity {
	if v.AllianceID != 0 {
		return Entity(v.AllianceID)
	}
	return Entity(v.CorporationID)
}

// Attacker holds one attacking party of a kill record.
type Attacker struct {
	CharacterID   int64
	CorporationID int64
	AllianceID    int64
	ShipTypeID    int64
	FinalBlow     bool
}

// Entity returns the attacker's participant entity.
func (a Attacker) Entity() Entity {
	if a.AllianceID != 0 {
		return Entity(a.AllianceID)
	}
	return Entity(a.CorporationID)
}

// KillRecord is one canonical, immutable kill as delivered by the killmail
// pipeline. Attackers keep their delivery order.
type KillRecord struct {
	KillID    int64
	Time      time.Time
	SystemID  int64
	RegionID  int64
	Victim    Victim
	Attackers []Attacker
}

// HasPlayer reports whether any party on the kill is player-controlled.
// NPC victims and attackers carry no character ID.
func (k KillRecord) HasPlayer() bool {
	if k.Victim.CharacterID != 0 {
		return true
	}
	for _, a := range k.Attackers {
		if a.CharacterID != 0 {
			return true
		}
	}
	return false
}

// Entities returns the distinct participant entities on the kill, victim
// first, attackers in delivery order. Zero entities are omitted.
func (k KillRecord) Entities() []Entity {
	seen := make(map[Entity]bool, len(k.Attackers)+1)
	var out []Entity
	if e := k.Victim.Entity(); e != 0 {
		seen[e] = true
		out = append(out, e)
	}
	for _, a := range k.Attackers {
		e := a.Entity()
		if e == 0 || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}

// SystemRef pairs a solar system with its region.
type SystemRef struct {
	SystemID int64
	RegionID int64
}

// EntityStats accumulates per-entity attribution across a member set.
type EntityStats struct {
	Kills     int
	Losses    int
	ValueLost float64
}

// Side is one resolved grouping of mutually allied participant entities.
// Labels are tags, not semantic attacker/defender designations.
type Side struct {
	Label     string   `json:"label"`
	Entities  []Entity `json:"entities"`
	Kills     int      `json:"kills"`
	Losses    int      `json:"losses"`
	ValueLost float64  `json:"value_lost"`
}

// Summary is a fully compiled battle: the same shape serves live clusters,
// finalized battles and custom (user-curated) battles.
type Summary struct {
	BattleID        uuid.UUID
	Custom          bool
	Systems         []SystemRef
	StartTime       time.Time
	EndTime         time.Time
	Duration        time.Duration
	KillIDs         []int64
	KillCount       int
	TotalValue      float64
	PrimarySystemID int64
	PrimaryRegionID int64
	Sides           []Side
	Corporations    []int64
	Conflicts       int
	MissingKills    []int64
}
