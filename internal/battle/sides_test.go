package battle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kill(id int64, at time.Time, victimCorp int64, value float64, attackerCorps ...int64) KillRecord {
	k := KillRecord{
		KillID:   id,
		Time:     at,
		SystemID: 30000142,
		RegionID: 10000002,
		Victim: Victim{
			CharacterID:   id * 100,
			CorporationID: victimCorp,
			ShipTypeID:    587,
			Value:         value,
		},
	}
	for i, corp := range attackerCorps {
		k.Attackers = append(k.Attackers, Attacker{
			CharacterID:   id*1000 + int64(i),
			CorporationID: corp,
			FinalBlow:     i == 0,
		})
	}
	return k
}

func sideByEntity(t *testing.T, res SideResult, e Entity) Side {
	t.Helper()
	for _, s := range res.Sides {
		for _, got := range s.Entities {
			if got == e {
				return s
			}
		}
	}
	t.Fatalf("entity %d not in any side", e)
	return Side{}
}

func TestResolveSidesMutualKills(t *testing.T) {
	t0 := time.Date(2025, 11, 3, 20, 0, 0, 0, time.UTC)

	// X destroys Y, then Y destroys X in the same cluster.
	res := ResolveSides([]KillRecord{
		kill(1, t0, 200, 10, 100),
		kill(2, t0.Add(5*time.Minute), 100, 20, 200),
	}, DefaultMaxSides)

	require.Len(t, res.Sides, 2)
	x := sideByEntity(t, res, 100)
	y := sideByEntity(t, res, 200)
	assert.NotEqual(t, x.Label, y.Label)
	assert.Equal(t, 1, x.Kills)
	assert.Equal(t, 1, x.Losses)
	assert.Equal(t, 1, y.Kills)
	assert.Equal(t, 1, y.Losses)
	assert.Equal(t, float64(20), x.ValueLost)
	assert.Equal(t, float64(10), y.ValueLost)
	assert.Zero(t, res.Conflicts)
}

func TestResolveSidesVictimOpposesAttackers(t *testing.T) {
	t0 := time.Date(2025, 11, 3, 20, 0, 0, 0, time.UTC)

	// A three-member fleet destroys one victim: victim on its own side, the
	// whole fleet together on the other.
	res := ResolveSides([]KillRecord{
		kill(1, t0, 500, 150, 100, 101, 102),
	}, DefaultMaxSides)

	require.Len(t, res.Sides, 2)
	v := sideByEntity(t, res, 500)
	fleet := sideByEntity(t, res, 100)
	assert.NotEqual(t, v.Label, fleet.Label)
	assert.ElementsMatch(t, []Entity{100, 101, 102}, fleet.Entities)
	assert.Equal(t, 3, fleet.Kills)
	assert.Equal(t, 1, v.Losses)
}

func TestResolveSidesAllianceOverridesCorporation(t *testing.T) {
	t0 := time.Date(2025, 11, 3, 20, 0, 0, 0, time.UTC)

	// Two corporations in the same alliance resolve to one entity.
	k := KillRecord{
		KillID: 1, Time: t0, SystemID: 1, RegionID: 1,
		Victim: Victim{CharacterID: 1, CorporationID: 500, Value: 10},
		Attackers: []Attacker{
			{CharacterID: 2, CorporationID: 100, AllianceID: 9000},
			{CharacterID: 3, CorporationID: 101, AllianceID: 9000},
		},
	}
	res := ResolveSides([]KillRecord{k}, DefaultMaxSides)

	require.Len(t, res.Sides, 2)
	fleet := sideByEntity(t, res, 9000)
	assert.Equal(t, []Entity{9000}, fleet.Entities)
	assert.Equal(t, 1, fleet.Kills)
}

func TestResolveSidesConflictKeepsFirstAssignment(t *testing.T) {
	t0 := time.Date(2025, 11, 3, 20, 0, 0, 0, time.UTC)

	// Kill 1: W vs X -> W:A, X:B. Kill 2: Y destroyed by W -> Y reuses B.
	// Kill 3: X destroyed by Y, but both already sit on B: a contradiction
	// that must not move either entity.
	res := ResolveSides([]KillRecord{
		kill(1, t0, 700, 10, 100),
		kill(2, t0.Add(time.Minute), 800, 10, 700),
		kill(3, t0.Add(2*time.Minute), 100, 10, 800),
	}, DefaultMaxSides)

	assert.Equal(t, 1, res.Conflicts)
	x := sideByEntity(t, res, 100)
	y := sideByEntity(t, res, 800)
	assert.Equal(t, x.Label, y.Label)
}

func TestResolveSidesSelfAttackCountsLossOnly(t *testing.T) {
	t0 := time.Date(2025, 11, 3, 20, 0, 0, 0, time.UTC)

	// The victim's own entity appears among the attackers.
	k := KillRecord{
		KillID: 1, Time: t0, SystemID: 1, RegionID: 1,
		Victim: Victim{CharacterID: 1, CorporationID: 100, Value: 50},
		Attackers: []Attacker{
			{CharacterID: 2, CorporationID: 100},
			{CharacterID: 3, CorporationID: 200},
		},
	}
	res := ResolveSides([]KillRecord{k}, DefaultMaxSides)

	own := res.Stats[Entity(100)]
	assert.Equal(t, 1, own.Losses)
	assert.Equal(t, 0, own.Kills)
	assert.Equal(t, float64(50), own.ValueLost)
	assert.Equal(t, 1, res.Stats[Entity(200)].Kills)
}

func TestResolveSidesLabelCapRoutesToMixed(t *testing.T) {
	t0 := time.Date(2025, 11, 3, 20, 0, 0, 0, time.UTC)

	// Four unrelated skirmishes with a cap of two labels: everything after
	// the first pair lands on the overflow label.
	var records []KillRecord
	for i := int64(0); i < 4; i++ {
		records = append(records, kill(i+1, t0.Add(time.Duration(i)*time.Minute), 1000+i, 10, 2000+i))
	}
	res := ResolveSides(records, 2)

	var mixed *Side
	for i := range res.Sides {
		if res.Sides[i].Label == OverflowLabel {
			mixed = &res.Sides[i]
		}
	}
	require.NotNil(t, mixed)
	assert.GreaterOrEqual(t, len(mixed.Entities), 4)
	for _, s := range res.Sides {
		assert.Contains(t, []string{"A", "B", OverflowLabel}, s.Label)
	}
}

func TestResolveSidesMostKillsFirst(t *testing.T) {
	t0 := time.Date(2025, 11, 3, 20, 0, 0, 0, time.UTC)

	// Entity 100 scores two kills, entity 200 one.
	res := ResolveSides([]KillRecord{
		kill(1, t0, 200, 10, 100),
		kill(2, t0.Add(time.Minute), 100, 10, 200),
		kill(3, t0.Add(2*time.Minute), 200, 10, 100),
	}, DefaultMaxSides)

	require.Len(t, res.Sides, 2)
	assert.Equal(t, []Entity{100}, res.Sides[0].Entities)
	assert.Equal(t, 2, res.Sides[0].Kills)
}
