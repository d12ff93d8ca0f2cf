package battle

import "sort"

// DefaultMaxSides caps distinct side labels before overflow routing.
const DefaultMaxSides = 6

// MaxSideLabels is the largest usable side cap; ResolveSides has no label
// names past it, so configuration must not exceed it.
const MaxSideLabels = 8

// OverflowLabel receives entities once the label cap is reached.
const OverflowLabel = "Mixed"

var labelNames = [MaxSideLabels]string{"A", "B", "C", "D", "E", "F", "G", "H"}

// SideResult is the output of ResolveSides.
type SideResult struct {
	Sides     []Side
	Stats     map[Entity]EntityStats
	Conflicts int
}

// ResolveSides partitions the participant entities of a member set into
// opposing sides. The pass is greedy and single-sweep in time order:
// assignments are first-seen-wins, later contradictions are counted but never
// override an earlier label. Records must be chronologically ordered; Compile
// sorts before calling.
func ResolveSides(records []KillRecord, maxSides int) SideResult {
	if maxSides <= 0 {
		maxSides = DefaultMaxSides
	}
	if maxSides > len(labelNames) {
		maxSides = len(labelNames)
	}

	sideOf := make(map[Entity]string)
	stats := make(map[Entity]EntityStats)
	var labels []string
	conflicts := 0

	newLabel := func() string {
		if len(labels) >= maxSides {
			if len(labels) == 0 || labels[len(labels)-1] != OverflowLabel {
				labels = append(labels, OverflowLabel)
			}
			return OverflowLabel
		}
		l := labelNames[len(labels)]
		labels = append(labels, l)
		return l
	}

	for _, k := range records {
		v := k.Victim.Entity()

		// Attacker entities, distinct, delivery order. An entity attacking
		// itself is skipped for side assignment but the loss still counts.
		var attackers []Entity
		seen := make(map[Entity]bool, len(k.Attackers))
		for _, a := range k.Attackers {
			e := a.Entity()
			if e == 0 || e == v || seen[e] {
				continue
			}
			seen[e] = true
			attackers = append(attackers, e)
		}

		if v != 0 {
			if _, ok := sideOf[v]; !ok {
				sideOf[v] = victimLabel(sideOf, labels, attackers, newLabel)
			}
			s := stats[v]
			s.Losses++
			s.ValueLost += k.Victim.Value
			stats[v] = s
		}

		for _, a := range attackers {
			if have, ok := sideOf[a]; ok {
				if v != 0 && have == sideOf[v] {
					conflicts++
				}
			} else {
				sideOf[a] = attackerLabel(sideOf, v, attackers, a, newLabel)
			}
			s := stats[a]
			s.Kills++
			stats[a] = s
		}
	}

	return SideResult{
		Sides:     groupSides(sideOf, stats, labels),
		Stats:     stats,
		Conflicts: conflicts,
	}
}

// victimLabel picks a label for an unassigned victim: any existing label not
// held by an already-assigned attacker on this kill, else a fresh one.
func victimLabel(sideOf map[Entity]string, labels []string, attackers []Entity, newLabel func() string) string {
	taken := make(map[string]bool)
	any := false
	for _, a := range attackers {
		if l, ok := sideOf[a]; ok {
			taken[l] = true
			any = true
		}
	}
	if !any {
		return newLabel()
	}
	for _, l := range labels {
		if !taken[l] {
			return l
		}
	}
	return newLabel()
}

// attackerLabel picks a label for an unassigned attacker: a label already
// held by a co-attacker on this kill when one differs from the victim's side,
// else a fresh one.
func attackerLabel(sideOf map[Entity]string, v Entity, attackers []Entity, self Entity, newLabel func() string) string {
	victimSide := ""
	if v != 0 {
		victimSide = sideOf[v]
	}
	for _, other := range attackers {
		if other == self {
			continue
		}
		if l, ok := sideOf[other]; ok && l != victimSide {
			return l
		}
	}
	return newLabel()
}

func groupSides(sideOf map[Entity]string, stats map[Entity]EntityStats, labels []string) []Side {
	byLabel := make(map[string]*Side, len(labels))
	for _, l := range labels {
		byLabel[l] = &Side{Label: l}
	}
	for e, l := range sideOf {
		s := byLabel[l]
		s.Entities = append(s.Entities, e)
		st := stats[e]
		s.Kills += st.Kills
		s.Losses += st.Losses
		s.ValueLost += st.ValueLost
	}

	var sides []Side
	for _, l := range labels {
		s := byLabel[l]
		if len(s.Entities) == 0 {
			continue
		}
		sort.Slice(s.Entities, func(i, j int) bool { return s.Entities[i] < s.Entities[j] })
		sides = append(sides, *s)
	}
	// Most kills first; label order breaks ties so output is stable.
	sort.SliceStable(sides, func(i, j int) bool { return sides[i].Kills > sides[j].Kills })
	return sides
}
