package battle

import "sort"

// Compile computes the full battle summary for a member set. It is a pure
// function of the records: no index, no clock, no side effects, so live
// clusters, finalized battles and custom battles all share it. Duplicate kill
// IDs are collapsed and input order does not matter.
func Compile(records []KillRecord, maxSides int) Summary {
	var out Summary
	if len(records) == 0 {
		return out
	}

	members := dedupeByKill(records)
	sort.SliceStable(members, func(i, j int) bool {
		if !members[i].Time.Equal(members[j].Time) {
			return members[i].Time.Before(members[j].Time)
		}
		return members[i].KillID < members[j].KillID
	})

	out.StartTime = members[0].Time
	out.EndTime = members[len(members)-1].Time
	out.Duration = out.EndTime.Sub(out.StartTime)
	out.KillCount = len(members)

	killsPerSystem := make(map[int64]int)
	seenSystem := make(map[int64]bool)
	corps := make(map[int64]bool)

	for _, k := range members {
		out.KillIDs = append(out.KillIDs, k.KillID)
		out.TotalValue += k.Victim.Value

		if !seenSystem[k.SystemID] {
			seenSystem[k.SystemID] = true
			out.Systems = append(out.Systems, SystemRef{SystemID: k.SystemID, RegionID: k.RegionID})
		}
		killsPerSystem[k.SystemID]++

		if k.Victim.CorporationID != 0 {
			corps[k.Victim.CorporationID] = true
		}
		for _, a := range k.Attackers {
			if a.CorporationID != 0 {
				corps[a.CorporationID] = true
			}
		}
	}

	// Primary system: most member kills, ties broken by earliest first
	// occurrence (Systems preserves first-touch order).
	best := out.Systems[0]
	for _, s := range out.Systems[1:] {
		if killsPerSystem[s.SystemID] > killsPerSystem[best.SystemID] {
			best = s
		}
	}
	out.PrimarySystemID = best.SystemID
	out.PrimaryRegionID = best.RegionID

	res := ResolveSides(members, maxSides)
	out.Sides = res.Sides
	out.Conflicts = res.Conflicts

	for c := range corps {
		out.Corporations = append(out.Corporations, c)
	}
	sort.Slice(out.Corporations, func(i, j int) bool { return out.Corporations[i] < out.Corporations[j] })

	return out
}

func dedupeByKill(records []KillRecord) []KillRecord {
	seen := make(map[int64]bool, len(records))
	out := make([]KillRecord, 0, len(records))
	for _, k := range records {
		if seen[k.KillID] {
			continue
		}
		seen[k.KillID] = true
		out = append(out, k)
	}
	return out
}
