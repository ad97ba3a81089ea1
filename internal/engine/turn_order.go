package engine

import (
	"slices"
	"sort"
)

// insertInOrder places entry after every entry whose initiative is greater
// than or equal to its own, so the first entry seen at a given value keeps
// its turn ahead of later ties.
func insertInOrder(entries []InitiativeEntry, entry InitiativeEntry) []InitiativeEntry {
	pos := len(entries)
	for i, e := range entries {
		if e.Initiative < entry.Initiative {
			pos = i
			break
		}
	}
	return slices.Insert(entries, pos, entry)
}

// sortTurnOrder re-sorts after an initiative value changes. The sort is
// stable, so ties keep their existing relative order.
func sortTurnOrder(entries []InitiativeEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Initiative > entries[j].Initiative
	})
}
