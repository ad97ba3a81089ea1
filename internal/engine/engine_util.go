package engine

func NewCombatState() CombatState {
	return CombatState{Entries: []InitiativeEntry{}}
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

// ActiveEntryID is a convenience for broadcasts; empty when nobody is up.
func ActiveEntryID(s CombatState) string {
	if idx := ActiveIndex(s); idx >= 0 {
		return s.Entries[idx].ID
	}
	return ""
}
