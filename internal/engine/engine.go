package engine

import (
	"encoding/json"
	"errors"
	"slices"
)

var ErrNoInitiative = errors.New("no initiative entries")
var ErrNotInCombat = errors.New("combat has not started")
var ErrEntryNotFound = errors.New("initiative entry not found")
var ErrDuplicateEntry = errors.New("initiative entry already exists")
var ErrUnsupportedCommand = errors.New("unsupported command")

type HitPoints struct {
	Current int `json:"current"`
	Max     int `json:"max" validate:"min=0"`
}

type InitiativeEntry struct {
	ID           string          `json:"id"`
	Name         string          `json:"name" validate:"max=64"`
	Initiative   int             `json:"initiative" validate:"min=-50,max=100"`
	IsNPC        bool            `json:"isNpc"`
	IsActive     bool            `json:"isActive"`
	TokenID      string          `json:"tokenId,omitempty"`
	PlayerID     string          `json:"playerId,omitempty"`
	HP           *HitPoints      `json:"hp,omitempty"`
	Conditions   []string        `json:"conditions,omitempty" validate:"max=20,dive,max=32"`
	MonsterStats json.RawMessage `json:"monsterStats,omitempty"`
}

// InitiativeUpdate carries only the fields a caller wants changed.
type InitiativeUpdate struct {
	Name       *string    `json:"name" validate:"omitempty,max=64"`
	Initiative *int       `json:"initiative" validate:"omitempty,min=-50,max=100"`
	HP         *HitPoints `json:"hp"`
	Conditions *[]string  `json:"conditions"`
	TokenID    *string    `json:"tokenId"`
}

// CombatState is the initiative list plus the combat flag. Entries are kept
// in turn order at all times: descending initiative, ties in insertion order.
type CombatState struct {
	Entries  []InitiativeEntry
	InCombat bool
}

type CommandType string

const (
	CmdAddInitiative    CommandType = "AddInitiative"
	CmdUpdateInitiative CommandType = "UpdateInitiative"
	CmdRemoveInitiative CommandType = "RemoveInitiative"
	CmdStartCombat      CommandType = "StartCombat"
	CmdNextTurn         CommandType = "NextTurn"
	CmdEndCombat        CommandType = "EndCombat"
	CmdUnlinkToken      CommandType = "UnlinkToken"
)

/*
	CmdAddInitiative    -> EvtInitiativeAdded (a player's re-roll replaces their previous entry)
	CmdUpdateInitiative -> EvtInitiativeUpdated -> EvtCreatureDefeated when a linked NPC drops to 0 HP
	CmdRemoveInitiative -> EvtInitiativeRemoved -> EvtTurnAdvanced if the active entry was removed
	CmdStartCombat      -> EvtCombatStarted (top of the order becomes active)
	CmdNextTurn         -> EvtTurnAdvanced (wraps; 0 HP entries are not skipped)
	CmdEndCombat        -> EvtCombatEnded (entries kept, active flags cleared)
	CmdUnlinkToken      -> EvtInitiativeUpdated for every entry that pointed at the token
*/

type Command struct {
	Type    CommandType
	Entry   InitiativeEntry
	EntryID string
	TokenID string
	Update  InitiativeUpdate
}

type EventType string

const (
	EvtInitiativeAdded   EventType = "InitiativeAdded"
	EvtInitiativeUpdated EventType = "InitiativeUpdated"
	EvtInitiativeRemoved EventType = "InitiativeRemoved"
	EvtCombatStarted     EventType = "CombatStarted"
	EvtTurnAdvanced      EventType = "TurnAdvanced"
	EvtCombatEnded       EventType = "CombatEnded"
	EvtCreatureDefeated  EventType = "CreatureDefeated"
)

type Event struct {
	Type    EventType
	EntryID string
	TokenID string
}

// Apply runs one combat command against s. The input state is never
// modified; the returned state is a fresh copy.
func Apply(s CombatState, cmd Command) ([]Event, CombatState, error) {
	newState := CombatState{Entries: cloneEntries(s.Entries), InCombat: s.InCombat}

	switch cmd.Type {
	case CmdAddInitiative:
		entry := cmd.Entry
		if entry.ID == "" {
			return nil, s, ErrEntryNotFound
		}
		if indexOf(newState.Entries, entry.ID) >= 0 {
			return nil, s, ErrDuplicateEntry
		}

		wasActive := false
		if entry.PlayerID != "" {
			if idx := slices.IndexFunc(newState.Entries, func(e InitiativeEntry) bool {
				return e.PlayerID == entry.PlayerID
			}); idx >= 0 {
				wasActive = newState.Entries[idx].IsActive
				newState.Entries = slices.Delete(newState.Entries, idx, idx+1)
			}
		}

		entry.IsActive = wasActive && newState.InCombat
		newState.Entries = insertInOrder(newState.Entries, entry)
		return []Event{{Type: EvtInitiativeAdded, EntryID: entry.ID}}, newState, nil

	case CmdUpdateInitiative:
		idx := indexOf(newState.Entries, cmd.EntryID)
		if idx < 0 {
			return nil, s, ErrEntryNotFound
		}

		entry := newState.Entries[idx]
		events := []Event{{Type: EvtInitiativeUpdated, EntryID: entry.ID}}

		u := cmd.Update
		if u.Name != nil {
			entry.Name = *u.Name
		}
		if u.Conditions != nil {
			entry.Conditions = slices.Clone(*u.Conditions)
		}
		if u.TokenID != nil {
			entry.TokenID = *u.TokenID
		}
		if u.HP != nil {
			hp := *u.HP
			if hp.Current < 0 {
				hp.Current = 0
			}
			entry.HP = &hp

			// A defeated monster loses its token; players keep theirs.
			if hp.Current == 0 && entry.IsNPC && entry.TokenID != "" {
				events = append(events, Event{Type: EvtCreatureDefeated, EntryID: entry.ID, TokenID: entry.TokenID})
				entry.TokenID = ""
			}
		}
		newState.Entries[idx] = entry

		if u.Initiative != nil && *u.Initiative != entry.Initiative {
			newState.Entries[idx].Initiative = *u.Initiative
			sortTurnOrder(newState.Entries)
		}
		return events, newState, nil

	case CmdRemoveInitiative:
		idx := indexOf(newState.Entries, cmd.EntryID)
		if idx < 0 {
			return nil, s, ErrEntryNotFound
		}

		removed := newState.Entries[idx]
		newState.Entries = slices.Delete(newState.Entries, idx, idx+1)
		events := []Event{{Type: EvtInitiativeRemoved, EntryID: removed.ID}}

		if removed.IsActive && newState.InCombat {
			if len(newState.Entries) == 0 {
				newState.InCombat = false
				return append(events, Event{Type: EvtCombatEnded}), newState, nil
			}
			// The entry that slid into the removed slot takes the turn.
			next := idx % len(newState.Entries)
			newState.Entries[next].IsActive = true
			events = append(events, Event{Type: EvtTurnAdvanced, EntryID: newState.Entries[next].ID})
		}
		return events, newState, nil

	case CmdStartCombat:
		if len(newState.Entries) == 0 {
			return nil, s, ErrNoInitiative
		}
		clearActive(newState.Entries)
		newState.Entries[0].IsActive = true
		newState.InCombat = true
		return []Event{{Type: EvtCombatStarted, EntryID: newState.Entries[0].ID}}, newState, nil

	case CmdNextTurn:
		if !newState.InCombat {
			return nil, s, ErrNotInCombat
		}
		if len(newState.Entries) == 0 {
			return nil, s, ErrNoInitiative
		}

		next := 0
		if cur := ActiveIndex(newState); cur >= 0 {
			newState.Entries[cur].IsActive = false
			next = (cur + 1) % len(newState.Entries)
		}
		newState.Entries[next].IsActive = true
		return []Event{{Type: EvtTurnAdvanced, EntryID: newState.Entries[next].ID}}, newState, nil

	case CmdEndCombat:
		if !newState.InCombat {
			return nil, s, ErrNotInCombat
		}
		clearActive(newState.Entries)
		newState.InCombat = false
		return []Event{{Type: EvtCombatEnded}}, newState, nil

	case CmdUnlinkToken:
		var events []Event
		for i := range newState.Entries {
			if cmd.TokenID != "" && newState.Entries[i].TokenID == cmd.TokenID {
				newState.Entries[i].TokenID = ""
				events = append(events, Event{Type: EvtInitiativeUpdated, EntryID: newState.Entries[i].ID})
			}
		}
		return events, newState, nil

	default:
		return nil, s, ErrUnsupportedCommand
	}
}

// ActiveIndex returns the index of the active entry, or -1.
func ActiveIndex(s CombatState) int {
	return slices.IndexFunc(s.Entries, func(e InitiativeEntry) bool { return e.IsActive })
}

func indexOf(entries []InitiativeEntry, id string) int {
	return slices.IndexFunc(entries, func(e InitiativeEntry) bool { return e.ID == id })
}

func clearActive(entries []InitiativeEntry) {
	for i := range entries {
		entries[i].IsActive = false
	}
}

func cloneEntries(entries []InitiativeEntry) []InitiativeEntry {
	out := make([]InitiativeEntry, len(entries))
	for i, e := range entries {
		out[i] = e.Clone()
	}
	return out
}

// Clone deep-copies the pointer and slice fields.
func (e InitiativeEntry) Clone() InitiativeEntry {
	if e.HP != nil {
		hp := *e.HP
		e.HP = &hp
	}
	e.Conditions = slices.Clone(e.Conditions)
	e.MonsterStats = slices.Clone(e.MonsterStats)
	return e
}
