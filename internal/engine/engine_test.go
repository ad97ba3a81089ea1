package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func entry(id string, init int) InitiativeEntry {
	return InitiativeEntry{ID: id, Name: id, Initiative: init, IsNPC: true}
}

func addAll(t *testing.T, s CombatState, entries ...InitiativeEntry) CombatState {
	t.Helper()
	for _, e := range entries {
		_, next, err := Apply(s, Command{Type: CmdAddInitiative, Entry: e})
		require.NoError(t, err)
		s = next
	}
	return s
}

func ids(s CombatState) []string {
	out := make([]string, len(s.Entries))
	for i, e := range s.Entries {
		out[i] = e.ID
	}
	return out
}

func TestAddInitiative_KeepsDescendingOrderWithFirstSeenTies(t *testing.T) {
	s := addAll(t, NewCombatState(), entry("a", 12), entry("b", 18), entry("c", 5), entry("d", 18))
	require.Equal(t, []string{"b", "d", "a", "c"}, ids(s))
}

func TestStartCombat_ActivatesHighestFirstSeen(t *testing.T) {
	s := addAll(t, NewCombatState(), entry("a", 12), entry("b", 18), entry("c", 5), entry("d", 18))

	events, s, err := Apply(s, Command{Type: CmdStartCombat})
	require.NoError(t, err)
	require.True(t, ContainsEvent(events, EvtCombatStarted))
	require.True(t, s.InCombat)
	require.Equal(t, "b", ActiveEntryID(s))
}

func TestNextTurn_WrapsAround(t *testing.T) {
	s := addAll(t, NewCombatState(), entry("a", 12), entry("b", 18), entry("c", 5), entry("d", 18))
	_, s, err := Apply(s, Command{Type: CmdStartCombat})
	require.NoError(t, err)

	var seen []string
	for i := 0; i < 4; i++ {
		_, s, err = Apply(s, Command{Type: CmdNextTurn})
		require.NoError(t, err)
		seen = append(seen, ActiveEntryID(s))
	}
	require.Equal(t, []string{"d", "a", "c", "b"}, seen)

	active := 0
	for _, e := range s.Entries {
		if e.IsActive {
			active++
		}
	}
	require.Equal(t, 1, active, "exactly one entry may be active")
}

func TestNextTurn_DoesNotSkipDefeated(t *testing.T) {
	s := addAll(t, NewCombatState(), entry("a", 20), entry("b", 10))
	s.Entries[1].HP = &HitPoints{Current: 0, Max: 7}
	_, s, _ = Apply(s, Command{Type: CmdStartCombat})

	_, s, err := Apply(s, Command{Type: CmdNextTurn})
	require.NoError(t, err)
	require.Equal(t, "b", ActiveEntryID(s))
}

func TestCombatCommands_RejectInvalidStates(t *testing.T) {
	cases := []struct {
		name    string
		setup   CombatState
		cmd     Command
		wantErr error
	}{
		{
			name:    "start with no entries",
			setup:   NewCombatState(),
			cmd:     Command{Type: CmdStartCombat},
			wantErr: ErrNoInitiative,
		},
		{
			name:    "next turn out of combat",
			setup:   CombatState{Entries: []InitiativeEntry{entry("a", 3)}},
			cmd:     Command{Type: CmdNextTurn},
			wantErr: ErrNotInCombat,
		},
		{
			name:    "end combat out of combat",
			setup:   NewCombatState(),
			cmd:     Command{Type: CmdEndCombat},
			wantErr: ErrNotInCombat,
		},
		{
			name:    "remove unknown entry",
			setup:   NewCombatState(),
			cmd:     Command{Type: CmdRemoveInitiative, EntryID: "nope"},
			wantErr: ErrEntryNotFound,
		},
		{
			name:    "duplicate id",
			setup:   CombatState{Entries: []InitiativeEntry{entry("a", 3)}},
			cmd:     Command{Type: CmdAddInitiative, Entry: entry("a", 9)},
			wantErr: ErrDuplicateEntry,
		},
		{
			name:    "unknown command",
			setup:   NewCombatState(),
			cmd:     Command{Type: "Teleport"},
			wantErr: ErrUnsupportedCommand,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := Apply(tc.setup, tc.cmd)
			if err == nil || !errors.Is(err, tc.wantErr) {
				t.Fatalf("want %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestEndCombat_KeepsEntriesAndClearsActive(t *testing.T) {
	s := addAll(t, NewCombatState(), entry("a", 20), entry("b", 10))
	_, s, _ = Apply(s, Command{Type: CmdStartCombat})

	events, s, err := Apply(s, Command{Type: CmdEndCombat})
	require.NoError(t, err)
	require.True(t, ContainsEvent(events, EvtCombatEnded))
	require.False(t, s.InCombat)
	require.Len(t, s.Entries, 2)
	require.Equal(t, "", ActiveEntryID(s))
}

func TestRemoveActiveEntry_PassesTurnOn(t *testing.T) {
	s := addAll(t, NewCombatState(), entry("a", 20), entry("b", 10), entry("c", 5))
	_, s, _ = Apply(s, Command{Type: CmdStartCombat})
	_, s, _ = Apply(s, Command{Type: CmdNextTurn}) // b active

	events, s, err := Apply(s, Command{Type: CmdRemoveInitiative, EntryID: "b"})
	require.NoError(t, err)
	require.True(t, ContainsEvent(events, EvtTurnAdvanced))
	require.Equal(t, "c", ActiveEntryID(s))

	_, s, _ = Apply(s, Command{Type: CmdRemoveInitiative, EntryID: "c"})
	require.Equal(t, "a", ActiveEntryID(s), "removing the last entry wraps to the top")
}

func TestRemoveLastEntry_EndsCombat(t *testing.T) {
	s := addAll(t, NewCombatState(), entry("a", 20))
	_, s, _ = Apply(s, Command{Type: CmdStartCombat})

	events, s, err := Apply(s, Command{Type: CmdRemoveInitiative, EntryID: "a"})
	require.NoError(t, err)
	require.True(t, ContainsEvent(events, EvtCombatEnded))
	require.False(t, s.InCombat)
}

func TestPlayerReroll_ReplacesOwnEntry(t *testing.T) {
	s := addAll(t, NewCombatState(), entry("goblin", 9))
	s = addAll(t, s, InitiativeEntry{ID: "r1", Name: "Aria", Initiative: 4, PlayerID: "p1"})
	s = addAll(t, s, InitiativeEntry{ID: "r2", Name: "Aria", Initiative: 15, PlayerID: "p1"})

	require.Equal(t, []string{"r2", "goblin"}, ids(s))
}

func TestUpdateInitiative_DefeatedMonsterUnlinksToken(t *testing.T) {
	goblin := entry("g", 9)
	goblin.TokenID = "tok-1"
	goblin.HP = &HitPoints{Current: 7, Max: 7}
	s := addAll(t, NewCombatState(), goblin)

	events, s, err := Apply(s, Command{
		Type:    CmdUpdateInitiative,
		EntryID: "g",
		Update:  InitiativeUpdate{HP: &HitPoints{Current: -3, Max: 7}},
	})
	require.NoError(t, err)
	require.True(t, ContainsEvent(events, EvtCreatureDefeated))
	require.Equal(t, "tok-1", events[1].TokenID)
	require.Equal(t, "", s.Entries[0].TokenID)
	require.Equal(t, 0, s.Entries[0].HP.Current)
}

func TestUpdateInitiative_ResortsStably(t *testing.T) {
	s := addAll(t, NewCombatState(), entry("a", 20), entry("b", 10), entry("c", 10))
	value := 25

	_, s, err := Apply(s, Command{Type: CmdUpdateInitiative, EntryID: "c", Update: InitiativeUpdate{Initiative: &value}})
	require.NoError(t, err)
	require.Equal(t, []string{"c", "a", "b"}, ids(s))
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	s := addAll(t, NewCombatState(), entry("a", 20), entry("b", 10))
	before := ids(s)

	_, _, err := Apply(s, Command{Type: CmdStartCombat})
	require.NoError(t, err)
	require.False(t, s.Entries[0].IsActive)
	require.Equal(t, before, ids(s))
}

func TestUnlinkToken(t *testing.T) {
	linked := entry("a", 20)
	linked.TokenID = "t1"
	s := addAll(t, NewCombatState(), linked, entry("b", 10))

	events, s, err := Apply(s, Command{Type: CmdUnlinkToken, TokenID: "t1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "", s.Entries[0].TokenID)
}
