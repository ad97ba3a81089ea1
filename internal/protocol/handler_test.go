package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DoyleJ11/tabletop-backend/internal/engine"
	"github.com/DoyleJ11/tabletop-backend/internal/ratelimit"
	"github.com/DoyleJ11/tabletop-backend/internal/registry"
	"github.com/DoyleJ11/tabletop-backend/internal/store"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "K1KEYKEYKEYKEYKEYKEYKEYK"

type nopCheckpoint struct{}

func (nopCheckpoint) InsertSession(context.Context, store.SessionRecord) error { return nil }
func (nopCheckpoint) TouchSession(context.Context, string, time.Time) error { return nil }
func (nopCheckpoint) DeleteSession(context.Context, string) error { return nil }
func (nopCheckpoint) UpsertPlayer(context.Context, store.PlayerRecord) error { return nil }
func (nopCheckpoint) DeletePlayer(context.Context, string) error { return nil }
func (nopCheckpoint) ClearPlayers(context.Context) error { return nil }
func (nopCheckpoint) LoadSessions(context.Context) ([]store.SessionRecord, error) { return nil, nil }

type fixedCodes struct {
	mu    sync.Mutex
	codes []string
}

func (g *fixedCodes) RoomCode() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.codes[0]
	if len(g.codes) > 1 {
		g.codes = g.codes[1:]
	}
	return c, nil
}

func (g *fixedCodes) DMKey() (string, error) { return testKey, nil }

// fixedDice returns the same face every time: Intn gives v, so the die
// shows v+1.
type fixedDice int

func (d fixedDice) Intn(int) (int, error) { return int(d), nil }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	h     *Handler
	store *store.Store
	reg   *registry.Registry
	clock *clock
}

func newHarness(t *testing.T, limiter *ratelimit.Limiter) *harness {
	t.Helper()
	c := &clock{now: time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)}
	st := store.New(nopCheckpoint{}, store.Options{
		Generator: &fixedCodes{codes: []string{"ABCD2345", "WXYZ6789"}},
		Now:       c.Now,
	})
	t.Cleanup(func() { _ = st.Close() })
	reg := registry.New()
	h := NewHandler(st, reg, Options{Limiter: limiter, Dice: fixedDice(9), Now: c.Now})
	return &harness{h: h, store: st, reg: reg, clock: c}
}

func (hs *harness) do(t *testing.T, conn, event string, payload any) Result {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		raw = b
	}
	return hs.h.Handle(context.Background(), conn, event, raw)
}

func (hs *harness) mustOK(t *testing.T, conn, event string, payload any) Result {
	t.Helper()
	res := hs.do(t, conn, event, payload)
	require.True(t, res.Response.OK(), "%s failed: %v", event, res.Response)
	return res
}

// createRoom makes "dm" the DM of ABCD2345 and joins each named player under
// a connection of the same id.
func (hs *harness) createRoom(t *testing.T, players ...string) string {
	t.Helper()
	res := hs.mustOK(t, "dm", EventCreateSession, nil)
	room := res.Response["roomCode"].(string)
	for _, p := range players {
		hs.mustOK(t, p, EventJoinSession, map[string]any{"roomCode": room, "playerName": p})
	}
	return room
}

func sent(res Result, conn, event string) (map[string]any, bool) {
	for _, o := range res.Outbound {
		if o.Event != event {
			continue
		}
		for _, to := range o.To {
			if to == conn {
				return o.Payload.(map[string]any), true
			}
		}
	}
	return nil, false
}

func requireKind(t *testing.T, res Result, kind Kind) {
	t.Helper()
	require.False(t, res.Response.OK(), "expected %s, got success", kind)
	assert.Equal(t, string(kind), res.Response["code"])
}

func TestEndToEndCombat(t *testing.T) {
	hs := newHarness(t, nil)

	res := hs.mustOK(t, "dm", EventCreateSession, nil)
	assert.Equal(t, "ABCD2345", res.Response["roomCode"])
	assert.Equal(t, testKey, res.Response["dmKey"])
	require.Equal(t, []Membership{{ConnectionID: "dm", RoomCode: "ABCD2345"}}, res.Joined)

	res = hs.mustOK(t, "aria", EventJoinSession, map[string]any{"roomCode": "abcd2345", "playerName": "Aria"})
	joined, ok := sent(res, "dm", EventPlayerJoined)
	require.True(t, ok)
	players := joined["players"].([]engine.Player)
	require.Len(t, players, 1)
	assert.Equal(t, "Aria", players[0].Name)
	assert.True(t, players[0].IsConnected)

	res = hs.mustOK(t, "dm", EventAddToken, map[string]any{
		"token": map[string]any{"name": "Goblin", "x": 5, "y": 5, "size": "small"},
	})
	for _, conn := range []string{"dm", "aria"} {
		p, ok := sent(res, conn, EventTokensUpdated)
		require.True(t, ok, conn)
		tokens := p["tokens"].([]engine.Token)
		require.Len(t, tokens, 1)
		assert.Equal(t, "Goblin", tokens[0].Name)
	}

	hs.mustOK(t, "dm", EventAddInitiative, map[string]any{"entry": map[string]any{"name": "Aria", "initiative": 15}})
	hs.mustOK(t, "dm", EventAddInitiative, map[string]any{"entry": map[string]any{"name": "Goblin", "initiative": 9, "isNpc": true}})

	res = hs.mustOK(t, "dm", EventStartCombat, nil)
	started, ok := sent(res, "aria", EventCombatStarted)
	require.True(t, ok)
	assert.Equal(t, true, started["isInCombat"])
	entries := started["initiative"].([]engine.InitiativeEntry)
	require.Len(t, entries, 2)
	assert.Equal(t, "Aria", entries[0].Name)
	assert.True(t, entries[0].IsActive)
	assert.Equal(t, entries[0].ID, started["activeEntryId"])

	res = hs.mustOK(t, "dm", EventNextTurn, nil)
	turn, ok := sent(res, "aria", EventInitiativeUpdated)
	require.True(t, ok)
	entries = turn["initiative"].([]engine.InitiativeEntry)
	assert.False(t, entries[0].IsActive)
	assert.True(t, entries[1].IsActive)
	assert.Equal(t, "Goblin", entries[1].Name)
}

func TestInitiativeOrderAndWrap(t *testing.T) {
	hs := newHarness(t, nil)
	hs.createRoom(t)

	for i, v := range []int{12, 18, 5, 18} {
		hs.mustOK(t, "dm", EventAddInitiative, map[string]any{
			"entry": map[string]any{"id": string(rune('a' + i)), "name": "E", "initiative": v},
		})
	}

	res := hs.mustOK(t, "dm", EventStartCombat, nil)
	assert.Equal(t, "b", res.Response["activeEntryId"])

	var seen []string
	for i := 0; i < 4; i++ {
		res = hs.mustOK(t, "dm", EventNextTurn, nil)
		seen = append(seen, res.Response["activeEntryId"].(string))
	}
	assert.Equal(t, []string{"d", "a", "c", "b"}, seen)
}

func TestMoveToken_OnlyOwnerOrDM(t *testing.T) {
	hs := newHarness(t, nil)
	hs.createRoom(t, "aria", "bram")

	res := hs.mustOK(t, "dm", EventAddToken, map[string]any{
		"token": map[string]any{"name": "Aria", "x": 1, "y": 1, "ownerId": "aria"},
	})
	tokenID := res.Response["token"].(engine.Token).ID

	res = hs.do(t, "bram", EventMoveToken, map[string]any{"tokenId": tokenID, "x": 3, "y": 3})
	requireKind(t, res, KindUnauthorized)
	assert.Empty(t, res.Outbound)
	tok, err := hs.store.Token("ABCD2345", tokenID)
	require.NoError(t, err)
	assert.Equal(t, 1, tok.X)

	res = hs.mustOK(t, "aria", EventMoveToken, map[string]any{"tokenId": tokenID, "x": 4, "y": 2})
	for _, conn := range []string{"dm", "aria", "bram"} {
		p, ok := sent(res, conn, EventTokensUpdated)
		require.True(t, ok, conn)
		tokens := p["tokens"].([]engine.Token)
		require.Len(t, tokens, 1)
		assert.Equal(t, 4, tokens[0].X)
		assert.Equal(t, 2, tokens[0].Y)
	}

	hs.mustOK(t, "dm", EventMoveToken, map[string]any{"tokenId": tokenID, "x": 0, "y": 0})

	hs.mustOK(t, "dm", EventShowMap, map[string]any{})
	res = hs.mustOK(t, "aria", EventMoveToken, map[string]any{"tokenId": tokenID, "x": 5, "y": 5})
	for _, conn := range []string{"dm", "aria", "bram"} {
		p, ok := sent(res, conn, EventTokensUpdated)
		require.True(t, ok, "%s while a map is shown", conn)
		assert.Equal(t, 5, p["tokens"].([]engine.Token)[0].X)
	}
}

func TestHiddenTokensNeverReachPlayers(t *testing.T) {
	hs := newHarness(t, nil)
	hs.createRoom(t, "aria")

	res := hs.mustOK(t, "dm", EventAddToken, map[string]any{
		"token": map[string]any{"name": "Ambusher", "x": 2, "y": 2, "isHidden": true},
	})
	dmView, ok := sent(res, "dm", EventTokensUpdated)
	require.True(t, ok)
	assert.Len(t, dmView["tokens"].([]engine.Token), 1)
	playerView, ok := sent(res, "aria", EventTokensUpdated)
	require.True(t, ok)
	assert.Empty(t, playerView["tokens"].([]engine.Token))
}

func TestReclaim_LastReclaimWins(t *testing.T) {
	hs := newHarness(t, nil)
	room := hs.createRoom(t, "aria")

	res := hs.mustOK(t, "dm2", EventReclaimSession, map[string]any{"roomCode": room, "dmKey": testKey})
	_, ok := sent(res, "aria", EventDMReconnected)
	assert.True(t, ok)
	assert.True(t, hs.store.IsDM(room, "dm2"))

	res = hs.do(t, "dm", EventUpdateMap, map[string]any{"mapState": map[string]any{"showGrid": false}})
	requireKind(t, res, KindUnauthorized)
	hs.mustOK(t, "dm2", EventUpdateMap, map[string]any{"mapState": map[string]any{"showGrid": false}})
}

func TestReclaim_Rejections(t *testing.T) {
	hs := newHarness(t, nil)
	room := hs.createRoom(t)

	res := hs.do(t, "x", EventReclaimSession, map[string]any{"roomCode": room, "dmKey": "WRONG"})
	requireKind(t, res, KindUnauthorized)
	assert.Equal(t, "Invalid DM key", res.Response["error"])
	assert.True(t, hs.store.IsDM(room, "dm"))

	res = hs.do(t, "x", EventReclaimSession, map[string]any{"roomCode": "WXYZ6789", "dmKey": testKey})
	requireKind(t, res, KindNotFound)
}

func TestKick_RemovesAndBlocks(t *testing.T) {
	hs := newHarness(t, nil)
	room := hs.createRoom(t, "aria")

	res := hs.mustOK(t, "dm", EventKickPlayer, map[string]any{"playerId": "aria"})
	_, ok := sent(res, "aria", EventKicked)
	assert.True(t, ok)
	left, ok := sent(res, "dm", EventPlayerLeft)
	require.True(t, ok)
	assert.Equal(t, true, left["kicked"])
	_, ok = sent(res, "aria", EventPlayerLeft)
	assert.False(t, ok, "kicked connection must not get the roster update")
	assert.Equal(t, []Membership{{ConnectionID: "aria", RoomCode: room}}, res.Left)

	players, _ := hs.store.GetPlayers(room)
	assert.Empty(t, players)

	requireKind(t, hs.do(t, "aria", EventSendChat, map[string]any{"message": "still here?"}), KindNotFound)
	requireKind(t, hs.do(t, "aria", EventUpdateMap, map[string]any{"mapState": map[string]any{}}), KindNotFound)

	hs.mustOK(t, "aria2", EventJoinSession, map[string]any{"roomCode": room, "playerName": "aria"})
	players, _ = hs.store.GetPlayers(room)
	require.Len(t, players, 1)
	assert.Equal(t, "aria2", players[0].ID)
}

func TestKick_RequiresDM(t *testing.T) {
	hs := newHarness(t, nil)
	hs.createRoom(t, "aria", "bram")

	requireKind(t, hs.do(t, "aria", EventKickPlayer, map[string]any{"playerId": "bram"}), KindUnauthorized)
	requireKind(t, hs.do(t, "dm", EventKickPlayer, map[string]any{"playerId": "nobody"}), KindNotFound)
}

func TestSweep_ExpiresIdleRooms(t *testing.T) {
	hs := newHarness(t, nil)
	room := hs.createRoom(t, "aria")

	hs.clock.Advance(25 * time.Hour)
	res := hs.h.Sweep(context.Background())
	assert.Equal(t, []string{room}, res.Purged)
	_, ok := sent(res, "aria", EventSessionExpired)
	assert.True(t, ok)
	assert.False(t, hs.store.SessionExists(room))

	requireKind(t, hs.do(t, "late", EventJoinSession, map[string]any{"roomCode": room, "playerName": "Late"}), KindNotFound)
}

func TestDisconnect(t *testing.T) {
	hs := newHarness(t, nil)
	room := hs.createRoom(t, "aria")

	res := hs.h.Disconnect("aria")
	p, ok := sent(res, "dm", EventPlayerDisconnected)
	require.True(t, ok)
	assert.Equal(t, "aria", p["playerId"])
	players, _ := hs.store.GetPlayers(room)
	require.Len(t, players, 1)
	assert.False(t, players[0].IsConnected)

	res = hs.h.Disconnect("dm")
	assert.Equal(t, []Membership{{ConnectionID: "dm", RoomCode: room}}, res.Left)
	assert.False(t, hs.store.GetSession(room).HasDM())

	assert.Empty(t, hs.h.Disconnect("never-joined").Outbound)
}

func TestJoin_SupersedesDisconnectedName(t *testing.T) {
	hs := newHarness(t, nil)
	room := hs.createRoom(t, "aria")
	hs.h.Disconnect("aria")

	res := hs.mustOK(t, "aria-again", EventJoinSession, map[string]any{"roomCode": room, "playerName": "ARIA"})
	assert.Equal(t, "aria-again", res.Response["playerId"])
	players, _ := hs.store.GetPlayers(room)
	require.Len(t, players, 1)
	assert.True(t, players[0].IsConnected)
}

func TestRollDice(t *testing.T) {
	hs := newHarness(t, nil)
	hs.createRoom(t, "aria")

	res := hs.mustOK(t, "aria", EventRollDice, map[string]any{"roll": map[string]any{"notation": "1d20 + 3"}})
	roll := res.Response["roll"].(engine.DiceRoll)
	assert.Equal(t, "1d20+3", roll.Notation)
	assert.Equal(t, []int{10}, roll.Results)
	assert.Equal(t, 13, roll.Total)
	assert.Equal(t, "aria", roll.RollerName)
	_, ok := sent(res, "dm", EventDiceRolled)
	assert.True(t, ok)
	msg, ok := sent(res, "dm", EventChatReceived)
	require.True(t, ok)
	assert.Equal(t, engine.MessageRoll, msg["message"].(engine.ChatMessage).Type)

	res = hs.mustOK(t, "aria", EventRollDice, map[string]any{"roll": map[string]any{
		"notation": "2d6", "results": []int{3, 4}, "modifier": 0, "total": 7,
	}})
	assert.Equal(t, 7, res.Response["roll"].(engine.DiceRoll).Total)

	requireKind(t, hs.do(t, "aria", EventRollDice, map[string]any{"roll": map[string]any{
		"notation": "2d6", "results": []int{3, 9}, "total": 12,
	}}), KindValidation)
	requireKind(t, hs.do(t, "aria", EventRollDice, map[string]any{"roll": map[string]any{
		"notation": "2d6", "results": []int{3, 4},
	}}), KindValidation)
	requireKind(t, hs.do(t, "aria", EventRollDice, map[string]any{"roll": map[string]any{"notation": "d"}}), KindValidation)
}

func TestRollDice_PrivateOnlyForDM(t *testing.T) {
	hs := newHarness(t, nil)
	hs.createRoom(t, "aria")

	res := hs.mustOK(t, "dm", EventRollDice, map[string]any{"roll": map[string]any{"notation": "1d20", "isPrivate": true}})
	_, ok := sent(res, "aria", EventDiceRolled)
	assert.False(t, ok)
	_, ok = sent(res, "dm", EventDiceRolled)
	assert.True(t, ok)
	assert.Equal(t, "DM", res.Response["roll"].(engine.DiceRoll).RollerName)

	res = hs.mustOK(t, "aria", EventRollDice, map[string]any{"roll": map[string]any{"notation": "1d20", "isPrivate": true}})
	assert.False(t, res.Response["roll"].(engine.DiceRoll).IsPrivate)
	_, ok = sent(res, "dm", EventDiceRolled)
	assert.True(t, ok)
}

func TestSendChat(t *testing.T) {
	hs := newHarness(t, nil)
	hs.createRoom(t, "aria")

	res := hs.mustOK(t, "aria", EventSendChat, map[string]any{"message": map[string]any{"content": "  hello  "}})
	p, ok := sent(res, "dm", EventChatReceived)
	require.True(t, ok)
	msg := p["message"].(engine.ChatMessage)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "aria", msg.SenderName)

	requireKind(t, hs.do(t, "aria", EventSendChat, map[string]any{"message": "   "}), KindValidation)
}

func TestPlayerInitiative_BoundToCaller(t *testing.T) {
	hs := newHarness(t, nil)
	room := hs.createRoom(t, "aria")

	hs.mustOK(t, "aria", EventAddInitiative, map[string]any{"entry": map[string]any{
		"id": "forged", "playerId": "someone-else", "initiative": 14, "isNpc": true, "monsterStats": map[string]any{"ac": 20},
	}})
	hs.mustOK(t, "aria", EventAddInitiative, map[string]any{"entry": map[string]any{"initiative": 17}})

	state, ok := hs.store.Combat(room)
	require.True(t, ok)
	require.Len(t, state.Entries, 1, "a re-roll replaces the player's entry")
	e := state.Entries[0]
	assert.NotEqual(t, "forged", e.ID)
	assert.Equal(t, "aria", e.PlayerID)
	assert.Equal(t, "aria", e.Name)
	assert.Equal(t, 17, e.Initiative)
	assert.False(t, e.IsNPC)
	assert.Nil(t, e.MonsterStats)

	requireKind(t, hs.do(t, "aria", EventStartCombat, nil), KindUnauthorized)
	requireKind(t, hs.do(t, "aria", EventRemoveInitiative, map[string]any{"entryId": e.ID}), KindUnauthorized)
}

func TestMonsterStatsHiddenFromPlayers(t *testing.T) {
	hs := newHarness(t, nil)
	hs.createRoom(t, "aria")

	res := hs.mustOK(t, "dm", EventAddInitiative, map[string]any{"entry": map[string]any{
		"name": "Ogre", "initiative": 8, "isNpc": true, "monsterStats": map[string]any{"ac": 11},
	}})
	dmView, ok := sent(res, "dm", EventInitiativeUpdated)
	require.True(t, ok)
	assert.NotNil(t, dmView["initiative"].([]engine.InitiativeEntry)[0].MonsterStats)
	playerView, ok := sent(res, "aria", EventInitiativeUpdated)
	require.True(t, ok)
	assert.Nil(t, playerView["initiative"].([]engine.InitiativeEntry)[0].MonsterStats)
}

func TestShowMap_TokensStayLive(t *testing.T) {
	hs := newHarness(t, nil)
	hs.createRoom(t, "aria")

	hs.mustOK(t, "dm", EventAddToken, map[string]any{"token": map[string]any{"id": "scout", "name": "Scout"}})
	hs.mustOK(t, "dm", EventAddToken, map[string]any{"token": map[string]any{"id": "lurker", "name": "Lurker", "isHidden": true}})

	res := hs.mustOK(t, "dm", EventShowMap, map[string]any{})
	shown, ok := sent(res, "aria", EventMapShown)
	require.True(t, ok)
	pm := shown["publicMap"].(engine.PublicMap)
	assert.True(t, pm.Live)
	require.Len(t, pm.MapState.Tokens, 1)
	assert.Equal(t, "scout", pm.MapState.Tokens[0].ID)

	res = hs.mustOK(t, "dm", EventAddToken, map[string]any{"token": map[string]any{"name": "Wolf"}})
	p, ok := sent(res, "aria", EventTokensUpdated)
	require.True(t, ok, "players follow tokens while a map is shown")
	assert.Len(t, p["tokens"].([]engine.Token), 2)

	res = hs.mustOK(t, "dm", EventMoveToken, map[string]any{"tokenId": "scout", "x": 9, "y": 9})
	p, ok = sent(res, "aria", EventTokensUpdated)
	require.True(t, ok)
	assert.Equal(t, 9, p["tokens"].([]engine.Token)[0].X)

	res = hs.mustOK(t, "dm", EventHideMap, nil)
	hidden, ok := sent(res, "aria", EventMapHidden)
	require.True(t, ok)
	assert.Len(t, hidden["mapState"].(engine.MapState).Tokens, 2)

	requireKind(t, hs.do(t, "dm", EventShowMap, map[string]any{"mapId": "missing"}), KindNotFound)
}

func TestShowMap_SavedLayoutKeepsLiveTokens(t *testing.T) {
	hs := newHarness(t, nil)
	hs.createRoom(t, "aria")

	res := hs.mustOK(t, "dm", EventSaveMap, map[string]any{"name": "Cave", "mapState": map[string]any{"gridSize": 80}})
	mapID := res.Response["savedMap"].(engine.SavedMap).ID
	hs.mustOK(t, "dm", EventAddToken, map[string]any{"token": map[string]any{"id": "scout", "name": "Scout"}})

	res = hs.mustOK(t, "dm", EventShowMap, map[string]any{"mapId": mapID})
	shown, ok := sent(res, "aria", EventMapShown)
	require.True(t, ok)
	pm := shown["publicMap"].(engine.PublicMap)
	assert.False(t, pm.Live)
	assert.Equal(t, 80, pm.MapState.GridSize)
	require.Len(t, pm.MapState.Tokens, 1)

	res = hs.mustOK(t, "dm", EventUpdateMap, map[string]any{"mapState": map[string]any{"gridSize": 40}})
	dmView, ok := sent(res, "dm", EventMapUpdated)
	require.True(t, ok)
	assert.Equal(t, 40, dmView["mapState"].(engine.MapState).GridSize)
	playerView, ok := sent(res, "aria", EventMapUpdated)
	require.True(t, ok)
	assert.Equal(t, 80, playerView["mapState"].(engine.MapState).GridSize, "players keep the shown layout")
	assert.Len(t, playerView["mapState"].(engine.MapState).Tokens, 1)

	res = hs.mustOK(t, "dm", EventMoveToken, map[string]any{"tokenId": "scout", "x": 3, "y": 4})
	p, ok := sent(res, "aria", EventTokensUpdated)
	require.True(t, ok)
	assert.Equal(t, 3, p["tokens"].([]engine.Token)[0].X)
}

func TestUpdateMap_PreparesReplacementTokens(t *testing.T) {
	hs := newHarness(t, nil)
	hs.createRoom(t, "aria")

	res := hs.mustOK(t, "dm", EventUpdateMap, map[string]any{"mapState": map[string]any{
		"tokens": []map[string]any{{"name": "A"}, {"name": "B"}},
	}})
	tokens := res.Response["mapState"].(engine.MapState).Tokens
	require.Len(t, tokens, 2)
	assert.NotEmpty(t, tokens[0].ID)
	assert.NotEqual(t, tokens[0].ID, tokens[1].ID)
	assert.Equal(t, engine.SizeMedium, tokens[0].Size)

	hs.mustOK(t, "dm", EventMoveToken, map[string]any{"tokenId": tokens[1].ID, "x": 2, "y": 2})

	res = hs.do(t, "dm", EventUpdateMap, map[string]any{"mapState": map[string]any{
		"tokens": []map[string]any{{"id": "t1", "name": "A"}, {"id": "t1", "name": "B"}},
	}})
	requireKind(t, res, KindValidation)
	ms, _ := hs.store.MapState("ABCD2345")
	assert.Len(t, ms.Tokens, 2, "a rejected update changes nothing")
}

func TestUpdateMap_UnlinksInitiativeFromDroppedTokens(t *testing.T) {
	hs := newHarness(t, nil)
	hs.createRoom(t, "aria")

	hs.mustOK(t, "dm", EventAddToken, map[string]any{"token": map[string]any{"id": "gob", "name": "Goblin"}})
	hs.mustOK(t, "dm", EventAddInitiative, map[string]any{"entry": map[string]any{
		"id": "g", "name": "Goblin", "initiative": 9, "isNpc": true, "tokenId": "gob",
	}})

	res := hs.mustOK(t, "dm", EventUpdateMap, map[string]any{"mapState": map[string]any{"tokens": []map[string]any{}}})
	p, ok := sent(res, "aria", EventInitiativeUpdated)
	require.True(t, ok)
	assert.Empty(t, p["initiative"].([]engine.InitiativeEntry)[0].TokenID)

	res = hs.mustOK(t, "dm", EventUpdateMap, map[string]any{"mapState": map[string]any{"gridSize": 60}})
	_, ok = sent(res, "aria", EventInitiativeUpdated)
	assert.False(t, ok, "no initiative change, no broadcast")
}

func TestCharacterUpdateReachesDMOnce(t *testing.T) {
	hs := newHarness(t, nil)
	room := hs.createRoom(t, "aria")

	res := hs.mustOK(t, "aria", EventSaveCharacter, map[string]any{"character": map[string]any{"name": "Aria Swift"}})
	id := res.Response["character"].(engine.Character).ID

	// The owner's connection takes over as DM.
	hs.mustOK(t, "aria", EventReclaimSession, map[string]any{"roomCode": room, "dmKey": testKey})
	res = hs.mustOK(t, "aria", EventDMUpdateCharacter, map[string]any{
		"characterId": id, "updates": map[string]any{"hp": map[string]any{"current": 3, "max": 12}},
	})

	deliveries := 0
	for _, o := range res.Outbound {
		if o.Event == EventCharacterUpdated {
			deliveries += lo.Count(o.To, "aria")
		}
	}
	assert.Equal(t, 1, deliveries)
}

func TestCharacters(t *testing.T) {
	hs := newHarness(t, nil)
	hs.createRoom(t, "aria", "bram")

	res := hs.mustOK(t, "aria", EventSaveCharacter, map[string]any{"character": map[string]any{
		"name": "Aria Swift", "hp": map[string]any{"current": 12, "max": 12},
	}})
	_, ok := sent(res, "dm", EventCharacterUpdated)
	assert.True(t, ok)
	_, ok = sent(res, "bram", EventCharacterUpdated)
	assert.False(t, ok)
	id := res.Response["character"].(engine.Character).ID

	res = hs.mustOK(t, "aria", EventGetCharacter, nil)
	assert.Equal(t, "Aria Swift", res.Response["character"].(engine.Character).Name)
	requireKind(t, hs.do(t, "bram", EventGetCharacter, nil), KindNotFound)

	requireKind(t, hs.do(t, "aria", EventGetAllCharacters, nil), KindUnauthorized)
	res = hs.mustOK(t, "dm", EventGetAllCharacters, nil)
	assert.Len(t, res.Response["characters"].([]engine.Character), 1)

	res = hs.mustOK(t, "dm", EventDMUpdateCharacter, map[string]any{
		"characterId": id, "updates": map[string]any{"hp": map[string]any{"current": 3, "max": 12}},
	})
	p, ok := sent(res, "aria", EventCharacterUpdated)
	require.True(t, ok)
	assert.Equal(t, 3, p["character"].(engine.Character).HP.Current)
	requireKind(t, hs.do(t, "aria", EventDMUpdateCharacter, map[string]any{"characterId": id, "updates": map[string]any{}}), KindUnauthorized)
}

func TestValidationAndUnknownEvents(t *testing.T) {
	hs := newHarness(t, nil)
	hs.createRoom(t)

	res := hs.do(t, "p", EventJoinSession, map[string]any{"roomCode": "ABC", "playerName": "Aria"})
	requireKind(t, res, KindValidation)
	assert.Equal(t, "Invalid room code", res.Response["error"])

	res = hs.do(t, "p", EventJoinSession, map[string]any{"roomCode": "ABCD2345"})
	requireKind(t, res, KindValidation)
	assert.Equal(t, "playerName is required", res.Response["error"])

	res = hs.h.Handle(context.Background(), "p", EventJoinSession, json.RawMessage(`{"roomCode":`))
	requireKind(t, res, KindValidation)

	res = hs.do(t, "p", EventMoveToken, map[string]any{"tokenId": "t", "x": "left"})
	requireKind(t, res, KindValidation)

	requireKind(t, hs.do(t, "p", "teleport", nil), KindValidation)
	requireKind(t, hs.do(t, "p", EventUpdateMap, map[string]any{"mapState": map[string]any{}}), KindNotFound)
}

func TestRateLimit(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Options{EventsPerSecond: 1, Burst: 100, ChatPerSecond: 1, ChatBurst: 2})
	hs := newHarness(t, limiter)
	hs.createRoom(t, "aria")

	hs.mustOK(t, "aria", EventSendChat, map[string]any{"message": "one"})
	hs.mustOK(t, "aria", EventSendChat, map[string]any{"message": "two"})
	res := hs.do(t, "aria", EventSendChat, map[string]any{"message": "three"})
	requireKind(t, res, KindRateLimited)
	assert.Empty(t, res.Outbound)

	hs.mustOK(t, "aria", EventRollDice, map[string]any{"roll": map[string]any{"notation": "d4"}})
}

func TestErrorKindsMatch(t *testing.T) {
	err := asError(engine.ErrTokenNotFound)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, "Token not found", err.Error())
	assert.True(t, errors.Is(asError(engine.ErrRoomFull), ErrValidation))

	internal := asError(errors.New("disk on fire"))
	assert.True(t, errors.Is(internal, ErrInternal))
	assert.Equal(t, "Internal error", internal.Error())
}
