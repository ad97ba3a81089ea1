package protocol

import (
	"context"

	"github.com/DoyleJ11/tabletop-backend/internal/engine"
	"github.com/samber/lo"
)

func (h *Handler) updateMap(_ context.Context, c call) (Result, error) {
	req, err := Decode[UpdateMap](c.raw)
	if err != nil {
		return Result{}, err
	}
	entry, err := h.dm(c.connID)
	if err != nil {
		return Result{}, err
	}
	room := entry.RoomCode

	ms, initiative, err := h.store.UpdateMapState(room, req.MapState)
	if err != nil {
		return Result{}, err
	}

	var res Result
	h.broadcastMap(&res, room, ms)
	if initiative != nil {
		h.broadcastInitiative(&res, room, EventInitiativeUpdated, *initiative)
	}
	res.Response = success(map[string]any{"mapState": ms})
	return res, nil
}

func (h *Handler) updateFog(_ context.Context, c call) (Result, error) {
	req, err := Decode[UpdateFog](c.raw)
	if err != nil {
		return Result{}, err
	}
	entry, err := h.dm(c.connID)
	if err != nil {
		return Result{}, err
	}
	room := entry.RoomCode

	fog, err := h.store.UpdateFogOfWar(room, req.FogOfWar)
	if err != nil {
		return Result{}, err
	}
	ms, _ := h.store.MapState(room)

	var res Result
	h.broadcastMap(&res, room, ms)
	res.Response = success(map[string]any{"fogOfWar": fog})
	return res, nil
}

func (h *Handler) addToken(_ context.Context, c call) (Result, error) {
	req, err := Decode[AddToken](c.raw)
	if err != nil {
		return Result{}, err
	}
	entry, err := h.dm(c.connID)
	if err != nil {
		return Result{}, err
	}
	room := entry.RoomCode

	tok, tokens, err := h.store.AddToken(room, req.Token)
	if err != nil {
		return Result{}, err
	}

	var res Result
	h.broadcastTokens(&res, room, tokens)
	res.Response = success(map[string]any{"token": tok, "tokens": tokens})
	return res, nil
}

// moveToken is open to the DM and to the token's owner.
func (h *Handler) moveToken(_ context.Context, c call) (Result, error) {
	req, err := Decode[MoveToken](c.raw)
	if err != nil {
		return Result{}, err
	}
	entry, err := h.member(c.connID)
	if err != nil {
		return Result{}, err
	}
	room := entry.RoomCode

	tok, err := h.store.Token(room, req.TokenID)
	if err != nil {
		return Result{}, err
	}
	isDM := h.store.IsDM(room, c.connID)
	if !isDM && (tok.OwnerID == "" || tok.OwnerID != c.connID) {
		return Result{}, errorf(KindUnauthorized, "You can only move your own token")
	}

	tokens, err := h.store.MoveToken(room, req.TokenID, *req.X, *req.Y)
	if err != nil {
		return Result{}, err
	}

	var res Result
	h.broadcastTokens(&res, room, tokens)
	res.Response = success(map[string]any{"tokens": tokensFor(isDM, tokens)})
	return res, nil
}

func (h *Handler) updateToken(_ context.Context, c call) (Result, error) {
	req, err := Decode[UpdateToken](c.raw)
	if err != nil {
		return Result{}, err
	}
	entry, err := h.dm(c.connID)
	if err != nil {
		return Result{}, err
	}
	room := entry.RoomCode

	tokens, err := h.store.UpdateToken(room, req.TokenID, req.Updates)
	if err != nil {
		return Result{}, err
	}

	var res Result
	h.broadcastTokens(&res, room, tokens)
	res.Response = success(map[string]any{"tokens": tokens})
	return res, nil
}

func (h *Handler) removeToken(_ context.Context, c call) (Result, error) {
	req, err := Decode[RemoveToken](c.raw)
	if err != nil {
		return Result{}, err
	}
	entry, err := h.dm(c.connID)
	if err != nil {
		return Result{}, err
	}
	room := entry.RoomCode

	removal, err := h.store.RemoveToken(room, req.TokenID)
	if err != nil {
		return Result{}, err
	}

	var res Result
	h.broadcastTokens(&res, room, removal.Tokens)
	if removal.Initiative != nil {
		h.broadcastInitiative(&res, room, EventInitiativeUpdated, *removal.Initiative)
	}
	res.Response = success(map[string]any{"tokens": removal.Tokens})
	return res, nil
}

func (h *Handler) saveMap(_ context.Context, c call) (Result, error) {
	req, err := Decode[SaveMap](c.raw)
	if err != nil {
		return Result{}, err
	}
	entry, err := h.dm(c.connID)
	if err != nil {
		return Result{}, err
	}

	saved, err := h.store.SaveMap(entry.RoomCode, req.Name, req.MapState)
	if err != nil {
		return Result{}, err
	}
	sess := h.store.GetSession(entry.RoomCode)

	return Result{Response: success(map[string]any{
		"savedMap":  saved,
		"savedMaps": sess.SavedMapList(),
	})}, nil
}

// showMap puts a map view in front of players. The DM keeps the full live
// map, and tokens stay live in either view.
func (h *Handler) showMap(_ context.Context, c call) (Result, error) {
	req, err := Decode[ShowMap](c.raw)
	if err != nil {
		return Result{}, err
	}
	entry, err := h.dm(c.connID)
	if err != nil {
		return Result{}, err
	}
	room := entry.RoomCode

	pm, err := h.store.ShowMap(room, req.MapID, req.MapState)
	if err != nil {
		return Result{}, err
	}

	var res Result
	dms, players := h.audience(room)
	res.send(room, dms, EventMapShown, map[string]any{"publicMap": pm})
	res.send(room, players, EventMapShown, map[string]any{"publicMap": pm.PlayerView()})
	res.Response = success(map[string]any{"publicMap": pm})
	return res, nil
}

// hideMap unpins players, who go back to the live map.
func (h *Handler) hideMap(_ context.Context, c call) (Result, error) {
	if _, err := Decode[Empty](c.raw); err != nil {
		return Result{}, err
	}
	entry, err := h.dm(c.connID)
	if err != nil {
		return Result{}, err
	}
	room := entry.RoomCode

	if err := h.store.HideMap(room); err != nil {
		return Result{}, err
	}
	ms, _ := h.store.MapState(room)

	var res Result
	dms, players := h.audience(room)
	res.send(room, dms, EventMapHidden, map[string]any{"mapState": ms})
	res.send(room, players, EventMapHidden, map[string]any{"mapState": ms.PlayerView()})
	res.Response = success(nil)
	return res, nil
}

// broadcastMap sends the DMs the live map and players the map they see,
// which is the shown view while one is up.
func (h *Handler) broadcastMap(res *Result, room string, ms engine.MapState) {
	dms, players := h.audience(room)
	res.send(room, dms, EventMapUpdated, map[string]any{"mapState": ms})
	if len(players) > 0 {
		pv, _ := h.store.PlayerMap(room)
		res.send(room, players, EventMapUpdated, map[string]any{"mapState": pv})
	}
}

// broadcastTokens reaches players whether or not a map is shown, since a
// shown view carries the live tokens.
func (h *Handler) broadcastTokens(res *Result, room string, tokens []engine.Token) {
	dms, players := h.audience(room)
	res.send(room, dms, EventTokensUpdated, map[string]any{"tokens": tokens})
	res.send(room, players, EventTokensUpdated, map[string]any{"tokens": tokensFor(false, tokens)})
}

func tokensFor(isDM bool, tokens []engine.Token) []engine.Token {
	if isDM {
		return tokens
	}
	return lo.Filter(tokens, func(t engine.Token, _ int) bool { return !t.IsHidden })
}
