package protocol

import (
	"context"
	"fmt"

	"github.com/DoyleJ11/tabletop-backend/internal/engine"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func (h *Handler) createSession(ctx context.Context, c call) (Result, error) {
	if _, err := Decode[Empty](c.raw); err != nil {
		return Result{}, err
	}

	code, key, err := h.store.CreateSession(ctx)
	if err != nil {
		return Result{}, err
	}

	res := h.leaveCurrent(c.connID)
	if err := h.store.SetDMConnection(code, c.connID); err != nil {
		return Result{}, err
	}
	h.reg.Bind(c.connID, code, true)
	res.Joined = append(res.Joined, Membership{ConnectionID: c.connID, RoomCode: code})

	h.log.Info("session created", zap.String("room", code), zap.String("conn", c.connID))
	res.Response = success(map[string]any{
		"roomCode": code,
		"dmKey":    key,
		"session":  h.store.GetSession(code).DMView(),
	})
	return res, nil
}

func (h *Handler) reclaimSession(_ context.Context, c call) (Result, error) {
	req, err := Decode[ReclaimSession](c.raw)
	if err != nil {
		return Result{}, err
	}
	room := req.RoomCode
	if !h.store.SessionExists(room) {
		return Result{}, errorf(KindNotFound, "Session not found")
	}
	if !h.store.ValidateDMKey(room, req.DMKey) {
		return Result{}, errorf(KindUnauthorized, "Invalid DM key")
	}

	var res Result
	if cur, ok := h.reg.Lookup(c.connID); !ok || cur.RoomCode != room || !cur.IsDM {
		res = h.leaveCurrent(c.connID)
	}

	// Last reclaim wins. An earlier DM connection stays in the room without
	// DM authority.
	if err := h.store.SetDMConnection(room, c.connID); err != nil {
		return Result{}, err
	}
	h.reg.Bind(c.connID, room, true)
	res.Joined = append(res.Joined, Membership{ConnectionID: c.connID, RoomCode: room})

	others := without(h.reg.Members(room), c.connID)
	res.send(room, others, EventDMReconnected, map[string]any{"roomCode": room})

	h.log.Info("session reclaimed", zap.String("room", room), zap.String("conn", c.connID))
	res.Response = success(map[string]any{
		"roomCode": room,
		"session":  h.store.GetSession(room).DMView(),
	})
	return res, nil
}

// joinSession always creates a new player under the caller's connection.
// Nothing links it to an earlier player of the same name beyond replacing
// a disconnected record; token ownership is not transferred.
func (h *Handler) joinSession(_ context.Context, c call) (Result, error) {
	req, err := Decode[JoinSession](c.raw)
	if err != nil {
		return Result{}, err
	}
	room := req.RoomCode
	if !h.store.SessionExists(room) {
		return Result{}, errorf(KindNotFound, "Session not found")
	}

	res := h.leaveCurrent(c.connID)

	p, err := h.store.AddPlayer(room, c.connID, req.PlayerName)
	if err != nil {
		// The caller already left its previous room; that still has to be
		// delivered.
		res.Response = failure(asError(err))
		return res, nil
	}
	h.reg.Bind(c.connID, room, false)
	res.Joined = append(res.Joined, Membership{ConnectionID: c.connID, RoomCode: room})

	players, _ := h.store.GetPlayers(room)
	members := h.reg.Members(room)
	res.send(room, members, EventPlayerJoined, map[string]any{"player": p, "players": players})
	res.send(room, members, EventChatReceived, map[string]any{
		"message": engine.SystemMessage(uuid.NewString(), fmt.Sprintf("%s joined the session", p.Name), h.now()),
	})

	res.Response = success(map[string]any{
		"roomCode": room,
		"playerId": p.ID,
		"session":  h.store.GetSession(room).PlayerView(),
	})
	return res, nil
}

func (h *Handler) leaveSession(_ context.Context, c call) (Result, error) {
	if _, err := Decode[Empty](c.raw); err != nil {
		return Result{}, err
	}
	if _, err := h.member(c.connID); err != nil {
		return Result{}, err
	}
	res := h.leaveCurrent(c.connID)
	res.Response = success(nil)
	return res, nil
}

func (h *Handler) kickPlayer(_ context.Context, c call) (Result, error) {
	req, err := Decode[KickPlayer](c.raw)
	if err != nil {
		return Result{}, err
	}
	entry, err := h.dm(c.connID)
	if err != nil {
		return Result{}, err
	}
	room := entry.RoomCode

	p, err := h.store.RemovePlayer(room, req.PlayerID)
	if err != nil {
		return Result{}, err
	}

	var res Result
	// The kicked connection hears about it first, then leaves the room's
	// broadcast group before the roster update goes out.
	if target, ok := h.reg.Lookup(req.PlayerID); ok && target.RoomCode == room {
		h.reg.Remove(req.PlayerID)
		res.send(room, []string{req.PlayerID}, EventKicked, map[string]any{
			"roomCode": room,
			"reason":   "You were removed from the session by the DM",
		})
		res.Left = append(res.Left, Membership{ConnectionID: req.PlayerID, RoomCode: room})
	}

	players, _ := h.store.GetPlayers(room)
	members := h.reg.Members(room)
	res.send(room, members, EventPlayerLeft, map[string]any{"playerId": p.ID, "players": players, "kicked": true})
	res.send(room, members, EventChatReceived, map[string]any{
		"message": engine.SystemMessage(uuid.NewString(), fmt.Sprintf("%s was removed from the session", p.Name), h.now()),
	})

	h.log.Info("player kicked", zap.String("room", room), zap.String("player", p.ID))
	res.Response = success(map[string]any{"players": players})
	return res, nil
}

func without(ids []string, drop string) []string {
	out := ids[:0:0]
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}
