package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/DoyleJ11/tabletop-backend/internal/dice"
	"github.com/DoyleJ11/tabletop-backend/internal/engine"
	"github.com/DoyleJ11/tabletop-backend/internal/ratelimit"
	"github.com/DoyleJ11/tabletop-backend/internal/registry"
	"github.com/DoyleJ11/tabletop-backend/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Response is the ack sent back to the caller: {"success":true,...} or
// {"success":false,"error":...,"code":...}.
type Response map[string]any

func success(fields map[string]any) Response {
	r := Response{"success": true}
	for k, v := range fields {
		r[k] = v
	}
	return r
}

func failure(e *Error) Response {
	return Response{"success": false, "error": e.Error(), "code": string(e.Kind)}
}

func (r Response) OK() bool {
	ok, _ := r["success"].(bool)
	return ok
}

// Outbound is one event for a set of connections in a room.
type Outbound struct {
	RoomCode string
	To       []string
	Event    string
	Payload  any
}

// Membership attaches or detaches a connection to a room's broadcast group.
type Membership struct {
	ConnectionID string
	RoomCode     string
}

// Result is everything the transport has to do after a request: attach
// connections, deliver events in order, detach connections, then tear down
// purged rooms.
type Result struct {
	Response Response
	Joined   []Membership
	Outbound []Outbound
	Left     []Membership
	Purged   []string
}

func (r *Result) send(room string, to []string, event string, payload any) {
	if len(to) == 0 {
		return
	}
	r.Outbound = append(r.Outbound, Outbound{RoomCode: room, To: to, Event: event, Payload: payload})
}

type Options struct {
	Limiter *ratelimit.Limiter
	Dice    dice.Source
	Now     func() time.Time
	Logger  *zap.Logger
}

type route func(ctx context.Context, c call) (Result, error)

type call struct {
	connID string
	raw    json.RawMessage
}

// Handler turns client events into store mutations and the broadcasts that
// follow them. It is not safe for concurrent use; the hub serializes calls.
type Handler struct {
	store   *store.Store
	reg     *registry.Registry
	limiter *ratelimit.Limiter
	dice    dice.Source
	now     func() time.Time
	log     *zap.Logger
	routes  map[string]route
}

func NewHandler(st *store.Store, reg *registry.Registry, opts Options) *Handler {
	if opts.Dice == nil {
		opts.Dice = dice.CryptoSource{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	h := &Handler{
		store:   st,
		reg:     reg,
		limiter: opts.Limiter,
		dice:    opts.Dice,
		now:     opts.Now,
		log:     opts.Logger.Named("protocol"),
	}
	h.routes = map[string]route{
		EventCreateSession:     h.createSession,
		EventReclaimSession:    h.reclaimSession,
		EventJoinSession:       h.joinSession,
		EventLeaveSession:      h.leaveSession,
		EventKickPlayer:        h.kickPlayer,
		EventUpdateMap:         h.updateMap,
		EventUpdateFog:         h.updateFog,
		EventAddToken:          h.addToken,
		EventMoveToken:         h.moveToken,
		EventUpdateToken:       h.updateToken,
		EventRemoveToken:       h.removeToken,
		EventSaveMap:           h.saveMap,
		EventShowMap:           h.showMap,
		EventHideMap:           h.hideMap,
		EventRollDice:          h.rollDice,
		EventSendChat:          h.sendChat,
		EventAddInitiative:     h.addInitiative,
		EventUpdateInitiative:  h.updateInitiative,
		EventRemoveInitiative:  h.removeInitiative,
		EventNextTurn:          h.combatCommand(engine.CmdNextTurn),
		EventStartCombat:       h.combatCommand(engine.CmdStartCombat),
		EventEndCombat:         h.combatCommand(engine.CmdEndCombat),
		EventSaveCharacter:     h.saveCharacter,
		EventGetCharacter:      h.getCharacter,
		EventGetAllCharacters:  h.getAllCharacters,
		EventDMUpdateCharacter: h.dmUpdateCharacter,
	}
	return h
}

// Handle runs one client event through rate limiting, decoding, the
// authority check and the store. Rejections never mutate state.
func (h *Handler) Handle(ctx context.Context, connID, event string, raw json.RawMessage) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			h.log.Error("handler panic", zap.String("event", event), zap.String("conn", connID), zap.Any("panic", p))
			res = Result{Response: failure(errorf(KindInternal, "Internal error"))}
		}
	}()

	if h.limiter != nil {
		class := ratelimit.General
		if event == EventSendChat {
			class = ratelimit.Chat
		}
		if !h.limiter.Allow(connID, class) {
			return Result{Response: failure(errorf(KindRateLimited, "Too many requests, slow down"))}
		}
	}

	rt, ok := h.routes[event]
	if !ok {
		return Result{Response: failure(errorf(KindValidation, "Unknown event %q", event))}
	}

	res, err := rt(ctx, call{connID: connID, raw: raw})
	if err != nil {
		pe := asError(err)
		if pe.Kind == KindInternal {
			h.log.Error("request failed", zap.String("event", event), zap.String("conn", connID), zap.Error(err))
		} else {
			h.log.Debug("request rejected", zap.String("event", event), zap.String("conn", connID), zap.String("kind", string(pe.Kind)), zap.Error(err))
		}
		return Result{Response: failure(pe)}
	}
	return res
}

// Disconnect cleans up after a closed connection. A player stays on the
// roster as disconnected; a DM's binding is released if still held.
func (h *Handler) Disconnect(connID string) Result {
	if h.limiter != nil {
		h.limiter.Forget(connID)
	}

	entry, ok := h.reg.Remove(connID)
	if !ok {
		return Result{}
	}
	res := Result{Left: []Membership{{ConnectionID: connID, RoomCode: entry.RoomCode}}}
	room := entry.RoomCode

	if entry.IsDM {
		if h.store.ClearDMConnection(room, connID) {
			res.send(room, h.reg.Members(room), EventDMDisconnected, map[string]any{"roomCode": room})
		}
		return res
	}

	p, err := h.store.MarkDisconnected(room, connID)
	if err != nil {
		return res
	}
	players, _ := h.store.GetPlayers(room)
	res.send(room, h.reg.Members(room), EventPlayerDisconnected, map[string]any{
		"playerId": p.ID,
		"players":  players,
	})
	return res
}

// Sweep purges idle rooms and tells anyone still connected to them.
func (h *Handler) Sweep(ctx context.Context) Result {
	var res Result
	for _, room := range h.store.CleanupExpiredSessions(ctx) {
		members := h.reg.RemoveRoom(room)
		res.send(room, members, EventSessionExpired, map[string]any{"roomCode": room})
		res.Purged = append(res.Purged, room)
	}
	return res
}

// member resolves the caller's room. Connections that never joined, were
// kicked, or whose room expired get not_found.
func (h *Handler) member(connID string) (registry.Entry, error) {
	entry, ok := h.reg.Lookup(connID)
	if !ok || !h.store.SessionExists(entry.RoomCode) {
		return registry.Entry{}, errorf(KindNotFound, "Not in a session")
	}
	return entry, nil
}

// dm resolves the caller's room and requires that it holds the DM binding,
// not merely that it once presented the key.
func (h *Handler) dm(connID string) (registry.Entry, error) {
	entry, err := h.member(connID)
	if err != nil {
		return entry, err
	}
	if !entry.IsDM || !h.store.IsDM(entry.RoomCode, connID) {
		return entry, errorf(KindUnauthorized, "Only the DM can do that")
	}
	return entry, nil
}

// audience splits a room into the bound DM and everyone else. A DM
// connection that lost its binding is treated as a player.
func (h *Handler) audience(room string) (dms, players []string) {
	for _, id := range h.reg.Members(room) {
		if h.store.IsDM(room, id) {
			dms = append(dms, id)
		} else {
			players = append(players, id)
		}
	}
	return dms, players
}

// leaveCurrent detaches connID from whatever room it is in, as a voluntary
// leave.
func (h *Handler) leaveCurrent(connID string) Result {
	entry, ok := h.reg.Remove(connID)
	if !ok {
		return Result{}
	}
	room := entry.RoomCode
	res := Result{Left: []Membership{{ConnectionID: connID, RoomCode: room}}}

	if entry.IsDM {
		if h.store.ClearDMConnection(room, connID) {
			res.send(room, h.reg.Members(room), EventDMDisconnected, map[string]any{"roomCode": room})
		}
		return res
	}

	p, err := h.store.RemovePlayer(room, connID)
	if err != nil {
		return res
	}
	players, _ := h.store.GetPlayers(room)
	members := h.reg.Members(room)
	res.send(room, members, EventPlayerLeft, map[string]any{"playerId": p.ID, "players": players, "kicked": false})
	res.send(room, members, EventChatReceived, map[string]any{
		"message": engine.SystemMessage(uuid.NewString(), fmt.Sprintf("%s left the session", p.Name), h.now()),
	})
	return res
}

func (h *Handler) rollerName(entry registry.Entry) string {
	if entry.IsDM {
		return "DM"
	}
	if p, ok := h.store.Player(entry.RoomCode, entry.ConnectionID); ok {
		return p.Name
	}
	return "Unknown"
}
