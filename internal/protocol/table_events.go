package protocol

import (
	"context"

	"github.com/DoyleJ11/tabletop-backend/internal/dice"
	"github.com/DoyleJ11/tabletop-backend/internal/engine"
	"github.com/DoyleJ11/tabletop-backend/internal/store"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// rollDice accepts results rolled by the client, checked against the
// notation, or rolls on the server when none are given. Only the DM may
// roll privately.
func (h *Handler) rollDice(_ context.Context, c call) (Result, error) {
	req, err := Decode[RollDice](c.raw)
	if err != nil {
		return Result{}, err
	}
	entry, err := h.member(c.connID)
	if err != nil {
		return Result{}, err
	}
	room := entry.RoomCode
	isDM := h.store.IsDM(room, c.connID)

	spec, err := dice.Parse(req.Roll.Notation)
	if err != nil {
		return Result{}, err
	}

	var rolled dice.Result
	if len(req.Roll.Results) == 0 {
		rolled, err = dice.Roll(h.dice, spec)
		if err != nil {
			return Result{}, err
		}
	} else {
		if req.Roll.Total == nil {
			return Result{}, errorf(KindValidation, "roll.total is required with results")
		}
		if err := dice.Check(spec, req.Roll.Results, req.Roll.Modifier, *req.Roll.Total); err != nil {
			return Result{}, err
		}
		rolled = dice.Result{Results: req.Roll.Results, Modifier: req.Roll.Modifier, Total: *req.Roll.Total}
	}

	roll := engine.DiceRoll{
		ID:         uuid.NewString(),
		RollerID:   c.connID,
		RollerName: h.rollerName(entry),
		Notation:   spec.String(),
		Label:      req.Roll.Label,
		Results:    rolled.Results,
		Modifier:   rolled.Modifier,
		Total:      rolled.Total,
		Timestamp:  h.now(),
		IsPrivate:  req.Roll.IsPrivate && isDM,
	}
	msg := engine.RollMessage(uuid.NewString(), roll)
	if err := h.store.Touch(room); err != nil {
		return Result{}, err
	}

	to := h.reg.Members(room)
	if roll.IsPrivate {
		to, _ = h.audience(room)
	}

	var res Result
	res.send(room, to, EventDiceRolled, map[string]any{"roll": roll})
	res.send(room, to, EventChatReceived, map[string]any{"message": msg})
	res.Response = success(map[string]any{"roll": roll, "message": msg})
	return res, nil
}

func (h *Handler) sendChat(_ context.Context, c call) (Result, error) {
	req, err := Decode[SendChat](c.raw)
	if err != nil {
		return Result{}, err
	}
	entry, err := h.member(c.connID)
	if err != nil {
		return Result{}, err
	}
	room := entry.RoomCode

	msg := engine.ChatMessage{
		ID:         uuid.NewString(),
		SenderID:   c.connID,
		SenderName: h.rollerName(entry),
		Content:    string(req.Message),
		Timestamp:  h.now(),
		Type:       engine.MessageChat,
	}
	if err := h.store.Touch(room); err != nil {
		return Result{}, err
	}

	var res Result
	res.send(room, h.reg.Members(room), EventChatReceived, map[string]any{"message": msg})
	res.Response = success(map[string]any{"message": msg})
	return res, nil
}

// addInitiative is open to players for their own roll. A player's entry is
// always tied to their connection, and a new roll replaces the old one.
func (h *Handler) addInitiative(_ context.Context, c call) (Result, error) {
	req, err := Decode[AddInitiative](c.raw)
	if err != nil {
		return Result{}, err
	}
	entry, err := h.member(c.connID)
	if err != nil {
		return Result{}, err
	}
	room := entry.RoomCode

	e := req.Entry
	e.IsActive = false
	if !h.store.IsDM(room, c.connID) {
		p, ok := h.store.Player(room, c.connID)
		if !ok {
			return Result{}, errorf(KindUnauthorized, "Only the DM can do that")
		}
		e.ID = ""
		e.PlayerID = p.ID
		e.IsNPC = false
		e.MonsterStats = nil
		if e.Name == "" {
			e.Name = p.Name
		}
		if e.TokenID != "" {
			if tok, err := h.store.Token(room, e.TokenID); err != nil || tok.OwnerID != c.connID {
				e.TokenID = ""
			}
		}
	}
	if e.Name == "" {
		return Result{}, errorf(KindValidation, "entry.name is required")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	out, err := h.store.ApplyCombat(room, engine.Command{Type: engine.CmdAddInitiative, Entry: e})
	if err != nil {
		return Result{}, err
	}
	return h.combatResult(room, c.connID, EventInitiativeUpdated, out), nil
}

func (h *Handler) updateInitiative(_ context.Context, c call) (Result, error) {
	req, err := Decode[UpdateInitiative](c.raw)
	if err != nil {
		return Result{}, err
	}
	entry, err := h.dm(c.connID)
	if err != nil {
		return Result{}, err
	}

	out, err := h.store.ApplyCombat(entry.RoomCode, engine.Command{
		Type:    engine.CmdUpdateInitiative,
		EntryID: req.EntryID,
		Update:  req.Updates,
	})
	if err != nil {
		return Result{}, err
	}
	return h.combatResult(entry.RoomCode, c.connID, EventInitiativeUpdated, out), nil
}

func (h *Handler) removeInitiative(_ context.Context, c call) (Result, error) {
	req, err := Decode[RemoveInitiative](c.raw)
	if err != nil {
		return Result{}, err
	}
	entry, err := h.dm(c.connID)
	if err != nil {
		return Result{}, err
	}

	out, err := h.store.ApplyCombat(entry.RoomCode, engine.Command{Type: engine.CmdRemoveInitiative, EntryID: req.EntryID})
	if err != nil {
		return Result{}, err
	}
	return h.combatResult(entry.RoomCode, c.connID, EventInitiativeUpdated, out), nil
}

func (h *Handler) combatCommand(cmd engine.CommandType) route {
	event := EventInitiativeUpdated
	switch cmd {
	case engine.CmdStartCombat:
		event = EventCombatStarted
	case engine.CmdEndCombat:
		event = EventCombatEnded
	}

	return func(_ context.Context, c call) (Result, error) {
		if _, err := Decode[Empty](c.raw); err != nil {
			return Result{}, err
		}
		entry, err := h.dm(c.connID)
		if err != nil {
			return Result{}, err
		}
		out, err := h.store.ApplyCombat(entry.RoomCode, engine.Command{Type: cmd})
		if err != nil {
			return Result{}, err
		}
		return h.combatResult(entry.RoomCode, c.connID, event, out), nil
	}
}

// combatResult broadcasts the new initiative list under event, plus the
// map when the command changed it, and acks with the caller's view.
func (h *Handler) combatResult(room, connID, event string, out store.CombatResult) Result {
	var res Result
	h.broadcastInitiative(&res, room, event, out.State)
	if event != EventCombatEnded && engine.ContainsEvent(out.Events, engine.EvtCombatEnded) {
		h.broadcastInitiative(&res, room, EventCombatEnded, out.State)
	}
	if out.Tokens != nil {
		h.broadcastTokens(&res, room, out.Tokens)
	}

	entries := out.State.Entries
	if !h.store.IsDM(room, connID) {
		entries = engine.PlayerInitiative(entries)
	}
	res.Response = success(map[string]any{
		"initiative":    entries,
		"isInCombat":    out.State.InCombat,
		"activeEntryId": engine.ActiveEntryID(out.State),
	})
	return res
}

func (h *Handler) broadcastInitiative(res *Result, room, event string, state engine.CombatState) {
	dms, players := h.audience(room)
	payload := func(entries []engine.InitiativeEntry) map[string]any {
		return map[string]any{
			"initiative":    entries,
			"isInCombat":    state.InCombat,
			"activeEntryId": engine.ActiveEntryID(state),
		}
	}
	res.send(room, dms, event, payload(state.Entries))
	res.send(room, players, event, payload(engine.PlayerInitiative(state.Entries)))
}

func (h *Handler) saveCharacter(_ context.Context, c call) (Result, error) {
	req, err := Decode[SaveCharacter](c.raw)
	if err != nil {
		return Result{}, err
	}
	entry, err := h.member(c.connID)
	if err != nil {
		return Result{}, err
	}

	saved, err := h.store.SaveCharacter(entry.RoomCode, c.connID, req.Character)
	if err != nil {
		return Result{}, err
	}

	var res Result
	h.broadcastCharacter(&res, entry.RoomCode, saved)
	res.Response = success(map[string]any{"character": saved})
	return res, nil
}

func (h *Handler) getCharacter(_ context.Context, c call) (Result, error) {
	if _, err := Decode[Empty](c.raw); err != nil {
		return Result{}, err
	}
	entry, err := h.member(c.connID)
	if err != nil {
		return Result{}, err
	}

	ch, err := h.store.GetCharacter(entry.RoomCode, c.connID)
	if err != nil {
		return Result{}, err
	}
	return Result{Response: success(map[string]any{"character": ch})}, nil
}

func (h *Handler) getAllCharacters(_ context.Context, c call) (Result, error) {
	if _, err := Decode[Empty](c.raw); err != nil {
		return Result{}, err
	}
	entry, err := h.dm(c.connID)
	if err != nil {
		return Result{}, err
	}

	all, err := h.store.AllCharacters(entry.RoomCode)
	if err != nil {
		return Result{}, err
	}
	return Result{Response: success(map[string]any{"characters": all})}, nil
}

func (h *Handler) dmUpdateCharacter(_ context.Context, c call) (Result, error) {
	req, err := Decode[DMUpdateCharacter](c.raw)
	if err != nil {
		return Result{}, err
	}
	entry, err := h.dm(c.connID)
	if err != nil {
		return Result{}, err
	}

	patched, err := h.store.PatchCharacter(entry.RoomCode, req.CharacterID, req.Updates)
	if err != nil {
		return Result{}, err
	}

	var res Result
	h.broadcastCharacter(&res, entry.RoomCode, patched)
	res.Response = success(map[string]any{"character": patched})
	return res, nil
}

// broadcastCharacter reaches the DM and the character's owner only.
func (h *Handler) broadcastCharacter(res *Result, room string, ch engine.Character) {
	dms, _ := h.audience(room)
	to := dms
	if owner, ok := h.reg.Lookup(ch.PlayerID); ok && owner.RoomCode == room {
		to = append(to, ch.PlayerID)
	}
	res.send(room, lo.Uniq(to), EventCharacterUpdated, map[string]any{"character": ch})
}
