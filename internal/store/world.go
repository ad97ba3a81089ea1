package store

import (
	"github.com/DoyleJ11/tabletop-backend/internal/engine"
	"github.com/DoyleJ11/tabletop-backend/internal/roomcode"
	"github.com/google/uuid"
)

// TokenRemoval is the result of removing a token. Initiative is set when an
// entry pointed at the removed token and had to be unlinked.
type TokenRemoval struct {
	Tokens     []engine.Token
	Initiative *engine.CombatState
}

func (s *Store) MapState(code string) (engine.MapState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[roomcode.Canonical(code)]
	if !ok {
		return engine.MapState{}, false
	}
	return sess.Map.Clone(), true
}

// PlayerMap is the map players currently see, hidden tokens removed.
func (s *Store) PlayerMap(code string) (engine.MapState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[roomcode.Canonical(code)]
	if !ok {
		return engine.MapState{}, false
	}
	return sess.PlayerMap(), true
}

// UpdateMapState merges u into the room's map and returns the full result.
// A replacement token list gets ids and sizes filled in, and initiative
// entries linked to tokens that are gone are unlinked. The returned combat
// state is set only when that happened.
func (s *Store) UpdateMapState(code string, u engine.MapUpdate) (engine.MapState, *engine.CombatState, error) {
	if u.Tokens != nil {
		tokens, err := engine.PrepareTokens(u.Tokens, uuid.NewString)
		if err != nil {
			return engine.MapState{}, nil, err
		}
		u.Tokens = tokens
	}

	var out engine.MapState
	var initiative *engine.CombatState
	err := s.mutate(code, func(sess *engine.Session) error {
		merged := sess.Map.Merge(u)

		state := sess.Combat()
		changed := false
		for _, e := range sess.Initiative {
			if u.Tokens == nil || e.TokenID == "" {
				continue
			}
			if _, ok := merged.Token(e.TokenID); ok {
				continue
			}
			_, next, err := engine.Apply(state, engine.Command{Type: engine.CmdUnlinkToken, TokenID: e.TokenID})
			if err != nil {
				return err
			}
			state = next
			changed = true
		}

		sess.Map = merged
		out = merged.Clone()
		if changed {
			sess.SetCombat(state)
			cs := sess.Combat()
			initiative = &cs
		}
		return nil
	})
	return out, initiative, err
}

func (s *Store) UpdateFogOfWar(code string, fog []engine.FogArea) ([]engine.FogArea, error) {
	if fog == nil {
		fog = []engine.FogArea{}
	}
	var out []engine.FogArea
	err := s.mutate(code, func(sess *engine.Session) error {
		sess.Map = sess.Map.Merge(engine.MapUpdate{FogOfWar: fog})
		out = sess.Map.CloneFog()
		return nil
	})
	return out, err
}

func (s *Store) Token(code, id string) (engine.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[roomcode.Canonical(code)]
	if !ok {
		return engine.Token{}, engine.ErrSessionNotFound
	}
	t, ok := sess.Map.Token(id)
	if !ok {
		return engine.Token{}, engine.ErrTokenNotFound
	}
	return t, nil
}

// AddToken assigns an id when the caller left it blank and returns the new
// token plus the full token list.
func (s *Store) AddToken(code string, t engine.Token) (engine.Token, []engine.Token, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	var added engine.Token
	var tokens []engine.Token
	err := s.mutate(code, func(sess *engine.Session) error {
		if err := sess.Map.AddToken(t); err != nil {
			return err
		}
		added, _ = sess.Map.Token(t.ID)
		tokens = sess.Map.CloneTokens()
		return nil
	})
	return added, tokens, err
}

func (s *Store) UpdateToken(code, id string, u engine.TokenUpdate) ([]engine.Token, error) {
	var tokens []engine.Token
	err := s.mutate(code, func(sess *engine.Session) error {
		if _, err := sess.Map.UpdateToken(id, u); err != nil {
			return err
		}
		tokens = sess.Map.CloneTokens()
		return nil
	})
	return tokens, err
}

func (s *Store) MoveToken(code, id string, x, y int) ([]engine.Token, error) {
	return s.UpdateToken(code, id, engine.TokenUpdate{X: &x, Y: &y})
}

// RemoveToken deletes the token and unlinks any initiative entry that
// referenced it.
func (s *Store) RemoveToken(code, id string) (TokenRemoval, error) {
	var out TokenRemoval
	err := s.mutate(code, func(sess *engine.Session) error {
		events, combat, err := engine.Apply(sess.Combat(), engine.Command{Type: engine.CmdUnlinkToken, TokenID: id})
		if err != nil {
			return err
		}
		if err := sess.Map.RemoveToken(id); err != nil {
			return err
		}
		if len(events) > 0 {
			sess.SetCombat(combat)
			c := sess.Combat()
			out.Initiative = &c
		}
		out.Tokens = sess.Map.CloneTokens()
		return nil
	})
	return out, err
}

// SaveMap stores a snapshot in the room's map library. A nil state saves
// the current map.
func (s *Store) SaveMap(code, name string, state *engine.MapState) (engine.SavedMap, error) {
	var saved engine.SavedMap
	err := s.mutate(code, func(sess *engine.Session) error {
		ms := sess.Map
		if state != nil {
			ms = *state
		}
		saved = engine.SavedMap{ID: uuid.NewString(), Name: engine.NormalizeName(name), MapState: ms.Clone()}
		sess.SavedMaps[saved.ID] = saved
		saved.MapState = saved.MapState.Clone()
		return nil
	})
	return saved, err
}

// ShowMap sets the map players see. An explicit state wins; otherwise mapID
// names a saved map; with neither the live map is shown and followed. Tokens
// always come from the live map.
func (s *Store) ShowMap(code, mapID string, state *engine.MapState) (engine.PublicMap, error) {
	var pm engine.PublicMap
	err := s.mutate(code, func(sess *engine.Session) error {
		var shown engine.PublicMap
		switch {
		case state != nil:
			shown = engine.PublicMap{MapID: mapID, MapState: state.Clone()}
		case mapID != "":
			saved, ok := sess.SavedMaps[mapID]
			if !ok {
				return engine.ErrMapNotFound
			}
			shown = engine.PublicMap{MapID: mapID, MapState: saved.MapState.Clone()}
		default:
			shown = engine.PublicMap{Live: true}
		}
		sess.PublicMap = &shown
		pm = *sess.ShownMap()
		return nil
	})
	return pm, err
}

func (s *Store) HideMap(code string) error {
	return s.mutate(code, func(sess *engine.Session) error {
		sess.PublicMap = nil
		return nil
	})
}
