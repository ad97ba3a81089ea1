package store

import (
	"context"

	"github.com/DoyleJ11/tabletop-backend/internal/engine"
	"github.com/DoyleJ11/tabletop-backend/internal/roomcode"
)

// AddPlayer puts a new player under connID. A disconnected player with the
// same name is treated as the same person coming back and is replaced;
// connected players may share a name. Token ownership does not carry over.
func (s *Store) AddPlayer(code, connID, name string) (engine.Player, error) {
	name = engine.NormalizeName(name)
	var added engine.Player
	var superseded []string

	err := s.mutate(code, func(sess *engine.Session) error {
		for id, p := range sess.Players {
			if !p.IsConnected && id != connID && engine.SameName(p.Name, name) {
				superseded = append(superseded, id)
			}
		}

		count := len(sess.Players) - len(superseded)
		if _, rejoining := sess.Players[connID]; rejoining {
			count--
		}
		if s.opts.MaxPlayers > 0 && count >= s.opts.MaxPlayers {
			superseded = nil
			return engine.ErrRoomFull
		}

		for _, id := range superseded {
			delete(sess.Players, id)
		}
		added = engine.Player{ID: connID, Name: name, IsConnected: true, JoinedAt: s.opts.Now()}
		p := added
		sess.Players[connID] = &p
		return nil
	})
	if err != nil {
		return engine.Player{}, err
	}

	room := roomcode.Canonical(code)
	for _, id := range superseded {
		s.enqueue("delete player", func(ctx context.Context, cp Checkpoint) error {
			return cp.DeletePlayer(ctx, id)
		})
	}
	rec := PlayerRecord{ID: added.ID, RoomCode: room, Name: added.Name, JoinedAt: added.JoinedAt}
	s.enqueue("upsert player", func(ctx context.Context, cp Checkpoint) error {
		return cp.UpsertPlayer(ctx, rec)
	})
	return added, nil
}

// RemovePlayer deletes the player record (kick or voluntary leave).
func (s *Store) RemovePlayer(code, id string) (engine.Player, error) {
	var removed engine.Player
	err := s.mutate(code, func(sess *engine.Session) error {
		p, ok := sess.Players[id]
		if !ok {
			return engine.ErrPlayerNotFound
		}
		removed = *p
		delete(sess.Players, id)
		return nil
	})
	if err != nil {
		return engine.Player{}, err
	}

	s.enqueue("delete player", func(ctx context.Context, cp Checkpoint) error {
		return cp.DeletePlayer(ctx, id)
	})
	return removed, nil
}

// MarkDisconnected keeps the record so a reconnecting player can be matched
// by name.
func (s *Store) MarkDisconnected(code, id string) (engine.Player, error) {
	var player engine.Player
	err := s.mutate(code, func(sess *engine.Session) error {
		p, ok := sess.Players[id]
		if !ok {
			return engine.ErrPlayerNotFound
		}
		p.IsConnected = false
		player = *p
		return nil
	})
	return player, err
}

// GetPlayers returns the roster sorted for display.
func (s *Store) GetPlayers(code string) ([]engine.Player, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[roomcode.Canonical(code)]
	if !ok {
		return nil, false
	}
	return sess.Roster(), true
}

func (s *Store) Player(code, id string) (engine.Player, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[roomcode.Canonical(code)]
	if !ok {
		return engine.Player{}, false
	}
	p, ok := sess.Players[id]
	if !ok {
		return engine.Player{}, false
	}
	return *p, true
}
