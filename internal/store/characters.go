package store

import (
	"sort"

	"github.com/DoyleJ11/tabletop-backend/internal/engine"
	"github.com/DoyleJ11/tabletop-backend/internal/roomcode"
	"github.com/google/uuid"
)

// SaveCharacter replaces the character owned by playerID.
func (s *Store) SaveCharacter(code, playerID string, c engine.Character) (engine.Character, error) {
	var saved engine.Character
	err := s.mutate(code, func(sess *engine.Session) error {
		if _, ok := sess.Players[playerID]; !ok {
			return engine.ErrPlayerNotFound
		}
		if prev, ok := sess.Characters[playerID]; ok && c.ID == "" {
			c.ID = prev.ID
		}
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.PlayerID = playerID
		c.Name = engine.NormalizeName(c.Name)
		c.UpdatedAt = s.opts.Now()

		stored := c.Clone()
		sess.Characters[playerID] = &stored
		saved = stored.Clone()
		return nil
	})
	return saved, err
}

func (s *Store) GetCharacter(code, playerID string) (engine.Character, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[roomcode.Canonical(code)]
	if !ok {
		return engine.Character{}, engine.ErrSessionNotFound
	}
	c, ok := sess.Characters[playerID]
	if !ok {
		return engine.Character{}, engine.ErrCharacterNotFound
	}
	return c.Clone(), nil
}

// AllCharacters lists every character in the room by name.
func (s *Store) AllCharacters(code string) ([]engine.Character, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[roomcode.Canonical(code)]
	if !ok {
		return nil, engine.ErrSessionNotFound
	}
	out := make([]engine.Character, 0, len(sess.Characters))
	for _, c := range sess.Characters {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// PatchCharacter applies a DM edit. id may be the character id or the
// owning player's id.
func (s *Store) PatchCharacter(code, id string, p engine.CharacterPatch) (engine.Character, error) {
	var patched engine.Character
	err := s.mutate(code, func(sess *engine.Session) error {
		key := ""
		if _, ok := sess.Characters[id]; ok {
			key = id
		} else {
			for owner, c := range sess.Characters {
				if c.ID == id {
					key = owner
					break
				}
			}
		}
		if key == "" {
			return engine.ErrCharacterNotFound
		}

		next := sess.Characters[key].Apply(p)
		next.UpdatedAt = s.opts.Now()
		sess.Characters[key] = &next
		patched = next.Clone()
		return nil
	})
	return patched, err
}
