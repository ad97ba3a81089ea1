package store

import (
	"github.com/DoyleJ11/tabletop-backend/internal/engine"
	"github.com/DoyleJ11/tabletop-backend/internal/roomcode"
)

type CombatResult struct {
	State  engine.CombatState
	Events []engine.Event
	// Tokens is set when the command changed the map: a defeated creature's
	// token was removed or a linked token's HP was synced.
	Tokens []engine.Token
}

func (s *Store) Combat(code string) (engine.CombatState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[roomcode.Canonical(code)]
	if !ok {
		return engine.CombatState{}, false
	}
	return sess.Combat(), true
}

// ApplyCombat runs one initiative command against the room and carries its
// consequences over to the map.
func (s *Store) ApplyCombat(code string, cmd engine.Command) (CombatResult, error) {
	var out CombatResult
	err := s.mutate(code, func(sess *engine.Session) error {
		events, next, err := engine.Apply(sess.Combat(), cmd)
		if err != nil {
			return err
		}
		sess.SetCombat(next)

		// The link is read after the update so a tokenId change in the same
		// command syncs the newly linked token.
		var linkedToken string
		if cmd.Type == engine.CmdUpdateInitiative && cmd.Update.HP != nil {
			for _, e := range next.Entries {
				if e.ID == cmd.EntryID {
					linkedToken = e.TokenID
				}
			}
		}

		mapChanged := false
		for _, ev := range events {
			if ev.Type == engine.EvtCreatureDefeated && ev.TokenID != "" {
				if sess.Map.RemoveToken(ev.TokenID) == nil {
					mapChanged = true
				}
				linkedToken = ""
			}
		}
		if linkedToken != "" {
			hp := *cmd.Update.HP
			if hp.Current < 0 {
				hp.Current = 0
			}
			if _, err := sess.Map.UpdateToken(linkedToken, engine.TokenUpdate{HP: &hp}); err == nil {
				mapChanged = true
			}
		}

		out.State = sess.Combat()
		out.Events = events
		if mapChanged {
			out.Tokens = sess.Map.CloneTokens()
		}
		return nil
	})
	return out, err
}
