package engine

import (
	"errors"
	"slices"
	"sort"
	"time"

	"github.com/samber/lo"
)

var ErrSessionNotFound = errors.New("session not found")
var ErrPlayerNotFound = errors.New("player not found")
var ErrRoomFull = errors.New("session is full")

type Player struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	IsConnected bool      `json:"isConnected"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// Session is the root aggregate of one room. DMKeyHash never leaves the
// server.
type Session struct {
	RoomCode       string
	DMKeyHash      []byte
	DMConnectionID string
	Players        map[string]*Player
	Map            MapState
	Initiative     []InitiativeEntry
	InCombat       bool
	PublicMap      *PublicMap
	SavedMaps      map[string]SavedMap
	Characters     map[string]*Character
	CreatedAt      time.Time
	LastActivity   time.Time
}

// NewSession returns an empty shell: no DM bound, no players, blank map.
func NewSession(code string, keyHash []byte, createdAt, lastActivity time.Time) *Session {
	return &Session{
		RoomCode:     code,
		DMKeyHash:    keyHash,
		Players:      make(map[string]*Player),
		Map:          NewMapState(),
		Initiative:   []InitiativeEntry{},
		SavedMaps:    make(map[string]SavedMap),
		Characters:   make(map[string]*Character),
		CreatedAt:    createdAt,
		LastActivity: lastActivity,
	}
}

func (s *Session) Combat() CombatState {
	return CombatState{Entries: cloneEntries(s.Initiative), InCombat: s.InCombat}
}

func (s *Session) SetCombat(c CombatState) {
	s.Initiative = cloneEntries(c.Entries)
	s.InCombat = c.InCombat
}

// Roster is sorted for display only; turn order lives in Initiative.
func (s *Session) Roster() []Player {
	players := make([]Player, 0, len(s.Players))
	for _, p := range s.Players {
		players = append(players, *p)
	}
	sort.Slice(players, func(i, j int) bool {
		if players[i].Name != players[j].Name {
			return players[i].Name < players[j].Name
		}
		return players[i].ID < players[j].ID
	})
	return players
}

func (s *Session) HasDM() bool { return s.DMConnectionID != "" }

func (s *Session) SavedMapList() []SavedMap {
	maps := lo.Values(s.SavedMaps)
	sort.Slice(maps, func(i, j int) bool { return maps[i].Name < maps[j].Name })
	return maps
}

// Clone deep-copies everything a reader might hold on to.
func (s *Session) Clone() *Session {
	out := *s
	out.DMKeyHash = slices.Clone(s.DMKeyHash)
	out.Players = make(map[string]*Player, len(s.Players))
	for id, p := range s.Players {
		cp := *p
		out.Players[id] = &cp
	}
	out.Map = s.Map.Clone()
	out.Initiative = cloneEntries(s.Initiative)
	if s.PublicMap != nil {
		pm := s.PublicMap.Clone()
		out.PublicMap = &pm
	}
	out.SavedMaps = make(map[string]SavedMap, len(s.SavedMaps))
	for id, m := range s.SavedMaps {
		out.SavedMaps[id] = SavedMap{ID: m.ID, Name: m.Name, MapState: m.MapState.Clone()}
	}
	out.Characters = make(map[string]*Character, len(s.Characters))
	for id, c := range s.Characters {
		cp := c.Clone()
		out.Characters[id] = &cp
	}
	return &out
}

// View is the session state sent to a client when it joins or reclaims.
type View struct {
	RoomCode    string            `json:"roomCode"`
	Players     []Player          `json:"players"`
	MapState    MapState          `json:"mapState"`
	Initiative  []InitiativeEntry `json:"initiative"`
	IsInCombat  bool              `json:"isInCombat"`
	PublicMap   *PublicMap        `json:"publicMap,omitempty"`
	SavedMaps   []SavedMap        `json:"savedMaps,omitempty"`
	DMConnected bool              `json:"dmConnected"`
}

func (s *Session) DMView() View {
	c := s.Clone()
	return View{
		RoomCode:    c.RoomCode,
		Players:     c.Roster(),
		MapState:    c.Map,
		Initiative:  c.Initiative,
		IsInCombat:  c.InCombat,
		PublicMap:   c.ShownMap(),
		SavedMaps:   c.SavedMapList(),
		DMConnected: c.HasDM(),
	}
}

func (s *Session) PlayerView() View {
	v := View{
		RoomCode:    s.RoomCode,
		Players:     s.Roster(),
		MapState:    s.Map.PlayerView(),
		Initiative:  PlayerInitiative(s.Initiative),
		IsInCombat:  s.InCombat,
		DMConnected: s.HasDM(),
	}
	if shown := s.ShownMap(); shown != nil {
		pm := shown.PlayerView()
		v.PublicMap = &pm
	}
	return v
}

// ShownMap is what players see while a map is shown: the shown layout with
// the live tokens on it. A live view follows the whole map. It is nil when
// nothing is shown.
func (s *Session) ShownMap() *PublicMap {
	if s.PublicMap == nil {
		return nil
	}
	pm := PublicMap{MapID: s.PublicMap.MapID, Live: s.PublicMap.Live}
	if s.PublicMap.Live {
		pm.MapState = s.Map.Clone()
	} else {
		pm.MapState = s.PublicMap.MapState.Clone()
		pm.MapState.Tokens = s.Map.CloneTokens()
	}
	return &pm
}

// PlayerMap is the map players currently see, hidden tokens removed.
func (s *Session) PlayerMap() MapState {
	if shown := s.ShownMap(); shown != nil {
		return shown.MapState.PlayerView()
	}
	return s.Map.PlayerView()
}

// PlayerInitiative hides monster stat blocks, which are DM reference material.
func PlayerInitiative(entries []InitiativeEntry) []InitiativeEntry {
	return lo.Map(entries, func(e InitiativeEntry, _ int) InitiativeEntry {
		e = e.Clone()
		e.MonsterStats = nil
		return e
	})
}
