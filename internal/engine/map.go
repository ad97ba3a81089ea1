package engine

import (
	"errors"
	"slices"

	"github.com/samber/lo"
)

var ErrTokenNotFound = errors.New("token not found")
var ErrDuplicateToken = errors.New("token already exists")
var ErrMapNotFound = errors.New("saved map not found")

const DefaultGridSize = 50

type TokenSize string

const (
	SizeTiny       TokenSize = "tiny"
	SizeSmall      TokenSize = "small"
	SizeMedium     TokenSize = "medium"
	SizeLarge      TokenSize = "large"
	SizeHuge       TokenSize = "huge"
	SizeGargantuan TokenSize = "gargantuan"
)

// Multiplier is how many grid squares a token of this size spans per side.
func (s TokenSize) Multiplier() float64 {
	switch s {
	case SizeTiny:
		return 0.5
	case SizeLarge:
		return 2
	case SizeHuge:
		return 3
	case SizeGargantuan:
		return 4
	default:
		return 1
	}
}

type Token struct {
	ID         string     `json:"id" validate:"max=64"`
	Name       string     `json:"name" validate:"required,max=64"`
	X          int        `json:"x" validate:"min=0"`
	Y          int        `json:"y" validate:"min=0"`
	Size       TokenSize  `json:"size" validate:"omitempty,oneof=tiny small medium large huge gargantuan"`
	Color      string     `json:"color,omitempty" validate:"max=32"`
	IsHidden   bool       `json:"isHidden"`
	OwnerID    string     `json:"ownerId,omitempty"`
	HP         *HitPoints `json:"hp,omitempty"`
	Conditions []string   `json:"conditions,omitempty" validate:"max=20,dive,max=32"`
}

type TokenUpdate struct {
	Name       *string    `json:"name" validate:"omitempty,min=1,max=64"`
	X          *int       `json:"x" validate:"omitempty,min=0"`
	Y          *int       `json:"y" validate:"omitempty,min=0"`
	Size       *TokenSize `json:"size" validate:"omitempty,oneof=tiny small medium large huge gargantuan"`
	Color      *string    `json:"color" validate:"omitempty,max=32"`
	IsHidden   *bool      `json:"isHidden"`
	OwnerID    *string    `json:"ownerId"`
	HP         *HitPoints `json:"hp"`
	Conditions *[]string  `json:"conditions"`
}

func (t Token) Apply(u TokenUpdate) Token {
	if u.Name != nil {
		t.Name = *u.Name
	}
	if u.X != nil {
		t.X = *u.X
	}
	if u.Y != nil {
		t.Y = *u.Y
	}
	if u.Size != nil {
		t.Size = *u.Size
	}
	if u.Color != nil {
		t.Color = *u.Color
	}
	if u.IsHidden != nil {
		t.IsHidden = *u.IsHidden
	}
	if u.OwnerID != nil {
		t.OwnerID = *u.OwnerID
	}
	if u.HP != nil {
		hp := *u.HP
		t.HP = &hp
	}
	if u.Conditions != nil {
		t.Conditions = slices.Clone(*u.Conditions)
	}
	return t
}

func (t Token) Clone() Token {
	if t.HP != nil {
		hp := *t.HP
		t.HP = &hp
	}
	t.Conditions = slices.Clone(t.Conditions)
	return t
}

type FogArea struct {
	ID         string `json:"id" validate:"max=64"`
	X          int    `json:"x"`
	Y          int    `json:"y"`
	Width      int    `json:"width" validate:"gt=0"`
	Height     int    `json:"height" validate:"gt=0"`
	IsRevealed bool   `json:"isRevealed"`
}

type MapState struct {
	ImageURL    *string   `json:"imageUrl"`
	GridSize    int       `json:"gridSize" validate:"min=0,max=500"`
	GridOffsetX int       `json:"gridOffsetX"`
	GridOffsetY int       `json:"gridOffsetY"`
	ShowGrid    bool      `json:"showGrid"`
	Tokens      []Token   `json:"tokens" validate:"max=500,dive"`
	FogOfWar    []FogArea `json:"fogOfWar" validate:"max=500,dive"`
}

// MapUpdate merges field by field. A nil slice means "leave as is"; an
// empty slice clears. An empty ImageURL clears the image.
type MapUpdate struct {
	ImageURL    *string   `json:"imageUrl" validate:"omitempty,max=2048"`
	GridSize    *int      `json:"gridSize" validate:"omitempty,min=10,max=500"`
	GridOffsetX *int      `json:"gridOffsetX"`
	GridOffsetY *int      `json:"gridOffsetY"`
	ShowGrid    *bool     `json:"showGrid"`
	Tokens      []Token   `json:"tokens" validate:"max=500,dive"`
	FogOfWar    []FogArea `json:"fogOfWar" validate:"max=500,dive"`
}

func NewMapState() MapState {
	return MapState{
		GridSize: DefaultGridSize,
		ShowGrid: true,
		Tokens:   []Token{},
		FogOfWar: []FogArea{},
	}
}

// Merge returns m with u applied. The result shares no slices with either.
func (m MapState) Merge(u MapUpdate) MapState {
	out := m.Clone()
	if u.ImageURL != nil {
		if *u.ImageURL == "" {
			out.ImageURL = nil
		} else {
			url := *u.ImageURL
			out.ImageURL = &url
		}
	}
	if u.GridSize != nil {
		out.GridSize = *u.GridSize
	}
	if u.GridOffsetX != nil {
		out.GridOffsetX = *u.GridOffsetX
	}
	if u.GridOffsetY != nil {
		out.GridOffsetY = *u.GridOffsetY
	}
	if u.ShowGrid != nil {
		out.ShowGrid = *u.ShowGrid
	}
	if u.Tokens != nil {
		out.Tokens = lo.Map(u.Tokens, func(t Token, _ int) Token { return t.Clone() })
	}
	if u.FogOfWar != nil {
		out.FogOfWar = slices.Clone(u.FogOfWar)
	}
	return out
}

func (m MapState) Clone() MapState {
	if m.ImageURL != nil {
		url := *m.ImageURL
		m.ImageURL = &url
	}
	m.Tokens = m.CloneTokens()
	m.FogOfWar = m.CloneFog()
	return m
}

func (m MapState) CloneTokens() []Token {
	return lo.Map(m.Tokens, func(t Token, _ int) Token { return t.Clone() })
}

func (m MapState) CloneFog() []FogArea {
	if m.FogOfWar == nil {
		return []FogArea{}
	}
	return slices.Clone(m.FogOfWar)
}

// VisibleTokens is the token list a player may see.
func (m MapState) VisibleTokens() []Token {
	return lo.FilterMap(m.Tokens, func(t Token, _ int) (Token, bool) {
		return t.Clone(), !t.IsHidden
	})
}

// PlayerView strips hidden tokens. Fog areas are sent as-is; the client
// draws unrevealed areas as opaque.
func (m MapState) PlayerView() MapState {
	out := m.Clone()
	out.Tokens = m.VisibleTokens()
	return out
}

func (m *MapState) Token(id string) (Token, bool) {
	idx := m.tokenIndex(id)
	if idx < 0 {
		return Token{}, false
	}
	return m.Tokens[idx].Clone(), true
}

func (m *MapState) AddToken(t Token) error {
	if m.tokenIndex(t.ID) >= 0 {
		return ErrDuplicateToken
	}
	if t.Size == "" {
		t.Size = SizeMedium
	}
	m.Tokens = append(m.Tokens, t.Clone())
	return nil
}

// PrepareTokens readies a replacement token list the way AddToken readies
// one token: blank ids come from newID and blank sizes become medium. Ids
// must be unique.
func PrepareTokens(tokens []Token, newID func() string) ([]Token, error) {
	out := make([]Token, 0, len(tokens))
	seen := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		t = t.Clone()
		if t.ID == "" {
			t.ID = newID()
		}
		if t.Size == "" {
			t.Size = SizeMedium
		}
		if seen[t.ID] {
			return nil, ErrDuplicateToken
		}
		seen[t.ID] = true
		out = append(out, t)
	}
	return out, nil
}

func (m *MapState) UpdateToken(id string, u TokenUpdate) (Token, error) {
	idx := m.tokenIndex(id)
	if idx < 0 {
		return Token{}, ErrTokenNotFound
	}
	m.Tokens[idx] = m.Tokens[idx].Apply(u)
	return m.Tokens[idx].Clone(), nil
}

func (m *MapState) MoveToken(id string, x, y int) (Token, error) {
	return m.UpdateToken(id, TokenUpdate{X: &x, Y: &y})
}

func (m *MapState) RemoveToken(id string) error {
	idx := m.tokenIndex(id)
	if idx < 0 {
		return ErrTokenNotFound
	}
	m.Tokens = slices.Delete(m.Tokens, idx, idx+1)
	return nil
}

func (m *MapState) tokenIndex(id string) int {
	return slices.IndexFunc(m.Tokens, func(t Token) bool { return t.ID == id })
}

// SavedMap is one entry of the DM's map library.
type SavedMap struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	MapState MapState `json:"mapState"`
}

// PublicMap is the map view currently shown to players. Live marks a view
// shown from the live map, which keeps following it.
type PublicMap struct {
	MapID    string   `json:"mapId"`
	Live     bool     `json:"live"`
	MapState MapState `json:"mapState"`
}

func (p PublicMap) PlayerView() PublicMap {
	return PublicMap{MapID: p.MapID, Live: p.Live, MapState: p.MapState.PlayerView()}
}

func (p PublicMap) Clone() PublicMap {
	p.MapState = p.MapState.Clone()
	return p
}
