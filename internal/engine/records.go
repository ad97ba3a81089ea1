package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

var ErrCharacterNotFound = errors.New("character not found")

type DiceRoll struct {
	ID         string    `json:"id"`
	RollerID   string    `json:"rollerId"`
	RollerName string    `json:"rollerName"`
	Notation   string    `json:"notation"`
	Label      string    `json:"label,omitempty"`
	Results    []int     `json:"results"`
	Modifier   int       `json:"modifier"`
	Total      int       `json:"total"`
	Timestamp  time.Time `json:"timestamp"`
	IsPrivate  bool      `json:"isPrivate"`
}

type MessageType string

const (
	MessageChat   MessageType = "chat"
	MessageSystem MessageType = "system"
	MessageRoll   MessageType = "roll"
)

type ChatMessage struct {
	ID         string      `json:"id"`
	SenderID   string      `json:"senderId"`
	SenderName string      `json:"senderName"`
	Content    string      `json:"content"`
	Timestamp  time.Time   `json:"timestamp"`
	Type       MessageType `json:"type"`
	Roll       *DiceRoll   `json:"roll,omitempty"`
}

// RollMessage mirrors a dice roll into the chat log.
func RollMessage(id string, r DiceRoll) ChatMessage {
	parts := make([]string, len(r.Results))
	for i, v := range r.Results {
		parts[i] = strconv.Itoa(v)
	}

	content := fmt.Sprintf("rolled %s: [%s]", r.Notation, strings.Join(parts, ", "))
	if r.Modifier > 0 {
		content += fmt.Sprintf(" + %d", r.Modifier)
	} else if r.Modifier < 0 {
		content += fmt.Sprintf(" - %d", -r.Modifier)
	}
	content += fmt.Sprintf(" = %d", r.Total)
	if r.Label != "" {
		content = r.Label + ": " + content
	}

	roll := r
	roll.Results = slices.Clone(r.Results)
	return ChatMessage{
		ID:         id,
		SenderID:   r.RollerID,
		SenderName: r.RollerName,
		Content:    content,
		Timestamp:  r.Timestamp,
		Type:       MessageRoll,
		Roll:       &roll,
	}
}

func SystemMessage(id, content string, at time.Time) ChatMessage {
	return ChatMessage{ID: id, SenderName: "System", Content: content, Timestamp: at, Type: MessageSystem}
}

// Character is a player-owned sheet. Everything except identity, HP and
// conditions is an opaque document the server stores and forwards.
type Character struct {
	ID         string          `json:"id" validate:"max=64"`
	PlayerID   string          `json:"playerId"`
	Name       string          `json:"name" validate:"required,max=64"`
	HP         *HitPoints      `json:"hp,omitempty"`
	Conditions []string        `json:"conditions,omitempty" validate:"max=20,dive,max=32"`
	Sheet      json.RawMessage `json:"sheet,omitempty"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

type CharacterPatch struct {
	Name       *string         `json:"name" validate:"omitempty,min=1,max=64"`
	HP         *HitPoints      `json:"hp"`
	Conditions *[]string       `json:"conditions"`
	Sheet      json.RawMessage `json:"sheet"`
}

func (c Character) Apply(p CharacterPatch) Character {
	c = c.Clone()
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.HP != nil {
		hp := *p.HP
		c.HP = &hp
	}
	if p.Conditions != nil {
		c.Conditions = slices.Clone(*p.Conditions)
	}
	if len(p.Sheet) > 0 {
		c.Sheet = slices.Clone(p.Sheet)
	}
	return c
}

func (c Character) Clone() Character {
	if c.HP != nil {
		hp := *c.HP
		c.HP = &hp
	}
	c.Conditions = slices.Clone(c.Conditions)
	c.Sheet = slices.Clone(c.Sheet)
	return c
}
