package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/DoyleJ11/tabletop-backend/internal/engine"
	"github.com/DoyleJ11/tabletop-backend/internal/roomcode"
	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("roomcode", func(fl validator.FieldLevel) bool {
		return roomcode.Valid(fl.Field().String())
	})
	return v
}

// normalizer is implemented by requests that clean their input before
// validation.
type normalizer interface {
	normalize()
}

type ReclaimSession struct {
	RoomCode string `json:"roomCode" validate:"required,roomcode"`
	DMKey    string `json:"dmKey" validate:"required,max=64"`
}

func (r *ReclaimSession) normalize() {
	r.RoomCode = roomcode.Canonical(r.RoomCode)
	r.DMKey = strings.TrimSpace(r.DMKey)
}

type JoinSession struct {
	RoomCode   string `json:"roomCode" validate:"required,roomcode"`
	PlayerName string `json:"playerName" validate:"required,max=32"`
}

func (r *JoinSession) normalize() {
	r.RoomCode = roomcode.Canonical(r.RoomCode)
	r.PlayerName = engine.NormalizeName(r.PlayerName)
}

type KickPlayer struct {
	PlayerID string `json:"playerId" validate:"required,max=64"`
}

type UpdateMap struct {
	MapState engine.MapUpdate `json:"mapState"`
}

type UpdateFog struct {
	FogOfWar []engine.FogArea `json:"fogOfWar" validate:"required,max=500,dive"`
}

type AddToken struct {
	Token engine.Token `json:"token"`
}

func (r *AddToken) normalize() { r.Token.Name = engine.NormalizeName(r.Token.Name) }

type MoveToken struct {
	TokenID string `json:"tokenId" validate:"required,max=64"`
	X       *int   `json:"x" validate:"required,min=0,max=10000"`
	Y       *int   `json:"y" validate:"required,min=0,max=10000"`
}

type UpdateToken struct {
	TokenID string             `json:"tokenId" validate:"required,max=64"`
	Updates engine.TokenUpdate `json:"updates"`
}

type RemoveToken struct {
	TokenID string `json:"tokenId" validate:"required,max=64"`
}

type SaveMap struct {
	Name     string           `json:"name" validate:"required,max=64"`
	MapState *engine.MapState `json:"mapState"`
}

func (r *SaveMap) normalize() { r.Name = engine.NormalizeName(r.Name) }

type ShowMap struct {
	MapID    string           `json:"mapId" validate:"max=64"`
	MapState *engine.MapState `json:"mapState"`
}

type RollInput struct {
	Notation  string `json:"notation" validate:"required,max=32"`
	Label     string `json:"label" validate:"max=64"`
	Results   []int  `json:"results" validate:"max=100"`
	Modifier  int    `json:"modifier"`
	Total     *int   `json:"total"`
	IsPrivate bool   `json:"isPrivate"`
}

type RollDice struct {
	Roll RollInput `json:"roll"`
}

func (r *RollDice) normalize() {
	r.Roll.Notation = strings.TrimSpace(r.Roll.Notation)
	r.Roll.Label = strings.TrimSpace(r.Roll.Label)
}

// ChatText accepts either a bare string or an object with a content field.
type ChatText string

func (c *ChatText) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var obj struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		*c = ChatText(obj.Content)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*c = ChatText(s)
	return nil
}

type SendChat struct {
	Message ChatText `json:"message" validate:"required,max=1000"`
}

func (r *SendChat) normalize() { r.Message = ChatText(strings.TrimSpace(string(r.Message))) }

type AddInitiative struct {
	Entry engine.InitiativeEntry `json:"entry"`
}

func (r *AddInitiative) normalize() { r.Entry.Name = engine.NormalizeName(r.Entry.Name) }

type UpdateInitiative struct {
	EntryID string                  `json:"entryId" validate:"required,max=64"`
	Updates engine.InitiativeUpdate `json:"updates"`
}

type RemoveInitiative struct {
	EntryID string `json:"entryId" validate:"required,max=64"`
}

type SaveCharacter struct {
	Character engine.Character `json:"character"`
}

func (r *SaveCharacter) normalize() { r.Character.Name = engine.NormalizeName(r.Character.Name) }

type DMUpdateCharacter struct {
	CharacterID string                `json:"characterId" validate:"required,max=64"`
	Updates     engine.CharacterPatch `json:"updates"`
}

type Empty struct{}

// Decode parses and validates one payload. An absent payload decodes to the
// zero request, which then has to pass validation like any other.
func Decode[T any](raw json.RawMessage) (T, error) {
	var req T
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, &req); err != nil {
			return req, &Error{Kind: KindValidation, Message: "Malformed payload: " + jsonProblem(err), Err: err}
		}
	}

	if n, ok := any(&req).(normalizer); ok {
		n.normalize()
	}

	if err := validate.Struct(&req); err != nil {
		return req, &Error{Kind: KindValidation, Message: describe(err), Err: err}
	}
	return req, nil
}

func jsonProblem(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return fmt.Sprintf("%s must be %s", typeErr.Field, typeErr.Type.String())
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return "invalid JSON"
	}
	return err.Error()
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Invalid payload"
	}

	fe := verrs[0]
	field := strings.TrimPrefix(fe.Namespace(), firstSegment(fe.Namespace())+".")
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "roomcode":
		return "Invalid room code"
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "min", "gt":
		return fmt.Sprintf("%s is too small", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

func firstSegment(ns string) string {
	seg, _, _ := strings.Cut(ns, ".")
	return seg
}
