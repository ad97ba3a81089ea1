package protocol

import (
	"errors"
	"fmt"

	"github.com/DoyleJ11/tabletop-backend/internal/dice"
	"github.com/DoyleJ11/tabletop-backend/internal/engine"
)

type Kind string

const (
	KindNotFound     Kind = "not_found"
	KindUnauthorized Kind = "unauthorized"
	KindRateLimited  Kind = "rate_limited"
	KindValidation   Kind = "validation_failed"
	KindInternal     Kind = "internal"
)

// Error is what a rejected request reports back to its caller.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind, so errors.Is(err, ErrNotFound) holds for any
// not_found error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrUnauthorized = &Error{Kind: KindUnauthorized}
	ErrRateLimited  = &Error{Kind: KindRateLimited}
	ErrValidation   = &Error{Kind: KindValidation}
	ErrInternal     = &Error{Kind: KindInternal}
)

func errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// asError classifies err. Unknown errors become internal and their text is
// not shown to the client.
func asError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}

	switch {
	case errors.Is(err, engine.ErrSessionNotFound):
		return &Error{Kind: KindNotFound, Message: "Session not found", Err: err}
	case errors.Is(err, engine.ErrPlayerNotFound),
		errors.Is(err, engine.ErrTokenNotFound),
		errors.Is(err, engine.ErrEntryNotFound),
		errors.Is(err, engine.ErrCharacterNotFound),
		errors.Is(err, engine.ErrMapNotFound):
		return &Error{Kind: KindNotFound, Message: capitalize(err.Error()), Err: err}
	case errors.Is(err, engine.ErrRoomFull),
		errors.Is(err, engine.ErrNoInitiative),
		errors.Is(err, engine.ErrNotInCombat),
		errors.Is(err, engine.ErrDuplicateEntry),
		errors.Is(err, engine.ErrDuplicateToken),
		errors.Is(err, dice.ErrInvalidNotation),
		errors.Is(err, dice.ErrResultCount),
		errors.Is(err, dice.ErrResultOutOfRange),
		errors.Is(err, dice.ErrModifierMismatch),
		errors.Is(err, dice.ErrTotalMismatch):
		return &Error{Kind: KindValidation, Message: capitalize(err.Error()), Err: err}
	default:
		return &Error{Kind: KindInternal, Message: "Internal error", Err: err}
	}
}

func capitalize(s string) string {
	if s == "" || s[0] < 'a' || s[0] > 'z' {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
