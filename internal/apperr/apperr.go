// Package apperr defines the error taxonomy shared by matching, lifecycle and
// assignment code. Errors carry a Kind so transports can map them without
// string matching.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	Unknown Kind = iota
	MissingField
	NotFound
	InvalidTransition
	AlreadyAssigned
	Contention
	GeoInvalidInput
	StoreUnavailable
	Forbidden
)

var kindNames = map[Kind]string{
	Unknown:           "unknown",
	MissingField:      "missing_field",
	NotFound:          "not_found",
	InvalidTransition: "invalid_transition",
	AlreadyAssigned:   "already_assigned",
	Contention:        "contention",
	GeoInvalidInput:   "geo_invalid_input",
	StoreUnavailable:  "store_unavailable",
	Forbidden:         "forbidden",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error implements error and matches errors.Is against another *Error with
// the same Kind, so `errors.Is(err, apperr.ErrNotFound)` works through wraps.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

// Sentinels for errors.Is.
var (
	ErrMissingField      = &Error{Kind: MissingField}
	ErrNotFound          = &Error{Kind: NotFound}
	ErrInvalidTransition = &Error{Kind: InvalidTransition}
	ErrAlreadyAssigned   = &Error{Kind: AlreadyAssigned}
	ErrContention        = &Error{Kind: Contention}
	ErrGeoInvalidInput   = &Error{Kind: GeoInvalidInput}
	ErrStoreUnavailable  = &Error{Kind: StoreUnavailable}
	ErrForbidden         = &Error{Kind: Forbidden}
)

func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// UserMessage is the text shown to the person who triggered err.
func UserMessage(err error) string {
	switch KindOf(err) {
	case AlreadyAssigned:
		return "someone else already took this request"
	case NotFound:
		return "this request no longer exists"
	case InvalidTransition:
		return "this request can no longer be changed"
	case MissingField:
		var e *Error
		if errors.As(err, &e) && e.Msg != "" {
			return e.Msg
		}
		return "a required field is missing"
	case Contention:
		return "too many people are acting on this request, try again"
	case GeoInvalidInput:
		return "the selected location is invalid"
	case Forbidden:
		return "you are not allowed to do that"
	case StoreUnavailable:
		return "the service is temporarily unavailable"
	}
	return "something went wrong"
}
