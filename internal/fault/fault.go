// Package fault defines the error taxonomy shared by the registry, the
// process supervisor, the switch coordinator and the HTTP gateway.
//
// Every error that crosses a component boundary is an *Error carrying the
// kind of fault plus whatever avatar, model and port context was known at
// the point of failure.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a fault
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindBusy
	KindStartupFailure
	KindShutdownTimeout
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindBusy:
		return "busy"
	case KindStartupFailure:
		return "startup_failure"
	case KindShutdownTimeout:
		return "shutdown_timeout"
	case KindUpstream:
		return "upstream"
	default:
		return "unknown"
	}
}

// Error is a classified fault with lifecycle context
type Error struct {
	Kind     Kind
	Op       string // operation that failed, e.g. "switch", "start", "registry.get"
	AvatarID string
	Model    string
	Port     int
	Field    string // offending field for validation faults
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
	} else {
		b.WriteString(e.Kind.String())
	}
	if e.AvatarID != "" {
		fmt.Fprintf(&b, " avatar=%s", e.AvatarID)
	}
	if e.Model != "" {
		fmt.Fprintf(&b, " model=%s", e.Model)
	}
	if e.Port != 0 {
		fmt.Fprintf(&b, " port=%d", e.Port)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " field=%s", e.Field)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a fault of the given kind
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf creates a fault of the given kind with a formatted cause
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithAvatar sets the avatar context and returns the same error
func (e *Error) WithAvatar(avatarID string) *Error {
	e.AvatarID = avatarID
	return e
}

// WithModel sets the model and port context and returns the same error
func (e *Error) WithModel(model string, port int) *Error {
	e.Model = model
	e.Port = port
	return e
}

// WithField sets the offending field and returns the same error
func (e *Error) WithField(field string) *Error {
	e.Field = field
	return e
}

// Wrap adds switch-level context to err. If err already is a fault, its kind
// is kept and missing context is filled in; otherwise a new fault of the
// fallback kind is created.
func Wrap(err error, fallback Kind, op, avatarID, model string, port int) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		wrapped := *fe
		wrapped.Op = op
		if wrapped.AvatarID == "" {
			wrapped.AvatarID = avatarID
		}
		if wrapped.Model == "" {
			wrapped.Model = model
		}
		if wrapped.Port == 0 {
			wrapped.Port = port
		}
		return &wrapped
	}
	return &Error{Kind: fallback, Op: op, AvatarID: avatarID, Model: model, Port: port, Err: err}
}

// KindOf returns the kind of the first fault in err's chain
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err is a fault of the given kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// As returns the first fault in err's chain
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
