package app

import (
	"errors"
	"fmt"

	"whispr/pkg/domain"
)

// Kind classifies failures so the transport layer can branch on them.
type Kind string

const (
	KindAuthorization Kind = "authorization"
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not_found"
	KindStateConflict Kind = "state_conflict"
	KindLedger        Kind = "ledger_invariant"
	KindIntegration   Kind = "integration"
)

// Error is the structured error returned by every App operation.
type Error struct {
	Kind Kind
	Msg  string
	// Status is the report's current status for KindStateConflict.
	Status domain.ReportStatus
}

func (e *Error) Error() string {
	return e.Msg
}

// Is matches sentinels by kind, so errors.Is(err, ErrNotFound) holds for
// every not-found error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Msg == "" && t.Kind == e.Kind
}

var (
	ErrUnauthorized        = &Error{Kind: KindAuthorization}
	ErrInvalid             = &Error{Kind: KindValidation}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrStateConflict       = &Error{Kind: KindStateConflict}
	ErrInsufficientBalance = &Error{Kind: KindLedger}
	ErrIntegration         = &Error{Kind: KindIntegration}
)

// KindOf returns the kind of err, or "" for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func unauthorized(format string, args ...any) error {
	return &Error{Kind: KindAuthorization, Msg: fmt.Sprintf(format, args...)}
}

func invalid(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func stateConflict(id uint64, current domain.ReportStatus, want domain.ReportStatus) error {
	return &Error{
		Kind:   KindStateConflict,
		Msg:    fmt.Sprintf("report %d is %s, must be %s", id, current, want),
		Status: current,
	}
}

func insufficient(have, need uint64) error {
	return &Error{Kind: KindLedger, Msg: fmt.Sprintf("insufficient balance: have %d, need %d", have, need)}
}

func integration(err error) error {
	return &Error{Kind: KindIntegration, Msg: err.Error()}
}
