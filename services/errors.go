package services

import (
	"errors"
	"fmt"
)

// ErrorKind groups failures by how the caller should react to them.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindNotFound      ErrorKind = "not_found"
	KindConflict      ErrorKind = "conflict"
	KindIntegrity     ErrorKind = "integrity"
	KindExternalStore ErrorKind = "external_store"
)

// Stable failure codes returned to the chat front end.
const (
	CodeInvalidDirection   = "invalid_direction"
	CodeJumpTooLarge       = "jump_too_large"
	CodePlayerNotFound     = "player_not_found"
	CodeNotAuthorized      = "not_authorized"
	CodeCooldownActive     = "cooldown_active"
	CodeChallengeExists    = "challenge_exists"
	CodePlayerNotAvailable = "player_not_available"
	CodeAlreadyChallenged  = "already_challenged"
	CodeInvalidPair        = "invalid_pair"
	CodeNotInChallenge     = "not_in_challenge"
	CodeUnparseableDate    = "unparseable_date"
	CodeAlreadyProcessing  = "already_processing"
	CodeInvalidReport      = "invalid_report"
	CodeLadderUnavailable  = "ladder_unavailable"
	CodeFastStoreDown      = "fast_store_unavailable"
	CodeIntegrityFaults    = "integrity_faults"
)

// LadderError is the single error type surfaced by ladder operations.
// Message is safe to show to players.
type LadderError struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *LadderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *LadderError) Unwrap() error { return e.Err }

// Is matches on Kind and Code so callers can compare against a template.
func (e *LadderError) Is(target error) bool {
	t, ok := target.(*LadderError)
	if !ok {
		return false
	}
	return (t.Kind == "" || t.Kind == e.Kind) && (t.Code == "" || t.Code == e.Code)
}

func newError(kind ErrorKind, code, format string, args ...any) *LadderError {
	return &LadderError{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func validationError(code, format string, args ...any) *LadderError {
	return newError(KindValidation, code, format, args...)
}

func notFoundError(format string, args ...any) *LadderError {
	return newError(KindNotFound, CodePlayerNotFound, format, args...)
}

func conflictError(code, format string, args ...any) *LadderError {
	return newError(KindConflict, code, format, args...)
}

func integrityError(format string, args ...any) *LadderError {
	return newError(KindIntegrity, CodeIntegrityFaults, format, args...)
}

func ladderStoreError(err error) *LadderError {
	return &LadderError{
		Kind:    KindExternalStore,
		Code:    CodeLadderUnavailable,
		Message: "The ladder could not be reached. Please try again later.",
		Err:     err,
	}
}

func fastStoreError(err error) *LadderError {
	return &LadderError{
		Kind:    KindExternalStore,
		Code:    CodeFastStoreDown,
		Message: "Challenge tracking is temporarily unavailable. Please try again later.",
		Err:     err,
	}
}

// KindOf returns the kind of a LadderError anywhere in err's chain.
func KindOf(err error) ErrorKind {
	var le *LadderError
	if errors.As(err, &le) {
		return le.Kind
	}
	return ""
}

// CodeOf returns the code of a LadderError anywhere in err's chain.
func CodeOf(err error) string {
	var le *LadderError
	if errors.As(err, &le) {
		return le.Code
	}
	return ""
}
