package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures across the dispatcher, the planning loop and
// the session boundary.
type ErrorKind string

const (
	KindUnknownTool        ErrorKind = "UnknownTool"
	KindInvalidArguments   ErrorKind = "InvalidArguments"
	KindToolExecution      ErrorKind = "ToolExecutionError"
	KindStepBudgetExceeded ErrorKind = "StepBudgetExceeded"
	KindLLMUnavailable     ErrorKind = "LLMUnavailable"
	KindSessionNotFound    ErrorKind = "SessionNotFound"
	KindUnsupportedFormat  ErrorKind = "UnsupportedFormat"
	KindSessionBusy        ErrorKind = "SessionBusy"
	KindSessionExists      ErrorKind = "SessionExists"
)

// Recoverable reports whether errors of this kind are fed back to the model
// instead of aborting the request.
func (k ErrorKind) Recoverable() bool {
	switch k {
	case KindUnknownTool, KindInvalidArguments, KindToolExecution, KindStepBudgetExceeded:
		return true
	}
	return false
}

// Error is a classified error. A bare Error{Kind: k} acts as a sentinel:
// errors.Is(err, ErrSessionNotFound) matches any Error of that kind.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

var (
	ErrUnknownTool        = &Error{Kind: KindUnknownTool}
	ErrInvalidArguments   = &Error{Kind: KindInvalidArguments}
	ErrToolExecution      = &Error{Kind: KindToolExecution}
	ErrStepBudgetExceeded = &Error{Kind: KindStepBudgetExceeded}
	ErrLLMUnavailable     = &Error{Kind: KindLLMUnavailable}
	ErrSessionNotFound    = &Error{Kind: KindSessionNotFound}
	ErrUnsupportedFormat  = &Error{Kind: KindUnsupportedFormat}
	ErrSessionBusy        = &Error{Kind: KindSessionBusy}
	ErrSessionExists      = &Error{Kind: KindSessionExists}
)

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// NewError creates a classified error with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies err under kind, keeping it in the chain.
func WrapError(kind ErrorKind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain, or ""
// if there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// MessageOf returns the human-readable part of a classified error.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		switch {
		case e.Message != "" && e.Err != nil:
			return e.Message + ": " + e.Err.Error()
		case e.Message != "":
			return e.Message
		case e.Err != nil:
			return e.Err.Error()
		}
		return string(e.Kind)
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
