// Package errs defines the failure taxonomy shared by the relay's layers.
package errs

import (
	"context"
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind classifies a failure for the HTTP facade and for callers deciding
// whether to retry.
type Kind string

const (
	Internal          Kind = "internal"
	InvalidRequest    Kind = "invalid_request"
	NavigationFailed  Kind = "navigation_failed"
	ElementTimeout    Kind = "element_timeout"
	PromptEntryFailed Kind = "prompt_entry_failed"
	LoginFailed       Kind = "login_failed"
	ModelMismatch     Kind = "model_mismatch"
	Capacity          Kind = "capacity"
	Unavailable       Kind = "unavailable"
)

// Sentinels for errors.Is checks.
var (
	ErrInvalidRequest    = &Error{Kind: InvalidRequest}
	ErrNavigationFailed  = &Error{Kind: NavigationFailed}
	ErrElementTimeout    = &Error{Kind: ElementTimeout}
	ErrPromptEntryFailed = &Error{Kind: PromptEntryFailed}
	ErrLoginFailed       = &Error{Kind: LoginFailed}
	ErrModelMismatch     = &Error{Kind: ModelMismatch}
	ErrCapacity          = &Error{Kind: Capacity}
	ErrUnavailable       = &Error{Kind: Unavailable}
)

// Error is a classified failure. Op names the step that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches bare sentinels by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind
}

// Format delegates %+v to the wrapped error so the captured stack is printed.
func (e *Error) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') && e.Err != nil {
		if e.Op != "" {
			fmt.Fprintf(s, "%s: ", e.Op)
		}
		fmt.Fprintf(s, "%+v", e.Err)
		return
	}
	fmt.Fprint(s, e.Error())
}

// E builds a classified error, capturing a stack trace at the call site.
// An error that is already classified keeps its kind.
func E(kind Kind, op string, err error) error {
	if err == nil {
		err = errors.New(string(kind))
	}
	var existing *Error
	if errors.As(err, &existing) {
		return &Error{Kind: existing.Kind, Op: op, Err: err}
	}
	return &Error{Kind: kind, Op: op, Err: pkgerrors.WithStack(err)}
}

// Errorf is E with a formatted message.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: pkgerrors.Errorf(format, args...)}
}

// Wait classifies a failure from a browser wait: deadline overruns become
// ElementTimeout, anything else the fallback kind.
func Wait(op string, err error, fallback Kind) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return E(existing.Kind, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return E(ElementTimeout, op, err)
	}
	return E(fallback, op, err)
}

// KindOf reports the kind of err, or Internal when it is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Stack renders err with its captured stack trace.
func Stack(err error) string {
	return fmt.Sprintf("%+v", err)
}
