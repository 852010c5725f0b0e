// Package fault defines the error taxonomy shared by every pipeline stage.
//
// Errors that leave a component are translated into a *Error carrying a Kind
// so callers (the CLI, the HTTP API, the orchestrator) can branch on the
// category without string matching. Within a package, plain fmt.Errorf
// wrapping is fine; translation happens at the component boundary.
package fault

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the machine-readable category of a pipeline failure.
type Kind string

const (
	// Input covers missing or invalid required fields, parameters or configuration.
	Input Kind = "input_error"
	// Collaborator covers detector, tracker and transcoder call failures,
	// including malformed responses.
	Collaborator Kind = "collaborator_error"
	// Storage covers artifact read and write failures.
	Storage Kind = "storage_error"
	// IncompleteManifest is returned when reconciliation is attempted
	// before every segment in the manifest has produced output.
	IncompleteManifest Kind = "incomplete_manifest_error"
)

// Error is the boundary error type. Op names the operation that failed
// (e.g. "segmenter.split"), Msg is the human-readable message.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

// New creates an Error without an underlying cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap translates err into the taxonomy. If err is already an *Error it is
// returned unchanged so the innermost kind wins. A nil err returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return &Error{Kind: kind, Op: op, Msg: err.Error(), Err: err}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// MarshalJSON renders the error as {"kind","op","message"}.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind    Kind   `json:"kind"`
		Op      string `json:"op,omitempty"`
		Message string `json:"message"`
	}{e.Kind, e.Op, e.Msg})
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// AsError returns err as an *Error, wrapping unknown errors with fallback.
func AsError(err error, fallback Kind) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{Kind: fallback, Msg: err.Error(), Err: err}
}
