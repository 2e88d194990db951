// Package ecmerr defines the typed failure kinds surfaced by the retrieval
// pipeline. Every suspension point returns one of these kinds instead of
// relying on broad recovery, so the worker boundary can aggregate them into a
// terminal job status.
package ecmerr

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	// BadInput marks malformed test numbers or certification dates.
	// Surfaced synchronously to the submitter as 400.
	BadInput Kind = "BadInput"

	// AuthRequired marks a session bootstrap that cannot proceed without
	// valid portal credentials. Fatal for the deployment until fixed.
	AuthRequired Kind = "AuthRequired"

	// PoolUnavailable marks a browser launch failure during checkout or
	// replacement.
	PoolUnavailable Kind = "PoolUnavailable"

	// NavigationTimeout marks a locator wait exceeding its budget. The
	// originating navigator state is recorded in the message.
	NavigationTimeout Kind = "NavigationTimeout"

	// NoMatchingDocument marks a document or file list where neither the
	// report-name rule nor the test-number rule selects a row.
	NoMatchingDocument Kind = "NoMatchingDocument"

	// CopyNotObserved marks a copy wait that saw no new capture within
	// budget.
	CopyNotObserved Kind = "CopyNotObserved"

	// UrlNotParsed marks captured text that matches no parser rule.
	UrlNotParsed Kind = "UrlNotParsed"
)

// Error is a pipeline failure carrying its kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from err, or "" when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
