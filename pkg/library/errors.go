package library

import (
	"errors"
	"fmt"
)

// Stage names a single call against the library backend.
type Stage string

const (
	StageAuthenticate Stage = "authenticate"
	StageList         Stage = "list"
	StageRenew        Stage = "renew"
)

var (
	// ErrMissingCredentials is returned when the identifier or secret is empty
	ErrMissingCredentials = errors.New("missing library credentials")

	// ErrNoSession is returned when a call needs a session and got nil
	ErrNoSession = errors.New("no authenticated session")

	// ErrNoBatch is returned when a renewal is requested without a loan batch
	ErrNoBatch = errors.New("no loan batch to renew")
)

// TransportError is a network-level failure: DNS, connection, timeout or a
// broken response body.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError is an HTTP response with a non-2xx status.
type ProtocolError struct {
	URL        string
	StatusCode int
	Status     string
	Body       string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s for url: %s", e.Status, e.URL)
}

// DecodeError means the backend answered 2xx with a body we cannot use.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode response: %s: %v", e.Reason, e.Err)
	}
	return "decode response: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// StageError tags any failure with the call that produced it. All errors
// returned by Client are *StageError.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Kind reports "transport", "protocol", "decode" or "other".
func (e *StageError) Kind() string {
	var te *TransportError
	var pe *ProtocolError
	var de *DecodeError
	switch {
	case errors.As(e.Err, &pe):
		return "protocol"
	case errors.As(e.Err, &te):
		return "transport"
	case errors.As(e.Err, &de):
		return "decode"
	default:
		return "other"
	}
}

func stageErr(stage Stage, err error) error {
	return &StageError{Stage: stage, Err: err}
}

// StageOf returns the stage recorded in err, or "" if err is not a *StageError.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// IsAuthError reports whether err came from Authenticate.
func IsAuthError(err error) bool {
	return StageOf(err) == StageAuthenticate
}

// IsQueryError reports whether err came from ListOpenLoans.
func IsQueryError(err error) bool {
	return StageOf(err) == StageList
}

// IsRenewalError reports whether err came from SubmitRenewal.
func IsRenewalError(err error) bool {
	return StageOf(err) == StageRenew
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.StatusCode
	}
	return 0
}
