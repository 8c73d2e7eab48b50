package syncapi

import (
	"errors"
	"fmt"
	"net/http"
)

// Class is the category of a sync API failure. Every error returned by the
// client belongs to exactly one class.
type Class int

const (
	// ClassNone is the class of a nil error.
	ClassNone Class = iota
	// ClassConnection is a transport failure (dial, TLS, timeout, reset).
	ClassConnection
	// ClassRemote is a non-success status from the central server.
	ClassRemote
	// ClassParse is a response body that could not be decoded.
	ClassParse
	// ClassOther is an error that did not come from the client, such as
	// context cancellation by the caller.
	ClassOther
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassConnection:
		return "connection"
	case ClassRemote:
		return "remote"
	case ClassParse:
		return "parse"
	default:
		return "other"
	}
}

// ConnectionError wraps a transport-level failure.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connection failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RemoteError is a non-2xx response from the central server.
type RemoteError struct {
	Op     string
	Status int
	// Code and Message come from the legacy error body when it parses.
	Code    string
	Message string
	Body    string
}

func (e *RemoteError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Body
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: remote returned %d (%s): %s", e.Op, e.Status, e.Code, msg)
	}
	return fmt.Sprintf("%s: remote returned %d: %s", e.Op, e.Status, msg)
}

// Retryable reports whether the same request may succeed later.
func (e *RemoteError) Retryable() bool {
	switch {
	case e.Status >= 500:
		return true
	case e.Status == http.StatusRequestTimeout, e.Status == http.StatusTooManyRequests:
		return true
	}
	return false
}

// RequiresOperator reports whether an operator must fix credentials or
// site configuration before syncing can continue.
func (e *RemoteError) RequiresOperator() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// ParseError is a malformed response body.
type ParseError struct {
	Op   string
	Body string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: invalid response body: %v", e.Op, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Classify returns the class of err.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return ClassConnection
	}
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return ClassRemote
	}
	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		return ClassParse
	}
	return ClassOther
}

// IsRetryable returns true if the error is likely to succeed on retry:
// connection failures and remote errors with a transient status.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case ClassConnection:
		return true
	case ClassRemote:
		var remoteErr *RemoteError
		errors.As(err, &remoteErr)
		return remoteErr.Retryable()
	}
	return false
}

// RequiresOperator returns true if the error needs operator intervention.
// Parse errors always do; remote errors do for authorization failures.
func RequiresOperator(err error) bool {
	switch Classify(err) {
	case ClassParse:
		return true
	case ClassRemote:
		var remoteErr *RemoteError
		errors.As(err, &remoteErr)
		return remoteErr.RequiresOperator()
	}
	return false
}
