package services

import (
	"errors"
	"fmt"
)

var (
	// ErrRetryable marks a background run that should be tried again later.
	ErrRetryable = errors.New("retryable failure")

	// ErrNotDownloadable is returned for chapters whose pages cannot be
	// resolved by the download manager.
	ErrNotDownloadable = errors.New("chapter is not downloadable")

	// ErrBadJob marks a job payload that can never be processed.
	ErrBadJob = errors.New("malformed job")

	ErrNoResults = errors.New("no results")
)

// Error is returned by Repository operations. Msg is short enough to show a
// user; Err keeps the cause for logs and errors.Is.
type Error struct {
	Op  string
	Msg string
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return fmt.Sprintf("%s: %v", e.Msg, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func fail(op, msg string, err error) error {
	return &Error{Op: op, Msg: msg, Err: err}
}

// Message returns the user-facing message of err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
