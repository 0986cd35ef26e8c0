package command

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownCommand  = errors.New("unknown command")
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrDuplicateUID    = errors.New("duplicate uid")
	ErrNodeUnreachable = errors.New("node unreachable")
	// ErrMidReset marks a request that arrived during Reset. It is queued, not
	// failed, and only appears in logs and metrics.
	ErrMidReset = errors.New("reset in progress")
	// ErrInterrupted fails a suspended command cancelled by Reset.
	ErrInterrupted = errors.New("interrupted by reset")
	ErrInternal    = errors.New("internal error")
)

// Wire codes, stable across releases.
const (
	CodeUnknownCommand  = "UnknownCommand"
	CodeNotFound        = "NotFound"
	CodeInvalidArgument = "InvalidArgument"
	CodeDuplicateUID    = "DuplicateUid"
	CodeNodeUnreachable = "NodeUnreachable"
	CodeMidReset        = "MidReset"
	CodeInterrupted     = "Interrupted"
	CodeInternal        = "Internal"
	CodeError           = "Error"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrUnknownCommand, CodeUnknownCommand},
	{ErrNotFound, CodeNotFound},
	{ErrInvalidArgument, CodeInvalidArgument},
	{ErrDuplicateUID, CodeDuplicateUID},
	{ErrNodeUnreachable, CodeNodeUnreachable},
	{ErrMidReset, CodeMidReset},
	{ErrInterrupted, CodeInterrupted},
	{ErrInternal, CodeInternal},
}

// Code classifies err into its wire code. Unclassified handler errors map to
// CodeError; nil maps to "".
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeError
}

// FromCode rebuilds an error carrying msg that matches the sentinel for code.
// It is the inverse of Code for errors that crossed a process boundary.
func FromCode(code, msg string) error {
	for _, c := range codes {
		if c.code == code {
			if msg == "" || msg == c.err.Error() {
				return c.err
			}
			return &remoteError{sentinel: c.err, msg: msg}
		}
	}
	return errors.New(msg)
}

type remoteError struct {
	sentinel error
	msg      string
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.sentinel }

// NotFoundf formats a NotFound error.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrNotFound}, args...)...)
}

// InvalidArgumentf formats an InvalidArgument error.
func InvalidArgumentf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidArgument}, args...)...)
}
