// Package errors wraps errors with context as they propagate up the stack,
// and marks errors whose message is meant to be shown to the user as-is.
package errors

import (
	goerrors "errors"
	"fmt"
)

// New returns an error with the given message.
func New(msg string) error {
	return goerrors.New(msg)
}

// Errorf returns an error with a formatted message.
func Errorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return goerrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return goerrors.As(err, target)
}

type withContext struct {
	context string
	err     error
}

// WithContext annotates `err` with a short description of what was being
// done when it occurred. It returns nil if `err` is nil.
func WithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return withContext{context: context, err: err}
}

func (err withContext) Error() string {
	return fmt.Sprintf("%s: %s", err.context, err.err)
}

func (err withContext) Unwrap() error {
	return err.err
}

// RootCause returns the innermost error that `err` wraps.
func RootCause(err error) error {
	for {
		next := goerrors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

// FriendlyError is an error whose message is ready to be shown to users
// without any of the surrounding context.
type FriendlyError struct {
	template string
	args     []interface{}
}

// NewFriendlyError creates a FriendlyError that formats `template` with
// `args`.
func NewFriendlyError(template string, args ...interface{}) error {
	return FriendlyError{template: template, args: args}
}

func (err FriendlyError) Error() string {
	return err.FriendlyMessage()
}

// FriendlyMessage returns the user-facing message.
func (err FriendlyError) FriendlyMessage() string {
	return fmt.Sprintf(err.template, err.args...)
}

type friendlyMessager interface {
	FriendlyMessage() string
}

// GetPrintableMessage returns the message that should be shown to the user
// for `err`. If any error in the chain has a friendly message, that message
// is used. Otherwise, the full error string is returned.
func GetPrintableMessage(err error) string {
	for curr := err; curr != nil; curr = goerrors.Unwrap(curr) {
		if friendly, ok := curr.(friendlyMessager); ok {
			return friendly.FriendlyMessage()
		}
	}
	return err.Error()
}
