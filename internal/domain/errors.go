package domain

import (
	"context"
	"errors"
)

// Error taxonomy shared by the pipeline. Adapters wrap one of these with %w.
var (
	ErrDuplicateWork        = errors.New("duplicate work")
	ErrValidation           = errors.New("validation error")
	ErrTransientIO          = errors.New("transient io error")
	ErrAuthentication       = errors.New("authentication error")
	ErrAmbiguousBinding     = errors.New("ambiguous binding")
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
)

// Component-level errors, each classified under the taxonomy above.
var (
	ErrInvalidPayload      = wrapKind("invalid payload", ErrValidation)
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrNotListedYet        = wrapKind("submitted entry not listed yet", ErrTransientIO)
	ErrAlreadyApplied      = errors.New("action already applied")
	ErrNotFound            = errors.New("not found")
	ErrAttemptOpen         = errors.New("a publish attempt is already open for this article")
	ErrAttemptTerminal     = errors.New("publish attempt is terminal")
)

type kindError struct {
	msg  string
	kind error
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.kind }

func wrapKind(msg string, kind error) error {
	return &kindError{msg: msg, kind: kind}
}

// IsTransient reports whether err may succeed when retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTransientIO) || errors.Is(err, context.DeadlineExceeded)
}
