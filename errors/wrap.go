package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil. Classification of an existing *Error is
// kept; context errors map to TIMEOUT/CANCELED; anything else is INTERNAL.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var de *Error
	if errors.As(err, &de) {
		wrapped := &Error{
			code:      de.code,
			category:  de.category,
			message:   message,
			cause:     err,
			metadata:  de.Metadata(),
			retryable: de.retryable,
			timestamp: de.timestamp,
			peer:      de.peer,
			rowID:     de.rowID,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}

	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// AsDaemonError extracts a DaemonError from an error chain, or nil.
func AsDaemonError(err error) DaemonError {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return nil
}

// Is checks if any error in the chain has the given error code.
func Is(err error, code ErrorCode) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.code == code
	}
	return false
}

// IsCategory checks if any error in the chain has the given category.
func IsCategory(err error, category ErrorCategory) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.category == category
	}
	return false
}

// IsRetryable checks if the error is retryable. Plain errors are not.
func IsRetryable(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Retryable()
	}
	return false
}

// IsTransient checks if the error is transient.
func IsTransient(err error) bool {
	return IsCategory(err, CategoryTransient)
}

// IsPermanent checks if the error is permanent.
func IsPermanent(err error) bool {
	return IsCategory(err, CategoryPermanent)
}

// IsCanceled reports whether err is, or wraps, a cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || Is(err, ErrCodeCanceled)
}

// Code extracts the error code from an error, or "".
func Code(err error) ErrorCode {
	var de *Error
	if errors.As(err, &de) {
		return de.code
	}
	return ""
}

// Category extracts the error category from an error, or "".
func Category(err error) ErrorCategory {
	var de *Error
	if errors.As(err, &de) {
		return de.category
	}
	return ""
}

// Join combines multiple errors into a single error.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// RecoverPanic converts a recovered panic value into an Error.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
