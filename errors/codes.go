package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates rate limiting or exhausted capacity.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors, bugs, or recovered panics.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

const (
	// Transient
	ErrCodeTimeout     ErrorCode = "TIMEOUT"      // Operation timed out
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE"  // Service temporarily unavailable
	ErrCodeNetworkErr  ErrorCode = "NETWORK_ERR"  // Network connectivity issue
	ErrCodePeerOffline ErrorCode = "PEER_OFFLINE" // No responder for a peer request

	// Permanent
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeInvalidInput  ErrorCode = "INVALID_INPUT" // Malformed payload or argument
	ErrCodeUnresolvable  ErrorCode = "UNRESOLVABLE"  // Recipient has no deliverable destination
	ErrCodeRejected      ErrorCode = "REJECTED"      // Channel refused the message for good
	ErrCodeUnsupported   ErrorCode = "UNSUPPORTED"
	ErrCodeCanceled      ErrorCode = "CANCELED"
	ErrCodeAlreadyExists ErrorCode = "ALREADY_EXISTS"

	// Resource
	ErrCodeRateLimit ErrorCode = "RATE_LIMITED"
	ErrCodeCapacity  ErrorCode = "CAPACITY"

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL"
	ErrCodePersist  ErrorCode = "PERSIST" // Durable write failed
	ErrCodePanic    ErrorCode = "PANIC"   // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodeNetworkErr, ErrCodePeerOffline:
		return CategoryTransient
	case ErrCodeNotFound, ErrCodeInvalidInput, ErrCodeUnresolvable, ErrCodeRejected,
		ErrCodeUnsupported, ErrCodeCanceled, ErrCodeAlreadyExists:
		return CategoryPermanent
	case ErrCodeRateLimit, ErrCodeCapacity:
		return CategoryResource
	default:
		return CategoryInternal
	}
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:       "operation timed out",
	ErrCodeUnavailable:   "service temporarily unavailable",
	ErrCodeNetworkErr:    "network connectivity error",
	ErrCodePeerOffline:   "peer is not responding",
	ErrCodeNotFound:      "resource not found",
	ErrCodeInvalidInput:  "invalid input provided",
	ErrCodeUnresolvable:  "recipient cannot be resolved",
	ErrCodeRejected:      "rejected by channel",
	ErrCodeUnsupported:   "operation not supported",
	ErrCodeCanceled:      "operation canceled",
	ErrCodeAlreadyExists: "resource already exists",
	ErrCodeRateLimit:     "rate limit exceeded",
	ErrCodeCapacity:      "system at capacity",
	ErrCodeInternal:      "internal error",
	ErrCodePersist:       "durable write failed",
	ErrCodePanic:         "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
