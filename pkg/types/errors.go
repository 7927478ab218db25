package types

import "errors"

// Error taxonomy shared by every component that reports back to a connection.
var (
	ErrValidation      = errors.New("validation failed")
	ErrNotJoined       = errors.New("not joined")
	ErrNotFound        = errors.New("business not found")
	ErrForbidden       = errors.New("business not owned by caller")
	ErrDeliveryFailed  = errors.New("delivery failed")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrBadRequest      = errors.New("malformed event")
)

// Validation details, all wrapping ErrValidation.
var (
	ErrEmptyText        = &RelayError{Code: CodeValidation, Err: errors.New("text must not be empty")}
	ErrTextTooLong      = &RelayError{Code: CodeValidation, Err: errors.New("text exceeds 2000 characters")}
	ErrInvalidID        = &RelayError{Code: CodeValidation, Err: errors.New("id must be 1-64 characters, alphanumeric + underscore/hyphen only")}
	ErrVisitorMismatch  = &RelayError{Code: CodeValidation, Err: errors.New("visitorId does not match the connected visitor")}
	ErrBusinessMismatch = &RelayError{Code: CodeValidation, Err: errors.New("businessId does not match the joined business")}
)

// Error codes carried in error events.
const (
	CodeValidation     = "validation"
	CodeNotJoined      = "not_joined"
	CodeNotFound       = "not_found"
	CodeForbidden      = "forbidden"
	CodeDeliveryFailed = "delivery_failed"
	CodeRateLimited    = "rate_limited"
	CodeBadRequest     = "bad_request"
	CodeInternal       = "internal"
)

// RelayError attaches a wire code to an underlying error.
type RelayError struct {
	Code string
	Err  error
}

func (e *RelayError) Error() string {
	return e.Err.Error()
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match a RelayError against the taxonomy sentinel of its code.
func (e *RelayError) Is(target error) bool {
	return target == sentinelFor(e.Code)
}

// NewError wraps err with the code of its taxonomy sentinel.
func NewError(code string, err error) *RelayError {
	return &RelayError{Code: code, Err: err}
}

func sentinelFor(code string) error {
	switch code {
	case CodeValidation:
		return ErrValidation
	case CodeNotJoined:
		return ErrNotJoined
	case CodeNotFound:
		return ErrNotFound
	case CodeForbidden:
		return ErrForbidden
	case CodeDeliveryFailed:
		return ErrDeliveryFailed
	case CodeRateLimited:
		return ErrRateLimited
	case CodeBadRequest:
		return ErrBadRequest
	default:
		return nil
	}
}

// CodeOf maps any error onto the wire code reported to clients.
func CodeOf(err error) string {
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Code
	}
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrNotJoined):
		return CodeNotJoined
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrDeliveryFailed):
		return CodeDeliveryFailed
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrBadRequest):
		return CodeBadRequest
	default:
		return CodeInternal
	}
}
