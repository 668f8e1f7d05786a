package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Code    string      `json:"code"`
	Details interface{} `json:"details,omitempty"`
}

const (
	ErrCodeInvalidInput     = "INVALID_INPUT"
	ErrCodeInvalidSignature = "INVALID_SIGNATURE"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeForbidden        = "FORBIDDEN"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// Pipeline error taxonomy. Classification happens where the operation
// fails; callers branch with errors.Is. Request-level failures (bad
// headers, signature mismatches) are written straight to the response
// via WriteError and never travel as errors.
var (
	// ErrTransientDelivery covers retryable channel failures: network
	// errors, 429s, 5xx responses.
	ErrTransientDelivery = errors.New("transient delivery error")

	// ErrPermanentDelivery covers non-retryable channel failures: invalid
	// targets, revoked credentials.
	ErrPermanentDelivery = errors.New("permanent delivery error")

	// ErrStorage covers persistence failures. Fatal for the current
	// request or tick; no partial state is committed.
	ErrStorage = errors.New("storage error")
)

func TransientDelivery(err error) error {
	return fmt.Errorf("%w: %v", ErrTransientDelivery, err)
}

func PermanentDelivery(err error) error {
	return fmt.Errorf("%w: %v", ErrPermanentDelivery, err)
}

func Storage(err error) error {
	return fmt.Errorf("%w: %v", ErrStorage, err)
}

// IsRetryable reports whether a delivery error should trigger the
// dispatcher's retry policy. Only transient failures retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientDelivery)
}

func WriteError(w http.ResponseWriter, status int, code, message string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    code,
		Details: details,
	})
}
