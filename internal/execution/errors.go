package execution

import (
	"errors"
	"fmt"
)

// ErrorType classifies an order failure for the retry policy. Transient
// failures are retried with backoff, business rejections surface immediately,
// and ambiguous outcomes force reconciliation before any re-send.
type ErrorType string

const (
	ErrorTypeTransient ErrorType = "transient"
	ErrorTypeBusiness  ErrorType = "business"
	ErrorTypeAmbiguous ErrorType = "ambiguous"
)

// OrderError carries the failure class alongside the order context.
type OrderError struct {
	Type          ErrorType
	Op            string // "place", "status", "reconcile"
	Instrument    string
	ClientOrderID string
	Message       string
	Cause         error
}

func (e *OrderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("order %s %s [%s]: %s: %v", e.Op, e.Instrument, e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("order %s %s [%s]: %s", e.Op, e.Instrument, e.Type, e.Message)
}

func (e *OrderError) Unwrap() error { return e.Cause }

// NewTransientError wraps a retryable failure (network drop, throttle, broker
// 5xx).
func NewTransientError(op, instrument, clientOrderID, message string, cause error) *OrderError {
	return &OrderError{Type: ErrorTypeTransient, Op: op, Instrument: instrument, ClientOrderID: clientOrderID, Message: message, Cause: cause}
}

// NewBusinessError wraps a deterministic rejection (insufficient funds,
// unknown symbol, market closed). Retrying cannot help.
func NewBusinessError(op, instrument, clientOrderID, message string, cause error) *OrderError {
	return &OrderError{Type: ErrorTypeBusiness, Op: op, Instrument: instrument, ClientOrderID: clientOrderID, Message: message, Cause: cause}
}

// NewAmbiguousError wraps an unknown-outcome failure (timeout after send).
// The order may or may not exist at the broker.
func NewAmbiguousError(op, instrument, clientOrderID, message string, cause error) *OrderError {
	return &OrderError{Type: ErrorTypeAmbiguous, Op: op, Instrument: instrument, ClientOrderID: clientOrderID, Message: message, Cause: cause}
}

func classOf(err error) (ErrorType, bool) {
	var oe *OrderError
	if errors.As(err, &oe) {
		return oe.Type, true
	}
	return "", false
}

// IsTransient reports whether err is a retryable order failure.
func IsTransient(err error) bool { t, ok := classOf(err); return ok && t == ErrorTypeTransient }

// IsBusiness reports whether err is a deterministic rejection.
func IsBusiness(err error) bool { t, ok := classOf(err); return ok && t == ErrorTypeBusiness }

// IsAmbiguous reports whether the order outcome is unknown.
func IsAmbiguous(err error) bool { t, ok := classOf(err); return ok && t == ErrorTypeAmbiguous }
