package marketdata

import (
	"fmt"
	"time"
)

// FeedError classifies market-data failures so callers can decide between
// retry, degrade, and skip.
type FeedError struct {
	Type       string // "network", "rate_limit", "bad_symbol", "stale", "insufficient_history"
	Instrument string
	Message    string
	Cause      error
}

func (e *FeedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error for %s: %s (%v)", e.Type, e.Instrument, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error for %s: %s", e.Type, e.Instrument, e.Message)
}

func (e *FeedError) Unwrap() error { return e.Cause }

func NewNetworkError(instrument, message string, cause error) *FeedError {
	return &FeedError{Type: "network", Instrument: instrument, Message: message, Cause: cause}
}

func NewRateLimitError(instrument, message string) *FeedError {
	return &FeedError{Type: "rate_limit", Instrument: instrument, Message: message}
}

func NewBadSymbolError(instrument, message string) *FeedError {
	return &FeedError{Type: "bad_symbol", Instrument: instrument, Message: message}
}

func NewStaleError(instrument string, staleness time.Duration) *FeedError {
	return &FeedError{
		Type:       "stale",
		Instrument: instrument,
		Message:    fmt.Sprintf("data too stale: %v", staleness),
	}
}

func NewInsufficientHistoryError(instrument string, have, want int) *FeedError {
	return &FeedError{
		Type:       "insufficient_history",
		Instrument: instrument,
		Message:    fmt.Sprintf("have %d bars, need %d", have, want),
	}
}

// IsInsufficientHistory is the one classification the pipeline checks
// explicitly: it degrades confidence instead of rejecting.
func IsInsufficientHistory(err error) bool {
	fe, ok := err.(*FeedError)
	return ok && fe.Type == "insufficient_history"
}
