package position

import (
	"errors"
	"fmt"
)

// RejectReason is the machine-readable cause of a rejected report. The value
// is sent to the submitting client in the "error" field of an error frame.
type RejectReason string

const (
	ReasonInvalidCoordinate RejectReason = "invalid_coordinate"
	ReasonMissingTimestamp  RejectReason = "missing_timestamp"
	ReasonTooClose          RejectReason = "too_close"
	ReasonMalformed         RejectReason = "malformed"
	ReasonRateLimited       RejectReason = "rate_limited"
)

// RejectError reports why a position was refused before any state mutation.
type RejectError struct {
	Reason RejectReason
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("position rejected: %s", e.Reason)
	}
	return fmt.Sprintf("position rejected: %s: %s", e.Reason, e.Detail)
}

// Reject builds a RejectError.
func Reject(reason RejectReason, format string, args ...any) *RejectError {
	return &RejectError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// ReasonOf extracts the RejectReason from err. ok is false when err is not a
// rejection.
func ReasonOf(err error) (reason RejectReason, ok bool) {
	var re *RejectError
	if errors.As(err, &re) {
		return re.Reason, true
	}
	return "", false
}
