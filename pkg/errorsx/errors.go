// Package errorsx tags errors with a short reason code that survives wrapping,
// so logs and metrics can classify a failure without string matching.
package errorsx

import (
	"errors"
	"fmt"
)

// Error carries the reason code of the first layer that classified it.
type Error struct {
	Reason ReasonCode
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap tags err with reason. An error that already has a reason keeps it.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return err
	}
	return &Error{Reason: reason, Err: err}
}

// Errorf formats a new error and tags it with reason.
func Errorf(reason ReasonCode, format string, args ...any) error {
	return Wrap(fmt.Errorf(format, args...), reason)
}

// Reason returns the code attached anywhere in err's chain, or ReasonUnknown.
func Reason(err error) ReasonCode {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Reason
	}
	return ReasonUnknown
}

func HasReason(err error, reason ReasonCode) bool {
	return err != nil && Reason(err) == reason
}

// Terminal reports whether the reason ends the call's relay.
func Terminal(reason ReasonCode) bool {
	switch reason {
	case ReasonUpstreamClosed, ReasonTelephonyClosed, ReasonUpstreamConnect:
		return true
	default:
		return false
	}
}
