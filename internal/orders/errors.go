package orders

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the execution core
var (
	ErrInvalidOrder       = errors.New("invalid order request")
	ErrOrderNotFound      = errors.New("order not found")
	ErrOrderExists        = errors.New("order already exists")
	ErrConflictRejected   = errors.New("status update lost a concurrent race")
	ErrStartupNotReady    = errors.New("startup reconciliation incomplete")
	ErrModificationExists = errors.New("modification already recorded")
)

func wrapInvalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidOrder, msg)
}

// RiskViolationError is returned when the risk gate denies an action. Never retried.
type RiskViolationError struct {
	Code   string
	Reason string
}

func (e *RiskViolationError) Error() string {
	return fmt.Sprintf("risk violation [%s]: %s", e.Code, e.Reason)
}

// Is lets errors.Is(err, ErrStartupNotReady) match a not-ready denial
func (e *RiskViolationError) Is(target error) bool {
	return target == ErrStartupNotReady && e.Code == "startup_not_ready"
}

// BrokerTransientError wraps a connection/timeout failure after the retry budget is spent
type BrokerTransientError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *BrokerTransientError) Error() string {
	return fmt.Sprintf("broker %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *BrokerTransientError) Unwrap() error {
	return e.Err
}

// BrokerRejectionError is a terminal broker-side validation or business rejection
type BrokerRejectionError struct {
	Code   string
	Reason string
}

func (e *BrokerRejectionError) Error() string {
	if e.Code == "" {
		return "broker rejected order: " + e.Reason
	}
	return fmt.Sprintf("broker rejected order [%s]: %s", e.Code, e.Reason)
}

// IsRiskViolation reports whether err is a risk denial
func IsRiskViolation(err error) bool {
	var rv *RiskViolationError
	return errors.As(err, &rv)
}

// IsBrokerRejection reports whether err is a terminal broker rejection
func IsBrokerRejection(err error) bool {
	var br *BrokerRejectionError
	return errors.As(err, &br)
}

// IsBrokerTransient reports whether err is an exhausted transient broker failure
func IsBrokerTransient(err error) bool {
	var bt *BrokerTransientError
	return errors.As(err, &bt)
}
