package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// ErrNotFound is returned for 404-style responses (unknown order, flat position)
var ErrNotFound = errors.New("broker: not found")

// TransientError marks a connection, timeout, throttling, or 5xx failure that may be retried
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("broker %s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// RejectionError is a broker validation or business rejection; never retried
type RejectionError struct {
	Op         string
	StatusCode int
	Code       string
	Reason     string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("broker %s: rejected (%d %s): %s", e.Op, e.StatusCode, e.Code, e.Reason)
}

// IsDuplicateClientID reports whether the broker already holds this client order ID
func (e *RejectionError) IsDuplicateClientID() bool {
	r := strings.ToLower(e.Reason)
	return strings.Contains(r, "client_order_id must be unique") || strings.Contains(r, "duplicate client order id")
}

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsNotFound reports whether err is a 404-style response
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// AsRejection extracts a RejectionError from err
func AsRejection(err error) (*RejectionError, bool) {
	var re *RejectionError
	ok := errors.As(err, &re)
	return re, ok
}

// ClassifyHTTP maps an HTTP status and message to the broker error taxonomy
func ClassifyHTTP(op string, status int, code, message string) error {
	switch {
	case status == 404:
		return fmt.Errorf("%w: %s", ErrNotFound, message)
	case status == 429 || status == 408 || status >= 500:
		return &TransientError{Op: op, Err: fmt.Errorf("http %d: %s", status, message)}
	default:
		return &RejectionError{Op: op, StatusCode: status, Code: code, Reason: message}
	}
}

// ClassifyNetwork wraps transport-level failures as transient. Other errors pass through.
func ClassifyNetwork(op string, err error) error {
	if IsNetworkError(err) {
		return &TransientError{Op: op, Err: err}
	}
	return err
}

// IsNetworkError reports connection, timeout, and EOF failures
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var ne net.Error
	return errors.As(err, &ne) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET)
}
