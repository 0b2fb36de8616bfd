// Package exchange holds what every exchange client shares: the REST error
// taxonomy, the fixed-delay retry policy and a rate-limited JSON client.
// Family specific codecs live in the ftx and gdax subpackages.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"syscall"
)

// Class is the category of an exchange call failure.
type Class uint8

const (
	ClassTimeout   Class = iota + 1 // timeout, reset or failed connect
	ClassServer                     // 5xx, including the CDN variants
	ClassRateLimit                  // 429
	ClassClient                     // any other 4xx, fatal
	ClassMalformed                  // body could not be decoded, fatal
)

func (c Class) String() string {
	switch c {
	case ClassTimeout:
		return "timeout"
	case ClassServer:
		return "server"
	case ClassRateLimit:
		return "rate_limit"
	case ClassClient:
		return "client"
	case ClassMalformed:
		return "malformed"
	}
	return "unknown"
}

// Error is a classified exchange failure.
type Error struct {
	Class      Class
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("exchange %s: %s", e.Op, e.Class)
	if e.StatusCode > 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	} else if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient.
func (e *Error) Retryable() bool {
	switch e.Class {
	case ClassTimeout, ClassServer, ClassRateLimit:
		return true
	}
	return false
}

// IsRetryable reports whether err carries a transient exchange failure.
func IsRetryable(err error) bool {
	var xe *Error
	return errors.As(err, &xe) && xe.Retryable()
}

var serverStatuses = map[int]bool{500: true, 502: true, 503: true, 504: true, 520: true, 522: true, 530: true}

// ClassifyStatus maps an HTTP status to a class. ok is false for 2xx/3xx.
func ClassifyStatus(code int) (Class, bool) {
	switch {
	case code == 429:
		return ClassRateLimit, true
	case serverStatuses[code], code >= 500:
		return ClassServer, true
	case code >= 400:
		return ClassClient, true
	}
	return 0, false
}

// StatusError builds the error for a non-success response.
func StatusError(op string, code int, body []byte) *Error {
	class, ok := ClassifyStatus(code)
	if !ok {
		class = ClassMalformed
	}
	if len(body) > 256 {
		body = body[:256]
	}
	return &Error{Class: class, Op: op, StatusCode: code, Body: string(body)}
}

// Classify wraps a transport error. Context cancellation is returned as is
// so callers stop instead of retrying.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var xe *Error
	if errors.As(err, &xe) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &ne) && ne.Timeout(),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF):
		return &Error{Class: ClassTimeout, Op: op, Err: err}
	}
	var ue *url.Error
	var oe *net.OpError
	if errors.As(err, &ue) || errors.As(err, &oe) {
		return &Error{Class: ClassTimeout, Op: op, Err: err}
	}
	return &Error{Class: ClassMalformed, Op: op, Err: err}
}

// MalformedError wraps a decode failure.
func MalformedError(op string, err error) *Error {
	return &Error{Class: ClassMalformed, Op: op, Err: err}
}
