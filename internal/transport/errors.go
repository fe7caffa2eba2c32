package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Code identifies a transport failure. Chromium-style network codes keep
// their net:: prefix in error messages so callers can match on them.
type Code string

const (
	CodeAborted              Code = "ABORT_ERR"
	CodeNetworkChanged       Code = "ERR_NETWORK_CHANGED"
	CodeInternetDisconnected Code = "ERR_INTERNET_DISCONNECTED"
	CodeNameNotResolved      Code = "ERR_NAME_NOT_RESOLVED"
	CodePrematureClose       Code = "ERR_STREAM_PREMATURE_CLOSE"
	CodeConnRefused          Code = "ECONNREFUSED"
	CodeConnReset            Code = "ECONNRESET"
	CodeTimedOut             Code = "ETIMEDOUT"
	CodeFailed               Code = "ERR_FAILED"
)

// Error is a failure that happened before or while reading a response.
type Error struct {
	Op   string
	Code Code
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case CodeNetworkChanged, CodeInternetDisconnected, CodeNameNotResolved, CodeFailed:
		return fmt.Sprintf("%s: net::%s: %v", e.Op, e.Code, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func codeFor(err error) Code {
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF):
		return CodePrematureClose
	case errors.Is(err, syscall.ENETDOWN), errors.Is(err, syscall.EADDRNOTAVAIL):
		return CodeNetworkChanged
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		return CodeInternetDisconnected
	case errors.As(err, &dnsErr):
		if dnsErr.IsNotFound {
			return CodeNameNotResolved
		}
		return CodeInternetDisconnected
	case errors.Is(err, syscall.ECONNREFUSED):
		return CodeConnRefused
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return CodeConnReset
	case errors.Is(err, context.DeadlineExceeded), isTimeout(err):
		return CodeTimedOut
	default:
		return CodeFailed
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func codeOf(err error) (Code, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Code, true
	}
	return "", false
}

// IsFetcherError reports whether err originated in a Transport.
func IsFetcherError(err error) bool {
	_, ok := codeOf(err)
	return ok
}

// IsAbortError reports whether the caller aborted the exchange.
func IsAbortError(err error) bool {
	code, ok := codeOf(err)
	return ok && code == CodeAborted
}

// IsNetworkChanged reports whether the local network changed mid-request.
func IsNetworkChanged(err error) bool {
	code, ok := codeOf(err)
	return ok && code == CodeNetworkChanged
}

// IsInternetDisconnected reports whether the host appears to be offline.
func IsInternetDisconnected(err error) bool {
	code, ok := codeOf(err)
	return ok && code == CodeInternetDisconnected
}

// IsPrematureClose reports whether the server closed the body mid-stream.
func IsPrematureClose(err error) bool {
	code, ok := codeOf(err)
	return ok && code == CodePrematureClose
}

// UserMessage returns a human-readable description of a transport error.
func UserMessage(err error) string {
	var te *Error
	if !errors.As(err, &te) {
		return err.Error()
	}
	switch te.Code {
	case CodeInternetDisconnected:
		return "It appears you're not connected to the internet, please check your network connection and try again."
	case CodeTimedOut:
		return "The request timed out. " + te.Error()
	default:
		return te.Error()
	}
}
