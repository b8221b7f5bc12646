package adapters

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// ErrorKind classifies why an archive query failed
type ErrorKind string

const (
	KindTimeout           ErrorKind = "timeout"
	KindUnreachable       ErrorKind = "unreachable"
	KindAuthRejected      ErrorKind = "auth_rejected"
	KindMalformedResponse ErrorKind = "malformed_response"
)

// ConnectorError is returned by every Connector operation
type ConnectorError struct {
	Kind    ErrorKind
	Archive string
	Message string
	Err     error
}

func (e *ConnectorError) Error() string {
	msg := fmt.Sprintf("archive %s: %s", e.Archive, e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectorError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a ConnectorError found in err's chain, or ""
func KindOf(err error) ErrorKind {
	var ce *ConnectorError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

func newError(archive string, kind ErrorKind, message string, err error) *ConnectorError {
	return &ConnectorError{Kind: kind, Archive: archive, Message: message, Err: err}
}

// classify wraps err into a ConnectorError. Deadlines and network timeouts
// become Timeout, dial failures Unreachable, anything else fallback.
// Errors that already are ConnectorErrors are returned unchanged.
func classify(archive string, err error, fallback ErrorKind) *ConnectorError {
	if err == nil {
		return nil
	}
	var ce *ConnectorError
	if errors.As(err, &ce) {
		return ce
	}

	var netErr net.Error
	var opErr *net.OpError
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return newError(archive, KindTimeout, "", err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return newError(archive, KindTimeout, "", err)
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EHOSTUNREACH):
		return newError(archive, KindUnreachable, "", err)
	case errors.As(err, &dnsErr):
		return newError(archive, KindUnreachable, "", err)
	case errors.As(err, &opErr) && opErr.Op == "dial":
		return newError(archive, KindUnreachable, "", err)
	}
	return newError(archive, fallback, "", err)
}
