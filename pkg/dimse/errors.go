package dimse

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when an operation needs an established association
	ErrNotConnected = errors.New("dimse: association is not established")
	// ErrNoPresentationContext is returned when the peer did not accept the abstract syntax
	ErrNoPresentationContext = errors.New("dimse: no accepted presentation context")
	// ErrPeerReleased is returned when the peer releases the association mid-operation
	ErrPeerReleased = errors.New("dimse: association released by peer")
)

// ProtocolError reports a malformed PDU, command or dataset
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return "dimse: protocol error: " + e.Message
}

func protocolErrorf(format string, args ...any) error {
	return &ProtocolError{Message: fmt.Sprintf(format, args...)}
}

// RejectError is returned when the peer answers with A-ASSOCIATE-RJ
type RejectError struct {
	Result byte
	Source byte
	Reason byte
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("dimse: association rejected (result=%d source=%d reason=%d)", e.Result, e.Source, e.Reason)
}

// AbortError is returned when the peer sends A-ABORT
type AbortError struct {
	Source byte
	Reason byte
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("dimse: association aborted (source=%d reason=%d)", e.Source, e.Reason)
}

// StatusError is returned when a DIMSE response carries a failure status
type StatusError struct {
	Command uint16
	Status  uint16
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("dimse: command 0x%04x failed with status 0x%04x", e.Command, e.Status)
}
