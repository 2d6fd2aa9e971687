package collab

import (
	"errors"
	"fmt"
)

// The three connection scoped error kinds. None of them is fatal to a
// document or to the process: each one closes only the connection it
// surfaced on (see conn.close).

// ProtocolError is a malformed or invalid message from the peer.
type ProtocolError struct {
	Reason string
	Err    error
}

func NewProtocolError(reason string) *ProtocolError {
	return &ProtocolError{Reason: reason}
}

func NewProtocolErrorf(format string, a ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, a...)}
}

func WrapProtocolError(reason string, err error) *ProtocolError {
	return &ProtocolError{Reason: reason, Err: err}
}

func (self *ProtocolError) Error() string {
	if self.Err != nil {
		return fmt.Sprintf("protocol error: %s: %s", self.Reason, self.Err)
	}
	return fmt.Sprintf("protocol error: %s", self.Reason)
}

func (self *ProtocolError) Unwrap() error {
	return self.Err
}

func IsProtocolError(err error) bool {
	var protocolErr *ProtocolError
	return errors.As(err, &protocolErr)
}

// TransportError is a network level failure. Treated the same as a clean close.
type TransportError struct {
	Err error
}

func WrapTransportError(err error) *TransportError {
	return &TransportError{Err: err}
}

func (self *TransportError) Error() string {
	return fmt.Sprintf("transport error: %s", self.Err)
}

func (self *TransportError) Unwrap() error {
	return self.Err
}

func IsTransportError(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

// ApplyError is a delta that decoded but could not be integrated.
type ApplyError struct {
	Reason string
	Err    error
}

func WrapApplyError(reason string, err error) *ApplyError {
	return &ApplyError{Reason: reason, Err: err}
}

func (self *ApplyError) Error() string {
	if self.Err != nil {
		return fmt.Sprintf("apply error: %s: %s", self.Reason, self.Err)
	}
	return fmt.Sprintf("apply error: %s", self.Reason)
}

func (self *ApplyError) Unwrap() error {
	return self.Err
}

func IsApplyError(err error) bool {
	var applyErr *ApplyError
	return errors.As(err, &applyErr)
}
