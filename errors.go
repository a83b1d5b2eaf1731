package relay

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrInvalidCfg     = errors.New("relay: invalid options")
	ErrEndpointClosed = errors.New("relay: endpoint is closed")
	ErrAlreadyBound   = errors.New("relay: acceptor is already bound")
	ErrNotBound       = errors.New("relay: acceptor is not bound")

	ErrSessionClosed = errors.New("session: closed")

	ErrFutureTimeout   = errors.New("future: timed out waiting for completion")
	ErrFutureCancelled = errors.New("future: cancelled")
	ErrInterrupted     = errors.New("future: wait interrupted")

	ErrHostnameResolve   = errors.New("transport: could not resolve hostname from certificate")
	ErrShutdown          = errors.New("transport: shutting down")
	ErrProtocolViolation = errors.New("transport: protocol violation")
	ErrNoTLSConfig       = errors.New("transport: TlsConfig is required")

	ErrJoinCluster = errors.New("discovery: could not join cluster")
)

var (
	QErrClosed = QuicApplicationError{
		Code:   0x0,
		Prefix: "closed",
	}
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrHostname = QuicApplicationError{
		Code:   0x2,
		Prefix: "hostname",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
	QErrProtocolViolation = QuicApplicationError{
		Code:   0x4,
		Prefix: "protocol violation",
	}
)

const (
	ClosedByUnknown ClosedBy = iota
	ClosedByUser
	ClosedByRemote
	ClosedByCorruption
	ClosedByError
	ClosedByShutdown
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}

// ClosedBy tells which side, or which condition, ended a `Session`.
type ClosedBy uint8

func (cause ClosedBy) String() string {
	switch cause {
	case ClosedByUser:
		return "explicit user close"
	case ClosedByRemote:
		return "remote"
	case ClosedByCorruption:
		return "corrupted stream"
	case ClosedByError:
		return "transport error"
	case ClosedByShutdown:
		return "endpoint shutdown"
	default:
		return "unknown"
	}
}

// ClosedError is the cause attached to a closed `Session`.
type ClosedError struct {
	Cause ClosedBy
	Err   error
}

func (endErr *ClosedError) Error() string {
	if endErr.Err == nil {
		return fmt.Sprintf("session closed by %s", endErr.Cause)
	}
	return fmt.Sprintf("session closed by %s: %s", endErr.Cause, endErr.Err)
}

func (endErr *ClosedError) Unwrap() []error {
	if endErr.Err == nil {
		return []error{ErrSessionClosed}
	}
	return []error{ErrSessionClosed, endErr.Err}
}
