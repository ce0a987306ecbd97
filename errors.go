package streamrpc

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
	"github.com/raskyld/streamrpc/pkg/watchable"
)

var (
	ErrUseAfterClose     = errors.New("streamrpc: a connection or transport was used after being closed")
	ErrUnknownMethod     = errors.New("streamrpc: no method was found with the given name")
	ErrFromMethod        = errors.New("streamrpc: the method returned an error")
	ErrTimeout           = watchable.ErrTimeout
	ErrNetworkProblem    = errors.New("streamrpc: a network problem occurred")
	ErrProtocolViolation = errors.New("streamrpc: protocol violation")
	ErrRemote            = errors.New("streamrpc: the remote peer answered with an error")

	ErrInvalidCfg          = errors.New("streamrpc: invalid options")
	ErrNoTLSConfig         = errors.New("streamrpc: TlsConfig is required")
	ErrIncompatibleVersion = errors.New("streamrpc: incompatible protocol version")
	ErrPeerMismatch        = errors.New("streamrpc: peer announced a device id its certificate does not hold")
	ErrPeerIDResolve       = errors.New("streamrpc: could not resolve peer device id")
)

// RemoteError is returned by `Connection.Request` when the peer answered
// with an error. The peer only transmits a description of its failure.
type RemoteError struct {
	Message string
}

func (rerr *RemoteError) Error() string {
	return fmt.Sprintf("streamrpc: remote error: %s", rerr.Message)
}

func (rerr *RemoteError) Unwrap() error {
	return ErrRemote
}

const (
	ClosedByUnknown CloseReason = iota
	ClosedByUser
	ClosedByRemote
	ClosedByTransport
	ClosedByCounterpart
	ClosedByStale
	ClosedByNetwork
)

// CloseReason records why a `Connection` was closed.
type CloseReason uint8

func (cause CloseReason) String() string {
	switch cause {
	case ClosedByUser:
		return "explicit user close"
	case ClosedByRemote:
		return "remote"
	case ClosedByTransport:
		return "transport closed"
	case ClosedByCounterpart:
		return "counterpart connection closed"
	case ClosedByStale:
		return "peer went stale"
	case ClosedByNetwork:
		return "network failure"
	default:
		return "unknown"
	}
}

// ClosedError is returned to requests which were still waiting for their
// response when the connection closed.
type ClosedError struct {
	Reason CloseReason
}

func (cerr *ClosedError) Error() string {
	return fmt.Sprintf("streamrpc: connection closed by %s", cerr.Reason)
}

func (cerr *ClosedError) Unwrap() error {
	return ErrUseAfterClose
}

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrClosed = QuicApplicationError{
		Code:   0x2,
		Prefix: "closed",
	}
	QErrPeerMismatch = QuicApplicationError{
		Code:   0x3,
		Prefix: "peer mismatch",
	}
	QErrProtocolViolation = QuicApplicationError{
		Code:   0x4,
		Prefix: "protocol violation",
	}
)

var QErrStreamClosed = quic.StreamErrorCode(0xC)

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
