package tunnel

import (
	"errors"
	"fmt"
	"net/netip"
)

// ErrIllegalState is returned when a send is attempted on a connection that
// is not in State OK, or connect is called on a connection that is not
// CLOSED. It carries no side effect on state (spec.md §7).
var ErrIllegalState = errors.New("tunnel: illegal state for requested operation")

// ErrTimeout is returned when a bounded wait (ack, confirmation, connect
// response) expires without the expected event.
var ErrTimeout = errors.New("tunnel: timed out waiting for response")

// ErrClosed is returned by Connect when the connection is torn down while
// it is still waiting for the connect response. A Send on a connection
// that has reached CLOSED returns ErrIllegalState.
var ErrClosed = errors.New("tunnel: connection is closed")

// errCollision is returned internally when a second connect attempt tries
// to register as pending on a shared TCP stream while one is already in
// flight.
var errCollision = errors.New("tunnel: a connect attempt is already pending on this stream")

// RemoteError reports a non-zero status reported by the peer on a connect
// response or service ack. Peer is the endpoint the rejection came from
// (spec.md §7: "a message that includes host:port pairs and the peer's
// textual status").
type RemoteError struct {
	Op     string // "connect" or "send"
	Peer   netip.AddrPort
	Status interface{ String() string }
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("tunnel: %s rejected by peer %s: %s", e.Op, e.Peer, e.Status.String())
}

// TransportError wraps an I/O failure from the underlying socket or shared
// stream. It always drives the connection to CLOSED.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("tunnel: transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// InvalidResponseError reports a connect response that could not be
// accepted: status was zero but the response was otherwise inconsistent
// (wrong transport kind, missing route-back, etc). Peer is the control
// endpoint the response came from (spec.md §7).
type InvalidResponseError struct {
	Peer   netip.AddrPort
	Reason string
}

func (e *InvalidResponseError) Error() string {
	return fmt.Sprintf("tunnel: invalid connect response from %s: %s", e.Peer, e.Reason)
}
