package tunnel

import (
	"net/netip"

	"github.com/knxdev/knxnetip/pkg/knxnet"
)

// Kind distinguishes the two transport semantics the state machine must
// share a single implementation across (spec.md §2, §4.2).
type Kind int

const (
	KindUDP Kind = iota
	KindTCP
)

func (k Kind) String() string {
	if k == KindTCP {
		return "TCP"
	}
	return "UDP"
}

// FrameHandler receives one decoded inbound frame. src is the UDP peer
// address for the UDP transport, or the zero value for TCP (the peer is
// implied by the shared stream).
type FrameHandler func(hdr knxnet.Header, body []byte, src netip.AddrPort)

// Transport is the uniform send/receive surface the Connection state
// machine drives, regardless of whether frames travel over a private UDP
// socket or a TCP stream shared with other connections (spec.md §4.2).
type Transport interface {
	// Kind reports which transport semantics this implementation provides.
	Kind() Kind

	// SetHandler registers the callback invoked for every inbound frame.
	// It must be called before Start.
	SetHandler(FrameHandler)

	// Start begins delivering inbound frames to the registered handler.
	// For UDP this launches the receive loop on the bound socket; for TCP
	// it registers this transport's interest with the shared stream.
	Start() error

	// Send transmits a pre-framed message. dest is the destination for
	// UDP; it is ignored for TCP, where the peer is implied by the shared
	// stream.
	Send(b []byte, dest netip.AddrPort) error

	// Close releases resources exclusively owned by this transport. For
	// UDP this closes the socket (the mandated way to interrupt a blocked
	// receive, per spec.md §9). For TCP this only unregisters interest;
	// the shared stream itself is never closed here.
	Close() error

	// LocalAddr reports the local endpoint this transport sends from. For
	// TCP, the address and port are always zero (route-back).
	LocalAddr() netip.AddrPort
}
