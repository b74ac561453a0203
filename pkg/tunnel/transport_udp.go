package tunnel

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"

	"github.com/rs/zerolog"

	"github.com/knxdev/knxnetip/pkg/knxnet"
)

// UDPTransport owns a datagram socket bound to a caller-chosen local
// endpoint. It supports sending to an explicit destination; a receive loop
// reads complete datagrams, each of which must contain exactly one framed
// message (spec.md §4.2).
type UDPTransport struct {
	logger zerolog.Logger

	mu      sync.Mutex
	conn    *net.UDPConn
	closed  bool
	handler FrameHandler
}

// NewUDPTransport binds a UDP socket at local and returns a transport ready
// to Start. If local resolves to a loopback address, a warning is logged
// (spec.md §8 boundary behavior) but the bind still proceeds.
func NewUDPTransport(logger zerolog.Logger, local netip.AddrPort) (*UDPTransport, error) {
	lc := net.ListenConfig{Control: controlReuseAddr}
	pconn, err := lc.ListenPacket(context.Background(), "udp4", local.String())
	if err != nil {
		return nil, &TransportError{Op: "bind", Err: err}
	}
	conn := pconn.(*net.UDPConn)

	if a := conn.LocalAddr().(*net.UDPAddr).AddrPort().Addr(); a.IsLoopback() {
		logger.Warn().Str("local_addr", a.String()).Msg("binding KNXnet/IP UDP transport to a loopback address")
	}

	return &UDPTransport{logger: logger, conn: conn}, nil
}

func (t *UDPTransport) Kind() Kind { return KindUDP }

func (t *UDPTransport) SetHandler(h FrameHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *UDPTransport) LocalAddr() netip.AddrPort {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return netip.AddrPort{}
	}
	return t.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Start launches the receive loop in a new goroutine. It returns
// immediately; inbound frames arrive on the registered FrameHandler.
func (t *UDPTransport) Start() error {
	go t.receiveLoop()
	return nil
}

func (t *UDPTransport) receiveLoop() {
	buf := make([]byte, 1500)
	for {
		n, srcAP, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				// spec.md §9: closing the socket is the mandated interrupt
				// mechanism; treat it as terminal, non-error.
				return
			}
			t.logger.Warn().Err(err).Msg("udp transport read failed")
			return
		}

		hdr, body, err := knxnet.DecodeHeader(buf[:n])
		if err != nil {
			t.logger.Debug().Err(err).Str("src", srcAP.String()).Msg("dropping malformed datagram")
			continue
		}

		t.mu.Lock()
		h := t.handler
		t.mu.Unlock()
		if h != nil {
			h(hdr, body, srcAP)
		}
	}
}

// Send writes b to dest. On I/O error the operation fails with a
// *TransportError; the caller (state machine) decides whether to retry or
// close.
func (t *UDPTransport) Send(b []byte, dest netip.AddrPort) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return &TransportError{Op: "send", Err: errors.New("transport closed")}
	}
	if _, err := conn.WriteToUDPAddrPort(b, dest); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

// Close closes the socket, unblocking any in-progress receive (spec.md §9:
// "closing a blocked I/O call is the mandated interrupt mechanism").
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
