package tunnel

import (
	"net"
	"net/netip"
	"sync"

	"github.com/rs/zerolog"

	"github.com/knxdev/knxnetip/pkg/knxnet"
)

// StreamRegistry demultiplexes frames read from a single shared TCP stream
// to the TCPTransport instances registered with it, keyed by channel ID
// once a connection's channel is known, and to a single "pending" listener
// beforehand (spec.md §4.2 "a shared demultiplexer supplies frames").
//
// The registry does not own conn: it only registers/unregisters interest
// and must never close it itself (spec.md §5 "the TCP stream is shared").
type StreamRegistry struct {
	logger zerolog.Logger
	conn   net.Conn

	mu        sync.Mutex
	writeMu   sync.Mutex
	pending   *TCPTransport
	byChannel map[uint8]*TCPTransport
}

// NewStreamRegistry wraps conn, which the caller continues to own.
func NewStreamRegistry(logger zerolog.Logger, conn net.Conn) *StreamRegistry {
	return &StreamRegistry{
		logger:    logger,
		conn:      conn,
		byChannel: make(map[uint8]*TCPTransport),
	}
}

// Serve reads frames from the stream until it errors (including because
// the caller closed conn) and dispatches each to the registered
// TCPTransport. It blocks; run it in its own goroutine.
func (r *StreamRegistry) Serve() error {
	buf := make([]byte, 0, 4096)
	hdr := make([]byte, knxnet.HeaderLen)
	for {
		if _, err := readFull(r.conn, hdr); err != nil {
			return err
		}
		h, _, err := knxnet.DecodeHeader(hdr)
		if err != nil {
			r.logger.Warn().Err(err).Msg("tcp stream header decode failed, stream desynced")
			return err
		}
		bodyLen := int(h.TotalLength) - knxnet.HeaderLen
		if cap(buf) < bodyLen {
			buf = make([]byte, bodyLen)
		} else {
			buf = buf[:bodyLen]
		}
		if bodyLen > 0 {
			if _, err := readFull(r.conn, buf); err != nil {
				return err
			}
		}
		r.dispatch(h, buf[:bodyLen])
	}
}

func (r *StreamRegistry) dispatch(h knxnet.Header, body []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h.Service == knxnet.SvcConnectResponse {
		if r.pending != nil {
			r.pending.deliver(h, body)
		} else {
			r.logger.Warn().Msg("received connect response with no pending connection")
		}
		return
	}

	channel, ok := knxnet.PeekChannel(h.Service, body)
	if !ok {
		r.logger.Debug().Stringer("service", h.Service).Msg("dropping frame with no channel to route on")
		return
	}
	t, found := r.byChannel[channel]
	if !found {
		r.logger.Warn().Uint8("channel", channel).Msg("dropping frame for unknown channel")
		return
	}
	t.deliver(h, body)
}

// registerPending installs t as the receiver of the next CONNECT_RESPONSE.
// Only one connect attempt may be pending on a shared stream at a time.
func (r *StreamRegistry) registerPending(t *TCPTransport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != nil {
		return &TransportError{Op: "register", Err: errCollision}
	}
	r.pending = t
	return nil
}

// promote moves t from the pending slot to channel-keyed routing.
func (r *StreamRegistry) promote(t *TCPTransport, channel uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == t {
		r.pending = nil
	}
	r.byChannel[channel] = t
}

// unregister removes t from both the pending slot and the channel map.
func (r *StreamRegistry) unregister(t *TCPTransport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == t {
		r.pending = nil
	}
	for ch, v := range r.byChannel {
		if v == t {
			delete(r.byChannel, ch)
		}
	}
}

func (r *StreamRegistry) write(b []byte) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if _, err := r.conn.Write(b); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// TCPTransport delegates to a StreamRegistry shared with other
// connections over the same stream connection (spec.md §4.2). It does not
// own the socket and must not close it.
type TCPTransport struct {
	registry *StreamRegistry
	handler  FrameHandler
	channel  uint8
}

// NewTCPTransport creates a transport bound to the given shared registry.
func NewTCPTransport(registry *StreamRegistry) *TCPTransport {
	return &TCPTransport{registry: registry}
}

func (t *TCPTransport) Kind() Kind { return KindTCP }

func (t *TCPTransport) SetHandler(h FrameHandler) { t.handler = h }

func (t *TCPTransport) LocalAddr() netip.AddrPort { return netip.AddrPort{} }

// Start registers this transport's interest in the next connect response
// on the shared stream (spec.md §4.2: "registered at connect time").
func (t *TCPTransport) Start() error {
	return t.registry.registerPending(t)
}

// Promote switches routing from the pending slot to channel-keyed
// dispatch once the channel ID is known, called by the Connection on a
// successful connect response.
func (t *TCPTransport) Promote(channel uint8) {
	t.channel = channel
	t.registry.promote(t, channel)
}

// Send writes pre-framed bytes to the shared stream. dest is ignored: the
// peer is implied by the stream.
func (t *TCPTransport) Send(b []byte, _ netip.AddrPort) error {
	return t.registry.write(b)
}

// Close unregisters this transport's interest; the shared stream itself is
// left open (spec.md §4.2, §5: "unregistered after").
func (t *TCPTransport) Close() error {
	t.registry.unregister(t)
	return nil
}

func (t *TCPTransport) deliver(h knxnet.Header, body []byte) {
	if t.handler != nil {
		t.handler(h, body, netip.AddrPort{})
	}
}
