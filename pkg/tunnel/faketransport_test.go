package tunnel

import (
	"net/netip"
	"sync"

	"github.com/knxdev/knxnetip/pkg/knxnet"
)

// fakeTransport is an in-process Transport for tests: Send hands the frame
// directly to a peer callback instead of touching a real socket.
type fakeTransport struct {
	mu      sync.Mutex
	handler FrameHandler
	onSend  func(b []byte, dest netip.AddrPort)
	closed  bool
	kind    Kind
}

func newFakeTransport(kind Kind) *fakeTransport {
	return &fakeTransport{kind: kind}
}

func (t *fakeTransport) Kind() Kind { return t.kind }

func (t *fakeTransport) SetHandler(h FrameHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *fakeTransport) LocalAddr() netip.AddrPort {
	return netip.MustParseAddrPort("192.0.2.50:3671")
}

func (t *fakeTransport) Start() error { return nil }

func (t *fakeTransport) Send(b []byte, dest netip.AddrPort) error {
	t.mu.Lock()
	closed := t.closed
	onSend := t.onSend
	t.mu.Unlock()
	if closed {
		return &TransportError{Op: "send", Err: ErrClosed}
	}
	if onSend != nil {
		onSend(b, dest)
	}
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// deliver injects an inbound frame as though it arrived from the peer.
func (t *fakeTransport) deliver(svc knxnet.ServiceType, body []byte, src netip.AddrPort) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h == nil {
		return
	}
	frame := make([]byte, 0, knxnet.HeaderLen+len(body))
	frame = knxnet.EncodeHeader(frame, svc, len(body))
	frame = append(frame, body...)
	hdr, b, err := knxnet.DecodeHeader(frame)
	if err != nil {
		panic(err)
	}
	h(hdr, b, src)
}
