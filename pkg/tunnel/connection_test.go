package tunnel

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/knxdev/knxnetip/pkg/knxnet"
)

func testProfile() Profile {
	p := TunnelingProfile()
	p.ResponseTimeout = 20 * time.Millisecond
	p.ConfirmationTimeout = 50 * time.Millisecond
	p.ConnectTimeout = 200 * time.Millisecond
	return p
}

func newTestConnection(t *testing.T, ft *fakeTransport, onPayload func([]byte)) *Connection {
	t.Helper()
	cfg := Config{
		Profile:          testProfile(),
		ServerControl:    netip.MustParseAddrPort("192.0.2.10:3671"),
		LocalEndpoint:    netip.MustParseAddrPort("192.0.2.50:3671"),
		CRI:              knxnet.CRI{Type: knxnet.ConnTunnel, Layer: knxnet.TunnelLinkLayer},
		OnServiceRequest: onPayload,
	}
	return New(cfg, ft)
}

func connectResponseBody(channel uint8, status knxnet.Status, dataHPAI knxnet.HPAI) []byte {
	var body []byte
	body = append(body, channel, uint8(status))
	if status == knxnet.StatusNoError {
		body = dataHPAI.Encode(body)
		body = knxnet.CRD{Type: knxnet.ConnTunnel, TunnelAddress: knxnet.IndividualAddress{High: 0x11, Low: 0x05}}.Encode(body)
	}
	return body
}

func TestConnectAndSendHappyPath(t *testing.T) {
	ft := newFakeTransport(KindUDP)
	var received []byte
	conn := newTestConnection(t, ft, func(p []byte) { received = p })

	serverData := knxnet.HPAI{Proto: knxnet.ProtoIPv4UDP, Addr: [4]byte{192, 0, 2, 10}, Port: 3671}
	ft.onSend = func(b []byte, dest netip.AddrPort) {
		hdr, body, err := knxnet.DecodeHeader(b)
		if err != nil {
			t.Fatalf("decode outgoing frame: %v", err)
		}
		switch hdr.Service {
		case knxnet.SvcConnectRequest:
			resp := connectResponseBody(5, knxnet.StatusNoError, serverData)
			go ft.deliver(knxnet.SvcConnectResponse, resp, netip.MustParseAddrPort("192.0.2.10:3671"))
		case knxnet.SvcTunnelingRequest:
			reqHdr, _, err := knxnet.DecodeServiceRequest(body)
			if err != nil {
				t.Fatalf("decode service request: %v", err)
			}
			ack := knxnet.ServiceAck{Channel: reqHdr.Channel, Seq: reqHdr.Seq, Status: knxnet.StatusNoError}
			go ft.deliver(knxnet.SvcTunnelingAck, []byte{4, ack.Channel, ack.Seq, uint8(ack.Status)}, netip.AddrPort{})
			go func() {
				confirm := append([]byte{4, reqHdr.Channel, 0, 0}, []byte{0x2e, 0x00}...)
				ft.deliver(knxnet.SvcTunnelingRequest, confirm, netip.AddrPort{})
			}()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn.Channel() != 5 {
		t.Fatalf("channel = %d, want 5", conn.Channel())
	}
	addr, ok := conn.TunnelingAddress()
	if !ok || addr.String() != "1.1.5" {
		t.Fatalf("tunnel address = %v (ok=%v), want 1.1.5", addr, ok)
	}

	if err := conn.Send(ctx, []byte{0x11, 0x00}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if conn.OutboundSeq() != 1 {
		t.Fatalf("outbound seq = %d, want 1", conn.OutboundSeq())
	}
	if conn.State() != StateOK {
		t.Fatalf("state = %v, want OK", conn.State())
	}
	_ = received
}

func TestSendAckRetransmitThenSuccess(t *testing.T) {
	ft := newFakeTransport(KindUDP)
	conn := newTestConnection(t, ft, nil)

	serverData := knxnet.HPAI{Proto: knxnet.ProtoIPv4UDP, Addr: [4]byte{192, 0, 2, 10}, Port: 3671}
	attempts := 0
	ft.onSend = func(b []byte, dest netip.AddrPort) {
		hdr, body, _ := knxnet.DecodeHeader(b)
		switch hdr.Service {
		case knxnet.SvcConnectRequest:
			resp := connectResponseBody(5, knxnet.StatusNoError, serverData)
			go ft.deliver(knxnet.SvcConnectResponse, resp, netip.AddrPort{})
		case knxnet.SvcTunnelingRequest:
			attempts++
			reqHdr, _, _ := knxnet.DecodeServiceRequest(body)
			if attempts < 2 {
				return // drop the first attempt, forcing a retransmit
			}
			ack := []byte{4, reqHdr.Channel, reqHdr.Seq, uint8(knxnet.StatusNoError)}
			go ft.deliver(knxnet.SvcTunnelingAck, ack, netip.AddrPort{})
			go ft.deliver(knxnet.SvcTunnelingRequest, []byte{4, reqHdr.Channel, 0, 0, 0x2e, 0x00}, netip.AddrPort{})
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := conn.Send(ctx, []byte{0x11, 0x00}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestSendAckRemoteError(t *testing.T) {
	ft := newFakeTransport(KindUDP)
	conn := newTestConnection(t, ft, nil)

	serverData := knxnet.HPAI{Proto: knxnet.ProtoIPv4UDP, Addr: [4]byte{192, 0, 2, 10}, Port: 3671}
	ft.onSend = func(b []byte, dest netip.AddrPort) {
		hdr, body, _ := knxnet.DecodeHeader(b)
		switch hdr.Service {
		case knxnet.SvcConnectRequest:
			resp := connectResponseBody(5, knxnet.StatusNoError, serverData)
			go ft.deliver(knxnet.SvcConnectResponse, resp, netip.AddrPort{})
		case knxnet.SvcTunnelingRequest:
			reqHdr, _, _ := knxnet.DecodeServiceRequest(body)
			ack := []byte{4, reqHdr.Channel, reqHdr.Seq, uint8(knxnet.StatusErrSequenceNumber)}
			go ft.deliver(knxnet.SvcTunnelingAck, ack, netip.AddrPort{})
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	err := conn.Send(ctx, []byte{0x11, 0x00})
	if err == nil {
		t.Fatal("expected error for non-ok ack status")
	}
	if _, ok := err.(*RemoteError); !ok {
		t.Fatalf("error type = %T, want *RemoteError", err)
	}
	if conn.State() != StateOK {
		t.Fatalf("state = %v, want OK after recovering from ack error", conn.State())
	}
}

func TestSendConfirmationTimeout(t *testing.T) {
	ft := newFakeTransport(KindUDP)
	conn := newTestConnection(t, ft, nil)

	serverData := knxnet.HPAI{Proto: knxnet.ProtoIPv4UDP, Addr: [4]byte{192, 0, 2, 10}, Port: 3671}
	ft.onSend = func(b []byte, dest netip.AddrPort) {
		hdr, body, _ := knxnet.DecodeHeader(b)
		switch hdr.Service {
		case knxnet.SvcConnectRequest:
			resp := connectResponseBody(5, knxnet.StatusNoError, serverData)
			go ft.deliver(knxnet.SvcConnectResponse, resp, netip.AddrPort{})
		case knxnet.SvcTunnelingRequest:
			reqHdr, _, _ := knxnet.DecodeServiceRequest(body)
			ack := []byte{4, reqHdr.Channel, reqHdr.Seq, uint8(knxnet.StatusNoError)}
			go ft.deliver(knxnet.SvcTunnelingAck, ack, netip.AddrPort{})
			// no confirmation is ever delivered
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	err := conn.Send(ctx, []byte{0x11, 0x00})
	if err != ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if conn.State() != StateOK {
		t.Fatalf("state = %v, want OK after confirmation timeout", conn.State())
	}
}

func TestServerInitiatedDisconnect(t *testing.T) {
	ft := newFakeTransport(KindUDP)
	conn := newTestConnection(t, ft, nil)

	serverData := knxnet.HPAI{Proto: knxnet.ProtoIPv4UDP, Addr: [4]byte{192, 0, 2, 10}, Port: 3671}
	ft.onSend = func(b []byte, dest netip.AddrPort) {
		hdr, _, _ := knxnet.DecodeHeader(b)
		if hdr.Service == knxnet.SvcConnectRequest {
			resp := connectResponseBody(5, knxnet.StatusNoError, serverData)
			go ft.deliver(knxnet.SvcConnectResponse, resp, netip.AddrPort{})
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	local := netip.MustParseAddrPort("192.0.2.50:3671")
	body := append([]byte{5, 0x00}, knxnet.HPAI{Proto: knxnet.ProtoIPv4UDP, Addr: local.Addr().As4(), Port: local.Port()}.Encode(nil)...)
	ft.deliver(knxnet.SvcDisconnectRequest, body, netip.AddrPort{})

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("connection did not clean up after server-initiated disconnect")
	}
	if conn.State() != StateClosed {
		t.Fatalf("state = %v, want CLOSED", conn.State())
	}
}

func TestConnectRemoteRejection(t *testing.T) {
	ft := newFakeTransport(KindUDP)
	conn := newTestConnection(t, ft, nil)

	ft.onSend = func(b []byte, dest netip.AddrPort) {
		hdr, _, _ := knxnet.DecodeHeader(b)
		if hdr.Service == knxnet.SvcConnectRequest {
			resp := connectResponseBody(0, knxnet.StatusErrNoMoreConnections, knxnet.HPAI{})
			go ft.deliver(knxnet.SvcConnectResponse, resp, netip.AddrPort{})
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := conn.Connect(ctx)
	if err == nil {
		t.Fatal("expected error for rejected connect")
	}
	if _, ok := err.(*RemoteError); !ok {
		t.Fatalf("error type = %T, want *RemoteError", err)
	}
	if conn.State() != StateClosed {
		t.Fatalf("state = %v, want CLOSED", conn.State())
	}
}

func TestSendRejectedWhenNotOK(t *testing.T) {
	ft := newFakeTransport(KindUDP)
	conn := newTestConnection(t, ft, nil)

	if err := conn.Send(context.Background(), []byte{0x00}); err != ErrIllegalState {
		t.Fatalf("err = %v, want ErrIllegalState", err)
	}
}

func TestConnectRejectedWhenNotClosed(t *testing.T) {
	ft := newFakeTransport(KindUDP)
	conn := newTestConnection(t, ft, nil)

	serverData := knxnet.HPAI{Proto: knxnet.ProtoIPv4UDP, Addr: [4]byte{192, 0, 2, 10}, Port: 3671}
	ft.onSend = func(b []byte, dest netip.AddrPort) {
		hdr, _, _ := knxnet.DecodeHeader(b)
		if hdr.Service == knxnet.SvcConnectRequest {
			resp := connectResponseBody(5, knxnet.StatusNoError, serverData)
			go ft.deliver(knxnet.SvcConnectResponse, resp, netip.AddrPort{})
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := conn.Connect(ctx); err != ErrIllegalState {
		t.Fatalf("err = %v, want ErrIllegalState", err)
	}
}
