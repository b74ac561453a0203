package tunnel

import (
	"net/netip"

	"github.com/knxdev/knxnetip/pkg/knxnet"
)

// handleFrame is the Transport's FrameHandler: every inbound frame for
// this connection, on either UDP or the shared TCP stream, arrives here
// (spec.md §4.5 "service dispatch").
func (c *Connection) handleFrame(hdr knxnet.Header, body []byte, src netip.AddrPort) {
	if hdr.Version != knxnet.ProtocolVersion10 {
		c.cfg.Logger.Warn().Uint8("version", hdr.Version).Msg("protocol version changed, closing connection")
		c.cleanup("protocol version changed")
		return
	}

	switch hdr.Service {
	case knxnet.SvcConnectResponse:
		c.handleConnectResponse(body, src)
	case knxnet.SvcConnectionstateResponse:
		c.handleConnectionstateResponse(body)
	case knxnet.SvcDisconnectRequest:
		c.handleDisconnectRequest(body, src)
	case knxnet.SvcDisconnectResponse:
		c.handleDisconnectResponse(body)
	case knxnet.SvcTunnelingAck, knxnet.SvcDeviceConfigAck:
		c.handleServiceAck(body)
	case knxnet.SvcTunnelingRequest, knxnet.SvcDeviceConfigRequest:
		c.handleServiceRequest(hdr.Service, body)
	case knxnet.SvcConnectRequest, knxnet.SvcConnectionstateRequest:
		// A client never serves these; the peer is misbehaving.
		c.cfg.Logger.Warn().Stringer("service", hdr.Service).Msg("dropping request-direction frame received by client")
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.FramesDroppedTotal.Malformed.Inc()
		}
	default:
		c.cfg.Logger.Debug().Stringer("service", hdr.Service).Msg("dropping frame of unhandled service type")
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.FramesDroppedTotal.Malformed.Inc()
		}
	}
}

func (c *Connection) handleConnectResponse(body []byte, src netip.AddrPort) {
	resp, err := knxnet.DecodeConnectResponse(body)
	c.mu.Lock()
	ch := c.connectCh
	c.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- connectOutcome{resp: resp, src: src, err: err}:
	default:
	}
}

func (c *Connection) handleConnectionstateResponse(body []byte) {
	resp, err := knxnet.DecodeConnectionstateResponse(body)
	if err != nil {
		c.cfg.Logger.Warn().Err(err).Msg("malformed connectionstate response")
		return
	}
	c.mu.Lock()
	channel := c.channel
	c.mu.Unlock()
	if resp.Channel != channel {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.FramesDroppedTotal.WrongChannel.Inc()
		}
		return
	}
	if c.heartbeat != nil {
		c.heartbeat.deliver(resp)
	}
}

func (c *Connection) handleDisconnectRequest(body []byte, src netip.AddrPort) {
	req, err := knxnet.DecodeDisconnectRequest(body)
	if err != nil {
		c.cfg.Logger.Warn().Err(err).Msg("malformed disconnect request")
		return
	}
	// UDP only: a disconnect is only honored from the control endpoint
	// (spec.md §4.3). On TCP src is the zero value, the peer is implied
	// by the shared stream, and there is nothing to check.
	if src.IsValid() && src != c.cfg.ServerControl {
		c.cfg.Logger.Warn().Str("src", src.String()).Msg("ignoring disconnect request from unexpected source")
		return
	}
	c.mu.Lock()
	channel := c.channel
	c.mu.Unlock()
	if req.Channel != channel {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.FramesDroppedTotal.WrongChannel.Inc()
		}
		return
	}

	resp := knxnet.EncodeDisconnectResponse(req.Channel, knxnet.StatusNoError)
	_ = c.transport.Send(resp, c.cfg.ServerControl)
	c.cleanup("server request")
}

func (c *Connection) handleDisconnectResponse(body []byte) {
	resp, err := knxnet.DecodeDisconnectResponse(body)
	if err != nil {
		c.cfg.Logger.Warn().Err(err).Msg("malformed disconnect response")
		return
	}
	c.mu.Lock()
	ch := c.disconnectCh
	c.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

func (c *Connection) handleServiceAck(body []byte) {
	ack, err := knxnet.DecodeServiceAck(body)
	if err != nil {
		c.cfg.Logger.Warn().Err(err).Msg("malformed service ack")
		return
	}
	c.mu.Lock()
	ch, ok := c.ackWaiters[ack.Seq]
	channel := c.channel
	c.mu.Unlock()
	if !ok || ack.Channel != channel {
		c.cfg.Logger.Debug().Uint8("seq", ack.Seq).Msg("dropping ack with no matching waiter")
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.AcksTotal.UnmatchedSeq.Inc()
		}
		return
	}
	select {
	case ch <- ack:
	default:
	}
}

// handleServiceRequest processes an inbound TUNNELING_REQUEST or
// DEVICE_CONFIGURATION_REQUEST: it acks immediately, advances the inbound
// sequence counter on in-order delivery, and delivers the payload to the
// application (spec.md §4.5). An inbound request also satisfies a pending
// CEMI_CON_PENDING wait, since the server has no separate confirmation
// service distinct from its own tunneling requests.
func (c *Connection) handleServiceRequest(svc knxnet.ServiceType, body []byte) {
	reqHdr, payload, err := knxnet.DecodeServiceRequest(body)
	if err != nil {
		c.cfg.Logger.Warn().Err(err).Msg("malformed service request")
		return
	}

	c.mu.Lock()
	channel := c.channel
	if reqHdr.Channel != channel {
		c.mu.Unlock()
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.FramesDroppedTotal.WrongChannel.Inc()
		}
		return
	}

	ackSvc := knxnet.SvcTunnelingAck
	if svc == knxnet.SvcDeviceConfigRequest {
		ackSvc = knxnet.SvcDeviceConfigAck
	}

	expected := c.inSeq
	inOrder := reqHdr.Seq == expected
	duplicate := reqHdr.Seq == expected-1
	confirmCh := c.confirmCh
	c.mu.Unlock()

	status := knxnet.StatusNoError
	switch {
	case inOrder:
		c.mu.Lock()
		c.inSeq = c.inSeq + 1
		c.mu.Unlock()
	case duplicate:
		// Re-ack without redelivering or advancing (spec.md §4.5 dedup rule).
	default:
		status = knxnet.StatusErrSequenceNumber
	}

	frame := knxnet.EncodeServiceAck(ackSvc, channel, reqHdr.Seq, status)
	if err := c.transport.Send(frame, c.peerDataEndpoint()); err != nil {
		c.cleanup("communication failure")
		return
	}

	if inOrder {
		if c.cfg.OnServiceRequest != nil {
			c.cfg.OnServiceRequest(payload)
		}
		if confirmCh != nil {
			select {
			case confirmCh <- struct{}{}:
			default:
			}
		}
	}
}

func (c *Connection) peerDataEndpoint() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dataEndpoint
}
