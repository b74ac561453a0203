// Package tunnel implements the client side of a KNXnet/IP tunneling or
// device-management connection: wire-level framing is handled by
// pkg/knxnet; this package owns the connection lifecycle, sequence
// numbers, retransmission, heartbeat, and service dispatch described by
// the KNXnet/IP specification.
package tunnel

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/knxdev/knxnetip/pkg/knxnet"
	"github.com/knxdev/knxnetip/pkg/tunnelmetrics"
)

// Config holds the options recognized at construction/connect time
// (spec.md §6).
type Config struct {
	Profile Profile

	// ServerControl is the peer's control endpoint. It must be resolved
	// and non-multicast.
	ServerControl netip.AddrPort

	// LocalEndpoint is the bind address for UDP; ignored for TCP.
	LocalEndpoint netip.AddrPort

	// CRI is the connect-request payload (connection type + parameters).
	CRI knxnet.CRI

	// UseNAT rewrites the data endpoint from the observed source on
	// connect when true (spec.md §4.2).
	UseNAT bool

	Logger  zerolog.Logger
	Metrics *tunnelmetrics.Set

	// OnServiceRequest delivers an inbound cEMI payload to the
	// application, after the connection has sent the ack and advanced
	// the inbound sequence counter (spec.md §4.5).
	OnServiceRequest func(payload []byte)
}

// connectOutcome is delivered on connectCh once the establishment sequence
// resolves one way or another.
type connectOutcome struct {
	resp knxnet.ConnectResponse
	src  netip.AddrPort
	err  error
}

// Connection is a single logical KNXnet/IP channel to a server, reachable
// over either a private UDP socket or a stream shared with other
// connections (spec.md §3). The zero value is not usable; construct with
// New.
type Connection struct {
	cfg       Config
	transport Transport

	mu    sync.Mutex
	cond  *sync.Cond
	state State

	channel       uint8
	dataEndpoint  netip.AddrPort
	outSeq        uint8
	inSeq         uint8
	tunnelAddr    knxnet.IndividualAddress
	hasTunnelAddr bool
	lastStatus    string

	connectCh    chan connectOutcome
	ackWaiters   map[uint8]chan knxnet.ServiceAck
	confirmCh    chan struct{}
	disconnectCh chan knxnet.DisconnectResponse

	heartbeat *heartbeatMonitor

	cleanupOnce sync.Once
	cleanupDone chan struct{}
}

// New creates a Connection in State CLOSED, bound to transport. transport
// must not yet be started.
func New(cfg Config, transport Transport) *Connection {
	c := &Connection{
		cfg:         cfg,
		transport:   transport,
		state:       StateClosed,
		ackWaiters:  make(map[uint8]chan knxnet.ServiceAck),
		cleanupDone: make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	transport.SetHandler(c.handleFrame)
	return c
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Channel returns the server-assigned channel ID, valid only once State
// has reached OK at least once.
func (c *Connection) Channel() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

// TunnelingAddress returns the KNX individual address assigned by a tunnel
// CRD, if the connect response carried one.
func (c *Connection) TunnelingAddress() (knxnet.IndividualAddress, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tunnelAddr, c.hasTunnelAddr
}

// OutboundSeq returns the current outbound sequence counter.
func (c *Connection) OutboundSeq() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outSeq
}

func (c *Connection) setState(s State) {
	c.state = s
	c.cond.Broadcast()
}

// Connect establishes the channel (spec.md §4.3). It requires State
// CLOSED; any other state fails immediately with ErrIllegalState and no
// side effect.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateClosed {
		c.mu.Unlock()
		return ErrIllegalState
	}
	if !c.cfg.ServerControl.IsValid() || c.cfg.ServerControl.Addr().IsMulticast() {
		c.mu.Unlock()
		return fmt.Errorf("tunnel: server control endpoint %s is not a valid unicast address", c.cfg.ServerControl)
	}

	localHPAI := c.localHPAI()
	c.setState(StateConnecting)
	c.connectCh = make(chan connectOutcome, 1)
	c.mu.Unlock()

	if err := c.transport.Start(); err != nil {
		c.cleanup("communication failure")
		return &TransportError{Op: "start", Err: err}
	}

	frame := knxnet.EncodeConnectRequest(c.cfg.CRI, localHPAI, localHPAI)
	if err := c.transport.Send(frame, c.cfg.ServerControl); err != nil {
		c.cleanup("communication failure")
		return err
	}

	timeout := c.cfg.Profile.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case outcome := <-c.connectCh:
		return c.finishConnect(outcome)
	case <-timer.C:
		c.cleanup("communication failure")
		return ErrTimeout
	case <-ctx.Done():
		c.cleanup("communication failure")
		return ctx.Err()
	}
}

func (c *Connection) localHPAI() knxnet.HPAI {
	if c.transport.Kind() == KindTCP {
		return knxnet.TCPRouteBack()
	}
	if c.cfg.UseNAT {
		return knxnet.HPAI{Proto: knxnet.ProtoIPv4UDP}
	}
	addr := c.cfg.LocalEndpoint.Addr().As4()
	return knxnet.HPAI{Proto: knxnet.ProtoIPv4UDP, Addr: addr, Port: c.cfg.LocalEndpoint.Port()}
}

func (c *Connection) finishConnect(outcome connectOutcome) error {
	if outcome.err != nil {
		c.cleanup("communication failure")
		return outcome.err
	}
	resp := outcome.resp

	if !resp.Status.OK() {
		c.mu.Lock()
		c.lastStatus = resp.Status.String()
		c.setState(StateAckError)
		c.mu.Unlock()
		c.cleanup("remote rejected connect")
		return &RemoteError{Op: "connect", Peer: c.cfg.ServerControl, Status: resp.Status}
	}

	wantProto := knxnet.ProtoIPv4UDP
	if c.transport.Kind() == KindTCP {
		wantProto = knxnet.ProtoIPv4TCP
	}
	if resp.Data.Proto != wantProto {
		c.cleanup("invalid response")
		return &InvalidResponseError{Peer: c.cfg.ServerControl, Reason: fmt.Sprintf("data endpoint protocol %s does not match transport %s", resp.Data.Proto, c.transport.Kind())}
	}

	dataEP := netip.AddrPortFrom(netip.AddrFrom4(resp.Data.Addr), resp.Data.Port)
	if c.transport.Kind() == KindTCP {
		if !resp.Data.RouteBack() {
			c.cleanup("internal: TCP connect response was not route-back")
			return &InvalidResponseError{Peer: c.cfg.ServerControl, Reason: "TCP connect response data endpoint is not route-back"}
		}
		// Route-back: the peer is the shared stream, not a concrete
		// address/port the engine sends to.
		dataEP = netip.AddrPort{}
	} else if c.cfg.UseNAT && (resp.Data.Addr == [4]byte{} || resp.Data.Port == 0) {
		dataEP = outcome.src
	}

	c.mu.Lock()
	c.channel = resp.Channel
	c.dataEndpoint = dataEP
	if resp.CRD.Type == knxnet.ConnTunnel {
		c.tunnelAddr = resp.CRD.TunnelAddress
		c.hasTunnelAddr = true
	}
	c.setState(StateOK)
	c.mu.Unlock()

	if tcp, ok := c.transport.(*TCPTransport); ok {
		tcp.Promote(resp.Channel)
	}

	c.heartbeat = newHeartbeatMonitor(c)
	c.heartbeat.start()

	return nil
}

// Send submits a framed service request carrying payload (the cEMI body)
// and blocks until the request is acked (UDP) and confirmed, or until a
// terminal error occurs (spec.md §4.3 "send discipline").
func (c *Connection) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	if c.state != StateOK {
		c.mu.Unlock()
		c.countIllegalSend()
		return ErrIllegalState
	}

	seq := c.outSeq
	channel := c.channel
	expectsAck := c.cfg.Profile.ExpectsAck && c.transport.Kind() == KindUDP
	dest := c.dataEndpoint

	if expectsAck {
		c.setState(StateWaitingAck)
	} else {
		c.setState(StateCEMIConPending)
	}
	var ackCh chan knxnet.ServiceAck
	if expectsAck {
		ackCh = make(chan knxnet.ServiceAck, 1)
		c.ackWaiters[seq] = ackCh
	}
	confirmCh := make(chan struct{}, 1)
	c.confirmCh = confirmCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if expectsAck {
			delete(c.ackWaiters, seq)
		}
		if c.confirmCh == confirmCh {
			c.confirmCh = nil
		}
		c.mu.Unlock()
	}()

	frame := knxnet.EncodeServiceRequest(c.cfg.Profile.ServiceRequest, channel, seq, payload)

	if expectsAck {
		status, err := c.sendWithAckRetries(frame, dest, ackCh)
		if err != nil {
			return err
		}
		if !status.OK() {
			c.mu.Lock()
			c.lastStatus = status.String()
			c.setState(StateAckError)
			c.setState(StateOK)
			c.mu.Unlock()
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.AcksTotal.RemoteError.Inc()
			}
			return &RemoteError{Op: "send", Peer: dest, Status: status}
		}
		c.mu.Lock()
		c.outSeq = c.outSeq + 1 // wraps at 256 via uint8 overflow
		c.setState(StateCEMIConPending)
		c.mu.Unlock()
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.AcksTotal.Ok.Inc()
		}
	} else {
		if err := c.transport.Send(frame, dest); err != nil {
			c.cleanup("communication failure")
			return err
		}
		// No ack exists for this transport/profile: treat the successful
		// write itself as the implicit ack for sequencing purposes, since
		// the wire protocol still requires monotonic sequence numbers even
		// when WAITING_ACK is bypassed (see DESIGN.md).
		c.mu.Lock()
		c.outSeq = c.outSeq + 1
		c.mu.Unlock()
	}

	return c.awaitConfirmation(ctx, confirmCh)
}

func (c *Connection) sendWithAckRetries(frame []byte, dest netip.AddrPort, ackCh chan knxnet.ServiceAck) (knxnet.Status, error) {
	attempts := c.cfg.Profile.MaxSendAttempts
	if attempts < 1 {
		attempts = 1
	}
	timeout := c.cfg.Profile.ResponseTimeout
	if timeout <= 0 {
		timeout = 1 * time.Second
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			c.cfg.Logger.Warn().Int("attempt", attempt+1).Msg("retransmitting unacknowledged service request")
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.SendsTotal.Retransmit.Inc()
			}
		}
		if err := c.transport.Send(frame, dest); err != nil {
			c.cleanup("communication failure")
			return 0, err
		}
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.SendsTotal.Success.Inc()
		}

		timer := time.NewTimer(timeout)
		select {
		case ack := <-ackCh:
			timer.Stop()
			return ack.Status, nil
		case <-timer.C:
			// try again (or fall through to final failure below)
		}
	}

	c.mu.Lock()
	c.setState(StateOK)
	c.mu.Unlock()
	return 0, ErrTimeout
}

func (c *Connection) awaitConfirmation(ctx context.Context, confirmCh chan struct{}) error {
	timeout := c.cfg.Profile.ConfirmationTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-confirmCh:
		c.mu.Lock()
		c.setState(StateOK)
		c.mu.Unlock()
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.ConfirmationsTotal.Ok.Inc()
		}
		return nil
	case <-timer.C:
		c.cfg.Logger.Warn().Msg("timed out waiting for cEMI confirmation")
		c.mu.Lock()
		c.setState(StateOK)
		c.mu.Unlock()
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.ConfirmationsTotal.Timeout.Inc()
		}
		return ErrTimeout
	case <-ctx.Done():
		c.mu.Lock()
		c.setState(StateOK)
		c.mu.Unlock()
		return ctx.Err()
	}
}

func (c *Connection) countIllegalSend() {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.SendsTotal.IllegalState.Inc()
	}
}

// Close initiates a locally-requested disconnect: it sends a disconnect
// request and waits a bounded time for the response before forcing CLOSED
// (spec.md §4.3).
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	channel := c.channel
	local := c.localHPAI()
	c.setState(StateClosing)
	disconnectCh := make(chan knxnet.DisconnectResponse, 1)
	c.disconnectCh = disconnectCh
	c.mu.Unlock()

	frame := knxnet.EncodeDisconnectRequest(channel, local)
	_ = c.transport.Send(frame, c.cfg.ServerControl)

	timer := time.NewTimer(2 * time.Second)
	defer timer.Stop()
	select {
	case <-disconnectCh:
	case <-timer.C:
	case <-ctx.Done():
	}

	c.cleanup("local close")
	return nil
}

// cleanup idempotently tears the connection down to CLOSED: it stops the
// heartbeat, closes the transport, and signals every outstanding waiter
// (spec.md §5: "concurrent cleanup requests collapse to the first").
func (c *Connection) cleanup(reason string) {
	c.cleanupOnce.Do(func() {
		if c.heartbeat != nil {
			c.heartbeat.quit()
		}
		_ = c.transport.Close()

		c.mu.Lock()
		c.setState(StateClosed)
		c.channel = 0
		if c.connectCh != nil {
			select {
			case c.connectCh <- connectOutcome{err: ErrClosed}:
			default:
			}
		}
		for _, ch := range c.ackWaiters {
			select {
			case ch <- knxnet.ServiceAck{}:
			default:
			}
		}
		if c.confirmCh != nil {
			select {
			case c.confirmCh <- struct{}{}:
			default:
			}
		}
		if c.disconnectCh != nil {
			select {
			case c.disconnectCh <- knxnet.DisconnectResponse{}:
			default:
			}
		}
		c.mu.Unlock()

		c.cfg.Logger.Info().Str("reason", reason).Msg("connection closed")
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.CleanupReason(reason).Inc()
		}
		close(c.cleanupDone)
	})
}

// Done returns a channel closed once cleanup has run.
func (c *Connection) Done() <-chan struct{} { return c.cleanupDone }
