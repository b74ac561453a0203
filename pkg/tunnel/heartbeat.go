package tunnel

import (
	"sync"
	"time"

	"github.com/knxdev/knxnetip/pkg/knxnet"
)

const (
	heartbeatInterval     = 60 * time.Second
	heartbeatProbeTimeout = 10 * time.Second
	heartbeatMaxFailures  = 4
)

// heartbeatMonitor sends periodic CONNECTIONSTATE_REQUESTs and forces
// cleanup after heartbeatMaxFailures consecutive probes go unanswered
// (spec.md §4.4). It keeps its own lock and condition variable, separate
// from Connection.mu, specifically so a response arriving between the
// probe send and the wait call is never missed (spec.md §9 calls this out
// by name as a lost-wakeup hazard in careless implementations).
type heartbeatMonitor struct {
	conn *Connection

	mu        sync.Mutex
	cond      *sync.Cond
	responded bool
	lastOK    bool

	quitCh chan struct{}
	doneCh chan struct{}
}

func newHeartbeatMonitor(c *Connection) *heartbeatMonitor {
	h := &heartbeatMonitor{
		conn:   c,
		quitCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	h.cond = sync.NewCond(&h.mu)
	return h
}

func (h *heartbeatMonitor) start() {
	go h.run()
}

func (h *heartbeatMonitor) quit() {
	select {
	case <-h.quitCh:
	default:
		close(h.quitCh)
	}
	<-h.doneCh
}

// run sleeps one heartbeatInterval, then probes up to heartbeatMaxFailures
// times in quick succession; a single successful probe resets to another
// full sleep, and exhausting the burst without one forces cleanup
// (spec.md §4.4, §8 scenario 5: failure is detected within interval +
// heartbeatMaxFailures*heartbeatProbeTimeout, not by spacing probes a full
// interval apart).
func (h *heartbeatMonitor) run() {
	defer close(h.doneCh)

	timer := time.NewTimer(heartbeatInterval)
	defer timer.Stop()

	for {
		select {
		case <-h.quitCh:
			return
		case <-timer.C:
		}

		ok := false
		for attempt := 1; attempt <= heartbeatMaxFailures; attempt++ {
			select {
			case <-h.quitCh:
				return
			default:
			}

			ok = h.probe()
			if h.conn.cfg.Metrics != nil {
				if ok {
					h.conn.cfg.Metrics.HeartbeatProbesTotal.Success.Inc()
				} else {
					h.conn.cfg.Metrics.HeartbeatProbesTotal.Failure.Inc()
				}
			}
			if ok {
				break
			}
			h.conn.cfg.Logger.Warn().Int("attempt", attempt).Msg("connectionstate probe unanswered")
		}
		if !ok {
			// cleanup joins this goroutine via quit, so it must run on
			// another one.
			go h.conn.cleanup("no heartbeat response")
			return
		}

		timer.Reset(heartbeatInterval)
	}
}

// probe sends one CONNECTIONSTATE_REQUEST and waits up to
// heartbeatProbeTimeout for a matching response, returning whether the
// peer confirmed the channel is still alive.
func (h *heartbeatMonitor) probe() bool {
	h.mu.Lock()
	h.responded = false
	h.mu.Unlock()

	conn := h.conn
	conn.mu.Lock()
	channel := conn.channel
	local := conn.localHPAI()
	conn.mu.Unlock()

	frame := knxnet.EncodeConnectionstateRequest(channel, local)
	if err := conn.transport.Send(frame, conn.cfg.ServerControl); err != nil {
		return false
	}

	h.mu.Lock()
	deadline := time.Now().Add(heartbeatProbeTimeout)
	for !h.responded {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			h.mu.Unlock()
			return false
		}
		t := time.AfterFunc(remaining, func() {
			h.mu.Lock()
			h.cond.Broadcast()
			h.mu.Unlock()
		})
		h.cond.Wait()
		t.Stop()
	}
	ok := h.lastOK
	h.mu.Unlock()
	return ok
}

// deliver is called from the dispatch path with a decoded
// CONNECTIONSTATE_RESPONSE addressed to this connection's channel.
func (h *heartbeatMonitor) deliver(resp knxnet.ConnectionstateResponse) {
	h.mu.Lock()
	h.responded = true
	h.lastOK = resp.Status.OK()
	h.cond.Broadcast()
	h.mu.Unlock()
}
