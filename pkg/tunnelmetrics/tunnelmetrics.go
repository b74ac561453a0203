// Package tunnelmetrics extends github.com/VictoriaMetrics/metrics with the
// counters exposed by a KNXnet/IP tunnel connection.
package tunnelmetrics

import (
	"io"
	"sync"

	"github.com/VictoriaMetrics/metrics"
)

// Set collects the counters for one connection engine. The zero value is
// not usable; construct with New.
type Set struct {
	set *metrics.Set

	dynMu      sync.Mutex
	dynCleanup map[string]*metrics.Counter

	SendsTotal struct {
		Success      *metrics.Counter
		Retransmit   *metrics.Counter
		IllegalState *metrics.Counter
	}
	AcksTotal struct {
		Ok           *metrics.Counter
		RemoteError  *metrics.Counter
		UnmatchedSeq *metrics.Counter
	}
	ConfirmationsTotal struct {
		Ok      *metrics.Counter
		Timeout *metrics.Counter
	}
	HeartbeatProbesTotal struct {
		Success *metrics.Counter
		Failure *metrics.Counter
	}
	CleanupTotal struct {
		ServerRequest        *metrics.Counter
		LocalClose           *metrics.Counter
		NoHeartbeatResponse  *metrics.Counter
		CommunicationFailure *metrics.Counter
		ProtocolVersion      *metrics.Counter
	}
	FramesDroppedTotal struct {
		WrongChannel *metrics.Counter
		Malformed    *metrics.Counter
	}
}

// New creates a new, independently registered Set.
func New() *Set {
	s := &Set{set: metrics.NewSet(), dynCleanup: make(map[string]*metrics.Counter)}

	s.SendsTotal.Success = s.set.NewCounter(`knx_tunnel_sends_total{result="success"}`)
	s.SendsTotal.Retransmit = s.set.NewCounter(`knx_tunnel_sends_total{result="retransmit"}`)
	s.SendsTotal.IllegalState = s.set.NewCounter(`knx_tunnel_sends_total{result="illegal_state"}`)

	s.AcksTotal.Ok = s.set.NewCounter(`knx_tunnel_acks_total{result="ok"}`)
	s.AcksTotal.RemoteError = s.set.NewCounter(`knx_tunnel_acks_total{result="remote_error"}`)
	s.AcksTotal.UnmatchedSeq = s.set.NewCounter(`knx_tunnel_acks_total{result="unmatched_seq"}`)

	s.ConfirmationsTotal.Ok = s.set.NewCounter(`knx_tunnel_confirmations_total{result="ok"}`)
	s.ConfirmationsTotal.Timeout = s.set.NewCounter(`knx_tunnel_confirmations_total{result="timeout"}`)

	s.HeartbeatProbesTotal.Success = s.set.NewCounter(`knx_tunnel_heartbeat_probes_total{result="success"}`)
	s.HeartbeatProbesTotal.Failure = s.set.NewCounter(`knx_tunnel_heartbeat_probes_total{result="failure"}`)

	s.CleanupTotal.ServerRequest = s.set.NewCounter(`knx_tunnel_cleanup_total{reason="server_request"}`)
	s.CleanupTotal.LocalClose = s.set.NewCounter(`knx_tunnel_cleanup_total{reason="local_close"}`)
	s.CleanupTotal.NoHeartbeatResponse = s.set.NewCounter(`knx_tunnel_cleanup_total{reason="no_heartbeat_response"}`)
	s.CleanupTotal.CommunicationFailure = s.set.NewCounter(`knx_tunnel_cleanup_total{reason="communication_failure"}`)
	s.CleanupTotal.ProtocolVersion = s.set.NewCounter(`knx_tunnel_cleanup_total{reason="protocol_version_changed"}`)

	s.FramesDroppedTotal.WrongChannel = s.set.NewCounter(`knx_tunnel_frames_dropped_total{reason="wrong_channel"}`)
	s.FramesDroppedTotal.Malformed = s.set.NewCounter(`knx_tunnel_frames_dropped_total{reason="malformed"}`)

	return s
}

// WritePrometheus writes the set's counters in Prometheus text exposition
// format to w.
func (s *Set) WritePrometheus(w io.Writer) {
	s.set.WritePrometheus(w)
}

// CleanupReason picks the right CleanupTotal counter for a close reason
// string. Known reasons map to their dedicated counter; anything else gets
// its own dynamically registered counter, labelled reason="other" plus a
// detail label carrying the reason string, so an unexpected reason is
// still individually visible in Prometheus output.
func (s *Set) CleanupReason(reason string) *metrics.Counter {
	switch reason {
	case "server request":
		return s.CleanupTotal.ServerRequest
	case "local close":
		return s.CleanupTotal.LocalClose
	case "no heartbeat response":
		return s.CleanupTotal.NoHeartbeatResponse
	case "communication failure":
		return s.CleanupTotal.CommunicationFailure
	case "protocol version changed":
		return s.CleanupTotal.ProtocolVersion
	}

	s.dynMu.Lock()
	defer s.dynMu.Unlock()
	if c, ok := s.dynCleanup[reason]; ok {
		return c
	}
	base, arg := splitName(`knx_tunnel_cleanup_total{reason="other"}`)
	c := s.set.NewCounter(formatName(base, arg, "detail", reason))
	s.dynCleanup[reason] = c
	return c
}
