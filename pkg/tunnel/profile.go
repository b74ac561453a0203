package tunnel

import (
	"time"

	"github.com/knxdev/knxnetip/pkg/knxnet"
)

// Profile parameterizes the state machine engine for a concrete connection
// kind (spec.md §9: "a small connection profile record"). Frame assembly
// above the KNXnet/IP service header (cEMI payloads, property read/write
// requests) is outside the engine and lives with the caller.
type Profile struct {
	ServiceRequest      knxnet.ServiceType
	ServiceAck          knxnet.ServiceType
	ExpectsAck          bool // false bypasses WAITING_ACK entirely, even on UDP
	MaxSendAttempts     int
	ResponseTimeout     time.Duration
	ConfirmationTimeout time.Duration
	ConnectTimeout      time.Duration
}

// TunnelingProfile is the profile for a standard KNXnet/IP tunneling
// connection (CRI connection type TUNNEL_CONNECTION).
func TunnelingProfile() Profile {
	return Profile{
		ServiceRequest:      knxnet.SvcTunnelingRequest,
		ServiceAck:          knxnet.SvcTunnelingAck,
		ExpectsAck:          true,
		MaxSendAttempts:     2,
		ResponseTimeout:     1 * time.Second,
		ConfirmationTimeout: 3 * time.Second,
		ConnectTimeout:      10 * time.Second,
	}
}

// DeviceManagementProfile is the profile for a device-management
// connection (CRI connection type DEVMGMT_CONNECTION).
func DeviceManagementProfile() Profile {
	p := TunnelingProfile()
	p.ServiceRequest = knxnet.SvcDeviceConfigRequest
	p.ServiceAck = knxnet.SvcDeviceConfigAck
	return p
}
