package knxnet

import "fmt"

// Status is a KNXnet/IP status/error code carried in connect responses,
// connection-state responses, and service acks.
type Status uint8

const (
	StatusNoError                 Status = 0x00
	StatusErrConnectionID         Status = 0x21
	StatusErrConnectionType       Status = 0x22
	StatusErrConnectionOption     Status = 0x23
	StatusErrNoMoreConnections    Status = 0x24
	StatusErrNoMoreUniqueConns    Status = 0x25
	StatusErrDataConnection       Status = 0x26
	StatusErrKNXConnection        Status = 0x27
	StatusErrTunnelingLayer       Status = 0x29
	StatusErrHostProtocolType     Status = 0x01
	StatusErrVersionNotSupported  Status = 0x02
	StatusErrSequenceNumber       Status = 0x04
)

// String returns the textual status name surfaced to callers in error
// messages (spec.md §7: "the peer's textual status when available").
func (s Status) String() string {
	switch s {
	case StatusNoError:
		return "E_NO_ERROR"
	case StatusErrHostProtocolType:
		return "E_HOST_PROTOCOL_TYPE"
	case StatusErrVersionNotSupported:
		return "E_VERSION_NOT_SUPPORTED"
	case StatusErrSequenceNumber:
		return "E_SEQUENCE_NUMBER"
	case StatusErrConnectionID:
		return "E_CONNECTION_ID"
	case StatusErrConnectionType:
		return "E_CONNECTION_TYPE"
	case StatusErrConnectionOption:
		return "E_CONNECTION_OPTION"
	case StatusErrNoMoreConnections:
		return "E_NO_MORE_CONNECTIONS"
	case StatusErrNoMoreUniqueConns:
		return "E_NO_MORE_UNIQUE_CONNECTIONS"
	case StatusErrDataConnection:
		return "E_DATA_CONNECTION"
	case StatusErrKNXConnection:
		return "E_KNX_CONNECTION"
	case StatusErrTunnelingLayer:
		return "E_TUNNELING_LAYER"
	default:
		return fmt.Sprintf("E_UNKNOWN(0x%02x)", uint8(s))
	}
}

// OK reports whether s is StatusNoError.
func (s Status) OK() bool { return s == StatusNoError }
