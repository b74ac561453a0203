// Package knxnet encodes and decodes KNXnet/IP 1.0 frames: the common
// header, host protocol address info (HPAI), connect request/response
// payloads, and the service types used by the tunnel connection engine.
//
// The codec never panics on malformed input; decode failures are reported
// as *FormatError.
package knxnet

import "encoding/binary"

// ProtocolVersion10 is the only KNXnet/IP protocol version this codec
// speaks (0x10 == 1.0).
const ProtocolVersion10 = 0x10

// HeaderLen is the fixed size of the KNXnet/IP common header.
const HeaderLen = 6

// headerStructLen is the structure length octet every header carries;
// KNXnet/IP 1.0 headers are always 6 octets.
const headerStructLen = 6

// ServiceType identifies the body that follows a Header.
type ServiceType uint16

const (
	SvcConnectRequest           ServiceType = 0x0205
	SvcConnectResponse          ServiceType = 0x0206
	SvcConnectionstateRequest   ServiceType = 0x0207
	SvcConnectionstateResponse  ServiceType = 0x0208
	SvcDisconnectRequest        ServiceType = 0x0209
	SvcDisconnectResponse       ServiceType = 0x020A
	SvcTunnelingRequest         ServiceType = 0x0420
	SvcTunnelingAck             ServiceType = 0x0421
	SvcDeviceConfigRequest      ServiceType = 0x0310
	SvcDeviceConfigAck          ServiceType = 0x0311
)

func (s ServiceType) String() string {
	switch s {
	case SvcConnectRequest:
		return "CONNECT_REQUEST"
	case SvcConnectResponse:
		return "CONNECT_RESPONSE"
	case SvcConnectionstateRequest:
		return "CONNECTIONSTATE_REQUEST"
	case SvcConnectionstateResponse:
		return "CONNECTIONSTATE_RESPONSE"
	case SvcDisconnectRequest:
		return "DISCONNECT_REQUEST"
	case SvcDisconnectResponse:
		return "DISCONNECT_RESPONSE"
	case SvcTunnelingRequest:
		return "TUNNELING_REQUEST"
	case SvcTunnelingAck:
		return "TUNNELING_ACK"
	case SvcDeviceConfigRequest:
		return "DEVICE_CONFIGURATION_REQUEST"
	case SvcDeviceConfigAck:
		return "DEVICE_CONFIGURATION_ACK"
	default:
		return "UNKNOWN"
	}
}

// Header is the 6-octet KNXnet/IP common header: structure length (always
// 6), protocol version, service type, and total frame length including the
// header itself.
type Header struct {
	Version     uint8
	Service     ServiceType
	TotalLength uint16
}

// EncodeHeader appends the 6-octet header for a body of bodyLen bytes to
// dst and returns the result.
func EncodeHeader(dst []byte, svc ServiceType, bodyLen int) []byte {
	total := HeaderLen + bodyLen
	dst = append(dst, headerStructLen, ProtocolVersion10)
	dst = binary.BigEndian.AppendUint16(dst, uint16(svc))
	dst = binary.BigEndian.AppendUint16(dst, uint16(total))
	return dst
}

// DecodeHeader parses the header at the start of b and returns it along
// with the remainder of b that the header's TotalLength claims as the body
// (body is NOT required to be the same slice as len(b)-HeaderLen; trailing
// garbage past TotalLength is tolerated and simply not returned).
//
// DecodeHeader fails with a *FormatError if b is too short, the structure
// length field is wrong, or TotalLength is inconsistent with len(b). The
// protocol version is returned in hdr.Version without being checked.
func DecodeHeader(b []byte) (hdr Header, body []byte, err error) {
	if len(b) < HeaderLen {
		return Header{}, nil, newFormatError("header", "frame shorter than header")
	}
	if b[0] != headerStructLen {
		return Header{}, nil, newFormatError("header", "unexpected structure length %d", b[0])
	}
	// Note: the protocol version octet is captured but not validated here.
	// A version mismatch is not a malformed frame — spec requires it to
	// close the connection, not silently drop the frame, so that decision
	// belongs to the caller (see tunnel.Connection.handleFrame).
	total := binary.BigEndian.Uint16(b[4:6])
	if int(total) < HeaderLen || int(total) > len(b) {
		return Header{}, nil, newFormatError("header", "invalid total length %d for frame of %d bytes", total, len(b))
	}
	hdr = Header{
		Version:     b[1],
		Service:     ServiceType(binary.BigEndian.Uint16(b[2:4])),
		TotalLength: total,
	}
	return hdr, b[HeaderLen:total], nil
}
