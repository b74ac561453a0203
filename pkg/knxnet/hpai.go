package knxnet

import "encoding/binary"

// HostProtocol identifies the transport a HPAI describes.
type HostProtocol uint8

const (
	ProtoIPv4UDP HostProtocol = 0x01
	ProtoIPv4TCP HostProtocol = 0x02
)

func (p HostProtocol) String() string {
	switch p {
	case ProtoIPv4UDP:
		return "IPV4_UDP"
	case ProtoIPv4TCP:
		return "IPV4_TCP"
	default:
		return "UNKNOWN"
	}
}

// hpaiLen is the wire length of a HPAI structure: 1 length octet, 1
// protocol octet, 4 address octets, 2 port octets.
const hpaiLen = 8

// HPAI is a host protocol address info: a transport tag plus an IPv4
// address and port. Over TCP the address and port are always zero
// ("route-back": the peer is implied by the stream, not carried here).
type HPAI struct {
	Proto HostProtocol
	Addr  [4]byte
	Port  uint16
}

// RouteBack reports whether h is the TCP route-back convention: a TCP HPAI
// whose address and port fields are both zero.
func (h HPAI) RouteBack() bool {
	return h.Proto == ProtoIPv4TCP && h.Addr == [4]byte{} && h.Port == 0
}

// TCPRouteBack returns the canonical TCP route-back HPAI.
func TCPRouteBack() HPAI {
	return HPAI{Proto: ProtoIPv4TCP}
}

// Encode appends the 8-octet wire form of h to dst and returns the result.
func (h HPAI) Encode(dst []byte) []byte {
	dst = append(dst, hpaiLen, uint8(h.Proto))
	dst = append(dst, h.Addr[:]...)
	dst = binary.BigEndian.AppendUint16(dst, h.Port)
	return dst
}

// DecodeHPAI parses a HPAI from the start of b, returning the HPAI and the
// number of bytes consumed.
func DecodeHPAI(b []byte) (HPAI, int, error) {
	if len(b) < hpaiLen {
		return HPAI{}, 0, newFormatError("hpai", "frame shorter than HPAI structure")
	}
	if b[0] != hpaiLen {
		return HPAI{}, 0, newFormatError("hpai", "unexpected structure length %d", b[0])
	}
	h := HPAI{
		Proto: HostProtocol(b[1]),
		Addr:  [4]byte{b[2], b[3], b[4], b[5]},
		Port:  binary.BigEndian.Uint16(b[6:8]),
	}
	return h, hpaiLen, nil
}
