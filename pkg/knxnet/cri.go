package knxnet

import "fmt"

// ConnectionType tags the payload carried by a CRI (connect request
// information) or CRD (connect response data) structure.
type ConnectionType uint8

const (
	ConnTunnel     ConnectionType = 0x04
	ConnDeviceMgmt ConnectionType = 0x03
)

func (c ConnectionType) String() string {
	switch c {
	case ConnTunnel:
		return "TUNNEL_CONNECTION"
	case ConnDeviceMgmt:
		return "DEVMGMT_CONNECTION"
	default:
		return "UNKNOWN"
	}
}

// TunnelLayer identifies the cEMI link layer a tunnel CRI requests.
type TunnelLayer uint8

const (
	TunnelLinkLayer  TunnelLayer = 0x02
	TunnelBusMonitor TunnelLayer = 0x80
	TunnelRaw        TunnelLayer = 0x04
)

// CRI is a connect request information structure: a connection type plus
// up to two octets of type-specific parameters. For TUNNEL_CONNECTION the
// single parameter octet is the requested TunnelLayer; a reserved octet of
// 0x00 follows it on the wire.
type CRI struct {
	Type  ConnectionType
	Layer TunnelLayer // only meaningful when Type == ConnTunnel
}

// Encode appends the wire form of c to dst and returns the result.
func (c CRI) Encode(dst []byte) []byte {
	switch c.Type {
	case ConnTunnel:
		return append(dst, 4, uint8(ConnTunnel), uint8(c.Layer), 0x00)
	default:
		return append(dst, 2, uint8(c.Type))
	}
}

// DecodeCRI parses a CRI from the start of b, returning the CRI and the
// number of bytes consumed.
func DecodeCRI(b []byte) (CRI, int, error) {
	if len(b) < 2 {
		return CRI{}, 0, newFormatError("cri", "frame shorter than CRI header")
	}
	n := int(b[0])
	if n < 2 || n > len(b) {
		return CRI{}, 0, newFormatError("cri", "invalid structure length %d", n)
	}
	typ := ConnectionType(b[1])
	cri := CRI{Type: typ}
	if typ == ConnTunnel && n >= 3 {
		cri.Layer = TunnelLayer(b[2])
	}
	return cri, n, nil
}

// CRD is a connect response data structure: a connection type plus
// type-specific response parameters. For TUNNEL_CONNECTION the parameter is
// the KNX individual address assigned to the tunnel for the session.
type CRD struct {
	Type          ConnectionType
	TunnelAddress IndividualAddress // only meaningful when Type == ConnTunnel
}

// Encode appends the wire form of c to dst and returns the result.
func (c CRD) Encode(dst []byte) []byte {
	switch c.Type {
	case ConnTunnel:
		dst = append(dst, 4, uint8(ConnTunnel))
		return c.TunnelAddress.Encode(dst)
	default:
		return append(dst, 2, uint8(c.Type))
	}
}

// DecodeCRD parses a CRD from the start of b, returning the CRD and the
// number of bytes consumed.
func DecodeCRD(b []byte) (CRD, int, error) {
	if len(b) < 2 {
		return CRD{}, 0, newFormatError("crd", "frame shorter than CRD header")
	}
	n := int(b[0])
	if n < 2 || n > len(b) {
		return CRD{}, 0, newFormatError("crd", "invalid structure length %d", n)
	}
	typ := ConnectionType(b[1])
	crd := CRD{Type: typ}
	if typ == ConnTunnel && n >= 4 {
		crd.TunnelAddress = IndividualAddress{High: b[2], Low: b[3]}
	}
	return crd, n, nil
}

// IndividualAddress is the two-octet KNX individual address assigned by a
// tunnel CRD: high nibble area, low nibble line, second octet device.
type IndividualAddress struct {
	High uint8 // area (high nibble) | line (low nibble)
	Low  uint8 // device
}

func (a IndividualAddress) Area() uint8   { return a.High >> 4 }
func (a IndividualAddress) Line() uint8   { return a.High & 0x0F }
func (a IndividualAddress) Device() uint8 { return a.Low }

func (a IndividualAddress) Encode(dst []byte) []byte {
	return append(dst, a.High, a.Low)
}

func (a IndividualAddress) String() string {
	return fmt.Sprintf("%d.%d.%d", a.Area(), a.Line(), a.Device())
}
