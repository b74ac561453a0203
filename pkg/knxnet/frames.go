package knxnet

// EncodeConnectRequest builds a CONNECT_REQUEST frame: control HPAI, data
// HPAI, and CRI.
func EncodeConnectRequest(cri CRI, controlHPAI, dataHPAI HPAI) []byte {
	var body []byte
	body = controlHPAI.Encode(body)
	body = dataHPAI.Encode(body)
	body = cri.Encode(body)
	return buildFrame(SvcConnectRequest, body)
}

// EncodeConnectionstateRequest builds a CONNECTIONSTATE_REQUEST frame for
// the given channel and control HPAI.
func EncodeConnectionstateRequest(channel uint8, controlHPAI HPAI) []byte {
	var body []byte
	body = append(body, channel, 0x00)
	body = controlHPAI.Encode(body)
	return buildFrame(SvcConnectionstateRequest, body)
}

// EncodeDisconnectRequest builds a DISCONNECT_REQUEST frame for the given
// channel and control HPAI.
func EncodeDisconnectRequest(channel uint8, controlHPAI HPAI) []byte {
	var body []byte
	body = append(body, channel, 0x00)
	body = controlHPAI.Encode(body)
	return buildFrame(SvcDisconnectRequest, body)
}

// EncodeDisconnectResponse builds a DISCONNECT_RESPONSE frame.
func EncodeDisconnectResponse(channel uint8, status Status) []byte {
	body := []byte{channel, uint8(status)}
	return buildFrame(SvcDisconnectResponse, body)
}

// EncodeServiceAck builds a service-ack frame (TUNNELING_ACK or
// DEVICE_CONFIGURATION_ACK depending on svc) for a received service
// request.
func EncodeServiceAck(svc ServiceType, channel, seq uint8, status Status) []byte {
	body := []byte{4, channel, seq, uint8(status)}
	return buildFrame(svc, body)
}

// buildFrame prepends the header for svc to body and returns the full
// frame.
func buildFrame(svc ServiceType, body []byte) []byte {
	out := make([]byte, 0, HeaderLen+len(body))
	out = EncodeHeader(out, svc, len(body))
	out = append(out, body...)
	return out
}

// ConnectResponse is the decoded body of a CONNECT_RESPONSE frame.
type ConnectResponse struct {
	Channel uint8
	Status  Status
	Data    HPAI // only valid when Status == StatusNoError
	CRD     CRD  // only valid when Status == StatusNoError
}

// DecodeConnectResponse decodes the body (post-header) of a
// CONNECT_RESPONSE frame. A non-zero status may be followed by no further
// fields; Data and CRD are then zero.
func DecodeConnectResponse(body []byte) (ConnectResponse, error) {
	if len(body) < 2 {
		return ConnectResponse{}, newFormatError("connect_response", "body shorter than minimum")
	}
	r := ConnectResponse{Channel: body[0], Status: Status(body[1])}
	if r.Status != StatusNoError {
		return r, nil
	}
	rest := body[2:]
	hpai, n, err := DecodeHPAI(rest)
	if err != nil {
		return ConnectResponse{}, err
	}
	r.Data = hpai
	rest = rest[n:]
	crd, _, err := DecodeCRD(rest)
	if err != nil {
		return ConnectResponse{}, err
	}
	r.CRD = crd
	return r, nil
}

// ConnectionstateResponse is the decoded body of a
// CONNECTIONSTATE_RESPONSE frame.
type ConnectionstateResponse struct {
	Channel uint8
	Status  Status
}

// DecodeConnectionstateResponse decodes the body of a
// CONNECTIONSTATE_RESPONSE frame.
func DecodeConnectionstateResponse(body []byte) (ConnectionstateResponse, error) {
	if len(body) < 2 {
		return ConnectionstateResponse{}, newFormatError("connectionstate_response", "body shorter than minimum")
	}
	return ConnectionstateResponse{Channel: body[0], Status: Status(body[1])}, nil
}

// DisconnectRequest is the decoded body of a DISCONNECT_REQUEST frame.
type DisconnectRequest struct {
	Channel uint8
	Control HPAI
}

// DecodeDisconnectRequest decodes the body of a DISCONNECT_REQUEST frame.
func DecodeDisconnectRequest(body []byte) (DisconnectRequest, error) {
	if len(body) < 2 {
		return DisconnectRequest{}, newFormatError("disconnect_request", "body shorter than minimum")
	}
	hpai, _, err := DecodeHPAI(body[2:])
	if err != nil {
		return DisconnectRequest{}, err
	}
	return DisconnectRequest{Channel: body[0], Control: hpai}, nil
}

// DisconnectResponse is the decoded body of a DISCONNECT_RESPONSE frame.
type DisconnectResponse struct {
	Channel uint8
	Status  Status
}

// DecodeDisconnectResponse decodes the body of a DISCONNECT_RESPONSE
// frame.
func DecodeDisconnectResponse(body []byte) (DisconnectResponse, error) {
	if len(body) < 2 {
		return DisconnectResponse{}, newFormatError("disconnect_response", "body shorter than minimum")
	}
	return DisconnectResponse{Channel: body[0], Status: Status(body[1])}, nil
}

// ServiceAck is the decoded body of a TUNNELING_ACK or
// DEVICE_CONFIGURATION_ACK frame.
type ServiceAck struct {
	Channel uint8
	Seq     uint8
	Status  Status
}

// DecodeServiceAck decodes the body of a service-ack frame.
func DecodeServiceAck(body []byte) (ServiceAck, error) {
	if len(body) < 4 {
		return ServiceAck{}, newFormatError("service_ack", "body shorter than minimum")
	}
	if body[0] != 4 {
		return ServiceAck{}, newFormatError("service_ack", "unexpected structure length %d", body[0])
	}
	return ServiceAck{Channel: body[1], Seq: body[2], Status: Status(body[3])}, nil
}

// ServiceRequestHeader is the fixed 4-octet connection header that
// prefixes the cEMI payload of a TUNNELING_REQUEST / DEVICE_CONFIGURATION
// _REQUEST body: structure length, channel, sequence counter, reserved.
type ServiceRequestHeader struct {
	Channel uint8
	Seq     uint8
}

// EncodeServiceRequest builds a service-request frame (tunneling or device
// management) wrapping the given cEMI payload.
func EncodeServiceRequest(svc ServiceType, channel, seq uint8, payload []byte) []byte {
	body := make([]byte, 0, 4+len(payload))
	body = append(body, 4, channel, seq, 0x00)
	body = append(body, payload...)
	return buildFrame(svc, body)
}

// DecodeServiceRequest decodes the connection header and payload of a
// service-request frame.
func DecodeServiceRequest(body []byte) (ServiceRequestHeader, []byte, error) {
	if len(body) < 4 {
		return ServiceRequestHeader{}, nil, newFormatError("service_request", "body shorter than minimum")
	}
	if body[0] != 4 {
		return ServiceRequestHeader{}, nil, newFormatError("service_request", "unexpected structure length %d", body[0])
	}
	return ServiceRequestHeader{Channel: body[1], Seq: body[2]}, body[4:], nil
}

// PeekChannel extracts the channel ID from a decoded body without fully
// parsing it, for routing purposes (e.g. TCP stream demultiplexing). For
// CONNECT_RESPONSE it returns the newly assigned channel ID. It returns
// ok=false for CONNECT_REQUEST, which carries no channel ID, and for an
// unrecognized or too-short body.
func PeekChannel(svc ServiceType, body []byte) (channel uint8, ok bool) {
	switch svc {
	case SvcConnectionstateRequest, SvcConnectionstateResponse,
		SvcDisconnectRequest, SvcDisconnectResponse:
		if len(body) < 1 {
			return 0, false
		}
		return body[0], true
	case SvcConnectResponse:
		if len(body) < 1 {
			return 0, false
		}
		return body[0], true
	case SvcTunnelingRequest, SvcDeviceConfigRequest,
		SvcTunnelingAck, SvcDeviceConfigAck:
		if len(body) < 2 {
			return 0, false
		}
		return body[1], true
	default:
		return 0, false
	}
}
