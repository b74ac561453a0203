package knxnet

import "testing"

func TestHeaderRoundTrip(t *testing.T) {
	frame := buildFrame(SvcConnectionstateRequest, []byte{7, 0})
	hdr, body, err := DecodeHeader(frame)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if hdr.Version != ProtocolVersion10 {
		t.Fatalf("version = 0x%02x, want 0x10", hdr.Version)
	}
	if hdr.Service != SvcConnectionstateRequest {
		t.Fatalf("service = %v", hdr.Service)
	}
	if int(hdr.TotalLength) != len(frame) {
		t.Fatalf("total length = %d, want %d", hdr.TotalLength, len(frame))
	}
	if len(body) != 2 || body[0] != 7 {
		t.Fatalf("body = %v", body)
	}
}

func FuzzDecodeHeader(f *testing.F) {
	f.Add([]byte{0x06, 0x10, 0x02, 0x07, 0x00, 0x08, 0x07, 0x00})
	f.Add([]byte{})
	f.Add([]byte{0x06})

	f.Fuzz(func(t *testing.T, b []byte) {
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("DecodeHeader panicked on %x: %v", b, r)
			}
		}()
		DecodeHeader(b)
	})
}
