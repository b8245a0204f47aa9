package rpc

import "testing"

func TestPktHeaderEncodeDecodeRoundTrip(t *testing.T) {
	hdr := PktHeader{
		Type:    PktResp,
		Flags:   flagLastPkt,
		ReqType: 42,
		MsgSize: 12345,
		PktNum:  7,
		ReqNum:  99,
	}
	buf := make([]byte, HeaderSize)
	hdr.Encode(buf)

	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != hdr {
		t.Fatalf("got %+v, want %+v", got, hdr)
	}
	if !got.last() {
		t.Fatalf("expected last() true")
	}
}

func TestDecodeHeaderShortPacket(t *testing.T) {
	if _, err := DecodeHeader(make([]byte, HeaderSize-1)); err == nil {
		t.Fatalf("expected error on short packet")
	}
}

func TestNumPkts(t *testing.T) {
	cases := []struct {
		msgSize, mtu, want int
	}{
		{0, 100, 1},
		{1, 100, 1},
		{100, 100, 1},
		{101, 100, 2},
		{1300, 256, 6},
		{1280, 256, 5},
	}
	for _, c := range cases {
		if got := numPkts(c.msgSize, c.mtu); got != c.want {
			t.Fatalf("numPkts(%d, %d) = %d, want %d", c.msgSize, c.mtu, got, c.want)
		}
	}
}

func TestPktTypeString(t *testing.T) {
	if PktReq.String() != "Req" {
		t.Fatalf("got %q, want %q", PktReq.String(), "Req")
	}
	if PktType(200).String() == "" {
		t.Fatalf("expected a non-empty fallback string for an unknown type")
	}
}
