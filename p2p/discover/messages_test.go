package discover

import (
	"bytes"
	"net"
	"testing"

	"github.com/ethereum/go-ethereum/rlp"
)

func TestPingRoundTrip(t *testing.T) {
	in := &Ping{ReqID: NewRequestID(), EnrSeq: 42}
	data, err := EncodeMessage(in)
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}
	if data[0] != TypePing {
		t.Fatalf("type byte = %x, want %x", data[0], TypePing)
	}
	out, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}
	got := out.(*Ping)
	if got.ReqID != in.ReqID || got.EnrSeq != in.EnrSeq {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, in)
	}
}

func TestPongRoundTrip(t *testing.T) {
	in := &Pong{
		ReqID:         NewRequestID(),
		EnrSeq:        7,
		RecipientIP:   net.ParseIP("203.0.113.9").To4(),
		RecipientPort: 30303,
	}
	data, err := EncodeMessage(in)
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}
	out, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}
	got := out.(*Pong)
	if !got.RecipientIP.Equal(in.RecipientIP) || got.RecipientPort != in.RecipientPort {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, in)
	}
}

func TestFindnodeRoundTrip(t *testing.T) {
	in := &Findnode{ReqID: NewRequestID(), Distances: []uint64{0, 1, 2, 253, 254, 255}}
	data, err := EncodeMessage(in)
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}
	out, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}
	got := out.(*Findnode)
	if len(got.Distances) != len(in.Distances) {
		t.Fatalf("distances length = %d, want %d", len(got.Distances), len(in.Distances))
	}
	for i := range in.Distances {
		if got.Distances[i] != in.Distances[i] {
			t.Errorf("distance[%d] = %d, want %d", i, got.Distances[i], in.Distances[i])
		}
	}
}

func TestNodesRoundTripWithRawEnrs(t *testing.T) {
	enr1, _ := rlp.EncodeToBytes([]interface{}{[]byte("sig1"), uint64(1)})
	enr2, _ := rlp.EncodeToBytes([]interface{}{[]byte("sig2"), uint64(2)})
	in := &Nodes{ReqID: NewRequestID(), Total: 2, Enrs: []rlp.RawValue{enr1, enr2}}
	data, err := EncodeMessage(in)
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}
	out, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}
	got := out.(*Nodes)
	if got.Total != 2 || len(got.Enrs) != 2 {
		t.Fatalf("got %+v", got)
	}
	if !bytes.Equal(got.Enrs[0], enr1) || !bytes.Equal(got.Enrs[1], enr2) {
		t.Errorf("ENR bytes not preserved verbatim")
	}
}

func TestNodesRejectsZeroTotal(t *testing.T) {
	body, _ := rlp.EncodeToBytes(&Nodes{ReqID: NewRequestID(), Total: 0})
	data := append([]byte{TypeNodes}, body...)
	if _, err := DecodeMessage(data); err != ErrBadNodesTotal {
		t.Errorf("DecodeMessage error = %v, want ErrBadNodesTotal", err)
	}
}

func TestNodesClampsLargeTotal(t *testing.T) {
	body, _ := rlp.EncodeToBytes(&Nodes{ReqID: NewRequestID(), Total: 200})
	data := append([]byte{TypeNodes}, body...)
	out, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}
	if out.(*Nodes).Total != NodesMaxTotal {
		t.Errorf("Total = %d, want clamped to %d", out.(*Nodes).Total, NodesMaxTotal)
	}
}

func TestTalkReqRespRoundTrip(t *testing.T) {
	req := &TalkRequest{ReqID: NewRequestID(), Protocol: []byte("foo"), Request: []byte{0, 1, 2, 3}}
	data, err := EncodeMessage(req)
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}
	out, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}
	got := out.(*TalkRequest)
	if string(got.Protocol) != "foo" || !bytes.Equal(got.Request, req.Request) {
		t.Errorf("round trip mismatch: got %+v", got)
	}

	resp := &TalkResponse{ReqID: req.ReqID, Response: []byte{4, 5, 6, 7}}
	data, err = EncodeMessage(resp)
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}
	out, err = DecodeMessage(data)
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}
	gotResp := out.(*TalkResponse)
	if !bytes.Equal(gotResp.Response, resp.Response) {
		t.Errorf("response round trip mismatch: got %+v", gotResp)
	}
}

func TestDecodeMessageRejectsUnknownType(t *testing.T) {
	if _, err := DecodeMessage([]byte{0xff}); err != ErrUnknownMessageType {
		t.Errorf("error = %v, want ErrUnknownMessageType", err)
	}
}
