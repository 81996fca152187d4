package discover

import (
	"crypto/rand"
	"fmt"
	"net"

	"github.com/ethereum/go-ethereum/rlp"
)

// Message type bytes, as they appear as the first byte of a decrypted
// packet payload, ahead of the RLP-encoded [request_id, ...fields] list.
const (
	TypePing     = 0x01
	TypePong     = 0x02
	TypeFindnode = 0x03
	TypeNodes    = 0x04
	TypeTalkReq  = 0x05
	TypeTalkResp = 0x06
)

// RequestID is the 8-byte random identifier carried by every outbound
// request and echoed back in its response.
type RequestID [8]byte

// NewRequestID draws a fresh random request ID.
func NewRequestID() RequestID {
	var id RequestID
	if _, err := rand.Read(id[:]); err != nil {
		panic("discover: failed to read random bytes: " + err.Error())
	}
	return id
}

func (id RequestID) String() string {
	return fmt.Sprintf("%x", id[:])
}

// Message is implemented by every discv5 message payload.
type Message interface {
	Kind() byte
	RequestID() RequestID
}

type Ping struct {
	ReqID  RequestID
	EnrSeq uint64
}

func (m *Ping) Kind() byte          { return TypePing }
func (m *Ping) RequestID() RequestID { return m.ReqID }

type Pong struct {
	ReqID         RequestID
	EnrSeq        uint64
	RecipientIP   net.IP
	RecipientPort uint16
}

func (m *Pong) Kind() byte          { return TypePong }
func (m *Pong) RequestID() RequestID { return m.ReqID }

type Findnode struct {
	ReqID     RequestID
	Distances []uint64
}

func (m *Findnode) Kind() byte          { return TypeFindnode }
func (m *Findnode) RequestID() RequestID { return m.ReqID }

// Nodes carries up to NodesMaxTotal packets worth of ENRs for one request.
// Total announces how many NODES packets the responder intends to send;
// Enrs holds the already-RLP-encoded ENR records for this packet only.
type Nodes struct {
	ReqID RequestID
	Total uint64
	Enrs  []rlp.RawValue
}

func (m *Nodes) Kind() byte          { return TypeNodes }
func (m *Nodes) RequestID() RequestID { return m.ReqID }

// NodesMaxTotal bounds how many NODES packets the request engine will
// aggregate for a single FINDNODE, regardless of what total a peer
// declares.
const NodesMaxTotal = 16

type TalkRequest struct {
	ReqID    RequestID
	Protocol []byte
	Request  []byte
}

func (m *TalkRequest) Kind() byte          { return TypeTalkReq }
func (m *TalkRequest) RequestID() RequestID { return m.ReqID }

type TalkResponse struct {
	ReqID    RequestID
	Response []byte
}

func (m *TalkResponse) Kind() byte          { return TypeTalkResp }
func (m *TalkResponse) RequestID() RequestID { return m.ReqID }

// EncodeMessage serializes a message as its 1-byte type followed by the
// RLP encoding of its fields, with request_id first.
func EncodeMessage(m Message) ([]byte, error) {
	body, err := rlp.EncodeToBytes(m)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+len(body))
	out[0] = m.Kind()
	copy(out[1:], body)
	return out, nil
}

// ErrUnknownMessageType is returned by DecodeMessage for an unrecognized
// type byte.
var ErrUnknownMessageType = fmt.Errorf("discover: unknown message type")

// ErrBadNodesTotal is returned when a NODES packet declares total == 0.
var ErrBadNodesTotal = fmt.Errorf("discover: NODES total must be >= 1")

// DecodeMessage parses a type byte plus RLP body into a concrete Message.
func DecodeMessage(data []byte) (Message, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("discover: empty message")
	}
	body := data[1:]
	switch data[0] {
	case TypePing:
		var m Ping
		if err := rlp.DecodeBytes(body, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case TypePong:
		var m Pong
		if err := rlp.DecodeBytes(body, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case TypeFindnode:
		var m Findnode
		if err := rlp.DecodeBytes(body, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case TypeNodes:
		var m Nodes
		if err := rlp.DecodeBytes(body, &m); err != nil {
			return nil, err
		}
		if m.Total == 0 {
			return nil, ErrBadNodesTotal
		}
		if m.Total > NodesMaxTotal {
			m.Total = NodesMaxTotal
		}
		return &m, nil
	case TypeTalkReq:
		var m TalkRequest
		if err := rlp.DecodeBytes(body, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case TypeTalkResp:
		var m TalkResponse
		if err := rlp.DecodeBytes(body, &m); err != nil {
			return nil, err
		}
		return &m, nil
	default:
		return nil, ErrUnknownMessageType
	}
}
