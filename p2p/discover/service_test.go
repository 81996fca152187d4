package discover

import (
	"net"
	"testing"
	"time"

	"github.com/eth2030/eth2030/crypto"
	"github.com/eth2030/eth2030/p2p/enode"
)

// spinUp starts a Service bound to loopback with a fresh identity. The
// returned enode.Node carries the real listening port so other test nodes
// can be pointed at it.
func spinUp(t *testing.T) (*Service, *enode.Node) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	local := enode.NewLocalNode(key)
	local.SetIP(net.IPv4(127, 0, 0, 1))

	cfg := DefaultConfig()
	cfg.RequestTimeout = 300 * time.Millisecond
	cfg.RequestRetries = 0

	svc := NewService(local, key, cfg, Events{})
	if err := svc.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	udpAddr := svc.conn.LocalAddr().(*net.UDPAddr)
	local.SetUDP(uint16(udpAddr.Port))

	return svc, local.Node()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// TestServicePingPongEstablishesSession exercises the full WHOAREYOU ->
// Handshake -> Established transition (the "none" state machine path) by
// having node A ping node B cold, with no prior session.
func TestServicePingPongEstablishesSession(t *testing.T) {
	a, aNode := spinUp(t)
	b, bNode := spinUp(t)
	defer a.Stop()
	defer b.Stop()

	a.AddEnr(bNode)
	b.AddEnr(aNode)

	err := a.SendPing(bNode)
	if err != nil {
		t.Fatalf("SendPing failed: %v", err)
	}

	addrToB := NodeAddress{ID: bNode.ID, Addr: bNode.Addr().String()}
	sess, ok := a.sessions.Get(addrToB)
	if !ok || sess.State != StateEstablished {
		t.Fatalf("expected an Established session from A to B, got %+v", sess)
	}
}

// TestServiceTalkReqWithHandler exercises TALKREQ/TALKRESP end to end: node
// B has a handler wired and must answer node A's request.
func TestServiceTalkReqWithHandler(t *testing.T) {
	var gotProtocol string
	var gotPayload []byte

	a, aNode := spinUp(t)

	handlerReady := make(chan struct{}, 1)
	key, _ := crypto.GenerateKey()
	local := enode.NewLocalNode(key)
	local.SetIP(net.IPv4(127, 0, 0, 1))
	cfg := DefaultConfig()
	cfg.RequestTimeout = 300 * time.Millisecond
	cfg.RequestRetries = 0
	var b *Service
	b = NewService(local, key, cfg, Events{
		TalkReqReceived: func(from NodeAddress, req *TalkRequest) {
			gotProtocol = string(req.Protocol)
			gotPayload = req.Request
			b.SendTalkResp(from, req.ReqID, []byte("pong-payload"))
			handlerReady <- struct{}{}
		},
	})
	if err := b.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer a.Stop()
	defer b.Stop()
	udpAddr := b.conn.LocalAddr().(*net.UDPAddr)
	local.SetUDP(uint16(udpAddr.Port))
	bNode := local.Node()

	a.AddEnr(bNode)
	b.AddEnr(aNode)

	resp, err := a.SendTalkReq(bNode, "ping-protocol", []byte("hello"))
	if err != nil {
		t.Fatalf("SendTalkReq failed: %v", err)
	}
	if string(resp) != "pong-payload" {
		t.Errorf("response = %q, want %q", resp, "pong-payload")
	}

	select {
	case <-handlerReady:
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}
	if gotProtocol != "ping-protocol" {
		t.Errorf("handler saw protocol %q, want %q", gotProtocol, "ping-protocol")
	}
	if string(gotPayload) != "hello" {
		t.Errorf("handler saw payload %q, want %q", gotPayload, "hello")
	}
}

// TestServiceTalkReqNoHandlerTimesOut exercises the no-handler path: a
// TALKREQ that never gets a TALKRESP must resolve to ErrRequestTimeout
// without killing the underlying session.
func TestServiceTalkReqNoHandlerTimesOut(t *testing.T) {
	a, aNode := spinUp(t)
	b, bNode := spinUp(t) // no TalkReqReceived handler wired
	defer a.Stop()
	defer b.Stop()

	a.AddEnr(bNode)
	b.AddEnr(aNode)

	_, err := a.SendTalkReq(bNode, "unhandled-protocol", []byte("hello"))
	if err != ErrRequestTimeout {
		t.Fatalf("err = %v, want ErrRequestTimeout", err)
	}

	// The session itself should have survived: a follow-up ping succeeds.
	if err := a.SendPing(bNode); err != nil {
		t.Fatalf("SendPing after timeout failed: %v", err)
	}
}

// TestServiceFindNodeReturnsTableEntries exercises FINDNODE/NODES: node B
// seeds a third node's ENR in its table; node A should discover it.
func TestServiceFindNodeReturnsTableEntries(t *testing.T) {
	a, aNode := spinUp(t)
	b, bNode := spinUp(t)
	_, cNode := spinUp(t)
	defer a.Stop()
	defer b.Stop()

	a.AddEnr(bNode)
	b.AddEnr(aNode)
	b.AddEnr(cNode)

	result := a.FindNode(cNode.ID)
	found := false
	for _, n := range result {
		if n.ID == cNode.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("FindNode did not surface seeded node %x via B", cNode.ID)
	}
}

// TestServiceEnrUpdateOnHigherSeqPong exercises the PONG ENR-seq trigger:
// when a PONG reports a sequence number higher than what we hold for that
// peer, we should refresh it via a self FINDNODE.
func TestServiceEnrUpdateOnHigherSeqPong(t *testing.T) {
	a, aNode := spinUp(t)
	b, bNode := spinUp(t)
	defer a.Stop()
	defer b.Stop()

	a.AddEnr(bNode)
	b.AddEnr(aNode)

	if err := a.SendPing(bNode); err != nil {
		t.Fatalf("initial SendPing failed: %v", err)
	}

	// Force A's view of B's ENR to look stale. The table entry shares its
	// Record with B's LocalNode, so install a detached copy at seq 0.
	stale, _ := a.table.Get(bNode.ID)
	if stale != nil && stale.Record != nil {
		rec := *stale.Record
		rec.Pairs = append(rec.Pairs[:0:0], stale.Record.Pairs...)
		rec.Seq = 0
		staleNode := *stale
		staleNode.Record = &rec
		a.table.InsertOrUpdate(&staleNode)
	}

	b.local.SetTCP(b.local.Node().TCP + 1) // bump B's seq by touching a field
	if err := a.SendPing(bNode); err != nil {
		t.Fatalf("second SendPing failed: %v", err)
	}

	ok := waitFor(t, time.Second, func() bool {
		n, ok := a.table.Get(bNode.ID)
		return ok && n.Record != nil && n.Record.Seq > 0
	})
	if !ok {
		t.Error("A never refreshed B's ENR after a higher-seq PONG")
	}
}
