package discover

import (
	"crypto/ecdsa"
	cryptorand "crypto/rand"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/eth2030/eth2030/crypto"
	"github.com/eth2030/eth2030/log"
	"github.com/eth2030/eth2030/p2p/enode"
	"github.com/eth2030/eth2030/p2p/enr"
	"github.com/ethereum/go-ethereum/rlp"
	"golang.org/x/time/rate"
)

// whoareyouRateLimit bounds how many WHOAREYOU challenges the service will
// issue per second across all peers. An undecryptable or session-less
// Ordinary packet triggers a WHOAREYOU; without a limit, a flood of forged
// packets turns every node into an amplifier of unsolicited traffic toward
// whatever source address the forger claims.
const whoareyouRateLimit = 50

// Events is the set of callbacks the service orchestrator fires. A field
// left nil is simply not called; the host application wires whichever it
// cares about.
type Events struct {
	TalkReqReceived    func(from NodeAddress, req *TalkRequest)
	EnrAdded           func(n *enode.Node)
	Discovered         func(n *enode.Node)
	SessionEstablished func(n *enode.Node)
}

// Service is the orchestrator described in the external interfaces and
// concurrency sections: it owns the socket, the session map, the routing
// table, the request engine, and active lookups, and is the only thing
// that touches any of them: from its read and timeout loops, and from the
// goroutines a FindNode lookup fans its queries out to.
type Service struct {
	local   *enode.LocalNode
	privKey *ecdsa.PrivateKey
	conn    net.PacketConn

	table    *Table
	sessions *SessionManager
	requests *RequestEngine
	cfg      Config
	events   Events

	logger      *log.Logger
	whoareyouRL *rate.Limiter

	mu      sync.Mutex
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewService constructs an orchestrator bound to local's identity. Call
// Start to bind the socket and begin the event loop.
func NewService(local *enode.LocalNode, privKey *ecdsa.PrivateKey, cfg Config, events Events) *Service {
	return &Service{
		local:       local,
		privKey:     privKey,
		table:       NewTable(local.ID()),
		sessions:    NewSessionManager(),
		requests:    NewRequestEngine(cfg),
		cfg:         cfg,
		events:      events,
		logger:      log.Default().Module("discover"),
		whoareyouRL: rate.NewLimiter(rate.Limit(whoareyouRateLimit), whoareyouRateLimit),
		closeCh:     make(chan struct{}),
	}
}

// Start binds the UDP socket and launches the read loop and timeout
// ticker. laddr is typically ":0" or a fixed "ip:port".
func (s *Service) Start(laddr string) error {
	conn, err := net.ListenPacket("udp", laddr)
	if err != nil {
		return err
	}
	s.conn = conn
	s.wg.Add(2)
	go s.readLoop()
	go s.timeoutLoop()
	s.logger.Info("discv5 service started", "addr", conn.LocalAddr().String())
	return nil
}

// Stop cancels all pending requests with ErrShutdown and closes the
// socket.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.closeCh)
	s.mu.Unlock()

	if s.conn != nil {
		s.conn.Close()
	}
	s.requests.Shutdown()
	s.wg.Wait()
}

func (s *Service) readLoop() {
	defer s.wg.Done()
	buf := make([]byte, 1280)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.closeCh:
				return
			default:
				s.logger.Warn("discv5 read error", "err", err)
				continue
			}
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		s.handleDatagram(data, addr)
	}
}

func (s *Service) timeoutLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case now := <-ticker.C:
			s.requests.CheckTimeouts(now, s.resend)
			s.pruneSessions()
		}
	}
}

func (s *Service) pruneSessions() {
	for _, addr := range s.sessions.Prune(s.cfg.SessionTimeout) {
		s.logger.Debug("session expired", "peer", addr.String())
	}
}

func (s *Service) resend(dest NodeAddress, msg Message) {
	udpAddr, err := net.ResolveUDPAddr("udp", dest.Addr)
	if err != nil {
		return
	}
	s.sendToSession(dest, udpAddr, msg)
}

// --- Inbound packet handling (session state machine) ---

func (s *Service) handleDatagram(data []byte, from net.Addr) {
	packet, err := DecodePacket(s.local.ID(), data)
	if err != nil {
		// Decode errors are dropped silently: responding would be an
		// amplification vector.
		s.logger.Debug("dropping undecodable packet", "from", from.String(), "err", err)
		return
	}
	switch packet.Flag {
	case FlagOrdinary:
		s.handleOrdinary(packet, from)
	case FlagWhoareyou:
		s.handleWhoareyou(packet, from)
	case FlagHandshake:
		s.handleHandshake(packet, from)
	default:
		s.logger.Debug("dropping packet with unknown flag", "flag", packet.Flag)
	}
}

func (s *Service) handleOrdinary(packet *Packet, from net.Addr) {
	srcID, err := decodeOrdinaryAuthData(packet.AuthData)
	if err != nil {
		return
	}
	addr := NodeAddress{ID: srcID, Addr: from.String()}
	sess, ok := s.sessions.Get(addr)
	if !ok || (sess.State != StateEstablished && sess.State != StateEstablishedAwaitingResponse && sess.State != StateAwaitingSession) {
		s.sendWhoareyou(addr, from, 0)
		return
	}

	aad := BuildAAD(packet.Flag, packet.Nonce, packet.AuthData, packet.IV)
	plain, err := crypto.AESGCMOpen(sess.ReadKey, packet.Nonce[:], aad, packet.Message)
	if err != nil {
		// Decryption failure: challenge with a fresh WHOAREYOU, remembering
		// whatever ENR seq we last observed for this peer.
		s.sendWhoareyou(addr, from, sess.RemoteENRSeq)
		return
	}
	sess.State = StateEstablished
	sess.LastSeen = time.Now()

	msg, err := DecodeMessage(plain)
	if err != nil {
		s.logger.Debug("dropping undecodable message body", "peer", addr.String(), "err", err)
		return
	}
	s.dispatchMessage(addr, from, msg)
}

func (s *Service) sendWhoareyou(addr NodeAddress, from net.Addr, rememberedSeq uint64) {
	if !s.whoareyouRL.Allow() {
		s.logger.Debug("dropping WHOAREYOU, rate limit exceeded", "peer", addr.String())
		return
	}
	var idNonce [16]byte
	if _, err := cryptorand.Read(idNonce[:]); err != nil {
		return
	}
	authdata := encodeWhoareyouAuthData(idNonce, rememberedSeq)
	var nonce [nonceSize]byte
	if _, err := cryptorand.Read(nonce[:]); err != nil {
		return
	}
	packet, err := EncodePacket(addr.ID, FlagWhoareyou, nonce, authdata, nil)
	if err != nil {
		return
	}
	var ivArr [ivSize]byte
	copy(ivArr[:], packet[:ivSize])
	challengeData := ChallengeData(nonce, authdata, ivArr)

	sess := s.sessions.GetOrCreate(addr)
	sess.State = StateWhoAreYouSent
	sess.Challenge = &Challenge{IDNonce: idNonce, ChallengeData: challengeData, RemoteENRSeq: rememberedSeq, Created: time.Now()}

	s.conn.WriteTo(packet, from)
}

func (s *Service) handleWhoareyou(packet *Packet, from net.Addr) {
	// WHOAREYOU authdata carries no source id, so the only way to find the
	// RandomSent session it answers is by socket address.
	addr, sess, ok := s.sessions.findByAddr(from.String())
	if !ok || sess.State != StateRandomSent {
		return
	}
	_, enrSeq, err := decodeWhoareyouAuthData(packet.AuthData)
	if err != nil {
		return
	}

	var ivArr [ivSize]byte
	copy(ivArr[:], packet.IV[:])
	challengeData := ChallengeData(packet.Nonce, packet.AuthData, ivArr)

	remoteNode, ok := s.table.Get(addr.ID)
	if !ok {
		return
	}
	remotePub, err := publicKeyFromNode(remoteNode)
	if err != nil {
		return
	}

	ephKey, err := crypto.GenerateKey()
	if err != nil {
		return
	}
	secret, err := crypto.GenerateSharedSecret(ephKey, remotePub)
	if err != nil {
		return
	}
	initiatorKey, recipientKey, err := deriveSessionKeys(secret, s.local.ID(), addr.ID, challengeData)
	if err != nil {
		return
	}

	ephPub := crypto.CompressPubkey(&ephKey.PublicKey)
	sig, err := signIdentity(s.privKey, challengeData, ephPub, addr.ID)
	if err != nil {
		return
	}

	var record []byte
	if localSeq := s.local.Seq(); localSeq > enrSeq {
		record, _ = enr.EncodeENR(s.local.Node().Record)
	}
	authdata, err := encodeHandshakeAuthData(handshakeAuthData{
		SrcID:       s.local.ID(),
		IDSignature: sig,
		EphPubkey:   ephPub,
		Record:      record,
	})
	if err != nil {
		return
	}

	sess.WriteKey = initiatorKey
	sess.ReadKey = recipientKey
	sess.State = StateAwaitingSession

	if len(sess.Buffered) > 0 {
		msg := sess.Buffered[0].msg
		sess.Buffered = sess.Buffered[1:]
		s.sealAndSend(addr.ID, from, FlagHandshake, authdata, sess, msg)
	}
}

func (s *Service) handleHandshake(packet *Packet, from net.Addr) {
	auth, err := decodeHandshakeAuthData(packet.AuthData)
	if err != nil {
		return
	}
	addr := NodeAddress{ID: auth.SrcID, Addr: from.String()}
	sess, ok := s.sessions.Get(addr)
	if !ok || sess.State != StateWhoAreYouSent || sess.Challenge == nil {
		return
	}

	var remotePub *ecdsa.PublicKey
	if auth.Record != nil {
		rec, err := enr.DecodeENR(auth.Record)
		if err != nil {
			return
		}
		if err := enr.VerifyENR(rec); err != nil {
			return
		}
		if enode.NodeID(rec.NodeID()) != auth.SrcID {
			return
		}
		remotePub, err = crypto.DecompressPubkey(rec.Get(enr.KeySecp256k1))
		if err != nil {
			return
		}
		s.AddEnr(recordToNode(rec))
	} else {
		existing, ok := s.table.Get(auth.SrcID)
		if !ok {
			return
		}
		remotePub, err = publicKeyFromNode(existing)
		if err != nil {
			return
		}
	}

	if !verifyIdentity(crypto.FromECDSAPub(remotePub), sess.Challenge.ChallengeData, auth.EphPubkey, s.local.ID(), auth.IDSignature) {
		s.logger.Warn("rejecting handshake with invalid id-signature", "peer", addr.String())
		return
	}

	ephPub, err := crypto.DecompressPubkey(auth.EphPubkey)
	if err != nil {
		return
	}
	secret, err := crypto.GenerateSharedSecret(s.privKey, ephPub)
	if err != nil {
		return
	}
	initiatorKey, recipientKey, err := deriveSessionKeys(secret, auth.SrcID, s.local.ID(), sess.Challenge.ChallengeData)
	if err != nil {
		return
	}
	sess.ReadKey = initiatorKey
	sess.WriteKey = recipientKey
	sess.Challenge = nil
	sess.State = StateEstablished
	sess.LastSeen = time.Now()
	s.table.MarkConnected(addr.ID)

	aad := BuildAAD(packet.Flag, packet.Nonce, packet.AuthData, packet.IV)
	plain, err := crypto.AESGCMOpen(sess.ReadKey, packet.Nonce[:], aad, packet.Message)
	if err != nil {
		return
	}
	msg, err := DecodeMessage(plain)
	if err != nil {
		return
	}
	if s.events.SessionEstablished != nil {
		if n, ok := s.table.Get(auth.SrcID); ok {
			s.events.SessionEstablished(n)
		}
	}
	s.dispatchMessage(addr, from, msg)
}

func (s *Service) dispatchMessage(addr NodeAddress, from net.Addr, msg Message) {
	switch m := msg.(type) {
	case *Ping:
		s.handlePing(addr, from, m)
	case *Pong:
		s.handlePong(addr, m)
		s.requests.HandleResponse(addr, m)
	case *Findnode:
		s.handleFindnode(addr, from, m)
	case *Nodes:
		s.requests.HandleResponse(addr, m)
	case *TalkRequest:
		if s.events.TalkReqReceived != nil {
			s.events.TalkReqReceived(addr, m)
		}
	case *TalkResponse:
		s.requests.HandleResponse(addr, m)
	}
}

func (s *Service) handlePing(addr NodeAddress, from net.Addr, ping *Ping) {
	udpAddr, ok := from.(*net.UDPAddr)
	var ip net.IP
	var port uint16
	if ok {
		ip = udpAddr.IP
		port = uint16(udpAddr.Port)
	}
	pong := &Pong{ReqID: ping.ReqID, EnrSeq: s.local.Seq(), RecipientIP: ip, RecipientPort: port}
	s.sendToSession(addr, from, pong)
}

func (s *Service) handlePong(addr NodeAddress, pong *Pong) {
	if s.cfg.EnrUpdate && pong.RecipientIP != nil {
		s.local.SetIP(pong.RecipientIP)
	}
	if known, ok := s.table.Get(addr.ID); ok {
		if pong.EnrSeq > recordSeq(known) {
			done := s.sendFindnode(known, []uint64{0})
			go func() {
				res := <-done
				nodes, ok := res.Msg.(*Nodes)
				if res.Err != nil || !ok {
					return
				}
				for _, raw := range nodes.Enrs {
					rec, err := enr.DecodeENR(raw)
					if err != nil || enr.VerifyENR(rec) != nil || enode.NodeID(rec.NodeID()) != addr.ID {
						continue
					}
					s.AddEnr(recordToNode(rec))
				}
			}()
		}
	}
}

func (s *Service) handleFindnode(addr NodeAddress, from net.Addr, fn *Findnode) {
	var result []*enode.Node
	for _, d := range fn.Distances {
		if d == 0 {
			result = append(result, s.local.Node())
			continue
		}
		result = append(result, s.table.BucketEntries(int(d)-1)...)
	}
	if len(result) > BucketSize {
		result = result[:BucketSize]
	}
	var raws []rlp.RawValue
	for _, n := range result {
		if n.Record == nil {
			continue
		}
		enc, err := enr.EncodeENR(n.Record)
		if err != nil {
			continue
		}
		raws = append(raws, rlp.RawValue(enc))
	}
	nodes := &Nodes{ReqID: fn.ReqID, Total: 1, Enrs: raws}
	s.sendToSession(addr, from, nodes)
}

// --- Outbound requests ---

func (s *Service) sendFindnode(dest *enode.Node, distances []uint64) <-chan Result {
	fn := &Findnode{ReqID: NewRequestID(), Distances: distances}
	addr := NodeAddress{ID: dest.ID, Addr: dest.Addr().String()}
	done := s.requests.Register(addr, fn)
	udpAddr := dest.Addr()
	s.sendToSession(addr, &udpAddr, fn)
	return done
}

func (s *Service) sendPing(dest *enode.Node) <-chan Result {
	ping := &Ping{ReqID: NewRequestID(), EnrSeq: s.local.Seq()}
	addr := NodeAddress{ID: dest.ID, Addr: dest.Addr().String()}
	done := s.requests.Register(addr, ping)
	udpAddr := dest.Addr()
	s.sendToSession(addr, &udpAddr, ping)
	return done
}

func (s *Service) sendTalkReq(dest *enode.Node, protocol string, payload []byte) <-chan Result {
	req := &TalkRequest{ReqID: NewRequestID(), Protocol: []byte(protocol), Request: payload}
	addr := NodeAddress{ID: dest.ID, Addr: dest.Addr().String()}
	done := s.requests.Register(addr, req)
	udpAddr := dest.Addr()
	s.sendToSession(addr, &udpAddr, req)
	return done
}

// sendTalkResp answers an inbound TALKREQ event addressed by addr.
func (s *Service) sendTalkResp(addr NodeAddress, reqID RequestID, payload []byte) {
	resp := &TalkResponse{ReqID: reqID, Response: payload}
	udpAddr, err := net.ResolveUDPAddr("udp", addr.Addr)
	if err != nil {
		return
	}
	s.sendToSession(addr, udpAddr, resp)
}

// sendToSession delivers msg to addr over an already-established session,
// or starts a handshake (buffering msg) if none exists yet.
func (s *Service) sendToSession(addr NodeAddress, to net.Addr, msg Message) {
	sess, ok := s.sessions.Get(addr)
	if ok && (sess.State == StateEstablished || sess.State == StateAwaitingSession) {
		if err := s.sealAndSend(addr.ID, to, FlagOrdinary, encodeOrdinaryAuthData(s.local.ID()), sess, msg); err != nil {
			s.logger.Warn("encrypt failed, re-handshaking", "peer", addr.String(), "err", err)
			s.sessions.Remove(addr)
			s.startHandshake(addr, to, msg)
		}
		return
	}
	s.startHandshake(addr, to, msg)
}

// startHandshake sends a Random ordinary packet (the "none" + SendMessage
// transition) and buffers msg until the WHOAREYOU/Handshake exchange
// completes.
func (s *Service) startHandshake(addr NodeAddress, to net.Addr, msg Message) {
	sess := s.sessions.GetOrCreate(addr)
	sess.Buffered = append(sess.Buffered, bufferedMessage{msg: msg})
	if sess.State != StateNone {
		return // handshake already underway; msg rides the next packet
	}
	sess.State = StateRandomSent

	randomBody := make([]byte, 16)
	cryptorand.Read(randomBody)
	nonce := sess.NextNonce()
	authdata := encodeOrdinaryAuthData(s.local.ID())
	packet, err := EncodePacket(addr.ID, FlagOrdinary, nonce, authdata, randomBody)
	if err != nil {
		return
	}
	s.conn.WriteTo(packet, to)
}

// sealAndSend masks a static header/authdata pair, AEAD-seals the message
// body under sess's write key with that exact IV as part of the AAD, and
// writes the assembled packet. Used for both ordinary messages and the
// Handshake packet answering a WHOAREYOU.
func (s *Service) sealAndSend(dest enode.NodeID, to net.Addr, flag byte, authdata []byte, sess *Session, msg Message) error {
	body, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	nonce := sess.NextNonce()

	iv := make([]byte, ivSize)
	if _, err := cryptorand.Read(iv); err != nil {
		return err
	}
	header := encodeStaticHeader(flag, nonce, uint16(len(authdata)))
	maskedHeader, err := crypto.AESCTR(maskKey(dest), iv, append(header, authdata...))
	if err != nil {
		return err
	}
	var ivArr [ivSize]byte
	copy(ivArr[:], iv)
	aad := BuildAAD(flag, nonce, authdata, ivArr)
	ciphertext, err := crypto.AESGCMSeal(sess.WriteKey, nonce[:], aad, body)
	if err != nil {
		return err
	}

	out := make([]byte, 0, ivSize+len(maskedHeader)+len(ciphertext))
	out = append(out, iv...)
	out = append(out, maskedHeader...)
	out = append(out, ciphertext...)
	_, err = s.conn.WriteTo(out, to)
	return err
}

// --- Public API ---

// AddEnr inserts or refreshes a peer's signed ENR in the routing table.
func (s *Service) AddEnr(n *enode.Node) {
	s.table.InsertOrUpdate(n)
	if s.events.EnrAdded != nil {
		s.events.EnrAdded(n)
	}
}

// RemoveEnr deletes a peer from the routing table.
func (s *Service) RemoveEnr(id enode.NodeID) {
	s.table.RemoveNode(id)
}

// GetKadValues returns every live entry across the routing table.
func (s *Service) GetKadValues() []*enode.Node {
	var out []*enode.Node
	for i := 0; i < NumBuckets; i++ {
		out = append(out, s.table.BucketEntries(i)...)
	}
	return out
}

// FindNode launches an iterative lookup for target and returns the
// closest nodes discovered.
func (s *Service) FindNode(target enode.NodeID) []*enode.Node {
	cfg := LookupConfig{
		Alpha:        s.cfg.LookupParallelism,
		ResultSize:   s.cfg.LookupNumResults,
		RequestLimit: s.cfg.LookupRequestLimit,
		Timeout:      s.cfg.LookupTimeout,
	}
	queryFn := func(n *enode.Node, distances []uint64) []*enode.Node {
		res := <-s.sendFindnode(n, distances)
		if res.Err != nil {
			return nil
		}
		nodes, ok := res.Msg.(*Nodes)
		if !ok {
			return nil
		}
		var out []*enode.Node
		for _, raw := range nodes.Enrs {
			rec, err := enr.DecodeENR(raw)
			if err != nil {
				continue
			}
			if err := enr.VerifyENR(rec); err != nil {
				continue
			}
			out = append(out, recordToNode(rec))
		}
		return out
	}
	result := s.table.IterativeLookup(target, queryFn, cfg)
	for _, n := range result.Closest {
		s.AddEnr(n)
	}
	if s.events.Discovered != nil {
		for _, n := range result.Closest {
			s.events.Discovered(n)
		}
	}
	return result.Closest
}

// SendPing pings n and blocks for the PONG or a timeout.
func (s *Service) SendPing(n *enode.Node) error {
	res := <-s.sendPing(n)
	return res.Err
}

// SendTalkReq sends an application-defined TALKREQ to n and returns the
// TALKRESP payload.
func (s *Service) SendTalkReq(n *enode.Node, protocol string, payload []byte) ([]byte, error) {
	res := <-s.sendTalkReq(n, protocol, payload)
	if res.Err != nil {
		return nil, res.Err
	}
	resp, ok := res.Msg.(*TalkResponse)
	if !ok {
		return nil, errors.New("discover: unexpected response type to TALKREQ")
	}
	return resp.Response, nil
}

// SendTalkResp answers an inbound TALKREQ event.
func (s *Service) SendTalkResp(addr NodeAddress, reqID RequestID, payload []byte) {
	s.sendTalkResp(addr, reqID, payload)
}

// --- small helpers ---

func publicKeyFromNode(n *enode.Node) (*ecdsa.PublicKey, error) {
	if n.Record == nil {
		return nil, errors.New("discover: node has no ENR to derive a public key from")
	}
	return crypto.DecompressPubkey(n.Record.Get(enr.KeySecp256k1))
}

func recordSeq(n *enode.Node) uint64 {
	if n.Record == nil {
		return 0
	}
	return n.Record.Seq
}

// recordToNode builds an enode.Node view of a just-decoded, already
// signature-verified ENR record.
func recordToNode(rec *enr.Record) *enode.Node {
	return &enode.Node{
		ID:     enode.NodeID(rec.NodeID()),
		IP:     enr.IP(rec),
		TCP:    enr.TCP(rec),
		UDP:    enr.UDP(rec),
		Record: rec,
		Pubkey: rec.Get(enr.KeySecp256k1),
	}
}
