package discover

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/eth2030/eth2030/crypto"
	"github.com/eth2030/eth2030/p2p/enode"
	"golang.org/x/crypto/hkdf"
)

// SessionState is the state a per-NodeAddress session is in. The zero
// value, StateNone, is both what a missing session map entry means and the
// state of a freshly created session.
type SessionState int

const (
	StateNone SessionState = iota
	StateWhoAreYouSent
	StateRandomSent
	StateAwaitingSession
	StateEstablished
	StateEstablishedAwaitingResponse
)

func (s SessionState) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateWhoAreYouSent:
		return "WhoAreYouSent"
	case StateRandomSent:
		return "RandomSent"
	case StateAwaitingSession:
		return "AwaitingSession"
	case StateEstablished:
		return "Established"
	case StateEstablishedAwaitingResponse:
		return "EstablishedAwaitingResponse"
	default:
		return "unknown"
	}
}

// NodeAddress keys session state on (NodeId, socket address): the NodeId
// is authoritative, the address merely routable, and a peer may migrate
// between addresses without losing its identity.
type NodeAddress struct {
	ID   enode.NodeID
	Addr string // net.UDPAddr.String()
}

func (a NodeAddress) String() string {
	return fmt.Sprintf("%s@%s", a.ID, a.Addr)
}

// Challenge is the outstanding WHOAREYOU state a responder must remember
// until the handshake completes or times out, since challenge-data cannot
// be reconstructed after the fact.
type Challenge struct {
	IDNonce       [16]byte
	ChallengeData []byte
	RemoteENRSeq  uint64
	Created       time.Time
}

// bufferedMessage is an outbound message queued while a session is mid
// handshake.
type bufferedMessage struct {
	msg Message
}

// Session is the per-NodeAddress state described in the data model: a
// state, a pair of directional 128-bit keys, an outbound nonce counter,
// any buffered outbound messages, and an optional outstanding challenge.
type Session struct {
	State SessionState

	WriteKey    []byte // encrypts outbound messages from this side
	ReadKey     []byte // decrypts inbound messages from the peer
	NoncePrefix [8]byte
	WriteSeq    uint32

	Challenge *Challenge
	Buffered  []bufferedMessage

	RemoteENRSeq uint64
	LastSeen     time.Time
}

func newSession() *Session {
	var prefix [8]byte
	rand.Read(prefix[:])
	return &Session{NoncePrefix: prefix, LastSeen: time.Now()}
}

// NextNonce returns the next unique 96-bit nonce for an outbound message:
// an 8-byte random-per-session prefix followed by a 4-byte big-endian
// counter, guaranteeing uniqueness per direction per session without
// coordination.
func (s *Session) NextNonce() [nonceSize]byte {
	var n [nonceSize]byte
	copy(n[:8], s.NoncePrefix[:])
	seq := s.WriteSeq
	s.WriteSeq++
	n[8] = byte(seq >> 24)
	n[9] = byte(seq >> 16)
	n[10] = byte(seq >> 8)
	n[11] = byte(seq)
	return n
}

// SessionManager owns the NodeAddress -> Session map. Every method takes
// the mutex, since the service's read and timeout loops and the goroutines
// of a FindNode lookup all reach it. The Session values it hands out are
// not themselves locked.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[NodeAddress]*Session
}

func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[NodeAddress]*Session)}
}

func (m *SessionManager) Get(addr NodeAddress) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[addr]
	return s, ok
}

func (m *SessionManager) GetOrCreate(addr NodeAddress) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[addr]
	if !ok {
		s = newSession()
		m.sessions[addr] = s
	}
	return s
}

// Replace discards whatever session existed for addr (per the invariant
// that transitioning to Established retains exactly one session and
// drops prior keys) and installs s.
func (m *SessionManager) Replace(addr NodeAddress, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[addr] = s
}

func (m *SessionManager) Remove(addr NodeAddress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, addr)
}

// findByAddr locates a session by socket address alone, for the one place
// the NodeId is not yet known: an inbound WHOAREYOU, which carries no
// source id and can only be matched against a RandomSent session by where
// it came from.
func (m *SessionManager) findByAddr(rawAddr string) (NodeAddress, *Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for addr, s := range m.sessions {
		if addr.Addr == rawAddr {
			return addr, s, true
		}
	}
	return NodeAddress{}, nil, false
}

// Prune drops sessions that have been idle longer than timeout, returning
// their addresses so the caller can fail any buffered requests.
func (m *SessionManager) Prune(timeout time.Duration) []NodeAddress {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []NodeAddress
	now := time.Now()
	for addr, s := range m.sessions {
		if now.Sub(s.LastSeen) > timeout {
			expired = append(expired, addr)
			delete(m.sessions, addr)
		}
	}
	return expired
}

// --- Session key derivation (spec 4.3) ---

const keyAgreementInfo = "discovery v5 key agreement"

// deriveSessionKeys implements the HKDF-Extract-then-Expand step shared by
// both handshake participants: the salt is the WHOAREYOU challenge-data,
// the info string binds both peers' NodeIds so the two directional keys
// cannot be swapped across sessions.
func deriveSessionKeys(secret []byte, initiator, recipient enode.NodeID, challengeData []byte) (initiatorKey, recipientKey []byte, err error) {
	info := make([]byte, 0, len(keyAgreementInfo)+64)
	info = append(info, keyAgreementInfo...)
	info = append(info, initiator[:]...)
	info = append(info, recipient[:]...)

	kdf := hkdf.New(sha256.New, secret, challengeData, info)
	okm := make([]byte, 32)
	if _, err := kdf.Read(okm); err != nil {
		return nil, nil, err
	}
	return okm[:16], okm[16:32], nil
}

// --- Id-signature (spec 4.3) ---

const identityProofDomain = "discovery v5 identity proof"

func identityProofHash(challengeData, ephPubkey []byte, destID enode.NodeID) []byte {
	h := sha256.New()
	h.Write([]byte(identityProofDomain))
	h.Write(challengeData)
	h.Write(ephPubkey)
	h.Write(destID[:])
	return h.Sum(nil)
}

// signIdentity produces the 64-byte (no recovery id) id-signature a
// Handshake packet carries, proving possession of the static private key.
func signIdentity(priv *ecdsa.PrivateKey, challengeData, ephPubkey []byte, destID enode.NodeID) ([]byte, error) {
	hash := identityProofHash(challengeData, ephPubkey, destID)
	sig, err := crypto.Sign(hash, priv)
	if err != nil {
		return nil, err
	}
	return sig[:64], nil
}

// verifyIdentity checks an id-signature against the claimed static public
// key (uncompressed, 65 bytes).
func verifyIdentity(pubUncompressed, challengeData, ephPubkey []byte, destID enode.NodeID, sig []byte) bool {
	if len(sig) != 64 {
		return false
	}
	hash := identityProofHash(challengeData, ephPubkey, destID)
	return crypto.ValidateSignature(pubUncompressed, hash, sig)
}
