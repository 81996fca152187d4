package enode

import (
	"crypto/ecdsa"
	"net"
	"sync"

	"github.com/eth2030/eth2030/crypto"
	"github.com/eth2030/eth2030/p2p/enr"
)

// LocalNode represents the running node's own identity: a signable ENR that
// can be mutated and re-signed as its observed address or capabilities
// change. It is distinct from Node, which wraps an immutable, already-signed
// record received from a peer.
type LocalNode struct {
	mu      sync.Mutex
	key     *ecdsa.PrivateKey
	record  *enr.Record
	id      NodeID
	pending bool // not written by any method: every setter re-signs at once
}

// NewLocalNode creates a LocalNode for the given identity key, seeded with
// the "v4" identity scheme entry and signed at sequence number 0.
func NewLocalNode(key *ecdsa.PrivateKey) *LocalNode {
	r := &enr.Record{}
	compressed := crypto.CompressPubkey(&key.PublicKey)
	r.Set(enr.KeyID, []byte("v4"))
	r.Set(enr.KeySecp256k1, compressed)
	ln := &LocalNode{key: key, record: r}
	ln.id = NodeID(r.NodeID())
	ln.sign()
	return ln
}

// ID returns the local node's stable identifier.
func (ln *LocalNode) ID() NodeID {
	return ln.id
}

// Node returns a snapshot of the local record as a Node value, suitable for
// insertion into a routing table or inclusion in a NODES response.
func (ln *LocalNode) Node() *Node {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	return &Node{
		ID:     ln.id,
		IP:     enr.IP(ln.record),
		TCP:    enr.TCP(ln.record),
		UDP:    enr.UDP(ln.record),
		Record: ln.record,
		Pubkey: crypto.CompressPubkey(&ln.key.PublicKey),
	}
}

// Seq returns the current sequence number of the local record.
func (ln *LocalNode) Seq() uint64 {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	return ln.record.Seq
}

// SetIP updates the IPv4 endpoint in the local record, bumping and
// re-signing the record if the value actually changed.
func (ln *LocalNode) SetIP(ip net.IP) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	if ip4 := ip.To4(); ip4 != nil {
		if existing := enr.IP(ln.record); existing != nil && existing.Equal(ip4) {
			return
		}
		enr.SetIP(ln.record, ip4)
		ln.bumpAndSign()
	}
}

// SetUDP updates the UDP port in the local record.
func (ln *LocalNode) SetUDP(port uint16) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	if enr.UDP(ln.record) == port {
		return
	}
	enr.SetUDP(ln.record, port)
	ln.bumpAndSign()
}

// SetTCP updates the TCP port in the local record.
func (ln *LocalNode) SetTCP(port uint16) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	if enr.TCP(ln.record) == port {
		return
	}
	enr.SetTCP(ln.record, port)
	ln.bumpAndSign()
}

// bumpAndSign increments Seq and re-signs. Caller must hold ln.mu.
func (ln *LocalNode) bumpAndSign() {
	ln.record.SetSeq(ln.record.Seq + 1)
	ln.sign()
}

// sign signs the record in place. Caller must hold ln.mu (or call during
// construction before the node is shared).
func (ln *LocalNode) sign() {
	if err := enr.SignENR(ln.record, ln.key); err != nil {
		// Signing a well-formed in-memory record with its own key cannot
		// fail; a failure here indicates a corrupt record.
		panic("enode: failed to sign local record: " + err.Error())
	}
}
