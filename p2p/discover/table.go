// Package discover implements the Ethereum Node Discovery v5 protocol: a
// Kademlia-style routing table, an authenticated/encrypted session layer
// over UDP, and the request/response and lookup engines that drive peer
// discovery by XOR distance.
package discover

import (
	"sort"
	"sync"
	"time"

	"github.com/eth2030/eth2030/p2p/enode"
)

// Kademlia table constants.
const (
	BucketSize = 16  // K: max live entries per bucket, and lookup result size
	NumBuckets = 256 // one bucket per possible log distance
	Alpha      = 3   // lookup concurrency factor
)

// Liveness describes whether a routing-table entry has recently responded.
type Liveness int

const (
	Disconnected Liveness = iota
	Connected
)

// entry is a single routing-table record: the node plus bookkeeping the
// table needs for eviction and liveness tracking.
type entry struct {
	node     *enode.Node
	lastSeen time.Time
	liveness Liveness
}

// bucket holds the live and pending entries at one XOR log distance. live is
// kept ordered from least- to most-recently-touched (live[0] is the LRU
// entry); pending is kept in FIFO arrival order (pending[0] is the oldest).
type bucket struct {
	live    []*entry
	pending []*entry
}

// Table is the Kademlia-style routing table described in the routing-table
// component: 256 buckets indexed by XOR log distance from the local node,
// each holding up to BucketSize live entries and up to BucketSize pending
// entries.
type Table struct {
	mu      sync.RWMutex
	self    enode.NodeID
	buckets [NumBuckets]bucket
}

// NewTable creates a routing table for the given local node ID.
func NewTable(self enode.NodeID) *Table {
	return &Table{self: self}
}

// Self returns the local node ID the table computes distances against.
func (t *Table) Self() enode.NodeID {
	return t.self
}

// bucketIndex returns the bucket a node ID belongs in: 255 minus the number
// of leading zero bits in xor(self, id). Returns -1 for the local node
// itself, which is never stored.
func (t *Table) bucketIndex(id enode.NodeID) int {
	dist := enode.Distance(t.self, id)
	if dist == 0 {
		return -1
	}
	return dist - 1
}

func findEntry(list []*entry, id enode.NodeID) int {
	for i, e := range list {
		if e.node.ID == id {
			return i
		}
	}
	return -1
}

func removeAt(list []*entry, i int) []*entry {
	return append(list[:i], list[i+1:]...)
}

// InsertOrUpdate records a freshly seen ENR. If the node is already a live
// or pending entry its record and last-seen time are refreshed in place.
// Otherwise it is inserted as Disconnected if the bucket has room, or
// queued as pending (bounded by BucketSize, evicting the oldest pending
// entry first) if not.
func (t *Table) InsertOrUpdate(n *enode.Node) {
	idx := t.bucketIndex(n.ID)
	if idx < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	b := &t.buckets[idx]
	now := time.Now()

	if i := findEntry(b.live, n.ID); i >= 0 {
		b.live[i].node = n
		b.live[i].lastSeen = now
		return
	}
	if i := findEntry(b.pending, n.ID); i >= 0 {
		b.pending[i].node = n
		b.pending[i].lastSeen = now
		return
	}

	e := &entry{node: n, lastSeen: now, liveness: Disconnected}
	if len(b.live) < BucketSize {
		b.live = append(b.live, e)
		return
	}
	if len(b.pending) >= BucketSize {
		b.pending = b.pending[1:] // FIFO eviction of the oldest pending entry
	}
	b.pending = append(b.pending, e)
}

// MarkConnected flips a node's liveness to Connected and marks it
// most-recently-used. If the node is only pending and the bucket's least-
// recently-used live entry is Disconnected, that entry is evicted and the
// pending node is promoted to live.
func (t *Table) MarkConnected(id enode.NodeID) {
	idx := t.bucketIndex(id)
	if idx < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	b := &t.buckets[idx]
	now := time.Now()

	if i := findEntry(b.live, id); i >= 0 {
		e := b.live[i]
		e.liveness = Connected
		e.lastSeen = now
		b.live = removeAt(b.live, i)
		b.live = append(b.live, e) // move to MRU position
		t.promotePending(b)
		return
	}
	if i := findEntry(b.pending, id); i >= 0 {
		e := b.pending[i]
		e.liveness = Connected
		e.lastSeen = now
		if len(b.live) < BucketSize {
			b.pending = removeAt(b.pending, i)
			b.live = append(b.live, e)
			return
		}
		if b.live[0].liveness == Disconnected {
			b.live = b.live[1:]
			b.pending = removeAt(b.pending, i)
			b.live = append(b.live, e)
		}
	}
}

// promotePending evicts the LRU live entry and promotes the oldest pending
// entry if the LRU live entry is Disconnected and a pending entry exists.
// Caller must hold t.mu.
func (t *Table) promotePending(b *bucket) {
	if len(b.pending) == 0 || len(b.live) == 0 {
		return
	}
	if b.live[0].liveness != Disconnected {
		return
	}
	b.live = b.live[1:]
	promoted := b.pending[0]
	b.pending = b.pending[1:]
	promoted.liveness = Disconnected
	promoted.lastSeen = time.Now()
	b.live = append(b.live, promoted)
}

// MarkDisconnected flips a live node's liveness to Disconnected.
func (t *Table) MarkDisconnected(id enode.NodeID) {
	idx := t.bucketIndex(id)
	if idx < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	b := &t.buckets[idx]
	if i := findEntry(b.live, id); i >= 0 {
		b.live[i].liveness = Disconnected
	}
}

// RemoveNode deletes a node from the table entirely, live or pending.
func (t *Table) RemoveNode(id enode.NodeID) {
	idx := t.bucketIndex(id)
	if idx < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	b := &t.buckets[idx]
	if i := findEntry(b.live, id); i >= 0 {
		b.live = removeAt(b.live, i)
		return
	}
	if i := findEntry(b.pending, id); i >= 0 {
		b.pending = removeAt(b.pending, i)
	}
}

// Nearest returns up to count live entries closest to target by true XOR
// distance, sorted ascending. Ties (which only arise between otherwise
// identical entries) preserve insertion order.
func (t *Table) Nearest(target enode.NodeID, count int) []*enode.Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	targetBucket := t.bucketIndex(target)
	order := bucketVisitOrder(targetBucket)

	var nodes []*enode.Node
	for _, idx := range order {
		for _, e := range t.buckets[idx].live {
			nodes = append(nodes, e.node)
		}
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		return enode.DistCmp(target, nodes[i].ID, nodes[j].ID) < 0
	})
	if len(nodes) > count {
		nodes = nodes[:count]
	}
	return nodes
}

// bucketVisitOrder returns bucket indices ordered by absolute distance from
// targetBucket, closest first. targetBucket may be -1 (the target is the
// local node); all buckets are still visited, just without a preferred
// starting point.
func bucketVisitOrder(targetBucket int) []int {
	order := make([]int, NumBuckets)
	for i := range order {
		order[i] = i
	}
	if targetBucket < 0 {
		return order
	}
	sort.SliceStable(order, func(i, j int) bool {
		di := absInt(order[i] - targetBucket)
		dj := absInt(order[j] - targetBucket)
		return di < dj
	})
	return order
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Get returns the node record for id if it is present as a live or
// pending entry, without the distance search Nearest performs.
func (t *Table) Get(id enode.NodeID) (*enode.Node, bool) {
	idx := t.bucketIndex(id)
	if idx < 0 {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	b := &t.buckets[idx]
	if i := findEntry(b.live, id); i >= 0 {
		return b.live[i].node, true
	}
	if i := findEntry(b.pending, id); i >= 0 {
		return b.pending[i].node, true
	}
	return nil, false
}

// FindNode is a convenience alias for Nearest; IterativeLookup uses it to
// seed its candidate set from the local table.
func (t *Table) FindNode(target enode.NodeID, count int) []*enode.Node {
	return t.Nearest(target, count)
}

// Len returns the total number of live entries across all buckets.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for i := range t.buckets {
		n += len(t.buckets[i].live)
	}
	return n
}

// BucketEntries returns the live entries in a specific bucket (0..255).
func (t *Table) BucketEntries(idx int) []*enode.Node {
	if idx < 0 || idx >= NumBuckets {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*enode.Node, len(t.buckets[idx].live))
	for i, e := range t.buckets[idx].live {
		out[i] = e.node
	}
	return out
}

// AddNode is an alias for InsertOrUpdate used by callers migrating from a
// simpler table API (e.g. the lookup engine merging FINDNODE responses).
func (t *Table) AddNode(n *enode.Node) {
	t.InsertOrUpdate(n)
}
