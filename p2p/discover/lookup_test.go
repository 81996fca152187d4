package discover

import (
	"sync"
	"testing"

	"github.com/eth2030/eth2030/p2p/enode"
)

// chanCounter tracks the high-water mark of concurrent enter/leave pairs,
// used to assert a lookup never exceeds its configured alpha.
type chanCounter struct {
	mu      sync.Mutex
	current int
	max     int
}

func (c *chanCounter) enter() {
	c.mu.Lock()
	c.current++
	if c.current > c.max {
		c.max = c.current
	}
	c.mu.Unlock()
}

func (c *chanCounter) leave() {
	c.mu.Lock()
	c.current--
	c.mu.Unlock()
}

func (c *chanCounter) maxConcurrent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.max
}

// TestIterativeLookupTransitiveDiscovery builds a small world: table knows n1, n1 knows n2, and
// queryFn simulates asking each node for its own neighbor list.
func TestIterativeLookupTransitiveDiscovery(t *testing.T) {
	var n0, n1, n2 enode.NodeID
	n0[0] = 0x00
	n1[0] = 0x10
	n2[0] = 0x11

	table := NewTable(n0)
	table.InsertOrUpdate(&enode.Node{ID: n1})

	neighbors := map[enode.NodeID][]*enode.Node{
		n1: {{ID: n2}},
		n2: {},
	}
	queryFn := func(n *enode.Node, distances []uint64) []*enode.Node {
		return neighbors[n.ID]
	}

	result := table.IterativeLookup(n2, queryFn, LookupConfig{})
	if len(result.Closest) == 0 {
		t.Fatalf("expected at least one result, got none")
	}
	if result.Closest[0].ID != n2 {
		t.Errorf("closest result = %x, want target %x", result.Closest[0].ID, n2)
	}
}

func TestIterativeLookupEmptyTable(t *testing.T) {
	var self enode.NodeID
	table := NewTable(self)
	var target enode.NodeID
	target[0] = 0xaa

	calls := 0
	queryFn := func(n *enode.Node, distances []uint64) []*enode.Node {
		calls++
		return nil
	}
	result := table.IterativeLookup(target, queryFn, LookupConfig{})
	if len(result.Closest) != 0 {
		t.Errorf("Closest = %d entries, want 0", len(result.Closest))
	}
	if calls != 0 {
		t.Errorf("queryFn should not be called against an empty table")
	}
}

func TestIterativeLookupBoundedParallelism(t *testing.T) {
	var self enode.NodeID
	table := NewTable(self)

	var target enode.NodeID
	target[0] = 0xff

	seeds := make([]enode.NodeID, 30)
	for i := range seeds {
		var id enode.NodeID
		id[0] = byte(i + 1)
		seeds[i] = id
		table.InsertOrUpdate(&enode.Node{ID: id})
	}

	var mu chanCounter
	queryFn := func(n *enode.Node, distances []uint64) []*enode.Node {
		mu.enter()
		defer mu.leave()
		return nil
	}
	cfg := LookupConfig{Alpha: 3, ResultSize: 16}
	table.IterativeLookup(target, queryFn, cfg)

	if mu.maxConcurrent() > cfg.Alpha {
		t.Errorf("observed concurrency %d exceeds alpha %d", mu.maxConcurrent(), cfg.Alpha)
	}
}

func TestBracketDistances(t *testing.T) {
	var a, target enode.NodeID
	a[0] = 0xff
	dists := bracketDistances(a, target)
	if len(dists) == 0 {
		t.Fatal("expected at least one distance")
	}
	exact := uint64(enode.Distance(a, target))
	found := false
	for _, d := range dists {
		if d == exact {
			found = true
		}
	}
	if !found {
		t.Errorf("bracketDistances(%v) = %v, want to include exact distance %d", a, dists, exact)
	}
}
