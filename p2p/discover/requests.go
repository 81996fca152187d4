package discover

import (
	"errors"
	"sync"
	"time"
)

// Defaults for the request/response engine, per the configuration options
// table: requestTimeout and requestRetries.
const (
	DefaultRequestTimeout = 1 * time.Second
	DefaultRequestRetries = 1
)

// ErrRequestTimeout is delivered to a caller when a request exhausts its
// retries without a matching response.
var ErrRequestTimeout = errors.New("discover: request timed out")

// ErrShutdown is delivered to all outstanding callers when the engine is
// stopped.
var ErrShutdown = errors.New("discover: shutdown")

// Result is what a pending request resolves to: either a final message
// (the PONG/NODES-complete/TALKRESP) or an error.
type Result struct {
	Msg Message
	Err error
}

// nodesAccumulator collects NODES packets for one FINDNODE request until
// either `total` packets have arrived or NodesMaxTotal is reached.
type nodesAccumulator struct {
	total uint64
	got   uint64
	enrs  []Nodes
}

func (a *nodesAccumulator) add(n *Nodes) bool {
	if a.total == 0 {
		a.total = n.Total
	}
	a.enrs = append(a.enrs, *n)
	a.got++
	return a.got >= a.total || a.got >= NodesMaxTotal
}

// pendingRequest is the engine's bookkeeping for one outstanding request:
// destination, the kind sent (for retry), deadline, retry count, and
// either a direct completion channel or a multi-packet accumulator.
type pendingRequest struct {
	id       RequestID
	dest     NodeAddress
	sent     Message
	deadline time.Time
	retries  int
	done     chan Result
	nodes    *nodesAccumulator
}

// Config holds the tunables the service orchestrator exposes, named after
// the configuration options in the external interfaces section.
type Config struct {
	RequestTimeout          time.Duration
	RequestRetries          int
	SessionTimeout          time.Duration
	SessionEstablishTimeout time.Duration
	LookupTimeout           time.Duration
	LookupParallelism       int
	LookupNumResults        int
	LookupRequestLimit      int
	PingInterval            time.Duration
	EnrUpdate               bool
}

// DefaultConfig returns the configuration defaults listed in the external
// interfaces section.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:          1 * time.Second,
		RequestRetries:          1,
		SessionTimeout:          86_400 * time.Second,
		SessionEstablishTimeout: 15 * time.Second,
		LookupTimeout:           60 * time.Second,
		LookupParallelism:       Alpha,
		LookupNumResults:        BucketSize,
		LookupRequestLimit:      3,
		PingInterval:            300 * time.Second,
		EnrUpdate:               true,
	}
}

// RequestEngine correlates outbound requests with inbound responses. It is
// reached from the service's read and timeout loops and from the
// goroutines of a FindNode lookup, so every method takes its mutex.
type RequestEngine struct {
	mu      sync.Mutex
	pending map[RequestID]*pendingRequest
	cfg     Config
}

func NewRequestEngine(cfg Config) *RequestEngine {
	return &RequestEngine{pending: make(map[RequestID]*pendingRequest), cfg: cfg}
}

// Register records a freshly sent request awaiting a response, with a
// deadline of now + RequestTimeout. Retries are sent by CheckTimeouts'
// resend callback.
func (e *RequestEngine) Register(dest NodeAddress, msg Message) <-chan Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	done := make(chan Result, 1)
	id := msg.RequestID()
	pr := &pendingRequest{
		id:       id,
		dest:     dest,
		sent:     msg,
		deadline: time.Now().Add(e.cfg.RequestTimeout),
		done:     done,
	}
	if _, ok := msg.(*Findnode); ok {
		pr.nodes = &nodesAccumulator{}
	}
	e.pending[id] = pr
	return done
}

// HandleResponse matches an inbound message against its outstanding
// request by request-id and origin. Unknown request-ids (wrong id, or a
// response from a different NodeAddress than the request was sent to) are
// dropped, per the error-handling policy: not fatal.
func (e *RequestEngine) HandleResponse(from NodeAddress, msg Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pr, ok := e.pending[msg.RequestID()]
	if !ok || pr.dest != from {
		return
	}

	if nodes, isNodes := msg.(*Nodes); isNodes {
		if pr.nodes == nil {
			pr.nodes = &nodesAccumulator{}
		}
		complete := pr.nodes.add(nodes)
		if !complete {
			return
		}
		delete(e.pending, msg.RequestID())
		pr.done <- Result{Msg: mergeNodes(pr.nodes), Err: nil}
		close(pr.done)
		return
	}

	delete(e.pending, msg.RequestID())
	pr.done <- Result{Msg: msg, Err: nil}
	close(pr.done)
}

// mergeNodes flattens every NODES packet collected for a request into one
// logical Nodes message carrying the union of ENRs.
func mergeNodes(acc *nodesAccumulator) *Nodes {
	merged := &Nodes{Total: acc.total}
	if len(acc.enrs) > 0 {
		merged.ReqID = acc.enrs[0].ReqID
	}
	for _, pkt := range acc.enrs {
		merged.Enrs = append(merged.Enrs, pkt.Enrs...)
	}
	return merged
}

// CheckTimeouts is called periodically (or on a timer expiration event,
// per the single-threaded scheduling model) with the current time and a
// resend callback. Requests past their deadline are retried up to
// RequestRetries times, or failed with ErrRequestTimeout.
func (e *RequestEngine) CheckTimeouts(now time.Time, resend func(dest NodeAddress, msg Message)) {
	e.mu.Lock()
	var toFail []*pendingRequest
	var toRetry []*pendingRequest
	for id, pr := range e.pending {
		if now.Before(pr.deadline) {
			continue
		}
		if pr.retries < e.cfg.RequestRetries {
			pr.retries++
			pr.deadline = now.Add(e.cfg.RequestTimeout)
			toRetry = append(toRetry, pr)
			continue
		}
		delete(e.pending, id)
		toFail = append(toFail, pr)
	}
	e.mu.Unlock()

	for _, pr := range toRetry {
		resend(pr.dest, pr.sent)
	}
	for _, pr := range toFail {
		pr.done <- Result{Err: ErrRequestTimeout}
		close(pr.done)
	}
}

// Shutdown fails every outstanding request with ErrShutdown.
func (e *RequestEngine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, pr := range e.pending {
		pr.done <- Result{Err: ErrShutdown}
		close(pr.done)
		delete(e.pending, id)
	}
}

// Len reports the number of outstanding requests, mainly for tests.
func (e *RequestEngine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}
