package connection_pool

import (
	"sync/atomic"
	"time"

	resilient "github.com/to6ka/go-resilient-redis"
)

// Node is a candidate of the pool. Nodes are never removed: a node that
// can not be reached is only skipped by the selection pass.
type Node struct {
	addr resilient.Address
	// latency of the last successful probe in nanoseconds, -1 if none.
	latency int64
	// failures counts consecutive failed open/probe attempts.
	failures uint32
}

func newNode(addr resilient.Address) *Node {
	return &Node{addr: addr, latency: -1}
}

func (n *Node) Addr() resilient.Address {
	return n.addr
}

// Latency returns the last observed probe latency, if any.
func (n *Node) Latency() (time.Duration, bool) {
	l := atomic.LoadInt64(&n.latency)
	if l < 0 {
		return 0, false
	}
	return time.Duration(l), true
}

// Failures returns the number of consecutive failed attempts.
func (n *Node) Failures() uint32 {
	return atomic.LoadUint32(&n.failures)
}

func (n *Node) markAlive(latency time.Duration) {
	atomic.StoreInt64(&n.latency, int64(latency))
	atomic.StoreUint32(&n.failures, 0)
}

func (n *Node) markFailed() {
	atomic.AddUint32(&n.failures, 1)
}

// String implements Stringer.
func (n *Node) String() string {
	return n.addr.Redacted()
}
