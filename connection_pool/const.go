package connection_pool

// Policy chooses how a node is selected among the candidates.
type Policy uint32

/*
Policy parameter:

- RoundRobin - candidates are tried in order from a rotating cursor, the
  first node that opens and answers the probe is selected. The cursor
  moves past the selected node, so a reselection starts with the next one.

- LowestLatency - every candidate is probed and the node with the lowest
  probe round trip is selected. Ties go to the node listed first.
*/
const (
	RoundRobin Policy = iota
	LowestLatency
)

func (p Policy) String() string {
	switch p {
	case RoundRobin:
		return "round_robin"
	case LowestLatency:
		return "lowest_latency"
	}
	return "unknown"
}

// pool state
const (
	connConnected = iota
	connClosed
)
