package connection_pool

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	resilient "github.com/to6ka/go-resilient-redis"
)

var (
	ErrEmptyAddrs        = errors.New("addrs should not be empty")
	ErrWrongCheckTimeout = errors.New("wrong check timeout, must not be negative")
	ErrUnknownPolicy     = errors.New("unknown selection policy")
	ErrDuplicateAddr     = errors.New("addrs should be unique")
)

type OptsPool struct {
	// Policy selects a node, RoundRobin by default.
	Policy Policy
	// CheckTimeout is the period of the background probe of the selected
	// node. Zero disables the background check.
	CheckTimeout time.Duration
	// MaxParallelProbes limits concurrent probes of LowestLatency.
	MaxParallelProbes int
}

type NodeInfo struct {
	Latency  time.Duration
	Probed   bool
	Failures uint32
	Selected bool
}

// ConnectionPool holds a fixed list of candidate nodes and keeps a
// connection to one of them, selected by the policy. Commands failing on
// the selected node are retried once after a new selection.
type ConnectionPool struct {
	resilient.Commands

	addrs    []string
	nodes    []*Node
	connOpts resilient.Opts
	opts     OptsPool
	strategy Strategy

	slot    *resilient.Slot
	state   uint32
	control chan struct{}
	done    chan struct{}
}

// ConnectWithOpts creates pool for instances with addresses `addrs`
// with options `opts`.
//
// Construction is all or nothing: every address must accept a connection
// and answer a probe, otherwise an ErrConnectFailed error is returned and
// no pool is created.
func ConnectWithOpts(addrs []string, connOpts resilient.Opts, opts OptsPool) (connPool *ConnectionPool, err error) {
	if len(addrs) == 0 {
		return nil, ErrEmptyAddrs
	}
	if opts.CheckTimeout < 0 {
		return nil, ErrWrongCheckTimeout
	}

	var strategy Strategy
	switch opts.Policy {
	case RoundRobin:
		strategy = NewRoundRobin()
	case LowestLatency:
		strategy = NewLowestLatency(opts.MaxParallelProbes)
	default:
		return nil, ErrUnknownPolicy
	}

	parsed, err := resilient.ParseAddresses(addrs)
	if err != nil {
		return nil, resilient.ClientError{Code: resilient.ErrConnectFailed, Msg: "invalid address", Err: err}
	}

	nodes := make([]*Node, len(parsed))
	seen := make(map[resilient.Address]bool, len(parsed))
	for i, addr := range parsed {
		if seen[addr] {
			return nil, ErrDuplicateAddr
		}
		seen[addr] = true
		nodes[i] = newNode(addr)
	}

	connOpts = normalize(connOpts)
	connPool = &ConnectionPool{
		addrs:    addrs,
		nodes:    nodes,
		connOpts: connOpts,
		opts:     opts,
		strategy: strategy,
		control:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	// Close marks the pool closed before emptying the slot, so a selection
	// finishing after that is refused instead of left open.
	connPool.slot = resilient.NewGuardedSlot(connOpts, func(*resilient.Handle) bool {
		return connPool.getState() != connClosed
	})
	connPool.Commands = resilient.NewCommands(connPool)

	h, err := connPool.validate()
	if err != nil {
		return nil, err
	}
	connPool.slot.Swap(h)

	if opts.CheckTimeout > 0 {
		ticker := connOpts.Clock.NewTicker(opts.CheckTimeout)
		go connPool.checker(ticker)
	} else {
		close(connPool.done)
	}

	return connPool, nil
}

// Connect creates pool for instances with addresses `addrs`, selecting
// nodes round robin.
func Connect(addrs []string, connOpts resilient.Opts) (connPool *ConnectionPool, err error) {
	return ConnectWithOpts(addrs, connOpts, OptsPool{})
}

func normalize(opts resilient.Opts) resilient.Opts {
	if opts.Clock == nil {
		opts.Clock = resilient.RealClock
	}
	if opts.Logger == nil {
		opts.Logger = resilient.DefaultLogger()
	}
	opts.Logger = opts.Logger.WithField("pool", true)
	return opts
}

// validate opens and probes every node. On success the strategy picks
// the initial selection among the validated connections.
func (connPool *ConnectionPool) validate() (*resilient.Handle, error) {
	// Probing everything is exactly what LowestLatency does.
	handles, errs := NewLowestLatency(connPool.opts.MaxParallelProbes).collect(connPool.nodes, connPool.dialNode)

	var merr error
	for _, err := range errs {
		if err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if merr != nil {
		closeAll(handles)
		return nil, resilient.ClientError{
			Code: resilient.ErrConnectFailed,
			Msg:  "pool validation failed",
			Err:  merr,
		}
	}

	idx, h, err := connPool.strategy.Select(connPool.nodes, func(i int) (*resilient.Handle, error) {
		h := handles[i]
		handles[i] = nil
		return h, nil
	})
	closeAll(handles)
	if err != nil {
		return nil, err
	}
	resilient.NodeSelections.WithLabelValues(connPool.opts.Policy.String(), resilient.ResultSuccess).Inc()
	connPool.connOpts.Logger.Infof("selected node %s", connPool.nodes[idx])
	return h, nil
}

func closeAll(handles []*resilient.Handle) {
	for _, h := range handles {
		if h != nil {
			h.Shutdown(false)
		}
	}
}

func (connPool *ConnectionPool) dialNode(i int) (*resilient.Handle, error) {
	node := connPool.nodes[i]
	h, err := resilient.Dial(node.addr, connPool.connOpts)
	if err != nil {
		node.markFailed()
		connPool.connOpts.Logger.Warnf("node %s skipped: %s", node, err)
		return nil, err
	}
	node.markAlive(h.Latency)
	return h, nil
}

// selectNode runs one selection pass without publishing the result.
func (connPool *ConnectionPool) selectNode() (*resilient.Handle, error) {
	if connPool.getState() == connClosed {
		return nil, resilient.NewClientError(resilient.ErrClosed, resilient.Address{}, nil)
	}

	idx, h, err := connPool.strategy.Select(connPool.nodes, connPool.dialNode)
	if err != nil {
		resilient.NodeSelections.WithLabelValues(connPool.opts.Policy.String(), resilient.ResultErrored).Inc()
		connPool.connOpts.Logger.Errorf("no live node: %s", err)
		return nil, err
	}
	resilient.NodeSelections.WithLabelValues(connPool.opts.Policy.String(), resilient.ResultSuccess).Inc()
	connPool.connOpts.Logger.Infof("selected node %s", connPool.nodes[idx])
	return h, nil
}

// Select runs a selection pass and publishes its result as the active
// connection. The previously selected connection is closed.
func (connPool *ConnectionPool) Select() (*resilient.Handle, error) {
	h, err := connPool.selectNode()
	if err != nil {
		return nil, err
	}
	published := false
	old := connPool.slot.Update(func(cur *resilient.Handle) *resilient.Handle {
		if connPool.getState() == connClosed {
			return cur
		}
		published = true
		return h
	})
	if !published {
		h.Shutdown(false)
		return nil, resilient.NewClientError(resilient.ErrClosed, resilient.Address{}, nil)
	}
	if old != nil {
		old.Shutdown(false)
	}
	return h, nil
}

// Active returns the selected connection, running a selection pass if
// there is none.
func (connPool *ConnectionPool) Active() (*resilient.Handle, error) {
	if connPool.getState() == connClosed {
		return nil, resilient.NewClientError(resilient.ErrClosed, resilient.Address{}, nil)
	}
	return connPool.slot.Acquire(connPool.selectNode)
}

// Do sends a command to the selected node. If it fails, a new node is
// selected and the command is sent once more.
func (connPool *ConnectionPool) Do(name string, args ...interface{}) (*resilient.Response, error) {
	if connPool.getState() == connClosed {
		return nil, resilient.NewClientError(resilient.ErrClosed, resilient.Address{}, nil)
	}
	return connPool.slot.Exec(connPool.selectNode, name, args...)
}

// Close stops the background check and closes the selected connection.
// Calling Close more than once is a no-op.
func (connPool *ConnectionPool) Close() error {
	if !atomic.CompareAndSwapUint32(&connPool.state, connConnected, connClosed) {
		return nil
	}
	close(connPool.control)
	<-connPool.done

	connPool.slot.Close()
	return nil
}

// GetAddrs gets addresses of the nodes in Pool
func (connPool *ConnectionPool) GetAddrs() []string {
	return connPool.addrs
}

// GetNodes returns the candidate nodes, in construction order.
func (connPool *ConnectionPool) GetNodes() []*Node {
	return connPool.nodes
}

// GetPoolInfo gets latency and selection state of every node.
func (connPool *ConnectionPool) GetPoolInfo() map[string]*NodeInfo {
	info := make(map[string]*NodeInfo, len(connPool.nodes))
	h := connPool.slot.Load()

	for i, node := range connPool.nodes {
		latency, probed := node.Latency()
		info[connPool.addrs[i]] = &NodeInfo{
			Latency:  latency,
			Probed:   probed,
			Failures: node.Failures(),
			Selected: h != nil && h.Addr == node.addr,
		}
	}
	return info
}

//
// private
//

func (connPool *ConnectionPool) getState() uint32 {
	return atomic.LoadUint32(&connPool.state)
}

func (connPool *ConnectionPool) checkSelected() {
	h := connPool.slot.Load()
	if h == nil {
		if _, err := connPool.Active(); err != nil {
			connPool.connOpts.Logger.Warnf("background selection failed: %s", err)
		}
		return
	}

	latency, err := h.Probe()
	if err == nil {
		for _, node := range connPool.nodes {
			if node.addr == h.Addr {
				node.markAlive(latency)
			}
		}
		return
	}

	connPool.connOpts.Logger.Warnf("selected node %s failed the probe: %s", h.Addr.Redacted(), err)
	connPool.slot.Drop(h)
	if _, err := connPool.Active(); err != nil {
		connPool.connOpts.Logger.Warnf("background selection failed: %s", err)
	}
}

func (connPool *ConnectionPool) checker(ticker resilient.Ticker) {
	defer close(connPool.done)
	defer ticker.Stop()

	for connPool.getState() != connClosed {
		select {
		case <-connPool.control:
			return
		case <-ticker.C():
			if connPool.getState() == connClosed {
				return
			}
			connPool.checkSelected()
		}
	}
}
