package test_helpers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	resilient "github.com/to6ka/go-resilient-redis"
)

var (
	ErrFakeRefused = errors.New("dial tcp: connection refused")
	ErrFakeReset   = errors.New("read tcp: connection reset by peer")
	ErrFakeClosed  = errors.New("use of closed network connection")
)

// FakeNode is the server side state of one fake address.
type FakeNode struct {
	down         bool
	latency      time.Duration
	pingFailures int
	cmdFailures  int
	data         map[string]string
	hashes       map[string]map[string]string
	masters      map[string]interface{}

	dials    int
	opens    int
	live     int
	commands int
	pings    int
}

// FakeTransport is an in-memory resilient.Transport. Nodes are keyed by
// "host:port" and created on first use, alive and empty.
type FakeTransport struct {
	mutex sync.Mutex
	nodes map[string]*FakeNode
	clock *FakeClock
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{nodes: make(map[string]*FakeNode)}
}

// WithClock makes probes advance clock by the node latency instead of
// sleeping. Probes must then run one at a time to measure anything.
func (t *FakeTransport) WithClock(clock *FakeClock) *FakeTransport {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.clock = clock
	return t
}

func (t *FakeTransport) node(hostport string) *FakeNode {
	n, ok := t.nodes[hostport]
	if !ok {
		n = &FakeNode{
			data:    make(map[string]string),
			hashes:  make(map[string]map[string]string),
			masters: make(map[string]interface{}),
		}
		t.nodes[hostport] = n
	}
	return n
}

// SetDown makes the node refuse new connections and break existing ones.
func (t *FakeTransport) SetDown(hostport string, down bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.node(hostport).down = down
}

// SetLatency delays every probe of the node.
func (t *FakeTransport) SetLatency(hostport string, latency time.Duration) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.node(hostport).latency = latency
}

// FailPings makes the next n probes of the node fail.
func (t *FakeTransport) FailPings(hostport string, n int) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.node(hostport).pingFailures = n
}

// FailCommands makes the next n commands sent to the node fail with a
// network error.
func (t *FakeTransport) FailCommands(hostport string, n int) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.node(hostport).cmdFailures = n
}

// SetMaster sets the reply of SENTINEL get-master-addr-by-name name on a
// sentinel node. A []interface{}{host, port} is a well formed reply.
func (t *FakeTransport) SetMaster(sentinel, name string, reply interface{}) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.node(sentinel).masters[name] = reply
}

// SetMasterAddr is SetMaster with a well formed reply for master.
func (t *FakeTransport) SetMasterAddr(sentinel, name, master string) {
	host, port, _ := strings.Cut(master, ":")
	t.SetMaster(sentinel, name, []interface{}{host, port})
}

// Value returns the string stored at key on the node.
func (t *FakeTransport) Value(hostport, key string) (string, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	v, ok := t.node(hostport).data[key]
	return v, ok
}

// Dials returns the number of open attempts of the node, refused ones
// included.
func (t *FakeTransport) Dials(hostport string) int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.node(hostport).dials
}

// Live returns the number of opened and not yet closed sessions of the
// node.
func (t *FakeTransport) Live(hostport string) int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.node(hostport).live
}

// Opens returns the number of successful opens of the node.
func (t *FakeTransport) Opens(hostport string) int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.node(hostport).opens
}

// Commands returns the number of commands (not probes) sent to the node,
// failed ones included.
func (t *FakeTransport) Commands(hostport string) int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.node(hostport).commands
}

// Pings returns the number of probes sent to the node.
func (t *FakeTransport) Pings(hostport string) int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.node(hostport).pings
}

func (t *FakeTransport) Open(ctx context.Context, addr resilient.Address) (resilient.Conn, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	n := t.node(addr.HostPort())
	n.dials++
	if n.down {
		return nil, ErrFakeRefused
	}
	n.opens++
	n.live++
	return &FakeConn{transport: t, hostport: addr.HostPort()}, nil
}

// FakeConn is a session to a FakeNode.
type FakeConn struct {
	transport *FakeTransport
	hostport  string
	closed    bool
}

func (c *FakeConn) check(n *FakeNode) error {
	if c.closed {
		return ErrFakeClosed
	}
	if n.down {
		return ErrFakeReset
	}
	return nil
}

func (c *FakeConn) Ping(ctx context.Context) error {
	c.transport.mutex.Lock()
	n := c.transport.node(c.hostport)
	n.pings++
	latency := n.latency
	clock := c.transport.clock
	err := c.check(n)
	if err == nil && n.pingFailures > 0 {
		n.pingFailures--
		err = ErrFakeReset
	}
	c.transport.mutex.Unlock()

	if err != nil {
		return err
	}
	if latency > 0 && clock != nil {
		clock.Advance(latency)
		return nil
	}
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *FakeConn) Close() error {
	c.transport.mutex.Lock()
	defer c.transport.mutex.Unlock()
	if !c.closed {
		c.closed = true
		c.transport.node(c.hostport).live--
	}
	return nil
}

func (c *FakeConn) Do(ctx context.Context, name string, args ...interface{}) (interface{}, error) {
	c.transport.mutex.Lock()
	defer c.transport.mutex.Unlock()

	n := c.transport.node(c.hostport)
	n.commands++
	if err := c.check(n); err != nil {
		return nil, err
	}
	if n.cmdFailures > 0 {
		n.cmdFailures--
		return nil, ErrFakeReset
	}

	sargs := make([]string, len(args))
	for i, a := range args {
		sargs[i] = toString(a)
	}
	return n.exec(strings.ToUpper(name), sargs)
}

func toString(v interface{}) string {
	switch v := v.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}
	return fmt.Sprint(v)
}

func wrongArgs(name string) error {
	return resilient.ReplyError{Msg: fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(name))}
}

var errWrongType = resilient.ReplyError{Msg: "WRONGTYPE Operation against a key holding the wrong kind of value"}

func (n *FakeNode) exec(name string, args []string) (interface{}, error) {
	switch name {
	case "PING":
		return "PONG", nil
	case "QUIT":
		return "OK", nil
	case "ECHO":
		if len(args) != 1 {
			return nil, wrongArgs(name)
		}
		return args[0], nil
	case "SET":
		if len(args) < 2 {
			return nil, wrongArgs(name)
		}
		delete(n.hashes, args[0])
		n.data[args[0]] = args[1]
		return "OK", nil
	case "GET":
		if len(args) != 1 {
			return nil, wrongArgs(name)
		}
		if _, ok := n.hashes[args[0]]; ok {
			return nil, errWrongType
		}
		if v, ok := n.data[args[0]]; ok {
			return v, nil
		}
		return nil, nil
	case "DEL":
		var count int64
		for _, k := range args {
			_, ok1 := n.data[k]
			_, ok2 := n.hashes[k]
			if ok1 || ok2 {
				count++
			}
			delete(n.data, k)
			delete(n.hashes, k)
		}
		return count, nil
	case "EXISTS":
		var count int64
		for _, k := range args {
			_, ok1 := n.data[k]
			_, ok2 := n.hashes[k]
			if ok1 || ok2 {
				count++
			}
		}
		return count, nil
	case "PEXPIRE":
		if len(args) != 2 {
			return nil, wrongArgs(name)
		}
		_, ok := n.data[args[0]]
		if ok {
			return int64(1), nil
		}
		return int64(0), nil
	case "INCRBY":
		if len(args) != 2 {
			return nil, wrongArgs(name)
		}
		cur, _ := strconv.ParseInt(n.data[args[0]], 10, 64)
		by, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return nil, resilient.ReplyError{Msg: "ERR value is not an integer or out of range"}
		}
		cur += by
		n.data[args[0]] = strconv.FormatInt(cur, 10)
		return cur, nil
	case "KEYS":
		keys := make([]string, 0, len(n.data)+len(n.hashes))
		for k := range n.data {
			keys = append(keys, k)
		}
		for k := range n.hashes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		res := make([]interface{}, len(keys))
		for i, k := range keys {
			res[i] = k
		}
		return res, nil
	case "HSET":
		if len(args) < 3 || len(args)%2 != 1 {
			return nil, wrongArgs(name)
		}
		if _, ok := n.data[args[0]]; ok {
			return nil, errWrongType
		}
		h, ok := n.hashes[args[0]]
		if !ok {
			h = make(map[string]string)
			n.hashes[args[0]] = h
		}
		var added int64
		for i := 1; i < len(args); i += 2 {
			if _, ok := h[args[i]]; !ok {
				added++
			}
			h[args[i]] = args[i+1]
		}
		return added, nil
	case "HGET":
		if len(args) != 2 {
			return nil, wrongArgs(name)
		}
		if v, ok := n.hashes[args[0]][args[1]]; ok {
			return v, nil
		}
		return nil, nil
	case "HGETALL":
		if len(args) != 1 {
			return nil, wrongArgs(name)
		}
		h := n.hashes[args[0]]
		fields := make([]string, 0, len(h))
		for f := range h {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		res := make([]interface{}, 0, 2*len(fields))
		for _, f := range fields {
			res = append(res, f, h[f])
		}
		return res, nil
	case "HDEL":
		if len(args) < 2 {
			return nil, wrongArgs(name)
		}
		var count int64
		for _, f := range args[1:] {
			if _, ok := n.hashes[args[0]][f]; ok {
				count++
				delete(n.hashes[args[0]], f)
			}
		}
		return count, nil
	case "PUBLISH":
		if len(args) != 2 {
			return nil, wrongArgs(name)
		}
		return int64(0), nil
	case "SENTINEL":
		if len(args) != 2 || strings.ToLower(args[0]) != "get-master-addr-by-name" {
			return nil, resilient.ReplyError{Msg: "ERR Unknown sentinel subcommand"}
		}
		return n.masters[args[1]], nil
	}
	return nil, resilient.ReplyError{Msg: fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(name))}
}
