package resilient

import (
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds network operations when Opts.Timeout is not set.
const DefaultTimeout = 3 * time.Second

// Opts is a way to configure Connection
type Opts struct {
	// Timeout is a timeout for each network operation: open, probe and
	// every command. It can not be disabled, zero means DefaultTimeout.
	Timeout time.Duration
	// Transport opens sessions. Nil means the go-redis transport.
	Transport Transport
	// Clock is the time source. Nil means RealClock.
	Clock Clock
	// Logger receives recoverable events. Nil means DefaultLogger().
	Logger logrus.FieldLogger
}

func (opts Opts) normalize() Opts {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Transport == nil {
		opts.Transport = GoRedisTransport()
	}
	if opts.Clock == nil {
		opts.Clock = RealClock
	}
	if opts.Logger == nil {
		opts.Logger = DefaultLogger()
	}
	return opts
}

// Connection is a lazy, self-healing client bound to a single address.
//
// The underlying connection is opened on first use and reopened after a
// failure. An operation that fails on the cached connection is retried
// exactly once on a new one.
type Connection struct {
	Commands

	addr Address
	opts Opts
	slot *Slot
}

// Connect parses addr, opens and probes a first connection.
//
// The address format is redis://[:password@]host[:port][/db].
func Connect(addr string, opts Opts) (*Connection, error) {
	address, err := ParseAddress(addr)
	if err != nil {
		return nil, ClientError{Code: ErrConnectFailed, Msg: "invalid address", Err: err}
	}

	conn := NewConnection(address, opts)
	if _, err = conn.EnsureConnected(); err != nil {
		return nil, err
	}
	return conn, nil
}

// NewConnection returns a Connection to addr without connecting.
func NewConnection(addr Address, opts Opts) *Connection {
	opts = opts.normalize()
	opts.Logger = opts.Logger.WithField("addr", addr.Redacted())

	conn := &Connection{
		addr: addr,
		opts: opts,
		slot: NewSlot(opts),
	}
	conn.Commands = NewCommands(conn)
	return conn
}

// Addr returns the address the connection is bound to.
func (conn *Connection) Addr() Address {
	return conn.addr
}

// EnsureConnected returns the cached connection, opening one if needed.
// The cached connection is not probed.
func (conn *Connection) EnsureConnected() (*Handle, error) {
	return conn.slot.Acquire(conn.reconnect)
}

// IsOpen probes the cached connection. A connection that fails the probe
// is dropped, so that the next operation opens a new one.
func (conn *Connection) IsOpen() bool {
	h := conn.slot.Load()
	if h == nil {
		return false
	}

	if _, err := h.Probe(); err != nil {
		conn.opts.Logger.Warnf("probe failed, dropping connection: %s", err)
		conn.slot.Drop(h)
		return false
	}
	return true
}

// Close sends QUIT on the cached connection, if any, and forgets it.
// Close never fails and can be called any number of times; the
// Connection can still be used afterwards and will reconnect.
func (conn *Connection) Close() error {
	conn.slot.Close()
	return nil
}

// Quit is an alias of Close.
func (conn *Connection) Quit() error {
	return conn.Close()
}

// Do sends an arbitrary command, with the single retry policy.
func (conn *Connection) Do(name string, args ...interface{}) (*Response, error) {
	return conn.slot.Exec(conn.reconnect, name, args...)
}

func (conn *Connection) reconnect() (*Handle, error) {
	return Dial(conn.addr, conn.opts)
}
