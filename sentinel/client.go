package sentinel

import (
	"errors"
	"sync/atomic"
	"time"

	resilient "github.com/to6ka/go-resilient-redis"
)

// DefaultCheckInterval is the resolution period when none is configured.
const DefaultCheckInterval = 5 * time.Second

var (
	ErrEmptyAddrs         = errors.New("sentinel addrs should not be empty")
	ErrEmptyMasterName    = errors.New("master name should not be empty")
	ErrWrongCheckInterval = errors.New("wrong check interval, must not be negative")
)

type OptsSentinel struct {
	// CheckInterval is the period of master resolution, zero means
	// DefaultCheckInterval.
	CheckInterval time.Duration

	// Credentials and db used for the master, sentinels carry their own
	// in their addresses.
	MasterUsername string
	MasterPassword string
	DB             int

	// OnSwitch, if set, is called by the monitor after a connection to a
	// new master has been published.
	OnSwitch func(old, new MasterRecord)
}

// client state
const (
	connConnected = iota
	connClosed
)

// Client sends commands to the master of a service, as reported by the
// sentinels. A background Monitor follows failovers.
type Client struct {
	resilient.Commands

	name     string
	connOpts resilient.Opts
	resolver *Resolver
	monitor  *Monitor
	state    uint32
}

// Connect resolves the master of masterName through sentinelAddrs,
// connects to it and starts the monitor. It fails with
// ErrResolutionFailed when no sentinel knows the master, or with
// ErrConnectFailed when the resolved master refuses the connection.
func Connect(sentinelAddrs []string, masterName string, connOpts resilient.Opts, opts OptsSentinel) (*Client, error) {
	if len(sentinelAddrs) == 0 {
		return nil, ErrEmptyAddrs
	}
	if masterName == "" {
		return nil, ErrEmptyMasterName
	}
	if opts.CheckInterval < 0 {
		return nil, ErrWrongCheckInterval
	}
	if opts.CheckInterval == 0 {
		opts.CheckInterval = DefaultCheckInterval
	}

	sentinels, err := resilient.ParseAddresses(sentinelAddrs)
	if err != nil {
		return nil, resilient.ClientError{Code: resilient.ErrConnectFailed, Msg: "invalid sentinel address", Err: err}
	}

	if connOpts.Clock == nil {
		connOpts.Clock = resilient.RealClock
	}
	if connOpts.Logger == nil {
		connOpts.Logger = resilient.DefaultLogger()
	}
	connOpts.Logger = connOpts.Logger.WithField("master_name", masterName)

	master := resilient.Address{
		Scheme:   resilient.SchemeRedis,
		Username: opts.MasterUsername,
		Password: opts.MasterPassword,
		DB:       opts.DB,
	}
	resolver := NewResolver(sentinels, master, connOpts)
	monitor := newMonitor(resolver, masterName, connOpts, opts)

	if err := monitor.Reconcile(); err != nil {
		monitor.Stop()
		resolver.Close()
		return nil, err
	}
	monitor.Start()

	client := &Client{
		name:     masterName,
		connOpts: connOpts,
		resolver: resolver,
		monitor:  monitor,
	}
	client.Commands = resilient.NewCommands(client)
	return client, nil
}

// Master returns the last published master.
func (client *Client) Master() MasterRecord {
	return client.monitor.Record()
}

// Monitor returns the background monitor of the client.
func (client *Client) Monitor() *Monitor {
	return client.monitor
}

// Active returns the connection to the master, reconnecting if needed.
func (client *Client) Active() (*resilient.Handle, error) {
	if client.getState() == connClosed {
		return nil, resilient.NewClientError(resilient.ErrClosed, resilient.Address{}, nil)
	}
	return client.monitor.slot.Acquire(client.reconnect)
}

// Do sends a command to the master. If it fails, the client reconnects to
// the published master and sends the command once more.
func (client *Client) Do(name string, args ...interface{}) (*resilient.Response, error) {
	if client.getState() == connClosed {
		return nil, resilient.NewClientError(resilient.ErrClosed, resilient.Address{}, nil)
	}
	return client.monitor.slot.Exec(client.reconnect, name, args...)
}

// Close stops the monitor and closes every connection. Calling Close
// more than once is a no-op.
func (client *Client) Close() error {
	if !atomic.CompareAndSwapUint32(&client.state, connConnected, connClosed) {
		return nil
	}
	client.monitor.Stop()
	client.monitor.slot.Close()
	return client.resolver.Close()
}

func (client *Client) getState() uint32 {
	return atomic.LoadUint32(&client.state)
}

// reconnect opens a connection to the published master. When that fails
// the monitor is asked to resolve again without waiting for its tick.
func (client *Client) reconnect() (*resilient.Handle, error) {
	if client.getState() == connClosed {
		return nil, resilient.NewClientError(resilient.ErrClosed, resilient.Address{}, nil)
	}
	rec := client.monitor.Record()
	h, err := resilient.Dial(rec.Addr, client.connOpts)
	if err != nil {
		client.monitor.Trigger()
		return nil, err
	}
	return h, nil
}
