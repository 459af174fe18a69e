package connection_pool_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	resilient "github.com/to6ka/go-resilient-redis"
	"github.com/to6ka/go-resilient-redis/connection_pool"
	"github.com/to6ka/go-resilient-redis/test_helpers"
)

var hostPorts = []string{"node0:6379", "node1:6379", "node2:6379"}
var servers = []string{
	"redis://node0:6379/",
	"redis://node1:6379/",
	"redis://node2:6379/",
}

func newConnOpts(transport *test_helpers.FakeTransport, clock resilient.Clock) resilient.Opts {
	logger, _ := test.NewNullLogger()
	return resilient.Opts{
		Timeout:   500 * time.Millisecond,
		Transport: transport,
		Clock:     clock,
		Logger:    logger,
	}
}

func selected(connPool *connection_pool.ConnectionPool) string {
	for addr, info := range connPool.GetPoolInfo() {
		if info.Selected {
			return addr
		}
	}
	return ""
}

func TestConnError_IncorrectParams(t *testing.T) {
	transport := test_helpers.NewFakeTransport()
	connOpts := newConnOpts(transport, nil)

	connPool, err := connection_pool.Connect([]string{}, connOpts)
	assert.Nil(t, connPool)
	assert.Equal(t, connection_pool.ErrEmptyAddrs, err)

	connPool, err = connection_pool.ConnectWithOpts(servers, connOpts, connection_pool.OptsPool{CheckTimeout: -1})
	assert.Nil(t, connPool)
	assert.Equal(t, connection_pool.ErrWrongCheckTimeout, err)

	connPool, err = connection_pool.ConnectWithOpts(servers, connOpts, connection_pool.OptsPool{Policy: 42})
	assert.Nil(t, connPool)
	assert.Equal(t, connection_pool.ErrUnknownPolicy, err)

	connPool, err = connection_pool.Connect([]string{servers[0], "redis://node0"}, connOpts)
	assert.Nil(t, connPool)
	assert.Equal(t, connection_pool.ErrDuplicateAddr, err)

	connPool, err = connection_pool.Connect([]string{servers[0], "err"}, connOpts)
	assert.Nil(t, connPool)
	assert.True(t, resilient.IsCode(err, resilient.ErrConnectFailed), "unexpected error %v", err)

	// Nothing was dialed.
	assert.Equal(t, 0, transport.Opens(hostPorts[0]))
}

func TestConnect_AllOrNothing(t *testing.T) {
	transport := test_helpers.NewFakeTransport()
	transport.SetDown("bad:1", true)

	connPool, err := connection_pool.Connect([]string{"redis://good:6379/", "redis://bad:1/"}, newConnOpts(transport, nil))
	require.Error(t, err)
	assert.Nil(t, connPool)

	assert.True(t, resilient.IsCode(err, resilient.ErrConnectFailed), "unexpected error %v", err)
	assert.Contains(t, err.Error(), "redis://bad:1/")
	assert.NotContains(t, err.Error(), "redis://good:6379/")

	// The good node was probed, then released.
	assert.Equal(t, 1, transport.Opens("good:6379"))
	assert.Equal(t, 1, transport.Pings("good:6379"))
}

func TestConnect_AllFailingReported(t *testing.T) {
	transport := test_helpers.NewFakeTransport()
	transport.SetDown(hostPorts[0], true)
	transport.FailPings(hostPorts[2], 1)

	_, err := connection_pool.Connect(servers, newConnOpts(transport, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), servers[0])
	assert.Contains(t, err.Error(), servers[2])
	assert.NotContains(t, err.Error(), servers[1])
}

func TestLowestLatency(t *testing.T) {
	clock := test_helpers.NewFakeClock(time.Unix(0, 0))
	transport := test_helpers.NewFakeTransport().WithClock(clock)
	transport.SetLatency(hostPorts[0], 50*time.Millisecond)
	transport.SetLatency(hostPorts[1], 10*time.Millisecond)

	connPool, err := connection_pool.ConnectWithOpts(servers[:2], newConnOpts(transport, clock),
		connection_pool.OptsPool{Policy: connection_pool.LowestLatency, MaxParallelProbes: 1})
	require.NoError(t, err)
	defer connPool.Close()

	h, err := connPool.Active()
	require.NoError(t, err)
	assert.Equal(t, servers[1], h.Addr.String())
	assert.Equal(t, 10*time.Millisecond, h.Latency)
	assert.Equal(t, servers[1], selected(connPool))

	info := connPool.GetPoolInfo()
	assert.True(t, info[servers[0]].Probed)
	assert.Equal(t, 50*time.Millisecond, info[servers[0]].Latency)
	assert.Equal(t, 10*time.Millisecond, info[servers[1]].Latency)

	resp, err := connPool.Do("PING")
	require.NoError(t, err)
	assert.Equal(t, servers[1], resp.Addr.String())

	// Latencies change, a new pass follows them.
	transport.SetLatency(hostPorts[0], 5*time.Millisecond)
	h, err = connPool.Select()
	require.NoError(t, err)
	assert.Equal(t, servers[0], h.Addr.String())
	assert.Equal(t, 5*time.Millisecond, h.Latency)
}

func TestLowestLatency_TieGoesToFirst(t *testing.T) {
	transport := test_helpers.NewFakeTransport()
	clock := test_helpers.NewFakeClock(time.Unix(0, 0))

	connPool, err := connection_pool.ConnectWithOpts(servers, newConnOpts(transport, clock),
		connection_pool.OptsPool{Policy: connection_pool.LowestLatency, MaxParallelProbes: 2})
	require.NoError(t, err)
	defer connPool.Close()

	assert.Equal(t, servers[0], selected(connPool))

	transport.SetDown(hostPorts[0], true)
	h, err := connPool.Select()
	require.NoError(t, err)
	assert.Equal(t, servers[1], h.Addr.String())
}

func TestRoundRobin(t *testing.T) {
	transport := test_helpers.NewFakeTransport()

	connPool, err := connection_pool.Connect(servers, newConnOpts(transport, nil))
	require.NoError(t, err)
	defer connPool.Close()

	assert.Equal(t, servers[0], selected(connPool))

	order := []string{}
	for i := 0; i < 4; i++ {
		h, err := connPool.Select()
		require.NoError(t, err)
		order = append(order, h.Addr.String())
	}
	assert.Equal(t, []string{servers[1], servers[2], servers[0], servers[1]}, order)

	// A failing node is skipped, not removed.
	transport.SetDown(hostPorts[2], true)
	h, err := connPool.Select()
	require.NoError(t, err)
	assert.Equal(t, servers[0], h.Addr.String())
	assert.Equal(t, uint32(1), connPool.GetPoolInfo()[servers[2]].Failures)

	transport.SetDown(hostPorts[2], false)
	for _, want := range []string{servers[1], servers[2]} {
		h, err = connPool.Select()
		require.NoError(t, err)
		assert.Equal(t, want, h.Addr.String())
	}
	assert.Equal(t, uint32(0), connPool.GetPoolInfo()[servers[2]].Failures)
}

func TestDo_ReselectOnFailure(t *testing.T) {
	transport := test_helpers.NewFakeTransport()

	connPool, err := connection_pool.Connect(servers, newConnOpts(transport, nil))
	require.NoError(t, err)
	defer connPool.Close()

	transport.FailCommands(hostPorts[0], 1)
	require.NoError(t, connPool.Set("key", "value"))

	_, ok := transport.Value(hostPorts[1], "key")
	assert.True(t, ok)
	assert.Equal(t, servers[1], selected(connPool))
	assert.Equal(t, 1, transport.Commands(hostPorts[0]))
	assert.Equal(t, 1, transport.Commands(hostPorts[1]))
}

func TestDo_RetryBound(t *testing.T) {
	transport := test_helpers.NewFakeTransport()

	connPool, err := connection_pool.Connect(servers, newConnOpts(transport, nil))
	require.NoError(t, err)
	defer connPool.Close()

	for _, hp := range hostPorts {
		transport.FailCommands(hp, 5)
	}

	_, err = connPool.Do("SET", "key", "value")
	assert.True(t, resilient.IsCode(err, resilient.ErrCommandFailed), "unexpected error %v", err)

	total := 0
	for _, hp := range hostPorts {
		total += transport.Commands(hp)
	}
	assert.Equal(t, 2, total)
}

func TestDo_NoLiveNode(t *testing.T) {
	transport := test_helpers.NewFakeTransport()

	connPool, err := connection_pool.Connect(servers[:2], newConnOpts(transport, nil))
	require.NoError(t, err)
	defer connPool.Close()

	errored := testutil.ToFloat64(resilient.NodeSelections.WithLabelValues("round_robin", resilient.ResultErrored))

	transport.SetDown(hostPorts[0], true)
	transport.SetDown(hostPorts[1], true)

	_, err = connPool.Get("key")
	assert.True(t, resilient.IsCode(err, resilient.ErrCommandFailed), "unexpected error %v", err)
	assert.True(t, resilient.IsCode(err, resilient.ErrNoLiveNode), "unexpected error %v", err)
	assert.Contains(t, err.Error(), servers[0])
	assert.Contains(t, err.Error(), servers[1])

	// The first attempt used the cached connection, the second one ran
	// a single selection pass.
	assert.Equal(t, errored+1, testutil.ToFloat64(resilient.NodeSelections.WithLabelValues("round_robin", resilient.ResultErrored)))

	// Nodes come back, the pool recovers without being rebuilt.
	transport.SetDown(hostPorts[1], false)
	_, err = connPool.Exists("key")
	require.NoError(t, err)
	assert.Equal(t, servers[1], selected(connPool))
}

func TestChecker(t *testing.T) {
	transport := test_helpers.NewFakeTransport()
	clock := test_helpers.NewFakeClock(time.Unix(0, 0))

	connPool, err := connection_pool.ConnectWithOpts(servers, newConnOpts(transport, clock),
		connection_pool.OptsPool{CheckTimeout: time.Second})
	require.NoError(t, err)
	defer connPool.Close()

	assert.Equal(t, 1, clock.ActiveTickers())
	assert.Equal(t, servers[0], selected(connPool))

	pings := transport.Pings(hostPorts[0])
	clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		return transport.Pings(hostPorts[0]) > pings
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, servers[0], selected(connPool))

	transport.FailPings(hostPorts[0], 1)
	clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		return selected(connPool) == servers[1]
	}, time.Second, 5*time.Millisecond)
}

func TestClose(t *testing.T) {
	defer leaktest.Check(t)()

	transport := test_helpers.NewFakeTransport()
	clock := test_helpers.NewFakeClock(time.Unix(0, 0))

	connPool, err := connection_pool.ConnectWithOpts(servers, newConnOpts(transport, clock),
		connection_pool.OptsPool{CheckTimeout: time.Second})
	require.NoError(t, err)

	require.NoError(t, connPool.Close())
	require.NoError(t, connPool.Close())
	assert.Equal(t, 0, clock.ActiveTickers())

	_, err = connPool.Do("PING")
	assert.True(t, resilient.IsCode(err, resilient.ErrClosed), "unexpected error %v", err)
	_, err = connPool.Active()
	assert.True(t, resilient.IsCode(err, resilient.ErrClosed), "unexpected error %v", err)

	// QUIT was sent to the selected node only.
	assert.Equal(t, 1, transport.Commands(hostPorts[0]))
	assert.Equal(t, 0, transport.Commands(hostPorts[1]))
}

func TestClose_DuringReselect(t *testing.T) {
	transport := test_helpers.NewFakeTransport()
	connOpts := newConnOpts(transport, nil)

	var connPool *connection_pool.ConnectionPool
	var armed int32
	connOpts.Transport = resilient.TransportFunc(func(ctx context.Context, addr resilient.Address) (resilient.Conn, error) {
		if addr.HostPort() == hostPorts[1] && atomic.CompareAndSwapInt32(&armed, 1, 0) {
			// The pool is closed while the next node is being opened.
			require.NoError(t, connPool.Close())
		}
		return transport.Open(ctx, addr)
	})

	var err error
	connPool, err = connection_pool.Connect(servers, connOpts)
	require.NoError(t, err)

	transport.FailCommands(hostPorts[0], 1)
	atomic.StoreInt32(&armed, 1)

	_, err = connPool.Do("SET", "key", "value")
	assert.True(t, resilient.IsCode(err, resilient.ErrClosed), "unexpected error %v", err)
	for _, hp := range hostPorts {
		assert.Equal(t, 0, transport.Live(hp), "session to %s left open", hp)
	}
	_, ok := transport.Value(hostPorts[1], "key")
	assert.False(t, ok)
}

func ExampleConnectWithOpts() {
	transport := test_helpers.NewFakeTransport()
	transport.SetLatency("replica-b:6379", 20*time.Millisecond)

	connPool, err := connection_pool.ConnectWithOpts(
		[]string{"redis://replica-a:6379/", "redis://replica-b:6379/"},
		resilient.Opts{Transport: transport},
		connection_pool.OptsPool{Policy: connection_pool.LowestLatency})
	if err != nil {
		fmt.Printf("Failed to connect: %s\n", err)
		return
	}
	defer connPool.Close()

	if err = connPool.Set("greeting", "hello"); err != nil {
		fmt.Printf("Failed to set: %s\n", err)
		return
	}
	v, _ := connPool.Get("greeting")
	fmt.Println(v)
	// Output: hello
}
