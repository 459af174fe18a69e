package sentinel_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	resilient "github.com/to6ka/go-resilient-redis"
	"github.com/to6ka/go-resilient-redis/sentinel"
	"github.com/to6ka/go-resilient-redis/test_helpers"
)

const masterX = "10.0.0.1:6379"
const masterY = "10.0.0.2:6379"

type switchRecorder struct {
	mutex    sync.Mutex
	switches [][2]string
}

func (r *switchRecorder) onSwitch(old, new sentinel.MasterRecord) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.switches = append(r.switches, [2]string{old.Addr.Host, new.Addr.HostPort()})
}

func (r *switchRecorder) get() [][2]string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([][2]string(nil), r.switches...)
}

func setMaster(transport *test_helpers.FakeTransport, master string) {
	for _, hp := range sentinelHostPorts {
		transport.SetMasterAddr(hp, masterName, master)
	}
}

func connect(t *testing.T, transport *test_helpers.FakeTransport, clock resilient.Clock, opts sentinel.OptsSentinel) *sentinel.Client {
	client, err := sentinel.Connect(sentinels, masterName, newConnOpts(transport, clock), opts)
	require.NoError(t, err)
	require.NotNil(t, client)
	return client
}

func TestConnect_IncorrectParams(t *testing.T) {
	transport := test_helpers.NewFakeTransport()
	connOpts := newConnOpts(transport, nil)

	client, err := sentinel.Connect(nil, masterName, connOpts, sentinel.OptsSentinel{})
	assert.Nil(t, client)
	assert.Equal(t, sentinel.ErrEmptyAddrs, err)

	client, err = sentinel.Connect(sentinels, "", connOpts, sentinel.OptsSentinel{})
	assert.Nil(t, client)
	assert.Equal(t, sentinel.ErrEmptyMasterName, err)

	client, err = sentinel.Connect(sentinels, masterName, connOpts, sentinel.OptsSentinel{CheckInterval: -time.Second})
	assert.Nil(t, client)
	assert.Equal(t, sentinel.ErrWrongCheckInterval, err)

	client, err = sentinel.Connect([]string{"sentinel0:26379"}, masterName, connOpts, sentinel.OptsSentinel{})
	assert.Nil(t, client)
	assert.True(t, resilient.IsCode(err, resilient.ErrConnectFailed), "unexpected error %v", err)
}

func TestConnect_ResolutionFailed(t *testing.T) {
	defer leaktest.Check(t)()

	transport := test_helpers.NewFakeTransport()
	clock := test_helpers.NewFakeClock(time.Unix(0, 0))

	client, err := sentinel.Connect(sentinels, masterName, newConnOpts(transport, clock), sentinel.OptsSentinel{})
	assert.Nil(t, client)
	assert.True(t, resilient.IsCode(err, resilient.ErrResolutionFailed), "unexpected error %v", err)
	assert.Equal(t, 0, clock.ActiveTickers())
}

func TestConnect_MasterDown(t *testing.T) {
	transport := test_helpers.NewFakeTransport()
	clock := test_helpers.NewFakeClock(time.Unix(0, 0))
	setMaster(transport, masterX)
	transport.SetDown(masterX, true)

	client, err := sentinel.Connect(sentinels, masterName, newConnOpts(transport, clock), sentinel.OptsSentinel{})
	assert.Nil(t, client)
	assert.True(t, resilient.IsCode(err, resilient.ErrConnectFailed), "unexpected error %v", err)
	assert.Equal(t, 0, clock.ActiveTickers())
}

func TestConnect(t *testing.T) {
	transport := test_helpers.NewFakeTransport()
	clock := test_helpers.NewFakeClock(time.Unix(100, 0))
	setMaster(transport, masterX)

	client := connect(t, transport, clock, sentinel.OptsSentinel{MasterPassword: "pw", DB: 1})
	defer client.Close()

	rec := client.Master()
	assert.Equal(t, "redis://:pw@10.0.0.1:6379/1", rec.Addr.String())
	assert.Equal(t, time.Unix(100, 0), rec.ResolvedAt)
	assert.Equal(t, sentinel.Idle, client.Monitor().State())
	assert.Equal(t, 1, clock.ActiveTickers())

	require.NoError(t, client.Set("key", "value"))
	v, ok := transport.Value(masterX, "key")
	assert.True(t, ok)
	assert.Equal(t, "value", v)

	h, err := client.Active()
	require.NoError(t, err)
	assert.Equal(t, rec.Addr, h.Addr)
}

func TestMonitor_Failover(t *testing.T) {
	transport := test_helpers.NewFakeTransport()
	clock := test_helpers.NewFakeClock(time.Unix(0, 0))
	setMaster(transport, masterX)

	switches := testutil.ToFloat64(resilient.MasterSwitches)
	recorder := &switchRecorder{}

	client := connect(t, transport, clock, sentinel.OptsSentinel{
		CheckInterval: time.Second,
		OnSwitch:      recorder.onSwitch,
	})
	defer client.Close()

	require.NoError(t, client.Set("before", "1"))
	assert.Equal(t, [][2]string{{"", masterX}}, recorder.get())

	setMaster(transport, masterY)
	clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		return len(recorder.get()) == 2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, masterY, client.Master().Addr.HostPort())
	assert.Equal(t, switches+1, testutil.ToFloat64(resilient.MasterSwitches))
	assert.Equal(t, [][2]string{{"", masterX}, {"10.0.0.1", masterY}}, recorder.get())

	commandsX := transport.Commands(masterX)
	for i := 0; i < 5; i++ {
		resp, err := client.Do("SET", "after", i)
		require.NoError(t, err)
		assert.Equal(t, masterY, resp.Addr.HostPort())
	}
	assert.Equal(t, commandsX, transport.Commands(masterX))

	_, ok := transport.Value(masterX, "after")
	assert.False(t, ok)
	v, ok := transport.Value(masterY, "after")
	assert.True(t, ok)
	assert.Equal(t, "4", v)
}

func TestMonitor_SameMasterIsKept(t *testing.T) {
	transport := test_helpers.NewFakeTransport()
	clock := test_helpers.NewFakeClock(time.Unix(0, 0))
	setMaster(transport, masterX)

	client := connect(t, transport, clock, sentinel.OptsSentinel{})
	defer client.Close()

	h, err := client.Active()
	require.NoError(t, err)

	require.NoError(t, client.Monitor().Reconcile())
	require.NoError(t, client.Monitor().Reconcile())

	cur, err := client.Active()
	require.NoError(t, err)
	assert.Equal(t, h, cur)
	assert.Equal(t, 1, transport.Opens(masterX))
}

func TestMonitor_UnreachableMasterKeepsOld(t *testing.T) {
	transport := test_helpers.NewFakeTransport()
	clock := test_helpers.NewFakeClock(time.Unix(0, 0))
	setMaster(transport, masterX)

	client := connect(t, transport, clock, sentinel.OptsSentinel{})
	defer client.Close()

	setMaster(transport, masterY)
	transport.SetDown(masterY, true)

	err := client.Monitor().Reconcile()
	assert.True(t, resilient.IsCode(err, resilient.ErrConnectFailed), "unexpected error %v", err)
	assert.Equal(t, masterX, client.Master().Addr.HostPort())

	resp, err := client.Do("PING")
	require.NoError(t, err)
	assert.Equal(t, masterX, resp.Addr.HostPort())
}

func TestMonitor_ResolutionFailedKeepsOld(t *testing.T) {
	transport := test_helpers.NewFakeTransport()
	clock := test_helpers.NewFakeClock(time.Unix(0, 0))
	setMaster(transport, masterX)

	client := connect(t, transport, clock, sentinel.OptsSentinel{CheckInterval: time.Second})
	defer client.Close()

	failures := testutil.ToFloat64(resilient.ResolutionFailures)
	for _, hp := range sentinelHostPorts {
		transport.SetDown(hp, true)
	}

	err := client.Monitor().Reconcile()
	assert.True(t, resilient.IsCode(err, resilient.ErrResolutionFailed), "unexpected error %v", err)
	assert.Equal(t, failures+1, testutil.ToFloat64(resilient.ResolutionFailures))

	// The background loop swallows the same failure.
	clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(resilient.ResolutionFailures) == failures+2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, masterX, client.Master().Addr.HostPort())
	require.NoError(t, client.Set("key", "value"))
	_, ok := transport.Value(masterX, "key")
	assert.True(t, ok)
}

func TestClient_ReconnectTriggersResolution(t *testing.T) {
	transport := test_helpers.NewFakeTransport()
	clock := test_helpers.NewFakeClock(time.Unix(0, 0))
	setMaster(transport, masterX)

	client := connect(t, transport, clock, sentinel.OptsSentinel{CheckInterval: time.Hour})
	defer client.Close()

	// X dies and the sentinels promote Y, the tick is far away.
	transport.SetDown(masterX, true)
	setMaster(transport, masterY)

	_, err := client.Get("key")
	assert.Error(t, err)

	require.Eventually(t, func() bool {
		return client.Master().Addr.HostPort() == masterY
	}, time.Second, 5*time.Millisecond)

	resp, err := client.Do("PING")
	require.NoError(t, err)
	assert.Equal(t, masterY, resp.Addr.HostPort())
}

func TestClient_DoDuringFailover(t *testing.T) {
	transport := test_helpers.NewFakeTransport()
	clock := test_helpers.NewFakeClock(time.Unix(0, 0))
	setMaster(transport, masterX)

	client := connect(t, transport, clock, sentinel.OptsSentinel{CheckInterval: time.Hour})
	defer client.Close()

	var (
		mutex  sync.Mutex
		errs   []error
		served = map[string]int{}
	)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for n := 0; ; n++ {
				select {
				case <-stop:
					return
				default:
				}
				resp, err := client.Do("SET", fmt.Sprintf("key%d", i), n)
				mutex.Lock()
				if err != nil {
					errs = append(errs, err)
				} else {
					served[resp.Addr.HostPort()]++
				}
				mutex.Unlock()
			}
		}(i)
	}

	masters := []string{masterY, masterX}
	for i := 0; i < 20; i++ {
		setMaster(transport, masters[i%2])
		require.NoError(t, client.Monitor().Reconcile())
		time.Sleep(5 * time.Millisecond)
	}
	close(stop)
	wg.Wait()

	assert.Empty(t, errs)
	for hostport := range served {
		assert.Contains(t, []string{masterX, masterY}, hostport)
	}
	assert.NotZero(t, served[masterX])
	assert.NotZero(t, served[masterY])
	// Only the connection to the last published master is left.
	assert.Equal(t, 1, transport.Live(masterX))
	assert.Equal(t, 0, transport.Live(masterY))
}

func TestClose_DuringReconnect(t *testing.T) {
	transport := test_helpers.NewFakeTransport()
	clock := test_helpers.NewFakeClock(time.Unix(0, 0))
	setMaster(transport, masterX)

	var client *sentinel.Client
	var armed int32
	connOpts := newConnOpts(transport, clock)
	connOpts.Transport = resilient.TransportFunc(func(ctx context.Context, addr resilient.Address) (resilient.Conn, error) {
		if addr.HostPort() == masterX && atomic.CompareAndSwapInt32(&armed, 1, 0) {
			// The client is closed while the master is being reopened.
			require.NoError(t, client.Close())
		}
		return transport.Open(ctx, addr)
	})

	var err error
	client, err = sentinel.Connect(sentinels, masterName, connOpts, sentinel.OptsSentinel{CheckInterval: time.Hour})
	require.NoError(t, err)

	transport.FailCommands(masterX, 1)
	atomic.StoreInt32(&armed, 1)

	_, err = client.Do("SET", "key", "value")
	assert.True(t, resilient.IsCode(err, resilient.ErrClosed), "unexpected error %v", err)
	assert.Equal(t, sentinel.Stopped, client.Monitor().State())
	assert.Equal(t, 0, transport.Live(masterX))
	for _, hp := range sentinelHostPorts {
		assert.Equal(t, 0, transport.Live(hp), "session to %s left open", hp)
	}
	_, ok := transport.Value(masterX, "key")
	assert.False(t, ok)
}

func TestClose(t *testing.T) {
	defer leaktest.Check(t)()

	transport := test_helpers.NewFakeTransport()
	clock := test_helpers.NewFakeClock(time.Unix(0, 0))
	setMaster(transport, masterX)

	client := connect(t, transport, clock, sentinel.OptsSentinel{CheckInterval: time.Second})

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	assert.Equal(t, 0, clock.ActiveTickers())
	assert.Equal(t, sentinel.Stopped, client.Monitor().State())

	_, err := client.Do("PING")
	assert.True(t, resilient.IsCode(err, resilient.ErrClosed), "unexpected error %v", err)
	_, err = client.Active()
	assert.True(t, resilient.IsCode(err, resilient.ErrClosed), "unexpected error %v", err)

	err = client.Monitor().Reconcile()
	assert.True(t, resilient.IsCode(err, resilient.ErrClosed), "unexpected error %v", err)

	// Ticks after close are ignored.
	setMaster(transport, masterY)
	clock.Advance(time.Second)
	assert.Equal(t, masterX, client.Master().Addr.HostPort())
	assert.Equal(t, 0, transport.Opens(masterY))
}
