package sentinel

import (
	"sync"
	"sync/atomic"
	"time"

	resilient "github.com/to6ka/go-resilient-redis"
)

// State of a Monitor.
type State uint32

const (
	// Idle waits for the next tick.
	Idle State = iota
	// Reconciling resolves the master and possibly swaps the connection.
	Reconciling
	// Stopped is terminal.
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Reconciling:
		return "reconciling"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// MasterRecord is the last published master.
type MasterRecord struct {
	Addr       resilient.Address
	ResolvedAt time.Time
}

// Monitor periodically resolves the master and publishes a connection to
// it in the slot whenever the address changes.
//
// The new connection is opened and probed before the slot is locked; the
// critical section only replaces the handle and the record together, so
// readers see either the old pair or the new one.
type Monitor struct {
	resolver *Resolver
	name     string
	interval time.Duration
	opts     resilient.Opts
	onSwitch func(old, new MasterRecord)

	slot *resilient.Slot
	// record is guarded by the slot mutex.
	record MasterRecord

	state    uint32
	started  uint32
	trigger  chan struct{}
	control  chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newMonitor(resolver *Resolver, name string, connOpts resilient.Opts, opts OptsSentinel) *Monitor {
	m := &Monitor{
		resolver: resolver,
		name:     name,
		interval: opts.CheckInterval,
		opts:     connOpts,
		onSwitch: opts.OnSwitch,
		trigger:  make(chan struct{}, 1),
		control:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	m.slot = resilient.NewGuardedSlot(connOpts, m.isCurrent)
	return m
}

// isCurrent runs under the slot mutex. A stopped monitor accepts nothing.
func (m *Monitor) isCurrent(h *resilient.Handle) bool {
	return m.State() != Stopped && h.Addr == m.record.Addr
}

// State returns the current state.
func (m *Monitor) State() State {
	return State(atomic.LoadUint32(&m.state))
}

// Record returns the last published master.
func (m *Monitor) Record() MasterRecord {
	var rec MasterRecord
	m.slot.View(func(*resilient.Handle) {
		rec = m.record
	})
	return rec
}

// Start launches the background loop. The ticker is created before
// returning.
func (m *Monitor) Start() {
	if !atomic.CompareAndSwapUint32(&m.started, 0, 1) {
		return
	}
	ticker := m.opts.Clock.NewTicker(m.interval)
	go m.loop(ticker)
}

// Trigger asks for a reconciliation before the next tick. It never blocks.
func (m *Monitor) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Stop terminates the loop and waits for it. Safe to call many times.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		atomic.StoreUint32(&m.state, uint32(Stopped))
		close(m.control)
		if atomic.LoadUint32(&m.started) == 1 {
			<-m.done
		}
	})
}

func (m *Monitor) loop(ticker resilient.Ticker) {
	defer close(m.done)
	defer ticker.Stop()

	for {
		select {
		case <-m.control:
			return
		case <-ticker.C():
		case <-m.trigger:
		}

		// The stop signal wins over a pending tick.
		select {
		case <-m.control:
			return
		default:
		}
		m.Reconcile()
	}
}

// Reconcile runs one resolution pass. Errors are logged and returned,
// the published connection is left untouched on any error.
func (m *Monitor) Reconcile() error {
	if !atomic.CompareAndSwapUint32(&m.state, uint32(Idle), uint32(Reconciling)) {
		if m.State() == Stopped {
			return resilient.NewClientError(resilient.ErrClosed, resilient.Address{}, nil)
		}
		return nil
	}
	defer atomic.CompareAndSwapUint32(&m.state, uint32(Reconciling), uint32(Idle))

	addr, err := m.resolver.Resolve(m.name)
	if err != nil {
		resilient.ResolutionFailures.Inc()
		m.opts.Logger.Warnf("keeping %s: %s", m.Record().Addr.Redacted(), err)
		return err
	}

	if addr == m.Record().Addr && m.slot.Load() != nil {
		return nil
	}

	h, err := resilient.Dial(addr, m.opts)
	if err != nil {
		m.opts.Logger.Warnf("master %s resolved but not reachable: %s", addr.Redacted(), err)
		return err
	}

	rec := MasterRecord{Addr: addr, ResolvedAt: m.opts.Clock.Now()}
	var prev MasterRecord
	published := false
	old := m.slot.Update(func(cur *resilient.Handle) *resilient.Handle {
		if m.State() == Stopped {
			return cur
		}
		prev = m.record
		m.record = rec
		published = true
		return h
	})

	if !published {
		h.Shutdown(false)
		return resilient.NewClientError(resilient.ErrClosed, resilient.Address{}, nil)
	}
	if old != nil {
		old.Shutdown(false)
	}

	if prev.Addr != addr {
		if prev.Addr.Host != "" {
			resilient.MasterSwitches.Inc()
		}
		if prev.Addr.Host == "" {
			m.opts.Logger.Infof("master of %q is %s", m.name, addr.Redacted())
		} else {
			m.opts.Logger.Infof("master of %q is now %s (was %s)", m.name, addr.Redacted(), prev.Addr.Redacted())
		}
		if m.onSwitch != nil {
			m.onSwitch(prev, rec)
		}
	}
	return nil
}
