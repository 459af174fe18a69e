package resilient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxAttempts is the number of times a command is sent before giving up:
// the first try plus one retry after a reconnect.
const MaxAttempts = 2

var errStaleHandle = errors.New("connection target changed while connecting")

// Handle is an opened and probed connection bound to one address.
// It is never mutated once published; replacing a connection means
// replacing the whole handle.
type Handle struct {
	ID       uuid.UUID
	Addr     Address
	Conn     Conn
	OpenedAt time.Time
	// Latency of the probe that validated the connection.
	Latency time.Duration

	opts Opts
}

// Dial opens a connection to addr and probes it. Any failure is returned
// as ErrConnectFailed.
func Dial(addr Address, opts Opts) (*Handle, error) {
	opts = opts.normalize()

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	conn, err := opts.Transport.Open(ctx, addr)
	if err != nil {
		ConnectionsOpened.WithLabelValues(ResultErrored).Inc()
		return nil, NewClientError(ErrConnectFailed, addr, err)
	}

	start := opts.Clock.Now()
	if err = conn.Ping(ctx); err != nil {
		conn.Close()
		ConnectionsOpened.WithLabelValues(ResultErrored).Inc()
		return nil, NewClientError(ErrConnectFailed, addr, err)
	}
	now := opts.Clock.Now()

	h := &Handle{
		ID:       uuid.New(),
		Addr:     addr,
		Conn:     conn,
		OpenedAt: now,
		Latency:  now.Sub(start),
		opts:     opts,
	}
	ConnectionsOpened.WithLabelValues(ResultSuccess).Inc()
	ProbeLatency.Observe(h.Latency.Seconds())
	opts.Logger.WithFields(handleFields(h)).Debugf("connection opened, probe took %s", h.Latency)
	return h, nil
}

// Probe checks that the connection is alive and returns the round trip
// time. Failures are returned as ErrUnreachable.
func (h *Handle) Probe() (time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.Timeout)
	defer cancel()

	start := h.opts.Clock.Now()
	if err := h.Conn.Ping(ctx); err != nil {
		return 0, NewClientError(ErrUnreachable, h.Addr, err)
	}
	latency := h.opts.Clock.Now().Sub(start)
	ProbeLatency.Observe(latency.Seconds())
	return latency, nil
}

// Do sends a single command, without any retry.
func (h *Handle) Do(name string, args ...interface{}) (interface{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.Timeout)
	defer cancel()

	return h.Conn.Do(ctx, name, args...)
}

// Shutdown closes the connection. When graceful is set a QUIT is sent
// first; its outcome is ignored.
func (h *Handle) Shutdown(graceful bool) {
	if graceful {
		ctx, cancel := context.WithTimeout(context.Background(), h.opts.Timeout)
		_, err := h.Conn.Do(ctx, "QUIT")
		cancel()
		if err != nil {
			h.opts.Logger.WithFields(handleFields(h)).Debugf("quit failed: %s", err)
		}
	}
	if err := h.Conn.Close(); err != nil {
		h.opts.Logger.WithFields(handleFields(h)).Debugf("close failed: %s", err)
	}
}

// Reconnect produces a fresh, probed handle for a slot.
type Reconnect func() (*Handle, error)

// Slot holds the active handle of a client. The mutex is only held to
// read or replace the pointer, never during network I/O.
type Slot struct {
	mutex  sync.RWMutex
	handle *Handle
	opts   Opts
	accept func(h *Handle) bool
}

func NewSlot(opts Opts) *Slot {
	return &Slot{opts: opts.normalize()}
}

// NewGuardedSlot returns a Slot where Acquire only installs handles
// accepted by accept. accept runs under the slot mutex and must not block.
func NewGuardedSlot(opts Opts, accept func(h *Handle) bool) *Slot {
	return &Slot{opts: opts.normalize(), accept: accept}
}

// Load returns the active handle or nil.
func (s *Slot) Load() *Handle {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.handle
}

// Swap publishes h and returns the previous handle.
func (s *Slot) Swap(h *Handle) *Handle {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	old := s.handle
	s.handle = h
	return old
}

// CompareAndSwap publishes h only if old is still the active handle.
func (s *Slot) CompareAndSwap(old, h *Handle) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.handle != old {
		return false
	}
	s.handle = h
	return true
}

// Update runs fn under the slot mutex and publishes the handle it returns.
// fn must not do any I/O. The previous handle is returned.
func (s *Slot) Update(fn func(cur *Handle) *Handle) *Handle {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	old := s.handle
	s.handle = fn(old)
	return old
}

// View runs fn under the read lock.
func (s *Slot) View(fn func(cur *Handle)) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	fn(s.handle)
}

// Drop removes h from the slot if it is still active and closes it.
func (s *Slot) Drop(h *Handle) {
	if h == nil {
		return
	}
	s.CompareAndSwap(h, nil)
	h.Shutdown(false)
}

// install publishes h if the slot is empty and h is accepted. Otherwise
// the active handle, possibly nil, is returned.
func (s *Slot) install(h *Handle) (bool, *Handle) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.handle != nil {
		return false, s.handle
	}
	if s.accept != nil && !s.accept(h) {
		return false, nil
	}
	s.handle = h
	return true, h
}

// Acquire returns the active handle, or opens one with reconnect when the
// slot is empty. The active handle is not probed.
func (s *Slot) Acquire(reconnect Reconnect) (*Handle, error) {
	for i := 0; i < MaxAttempts; i++ {
		if h := s.Load(); h != nil {
			return h, nil
		}

		h, err := reconnect()
		if err != nil {
			return nil, err
		}

		ok, cur := s.install(h)
		if ok {
			return h, nil
		}
		// Somebody else connected in the meantime, or the handle went
		// stale while it was being opened.
		h.Shutdown(false)
		if cur != nil {
			return cur, nil
		}
		s.opts.Logger.WithFields(handleFields(h)).Debugf("stale connection discarded")
	}
	return nil, NewClientError(ErrConnectFailed, Address{}, errStaleHandle)
}

// Exec sends a command on the active handle. If it fails for any reason
// but an error reply, the handle is dropped, a new one is acquired with
// reconnect and the command is sent once more. A command is never sent
// more than MaxAttempts times.
//
// Every failure is returned as ErrCommandFailed. When the last attempt
// could not get a connection, the ClientError of reconnect is its Err.
func (s *Slot) Exec(reconnect Reconnect, name string, args ...interface{}) (*Response, error) {
	var lastErr error
	var lastAddr Address

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		if attempt > 1 {
			CommandRetries.Inc()
		}

		h, err := s.Acquire(reconnect)
		if err != nil {
			lastErr = err
			lastAddr = Address{}
			s.opts.Logger.Warnf("attempt %d of %s: %s", attempt, name, err)
			continue
		}

		data, err := h.Do(name, args...)
		if err == nil {
			return &Response{Addr: h.Addr, Attempts: attempt, Data: data}, nil
		}
		if IsReplyError(err) {
			CommandFailures.Inc()
			return nil, NewClientError(ErrCommandFailed, h.Addr, err)
		}

		lastErr = err
		lastAddr = h.Addr
		s.opts.Logger.WithFields(handleFields(h)).Warnf("attempt %d of %s failed: %s", attempt, name, err)
		s.Drop(h)
	}

	CommandFailures.Inc()
	return nil, NewClientError(ErrCommandFailed, lastAddr, lastErr)
}

// Close empties the slot and shuts the handle down gracefully.
func (s *Slot) Close() {
	if h := s.Swap(nil); h != nil {
		h.Shutdown(true)
	}
}
