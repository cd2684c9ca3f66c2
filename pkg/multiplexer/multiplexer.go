// Package multiplexer watches a bounded set of connections and turns their
// reads into packets for a PacketSink.
//
// One Multiplexer type serves every role of a cerver: the main instance
// (authenticated clients, growable table), the on-hold instance (pending
// authentication, fixed table) and the admin instance (privileged clients,
// fixed table). The roles differ only in Options and in the sink.
//
// Each connection has a reader goroutine that posts every chunk it reads to
// the multiplexer owning the connection and waits until the chunk has been
// processed. All reassembly and sink calls for a multiplexer therefore run on
// its single Run goroutine, packets of one connection are delivered in wire
// order, and a connection moved to another multiplexer mid-buffer has its
// remaining packets forwarded to the new owner.
package multiplexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/cerver/internal/logger"
	"github.com/marmos91/cerver/pkg/connection"
	"github.com/marmos91/cerver/pkg/packet"
)

var (
	// ErrAlreadyRunning is returned when Run is called twice.
	ErrAlreadyRunning = errors.New("multiplexer already running")

	// ErrStopped is returned when work is submitted to a stopped multiplexer.
	ErrStopped = errors.New("multiplexer stopped")

	// ErrShutdown is the teardown reason for connections dropped by DropAll.
	ErrShutdown = errors.New("multiplexer shutdown")
)

// PacketSink consumes what a multiplexer produces.
//
// All methods are called from the multiplexer's Run goroutine, except
// Closed, which Drop and DropAll may call once Run has returned. Code running
// elsewhere tears connections down with Evict.
type PacketSink interface {
	// Deliver hands over a complete packet. The sink owns p.
	Deliver(conn *connection.Connection, p *packet.Packet)

	// Malformed reports a read whose remaining bytes were discarded.
	Malformed(conn *connection.Connection, err error)

	// Closed reports that conn left the table for good. reason is nil for
	// an orderly close requested by the application.
	Closed(conn *connection.Connection, reason error)
}

// Options configures a Multiplexer.
type Options struct {
	// Name is used in logs ("main", "on-hold", "admin").
	Name string

	// Capacity is the initial number of table slots.
	Capacity int

	// Growable lets the table double when full instead of rejecting.
	Growable bool

	// PollTimeout is the liveness tick interval. It also bounds how long Run
	// takes to notice Stop when idle.
	PollTimeout time.Duration

	// OnTick runs on the Run goroutine at every tick.
	OnTick func()

	// Release disposes of a torn down connection. Defaults to closing it.
	Release func(*connection.Connection)
}

type event struct {
	conn    *connection.Connection
	data    []byte
	packets []*packet.Packet
	bad     error
	hangup  bool
	err     error
	fn      func()
	ack     chan struct{}
}

// Multiplexer owns a Table and the goroutine that processes its events.
type Multiplexer struct {
	opts Options
	sink PacketSink

	mu    sync.Mutex
	table *Table

	events   chan event
	done     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// New creates a stopped multiplexer. Call Run to start processing.
func New(opts Options, sink PacketSink) *Multiplexer {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 2 * time.Second
	}
	if opts.Release == nil {
		opts.Release = func(c *connection.Connection) { _ = c.Close() }
	}
	return &Multiplexer{
		opts:   opts,
		sink:   sink,
		table:  NewTable(opts.Capacity, opts.Growable),
		events: make(chan event),
		done:   make(chan struct{}),
	}
}

func (m *Multiplexer) Name() string { return m.opts.Name }

// Register adds c to the table and makes this multiplexer its owner.
//
// Returns ErrTableFull when a fixed table has no free slot.
func (m *Multiplexer) Register(c *connection.Connection) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot, err := m.table.Insert(c)
	if err != nil {
		return -1, fmt.Errorf("%s: %w", m.opts.Name, err)
	}
	c.SetOwner(m)
	return slot, nil
}

// Unregister removes the connection with handle h without closing it, so it
// can be registered elsewhere.
func (m *Multiplexer) Unregister(h connection.Handle) (*connection.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.table.Remove(h)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.opts.Name, err)
	}
	if c.Owner() == connection.Owner(m) {
		c.SetOwner(nil)
	}
	return c, nil
}

// Drop tears c down: it leaves the table, the sink is told, and the
// connection is released. Dropping a connection that is not registered
// returns ErrNotFound and does nothing else.
//
// Drop must run on the Run goroutine, for example from a sink method or a Do
// function, or after Run has returned.
func (m *Multiplexer) Drop(c *connection.Connection, reason error) error {
	if _, err := m.Unregister(c.Handle()); err != nil {
		return err
	}
	m.sink.Closed(c, reason)
	m.opts.Release(c)
	return nil
}

// Evict is Drop for callers outside the Run goroutine. The teardown is posted
// to Run, so it never overlaps a sink call for the same connection. Before Run
// starts and after it stops, Evict drops directly.
//
// Calling Evict from this multiplexer's own Run goroutine deadlocks.
func (m *Multiplexer) Evict(c *connection.Connection, reason error) error {
	if !m.running.Load() {
		return m.Drop(c, reason)
	}
	var err error
	if perr := m.Do(func() { err = m.Drop(c, reason) }); perr != nil {
		return m.Drop(c, reason)
	}
	return err
}

// DropAll tears down every registered connection with ErrShutdown.
func (m *Multiplexer) DropAll() int {
	conns := m.Connections()
	for _, c := range conns {
		_ = m.Drop(c, ErrShutdown)
	}
	return len(conns)
}

// Lookup returns the registered connection with handle h.
func (m *Multiplexer) Lookup(h connection.Handle) (*connection.Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table.Lookup(h)
}

// Connections returns a snapshot of the registered connections.
func (m *Multiplexer) Connections() []*connection.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table.Connections()
}

// Len returns the number of registered connections.
func (m *Multiplexer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table.Len()
}

// Cap returns the current table capacity.
func (m *Multiplexer) Cap() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table.Cap()
}

// Readable implements connection.Owner. It blocks until data has been
// reassembled and delivered.
func (m *Multiplexer) Readable(c *connection.Connection, data []byte) bool {
	return m.post(event{conn: c, data: data})
}

// Hangup implements connection.Owner.
func (m *Multiplexer) Hangup(c *connection.Connection, err error) {
	m.post(event{conn: c, hangup: true, err: err})
}

// Do runs fn on the Run goroutine and waits for it to finish.
func (m *Multiplexer) Do(fn func()) error {
	if !m.post(event{fn: fn}) {
		return ErrStopped
	}
	return nil
}

func (m *Multiplexer) post(ev event) bool {
	select {
	case <-m.done:
		return false
	default:
	}

	ev.ack = make(chan struct{})
	select {
	case m.events <- ev:
	case <-m.done:
		return false
	}
	select {
	case <-ev.ack:
		return true
	case <-m.done:
		return false
	}
}

// Run processes events until ctx is cancelled or Stop is called.
//
// Returns nil on Stop, the context error on cancellation and
// ErrAlreadyRunning if Run is already active.
func (m *Multiplexer) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer m.Stop()

	logger.Debug("Multiplexer %s running (capacity=%d growable=%v poll_timeout=%v)",
		m.opts.Name, m.Cap(), m.opts.Growable, m.opts.PollTimeout)

	ticker := time.NewTicker(m.opts.PollTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return nil
		case ev := <-m.events:
			m.handle(ev)
			close(ev.ack)
		case <-ticker.C:
			if m.opts.OnTick != nil {
				m.opts.OnTick()
			}
		}
	}
}

// Stop makes Run return and releases every reader blocked on this
// multiplexer. Registered connections stay registered; see DropAll.
func (m *Multiplexer) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
	})
}

// Done is closed once the multiplexer stopped.
func (m *Multiplexer) Done() <-chan struct{} {
	return m.done
}

func (m *Multiplexer) handle(ev event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic in %s multiplexer: %v", m.opts.Name, r)
		}
	}()

	if ev.fn != nil {
		ev.fn()
		return
	}

	c := ev.conn
	if cur, ok := m.Lookup(c.Handle()); !ok || cur != c {
		for _, p := range ev.packets {
			p.Release()
		}
		return
	}

	switch {
	case ev.hangup:
		_ = m.Drop(c, ev.err)

	case ev.packets != nil:
		m.deliverAll(c, ev.packets)

	case ev.bad != nil:
		m.malformed(c, ev.bad)

	default:
		var pkts []*packet.Packet
		err := c.Reassembler.Feed(ev.data, func(p *packet.Packet) {
			pkts = append(pkts, p)
		})
		m.deliverAll(c, pkts)
		if err != nil {
			m.malformed(c, err)
		}
	}
}

// deliverAll hands pkts to the sink in order, following the connection if
// the sink moved it to another multiplexer and discarding the rest if the
// sink dropped it.
func (m *Multiplexer) deliverAll(c *connection.Connection, pkts []*packet.Packet) {
	for i, p := range pkts {
		owner := c.Owner()
		switch {
		case owner == connection.Owner(m):
			m.sink.Deliver(c, p)

		case owner != nil:
			if next, ok := owner.(*Multiplexer); ok {
				next.forward(c, pkts[i:])
				return
			}
			releaseAll(pkts[i:])
			return

		default:
			releaseAll(pkts[i:])
			return
		}
	}
}

func (m *Multiplexer) forward(c *connection.Connection, pkts []*packet.Packet) {
	if !m.post(event{conn: c, packets: pkts}) {
		releaseAll(pkts)
	}
}

// malformed reports err to the sink of the current owner, on that owner's
// Run goroutine.
func (m *Multiplexer) malformed(c *connection.Connection, err error) {
	owner := c.Owner()
	if owner == connection.Owner(m) {
		m.sink.Malformed(c, err)
		return
	}
	if next, ok := owner.(*Multiplexer); ok {
		next.post(event{conn: c, bad: err})
	}
}

func releaseAll(pkts []*packet.Packet) {
	for _, p := range pkts {
		p.Release()
	}
}
