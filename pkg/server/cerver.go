// Package server assembles the cerver: a TCP listener feeding an on-hold
// multiplexer guarded by the authentication gate, a main and an admin
// multiplexer for authenticated clients, the client registry and the
// dispatch layer.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/cerver/internal/logger"
	"github.com/marmos91/cerver/internal/ratelimiter"
	"github.com/marmos91/cerver/pkg/auth"
	"github.com/marmos91/cerver/pkg/connection"
	"github.com/marmos91/cerver/pkg/dispatch"
	"github.com/marmos91/cerver/pkg/events"
	"github.com/marmos91/cerver/pkg/metrics"
	"github.com/marmos91/cerver/pkg/multiplexer"
	"github.com/marmos91/cerver/pkg/packet"
	"github.com/marmos91/cerver/pkg/registry"
)

var (
	// ErrNotServing is returned by operations that need a running cerver.
	ErrNotServing = errors.New("cerver is not serving")

	// ErrInactive is the teardown reason of connections dropped by the
	// inactivity sweep.
	ErrInactive = errors.New("connection inactive")
)

const (
	tableOnHold = "on-hold"
	tableMain   = "main"
	tableAdmin  = "admin"
)

// Cerver is a TCP server speaking the cerver packet protocol.
//
// Architecture:
// An accept loop wraps every socket in a pooled connection.Connection, sends
// the welcome packet and registers the connection on the on-hold
// multiplexer, whose sink is the authentication gate. Once authenticated, a
// connection moves to the main (or admin) multiplexer and its packets flow to
// the dispatcher. Each multiplexer runs on its own goroutine; every
// connection has a reader goroutine feeding the multiplexer that owns it.
//
// Shutdown flow:
//  1. Context cancelled or Stop() called
//  2. Listener closed (no new connections)
//  3. Teardown packet sent to every client, work queue drained
//  4. Multiplexers stopped and every connection dropped
//  5. Wait for reader goroutines to exit (up to ShutdownTimeout)
//
// Thread safety:
// All methods are safe for concurrent use. Setters are meant to be called
// before Serve.
type Cerver struct {
	config   Config
	protocol packet.Protocol
	metrics  metrics.CerverMetrics

	pool     *connection.Pool
	registry *registry.Registry
	gate     *auth.Gate
	limiter  *ratelimiter.RateLimiter

	onHold *multiplexer.Multiplexer
	main   *multiplexer.Multiplexer
	admin  *multiplexer.Multiplexer

	dispatcher      *dispatch.Dispatcher
	adminDispatcher *dispatch.Dispatcher
	queue           *dispatch.WorkQueue

	events *events.Bus
	stats  *Stats

	// updates guards the update functions.
	updates        sync.RWMutex
	update         func(UpdateContext)
	updateInterval func(*Cerver)

	listenerMu sync.Mutex
	listener   net.Listener
	ready      chan struct{}

	serving      atomic.Bool
	startedAt    atomic.Int64
	loops        sync.WaitGroup
	cancelLoops  context.CancelFunc
	shutdownOnce sync.Once
	shutdown     chan struct{}
	stopped      chan struct{}
}

// UpdateContext is passed to the tick update function.
type UpdateContext struct {
	Cerver *Cerver

	// Delta is the time since the previous tick.
	Delta time.Duration
}

// New creates a Cerver with the specified configuration.
//
// The cerver is created in a stopped state. Register handlers and set the
// authenticator, then call Serve.
//
// Configuration:
//   - Zero values in config are replaced with sensible defaults
//   - Invalid configurations cause a panic (indicates programmer error)
//
// Parameters:
//   - config: Cerver configuration
//   - m: Optional metrics collector (nil for no metrics)
//
// Panics if config validation fails.
func New(config Config, m metrics.CerverMetrics) *Cerver {
	config.applyDefaults()
	if err := config.validate(); err != nil {
		panic(fmt.Sprintf("invalid cerver config: %v", err))
	}

	if m == nil {
		m = metrics.NewNoopCerverMetrics()
	}

	c := &Cerver{
		config:   config,
		protocol: packet.Protocol{ID: config.ProtocolID, Version: config.ProtocolVersion},
		metrics:  m,
		registry: registry.New(),
		limiter:  ratelimiter.New(config.AcceptRate, config.AcceptBurst),
		events:   events.NewBus(),
		stats:    newStats(),
		ready:    make(chan struct{}),
		shutdown: make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	c.pool = connection.NewPool(connection.Options{
		ReceiveBufferSize: config.ReceiveBufferSize,
		MaxPacketSize:     config.MaxPacketSize,
		WriteTimeout:      config.WriteTimeout,
		AuthTries:         config.Auth.MaxTries,
	})

	if config.Workers.Count > 0 {
		c.queue = dispatch.NewWorkQueue(config.Workers.Count, config.Workers.QueueSize)
		logger.Debug("Cerver work queue: workers=%d queue_size=%d", config.Workers.Count, config.Workers.QueueSize)
	}
	c.dispatcher = dispatch.New(c.queue)
	c.adminDispatcher = dispatch.New(c.queue)
	observe := func(t packet.Type, d time.Duration, err error) {
		c.metrics.RecordHandler(t.String(), d, err)
	}
	c.dispatcher.Observe(observe)
	c.adminDispatcher.Observe(observe)

	c.gate = auth.NewGate(auth.Config{
		Protocol:      c.protocol,
		MaxTries:      config.Auth.MaxTries,
		MaxBadPackets: config.Auth.MaxBadPackets,
		Sessions:      config.Auth.Sessions,
		CheckPackets:  config.CheckPackets,
		Timeout:       config.Auth.Timeout,
	}, c.registry, &gateHooks{c: c})

	c.onHold = c.newMultiplexer(tableOnHold, config.Tables.OnHold, false, c.gate)
	c.main = c.newMultiplexer(tableMain, config.Tables.Main, true,
		&clientSink{c: c, table: tableMain, dispatcher: c.dispatcher})
	c.admin = c.newMultiplexer(tableAdmin, config.Tables.Admin, false,
		&clientSink{c: c, table: tableAdmin, dispatcher: c.adminDispatcher, admin: true})

	return c
}

func (c *Cerver) newMultiplexer(name string, capacity int, growable bool, sink multiplexer.PacketSink) *multiplexer.Multiplexer {
	var m *multiplexer.Multiplexer
	m = multiplexer.New(multiplexer.Options{
		Name:        name,
		Capacity:    capacity,
		Growable:    growable,
		PollTimeout: c.config.PollTimeout,
		OnTick: func() {
			c.metrics.SetTableSize(name, m.Len())
		},
		Release: c.pool.Release,
	}, &observedSink{c: c, table: name, next: sink})
	return m
}

// SetAuthenticator sets the authenticator consulted by the gate.
func (c *Cerver) SetAuthenticator(a auth.Authenticator) {
	c.gate.SetAuthenticator(a)
}

// SetSessionGenerator replaces the session token generator.
func (c *Cerver) SetSessionGenerator(g auth.SessionGenerator) {
	c.gate.SetSessionGenerator(g)
}

// Handle registers h for packets of type t from main clients.
func (c *Cerver) Handle(t packet.Type, h dispatch.Handler, mode dispatch.Mode, opts ...dispatch.Option) error {
	return c.dispatcher.Register(t, h, mode, opts...)
}

// HandleAdmin registers h for packets of type t from admin clients.
func (c *Cerver) HandleAdmin(t packet.Type, h dispatch.Handler, mode dispatch.Mode, opts ...dispatch.Option) error {
	return c.adminDispatcher.Register(t, h, mode, opts...)
}

// SetUpdate sets the function run Update.TicksPerSecond times per second.
func (c *Cerver) SetUpdate(fn func(UpdateContext)) {
	c.updates.Lock()
	defer c.updates.Unlock()
	c.update = fn
}

// SetUpdateInterval sets the function run every Update.Interval.
func (c *Cerver) SetUpdateInterval(fn func(*Cerver)) {
	c.updates.Lock()
	defer c.updates.Unlock()
	c.updateInterval = fn
}

// On subscribes h to cerver events and returns a function removing it.
func (c *Cerver) On(t events.Type, h events.Handler, opts ...events.Option) func() {
	return c.events.On(t, h, opts...)
}

// Protocol returns the protocol stamped on outbound packets.
func (c *Cerver) Protocol() packet.Protocol {
	return c.protocol
}

// Registry returns the client registry.
func (c *Cerver) Registry() *registry.Registry {
	return c.registry
}

// Serve listens on the configured port and blocks until the context is
// cancelled, Stop is called or the listener fails.
//
// Returns:
//   - nil on graceful shutdown
//   - error if the listener fails to start or shutdown is not graceful
//
// Thread safety:
// Serve() should only be called once per Cerver instance.
func (c *Cerver) Serve(ctx context.Context) error {
	if !c.serving.CompareAndSwap(false, true) {
		return fmt.Errorf("cerver %s: Serve called twice", c.config.Name)
	}
	defer close(c.stopped)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", c.config.Port))
	if err != nil {
		c.initiateShutdown()
		return fmt.Errorf("failed to create cerver listener on port %d: %w", c.config.Port, err)
	}
	c.listenerMu.Lock()
	c.listener = listener
	c.listenerMu.Unlock()
	select {
	case <-c.shutdown:
		// Stop ran before the listener existed.
		_ = listener.Close()
	default:
	}
	c.startedAt.Store(time.Now().UnixNano())

	logger.Info("Cerver %s listening on port %d", c.config.Name, c.Port())
	logger.Debug("Cerver config: auth=%v sessions=%v admin=%v check_packets=%v tables=%+v poll_timeout=%v",
		c.config.Auth.Enabled, c.config.Auth.Sessions, c.config.Admin.Enabled,
		c.config.CheckPackets, c.config.Tables, c.config.PollTimeout)

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancelLoops = cancel
	c.startLoops(loopCtx)

	go func() {
		select {
		case <-ctx.Done():
			logger.Info("Cerver shutdown signal received: %v", ctx.Err())
			c.initiateShutdown()
		case <-c.shutdown:
		}
	}()

	close(c.ready)
	c.events.Emit(events.Event{Type: events.Started})

	for {
		nc, err := listener.Accept()
		if err != nil {
			select {
			case <-c.shutdown:
				return c.gracefulShutdown()
			default:
				logger.Debug("Error accepting cerver connection: %v", err)
				continue
			}
		}

		if !c.limiter.Allow() {
			logger.Debug("Accept rate exceeded, refusing %s", nc.RemoteAddr())
			c.metrics.RecordConnectionRejected("rate_limited")
			c.stats.rejected.Add(1)
			_ = nc.Close()
			continue
		}
		c.accept(nc)
	}
}

func (c *Cerver) startLoops(ctx context.Context) {
	for _, m := range []*multiplexer.Multiplexer{c.onHold, c.main, c.admin} {
		c.loops.Add(1)
		go func(m *multiplexer.Multiplexer) {
			defer c.loops.Done()
			if err := m.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Multiplexer %s stopped: %v", m.Name(), err)
			}
		}(m)
	}

	maintenance := []func(context.Context){c.updateLoop, c.intervalLoop, c.inactiveLoop}
	if c.config.MetricsLogInterval > 0 {
		maintenance = append(maintenance, c.logMetrics)
	}
	for _, task := range maintenance {
		c.loops.Add(1)
		go func(task func(context.Context)) {
			defer c.loops.Done()
			task(ctx)
		}(task)
	}
}

// accept sends the welcome packet and places nc on the on-hold table, or on
// the main table when authentication is off.
func (c *Cerver) accept(nc net.Conn) {
	conn := c.pool.Acquire(nc)
	c.metrics.RecordConnectionAccepted()
	c.stats.accepted.Add(1)
	logger.Debug("Cerver connection accepted from %s", conn.Peer())

	if err := c.sendInfo(conn); err != nil {
		logger.Debug("Failed to send welcome to %s: %v", conn, err)
		c.pool.Release(conn)
		return
	}

	if !c.config.Auth.Enabled {
		cl := c.registry.NewClient("")
		if err := c.attach(conn, cl, c.main, connection.StateMain); err != nil {
			logger.Warn("Failed to register %s: %v", conn, err)
			c.pool.Release(conn)
			return
		}
		conn.StartReader()
		c.events.Emit(events.Event{Type: events.ClientConnected, Conn: conn, Client: cl})
		return
	}

	conn.SetState(connection.StateOnHold)
	if _, err := c.onHold.Register(conn); err != nil {
		c.reject(conn, err)
		return
	}
	conn.StartReader()

	request := c.protocol.New(packet.TypeAuth, packet.RequestAuthClient, nil)
	if err := conn.Send(request); err != nil {
		logger.Debug("Failed to request auth from %s: %v", conn, err)
	}
	c.events.Emit(events.Event{Type: events.OnHoldConnected, Conn: conn})
}

// reject tells the peer why it was refused and releases the connection.
func (c *Cerver) reject(conn *connection.Connection, reason error) {
	logger.Info("Rejecting %s: %v", conn, reason)
	if errors.Is(reason, multiplexer.ErrTableFull) {
		c.metrics.RecordConnectionRejected("table_full")
		c.sendError(conn, packet.ErrTableFull, reason.Error())
	}
	c.stats.rejected.Add(1)
	c.pool.Release(conn)
}

// attach registers conn for cl and places it on m.
func (c *Cerver) attach(conn *connection.Connection, cl *connection.Client, m *multiplexer.Multiplexer, state connection.State) error {
	conn.SetState(state)
	if err := c.registry.Register(cl, conn); err != nil {
		return err
	}
	if _, err := m.Register(conn); err != nil {
		_, _, _ = c.registry.Unregister(conn.Handle())
		return err
	}
	c.metrics.SetClients(c.registry.ClientCount())
	return nil
}

func (c *Cerver) sendInfo(conn *connection.Connection) error {
	info := packet.Info{
		Name:         c.config.Name,
		Welcome:      c.config.Welcome,
		AuthRequired: c.config.Auth.Enabled,
		UseSessions:  c.config.Auth.Sessions,
	}
	p := c.protocol.New(packet.TypeCerver, packet.RequestCerverInfo, info.Encode())
	defer p.Release()
	return conn.Send(p)
}

func (c *Cerver) sendError(conn *connection.Connection, t packet.ErrorType, msg string) {
	p := c.protocol.New(packet.TypeError, 0, packet.ErrorPayload{Type: t, Message: msg}.Encode())
	defer p.Release()
	if err := conn.Send(p); err != nil {
		logger.Debug("Failed to send %s error to %s: %v", t, conn, err)
	}
}

// multiplexerFor returns the multiplexer matching the connection state.
func (c *Cerver) multiplexerFor(conn *connection.Connection) *multiplexer.Multiplexer {
	switch conn.State() {
	case connection.StateOnHold:
		return c.onHold
	case connection.StateAdmin:
		return c.admin
	default:
		return c.main
	}
}

// CloseConnection tears down a single connection. The client survives while
// it has other connections. It is safe to call from handlers, update
// functions and event handlers: the teardown runs on the goroutine of the
// table holding conn.
func (c *Cerver) CloseConnection(conn *connection.Connection) error {
	return c.multiplexerFor(conn).Evict(conn, nil)
}

// DisconnectClient tears down every connection of the client with id. Like
// CloseConnection it may be called from any goroutine.
func (c *Cerver) DisconnectClient(id uint64) error {
	cl, ok := c.registry.ClientByID(id)
	if !ok {
		return fmt.Errorf("client %d: %w", id, registry.ErrNotFound)
	}
	var errs []error
	for _, conn := range cl.Connections() {
		if err := c.CloseConnection(conn); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Broadcast sends p to every connection on the main table and returns the
// number of successful sends. The caller keeps ownership of p.
func (c *Cerver) Broadcast(p *packet.Packet) int {
	sent := 0
	for _, conn := range c.main.Connections() {
		if err := conn.Send(p); err != nil {
			logger.Debug("Broadcast to %s failed: %v", conn, err)
			continue
		}
		sent++
	}
	return sent
}

// SendToClient sends p on every connection of the client with id. The caller
// keeps ownership of p.
func (c *Cerver) SendToClient(id uint64, p *packet.Packet) error {
	cl, ok := c.registry.ClientByID(id)
	if !ok {
		return fmt.Errorf("client %d: %w", id, registry.ErrNotFound)
	}
	return cl.Send(p)
}

// initiateShutdown signals the cerver to begin graceful shutdown. It is
// safe to call multiple times.
func (c *Cerver) initiateShutdown() {
	c.shutdownOnce.Do(func() {
		logger.Debug("Cerver shutdown initiated")
		close(c.shutdown)

		c.listenerMu.Lock()
		defer c.listenerMu.Unlock()
		if c.listener != nil {
			if err := c.listener.Close(); err != nil {
				logger.Debug("Error closing cerver listener: %v", err)
			}
		}
	})
}

// gracefulShutdown tears every subsystem down in order.
//
// Shutdown Flow:
//  1. Teardown packet to every main and admin connection
//  2. Work queue drained (queued handlers finish)
//  3. Multiplexer and maintenance goroutines stopped
//  4. Every connection dropped with multiplexer.ErrShutdown
//  5. Wait for reader goroutines to exit and receive buffers to be returned
//
// Returns an error if the work queue or the readers exceeded
// ShutdownTimeout.
func (c *Cerver) gracefulShutdown() error {
	logger.Info("Cerver graceful shutdown: %d client(s), %d on-hold connection(s) (timeout: %v)",
		c.registry.ClientCount(), c.onHold.Len(), c.config.ShutdownTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), c.config.ShutdownTimeout)
	defer cancel()

	c.events.Emit(events.Event{Type: events.Teardown})

	teardown := c.protocol.New(packet.TypeCerver, packet.RequestCerverTeardown, nil)
	for _, m := range []*multiplexer.Multiplexer{c.main, c.admin} {
		for _, conn := range m.Connections() {
			_ = conn.Send(teardown)
		}
	}
	teardown.Release()

	var errs []error
	if c.queue != nil {
		if err := c.queue.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("work queue drain: %w", err))
		}
	}

	c.cancelLoops()
	c.loops.Wait()

	dropped := 0
	for _, m := range []*multiplexer.Multiplexer{c.onHold, c.main, c.admin} {
		dropped += m.DropAll()
	}
	logger.Debug("Cerver dropped %d connection(s) at shutdown", dropped)

	recycled := make(chan struct{})
	go func() {
		c.pool.Wait()
		close(recycled)
	}()

	select {
	case <-recycled:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("cerver shutdown timeout: %d connection(s) still live", c.pool.Live()))
	}

	c.events.Wait()

	if err := errors.Join(errs...); err != nil {
		logger.Warn("Cerver shutdown was not graceful: %v", err)
		return err
	}
	logger.Info("Cerver graceful shutdown complete")
	return nil
}

// Stop initiates graceful shutdown and waits for Serve to return or ctx to
// expire. Stop is safe to call multiple times and concurrently with Serve.
func (c *Cerver) Stop(ctx context.Context) error {
	c.initiateShutdown()
	if !c.serving.Load() {
		return nil
	}

	select {
	case <-c.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready is closed once Serve is accepting connections.
func (c *Cerver) Ready() <-chan struct{} {
	return c.ready
}

// Healthy returns nil while the cerver accepts connections.
func (c *Cerver) Healthy() error {
	select {
	case <-c.shutdown:
		return ErrNotServing
	default:
	}
	select {
	case <-c.ready:
		return nil
	default:
		return ErrNotServing
	}
}

// Port returns the TCP port the cerver is listening on, or the configured
// port before Serve.
func (c *Cerver) Port() int {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	if c.listener != nil {
		if addr, ok := c.listener.Addr().(*net.TCPAddr); ok {
			return addr.Port
		}
	}
	return c.config.Port
}
