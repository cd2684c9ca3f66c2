// Package dispatch routes completed packets to application handlers, either
// inline on the multiplexer goroutine or through a WorkQueue.
package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/cerver/internal/logger"
	"github.com/marmos91/cerver/pkg/connection"
	"github.com/marmos91/cerver/pkg/packet"
)

var (
	// ErrNoHandler is returned by Dispatch for a packet type nobody handles.
	ErrNoHandler = errors.New("no handler registered")

	// ErrNoQueue is returned when registering a queued handler on a
	// dispatcher without a work queue.
	ErrNoQueue = errors.New("queued handler needs a work queue")

	// ErrHandlerPanic is recorded as the error of a handler that panicked.
	ErrHandlerPanic = errors.New("handler panicked")
)

// Request is what a handler receives for one packet.
type Request struct {
	Conn   *connection.Connection
	Client *connection.Client
	Packet *packet.Packet
}

// Handler processes one request. Unless the handler was registered with
// KeepPacket, the packet is released when Handle returns.
type Handler interface {
	Handle(req *Request) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(req *Request) error

func (f HandlerFunc) Handle(req *Request) error { return f(req) }

// Mode selects where a handler runs.
type Mode int

const (
	// ModeInline runs the handler on the multiplexer goroutine.
	ModeInline Mode = iota

	// ModeQueued pushes the handler onto the work queue.
	ModeQueued
)

func (m Mode) String() string {
	switch m {
	case ModeInline:
		return "inline"
	case ModeQueued:
		return "queued"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Option customizes a registration.
type Option func(*route)

// KeepPacket hands packet ownership to the handler, which must Release it.
func KeepPacket() Option {
	return func(r *route) { r.keep = true }
}

type route struct {
	handler Handler
	mode    Mode
	keep    bool
}

// Dispatcher holds one registration per packet type.
type Dispatcher struct {
	mu      sync.RWMutex
	routes  map[packet.Type]route
	queue   *WorkQueue
	latency *Latency
	observe func(t packet.Type, d time.Duration, err error)
}

// New creates a dispatcher. queue may be nil when no handler is queued.
func New(queue *WorkQueue) *Dispatcher {
	return &Dispatcher{
		routes:  make(map[packet.Type]route),
		queue:   queue,
		latency: NewLatency(),
	}
}

// Observe sets a callback run after every handler, e.g. to export metrics.
// Call it before dispatching.
func (d *Dispatcher) Observe(fn func(t packet.Type, d time.Duration, err error)) {
	d.observe = fn
}

// Register installs h for packets of type t, replacing any previous
// registration.
func (d *Dispatcher) Register(t packet.Type, h Handler, mode Mode, opts ...Option) error {
	if mode == ModeQueued && d.queue == nil {
		return fmt.Errorf("%s: %w", t, ErrNoQueue)
	}
	r := route{handler: h, mode: mode}
	for _, opt := range opts {
		opt(&r)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes[t] = r
	return nil
}

// Handles reports whether a handler is registered for t.
func (d *Dispatcher) Handles(t packet.Type) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.routes[t]
	return ok
}

// Dispatch hands req to the handler registered for its packet type. When no
// handler runs, the packet is released and an error is returned.
func (d *Dispatcher) Dispatch(req *Request) error {
	t := req.Packet.Header.Type

	d.mu.RLock()
	r, ok := d.routes[t]
	d.mu.RUnlock()

	if !ok {
		req.Packet.Release()
		return fmt.Errorf("%s: %w", t, ErrNoHandler)
	}

	if r.mode == ModeInline {
		d.run(r, req)
		return nil
	}

	if err := d.queue.Push(func() { d.run(r, req) }); err != nil {
		req.Packet.Release()
		return err
	}
	return nil
}

func (d *Dispatcher) run(r route, req *Request) {
	start := time.Now()
	var err error

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Panic in %s handler for %s: %v", req.Packet.Header.Type, req.Conn, rec)
			err = ErrHandlerPanic
		}
		elapsed := time.Since(start)
		d.latency.Record(elapsed, err)
		if d.observe != nil {
			d.observe(req.Packet.Header.Type, elapsed, err)
		}
		if !r.keep {
			req.Packet.Release()
		}
	}()

	err = r.handler.Handle(req)
	if err != nil {
		logger.Debug("%s handler for %s: %v", req.Packet.Header.Type, req.Conn, err)
	}
}

// Latency returns the handler latency recorder.
func (d *Dispatcher) Latency() *Latency { return d.latency }
