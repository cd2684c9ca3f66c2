// Package events lets applications observe the lifecycle of a cerver and of
// its connections.
package events

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/marmos91/cerver/internal/logger"
	"github.com/marmos91/cerver/pkg/connection"
)

// Type identifies a lifecycle event.
type Type int

const (
	Started Type = iota
	Teardown

	OnHoldConnected
	OnHoldDisconnected
	OnHoldDropped

	ClientSuccessAuth
	ClientFailedAuth
	ClientConnected
	ClientNewConnection
	ClientCloseConnection
	ClientDisconnected
	ClientDropped

	AdminConnected
	AdminDisconnected
	AdminDropped
)

var typeNames = map[Type]string{
	Started:               "STARTED",
	Teardown:              "TEARDOWN",
	OnHoldConnected:       "ON_HOLD_CONNECTED",
	OnHoldDisconnected:    "ON_HOLD_DISCONNECTED",
	OnHoldDropped:         "ON_HOLD_DROPPED",
	ClientSuccessAuth:     "CLIENT_SUCCESS_AUTH",
	ClientFailedAuth:      "CLIENT_FAILED_AUTH",
	ClientConnected:       "CLIENT_CONNECTED",
	ClientNewConnection:   "CLIENT_NEW_CONNECTION",
	ClientCloseConnection: "CLIENT_CLOSE_CONNECTION",
	ClientDisconnected:    "CLIENT_DISCONNECTED",
	ClientDropped:         "CLIENT_DROPPED",
	AdminConnected:        "ADMIN_CONNECTED",
	AdminDisconnected:     "ADMIN_DISCONNECTED",
	AdminDropped:          "ADMIN_DROPPED",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("EVENT(%d)", int(t))
}

// Event describes one occurrence. Conn and Client are nil for cerver-wide
// events.
type Event struct {
	Type   Type
	Conn   *connection.Connection
	Client *connection.Client
	Err    error
}

// Handler observes events.
type Handler func(Event)

// Option customizes a subscription.
type Option func(*subscription)

// Async runs the handler on its own goroutine instead of the emitter's.
func Async() Option {
	return func(s *subscription) { s.async = true }
}

// Once removes the subscription after its first event.
func Once() Option {
	return func(s *subscription) { s.once = true }
}

type subscription struct {
	id      uint64
	handler Handler
	async   bool
	once    bool
	fired   atomic.Bool
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Type][]*subscription
	nextID atomic.Uint64
	async  sync.WaitGroup
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Type][]*subscription)}
}

// On subscribes h to events of type t and returns a function that removes
// the subscription.
func (b *Bus) On(t Type, h Handler, opts ...Option) func() {
	s := &subscription{id: b.nextID.Add(1), handler: h}
	for _, opt := range opts {
		opt(s)
	}

	b.mu.Lock()
	b.subs[t] = append(b.subs[t], s)
	b.mu.Unlock()

	return func() { b.remove(t, s.id) }
}

func (b *Bus) remove(t Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[t]
	for i, s := range subs {
		if s.id == id {
			b.subs[t] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit delivers ev to every subscriber of ev.Type, in subscription order.
// Synchronous handlers run before Emit returns.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	subs := append([]*subscription(nil), b.subs[ev.Type]...)
	b.mu.RUnlock()

	for _, s := range subs {
		if s.once {
			if !s.fired.CompareAndSwap(false, true) {
				continue
			}
			b.remove(ev.Type, s.id)
		}

		if s.async {
			b.async.Add(1)
			go func(s *subscription) {
				defer b.async.Done()
				b.call(s, ev)
			}(s)
			continue
		}
		b.call(s, ev)
	}
}

func (b *Bus) call(s *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic in %s event handler: %v", ev.Type, r)
		}
	}()
	s.handler(ev)
}

// Wait blocks until every asynchronous handler started so far returned.
func (b *Bus) Wait() {
	b.async.Wait()
}
