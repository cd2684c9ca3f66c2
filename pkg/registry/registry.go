package registry

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/marmos91/cerver/pkg/connection"
)

var (
	// ErrNotFound is returned when a handle or client is not registered.
	ErrNotFound = errors.New("not registered")

	// ErrDuplicate is returned when a handle or session is registered twice.
	ErrDuplicate = errors.New("already registered")
)

const btreeDegree = 16

// Registry indexes authenticated clients and their connections.
//
// Clients are kept in two ordered trees, one keyed by id and one keyed by
// session token, and every registered connection has one entry in a hash
// keyed by its handle. All three indexes change together under one lock, so
// a reader never sees a connection whose client is missing from the trees.
//
// Example usage:
//
//	reg := registry.New()
//	cl := reg.NewClient("alice")
//	_ = reg.Register(cl, conn)
//
//	owner, _ := reg.ClientByHandle(conn.Handle())
type Registry struct {
	mu        sync.RWMutex
	byID      *btree.BTreeG[*connection.Client]
	bySession *btree.BTreeG[*connection.Client]
	byHandle  map[connection.Handle]*connection.Client

	nextID atomic.Uint64
}

func lessByID(a, b *connection.Client) bool {
	return a.ID < b.ID
}

func lessBySession(a, b *connection.Client) bool {
	return a.SessionID < b.SessionID
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byID:      btree.NewG(btreeDegree, lessByID),
		bySession: btree.NewG(btreeDegree, lessBySession),
		byHandle:  make(map[connection.Handle]*connection.Client),
	}
}

// NewClient allocates a client with the next free id. The client is not
// registered until Register is called with its first connection.
func (r *Registry) NewClient(name string) *connection.Client {
	return connection.NewClient(r.nextID.Add(1), name)
}

// Register attaches conn to cl, inserting cl into the trees if this is its
// first connection.
//
// Returns ErrDuplicate if the handle is already registered or if cl carries
// a session token that belongs to another client.
func (r *Registry) Register(cl *connection.Client, conn *connection.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byHandle[conn.Handle()]; exists {
		return fmt.Errorf("connection %d: %w", conn.Handle(), ErrDuplicate)
	}

	if _, known := r.byID.Get(cl); !known {
		if cl.SessionID != "" {
			if other, taken := r.bySession.Get(cl); taken && other != cl {
				return fmt.Errorf("session %q: %w", cl.SessionID, ErrDuplicate)
			}
			r.bySession.ReplaceOrInsert(cl)
		}
		r.byID.ReplaceOrInsert(cl)
	}

	r.byHandle[conn.Handle()] = cl
	cl.AddConnection(conn)
	return nil
}

// Unregister removes the connection with handle h. It returns the owning
// client and whether that was the client's last connection, in which case
// the client has been removed as well.
func (r *Registry) Unregister(h connection.Handle) (*connection.Client, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cl, ok := r.byHandle[h]
	if !ok {
		return nil, false, fmt.Errorf("connection %d: %w", h, ErrNotFound)
	}
	delete(r.byHandle, h)

	if cl.RemoveConnection(h) > 0 {
		return cl, false, nil
	}
	r.removeClientLocked(cl)
	return cl, true, nil
}

// RemoveClient removes a client and all of its connection entries. The
// connections themselves are not closed.
func (r *Registry) RemoveClient(id uint64) (*connection.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cl, ok := r.byID.Get(&connection.Client{ID: id})
	if !ok {
		return nil, fmt.Errorf("client %d: %w", id, ErrNotFound)
	}
	for _, c := range cl.Connections() {
		delete(r.byHandle, c.Handle())
		cl.RemoveConnection(c.Handle())
	}
	r.removeClientLocked(cl)
	return cl, nil
}

func (r *Registry) removeClientLocked(cl *connection.Client) {
	r.byID.Delete(cl)
	if cl.SessionID != "" {
		if cur, ok := r.bySession.Get(cl); ok && cur == cl {
			r.bySession.Delete(cl)
		}
	}
}

func (r *Registry) ClientByID(id uint64) (*connection.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID.Get(&connection.Client{ID: id})
}

// ClientBySession looks a client up by its session token.
func (r *Registry) ClientBySession(token string) (*connection.Client, bool) {
	if token == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bySession.Get(&connection.Client{SessionID: token})
}

// ClientByHandle returns the client owning the connection with handle h.
func (r *Registry) ClientByHandle(h connection.Handle) (*connection.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cl, ok := r.byHandle[h]
	return cl, ok
}

// Clients returns a snapshot of all clients in ascending id order.
func (r *Registry) Clients() []*connection.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*connection.Client, 0, r.byID.Len())
	r.byID.Ascend(func(cl *connection.Client) bool {
		out = append(out, cl)
		return true
	})
	return out
}

// ClientCount returns the number of registered clients.
func (r *Registry) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID.Len()
}

// ConnectionCount returns the number of registered connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byHandle)
}
