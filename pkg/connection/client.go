package connection

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/marmos91/cerver/pkg/packet"
)

// Client groups the connections of one authenticated identity. With
// sessions enabled a client may span several connections, each of which
// presented the client's session token.
type Client struct {
	ID        uint64
	SessionID string
	Name      string
	Admin     bool

	// Data is opaque application state set by the authenticator.
	Data any

	ConnectedAt time.Time

	mu    sync.RWMutex
	conns map[Handle]*Connection
}

// NewClient creates a client with no connections.
func NewClient(id uint64, name string) *Client {
	return &Client{
		ID:          id,
		Name:        name,
		ConnectedAt: time.Now(),
		conns:       make(map[Handle]*Connection),
	}
}

// AddConnection attaches c and points c back at the client.
func (cl *Client) AddConnection(c *Connection) {
	cl.mu.Lock()
	cl.conns[c.Handle()] = c
	cl.mu.Unlock()
	c.SetClient(cl)
}

// RemoveConnection detaches the connection with handle h and returns how
// many connections remain.
func (cl *Client) RemoveConnection(h Handle) int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	delete(cl.conns, h)
	return len(cl.conns)
}

func (cl *Client) ConnectionCount() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.conns)
}

// Connections returns the attached connections ordered by handle.
func (cl *Client) Connections() []*Connection {
	cl.mu.RLock()
	out := make([]*Connection, 0, len(cl.conns))
	for _, c := range cl.conns {
		out = append(out, c)
	}
	cl.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Handle() < out[j].Handle() })
	return out
}

// Send writes p to every connection of the client and joins the errors.
func (cl *Client) Send(p *packet.Packet) error {
	var errs []error
	for _, c := range cl.Connections() {
		if err := c.Send(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
