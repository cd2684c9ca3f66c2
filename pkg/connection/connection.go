// Package connection holds the per-socket and per-identity types shared by
// the multiplexers, the authentication gate and the registry.
package connection

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/cerver/internal/logger"
	"github.com/marmos91/cerver/pkg/packet"
)

// Handle identifies a connection for the lifetime of the process. Handles
// are never reused.
type Handle int64

// FreeHandle marks an unused multiplexer slot.
const FreeHandle Handle = -1

// ErrClosed is returned when sending on a closed connection.
var ErrClosed = errors.New("connection closed")

// State tags which subsystem currently owns a connection.
type State int32

const (
	StateOnHold State = iota
	StateMain
	StateAdmin
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOnHold:
		return "on-hold"
	case StateMain:
		return "main"
	case StateAdmin:
		return "admin"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Owner receives the bytes read from a connection. Readable blocks until the
// bytes have been processed and returns false when the owner stopped and the
// reader must exit. Hangup reports a read error or EOF.
type Owner interface {
	Readable(c *Connection, data []byte) bool
	Hangup(c *Connection, err error)
}

type ownerBox struct {
	owner Owner
}

// Connection is one accepted socket plus its receive carry state and the
// counters consulted by the authentication gate.
//
// AuthTries, BadPackets and Reassembler belong to the goroutine of the
// multiplexer that currently owns the connection.
type Connection struct {
	handle   Handle
	conn     net.Conn
	protocol string
	peer     string

	state        atomic.Int32
	lastActivity atomic.Int64
	connectedAt  time.Time

	AuthTries   int
	BadPackets  int
	Reassembler packet.Reassembler

	recvBuf      []byte
	recvSize     int
	writeTimeout time.Duration
	writeMu      sync.Mutex

	client atomic.Pointer[Client]
	owner  atomic.Pointer[ownerBox]

	closeOnce     sync.Once
	closed        atomic.Bool
	readerStarted atomic.Bool
	readerDone    chan struct{}
}

// Handle returns the stable identifier of the connection.
func (c *Connection) Handle() Handle { return c.handle }

// Protocol returns the transport name, e.g. "tcp".
func (c *Connection) Protocol() string { return c.protocol }

// Peer returns the remote address.
func (c *Connection) Peer() string { return c.peer }

func (c *Connection) State() State { return State(c.state.Load()) }

func (c *Connection) SetState(s State) { c.state.Store(int32(s)) }

// ConnectedAt returns the accept time.
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// LastActivity returns the time of the last successful read.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Touch records activity now.
func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Client returns the client this connection belongs to, or nil while on hold.
func (c *Connection) Client() *Client { return c.client.Load() }

func (c *Connection) SetClient(cl *Client) { c.client.Store(cl) }

// Owner returns the current owner, or nil when the connection is between
// owners or torn down.
func (c *Connection) Owner() Owner {
	if box := c.owner.Load(); box != nil {
		return box.owner
	}
	return nil
}

func (c *Connection) SetOwner(o Owner) {
	if o == nil {
		c.owner.Store(nil)
		return
	}
	c.owner.Store(&ownerBox{owner: o})
}

// ReceiveBufferSize returns the size of a single read.
func (c *Connection) ReceiveBufferSize() int { return c.recvSize }

// Send writes p to the socket. Concurrent senders are serialized.
func (c *Connection) Send(p *packet.Packet) error {
	if c.closed.Load() {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	if _, err := p.WriteTo(c.conn); err != nil {
		return fmt.Errorf("send to %s: %w", c.peer, err)
	}
	return nil
}

// StartReader launches ReadLoop once.
func (c *Connection) StartReader() {
	if c.readerStarted.CompareAndSwap(false, true) {
		go c.ReadLoop()
	}
}

// ReadLoop reads from the socket and hands each chunk to the current owner,
// waiting for it to be processed before reading again. It returns when the
// socket fails or the owner goes away.
func (c *Connection) ReadLoop() {
	defer close(c.readerDone)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic in reader for %s: %v", c.peer, r)
			_ = c.Close()
		}
	}()

	for {
		n, err := c.conn.Read(c.recvBuf)
		if n > 0 {
			c.Touch()
			owner := c.Owner()
			if owner == nil || !owner.Readable(c, c.recvBuf[:n]) {
				return
			}
		}
		if err != nil {
			if owner := c.Owner(); owner != nil {
				owner.Hangup(c, err)
			}
			return
		}
	}
}

// Close closes the socket once and detaches the owner. It does not wait for
// the reader; see Pool.Release.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.SetState(StateClosed)
		c.SetOwner(nil)
		err = c.conn.Close()
	})
	return err
}

// Closed reports whether Close was called.
func (c *Connection) Closed() bool { return c.closed.Load() }

func (c *Connection) String() string {
	return fmt.Sprintf("conn#%d(%s)", c.handle, c.peer)
}
