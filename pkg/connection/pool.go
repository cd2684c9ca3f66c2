package connection

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/cerver/internal/bufpool"
	"github.com/marmos91/cerver/pkg/packet"
)

// Options configures connections produced by a Pool.
type Options struct {
	// ReceiveBufferSize is the size of a single read. Zero means 4KB.
	ReceiveBufferSize int

	// MaxPacketSize is forwarded to the connection reassembler.
	MaxPacketSize uint64

	// WriteTimeout bounds each Send. Zero disables it.
	WriteTimeout time.Duration

	// AuthTries initializes Connection.AuthTries.
	AuthTries int
}

// Pool creates connections and recycles their receive buffers. A Connection
// is never reused: once released it stays closed, so a handler that kept the
// pointer gets ErrClosed instead of reaching whichever peer comes next. The
// buffer goes back to bufpool only after the reader goroutine has exited.
type Pool struct {
	opts    Options
	next    atomic.Int64
	live    atomic.Int64
	pending sync.WaitGroup
}

// NewPool creates a pool. Handles start at 1.
func NewPool(opts Options) *Pool {
	if opts.ReceiveBufferSize <= 0 {
		opts.ReceiveBufferSize = bufpool.SmallSize
	}
	return &Pool{opts: opts}
}

// Acquire wraps nc in a new Connection with a fresh handle.
func (p *Pool) Acquire(nc net.Conn) *Connection {
	c := &Connection{
		handle:       Handle(p.next.Add(1)),
		conn:         nc,
		protocol:     "tcp",
		connectedAt:  time.Now(),
		AuthTries:    p.opts.AuthTries,
		Reassembler:  packet.Reassembler{MaxPacketSize: p.opts.MaxPacketSize},
		recvBuf:      bufpool.Get(p.opts.ReceiveBufferSize),
		recvSize:     p.opts.ReceiveBufferSize,
		writeTimeout: p.opts.WriteTimeout,
		readerDone:   make(chan struct{}),
	}
	if addr := nc.RemoteAddr(); addr != nil {
		c.protocol = addr.Network()
		c.peer = addr.String()
	}
	c.Touch()
	c.SetState(StateOnHold)

	p.live.Add(1)
	return c
}

// Release closes c and returns its receive buffer once the reader exits. A
// connection whose reader was never started gives its buffer back right away.
func (p *Pool) Release(c *Connection) {
	_ = c.Close()
	if c.readerStarted.CompareAndSwap(false, true) {
		close(c.readerDone)
	}

	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		<-c.readerDone

		c.Reassembler.Reset()
		bufpool.Put(c.recvBuf)
		c.recvBuf = nil
		p.live.Add(-1)
	}()
}

// Live returns the number of acquired connections whose buffers are not yet
// returned.
func (p *Pool) Live() int64 {
	return p.live.Load()
}

// Wait blocks until every released connection has returned its buffer.
func (p *Pool) Wait() {
	p.pending.Wait()
}
