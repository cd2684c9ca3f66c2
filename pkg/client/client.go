// Package client implements the client side of the cerver packet protocol.
//
// A Client is used by the probe command and by tests. It is not safe for
// concurrent receives; Send may be called from any goroutine.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/marmos91/cerver/internal/bufpool"
	"github.com/marmos91/cerver/internal/logger"
	"github.com/marmos91/cerver/pkg/auth"
	"github.com/marmos91/cerver/pkg/packet"
)

// ErrUnexpectedPacket is returned when the cerver answers with a packet the
// current exchange does not allow.
var ErrUnexpectedPacket = errors.New("unexpected packet")

// RemoteError is a TypeError packet received from the cerver.
type RemoteError struct {
	Type    packet.ErrorType
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("cerver error %s: %s", e.Type, e.Message)
}

// Options configures Dial.
type Options struct {
	// Protocol is stamped on every packet sent.
	Protocol packet.Protocol

	// DialTimeout bounds the TCP connect. Zero means no timeout besides
	// the context.
	DialTimeout time.Duration

	// MaxPacketSize caps inbound packets. Zero means
	// packet.DefaultMaxPacketSize.
	MaxPacketSize uint64
}

// Client is one connection to a cerver.
type Client struct {
	conn     net.Conn
	protocol packet.Protocol
	info     packet.Info
	token    string

	writeMu sync.Mutex

	reasm   packet.Reassembler
	buf     []byte
	pending []*packet.Packet
}

// Dial connects to addr and reads the welcome packet.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	d := net.Dialer{Timeout: opts.DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := &Client{
		conn:     nc,
		protocol: opts.Protocol,
		reasm:    packet.Reassembler{MaxPacketSize: opts.MaxPacketSize},
		buf:      bufpool.Get(bufpool.SmallSize),
	}

	p, err := c.Receive(ctx)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	defer p.Release()

	if p.Header.Type != packet.TypeCerver || p.Header.Request != packet.RequestCerverInfo {
		_ = c.Close()
		return nil, fmt.Errorf("%w: %s instead of cerver info", ErrUnexpectedPacket, p)
	}
	if c.info, err = packet.DecodeInfo(p.Body); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("decode welcome: %w", err)
	}

	logger.Debug("Connected to cerver %q at %s (auth=%v sessions=%v)",
		c.info.Name, addr, c.info.AuthRequired, c.info.UseSessions)
	return c, nil
}

// Info returns the welcome sent by the cerver.
func (c *Client) Info() packet.Info { return c.info }

// Token returns the session token received on authentication, if any.
func (c *Client) Token() string { return c.token }

// Authenticate sends user credentials and waits for the verdict.
func (c *Client) Authenticate(ctx context.Context, user, password string) error {
	return c.authenticate(ctx, auth.EncodeCredentials(user, password))
}

// AuthenticateToken attaches this connection to the client owning token.
func (c *Client) AuthenticateToken(ctx context.Context, token string) error {
	return c.authenticate(ctx, packet.EncodeToken(token))
}

func (c *Client) authenticate(ctx context.Context, body []byte) error {
	if err := c.SendPacket(packet.TypeAuth, packet.RequestClientAuthData, body); err != nil {
		return err
	}

	for {
		p, err := c.Receive(ctx)
		if err != nil {
			return err
		}

		switch {
		case p.Header.Type == packet.TypeAuth && p.Header.Request == packet.RequestAuthClient:
			p.Release()

		case p.Header.Type == packet.TypeAuth && p.Header.Request == packet.RequestSuccessAuth:
			if token, ok := packet.DecodeToken(p.Body); ok {
				c.token = token
			}
			p.Release()
			return nil

		case p.Header.Type == packet.TypeError:
			err := remoteError(p)
			p.Release()
			return err

		default:
			err := fmt.Errorf("%w: %s during authentication", ErrUnexpectedPacket, p)
			p.Release()
			return err
		}
	}
}

func remoteError(p *packet.Packet) error {
	payload, err := packet.DecodeError(p.Body)
	if err != nil {
		return fmt.Errorf("decode error packet: %w", err)
	}
	return &RemoteError{Type: payload.Type, Message: payload.Message}
}

// Send writes p. The caller keeps ownership of p.
func (c *Client) Send(p *packet.Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := p.WriteTo(c.conn)
	return err
}

// SendPacket builds and writes a packet with the client's protocol.
func (c *Client) SendPacket(t packet.Type, req packet.RequestType, body []byte) error {
	p := c.protocol.New(t, req, body)
	defer p.Release()
	return c.Send(p)
}

// Test sends a TEST packet and waits for its echo.
func (c *Client) Test(ctx context.Context, body []byte) error {
	if err := c.SendPacket(packet.TypeTest, 0, body); err != nil {
		return err
	}
	p, err := c.Receive(ctx)
	if err != nil {
		return err
	}
	defer p.Release()
	if p.Header.Type != packet.TypeTest {
		return fmt.Errorf("%w: %s instead of test echo", ErrUnexpectedPacket, p)
	}
	return nil
}

// CloseConnection asks the cerver to close this connection only.
func (c *Client) CloseConnection() error {
	return c.SendPacket(packet.TypeClient, packet.RequestClientCloseConnection, nil)
}

// Disconnect asks the cerver to close every connection of this client.
func (c *Client) Disconnect() error {
	return c.SendPacket(packet.TypeClient, packet.RequestClientDisconnect, nil)
}

// Receive returns the next complete packet. The caller owns it and must
// Release it.
func (c *Client) Receive(ctx context.Context) (*packet.Packet, error) {
	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		_ = c.conn.SetReadDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer func() {
		stop()
		_ = c.conn.SetReadDeadline(time.Time{})
	}()

	for len(c.pending) == 0 {
		n, err := c.conn.Read(c.buf)
		if n > 0 {
			if ferr := c.reasm.Feed(c.buf[:n], func(p *packet.Packet) {
				c.pending = append(c.pending, p)
			}); ferr != nil {
				return nil, ferr
			}
		}
		if err != nil && len(c.pending) == 0 {
			if cerr := ctx.Err(); cerr != nil {
				return nil, cerr
			}
			if hasDeadline && !time.Now().Before(deadline) {
				return nil, context.DeadlineExceeded
			}
			return nil, err
		}
	}

	p := c.pending[0]
	c.pending[0] = nil
	c.pending = c.pending[1:]
	return p, nil
}

// Close closes the socket and releases buffered packets.
func (c *Client) Close() error {
	for _, p := range c.pending {
		p.Release()
	}
	c.pending = nil
	if c.buf != nil {
		bufpool.Put(c.buf)
		c.buf = nil
	}
	return c.conn.Close()
}
