package server

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/marmos91/cerver/internal/logger"
	"github.com/marmos91/cerver/pkg/auth"
	"github.com/marmos91/cerver/pkg/connection"
	"github.com/marmos91/cerver/pkg/events"
	"github.com/marmos91/cerver/pkg/multiplexer"
	"github.com/marmos91/cerver/pkg/packet"
)

// gateHooks applies authentication outcomes to the cerver. Every method runs
// on the on-hold multiplexer goroutine.
type gateHooks struct {
	c *Cerver
}

// Promote moves conn from the on-hold table to the table of its client.
func (h *gateHooks) Promote(conn *connection.Connection, out auth.Outcome) error {
	c := h.c

	cl := out.Client
	isNew := cl == nil
	if isNew {
		cl = c.registry.NewClient(out.Identity.Name)
		cl.SessionID = out.Token
		cl.Admin = out.Identity.Admin && c.config.Admin.Enabled
		cl.Data = out.Identity.Data
	}

	target, state := c.main, connection.StateMain
	if cl.Admin {
		target, state = c.admin, connection.StateAdmin
	}

	if _, err := c.onHold.Unregister(conn.Handle()); err != nil {
		return fmt.Errorf("leave on-hold: %w", err)
	}
	c.metrics.SetTableSize(tableOnHold, c.onHold.Len())

	if err := c.attach(conn, cl, target, state); err != nil {
		if errors.Is(err, multiplexer.ErrTableFull) {
			c.sendError(conn, packet.ErrTableFull, err.Error())
			c.metrics.RecordConnectionRejected("table_full")
		}
		return fmt.Errorf("join %s: %w", target.Name(), err)
	}

	var body []byte
	if c.config.Auth.Sessions {
		body = packet.EncodeToken(cl.SessionID)
	}
	success := c.protocol.New(packet.TypeAuth, packet.RequestSuccessAuth, body)
	if err := conn.Send(success); err != nil {
		logger.Debug("Failed to confirm auth to %s: %v", conn, err)
	}
	success.Release()

	result := "success"
	if !isNew {
		result = "session"
	}
	c.metrics.RecordAuth(result)
	c.stats.authenticated.Add(1)

	logger.Info("Client %d (%q) authenticated on %s [%s]", cl.ID, cl.Name, conn, target.Name())

	c.events.Emit(events.Event{Type: events.ClientSuccessAuth, Conn: conn, Client: cl})
	switch {
	case !isNew:
		c.events.Emit(events.Event{Type: events.ClientNewConnection, Conn: conn, Client: cl})
	case cl.Admin:
		c.events.Emit(events.Event{Type: events.AdminConnected, Conn: conn, Client: cl})
	default:
		c.events.Emit(events.Event{Type: events.ClientConnected, Conn: conn, Client: cl})
	}
	return nil
}

func (h *gateHooks) Failed(conn *connection.Connection, out auth.Outcome) {
	h.c.metrics.RecordAuth("failed")
	h.c.stats.failedAuth.Add(1)
	h.c.events.Emit(events.Event{Type: events.ClientFailedAuth, Conn: conn, Err: out.Err})
}

// Drop tears conn down. A connection already taken off the on-hold table by
// a failed promotion is released directly.
func (h *gateHooks) Drop(conn *connection.Connection, out auth.Outcome) {
	c := h.c
	c.metrics.RecordAuth("dropped")
	if errors.Is(out.Err, auth.ErrTooManyBadPackets) {
		c.metrics.RecordBadPacket(tableOnHold)
	}
	if errors.Is(out.Err, auth.ErrTooManyTries) {
		c.stats.failedAuth.Add(1)
		c.events.Emit(events.Event{Type: events.ClientFailedAuth, Conn: conn, Err: out.Err})
	}

	if err := c.onHold.Drop(conn, out.Err); err != nil {
		h.Closed(conn, out.Err)
		c.pool.Release(conn)
	}
}

func (h *gateHooks) Closed(conn *connection.Connection, reason error) {
	c := h.c
	kind := closeReason(reason)
	c.metrics.RecordConnectionClosed(tableOnHold, kind)

	t := events.OnHoldDisconnected
	if kind == "dropped" || kind == "shutdown" {
		t = events.OnHoldDropped
	}
	c.events.Emit(events.Event{Type: t, Conn: conn, Err: reason})
}

// closeReason maps a teardown reason to a metrics label. Read errors are
// hangups; any other reason is a drop decided by the cerver.
func closeReason(reason error) string {
	var opErr *net.OpError
	switch {
	case reason == nil:
		return "closed"
	case errors.Is(reason, multiplexer.ErrShutdown):
		return "shutdown"
	case errors.Is(reason, io.EOF),
		errors.Is(reason, net.ErrClosed),
		errors.As(reason, &opErr):
		return "hangup"
	default:
		return "dropped"
	}
}
