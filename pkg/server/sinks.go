package server

import (
	"errors"
	"fmt"

	"github.com/marmos91/cerver/internal/logger"
	"github.com/marmos91/cerver/pkg/connection"
	"github.com/marmos91/cerver/pkg/dispatch"
	"github.com/marmos91/cerver/pkg/events"
	"github.com/marmos91/cerver/pkg/multiplexer"
	"github.com/marmos91/cerver/pkg/packet"
)

// clientSink handles packets of authenticated connections on the main and
// admin tables.
type clientSink struct {
	c          *Cerver
	table      string
	dispatcher *dispatch.Dispatcher
	admin      bool
}

func (s *clientSink) Deliver(conn *connection.Connection, p *packet.Packet) {
	c := s.c
	conn.Touch()

	if c.config.CheckPackets && !c.protocol.Matches(p.Header) {
		p.Release()
		s.badPacket(conn, "protocol mismatch")
		return
	}

	switch p.Header.Type {
	case packet.TypeTest:
		if err := conn.Send(p); err != nil {
			logger.Debug("Test echo to %s failed: %v", conn, err)
		}
		p.Release()
		return

	case packet.TypeClient:
		req := p.Header.Request
		p.Release()
		s.clientRequest(conn, req)
		return
	}

	err := s.dispatcher.Dispatch(&dispatch.Request{Conn: conn, Client: conn.Client(), Packet: p})
	switch {
	case errors.Is(err, dispatch.ErrNoHandler):
		s.badPacket(conn, err.Error())
	case err != nil:
		logger.Warn("Dispatch for %s failed: %v", conn, err)
	}
}

// clientRequest runs on the Run goroutine of conn's table, so connections
// on that table are dropped directly. Connections of the same client on
// another table are evicted from a separate goroutine, keeping the two Run
// goroutines from waiting on each other.
func (s *clientSink) clientRequest(conn *connection.Connection, req packet.RequestType) {
	switch req {
	case packet.RequestClientCloseConnection:
		logger.Debug("%s asked to close its connection", conn)
		s.drop(conn)

	case packet.RequestClientDisconnect:
		cl := conn.Client()
		if cl == nil {
			s.drop(conn)
			return
		}
		logger.Debug("Client %d asked to disconnect (%d connection(s))", cl.ID, cl.ConnectionCount())
		for _, other := range cl.Connections() {
			s.drop(other)
		}

	default:
		s.badPacket(conn, fmt.Sprintf("unknown client request %d", req))
	}
}

func (s *clientSink) drop(conn *connection.Connection) {
	m := s.c.multiplexerFor(conn)
	if m.Name() == s.table {
		if err := m.Drop(conn, nil); err != nil {
			logger.Debug("Close %s: %v", conn, err)
		}
		return
	}
	go func() {
		if err := m.Evict(conn, nil); err != nil {
			logger.Debug("Close %s: %v", conn, err)
		}
	}()
}

// badPacket counts an unexpected packet. Authenticated connections are not
// dropped for it.
func (s *clientSink) badPacket(conn *connection.Connection, why string) {
	conn.BadPackets++
	s.c.stats.badPackets.Add(1)
	s.c.metrics.RecordBadPacket(s.table)
	logger.Debug("Bad packet #%d from %s: %s", conn.BadPackets, conn, why)
}

func (s *clientSink) Malformed(conn *connection.Connection, err error) {
	logger.Debug("Discarded malformed input from %s: %v", conn, err)
}

// Closed removes conn from the registry and reports the client leaving when
// it was the last connection.
func (s *clientSink) Closed(conn *connection.Connection, reason error) {
	c := s.c
	kind := closeReason(reason)
	c.metrics.RecordConnectionClosed(s.table, kind)

	cl, last, err := c.registry.Unregister(conn.Handle())
	if err != nil {
		logger.Debug("Closed %s without a client: %v", conn, err)
		return
	}
	c.metrics.SetClients(c.registry.ClientCount())

	logger.Debug("Connection %s of client %d closed (%s)", conn, cl.ID, kind)
	c.events.Emit(events.Event{Type: events.ClientCloseConnection, Conn: conn, Client: cl, Err: reason})
	if !last {
		return
	}

	dropped := kind == "dropped" || kind == "shutdown"
	var t events.Type
	switch {
	case s.admin && dropped:
		t = events.AdminDropped
	case s.admin:
		t = events.AdminDisconnected
	case dropped:
		t = events.ClientDropped
	default:
		t = events.ClientDisconnected
	}
	logger.Info("Client %d (%q) left: %s", cl.ID, cl.Name, t)
	c.events.Emit(events.Event{Type: t, Conn: conn, Client: cl, Err: reason})
}

// observedSink counts traffic before handing it to the table's sink.
type observedSink struct {
	c     *Cerver
	table string
	next  multiplexer.PacketSink
}

func (s *observedSink) Deliver(conn *connection.Connection, p *packet.Packet) {
	s.c.stats.countPacket(p.Header.Type, p.Len())
	s.c.metrics.RecordPacket(s.table, p.Header.Type.String(), p.Len())
	s.next.Deliver(conn, p)
}

func (s *observedSink) Malformed(conn *connection.Connection, err error) {
	s.c.stats.malformed.Add(1)
	s.c.metrics.RecordMalformed(s.table)
	s.next.Malformed(conn, err)
}

func (s *observedSink) Closed(conn *connection.Connection, reason error) {
	s.next.Closed(conn, reason)
}
