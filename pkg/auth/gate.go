package auth

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/marmos91/cerver/internal/logger"
	"github.com/marmos91/cerver/pkg/connection"
	"github.com/marmos91/cerver/pkg/packet"
)

// State is the result of evaluating one packet from an on-hold connection.
type State int

const (
	// StatePending leaves the connection on hold.
	StatePending State = iota

	// StateAuthenticated promotes the connection.
	StateAuthenticated

	// StateRetry rejects one attempt; the connection stays on hold.
	StateRetry

	// StateDropped tears the connection down.
	StateDropped
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateRetry:
		return "RETRY"
	case StateDropped:
		return "DROPPED"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

// Outcome is the decision Evaluate reached for one packet.
type Outcome struct {
	State State

	// Client is set when a session token matched an existing client.
	Client *connection.Client

	// Identity is set for credentials accepted by the authenticator.
	Identity Identity

	// Token is the session token of the promoted connection, empty when
	// sessions are off.
	Token string

	// Echo asks Deliver to send the packet back (TEST packets).
	Echo bool

	// Err explains a retry or a drop.
	Err error
}

// Sessions resolves session tokens to live clients.
type Sessions interface {
	ClientBySession(token string) (*connection.Client, bool)
}

// Hooks applies outcomes to the rest of the cerver. Every method is called
// from the on-hold multiplexer goroutine.
type Hooks interface {
	// Promote moves conn off hold. A returned error drops the connection.
	Promote(conn *connection.Connection, out Outcome) error

	// Failed reports a rejected attempt that did not exhaust the tries.
	Failed(conn *connection.Connection, out Outcome)

	// Drop tears conn down.
	Drop(conn *connection.Connection, out Outcome)

	// Closed reports that conn left the on-hold table.
	Closed(conn *connection.Connection, reason error)
}

// DefaultTimeout bounds an Authenticate call when Config.Timeout is unset.
const DefaultTimeout = 10 * time.Second

// Config holds the gate limits.
type Config struct {
	Protocol packet.Protocol

	// MaxTries is the number of failed attempts that drops a connection.
	MaxTries int

	// MaxBadPackets is the number of unexpected packets that drops a
	// connection.
	MaxBadPackets int

	// Sessions enables session tokens.
	Sessions bool

	// CheckPackets treats packets of another protocol as bad packets.
	CheckPackets bool

	// Timeout bounds each Authenticate call. Zero means DefaultTimeout.
	Timeout time.Duration
}

type authBox struct{ a Authenticator }

type generatorBox struct{ g SessionGenerator }

// Gate is the on-hold PacketSink. It evaluates packets from connections
// waiting for authentication and applies the outcome through Hooks.
type Gate struct {
	cfg       Config
	sessions  Sessions
	hooks     Hooks
	authn     atomic.Pointer[authBox]
	generator atomic.Pointer[generatorBox]
}

// NewGate creates a gate. sessions may be nil when cfg.Sessions is off.
func NewGate(cfg Config, sessions Sessions, hooks Hooks) *Gate {
	if cfg.MaxTries < 1 {
		cfg.MaxTries = 1
	}
	if cfg.MaxBadPackets < 1 {
		cfg.MaxBadPackets = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	g := &Gate{cfg: cfg, sessions: sessions, hooks: hooks}
	g.SetSessionGenerator(DefaultSessionGenerator)
	return g
}

// SetAuthenticator replaces the authenticator. Safe to call while serving.
func (g *Gate) SetAuthenticator(a Authenticator) {
	g.authn.Store(&authBox{a: a})
}

// SetSessionGenerator replaces the session token generator. nil restores
// DefaultSessionGenerator.
func (g *Gate) SetSessionGenerator(gen SessionGenerator) {
	if gen == nil {
		gen = DefaultSessionGenerator
	}
	g.generator.Store(&generatorBox{g: gen})
}

// MaxTries returns the configured number of auth tries for new connections.
func (g *Gate) MaxTries() int { return g.cfg.MaxTries }

// Evaluate decides what a packet from an on-hold connection leads to. It
// updates the connection's AuthTries and BadPackets counters but has no
// other side effect.
func (g *Gate) Evaluate(ctx context.Context, conn *connection.Connection, p *packet.Packet) Outcome {
	if g.cfg.CheckPackets && !g.cfg.Protocol.Matches(p.Header) {
		return g.badPacket(conn)
	}

	switch p.Header.Type {
	case packet.TypeTest:
		return Outcome{State: StatePending, Echo: true}

	case packet.TypeError:
		return Outcome{State: StatePending}

	case packet.TypeAuth:
		if p.Header.Request != packet.RequestClientAuthData {
			return Outcome{State: StatePending}
		}
		return g.authenticate(ctx, conn, p.Body)

	default:
		return g.badPacket(conn)
	}
}

func (g *Gate) badPacket(conn *connection.Connection) Outcome {
	conn.BadPackets++
	if conn.BadPackets >= g.cfg.MaxBadPackets {
		return Outcome{State: StateDropped, Err: ErrTooManyBadPackets}
	}
	return Outcome{State: StatePending}
}

func (g *Gate) authenticate(ctx context.Context, conn *connection.Connection, body []byte) Outcome {
	if g.cfg.Sessions && g.sessions != nil {
		if token, ok := packet.DecodeToken(body); ok {
			if cl, found := g.sessions.ClientBySession(token); found {
				return Outcome{State: StateAuthenticated, Client: cl, Token: token}
			}
			return g.retry(conn, ErrUnknownSession)
		}
	}

	box := g.authn.Load()
	if box == nil || box.a == nil {
		return g.retry(conn, ErrNoAuthenticator)
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	id, err := box.a.Authenticate(ctx, body)
	if err != nil {
		return g.retry(conn, err)
	}

	out := Outcome{State: StateAuthenticated, Identity: id}
	if g.cfg.Sessions {
		token, err := g.generator.Load().g(SessionContext{Identity: id, Peer: conn.Peer()})
		if err != nil {
			return Outcome{State: StateDropped, Err: fmt.Errorf("session token: %w", err)}
		}
		if !validToken(token) {
			return Outcome{State: StateDropped, Err: ErrInvalidToken}
		}
		out.Token = token
	}
	return out
}

func (g *Gate) retry(conn *connection.Connection, reason error) Outcome {
	conn.AuthTries--
	if conn.AuthTries <= 0 {
		return Outcome{State: StateDropped, Err: fmt.Errorf("%w: %v", ErrTooManyTries, reason)}
	}
	return Outcome{State: StateRetry, Err: reason}
}

// Deliver implements multiplexer.PacketSink.
func (g *Gate) Deliver(conn *connection.Connection, p *packet.Packet) {
	defer p.Release()

	conn.Touch()
	out := g.Evaluate(context.Background(), conn, p)

	switch out.State {
	case StatePending:
		if out.Echo {
			if err := conn.Send(p); err != nil {
				logger.Debug("Test echo to %s failed: %v", conn, err)
			}
		}

	case StateRetry:
		logger.Debug("Auth attempt from %s rejected (%d tries left): %v", conn, conn.AuthTries, out.Err)
		g.hooks.Failed(conn, out)
		reply := g.cfg.Protocol.New(packet.TypeError, 0, packet.ErrorPayload{
			Type:    packet.ErrFailedAuth,
			Message: out.Err.Error(),
		}.Encode())
		if err := conn.Send(reply); err != nil {
			logger.Debug("Failed auth reply to %s: %v", conn, err)
		}
		reply.Release()

	case StateAuthenticated:
		if err := g.hooks.Promote(conn, out); err != nil {
			logger.Warn("Failed to promote %s: %v", conn, err)
			g.hooks.Drop(conn, Outcome{State: StateDropped, Err: err})
		}

	case StateDropped:
		logger.Info("Dropping on-hold connection %s: %v", conn, out.Err)
		g.hooks.Drop(conn, out)
	}
}

// Malformed implements multiplexer.PacketSink.
func (g *Gate) Malformed(conn *connection.Connection, err error) {
	logger.Debug("Discarded malformed input from on-hold %s: %v", conn, err)
}

// Closed implements multiplexer.PacketSink.
func (g *Gate) Closed(conn *connection.Connection, reason error) {
	g.hooks.Closed(conn, reason)
}
