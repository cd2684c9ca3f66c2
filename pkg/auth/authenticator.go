// Package auth implements the pre-authentication state machine that runs on
// the on-hold multiplexer, together with the pluggable authenticator and
// session token generator it relies on.
package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/marmos91/cerver/pkg/packet"
)

var (
	// ErrAuthFailed is returned by authenticators that reject credentials.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrNoAuthenticator is the retry reason when no authenticator is set.
	ErrNoAuthenticator = errors.New("no authenticator configured")

	// ErrUnknownSession is the retry reason for a token no client holds.
	ErrUnknownSession = errors.New("unknown session token")

	// ErrInvalidToken is returned when a session generator produced a token
	// that cannot be carried in a token body.
	ErrInvalidToken = errors.New("invalid session token")

	// ErrTooManyTries is the drop reason once all auth tries are spent.
	ErrTooManyTries = errors.New("too many authentication attempts")

	// ErrTooManyBadPackets is the drop reason once the bad packet limit is
	// reached while waiting for authentication.
	ErrTooManyBadPackets = errors.New("too many bad packets")
)

// Identity is what an Authenticator knows about the party behind a set of
// credentials.
type Identity struct {
	Name string

	// Admin requests placement on the admin multiplexer.
	Admin bool

	// Data is attached to the resulting Client untouched.
	Data any
}

// Authenticator validates the body of a CLIENT_AUTH_DATA packet.
//
// Implementations must honor ctx: the gate runs on the on-hold loop and
// bounds every call with the configured auth timeout.
type Authenticator interface {
	Authenticate(ctx context.Context, credentials []byte) (Identity, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, credentials []byte) (Identity, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, credentials []byte) (Identity, error) {
	return f(ctx, credentials)
}

// SessionContext is passed to a SessionGenerator for a newly authenticated
// client.
type SessionContext struct {
	Identity Identity
	Peer     string
}

// SessionGenerator creates the session token handed to a new client.
type SessionGenerator func(SessionContext) (string, error)

// DefaultSessionGenerator returns a random UUID.
func DefaultSessionGenerator(SessionContext) (string, error) {
	return uuid.NewString(), nil
}

func validToken(token string) bool {
	if token == "" || len(token) > packet.TokenSize {
		return false
	}
	for i := 0; i < len(token); i++ {
		if token[i] == 0 {
			return false
		}
	}
	return true
}
