package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrMalformedCredentials is returned for credentials without a separator.
var ErrMalformedCredentials = errors.New("malformed credentials")

// EncodeCredentials builds the CLIENT_AUTH_DATA body understood by
// PasswordAuthenticator: the user name and the password separated by NUL.
func EncodeCredentials(user, password string) []byte {
	out := make([]byte, 0, len(user)+1+len(password))
	out = append(out, user...)
	out = append(out, 0)
	return append(out, password...)
}

// DecodeCredentials splits a body built by EncodeCredentials.
func DecodeCredentials(body []byte) (user, password string, err error) {
	i := bytes.IndexByte(body, 0)
	if i <= 0 {
		return "", "", ErrMalformedCredentials
	}
	return string(body[:i]), string(body[i+1:]), nil
}

// HashPassword returns the bcrypt hash stored in the users section of the
// configuration.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// PasswordAuthenticator checks user/password credentials against bcrypt
// hashes.
type PasswordAuthenticator struct {
	users  map[string][]byte
	admins map[string]bool
}

// NewPasswordAuthenticator validates every hash in users. Names listed in
// admins authenticate as admin identities.
func NewPasswordAuthenticator(users map[string]string, admins []string) (*PasswordAuthenticator, error) {
	pa := &PasswordAuthenticator{
		users:  make(map[string][]byte, len(users)),
		admins: make(map[string]bool, len(admins)),
	}
	for name, hash := range users {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("user %q: invalid password hash: %w", name, err)
		}
		pa.users[name] = []byte(hash)
	}
	for _, name := range admins {
		if _, ok := pa.users[name]; !ok {
			return nil, fmt.Errorf("admin %q is not a configured user", name)
		}
		pa.admins[name] = true
	}
	return pa, nil
}

// Authenticate implements Authenticator.
func (pa *PasswordAuthenticator) Authenticate(ctx context.Context, credentials []byte) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	user, password, err := DecodeCredentials(credentials)
	if err != nil {
		return Identity{}, err
	}

	hash, ok := pa.users[user]
	if !ok {
		return Identity{}, ErrAuthFailed
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return Identity{}, ErrAuthFailed
	}
	return Identity{Name: user, Admin: pa.admins[user]}, nil
}
