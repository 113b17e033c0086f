// Package auth validates bearer tokens presented on gateway connections and
// control API calls. Token issuance belongs to an external system; this
// package only checks validity and extracts an identity.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
)

var ErrInvalidToken = errors.New("invalid token")

// Identity is the authenticated principal carried by a valid token.
type Identity struct {
	Subject string
}

// TokenValidator checks a bearer token. Implementations are opaque to
// callers: a token is either valid with an identity, or it is not.
type TokenValidator interface {
	Validate(token string) (Identity, error)
}

// FernetValidator validates fernet-signed tokens with a bounded lifetime.
type FernetValidator struct {
	keys []*fernet.Key
	ttl  time.Duration
}

func NewFernetValidator(encodedKey string, ttl time.Duration) (*FernetValidator, error) {
	k, err := fernet.DecodeKey(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decode token key: %w", err)
	}
	return &FernetValidator{keys: []*fernet.Key{k}, ttl: ttl}, nil
}

func (v *FernetValidator) Validate(token string) (Identity, error) {
	msg := fernet.VerifyAndDecrypt([]byte(token), v.ttl, v.keys)
	if msg == nil {
		return Identity{}, ErrInvalidToken
	}
	return Identity{Subject: string(msg)}, nil
}

// Mint signs a token for the given subject. Used by the control API when
// issuing sessions and by tests.
func (v *FernetValidator) Mint(subject string) (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(subject), v.keys[0])
	if err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}
	return string(tok), nil
}

// StaticValidator accepts a single shared secret. Development use only.
type StaticValidator struct {
	Secret string
}

func (v StaticValidator) Validate(token string) (Identity, error) {
	if token == "" || token != v.Secret {
		return Identity{}, ErrInvalidToken
	}
	return Identity{Subject: "shared-secret"}, nil
}

// AllowAll accepts any token, including an empty one. Used when auth is
// disabled by configuration.
type AllowAll struct{}

func (AllowAll) Validate(string) (Identity, error) {
	return Identity{Subject: "anonymous"}, nil
}
