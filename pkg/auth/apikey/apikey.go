// Package apikey authenticates requests carrying a static API key, either
// as a bearer token or in the X-API-Key header. Keys are kept as SHA-256
// hashes and compared in constant time.
package apikey

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rhuss/datachat/pkg/auth"
)

// HeaderName is the alternative header for clients that cannot set
// Authorization.
const HeaderName = "X-API-Key"

// Entry is one configured key.
type Entry struct {
	Key         string
	Subject     string
	ServiceTier string
}

type hashedKey struct {
	hash     [32]byte
	identity auth.Identity
}

// Authenticator validates API keys.
type Authenticator struct {
	keys []hashedKey
}

// New creates an authenticator. Plaintext keys are not retained.
func New(entries []Entry) *Authenticator {
	a := &Authenticator{}
	for _, e := range entries {
		a.keys = append(a.keys, hashedKey{
			hash:     sha256.Sum256([]byte(e.Key)),
			identity: auth.Identity{Subject: e.Subject, ServiceTier: e.ServiceTier},
		})
	}
	return a
}

// Authenticate abstains when the request carries no key, and votes No
// for unknown keys.
func (a *Authenticator) Authenticate(_ context.Context, r *http.Request) auth.AuthResult {
	key, present := credential(r)
	if !present {
		return auth.AuthResult{Decision: auth.Abstain}
	}
	if key == "" {
		return auth.AuthResult{Decision: auth.No, Err: auth.ErrUnauthenticated}
	}

	sum := sha256.Sum256([]byte(key))
	for _, k := range a.keys {
		if subtle.ConstantTimeCompare(sum[:], k.hash[:]) == 1 {
			id := k.identity
			return auth.AuthResult{Decision: auth.Yes, Identity: &id}
		}
	}
	return auth.AuthResult{Decision: auth.No, Err: auth.ErrUnauthenticated}
}

func credential(r *http.Request) (string, bool) {
	if v, ok := r.Header[http.CanonicalHeaderKey(HeaderName)]; ok && len(v) > 0 {
		return strings.TrimSpace(v[0]), true
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")), true
}
