package auth

import (
	"context"
	"errors"
	"net/http"
)

// AuthDecision is the vote of one authenticator.
type AuthDecision int

const (
	// Yes accepts the credentials. The chain stops.
	Yes AuthDecision = iota

	// No rejects credentials that were present but invalid. The chain stops.
	No

	// Abstain passes the request on to the next authenticator.
	Abstain
)

func (d AuthDecision) String() string {
	switch d {
	case Yes:
		return "yes"
	case No:
		return "no"
	default:
		return "abstain"
	}
}

// AuthResult carries the outcome of an authentication attempt.
type AuthResult struct {
	Decision AuthDecision
	Identity *Identity // set when Decision is Yes
	Err      error     // set when Decision is No
}

// AnonymousSubject is the subject given to requests accepted by the
// chain's default decision.
const AnonymousSubject = "anonymous"

// Identity is an authenticated user. Subject owns the user's sessions.
type Identity struct {
	Subject string

	// ServiceTier selects the rate limit.
	ServiceTier string
}

// Authenticator examines request credentials and votes.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) AuthResult
}

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrTooManyRequests = errors.New("rate limit exceeded")
)

// AuthChain evaluates authenticators in order.
type AuthChain struct {
	Authenticators []Authenticator

	// DefaultDecision applies when every authenticator abstains. Yes
	// admits the request as AnonymousSubject.
	DefaultDecision AuthDecision
}

// Authenticate returns the first Yes or No vote, or the default decision.
func (c *AuthChain) Authenticate(ctx context.Context, r *http.Request) AuthResult {
	for _, authn := range c.Authenticators {
		result := authn.Authenticate(ctx, r)
		if result.Decision != Abstain {
			return result
		}
	}

	if c.DefaultDecision == Yes {
		return AuthResult{
			Decision: Yes,
			Identity: &Identity{Subject: AnonymousSubject, ServiceTier: "default"},
		}
	}
	return AuthResult{Decision: No, Err: ErrUnauthenticated}
}
