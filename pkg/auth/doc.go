// Package auth identifies the user behind each request so that chat
// sessions and their transcripts stay private to their owner.
//
// Authenticators vote Yes, No or Abstain on a request. An AuthChain asks
// them in order and falls back to a default decision when all abstain.
// The HTTP middleware stores the resulting identity in the request context
// and scopes storage to its subject.
package auth
