// Package transport holds the HTTP plumbing shared by the chat server:
// middleware for panic recovery, request IDs and access logging, the
// registry of in-flight answers that a client may cancel, and the mapping
// from domain errors to JSON API errors.
//
// The routes themselves live in the http subpackage.
package transport
