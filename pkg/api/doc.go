// Package api defines the JSON shapes exchanged with browser and CLI
// clients: session views, question requests, streaming events and the
// error envelope.
//
// The package performs no I/O apart from [WriteError] and depends only on
// the standard library, so clients can import it without pulling in the
// server.
package api
