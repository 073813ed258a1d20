package sandbox

import "context"

// Acquirer provides the base URL of a sandbox server. Implementations exist
// for a fixed URL and for Kubernetes SandboxClaims.
type Acquirer interface {
	// Acquire returns a sandbox URL. The release function must be called
	// once the interpreter using the sandbox is closed.
	Acquire(ctx context.Context) (sandboxURL string, release func(), err error)
}

// StaticAcquirer always returns the same URL.
type StaticAcquirer struct {
	URL string
}

func (a StaticAcquirer) Acquire(context.Context) (string, func(), error) {
	return a.URL, func() {}, nil
}
