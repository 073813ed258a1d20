package storage

import (
	"context"

	"github.com/rhuss/datachat/pkg/llm"
)

// CheckpointStore persists agent transcripts keyed by thread id.
// Implementations scope threads to the owner set with SetTenant.
type CheckpointStore interface {
	// Append adds msgs to the end of the thread, creating it if needed.
	Append(ctx context.Context, threadID string, msgs ...llm.Message) error

	// Load returns the thread's messages in append order. A missing
	// thread loads as empty.
	Load(ctx context.Context, threadID string) ([]llm.Message, error)

	// Delete removes the thread. Deleting a missing thread returns
	// ErrNotFound.
	Delete(ctx context.Context, threadID string) error

	HealthCheck(ctx context.Context) error
	Close() error
}
