package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrInFlight is returned by Start when work for the key is running.
var ErrInFlight = errors.New("work already in progress")

// InFlightRegistry tracks the answer being computed for each session so
// that a client can stop it. Safe for concurrent use.
type InFlightRegistry struct {
	mu      sync.Mutex
	next    uint64
	entries map[string]inflightEntry
}

type inflightEntry struct {
	token  uint64
	cancel context.CancelFunc
}

func NewInFlightRegistry() *InFlightRegistry {
	return &InFlightRegistry{entries: make(map[string]inflightEntry)}
}

// Start derives a cancelable context for work on key, or fails with
// ErrInFlight while other work for key is registered. The returned done
// function must be called when the work ends; it only unregisters its own
// entry, so a newer Start for the same key stays cancelable.
func (r *InFlightRegistry) Start(ctx context.Context, key string) (context.Context, func(), error) {
	r.mu.Lock()
	if _, ok := r.entries[key]; ok {
		r.mu.Unlock()
		return nil, nil, ErrInFlight
	}
	ctx, cancel := context.WithCancel(ctx)
	r.next++
	token := r.next
	r.entries[key] = inflightEntry{token: token, cancel: cancel}
	r.mu.Unlock()

	return ctx, func() {
		cancel()
		r.mu.Lock()
		if e, ok := r.entries[key]; ok && e.token == token {
			delete(r.entries, key)
		}
		r.mu.Unlock()
	}, nil
}

// Cancel stops the work registered for key and reports whether there was any.
func (r *InFlightRegistry) Cancel(key string) bool {
	r.mu.Lock()
	e, ok := r.entries[key]
	delete(r.entries, key)
	r.mu.Unlock()
	if ok {
		e.cancel()
	}
	return ok
}

// Len returns the number of registered entries.
func (r *InFlightRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
