// Package memory keeps checkpoints in process memory. Transcripts are lost
// on restart. An optional bound on the number of threads evicts the least
// recently used one.
package memory

import (
	"container/list"
	"context"
	"sync"

	"github.com/rhuss/datachat/pkg/llm"
	"github.com/rhuss/datachat/pkg/storage"
)

type entry struct {
	threadID string
	tenantID string
	messages []llm.Message
	lruElem  *list.Element
}

// Store is an in-memory CheckpointStore with optional LRU eviction.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	lruList *list.List // front = most recently used
	maxSize int        // 0 = unlimited
}

var _ storage.CheckpointStore = (*Store)(nil)

// New creates a store holding at most maxThreads threads, or any number
// when maxThreads is 0.
func New(maxThreads int) *Store {
	return &Store{
		entries: make(map[string]*entry),
		lruList: list.New(),
		maxSize: maxThreads,
	}
}

func (s *Store) Append(ctx context.Context, threadID string, msgs ...llm.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[threadID]
	if !ok {
		if s.maxSize > 0 && len(s.entries) >= s.maxSize {
			s.evictOldest()
		}
		e = &entry{threadID: threadID, tenantID: storage.GetTenant(ctx)}
		e.lruElem = s.lruList.PushFront(e)
		s.entries[threadID] = e
	} else if !storage.SameTenant(ctx, e.tenantID) {
		return storage.ErrNotFound
	}

	e.messages = append(e.messages, msgs...)
	s.lruList.MoveToFront(e.lruElem)
	return nil
}

// Load returns a copy of the thread's messages.
func (s *Store) Load(ctx context.Context, threadID string) ([]llm.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[threadID]
	if !ok {
		return nil, nil
	}
	if !storage.SameTenant(ctx, e.tenantID) {
		return nil, storage.ErrNotFound
	}
	s.lruList.MoveToFront(e.lruElem)

	out := make([]llm.Message, len(e.messages))
	copy(out, e.messages)
	return out, nil
}

func (s *Store) Delete(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[threadID]
	if !ok || !storage.SameTenant(ctx, e.tenantID) {
		return storage.ErrNotFound
	}
	s.lruList.Remove(e.lruElem)
	delete(s.entries, threadID)
	return nil
}

// Len returns the number of threads held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) HealthCheck(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// evictOldest removes the least recently used thread. Must be called with
// s.mu held.
func (s *Store) evictOldest() {
	back := s.lruList.Back()
	if back == nil {
		return
	}
	e := s.lruList.Remove(back).(*entry)
	delete(s.entries, e.threadID)
}
