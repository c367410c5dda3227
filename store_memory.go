/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// memoryStore keeps all session state in process memory. It is the
// default backend, and the one every test runs against.
type memoryStore struct {
	mu       sync.Mutex
	leaves   map[string][]byte
	watchers *watchList
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		leaves:   make(map[string][]byte),
		watchers: newWatchList(),
	}
}

func (s *memoryStore) Subscribe(path string, onChange func(value json.RawMessage)) func() {
	entry, cancel := s.watchers.add(path, onChange)

	s.mu.Lock()
	value := assembleValue(path, s.leaves)
	s.mu.Unlock()

	// Initial delivery, through the same ordered queue as later changes.
	entry.deliver(value)

	return cancel
}

func (s *memoryStore) ReadOnce(path string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return assembleValue(path, s.leaves), nil
}

func (s *memoryStore) Write(path string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	s.mu.Lock()
	s.leaves[path] = encoded
	s.notifyLocked(path)
	s.mu.Unlock()

	return nil
}

func (s *memoryStore) Push(path string, value any) (string, error) {
	id := uuid.NewString()
	if err := s.Write(path+"/"+id, value); err != nil {
		return "", err
	}
	return id, nil
}

func (s *memoryStore) Remove(path string) error {
	s.mu.Lock()
	removed := false
	for p := range s.leaves {
		if pathWithin(p, path) {
			delete(s.leaves, p)
			removed = true
		}
	}
	if removed {
		s.notifyLocked(path)
	}
	s.mu.Unlock()

	return nil
}

// notifyLocked snapshots each affected watcher's value while the state is
// still locked, then queues delivery.
func (s *memoryStore) notifyLocked(changed string) {
	for _, e := range s.watchers.affected(changed) {
		e.deliver(assembleValue(e.path, s.leaves))
	}
}

func (s *memoryStore) Connect() StoreConn {
	return newConnCleanups(func(path string) {
		_ = s.Remove(path)
	})
}

func (s *memoryStore) CloseStore() error {
	return nil
}
