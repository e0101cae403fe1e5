package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type memoryStorage struct {
	quota int

	mu      sync.RWMutex
	entries map[string]string
	used    int
}

// NewMemory returns an in-process store. A positive quota caps the summed
// length of keys and values; writes beyond it fail with ErrQuotaExceeded.
func NewMemory(quota int) Storage {
	if quota < 0 {
		quota = 0
	}
	return &memoryStorage{quota: quota, entries: make(map[string]string)}
}

func (s *memoryStorage) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.entries[key]
	return value, ok, nil
}

func (s *memoryStorage) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.used + len(key) + len(value)
	if old, ok := s.entries[key]; ok {
		next -= len(key) + len(old)
	}
	if s.quota > 0 && next > s.quota {
		return ErrQuotaExceeded
	}
	s.entries[key] = value
	s.used = next
	return nil
}

func (s *memoryStorage) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(key)
	return nil
}

func (s *memoryStorage) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *memoryStorage) DeletePrefix(_ context.Context, prefix string) error {
	if prefix == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			s.removeLocked(key)
		}
	}
	return nil
}

func (s *memoryStorage) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]string)
	s.used = 0
	return nil
}

func (s *memoryStorage) Close(_ context.Context) error {
	return nil
}

func (s *memoryStorage) removeLocked(key string) {
	if old, ok := s.entries[key]; ok {
		s.used -= len(key) + len(old)
		delete(s.entries, key)
	}
}
