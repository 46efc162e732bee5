// Package memory stores media records in-memory for development.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/mediascrape/internal/media"
)

// ErrClosed is returned by BulkInsert after Close.
var ErrClosed = errors.New("store closed")

// Store keeps every inserted record in insertion order.
type Store struct {
	mu      sync.RWMutex
	records []media.Record
	batches int
	closed  bool
}

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{}
}

// BulkInsert appends the batch.
func (s *Store) BulkInsert(_ context.Context, records []media.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.records = append(s.records, records...)
	s.batches++
	return nil
}

// Records returns a copy of everything stored so far.
func (s *Store) Records() []media.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]media.Record(nil), s.records...)
}

// Batches reports how many BulkInsert calls succeeded.
func (s *Store) Batches() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.batches
}

// Close rejects further inserts.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
