package store

import (
	"context"
	"slices"
	"sync"

	"github.com/pithecene-io/shutter/types"
)

// StubArtifact is a recorded Persist call.
type StubArtifact struct {
	ID   types.Identity
	Data []byte
}

// StubStore records Persist calls for testing.
type StubStore struct {
	mu        sync.Mutex
	artifacts []StubArtifact
	notify    chan types.Identity
	// Err, when set, is returned by every Persist.
	Err    error
	closed bool
}

// NewStubStore creates a new stub store.
func NewStubStore() *StubStore {
	return &StubStore{notify: make(chan types.Identity, 64)}
}

// Persist records the artifact.
func (s *StubStore) Persist(_ context.Context, id types.Identity, data []byte) error {
	s.mu.Lock()
	if s.Err != nil {
		err := s.Err
		s.mu.Unlock()
		return err
	}
	s.artifacts = append(s.artifacts, StubArtifact{ID: id, Data: slices.Clone(data)})
	s.mu.Unlock()

	select {
	case s.notify <- id:
	default:
	}
	return nil
}

// Persisted signals the identity of each successful Persist.
func (s *StubStore) Persisted() <-chan types.Identity {
	return s.notify
}

// Artifacts returns a copy of the recorded artifacts.
func (s *StubStore) Artifacts() []StubArtifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.artifacts)
}

// SetErr sets the error returned by Persist.
func (s *StubStore) SetErr(err error) {
	s.mu.Lock()
	s.Err = err
	s.mu.Unlock()
}

// Close marks the store closed.
func (s *StubStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (s *StubStore) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Verify StubStore implements Store.
var _ Store = (*StubStore)(nil)
