package testutil

import (
	"context"
	"sync"

	"github.com/roach88/inapp/internal/storage"
)

// FlakyStore is an in-memory storage whose operations can be made to fail.
// It implements storage.Syncer and counts Sync calls.
type FlakyStore struct {
	*storage.Memory

	mu        sync.Mutex
	syncErr   error
	getErr    error
	setErr    error
	removeErr error
	syncCalls int
	setCalls  int
}

// NewFlakyStore creates a store where every operation succeeds until told
// otherwise.
func NewFlakyStore() *FlakyStore {
	return &FlakyStore{Memory: storage.NewMemory()}
}

// FailSync makes Sync return err. Pass nil to restore success.
func (s *FlakyStore) FailSync(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncErr = err
}

// FailGet makes Get return err. Pass nil to restore success.
func (s *FlakyStore) FailGet(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getErr = err
}

// FailSet makes Set return err. Pass nil to restore success.
func (s *FlakyStore) FailSet(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setErr = err
}

// FailRemove makes Remove return err. Pass nil to restore success.
func (s *FlakyStore) FailRemove(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeErr = err
}

// SyncCalls returns how many times Sync ran.
func (s *FlakyStore) SyncCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncCalls
}

// SetCalls returns how many times Set ran, including failed calls.
func (s *FlakyStore) SetCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setCalls
}

// Sync records the call and returns the injected error, if any.
func (s *FlakyStore) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncCalls++
	return s.syncErr
}

// Get fails with the injected error or reads from memory.
func (s *FlakyStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	err := s.getErr
	s.mu.Unlock()
	if err != nil {
		return "", false, err
	}
	return s.Memory.Get(ctx, key)
}

// Set fails with the injected error or writes to memory.
func (s *FlakyStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	s.setCalls++
	err := s.setErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Memory.Set(ctx, key, value)
}

// Remove fails with the injected error or deletes from memory.
func (s *FlakyStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	err := s.removeErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Memory.Remove(ctx, key)
}
