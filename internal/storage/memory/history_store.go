package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/pagecapture/internal/capture"
)

// HistoryStore keeps the latest job snapshot and every attempt in memory.
type HistoryStore struct {
	mu       sync.RWMutex
	jobs     map[string]capture.JobRecord
	attempts map[string][]capture.AttemptRecord
}

// NewHistoryStore constructs an empty HistoryStore.
func NewHistoryStore() *HistoryStore {
	return &HistoryStore{
		jobs:     make(map[string]capture.JobRecord),
		attempts: make(map[string][]capture.AttemptRecord),
	}
}

// UpsertJob replaces the job snapshot unless the stored one is newer.
// URL and strategy survive updates that leave them empty.
func (s *HistoryStore) UpsertJob(_ context.Context, rec capture.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.jobs[rec.JobID]
	if ok && prev.At.After(rec.At) {
		return nil
	}
	if ok {
		if rec.URL == "" {
			rec.URL = prev.URL
		}
		if rec.Strategy == "" {
			rec.Strategy = prev.Strategy
		}
	}
	s.jobs[rec.JobID] = rec
	return nil
}

// RecordAttempt appends an attempt row.
func (s *HistoryStore) RecordAttempt(_ context.Context, rec capture.AttemptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[rec.JobID] = append(s.attempts[rec.JobID], rec)
	return nil
}

// Job returns the latest snapshot for id.
func (s *HistoryStore) Job(id string) (capture.JobRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[id]
	return rec, ok
}

// Attempts returns a copy of the attempts recorded for id.
func (s *HistoryStore) Attempts(id string) []capture.AttemptRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]capture.AttemptRecord(nil), s.attempts[id]...)
}

// Close implements capture.HistoryStore.
func (s *HistoryStore) Close() {}
