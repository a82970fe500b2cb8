package retention

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagecapture/internal/capture"
	"github.com/JakeFAU/pagecapture/internal/metrics"
)

// Config controls expiry.
type Config struct {
	// UnclaimedTTL expires stored artifacts nobody downloaded. Zero disables it.
	UnclaimedTTL time.Duration
	// ClaimedGrace keeps a released artifact's blob around. Zero deletes on release.
	ClaimedGrace time.Duration
	// OrphanAge is the minimum age of an unreferenced blob before the sweep
	// deletes it. Zero disables orphan cleanup.
	OrphanAge time.Duration
	// Prefix scopes the orphan listing to artifact blobs.
	Prefix string
}

// Report summarises one sweep.
type Report struct {
	Expired int
	Claimed int
	Orphans int
	Errors  int
}

type entry struct {
	ref       capture.ArtifactRef
	pending   bool
	storedAt  time.Time
	claimed   bool
	claimedAt time.Time
}

// Store implements capture.ArtifactRetention over a BlobStore.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry

	blobs  capture.BlobStore
	clock  capture.Clock
	cfg    Config
	logger *zap.Logger
}

// New builds a Store. Orphan cleanup requires blobs to implement
// capture.ObjectLister.
func New(blobs capture.BlobStore, clock capture.Clock, cfg Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		entries: make(map[string]*entry),
		blobs:   blobs,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
}

// Expect marks jobID as in progress so Retrieve reports NotReady.
func (s *Store) Expect(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[jobID]; !ok {
		s.entries[jobID] = &entry{pending: true}
	}
	s.publishLocked()
}

// Store records the artifact for jobID.
func (s *Store) Store(jobID string, ref capture.ArtifactRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[jobID] = &entry{ref: ref, storedAt: s.clock.Now()}
	s.publishLocked()
}

// Forget drops a pending expectation. Stored artifacts are unaffected.
func (s *Store) Forget(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[jobID]; ok && e.pending {
		delete(s.entries, jobID)
	}
	s.publishLocked()
}

// Retrieve returns the stored reference. Pending jobs report
// capture.ErrArtifactNotReady; unknown or claimed ones capture.ErrArtifactNotFound.
func (s *Store) Retrieve(jobID string) (capture.ArtifactRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[jobID]
	switch {
	case !ok, e.claimed:
		return capture.ArtifactRef{}, capture.ErrArtifactNotFound
	case e.pending:
		return capture.ArtifactRef{}, capture.ErrArtifactNotReady
	default:
		return e.ref, nil
	}
}

// Open streams the artifact bytes.
func (s *Store) Open(ctx context.Context, ref capture.ArtifactRef) (io.ReadCloser, error) {
	rc, err := s.blobs.GetObject(ctx, ref.Path)
	if err != nil {
		return nil, fmt.Errorf("open artifact %s: %w", ref.Path, err)
	}
	return rc, nil
}

// Release claims the artifact for jobID. Unknown and already claimed jobs are
// a no-op; pending ones report capture.ErrArtifactNotReady.
func (s *Store) Release(ctx context.Context, jobID string) error {
	s.mu.Lock()
	e, ok := s.entries[jobID]
	switch {
	case !ok, e.claimed:
		s.mu.Unlock()
		return nil
	case e.pending:
		s.mu.Unlock()
		return capture.ErrArtifactNotReady
	}
	if s.cfg.ClaimedGrace > 0 {
		e.claimed = true
		e.claimedAt = s.clock.Now()
		s.mu.Unlock()
		return nil
	}
	delete(s.entries, jobID)
	s.publishLocked()
	s.mu.Unlock()

	return s.deleteBlob(ctx, jobID, e.ref.Path)
}

// Len reports how many records are held, pending ones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

type victim struct {
	jobID string
	path  string
}

// SweepExpired deletes unclaimed artifacts past UnclaimedTTL, claimed ones past
// ClaimedGrace and, when possible, orphan blobs older than OrphanAge.
// Pending records are never swept.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) Report {
	var report Report
	var victims []victim

	s.mu.Lock()
	for jobID, e := range s.entries {
		switch {
		case e.pending:
			continue
		case e.claimed && now.Sub(e.claimedAt) >= s.cfg.ClaimedGrace:
			report.Claimed++
		case !e.claimed && s.cfg.UnclaimedTTL > 0 && now.Sub(e.storedAt) > s.cfg.UnclaimedTTL:
			report.Expired++
		default:
			continue
		}
		delete(s.entries, jobID)
		victims = append(victims, victim{jobID: jobID, path: e.ref.Path})
	}
	s.publishLocked()
	s.mu.Unlock()

	for _, v := range victims {
		if err := s.deleteBlob(ctx, v.jobID, v.path); err != nil {
			report.Errors++
		}
	}

	orphans, errs := s.sweepOrphans(ctx, now)
	report.Orphans += orphans
	report.Errors += errs
	return report
}

func (s *Store) sweepOrphans(ctx context.Context, now time.Time) (int, int) {
	lister, ok := s.blobs.(capture.ObjectLister)
	if !ok || s.cfg.OrphanAge <= 0 {
		return 0, 0
	}
	prefix := strings.TrimSuffix(s.cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	objects, err := lister.ListObjects(ctx, prefix)
	if err != nil {
		s.logger.Warn("orphan listing failed", zap.String("prefix", prefix), zap.Error(err))
		return 0, 1
	}

	s.mu.Lock()
	live := make(map[string]struct{}, len(s.entries))
	for _, e := range s.entries {
		if e.ref.Path != "" {
			live[e.ref.Path] = struct{}{}
		}
	}
	s.mu.Unlock()

	var removed, errs int
	for _, obj := range objects {
		if _, ok := live[obj.Path]; ok {
			continue
		}
		if now.Sub(obj.UpdatedAt) < s.cfg.OrphanAge {
			continue
		}
		if err := s.deleteBlob(ctx, "", obj.Path); err != nil {
			errs++
			continue
		}
		removed++
	}
	return removed, errs
}

func (s *Store) deleteBlob(ctx context.Context, jobID, path string) error {
	if path == "" {
		return nil
	}
	if err := s.blobs.DeleteObject(ctx, path); err != nil {
		metrics.ObserveArtifactDeleteError()
		s.logger.Warn("artifact delete failed",
			zap.String("job_id", jobID),
			zap.String("path", path),
			zap.Error(err),
		)
		return fmt.Errorf("delete artifact %s: %w", path, err)
	}
	s.logger.Debug("artifact deleted", zap.String("job_id", jobID), zap.String("path", path))
	return nil
}

func (s *Store) publishLocked() {
	metrics.SetRetainedArtifacts(len(s.entries))
}
