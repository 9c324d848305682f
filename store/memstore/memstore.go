// Package memstore is a reference in-process implementation of
// ports.StateStore and ports.DistributedStateStore, suitable for tests
// and single-process demos. Concurrency safety follows the same
// sync.Mutex + optimistic version-counter pattern a SQL-backed store
// would use for its claim protocol, so swapping this out for a real
// database changes only the storage, not the contract.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/vgpastor/bulkimport/ports"
	"github.com/vgpastor/bulkimport/store"
)

type jobRecord struct {
	state   ports.JobState
	records map[string][]ports.ProcessedRecord // batchID -> records
	claims  map[string]claim                   // batchID -> claim
	version int64
}

type claim struct {
	workerID  string
	claimedAt time.Time
}

// Store is the in-memory StateStore/DistributedStateStore.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*jobRecord
}

// New creates an empty Store.
func New() *Store {
	return &Store{jobs: make(map[string]*jobRecord)}
}

func (s *Store) SaveJobState(_ context.Context, job ports.JobState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[job.ID]
	if !ok {
		rec = &jobRecord{records: make(map[string][]ports.ProcessedRecord), claims: make(map[string]claim)}
		s.jobs[job.ID] = rec
	}
	rec.state = job
	rec.version++
	return nil
}

func (s *Store) GetJobState(_ context.Context, jobID string) (*ports.JobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, nil
	}
	state := rec.state
	return &state, nil
}

func (s *Store) UpdateBatchState(_ context.Context, jobID, batchID string, update ports.BatchStateUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return store.NewNotFoundError("job not found").WithJob(jobID)
	}
	for i := range rec.state.Batches {
		if rec.state.Batches[i].ID == batchID {
			rec.state.Batches[i].Status = update.Status
			rec.state.Batches[i].ProcessedCount = update.ProcessedCount
			rec.state.Batches[i].FailedCount = update.FailedCount
			rec.version++
			return nil
		}
	}
	return store.NewNotFoundError("batch not found").WithJob(jobID).WithBatch(batchID)
}

func (s *Store) SaveProcessedRecord(_ context.Context, jobID, batchID string, rec ports.ProcessedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		job = &jobRecord{records: make(map[string][]ports.ProcessedRecord), claims: make(map[string]claim)}
		s.jobs[jobID] = job
	}
	job.records[batchID] = append(job.records[batchID], rec)
	return nil
}

func (s *Store) allRecords(jobID string) []ports.ProcessedRecord {
	job, ok := s.jobs[jobID]
	if !ok {
		return nil
	}
	var all []ports.ProcessedRecord
	for _, recs := range job.records {
		all = append(all, recs...)
	}
	return all
}

func (s *Store) GetFailedRecords(_ context.Context, jobID string) ([]ports.ProcessedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ports.ProcessedRecord
	for _, r := range s.allRecords(jobID) {
		if r.Status == ports.RecordFailed {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) GetPendingRecords(_ context.Context, jobID string) ([]ports.ProcessedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ports.ProcessedRecord
	for _, r := range s.allRecords(jobID) {
		if r.Status == ports.RecordPending || r.Status == ports.RecordValid {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) GetProcessedRecords(_ context.Context, jobID string) ([]ports.ProcessedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ports.ProcessedRecord
	for _, r := range s.allRecords(jobID) {
		if r.Status == ports.RecordProcessed {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) GetProgress(_ context.Context, jobID string) (ports.JobProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ports.JobProgress{}, store.NewNotFoundError("job not found").WithJob(jobID)
	}

	var processed, failed, total int
	for _, b := range job.state.Batches {
		processed += b.ProcessedCount
		failed += b.FailedCount
	}
	total = job.state.TotalRecords
	pending := total - processed - failed
	if pending < 0 {
		pending = 0
	}
	pct := 0.0
	if total > 0 {
		pct = float64(processed+failed) / float64(total) * 100
	}
	return ports.JobProgress{
		TotalRecords:     total,
		ProcessedRecords: processed,
		FailedRecords:    failed,
		PendingRecords:   pending,
		Percentage:       pct,
		TotalBatches:     len(job.state.Batches),
	}, nil
}

// ClaimBatch atomically reserves the next pending batch for workerID.
// The store mutex serializes concurrent claims, so two callers never
// reserve the same batch and ClaimBatch never reports a conflict. The
// version counter on jobRecord is bumped on every job-state or claim
// change (record saves leave it alone), mirroring a `version` column a
// SQL-backed store would compare-and-swap on.
func (s *Store) ClaimBatch(_ context.Context, jobID, workerID string) (ports.ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ports.ClaimResult{Reason: ports.ClaimReasonJobNotFound}, nil
	}
	if job.state.Status != ports.JobProcessing {
		return ports.ClaimResult{Reason: ports.ClaimReasonJobNotProcessing}, nil
	}

	for i := range job.state.Batches {
		b := &job.state.Batches[i]
		if b.Status != ports.BatchPending {
			continue
		}
		if _, claimed := job.claims[b.ID]; claimed {
			continue
		}
		job.claims[b.ID] = claim{workerID: workerID, claimedAt: time.Now()}
		b.Status = ports.BatchProcessing
		job.version++

		return ports.ClaimResult{
			Claimed: true,
			Reservation: ports.BatchReservation{
				JobID:      jobID,
				BatchID:    b.ID,
				BatchIndex: b.Index,
				WorkerID:   workerID,
				ClaimedAt:  job.claims[b.ID].claimedAt,
			},
		}, nil
	}

	return ports.ClaimResult{Reason: ports.ClaimReasonNoPendingBatches}, nil
}

// ReleaseBatch reverts a claimed batch to pending, for a worker that
// cannot finish it (crash recovery path, called by the caller's own
// failure handling rather than automatically).
func (s *Store) ReleaseBatch(_ context.Context, jobID, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return store.NewNotFoundError("job not found").WithJob(jobID)
	}
	delete(job.claims, batchID)
	for i := range job.state.Batches {
		if job.state.Batches[i].ID == batchID {
			job.state.Batches[i].Status = ports.BatchPending
			job.version++
			return nil
		}
	}
	return store.NewNotFoundError("batch not found").WithJob(jobID).WithBatch(batchID)
}

// ReclaimStaleBatches releases every claim older than staleTimeoutMs back
// to pending, so a crashed worker's batch becomes claimable again.
func (s *Store) ReclaimStaleBatches(_ context.Context, jobID string, staleTimeoutMs int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return 0, store.NewNotFoundError("job not found").WithJob(jobID)
	}

	cutoff := time.Duration(staleTimeoutMs) * time.Millisecond
	reclaimed := 0
	for batchID, c := range job.claims {
		if time.Since(c.claimedAt) < cutoff {
			continue
		}
		delete(job.claims, batchID)
		for i := range job.state.Batches {
			if job.state.Batches[i].ID == batchID {
				job.state.Batches[i].Status = ports.BatchPending
				reclaimed++
				break
			}
		}
	}
	if reclaimed > 0 {
		job.version++
	}
	return reclaimed, nil
}

func (s *Store) SaveBatchRecords(_ context.Context, jobID, batchID string, recs []ports.ProcessedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		job = &jobRecord{records: make(map[string][]ports.ProcessedRecord), claims: make(map[string]claim)}
		s.jobs[jobID] = job
	}
	job.records[batchID] = recs
	return nil
}

func (s *Store) GetBatchRecords(_ context.Context, jobID, batchID string) ([]ports.ProcessedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, store.NewNotFoundError("job not found").WithJob(jobID)
	}
	return job.records[batchID], nil
}

func (s *Store) GetDistributedStatus(_ context.Context, jobID string) (ports.JobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ports.JobState{}, store.NewNotFoundError("job not found").WithJob(jobID)
	}
	return job.state, nil
}

// TryFinalizeJob moves the job to a terminal status iff every batch is
// terminal, and reports true only to the caller that performed the move —
// any later caller sees the job already terminal and gets false, so
// exactly one worker runs job-level completion side effects.
func (s *Store) TryFinalizeJob(_ context.Context, jobID string) (bool, ports.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return false, "", store.NewNotFoundError("job not found").WithJob(jobID)
	}
	if job.state.Status == ports.JobCompleted || job.state.Status == ports.JobFailed || job.state.Status == ports.JobAborted {
		return false, job.state.Status, nil
	}

	anyFailed := false
	for _, b := range job.state.Batches {
		if b.Status != ports.BatchCompleted && b.Status != ports.BatchFailed {
			return false, job.state.Status, nil
		}
		if b.Status == ports.BatchFailed {
			anyFailed = true
		}
	}

	final := ports.JobCompleted
	if anyFailed {
		final = ports.JobFailed
	}
	job.state.Status = final
	now := time.Now()
	job.state.CompletedAt = &now
	job.version++

	return true, final, nil
}
