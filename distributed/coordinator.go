// Package distributed implements the multi-worker batch-claim protocol:
// one caller Prepares a job by splitting and persisting its batches up
// front, then any number of independent worker processes call
// ProcessWorkerBatch in a loop, each claiming one pending batch at a
// time from the shared DistributedStateStore until none remain.
package distributed

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vgpastor/bulkimport/bus"
	"github.com/vgpastor/bulkimport/pipeline"
	"github.com/vgpastor/bulkimport/ports"
	"github.com/vgpastor/bulkimport/splitter"
)

// Options configures the batch and retry policy for a distributed job,
// mirroring scheduler.Options but without the concurrency knob: worker
// concurrency in the distributed model comes from running N separate
// ProcessWorkerBatch callers, not from an in-process worker pool.
type Options struct {
	BatchSize        int
	ContinueOnError  bool
	MaxRetries       int
	RetryDelayMs     int
	SkipEmptyRows    bool
	StaleTimeoutMs   int64
	Validate         ports.ValidateFunc
	Hooks            ports.Hooks
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.StaleTimeoutMs <= 0 {
		o.StaleTimeoutMs = 60_000
	}
	return o
}

// PrepareResult summarizes a freshly prepared distributed job.
type PrepareResult struct {
	JobID        string
	TotalRecords int
	TotalBatches int
}

// ClaimOutcome reports what happened when a worker asked for work.
type ClaimOutcome string

const (
	ClaimOutcomeProcessed    ClaimOutcome = "processed"
	ClaimOutcomeNoWork       ClaimOutcome = "no_work"
	ClaimOutcomeJobNotFound  ClaimOutcome = "job_not_found"
	ClaimOutcomeJobNotActive ClaimOutcome = "job_not_active"
)

// WorkerBatchResult is the outcome of one ProcessWorkerBatch call.
type WorkerBatchResult struct {
	Outcome        ClaimOutcome
	BatchID        string
	BatchIndex     int
	ProcessedCount int
	FailedCount    int
	JobFinalized   bool
	FinalStatus    ports.JobStatus
}

// Coordinator drives the prepare/claim/finalize protocol against a
// DistributedStateStore. It holds no per-job in-memory state of its
// own (unlike scheduler.Engine) since any worker process can call it
// for any job; all durable state lives in the store.
type Coordinator struct {
	log   zerolog.Logger
	store ports.DistributedStateStore
	bus   *bus.Bus
	opts  Options
}

// New constructs a Coordinator bound to a DistributedStateStore.
func New(log zerolog.Logger, store ports.DistributedStateStore, b *bus.Bus, opts Options) *Coordinator {
	if b == nil {
		b = bus.New(log)
	}
	return &Coordinator{
		log:   log.With().Str("component", "distributed").Logger(),
		store: store,
		bus:   b,
		opts:  opts.withDefaults(),
	}
}

// Prepare drains source through parser, splits the records into fixed
// batches, and persists the job plus every batch as Pending so that any
// number of independent workers can subsequently claim and process
// them. Unlike scheduler.Engine, the full record set is read and split
// up front rather than streamed lazily, since the claim protocol needs
// every batch's boundaries fixed before workers start claiming.
func (c *Coordinator) Prepare(ctx context.Context, source ports.DataSource, parser ports.Parser) (PrepareResult, error) {
	jobID := uuid.NewString()

	records, errCh := streamRecords(ctx, source, parser)
	groups := splitter.Split(records, c.opts.BatchSize)

	var batches []ports.Batch
	total := 0
	for g := range groups {
		batchID := uuid.NewString()
		batch := ports.Batch{ID: batchID, Index: g.Index, Status: ports.BatchPending}
		batches = append(batches, batch)
		total += len(g.Records)

		recs := make([]ports.ProcessedRecord, len(g.Records))
		copy(recs, g.Records)
		if err := c.store.SaveBatchRecords(ctx, jobID, batchID, recs); err != nil {
			return PrepareResult{}, fmt.Errorf("prepare job %s: save batch %d: %w", jobID, g.Index, err)
		}
	}
	if err, ok := <-errCh; ok && err != nil {
		return PrepareResult{}, fmt.Errorf("prepare job %s: %w", jobID, err)
	}

	state := ports.JobState{
		ID:     jobID,
		Status: ports.JobProcessing,
		Config: ports.JobConfig{
			BatchSize:       c.opts.BatchSize,
			ContinueOnError: c.opts.ContinueOnError,
			MaxRetries:      c.opts.MaxRetries,
			RetryDelayMs:    c.opts.RetryDelayMs,
			SkipEmptyRows:   c.opts.SkipEmptyRows,
			Distributed:     true,
		},
		Batches:      batches,
		TotalRecords: total,
		StartedAt:    time.Now(),
		Distributed:  true,
	}
	if err := c.store.SaveJobState(ctx, state); err != nil {
		return PrepareResult{}, fmt.Errorf("prepare job %s: save state: %w", jobID, err)
	}

	c.bus.Emit(bus.Event{
		Kind:      bus.DistributedPrepared,
		JobID:     jobID,
		Timestamp: time.Now(),
		Payload:   bus.DistributedPreparedPayload{TotalRecords: total, TotalBatches: len(batches)},
	})

	return PrepareResult{JobID: jobID, TotalRecords: total, TotalBatches: len(batches)}, nil
}

// ProcessWorkerBatch first sweeps stale claims for jobID back to pending
// (a best-effort step: a sweep failure is logged, not fatal, since a
// worker should still attempt to claim fresh work), then claims at most
// one pending batch for workerID and, if one was available, runs every
// record in it through the shared record pipeline, persists the results,
// and attempts to finalize the job if this was the last outstanding
// batch. Callers loop on this until it reports ClaimOutcomeNoWork.
func (c *Coordinator) ProcessWorkerBatch(ctx context.Context, jobID string, processor ports.Processor, workerID string) (WorkerBatchResult, error) {
	if _, err := c.ReclaimStale(ctx, jobID, c.opts.StaleTimeoutMs); err != nil {
		c.log.Warn().Err(err).Str("job_id", jobID).Msg("automatic stale-claim reclaim failed")
	}

	claim, err := c.store.ClaimBatch(ctx, jobID, workerID)
	if err != nil {
		return WorkerBatchResult{}, NewClaimError(ClaimErrorTypeStore, "claim batch").WithJob(jobID).WithCause(err)
	}
	if !claim.Claimed {
		switch claim.Reason {
		case ports.ClaimReasonJobNotFound:
			return WorkerBatchResult{Outcome: ClaimOutcomeJobNotFound}, nil
		case ports.ClaimReasonJobNotProcessing:
			if state, serr := c.store.GetJobState(ctx, jobID); serr == nil && state != nil &&
				(state.Status == ports.JobCompleted || state.Status == ports.JobFailed || state.Status == ports.JobAborted) {
				return WorkerBatchResult{Outcome: ClaimOutcomeNoWork}, nil
			}
			return WorkerBatchResult{Outcome: ClaimOutcomeJobNotActive}, nil
		default:
			return WorkerBatchResult{Outcome: ClaimOutcomeNoWork}, nil
		}
	}

	reservation := claim.Reservation
	c.bus.Emit(bus.Event{
		Kind:      bus.BatchClaimed,
		JobID:     jobID,
		Timestamp: time.Now(),
		Payload:   bus.BatchPayload{BatchID: reservation.BatchID, BatchIndex: reservation.BatchIndex, WorkerID: workerID},
	})

	recs, err := c.store.GetBatchRecords(ctx, jobID, reservation.BatchID)
	if err != nil {
		_ = c.store.ReleaseBatch(ctx, jobID, reservation.BatchID)
		return WorkerBatchResult{}, NewClaimError(ClaimErrorTypeRecord, "load batch records").WithJob(jobID).WithBatch(reservation.BatchID).WithCause(err)
	}

	deps := pipeline.Deps{
		Validate:        c.opts.Validate,
		Hooks:           c.opts.Hooks,
		MaxRetries:      c.opts.MaxRetries,
		RetryDelayMs:    c.opts.RetryDelayMs,
		ContinueOnError: c.opts.ContinueOnError,
		SkipEmptyRows:   c.opts.SkipEmptyRows,
		Store:           c.store,
		Bus:             c.bus,
	}
	gate := ctxGate{ctx: ctx}

	out := make([]ports.ProcessedRecord, 0, len(recs))
	processed, failed := 0, 0
	var fatal error
	for _, rec := range recs {
		hc := ports.HookContext{
			JobID:       jobID,
			BatchID:     reservation.BatchID,
			BatchIndex:  reservation.BatchIndex,
			RecordIndex: rec.Index,
		}
		outcome := pipeline.ProcessRecord(ctx, gate, jobID, reservation.BatchID, hc, rec, processor, deps)
		if outcome.Skipped {
			continue
		}
		out = append(out, outcome.Record)
		switch outcome.Record.Status {
		case ports.RecordProcessed:
			processed++
		case ports.RecordFailed:
			failed++
		}
		if outcome.FatalErr != nil {
			fatal = outcome.FatalErr
			break
		}
	}

	if err := c.store.SaveBatchRecords(ctx, jobID, reservation.BatchID, out); err != nil {
		return WorkerBatchResult{}, NewClaimError(ClaimErrorTypeRecord, "save processed batch records").WithJob(jobID).WithBatch(reservation.BatchID).WithCause(err)
	}

	status := ports.BatchCompleted
	if (failed > 0 || fatal != nil) && !c.opts.ContinueOnError {
		status = ports.BatchFailed
	}
	if err := c.store.UpdateBatchState(ctx, jobID, reservation.BatchID, ports.BatchStateUpdate{
		Status:         status,
		ProcessedCount: processed,
		FailedCount:    failed,
	}); err != nil {
		return WorkerBatchResult{}, NewClaimError(ClaimErrorTypeRecord, "update batch state").WithJob(jobID).WithBatch(reservation.BatchID).WithCause(err)
	}

	kind := bus.BatchCompleted
	if status == ports.BatchFailed {
		kind = bus.BatchFailed
	}
	c.bus.Emit(bus.Event{
		Kind:      kind,
		JobID:     jobID,
		Timestamp: time.Now(),
		Payload: bus.BatchPayload{
			BatchID:        reservation.BatchID,
			BatchIndex:     reservation.BatchIndex,
			ProcessedCount: processed,
			FailedCount:    failed,
		},
	})

	result := WorkerBatchResult{
		Outcome:        ClaimOutcomeProcessed,
		BatchID:        reservation.BatchID,
		BatchIndex:     reservation.BatchIndex,
		ProcessedCount: processed,
		FailedCount:    failed,
	}

	finalized, finalStatus, err := c.store.TryFinalizeJob(ctx, jobID)
	if err != nil {
		return result, NewClaimError(ClaimErrorTypeFinalize, "finalize job").WithJob(jobID).WithCause(err)
	}
	if finalized {
		result.JobFinalized = true
		result.FinalStatus = finalStatus
		c.bus.Emit(bus.Event{Kind: bus.JobCompleted, JobID: jobID, Timestamp: time.Now()})
	}

	if fatal != nil && !c.opts.ContinueOnError {
		return result, fatal
	}
	return result, nil
}

// GetStats returns a non-authoritative introspection snapshot for jobID,
// mirroring batch.Pipeline.GetStats's map[string]any shape.
func (c *Coordinator) GetStats(ctx context.Context, jobID string) (map[string]any, error) {
	state, err := c.store.GetDistributedStatus(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("get stats for job %s: %w", jobID, err)
	}

	byStatus := make(map[string]int)
	processed, failed := 0, 0
	for _, b := range state.Batches {
		byStatus[string(b.Status)]++
		processed += b.ProcessedCount
		failed += b.FailedCount
	}

	return map[string]any{
		"job_id":            state.ID,
		"status":            string(state.Status),
		"total_records":     state.TotalRecords,
		"total_batches":     len(state.Batches),
		"batches_by_status": byStatus,
		"processed_records": processed,
		"failed_records":    failed,
	}, nil
}

// ReclaimStale releases every batch claimed longer ago than timeoutMs
// back to pending, so a crashed worker's in-flight batch becomes
// claimable by another worker. ProcessWorkerBatch already calls this
// before every claim attempt; it is also exported standalone so an
// operator (or a periodic sweep) can run it out of band, e.g. while no
// worker is actively looping. A timeoutMs of 0 uses the coordinator's
// configured default.
func (c *Coordinator) ReclaimStale(ctx context.Context, jobID string, timeoutMs int64) (int, error) {
	if timeoutMs <= 0 {
		timeoutMs = c.opts.StaleTimeoutMs
	}
	n, err := c.store.ReclaimStaleBatches(ctx, jobID, timeoutMs)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale batches for job %s: %w", jobID, err)
	}
	if n > 0 {
		c.log.Info().Str("job_id", jobID).Int("count", n).Msg("reclaimed stale batch claims")
	}
	return n, nil
}

// streamRecords drains source/parser fully and assigns each record its
// stream-order index, the same pairing scheduler.Engine does but
// collected into a plain channel rather than fed straight to workers,
// since Prepare needs every batch boundary fixed before any claim can
// happen.
func streamRecords(ctx context.Context, source ports.DataSource, parser ports.Parser) (<-chan ports.ProcessedRecord, <-chan error) {
	out := make(chan ports.ProcessedRecord)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		chunks, srcErrs := source.Read(ctx)
		index := 0
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-srcErrs:
				if ok && err != nil {
					errCh <- fmt.Errorf("read source: %w", err)
					return
				}
			case chunk, ok := <-chunks:
				if !ok {
					return
				}
				recs, perrs := parser.Parse(ctx, chunk)
			drainChunk:
				for {
					select {
					case <-ctx.Done():
						return
					case err, ok := <-perrs:
						if ok && err != nil {
							errCh <- fmt.Errorf("parse chunk: %w", err)
							return
						}
					case raw, ok := <-recs:
						if !ok {
							break drainChunk
						}
						select {
						case out <- ports.ProcessedRecord{Index: index, Raw: raw, Status: ports.RecordPending}:
							index++
						case <-ctx.Done():
							return
						}
					}
				}
			}
		}
	}()

	return out, errCh
}

// ctxGate is the pipeline.Gate adapter for distributed workers: there
// is no pause latch to await because pausing a distributed job means
// the coordinator simply stops handing out claims (JobPaused fails
// ClaimBatch's status check), not a cooperative in-process signal.
type ctxGate struct {
	ctx context.Context
}

func (g ctxGate) Done() <-chan struct{} {
	return g.ctx.Done()
}

func (g ctxGate) Canceled() bool {
	return g.ctx.Err() != nil
}

func (g ctxGate) AwaitPause() {}
