// Package pipeline implements the per-record validate -> hooks -> process
// (with retry) pipeline. It is shared verbatim between the
// sequential/concurrent scheduler and the distributed coordinator, taking
// its dependencies and cooperative-suspension gate as parameters so
// neither caller needs its own copy.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/vgpastor/bulkimport/bus"
	"github.com/vgpastor/bulkimport/ports"
)

// Gate abstracts the cooperative cancel/pause checkpoints the pipeline
// honors at every suspension point. *jobctx.Context satisfies this without
// the pipeline importing jobctx, keeping the dependency direction
// bottom-up.
type Gate interface {
	Done() <-chan struct{}
	Canceled() bool
	AwaitPause()
}

// Deps bundles the pipeline's collaborators and tunables.
type Deps struct {
	Validate        ports.ValidateFunc
	Hooks           ports.Hooks
	MaxRetries      int
	RetryDelayMs    int
	ContinueOnError bool
	SkipEmptyRows   bool
	Store           ports.StateStore
	Bus             *bus.Bus
	// Sleep is a seam for deterministic retry-delay tests; defaults to
	// time.Sleep when nil.
	Sleep func(time.Duration)
}

func (d Deps) sleep(dur time.Duration) {
	if d.Sleep != nil {
		d.Sleep(dur)
		return
	}
	time.Sleep(dur)
}

// Outcome is the result of running one record through the pipeline.
type Outcome struct {
	Record  ports.ProcessedRecord
	Skipped bool
	// FatalErr is non-nil when this record's failure must stop the whole
	// job (a store failure, always; or a hard validation/processing
	// failure when ContinueOnError is false).
	FatalErr error
}

// ProcessRecord runs the full pipeline for one record within one batch.
func ProcessRecord(
	ctx context.Context,
	gate Gate,
	jobID, batchID string,
	hc ports.HookContext,
	rec ports.ProcessedRecord,
	processor ports.Processor,
	deps Deps,
) Outcome {
	if gate.Canceled() {
		return Outcome{Record: rec}
	}
	gate.AwaitPause()
	if gate.Canceled() {
		return Outcome{Record: rec}
	}

	if deps.SkipEmptyRows && isEmptyRaw(rec.Raw) {
		return Outcome{Record: rec, Skipped: true}
	}

	if deps.Validate != nil {
		outcome, done := runValidation(ctx, gate, jobID, batchID, hc, rec, deps)
		if done {
			return outcome
		}
		rec = outcome.Record
	}

	if deps.Hooks.BeforeProcess != nil {
		updated, err := deps.Hooks.BeforeProcess(ctx, hc, rec)
		if err != nil {
			return recordFailure(ctx, jobID, batchID, rec, fmt.Sprintf("beforeProcess hook failed: %v", err), deps)
		}
		rec = updated
	}

	return runProcessWithRetry(ctx, gate, jobID, batchID, hc, rec, processor, deps)
}

// runValidation runs the beforeValidate hook, the validator, and the
// afterValidate hook in sequence. The returned bool is true when the
// caller must stop (a hook/validation failure was terminal for this
// record); in that case Outcome is final.
func runValidation(
	ctx context.Context,
	gate Gate,
	jobID, batchID string,
	hc ports.HookContext,
	rec ports.ProcessedRecord,
	deps Deps,
) (Outcome, bool) {
	if deps.Hooks.BeforeValidate != nil {
		updated, err := deps.Hooks.BeforeValidate(ctx, hc, rec)
		if err != nil {
			return recordFailure(ctx, jobID, batchID, rec, fmt.Sprintf("beforeValidate hook failed: %v", err), deps), true
		}
		rec = updated
	}

	result := deps.Validate(rec.Data())
	rec.ValidationErrors = result.Errors
	if result.Parsed != nil {
		rec.Parsed = result.Parsed
	}

	if ports.HasHardErrors(rec.ValidationErrors) {
		rec.Status = ports.RecordInvalid
	} else {
		rec.Status = ports.RecordValid
	}

	if deps.Hooks.AfterValidate != nil {
		updated, err := deps.Hooks.AfterValidate(ctx, hc, rec)
		if err != nil {
			return recordFailure(ctx, jobID, batchID, rec, fmt.Sprintf("afterValidate hook failed: %v", err), deps), true
		}
		// The hook's returned error list is authoritative.
		rec = updated
		if ports.HasHardErrors(rec.ValidationErrors) {
			rec.Status = ports.RecordInvalid
		} else {
			rec.Status = ports.RecordValid
		}
	}

	if rec.Status == ports.RecordInvalid {
		if err := persist(ctx, jobID, batchID, rec, deps); err != nil {
			return Outcome{Record: rec, FatalErr: err}, true
		}
		emitRecordFailed(deps, jobID, batchID, rec)
		if !deps.ContinueOnError {
			return Outcome{Record: rec, FatalErr: NewStageError(StageValidate, rec.Index, firstHardMessage(rec.ValidationErrors)).WithBatch(batchID)}, true
		}
		return Outcome{Record: rec}, true
	}

	return Outcome{Record: rec}, false
}

func runProcessWithRetry(
	ctx context.Context,
	gate Gate,
	jobID, batchID string,
	hc ports.HookContext,
	rec ports.ProcessedRecord,
	processor ports.Processor,
	deps Deps,
) Outcome {
	maxAttempts := 1 + deps.MaxRetries
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if gate.Canceled() {
			return Outcome{Record: rec}
		}
		gate.AwaitPause()

		err := processor(ctx, rec)
		if err == nil {
			rec.Status = ports.RecordProcessed
			rec.RetryCount = attempt - 1
			rec.ProcessError = ""

			if perr := persist(ctx, jobID, batchID, rec, deps); perr != nil {
				return Outcome{Record: rec, FatalErr: perr}
			}
			emitRecordProcessed(deps, jobID, batchID, rec)

			if deps.Hooks.AfterProcess != nil {
				updated, herr := deps.Hooks.AfterProcess(ctx, hc, rec)
				if herr != nil {
					rec = updated
					rec.Status = ports.RecordFailed
					rec.ProcessError = fmt.Sprintf("afterProcess hook failed: %v", herr)
					if perr := persist(ctx, jobID, batchID, rec, deps); perr != nil {
						return Outcome{Record: rec, FatalErr: perr}
					}
					emitRecordFailed(deps, jobID, batchID, rec)
					if !deps.ContinueOnError {
						return Outcome{Record: rec, FatalErr: NewStageError(StageHook, rec.Index, rec.ProcessError).WithBatch(batchID)}
					}
					return Outcome{Record: rec}
				}
				rec = updated
			}
			return Outcome{Record: rec}
		}

		lastErr = err
		if attempt < maxAttempts {
			emitRecordRetried(deps, jobID, batchID, rec, attempt, err)
			delay := time.Duration(deps.RetryDelayMs) * time.Duration(1<<uint(attempt-1)) * time.Millisecond
			deps.sleep(delay)
		}
	}

	rec.Status = ports.RecordFailed
	rec.RetryCount = deps.MaxRetries
	rec.ProcessError = lastErr.Error()

	if perr := persist(ctx, jobID, batchID, rec, deps); perr != nil {
		return Outcome{Record: rec, FatalErr: perr}
	}
	emitRecordFailed(deps, jobID, batchID, rec)

	if !deps.ContinueOnError {
		return Outcome{Record: rec, FatalErr: NewStageError(StageProcess, rec.Index, rec.ProcessError).WithBatch(batchID).WithCause(lastErr)}
	}
	return Outcome{Record: rec}
}

// recordFailure marks rec failed due to a beforeValidate, afterValidate or
// beforeProcess hook error; hook failures are terminal for the record and
// are never retried.
func recordFailure(ctx context.Context, jobID, batchID string, rec ports.ProcessedRecord, message string, deps Deps) Outcome {
	rec.Status = ports.RecordFailed
	rec.ProcessError = message

	if err := persist(ctx, jobID, batchID, rec, deps); err != nil {
		return Outcome{Record: rec, FatalErr: err}
	}
	emitRecordFailed(deps, jobID, batchID, rec)

	if !deps.ContinueOnError {
		return Outcome{Record: rec, FatalErr: NewStageError(StageHook, rec.Index, message).WithBatch(batchID)}
	}
	return Outcome{Record: rec}
}

func persist(ctx context.Context, jobID, batchID string, rec ports.ProcessedRecord, deps Deps) error {
	if deps.Store == nil {
		return nil
	}
	if err := deps.Store.SaveProcessedRecord(ctx, jobID, batchID, rec); err != nil {
		return fmt.Errorf("persist record %d: %w", rec.Index, err)
	}
	return nil
}

func emitRecordFailed(deps Deps, jobID, batchID string, rec ports.ProcessedRecord) {
	if deps.Bus == nil {
		return
	}
	deps.Bus.Emit(bus.Event{
		Kind:      bus.RecordFailed,
		JobID:     jobID,
		Timestamp: time.Now(),
		Payload: bus.RecordPayload{
			RecordIndex: rec.Index,
			BatchID:     batchID,
			Error:       rec.ProcessError,
		},
	})
}

func emitRecordProcessed(deps Deps, jobID, batchID string, rec ports.ProcessedRecord) {
	if deps.Bus == nil {
		return
	}
	deps.Bus.Emit(bus.Event{
		Kind:      bus.RecordProcessed,
		JobID:     jobID,
		Timestamp: time.Now(),
		Payload: bus.RecordPayload{
			RecordIndex: rec.Index,
			BatchID:     batchID,
		},
	})
}

func emitRecordRetried(deps Deps, jobID, batchID string, rec ports.ProcessedRecord, attempt int, err error) {
	if deps.Bus == nil {
		return
	}
	deps.Bus.Emit(bus.Event{
		Kind:      bus.RecordRetried,
		JobID:     jobID,
		Timestamp: time.Now(),
		Payload: bus.RecordRetriedPayload{
			RecordIndex: rec.Index,
			BatchID:     batchID,
			Attempt:     attempt,
			Error:       err.Error(),
		},
	})
}

func firstHardMessage(errs []ports.ValidationError) string {
	for _, e := range errs {
		if e.IsHard() {
			return e.Message
		}
	}
	return "validation failed"
}

func isEmptyRaw(raw ports.RawRecord) bool {
	for _, v := range raw {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			if val != "" {
				return false
			}
		default:
			return false
		}
	}
	return true
}
