package ports

import "context"

// SourceMetadata describes the underlying data a DataSource wraps.
type SourceMetadata struct {
	FileName string
	MimeType string
	FileSize int64
}

// DataSource is an abstract, single-use byte/string source. Concrete
// sources (buffer, file, HTTP, readable stream) are collaborators; the
// engine only depends on this port.
type DataSource interface {
	// Read streams the source's content as a sequence of chunks onto the
	// returned channel, closing it when exhausted or when ctx is canceled.
	// A source is consumed once; calling Read a second time is a caller
	// error, and what a second call yields depends on the source.
	Read(ctx context.Context) (<-chan []byte, <-chan error)
	Sample(ctx context.Context, maxBytes int) (string, error)
	Metadata() SourceMetadata
}

// Parser turns source chunks into RawRecords. Concrete parsers (CSV, JSON,
// XML) are collaborators.
type Parser interface {
	Parse(ctx context.Context, chunk []byte) (<-chan RawRecord, <-chan error)
}

// ValidateFunc is the synchronous schema-validation collaborator. It may
// return a parsed projection to replace the record's working data.
type ValidateFunc func(raw RawRecord) ValidateResult

// ValidateResult is the outcome of a ValidateFunc call.
type ValidateResult struct {
	Errors []ValidationError
	Parsed RawRecord // nil if the raw record is used unchanged
}

// Processor is the caller-supplied per-record business logic.
type Processor func(ctx context.Context, rec ProcessedRecord) error

// HookContext is passed to every lifecycle hook.
type HookContext struct {
	JobID        string
	BatchID      string
	BatchIndex   int
	RecordIndex  int
	TotalRecords int
}

// Hook is an async lifecycle callback; failure is surfaced as a record failure.
type Hook func(ctx context.Context, hc HookContext, rec ProcessedRecord) (ProcessedRecord, error)

// Hooks bundles the four optional lifecycle hook points of the record pipeline.
type Hooks struct {
	BeforeValidate Hook
	AfterValidate  Hook
	BeforeProcess  Hook
	AfterProcess   Hook
}

// BatchStateUpdate is the partial batch mutation StateStore.UpdateBatchState applies.
type BatchStateUpdate struct {
	Status         BatchStatus
	ProcessedCount int
	FailedCount    int
}

// StateStore is the persistence port the scheduler uses for crash-safe
// checkpointing. Concrete stores (in-memory, filesystem, SQL) are
// collaborators.
type StateStore interface {
	SaveJobState(ctx context.Context, job JobState) error
	GetJobState(ctx context.Context, jobID string) (*JobState, error)
	UpdateBatchState(ctx context.Context, jobID, batchID string, update BatchStateUpdate) error
	SaveProcessedRecord(ctx context.Context, jobID, batchID string, rec ProcessedRecord) error
	GetFailedRecords(ctx context.Context, jobID string) ([]ProcessedRecord, error)
	GetPendingRecords(ctx context.Context, jobID string) ([]ProcessedRecord, error)
	GetProcessedRecords(ctx context.Context, jobID string) ([]ProcessedRecord, error)
	GetProgress(ctx context.Context, jobID string) (JobProgress, error)
}

// ClaimReason explains why a claim attempt did not produce a reservation.
type ClaimReason string

const (
	ClaimReasonNone               ClaimReason = ""
	ClaimReasonJobNotFound        ClaimReason = "JOB_NOT_FOUND"
	ClaimReasonJobNotProcessing   ClaimReason = "JOB_NOT_PROCESSING"
	ClaimReasonNoPendingBatches   ClaimReason = "NO_PENDING_BATCHES"
)

// ClaimResult is the outcome of a DistributedStateStore.ClaimBatch call.
type ClaimResult struct {
	Claimed     bool
	Reservation BatchReservation
	Reason      ClaimReason
}

// DistributedStateStore extends StateStore with the atomic claim/finalize
// protocol required for multi-worker batch processing.
type DistributedStateStore interface {
	StateStore

	ClaimBatch(ctx context.Context, jobID, workerID string) (ClaimResult, error)
	ReleaseBatch(ctx context.Context, jobID, batchID string) error
	ReclaimStaleBatches(ctx context.Context, jobID string, staleTimeoutMs int64) (int, error)
	SaveBatchRecords(ctx context.Context, jobID, batchID string, recs []ProcessedRecord) error
	GetBatchRecords(ctx context.Context, jobID, batchID string) ([]ProcessedRecord, error)
	GetDistributedStatus(ctx context.Context, jobID string) (JobState, error)
	// TryFinalizeJob atomically moves the job from PROCESSING to a terminal
	// status iff all of its batches are terminal. Returns true exactly once
	// across all concurrent callers for a given job.
	TryFinalizeJob(ctx context.Context, jobID string) (bool, JobStatus, error)
}
