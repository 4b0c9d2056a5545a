// Package stateadapter defines the contract every persistence backend must
// satisfy (spec.md §4.1): the only component that touches persistent job
// state. Concrete backends (stateadapter/memadapter, stateadapter/pgadapter)
// must be indistinguishable to callers.
package stateadapter

import (
	"context"
	"time"

	"github.com/rezkam/taskqueue"
)

// TxFunc is run inside a unit of work by RunInTransaction. Returning an
// error rolls the unit of work back.
type TxFunc func(ctx context.Context) error

// CreateJobParams is the input to Adapter.CreateJob.
type CreateJobParams struct {
	TypeName      string
	ChainTypeName string
	Input         []byte
	RootChainID   string // optional; defaults to the new job's ChainID
	ChainID       string // optional; defaults to the new job's ID
	OriginID      *string
	Deduplication *taskqueue.Deduplication
	Schedule      *taskqueue.Schedule
}

// CreateJobResult is the output of Adapter.CreateJob.
type CreateJobResult struct {
	Job          *taskqueue.Job
	Deduplicated bool
}

// AddJobBlockersResult is the output of Adapter.AddJobBlockers.
type AddJobBlockersResult struct {
	Job                     *taskqueue.Job
	IncompleteBlockerChains []string
}

// AcquireJobResult is the output of Adapter.AcquireJob.
type AcquireJobResult struct {
	Job     *taskqueue.Job // nil if nothing was available
	HasMore bool           // hint: another ready job may exist, loop immediately
}

// RescheduleParams is the input to Adapter.RescheduleJob.
type RescheduleParams struct {
	JobID    string
	Schedule taskqueue.Schedule
	Error    string
}

// Adapter is the full C1 contract. Every method that mutates state must be
// callable only from inside RunInTransaction; implementations should return
// taskqueue.ErrNotInTransaction otherwise, per spec.md §4.1's isInTransaction
// introspection requirement.
type Adapter interface {
	// RunInTransaction executes fn within a serializable-enough unit of
	// work. Nested calls join the outer unit; rollback happens on error.
	RunInTransaction(ctx context.Context, fn TxFunc) error

	// IsInTransaction reports whether ctx carries an active unit of work
	// opened by RunInTransaction.
	IsInTransaction(ctx context.Context) bool

	// CreateJob inserts a job row, or returns an existing match with
	// Deduplicated set: first a job with the same (ChainID, OriginID) pair,
	// then the most recent job matching the Deduplication key, scope and
	// window.
	CreateJob(ctx context.Context, p CreateJobParams) (CreateJobResult, error)

	// AddJobBlockers atomically records blocker edges and transitions the
	// job to StatusBlocked if any blocker chain is not yet terminal.
	AddJobBlockers(ctx context.Context, jobID string, blockedByChainIDs []string) (AddJobBlockersResult, error)

	// ScheduleBlockedJobs flips every blocked job that has an edge to the
	// now-terminal chain blockedByChainID, and whose blocker chains are all
	// terminal, from StatusBlocked to StatusPending.
	ScheduleBlockedJobs(ctx context.Context, blockedByChainID string) ([]*taskqueue.Job, error)

	// GetJobChainByID returns the {root, latest} pair for a chain, or a nil
	// JobChain.Root if the chain does not exist.
	GetJobChainByID(ctx context.Context, chainID string) (*taskqueue.JobChain, error)

	// GetJobBlockers returns a job's blocker chain ids in insertion order.
	GetJobBlockers(ctx context.Context, jobID string) ([]taskqueue.Blocker, error)

	// AcquireJob atomically selects and claims one pending, due job whose
	// TypeName is in typeNames, ordered by earliest ScheduledAt. Concurrent
	// acquirers must see disjoint rows (e.g. SELECT ... FOR UPDATE SKIP
	// LOCKED, or an equivalent atomic find-and-update).
	AcquireJob(ctx context.Context, typeNames []string) (AcquireJobResult, error)

	// GetNextJobAvailableInMs returns milliseconds until the next pending
	// job of typeNames becomes runnable, or nil if none is scheduled.
	GetNextJobAvailableInMs(ctx context.Context, typeNames []string) (*int64, error)

	// RenewJobLease sets leasedBy/leasedUntil and ensures status=running.
	RenewJobLease(ctx context.Context, jobID, workerID string, leaseDuration time.Duration) error

	// RescheduleJob clears the lease, sets status=pending, and applies the
	// given schedule and error message after a failed attempt.
	RescheduleJob(ctx context.Context, p RescheduleParams) error

	// CompleteJob marks a job StatusCompleted, setting output and
	// completedBy (nil for externally completed), and clears the lease.
	CompleteJob(ctx context.Context, jobID string, output []byte, workerID *string) error

	// RemoveExpiredJobLease reaps one running job whose lease has expired,
	// is in typeNames, and is not in ignoredJobIDs, flipping it to pending.
	// Returns nil if nothing qualified.
	RemoveExpiredJobLease(ctx context.Context, typeNames []string, ignoredJobIDs []string) (*taskqueue.Job, error)

	// GetExternalBlockers returns jobs outside rootChainIDs that have a
	// blocker edge pointing inside the given set; used to veto a chain-tree
	// delete.
	GetExternalBlockers(ctx context.Context, rootChainIDs []string) ([]*taskqueue.Job, error)

	// DeleteJobsByRootChainIDs cascades a delete across every job and
	// blocker edge under the given root chain ids.
	DeleteJobsByRootChainIDs(ctx context.Context, rootChainIDs []string) error

	// GetJobForUpdate and GetCurrentJobForUpdate are row-locking reads used
	// during the complete phase and the lease renewer.
	GetJobForUpdate(ctx context.Context, jobID string) (*taskqueue.Job, error)
	GetCurrentJobForUpdate(ctx context.Context, chainID string) (*taskqueue.Job, error)

	// MigrateToLatest idempotently brings the backend's schema up to date.
	MigrateToLatest(ctx context.Context) error
}

// TransientClassifier classifies an error returned from any of the above
// operations as retryable (connection reset, serialization conflict) versus
// a permanent failure that must surface to the caller. The worker's lease
// renewer retries on transient errors when the state adapter itself
// implements this interface; memadapter.Adapter and pgadapter.Adapter do
// not (pgadapter.Classifier is a standalone implementation).
type TransientClassifier interface {
	IsTransient(err error) bool
}
