// Package taskqueue is a durable, transactional job queue: producers enqueue
// typed units of work inside their own database transaction, and one or more
// worker processes process them asynchronously with retries, leasing,
// deduplication, and continuation graphs that outlive process restarts.
//
// The package itself holds only the backend-independent coordination model
// (Job, Client, the StateAdapter/NotifyAdapter contracts). Concrete backends
// live in stateadapter/... and notifyadapter/...; the worker dispatch loop
// lives in the worker subpackage.
package taskqueue

import "time"

// Status is the job state machine position. The full lifecycle is
// pending -> (blocked <-> pending) -> running -> {pending, completed}.
type Status string

const (
	StatusPending   Status = "pending"
	StatusBlocked   Status = "blocked"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
)

// Job is the sole persistent entity. State adapters return read-only
// snapshots of it; callers never mutate a Job directly, only through the
// adapter contract.
type Job struct {
	ID             string
	TypeName       string
	ChainID        string
	ChainTypeName  string
	RootChainID    string
	OriginID       *string
	Input          []byte
	Output         []byte
	Status         Status
	CreatedAt      time.Time
	ScheduledAt    time.Time
	CompletedAt    *time.Time
	CompletedBy    *string
	Attempt        int
	LastAttemptAt  *time.Time
	LastAttemptErr *string
	LeasedBy       *string
	LeasedUntil    *time.Time
	DeduplicationKey *string
}

// IsFirstOfChain reports whether this job is the chain's opening job.
func (j *Job) IsFirstOfChain() bool {
	return j.ID == j.ChainID
}

// Blocker is the many-to-many edge recorded by AddJobBlockers: job j cannot
// leave StatusBlocked until the chain at BlockedByChainID is terminal.
type Blocker struct {
	JobID            string
	BlockedByChainID string
	Index            int
}

// DedupScope selects which prior chains with a matching DeduplicationKey
// count as a match for CreateJob's deduplication resolution. The spec's
// source material used "completed" and "incomplete" interchangeably for the
// same semantic class; this package standardizes on the names below (see
// SPEC_FULL.md's Open Question decisions).
type DedupScope string

const (
	// ScopeIncomplete matches only prior chains whose latest job has not
	// reached StatusCompleted.
	ScopeIncomplete DedupScope = "incomplete"
	// ScopeAny matches a prior chain regardless of status.
	ScopeAny DedupScope = "any"
)

// Deduplication requests at-most-once chain creation for a given Key within
// Scope, optionally bounded to chains created within Window of now. Per
// spec.md §8's boundary behaviour, Window == 0 means never deduplicate (no
// prior chain ever matches); a negative Window means unbounded, matching any
// prior chain regardless of age.
type Deduplication struct {
	Key    string
	Scope  DedupScope
	Window time.Duration
}

// Schedule controls when a newly created job becomes eligible for
// acquisition. If At is set it wins over AfterMs (SPEC_FULL.md Open Question
// decision #3); if neither is set the job is immediately pending.
type Schedule struct {
	At      *time.Time
	AfterMs int64
}

// ResolveAt returns the absolute time this schedule resolves to, given "now".
func (s *Schedule) ResolveAt(now time.Time) time.Time {
	if s == nil {
		return now
	}
	if s.At != nil {
		return *s.At
	}
	if s.AfterMs > 0 {
		return now.Add(time.Duration(s.AfterMs) * time.Millisecond)
	}
	return now
}

// ChainHandle is returned by StartJobChain: a lightweight reference to the
// chain's opening job.
type ChainHandle struct {
	ID           string
	TypeName     string
	Input        []byte
	Deduplicated bool
}

// JobChain is the {root, latest} pair returned by GetJobChainByID.
type JobChain struct {
	Root   *Job
	Latest *Job
}

// Terminal reports whether the chain has reached its terminal state: the
// latest job is completed with non-nil output and no continuation exists.
func (c *JobChain) Terminal() bool {
	if c == nil || c.Latest == nil {
		return false
	}
	return c.Latest.Status == StatusCompleted && c.Latest.Output != nil
}
