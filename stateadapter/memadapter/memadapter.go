// Package memadapter is the in-memory reference state adapter named by
// spec.md §1's non-goals ("in-process adapters exist only as a reference
// implementation and for tests"). It stores jobs and blockers in a
// mutex-guarded map keyed by id, per spec.md §9's "flat store, traversal by
// repeated lookup" design note.
package memadapter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rezkam/taskqueue"
	"github.com/rezkam/taskqueue/internal/ptr"
	"github.com/rezkam/taskqueue/stateadapter"
)

type txKey struct{}

// Adapter is a mutex-guarded, process-local stateadapter.Adapter.
type Adapter struct {
	now func() time.Time

	mu       sync.Mutex
	jobs     map[string]*taskqueue.Job
	blockers map[string][]taskqueue.Blocker // keyed by jobID
}

// New constructs an empty Adapter. now defaults to time.Now.
func New() *Adapter {
	return &Adapter{
		now:      time.Now,
		jobs:     make(map[string]*taskqueue.Job),
		blockers: make(map[string][]taskqueue.Blocker),
	}
}

// WithClock overrides the time source, for deterministic tests.
func (a *Adapter) WithClock(now func() time.Time) *Adapter {
	a.now = now
	return a
}

func (a *Adapter) RunInTransaction(ctx context.Context, fn stateadapter.TxFunc) error {
	if _, ok := ctx.Value(txKey{}).(struct{}); ok {
		return fn(ctx) // join the outer unit of work
	}
	txCtx := context.WithValue(ctx, txKey{}, struct{}{})
	// The in-memory adapter serializes all transactions behind one mutex per
	// call rather than per-operation, which is sufficient for a
	// single-process reference/test implementation; a real concurrent
	// adapter would use database-level isolation instead.
	a.mu.Lock()
	defer a.mu.Unlock()
	return fn(txCtx)
}

func (a *Adapter) IsInTransaction(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(struct{})
	return ok
}

func (a *Adapter) requireTx(ctx context.Context) error {
	if !a.IsInTransaction(ctx) {
		return taskqueue.ErrNotInTransaction
	}
	return nil
}

func (a *Adapter) CreateJob(ctx context.Context, p stateadapter.CreateJobParams) (stateadapter.CreateJobResult, error) {
	if err := a.requireTx(ctx); err != nil {
		return stateadapter.CreateJobResult{}, err
	}

	now := a.now()

	// Resolution order 1: chainId+originId pair already exists.
	if p.ChainID != "" && p.OriginID != nil {
		for _, j := range a.jobs {
			if j.ChainID == p.ChainID && j.OriginID != nil && *j.OriginID == *p.OriginID {
				return stateadapter.CreateJobResult{Job: cloneJob(j), Deduplicated: true}, nil
			}
		}
	}

	// Resolution order 2: deduplication key + scope (+ window).
	if p.Deduplication != nil && p.Deduplication.Key != "" {
		if match := a.findDedupMatch(*p.Deduplication, now); match != nil {
			return stateadapter.CreateJobResult{Job: cloneJob(match), Deduplicated: true}, nil
		}
	}

	id := uuid.Must(uuid.NewV7()).String()
	chainID := p.ChainID
	if chainID == "" {
		chainID = id
	}
	rootChainID := p.RootChainID
	if rootChainID == "" {
		rootChainID = chainID
	}

	scheduledAt := p.Schedule.ResolveAt(now)

	job := &taskqueue.Job{
		ID:            id,
		TypeName:      p.TypeName,
		ChainID:       chainID,
		ChainTypeName: p.ChainTypeName,
		RootChainID:   rootChainID,
		OriginID:      p.OriginID,
		Input:         p.Input,
		Status:        taskqueue.StatusPending,
		CreatedAt:     now,
		ScheduledAt:   scheduledAt,
		Attempt:       0,
	}
	if p.Deduplication != nil && p.Deduplication.Key != "" {
		job.DeduplicationKey = ptr.To(p.Deduplication.Key)
	}

	a.jobs[id] = job
	return stateadapter.CreateJobResult{Job: cloneJob(job), Deduplicated: false}, nil
}

func (a *Adapter) findDedupMatch(d taskqueue.Deduplication, now time.Time) *taskqueue.Job {
	if d.Window == 0 {
		return nil // spec.md §8: windowMs = 0 means never deduplicate
	}
	var best *taskqueue.Job
	for _, j := range a.jobs {
		if j.DeduplicationKey == nil || *j.DeduplicationKey != d.Key {
			continue
		}
		if j.ID != j.ChainID {
			continue // only first-of-chain jobs carry a dedup key
		}
		if d.Scope == taskqueue.ScopeIncomplete && j.Status == taskqueue.StatusCompleted {
			continue
		}
		if d.Window > 0 && now.Sub(j.CreatedAt) > d.Window {
			continue
		}
		if best == nil || j.CreatedAt.After(best.CreatedAt) {
			best = j
		}
	}
	return best
}

func (a *Adapter) AddJobBlockers(ctx context.Context, jobID string, blockedByChainIDs []string) (stateadapter.AddJobBlockersResult, error) {
	if err := a.requireTx(ctx); err != nil {
		return stateadapter.AddJobBlockersResult{}, err
	}
	job, ok := a.jobs[jobID]
	if !ok {
		return stateadapter.AddJobBlockersResult{}, taskqueue.ErrJobNotFound
	}

	existing := a.blockers[jobID]
	startIndex := len(existing)
	for i, chainID := range blockedByChainIDs {
		existing = append(existing, taskqueue.Blocker{JobID: jobID, BlockedByChainID: chainID, Index: startIndex + i})
	}
	a.blockers[jobID] = existing

	incomplete := a.incompleteBlockerChains(jobID)
	if len(incomplete) > 0 && job.Status == taskqueue.StatusPending {
		job.Status = taskqueue.StatusBlocked
	}
	return stateadapter.AddJobBlockersResult{Job: cloneJob(job), IncompleteBlockerChains: incomplete}, nil
}

func (a *Adapter) incompleteBlockerChains(jobID string) []string {
	var out []string
	for _, b := range a.blockers[jobID] {
		latest := a.latestInChain(b.BlockedByChainID)
		if latest == nil || !chainTerminal(latest) {
			out = append(out, b.BlockedByChainID)
		}
	}
	return out
}

func chainTerminal(latest *taskqueue.Job) bool {
	return latest.Status == taskqueue.StatusCompleted && latest.Output != nil
}

func (a *Adapter) latestInChain(chainID string) *taskqueue.Job {
	var latest *taskqueue.Job
	for _, j := range a.jobs {
		if j.ChainID != chainID {
			continue
		}
		if latest == nil || j.CreatedAt.After(latest.CreatedAt) {
			latest = j
		}
	}
	return latest
}

func (a *Adapter) ScheduleBlockedJobs(ctx context.Context, blockedByChainID string) ([]*taskqueue.Job, error) {
	if err := a.requireTx(ctx); err != nil {
		return nil, err
	}
	now := a.now()
	var transitioned []*taskqueue.Job
	for jobID, edges := range a.blockers {
		job, ok := a.jobs[jobID]
		if !ok || job.Status != taskqueue.StatusBlocked {
			continue
		}
		references := false
		for _, e := range edges {
			if e.BlockedByChainID == blockedByChainID {
				references = true
				break
			}
		}
		if !references {
			continue
		}
		if len(a.incompleteBlockerChains(jobID)) == 0 {
			job.Status = taskqueue.StatusPending
			job.ScheduledAt = now
			transitioned = append(transitioned, cloneJob(job))
		}
	}
	return transitioned, nil
}

func (a *Adapter) GetJobChainByID(ctx context.Context, chainID string) (*taskqueue.JobChain, error) {
	var root, latest *taskqueue.Job
	for _, j := range a.jobs {
		if j.ChainID != chainID {
			continue
		}
		if j.ID == chainID {
			root = j
		}
		if latest == nil || j.CreatedAt.After(latest.CreatedAt) {
			latest = j
		}
	}
	if root == nil && latest == nil {
		return &taskqueue.JobChain{}, nil
	}
	return &taskqueue.JobChain{Root: cloneJob(root), Latest: cloneJob(latest)}, nil
}

func (a *Adapter) GetJobBlockers(ctx context.Context, jobID string) ([]taskqueue.Blocker, error) {
	edges := append([]taskqueue.Blocker(nil), a.blockers[jobID]...)
	sort.Slice(edges, func(i, j int) bool { return edges[i].Index < edges[j].Index })
	return edges, nil
}

func (a *Adapter) AcquireJob(ctx context.Context, typeNames []string) (stateadapter.AcquireJobResult, error) {
	if err := a.requireTx(ctx); err != nil {
		return stateadapter.AcquireJobResult{}, err
	}
	if len(typeNames) == 0 {
		return stateadapter.AcquireJobResult{}, nil
	}
	now := a.now()
	wanted := toSet(typeNames)

	var candidates []*taskqueue.Job
	for _, j := range a.jobs {
		if j.Status != taskqueue.StatusPending {
			continue
		}
		if _, ok := wanted[j.TypeName]; !ok {
			continue
		}
		if j.ScheduledAt.After(now) {
			continue
		}
		candidates = append(candidates, j)
	}
	if len(candidates) == 0 {
		return stateadapter.AcquireJobResult{}, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ScheduledAt.Before(candidates[j].ScheduledAt) })

	chosen := candidates[0]
	chosen.Status = taskqueue.StatusRunning
	chosen.Attempt++
	return stateadapter.AcquireJobResult{Job: cloneJob(chosen), HasMore: len(candidates) > 1}, nil
}

func (a *Adapter) GetNextJobAvailableInMs(ctx context.Context, typeNames []string) (*int64, error) {
	if len(typeNames) == 0 {
		return nil, nil
	}
	now := a.now()
	wanted := toSet(typeNames)

	var earliest *time.Time
	for _, j := range a.jobs {
		if j.Status != taskqueue.StatusPending {
			continue
		}
		if _, ok := wanted[j.TypeName]; !ok {
			continue
		}
		if earliest == nil || j.ScheduledAt.Before(*earliest) {
			earliest = ptr.To(j.ScheduledAt)
		}
	}
	if earliest == nil {
		return nil, nil
	}
	ms := earliest.Sub(now).Milliseconds()
	if ms < 0 {
		ms = 0
	}
	return ptr.To(ms), nil
}

func (a *Adapter) RenewJobLease(ctx context.Context, jobID, workerID string, leaseDuration time.Duration) error {
	if err := a.requireTx(ctx); err != nil {
		return err
	}
	job, ok := a.jobs[jobID]
	if !ok {
		return taskqueue.ErrJobNotFound
	}
	job.Status = taskqueue.StatusRunning
	job.LeasedBy = ptr.To(workerID)
	job.LeasedUntil = ptr.To(a.now().Add(leaseDuration))
	return nil
}

func (a *Adapter) RescheduleJob(ctx context.Context, p stateadapter.RescheduleParams) error {
	if err := a.requireTx(ctx); err != nil {
		return err
	}
	job, ok := a.jobs[p.JobID]
	if !ok {
		return taskqueue.ErrJobNotFound
	}
	now := a.now()
	job.Status = taskqueue.StatusPending
	job.LeasedBy = nil
	job.LeasedUntil = nil
	job.ScheduledAt = p.Schedule.ResolveAt(now)
	job.LastAttemptAt = ptr.To(now)
	job.LastAttemptErr = ptr.To(p.Error)
	return nil
}

func (a *Adapter) CompleteJob(ctx context.Context, jobID string, output []byte, workerID *string) error {
	if err := a.requireTx(ctx); err != nil {
		return err
	}
	job, ok := a.jobs[jobID]
	if !ok {
		return taskqueue.ErrJobNotFound
	}
	if job.Status == taskqueue.StatusCompleted {
		return taskqueue.ErrJobAlreadyCompleted
	}
	now := a.now()
	job.Status = taskqueue.StatusCompleted
	job.CompletedAt = ptr.To(now)
	job.CompletedBy = workerID
	job.Output = output
	job.LeasedBy = nil
	job.LeasedUntil = nil
	return nil
}

func (a *Adapter) RemoveExpiredJobLease(ctx context.Context, typeNames []string, ignoredJobIDs []string) (*taskqueue.Job, error) {
	if err := a.requireTx(ctx); err != nil {
		return nil, err
	}
	now := a.now()
	wanted := toSet(typeNames)
	ignored := toSet(ignoredJobIDs)

	for _, j := range a.jobs {
		if j.Status != taskqueue.StatusRunning {
			continue
		}
		if j.LeasedUntil == nil || j.LeasedUntil.After(now) {
			continue
		}
		if _, ok := wanted[j.TypeName]; !ok {
			continue
		}
		if _, ok := ignored[j.ID]; ok {
			continue
		}
		j.Status = taskqueue.StatusPending
		j.ScheduledAt = now
		j.LeasedBy = nil
		j.LeasedUntil = nil
		return cloneJob(j), nil
	}
	return nil, nil
}

func (a *Adapter) GetExternalBlockers(ctx context.Context, rootChainIDs []string) ([]*taskqueue.Job, error) {
	roots := toSet(rootChainIDs)
	var out []*taskqueue.Job
	for jobID, edges := range a.blockers {
		job, ok := a.jobs[jobID]
		if !ok {
			continue
		}
		if _, inside := roots[job.RootChainID]; inside {
			continue
		}
		for _, e := range edges {
			blockerJob := a.jobs[e.BlockedByChainID]
			if blockerJob == nil {
				continue
			}
			if _, inside := roots[blockerJob.RootChainID]; inside {
				out = append(out, cloneJob(job))
				break
			}
		}
	}
	return out, nil
}

func (a *Adapter) DeleteJobsByRootChainIDs(ctx context.Context, rootChainIDs []string) error {
	if err := a.requireTx(ctx); err != nil {
		return err
	}
	roots := toSet(rootChainIDs)
	for id, j := range a.jobs {
		if _, ok := roots[j.RootChainID]; ok {
			delete(a.jobs, id)
			delete(a.blockers, id)
		}
	}
	return nil
}

func (a *Adapter) GetJobForUpdate(ctx context.Context, jobID string) (*taskqueue.Job, error) {
	job, ok := a.jobs[jobID]
	if !ok {
		return nil, taskqueue.ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (a *Adapter) GetCurrentJobForUpdate(ctx context.Context, chainID string) (*taskqueue.Job, error) {
	latest := a.latestInChain(chainID)
	if latest == nil {
		return nil, taskqueue.ErrJobNotFound
	}
	return cloneJob(latest), nil
}

func (a *Adapter) MigrateToLatest(ctx context.Context) error {
	return nil // in-memory store has no schema to migrate
}

func toSet(ss []string) map[string]struct{} {
	m := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		m[s] = struct{}{}
	}
	return m
}

func cloneJob(j *taskqueue.Job) *taskqueue.Job {
	if j == nil {
		return nil
	}
	clone := *j
	return &clone
}

var _ stateadapter.Adapter = (*Adapter)(nil)
