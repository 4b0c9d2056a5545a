package taskqueue

import (
	"context"
	"fmt"

	"github.com/rezkam/taskqueue/clock"
	"github.com/rezkam/taskqueue/events"
	"github.com/rezkam/taskqueue/notifyadapter"
	"github.com/rezkam/taskqueue/stateadapter"
)

// Client is the producer/waiter-facing entry point (spec.md §4.4): it wires
// a stateadapter.Adapter, a notifyadapter.Adapter, and a Registry together
// and enforces the invariants the adapters alone don't (exactly-once
// complete, type validation, origin/root-chain propagation).
type Client struct {
	state    stateadapter.Adapter
	notify   notifyadapter.Adapter
	registry *Registry
	sink     events.Sink
	clock    clock.Clock
}

// ClientOption configures optional Client fields.
type ClientOption func(*Client)

// WithClientSink overrides the event sink (default events.NoOpSink{}).
func WithClientSink(sink events.Sink) ClientOption {
	return func(c *Client) { c.sink = sink }
}

// WithClientClock overrides the clock (default clock.Real{}).
func WithClientClock(cl clock.Clock) ClientOption {
	return func(c *Client) { c.clock = cl }
}

// NewClient builds a Client. state, notify, and registry must be non-nil;
// notify may be notifyadapter.NoOp{} to run on polling alone.
func NewClient(state stateadapter.Adapter, notify notifyadapter.Adapter, registry *Registry, opts ...ClientOption) *Client {
	c := &Client{
		state:    state,
		notify:   notify,
		registry: registry,
		sink:     events.NoOpSink{},
		clock:    clock.Real{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type jobOrigin struct {
	OriginID    string
	ChainID     string
	RootChainID string
}

type originKey struct{}

// withOrigin scopes ctx so a StartJobChain call made within a StartBlockers
// or ContinueWith callback inherits the calling job's origin/root-chain
// linkage (spec.md §4.1's originId/rootChainId propagation).
func withOrigin(ctx context.Context, o jobOrigin) context.Context {
	return context.WithValue(ctx, originKey{}, o)
}

func originFromContext(ctx context.Context) (jobOrigin, bool) {
	o, ok := ctx.Value(originKey{}).(jobOrigin)
	return o, ok
}

// StartJobChainParams is the input to Client.StartJobChain.
type StartJobChainParams struct {
	TypeName      string
	Input         []byte
	Schedule      *Schedule
	Deduplication *Deduplication
	// StartBlockers, if set, runs after the new job is created and before it
	// becomes eligible for acquisition. It receives a ctx scoped to the new
	// job's origin, so any StartJobChain calls made inside it produce chains
	// whose originId is this job and whose rootChainId is this job's
	// rootChainId. It must return the chain ids of the blocker chains it
	// started (or discovered already running).
	StartBlockers func(ctx context.Context) ([]string, error)
}

// StartJobChain creates a new job chain inside the caller's transaction. It
// must be called with a ctx carrying an active stateadapter transaction
// (see Client.WithNotify or call state.RunInTransaction directly).
func (c *Client) StartJobChain(ctx context.Context, params StartJobChainParams) (*ChainHandle, error) {
	if !c.state.IsInTransaction(ctx) {
		return nil, ErrNotInTransaction
	}
	// Inside a StartBlockers callback the new chain is a blocker, so internal
	// types are accepted there; everywhere else only entry types are.
	requireType := c.registry.RequireEntry
	if _, ok := originFromContext(ctx); ok {
		requireType = c.registry.RequireRegistered
	}
	if err := requireType(params.TypeName, params.Input); err != nil {
		return nil, err
	}

	createParams := stateadapter.CreateJobParams{
		TypeName:      params.TypeName,
		ChainTypeName: params.TypeName,
		Input:         params.Input,
		Deduplication: params.Deduplication,
		Schedule:      params.Schedule,
	}
	if origin, ok := originFromContext(ctx); ok {
		id := origin.OriginID
		createParams.OriginID = &id
		createParams.RootChainID = origin.RootChainID
	}

	res, err := c.state.CreateJob(ctx, createParams)
	if err != nil {
		return nil, err
	}
	handle := &ChainHandle{ID: res.Job.ChainID, TypeName: params.TypeName, Input: params.Input, Deduplicated: res.Deduplicated}
	if res.Deduplicated {
		return handle, nil
	}
	c.emit(ctx, events.KindJobChainCreated, res.Job, nil)

	if params.StartBlockers != nil {
		blocked, err := c.attachBlockers(ctx, res.Job, params.StartBlockers)
		if err != nil {
			return nil, err
		}
		if blocked {
			return handle, nil
		}
	}

	recordJobScheduled(ctx, c.sink, params.TypeName)
	c.emit(ctx, events.KindJobCreated, res.Job, nil)
	return handle, nil
}

// attachBlockers runs startBlockers in a ctx scoped to job's origin, records
// the returned blocker edges, and reports whether job ended up blocked.
func (c *Client) attachBlockers(ctx context.Context, job *Job, startBlockers func(context.Context) ([]string, error)) (blocked bool, err error) {
	childCtx := withOrigin(ctx, jobOrigin{OriginID: job.ID, ChainID: job.ChainID, RootChainID: job.RootChainID})
	blockerChainIDs, err := startBlockers(childCtx)
	if err != nil {
		return false, err
	}
	if len(blockerChainIDs) == 0 {
		return false, nil
	}
	for _, blockerChainID := range blockerChainIDs {
		blockerChain, err := c.state.GetJobChainByID(ctx, blockerChainID)
		if err != nil {
			return false, err
		}
		if err := c.registry.RequireBlocker(job.TypeName, blockerChain.Latest.TypeName); err != nil {
			return false, err
		}
	}
	res, err := c.state.AddJobBlockers(ctx, job.ID, blockerChainIDs)
	if err != nil {
		return false, err
	}
	if len(res.IncompleteBlockerChains) == 0 {
		return false, nil
	}
	c.emit(ctx, events.KindJobBlocked, job, nil)
	return true, nil
}

// CompletionCallbacks is handed to CompleteJobChainParams.Complete. Exactly
// one of Terminal or ContinueWith must be called, exactly once.
type CompletionCallbacks struct {
	// Terminal marks the chain's current job completed with output, ending
	// the chain.
	Terminal func(output []byte) error
	// ContinueWith inserts a new job in the same chain and completes the
	// current one with a nil output, per spec.md §4.1's continuation model.
	ContinueWith func(ContinueParams) (*Job, error)
}

// ContinueParams is the input to CompletionCallbacks.ContinueWith.
type ContinueParams struct {
	TypeName      string
	Input         []byte
	Schedule      *Schedule
	StartBlockers func(ctx context.Context) ([]string, error)
}

// CompleteJobChainParams is the input to Client.CompleteJobChain.
type CompleteJobChainParams struct {
	ChainID string
	// TypeName, if set, is validated against the chain's current job type;
	// a mismatch returns a JobTypeValidationError instead of silently
	// completing the wrong job type.
	TypeName string
	// WorkerID identifies the worker driving this completion. If the job is
	// currently leased to a different worker id, CompleteJobChain rejects
	// the call with ErrJobTakenByAnotherWorker instead of completing it
	// (spec.md §4.6 step 6, §7: "refuse if already completed or lease
	// lost"). Leave empty for an external, workerless completion (spec.md
	// §8 scenario 5) — that is always allowed regardless of lease state.
	WorkerID string
	Complete func(job *Job, cb CompletionCallbacks) error
}

// CompleteJobChain loads the chain's current job under a row lock and hands
// it to params.Complete, which must call exactly one of Terminal or
// ContinueWith. Must run inside an active transaction (see Client.WithNotify).
func (c *Client) CompleteJobChain(ctx context.Context, params CompleteJobChainParams) error {
	if !c.state.IsInTransaction(ctx) {
		return ErrNotInTransaction
	}
	job, err := c.state.GetCurrentJobForUpdate(ctx, params.ChainID)
	if err != nil {
		return err
	}
	if job.Status == StatusCompleted {
		return ErrJobAlreadyCompleted
	}
	if params.TypeName != "" && job.TypeName != params.TypeName {
		return &JobTypeValidationError{Code: CodeNotEntry, TypeName: job.TypeName, Err: fmt.Errorf("expected current job type %q", params.TypeName)}
	}
	if params.WorkerID != "" && job.LeasedBy != nil && *job.LeasedBy != params.WorkerID {
		return ErrJobTakenByAnotherWorker
	}

	var completedBy *string
	if params.WorkerID != "" {
		completedBy = &params.WorkerID
	}

	wasRunning := job.Status == StatusRunning
	called := false

	terminal := func(output []byte) error {
		if called {
			return ErrCompleteCalledTwice
		}
		called = true
		if err := c.state.CompleteJob(ctx, job.ID, output, completedBy); err != nil {
			return err
		}
		transitioned, err := c.state.ScheduleBlockedJobs(ctx, job.ChainID)
		if err != nil {
			return err
		}
		for _, t := range transitioned {
			recordJobScheduled(ctx, c.sink, t.TypeName)
			c.emit(ctx, events.KindJobUnblocked, t, nil)
		}
		recordChainCompleted(ctx, c.sink, job.ChainID)
		c.emit(ctx, events.KindJobChainCompleted, job, nil)
		return nil
	}

	continueWith := func(cp ContinueParams) (*Job, error) {
		if called {
			return nil, ErrCompleteCalledTwice
		}
		if err := c.registry.RequireContinuation(job.TypeName, cp.TypeName); err != nil {
			return nil, err
		}
		if err := c.registry.RequireRegistered(cp.TypeName, cp.Input); err != nil {
			return nil, err
		}
		called = true

		originID := job.ID
		res, err := c.state.CreateJob(ctx, stateadapter.CreateJobParams{
			TypeName:      cp.TypeName,
			ChainTypeName: job.ChainTypeName,
			Input:         cp.Input,
			ChainID:       job.ChainID,
			RootChainID:   job.RootChainID,
			OriginID:      &originID,
			Schedule:      cp.Schedule,
		})
		if err != nil {
			return nil, err
		}
		if err := c.state.CompleteJob(ctx, job.ID, nil, completedBy); err != nil {
			return nil, err
		}

		if cp.StartBlockers != nil {
			blocked, err := c.attachBlockers(ctx, res.Job, cp.StartBlockers)
			if err != nil {
				return nil, err
			}
			if blocked {
				return res.Job, nil
			}
		}
		recordJobScheduled(ctx, c.sink, cp.TypeName)
		c.emit(ctx, events.KindJobCreated, res.Job, nil)
		return res.Job, nil
	}

	if err := params.Complete(job, CompletionCallbacks{Terminal: terminal, ContinueWith: continueWith}); err != nil {
		return err
	}
	if !called {
		return fmt.Errorf("taskqueue: completeJobChain callback must call exactly one of Terminal or ContinueWith")
	}
	if wasRunning {
		recordOwnershipLost(ctx, c.sink, job.ID)
	}
	return nil
}

// WithNotify runs fn inside a state-adapter transaction with a notify
// batching scope active (spec.md §4.3): every CreateJob/CompleteJob call
// made through c within fn buffers its notification instead of firing it
// immediately, and the batch flushes once after the transaction commits.
func (c *Client) WithNotify(ctx context.Context, fn func(ctx context.Context) error) error {
	scopedCtx, batch, owned := withBatchScope(ctx)
	err := c.state.RunInTransaction(scopedCtx, func(txCtx context.Context) error {
		return fn(txCtx)
	})
	if err != nil {
		return err
	}
	if owned {
		batch.flush(ctx, c.notify, c.sink)
	}
	return nil
}

func (c *Client) emit(ctx context.Context, kind events.Kind, job *Job, err error) {
	if c.sink == nil {
		return
	}
	e := events.Event{Kind: kind, Err: err}
	if job != nil {
		e.JobID = job.ID
		e.ChainID = job.ChainID
		e.TypeName = job.TypeName
	}
	c.sink.Emit(ctx, e)
}
