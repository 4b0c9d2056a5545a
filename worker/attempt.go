package worker

import (
	"context"
	"errors"

	"github.com/rezkam/taskqueue"
	"github.com/rezkam/taskqueue/clock"
)

// PrepMode selects how AttemptContext.Complete's transaction relates to the
// one opened by Prepare (spec.md §4.6).
type PrepMode string

const (
	// PrepAtomic keeps the prepare transaction open across Complete: the
	// prepare callback and the completion both commit together.
	PrepAtomic PrepMode = "atomic"
	// PrepStaged commits the prepare transaction immediately; Complete later
	// opens its own transaction. This is the default when Prepare is never
	// called.
	PrepStaged PrepMode = "staged"
)

var (
	errPrepareCalledTwice = errors.New("taskqueue/worker: prepare called more than once")
	errCompleteCalledTwice = errors.New("taskqueue/worker: complete called more than once")
)

// AttemptContext is handed to a Handler for the duration of one job attempt.
// Job is an immutable snapshot; Signal fires when the attempt must abandon
// its work (lease lost, worker stopping, job already completed elsewhere).
type AttemptContext struct {
	Job      *taskqueue.Job
	WorkerID string
	Signal   *clock.Signal
	// BlockerOutputs maps each blocker chain id to its terminal output, for
	// jobs that had startBlockers attached (spec.md §4.6 step 4).
	BlockerOutputs map[string][]byte

	client *taskqueue.Client

	prepared   bool
	mode       PrepMode
	prepFn     func(ctx context.Context) error
	completed  bool
}

func newAttemptContext(job *taskqueue.Job, workerID string, signal *clock.Signal, client *taskqueue.Client) *AttemptContext {
	return &AttemptContext{Job: job, WorkerID: workerID, Signal: signal, client: client, mode: PrepStaged}
}

// Prepare opens a prep transaction and runs fn inside it. In PrepAtomic mode
// fn is deferred and runs as the first step of the transaction Complete
// opens, so prepare and complete commit together. In PrepStaged mode fn runs
// and commits immediately. May be called at most once; skipping it is
// equivalent to PrepStaged with an empty fn.
func (a *AttemptContext) Prepare(ctx context.Context, mode PrepMode, fn func(ctx context.Context) error) error {
	if a.prepared {
		return errPrepareCalledTwice
	}
	a.prepared = true
	a.mode = mode
	if mode == PrepAtomic {
		a.prepFn = fn
		return nil
	}
	if fn == nil {
		return nil
	}
	return a.client.WithNotify(ctx, fn)
}

// Complete re-reads the current job for update (inside the chosen
// transactional mode) and runs finalCb, which must call exactly one of
// cb.Terminal or cb.ContinueWith.
func (a *AttemptContext) Complete(ctx context.Context, finalCb func(job *taskqueue.Job, cb taskqueue.CompletionCallbacks) error) error {
	if a.completed {
		return errCompleteCalledTwice
	}
	a.completed = true
	return a.client.WithNotify(ctx, func(txCtx context.Context) error {
		if a.mode == PrepAtomic && a.prepFn != nil {
			if err := a.prepFn(txCtx); err != nil {
				return err
			}
		}
		return a.client.CompleteJobChain(txCtx, taskqueue.CompleteJobChainParams{
			ChainID:  a.Job.ChainID,
			WorkerID: a.WorkerID,
			Complete: finalCb,
		})
	})
}

// Handler processes one job attempt via ac. Returning a *taskqueue.RescheduleJobError
// requests a specific next schedule instead of the default backoff curve.
type Handler func(ctx context.Context, ac *AttemptContext) error

// Middleware wraps a Handler, e.g. for per-type timeouts or panic-safe logging.
type Middleware func(next Handler) Handler

func chain(h Handler, mws []Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
