// Package notifyadapter defines the best-effort wake-up bus (spec.md §4.2):
// three logical channels tying job producers to workers and waiters. Every
// operation is async and may lose messages — the poll loop in the worker
// package is the correctness safety-net, never this package.
package notifyadapter

import "context"

// Dispose unsubscribes a listener. Calling it more than once is a no-op.
type Dispose func()

// JobScheduledListener is invoked (best-effort) when a job of typeName
// becomes pending and due. count is a hint, not a guarantee, of how many.
type JobScheduledListener func(typeName string, count int)

// ChainCompletedListener is invoked when chainID reaches terminal state.
type ChainCompletedListener func(chainID string)

// OwnershipLostListener is invoked when the running job jobID was
// externally reassigned (completed or reaped) out from under its lease
// holder.
type OwnershipLostListener func(jobID string)

// Adapter is the C2 contract. A noop implementation (see NoOp) must be
// valid: the system then relies solely on polling. Many subscribers per
// channel must be supported; implementations that hold one physical
// transport subscription per channel should fan it out locally rather than
// open one per subscriber.
type Adapter interface {
	NotifyJobScheduled(ctx context.Context, typeName string, count int)
	ListenJobScheduled(ctx context.Context, typeNames []string, onNotification JobScheduledListener) (Dispose, error)

	NotifyJobChainCompleted(ctx context.Context, chainID string)
	ListenJobChainCompleted(ctx context.Context, chainID string, cb ChainCompletedListener) (Dispose, error)

	NotifyJobOwnershipLost(ctx context.Context, jobID string)
	ListenJobOwnershipLost(ctx context.Context, jobID string, cb OwnershipLostListener) (Dispose, error)
}

// NoOp is a valid, always-available Adapter that drops every notification
// and whose Listen* calls never fire. A worker wired to NoOp falls back
// entirely to polling, which is correct but slower to react.
type NoOp struct{}

func (NoOp) NotifyJobScheduled(context.Context, string, int)     {}
func (NoOp) NotifyJobChainCompleted(context.Context, string)     {}
func (NoOp) NotifyJobOwnershipLost(context.Context, string)      {}

func (NoOp) ListenJobScheduled(context.Context, []string, JobScheduledListener) (Dispose, error) {
	return func() {}, nil
}

func (NoOp) ListenJobChainCompleted(context.Context, string, ChainCompletedListener) (Dispose, error) {
	return func() {}, nil
}

func (NoOp) ListenJobOwnershipLost(context.Context, string, OwnershipLostListener) (Dispose, error) {
	return func() {}, nil
}

var _ Adapter = NoOp{}
