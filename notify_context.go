package taskqueue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rezkam/taskqueue/events"
	"github.com/rezkam/taskqueue/notifyadapter"
)

type notifyBatchKey struct{}

// notifyBatch is the scoped, transaction-lifetime accumulator of C3. Any
// mutation performed while one is active buffers into these sets instead of
// calling the notify adapter directly; WithNotify flushes them after the
// surrounding transaction commits. Nested scopes join the outer set, so the
// accumulator is looked up and mutated in place rather than copied.
type notifyBatch struct {
	mu              sync.Mutex
	typeNamesSched  map[string]int
	chainsCompleted map[string]struct{}
	jobsOwnerLost   map[string]struct{}
}

func newNotifyBatch() *notifyBatch {
	return &notifyBatch{
		typeNamesSched:  make(map[string]int),
		chainsCompleted: make(map[string]struct{}),
		jobsOwnerLost:   make(map[string]struct{}),
	}
}

func (b *notifyBatch) addJobScheduled(typeName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.typeNamesSched[typeName]++
}

func (b *notifyBatch) addChainCompleted(chainID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chainsCompleted[chainID] = struct{}{}
}

func (b *notifyBatch) addOwnershipLost(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobsOwnerLost[jobID] = struct{}{}
}

// batchFromContext returns the active notifyBatch, if ctx carries one.
func batchFromContext(ctx context.Context) (*notifyBatch, bool) {
	b, ok := ctx.Value(notifyBatchKey{}).(*notifyBatch)
	return b, ok
}

// withBatchScope installs a notifyBatch on ctx, reusing the outer one if
// present so nested scopes join rather than shadow it. owned reports whether
// this call created the batch (and therefore is responsible for flushing it).
func withBatchScope(ctx context.Context) (newCtx context.Context, batch *notifyBatch, owned bool) {
	if b, ok := batchFromContext(ctx); ok {
		return ctx, b, false
	}
	b := newNotifyBatch()
	return context.WithValue(ctx, notifyBatchKey{}, b), b, true
}

// recordJobScheduled buffers a job-scheduled notification if a batching
// scope is active; otherwise it emits notify_context_absence and drops the
// notification, falling back to polling for correctness (spec.md §4.3).
func recordJobScheduled(ctx context.Context, sink events.Sink, typeName string) {
	if b, ok := batchFromContext(ctx); ok {
		b.addJobScheduled(typeName)
		return
	}
	warnAbsence(ctx, sink, "job_scheduled", typeName)
}

func recordChainCompleted(ctx context.Context, sink events.Sink, chainID string) {
	if b, ok := batchFromContext(ctx); ok {
		b.addChainCompleted(chainID)
		return
	}
	warnAbsence(ctx, sink, "chain_completed", chainID)
}

func recordOwnershipLost(ctx context.Context, sink events.Sink, jobID string) {
	if b, ok := batchFromContext(ctx); ok {
		b.addOwnershipLost(jobID)
		return
	}
	warnAbsence(ctx, sink, "ownership_lost", jobID)
}

func warnAbsence(ctx context.Context, sink events.Sink, kind, subject string) {
	if sink == nil {
		slog.WarnContext(ctx, "notify context absence", "kind", kind, "subject", subject)
		return
	}
	sink.Emit(ctx, events.Event{
		Kind:  events.KindNotifyContextAbsence,
		Attrs: map[string]any{"kind": kind, "subject": subject},
	})
}

// flush sends every buffered notification to adapter concurrently. Each
// flush failure is logged via sink but never raised, per spec.md §4.3.
func (b *notifyBatch) flush(ctx context.Context, adapter notifyadapter.Adapter, sink events.Sink) {
	if adapter == nil {
		return
	}
	var wg sync.WaitGroup

	b.mu.Lock()
	typeNames := make(map[string]int, len(b.typeNamesSched))
	for k, v := range b.typeNamesSched {
		typeNames[k] = v
	}
	chains := make([]string, 0, len(b.chainsCompleted))
	for k := range b.chainsCompleted {
		chains = append(chains, k)
	}
	jobs := make([]string, 0, len(b.jobsOwnerLost))
	for k := range b.jobsOwnerLost {
		jobs = append(jobs, k)
	}
	b.mu.Unlock()

	for typeName, count := range typeNames {
		wg.Add(1)
		go func(typeName string, count int) {
			defer wg.Done()
			defer recoverFlush(ctx, sink, "job_scheduled")
			adapter.NotifyJobScheduled(ctx, typeName, count)
		}(typeName, count)
	}
	for _, chainID := range chains {
		wg.Add(1)
		go func(chainID string) {
			defer wg.Done()
			defer recoverFlush(ctx, sink, "chain_completed")
			adapter.NotifyJobChainCompleted(ctx, chainID)
		}(chainID)
	}
	for _, jobID := range jobs {
		wg.Add(1)
		go func(jobID string) {
			defer wg.Done()
			defer recoverFlush(ctx, sink, "ownership_lost")
			adapter.NotifyJobOwnershipLost(ctx, jobID)
		}(jobID)
	}
	wg.Wait()
}

func recoverFlush(ctx context.Context, sink events.Sink, kind string) {
	if r := recover(); r != nil && sink != nil {
		sink.Emit(ctx, events.Event{Kind: events.KindNotifyAdapterError, Attrs: map[string]any{"kind": kind, "panic": r}})
	}
}
