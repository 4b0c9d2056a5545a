// Package events is the typed event stream of spec.md §4.8: the core emits
// tagged records to a caller-provided Sink instead of owning any particular
// logging or metrics backend. SlogSink logs via log/slog, generalizing
// the teacher's DefaultErrorHandler (HandleError/HandlePanic) from a single
// job type to the full worker event vocabulary.
package events

import (
	"context"
	"log/slog"
)

// Kind enumerates every event the core may emit.
type Kind string

const (
	KindWorkerStarted          Kind = "worker_started"
	KindWorkerStopped          Kind = "worker_stopped"
	KindWorkerError            Kind = "worker_error"
	KindJobCreated             Kind = "job_created"
	KindJobAttemptStarted      Kind = "job_attempt_started"
	KindJobAttemptCompleted    Kind = "job_attempt_completed"
	KindJobCompleted           Kind = "job_completed"
	KindJobAttemptFailed       Kind = "job_attempt_failed"
	KindJobBlocked             Kind = "job_blocked"
	KindJobUnblocked           Kind = "job_unblocked"
	KindJobReaped              Kind = "job_reaped"
	KindJobTakenByAnotherWorker Kind = "job_taken_by_another_worker"
	KindJobLeaseExpired        Kind = "job_lease_expired"
	KindJobChainCreated        Kind = "job_chain_created"
	KindJobChainCompleted      Kind = "job_chain_completed"
	KindJobChainDeleted        Kind = "job_chain_deleted"
	KindNotifyAdapterError     Kind = "notify_adapter_error"
	KindStateAdapterError      Kind = "state_adapter_error"
	KindNotifyContextAbsence   Kind = "notify_context_absence"
)

// Event is one record in the stream. Fields are stable across all Kinds so
// sinks can index/alert generically; Kind-specific detail rides in Err/Attrs.
type Event struct {
	Kind     Kind
	JobID    string
	ChainID  string
	TypeName string
	WorkerID string
	Err      error
	Attrs    map[string]any
}

// Sink receives every Event the core emits. Implementations must not block
// the caller for long — the dispatch loop and attempt runner emit
// synchronously on their own goroutine.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// SlogSink is a Sink backed by log/slog, grounded on the teacher's
// DefaultErrorHandler structured-logging shape.
type SlogSink struct {
	Logger *slog.Logger
}

// NewSlogSink wraps logger, or slog.Default() if nil.
func NewSlogSink(logger *slog.Logger) SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return SlogSink{Logger: logger}
}

func (s SlogSink) Emit(ctx context.Context, e Event) {
	attrs := []any{
		slog.String("event", string(e.Kind)),
	}
	if e.JobID != "" {
		attrs = append(attrs, slog.String("job_id", e.JobID))
	}
	if e.ChainID != "" {
		attrs = append(attrs, slog.String("chain_id", e.ChainID))
	}
	if e.TypeName != "" {
		attrs = append(attrs, slog.String("type_name", e.TypeName))
	}
	if e.WorkerID != "" {
		attrs = append(attrs, slog.String("worker_id", e.WorkerID))
	}
	for k, v := range e.Attrs {
		attrs = append(attrs, slog.Any(k, v))
	}

	switch e.Kind {
	case KindWorkerError, KindJobAttemptFailed, KindNotifyAdapterError, KindStateAdapterError:
		if e.Err != nil {
			attrs = append(attrs, slog.String("error", e.Err.Error()))
		}
		s.Logger.ErrorContext(ctx, "taskqueue event", attrs...)
	case KindNotifyContextAbsence, KindJobReaped, KindJobTakenByAnotherWorker, KindJobLeaseExpired:
		s.Logger.WarnContext(ctx, "taskqueue event", attrs...)
	default:
		s.Logger.InfoContext(ctx, "taskqueue event", attrs...)
	}
}

var _ Sink = SlogSink{}

// NoOpSink discards every event. Useful as a default when the caller hasn't
// wired observability yet.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

var _ Sink = NoOpSink{}
