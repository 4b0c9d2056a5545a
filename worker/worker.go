// Package worker implements the dispatch loop (C5) and job attempt runner
// (C6) of spec.md §4.5-4.6: a pool of in-flight attempts bounded by a
// concurrency semaphore, grounded on the teacher's gcs/fs store concurrency
// pattern (github.com/rezkam/taskqueue/_examples/rezkam-mono internal/storage/{gcs,fs}/store.go)
// and its generation_worker.go heartbeat/panic-recovery shape, generalized
// from one job type to an arbitrary typed handler map.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rezkam/taskqueue"
	"github.com/rezkam/taskqueue/clock"
	"github.com/rezkam/taskqueue/events"
	"github.com/rezkam/taskqueue/notifyadapter"
	"github.com/rezkam/taskqueue/retry"
	"github.com/rezkam/taskqueue/stateadapter"
)

// Config is the worker's tunables, grounded on the teacher's deleted
// coordinator.go WorkerConfig/RetryConfig defaults.
type Config struct {
	WorkerID      string
	Concurrency   int
	PollInterval  time.Duration
	LeaseDuration time.Duration
	RenewInterval time.Duration
	Retry         retry.Config
}

// DefaultConfig follows the documented default of strict per-worker
// serialisation (concurrency = 1); PollInterval/LeaseDuration/RenewInterval
// mirror the teacher's deleted DefaultWorkerConfig/DefaultRetryConfig
// (PollInterval=1s, AvailabilityTimeout=5min, HeartbeatInterval=1min).
func DefaultConfig() Config {
	return Config{
		Concurrency:   1,
		PollInterval:  time.Second,
		LeaseDuration: 5 * time.Minute,
		RenewInterval: time.Minute,
		Retry:         retry.DefaultConfig(),
	}
}

// Option configures a Worker, following the teacher's functional-options
// convention (internal/application/worker/worker.go's Option type).
type Option func(*Worker)

func WithWorkerID(id string) Option        { return func(w *Worker) { w.cfg.WorkerID = id } }
func WithConcurrency(n int) Option         { return func(w *Worker) { w.cfg.Concurrency = n } }
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) { w.cfg.PollInterval = d }
}
func WithLease(leaseDuration, renewInterval time.Duration) Option {
	return func(w *Worker) {
		w.cfg.LeaseDuration = leaseDuration
		w.cfg.RenewInterval = renewInterval
	}
}
func WithRetryConfig(cfg retry.Config) Option { return func(w *Worker) { w.cfg.Retry = cfg } }
func WithSink(sink events.Sink) Option        { return func(w *Worker) { w.sink = sink } }
func WithClock(c clock.Clock) Option          { return func(w *Worker) { w.clock = c } }
func WithMiddleware(mws ...Middleware) Option {
	return func(w *Worker) { w.middlewares = append(w.middlewares, mws...) }
}

// Worker runs the dispatch loop and attempt runners for a fixed set of job
// types, bound to a Client for the completion/continuation path.
type Worker struct {
	client *taskqueue.Client
	state  stateadapter.Adapter
	notify notifyadapter.Adapter
	sink   events.Sink
	clock  clock.Clock
	cfg    Config

	handlers    map[string]Handler
	middlewares []Middleware

	mu       sync.Mutex
	inFlight map[string]*clock.Signal // jobID -> cancellation signal

	cancelDispatch context.CancelFunc
	dispatchDone   chan struct{}
	wg             sync.WaitGroup
}

// New builds a Worker bound to handlers (typeName -> Handler). client, state,
// and notify must share the same backend.
func New(client *taskqueue.Client, state stateadapter.Adapter, notify notifyadapter.Adapter, handlers map[string]Handler, opts ...Option) *Worker {
	w := &Worker{
		client:   client,
		state:    state,
		notify:   notify,
		sink:     events.NoOpSink{},
		clock:    clock.Real{},
		cfg:      DefaultConfig(),
		handlers: handlers,
		inFlight: make(map[string]*clock.Signal),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.cfg.WorkerID == "" {
		w.cfg.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	return w
}

func (w *Worker) typeNames() []string {
	names := make([]string, 0, len(w.handlers))
	for name := range w.handlers {
		names = append(names, name)
	}
	return names
}

// Start spins up the dispatch task (spec.md §4.5). It returns immediately;
// call Stop to shut down.
func (w *Worker) Start(ctx context.Context) {
	dispatchCtx, cancel := context.WithCancel(ctx)
	w.cancelDispatch = cancel
	w.dispatchDone = make(chan struct{})
	w.emit(ctx, events.KindWorkerStarted, nil, "", nil)
	go w.dispatchLoop(dispatchCtx)
}

// Stop cancels the dispatch task, signals every in-flight attempt with
// ReasonWorkerStopping, and blocks until they all exit.
func (w *Worker) Stop(ctx context.Context) {
	if w.cancelDispatch != nil {
		w.cancelDispatch()
	}
	if w.dispatchDone != nil {
		<-w.dispatchDone
	}
	w.mu.Lock()
	signals := make([]*clock.Signal, 0, len(w.inFlight))
	for _, s := range w.inFlight {
		signals = append(signals, s)
	}
	w.mu.Unlock()
	for _, s := range signals {
		s.Cancel(clock.ReasonWorkerStopping)
	}
	w.wg.Wait()
	w.emit(ctx, events.KindWorkerStopped, nil, "", nil)
}

func (w *Worker) dispatchLoop(ctx context.Context) {
	defer close(w.dispatchDone)

	typeNames := w.typeNames()
	woken := make(chan struct{}, 1)
	wake := func(string, int) {
		select {
		case woken <- struct{}{}:
		default:
		}
	}
	dispose, err := w.notify.ListenJobScheduled(ctx, typeNames, wake)
	if err != nil {
		w.emit(ctx, events.KindWorkerError, nil, "", err)
	} else {
		defer dispose()
	}

	sem := make(chan struct{}, w.cfg.Concurrency)

	for {
		select {
		case <-ctx.Done():
			return
		case sem <- struct{}{}:
		}

		job, hasMore, err := w.acquireJob(ctx, typeNames)
		if err != nil {
			<-sem
			w.emit(ctx, events.KindStateAdapterError, nil, "", err)
			if w.sleep(ctx, w.cfg.PollInterval, woken) {
				return
			}
			continue
		}
		if job != nil {
			w.wg.Add(1)
			go func(j *taskqueue.Job) {
				defer w.wg.Done()
				defer func() { <-sem }()
				w.runAttempt(ctx, j)
			}(job)
			if hasMore {
				continue
			}
			continue
		}
		<-sem

		reaped, err := w.reapExpiredLease(ctx, typeNames)
		if err != nil {
			w.emit(ctx, events.KindStateAdapterError, nil, "", err)
		} else if reaped != nil {
			w.emit(ctx, events.KindJobReaped, reaped, "", nil)
			w.notify.NotifyJobOwnershipLost(ctx, reaped.ID)
			w.emit(ctx, events.KindJobTakenByAnotherWorker, reaped, "", nil)
			continue
		}

		sleepFor := w.cfg.PollInterval
		if nextMs, err := w.state.GetNextJobAvailableInMs(ctx, typeNames); err == nil && nextMs != nil {
			if candidate := time.Duration(*nextMs) * time.Millisecond; candidate < sleepFor {
				sleepFor = candidate
			}
		}
		if w.sleep(ctx, sleepFor, woken) {
			return
		}
	}
}

// sleep waits for d, a wake-up notification, or ctx cancellation, whichever
// comes first. It reports whether ctx was the reason it returned.
func (w *Worker) sleep(ctx context.Context, d time.Duration, woken <-chan struct{}) (cancelled bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-woken:
	case <-timer.C:
	}
	return false
}

func (w *Worker) acquireJob(ctx context.Context, typeNames []string) (job *taskqueue.Job, hasMore bool, err error) {
	err = w.state.RunInTransaction(ctx, func(txCtx context.Context) error {
		res, err := w.state.AcquireJob(txCtx, typeNames)
		if err != nil {
			return err
		}
		job = res.Job
		hasMore = res.HasMore
		return nil
	})
	return job, hasMore, err
}

func (w *Worker) ignoredJobIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.inFlight))
	for id := range w.inFlight {
		ids = append(ids, id)
	}
	return ids
}

func (w *Worker) reapExpiredLease(ctx context.Context, typeNames []string) (*taskqueue.Job, error) {
	var reaped *taskqueue.Job
	err := w.state.RunInTransaction(ctx, func(txCtx context.Context) error {
		j, err := w.state.RemoveExpiredJobLease(txCtx, typeNames, w.ignoredJobIDs())
		reaped = j
		return err
	})
	return reaped, err
}

func (w *Worker) emit(ctx context.Context, kind events.Kind, job *taskqueue.Job, typeName string, err error) {
	if w.sink == nil {
		return
	}
	e := events.Event{Kind: kind, WorkerID: w.cfg.WorkerID, TypeName: typeName, Err: err}
	if job != nil {
		e.JobID = job.ID
		e.ChainID = job.ChainID
		e.TypeName = job.TypeName
	}
	w.sink.Emit(ctx, e)
}

var errNoHandler = errors.New("taskqueue/worker: no handler registered for type")
var errHandlerDidNotComplete = errors.New("taskqueue/worker: handler returned without completing the job")

func (w *Worker) runAttempt(ctx context.Context, job *taskqueue.Job) {
	start := w.clock.Now()
	signal := clock.NewSignal(ctx)
	w.mu.Lock()
	w.inFlight[job.ID] = signal
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.inFlight, job.ID)
		w.mu.Unlock()
	}()

	w.emit(ctx, events.KindJobAttemptStarted, job, job.TypeName, nil)

	if err := w.state.RunInTransaction(signal.Context(), func(txCtx context.Context) error {
		return w.state.RenewJobLease(txCtx, job.ID, w.cfg.WorkerID, w.cfg.LeaseDuration)
	}); err != nil {
		w.emit(ctx, events.KindJobAttemptFailed, job, job.TypeName, err)
		return
	}

	renewerDone := make(chan struct{})
	go w.runLeaseRenewer(signal, job, renewerDone)
	defer func() {
		signal.Cancel(clock.ReasonAlreadyCompleted)
		<-renewerDone
	}()

	handler, ok := w.handlers[job.TypeName]
	if !ok {
		w.handleFailure(ctx, job, fmt.Errorf("%w: %q", errNoHandler, job.TypeName))
		return
	}
	handler = chain(handler, w.middlewares)

	ac := newAttemptContext(job, w.cfg.WorkerID, signal, w.client)
	ac.BlockerOutputs = w.resolveBlockerOutputs(ctx, job.ID)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("taskqueue/worker: handler panicked: %v", r)
			}
		}()
		return handler(signal.Context(), ac)
	}()

	if err == nil && !ac.completed {
		err = errHandlerDidNotComplete
	}

	duration := w.clock.Now().Sub(start)
	if err != nil {
		w.emit(ctx, events.KindJobAttemptFailed, job, job.TypeName, err)
		// The lease renewer fired signal because this worker no longer owns
		// the job; the attempt exits without rescheduling it.
		if r := signal.Reason(); r == clock.ReasonTakenByAnotherWorker || r == clock.ReasonAlreadyCompleted {
			return
		}
		w.handleFailure(ctx, job, err)
		return
	}
	w.sink.Emit(ctx, events.Event{
		Kind: events.KindJobAttemptCompleted, JobID: job.ID, ChainID: job.ChainID, TypeName: job.TypeName,
		Attrs: map[string]any{"duration_seconds": duration.Seconds()},
	})
	w.emit(ctx, events.KindJobCompleted, job, job.TypeName, nil)
}

// handleFailure applies spec.md §4.6 step 6: a RescheduleJobError wins;
// terminal ownership errors exit without rescheduling; everything else uses
// the backoff curve keyed on the job's just-incremented attempt count.
func (w *Worker) handleFailure(ctx context.Context, job *taskqueue.Job, cause error) {
	if errors.Is(cause, taskqueue.ErrJobTakenByAnotherWorker) ||
		errors.Is(cause, taskqueue.ErrJobNotFound) ||
		errors.Is(cause, taskqueue.ErrJobAlreadyCompleted) {
		return
	}

	var schedule taskqueue.Schedule
	var rescheduleErr *taskqueue.RescheduleJobError
	if errors.As(cause, &rescheduleErr) {
		schedule = rescheduleErr.Schedule
		if rescheduleErr.Cause != nil {
			cause = rescheduleErr.Cause
		}
	} else {
		delay := retry.Backoff(job.Attempt, w.cfg.Retry)
		at := w.clock.Now().Add(delay)
		schedule = taskqueue.Schedule{At: &at}
	}

	err := w.state.RunInTransaction(ctx, func(txCtx context.Context) error {
		return w.state.RescheduleJob(txCtx, stateadapter.RescheduleParams{
			JobID:    job.ID,
			Schedule: schedule,
			Error:    cause.Error(),
		})
	})
	if err != nil {
		w.emit(ctx, events.KindStateAdapterError, job, job.TypeName, err)
	}
}

// runLeaseRenewer periodically re-asserts ownership of job until signal
// fires. It cancels signal itself if ownership is lost or the job is found
// already completed (spec.md §4.6 step 3).
func (w *Worker) runLeaseRenewer(signal *clock.Signal, job *taskqueue.Job, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.cfg.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-signal.Done():
			return
		case <-ticker.C:
		}

		current, err := w.state.GetJobForUpdate(signal.Context(), job.ID)
		if err != nil {
			if errors.Is(err, taskqueue.ErrJobNotFound) {
				signal.Cancel(clock.ReasonAlreadyCompleted)
				return
			}
			continue // transient read failure; try again next tick
		}
		if current.Status == taskqueue.StatusCompleted {
			signal.Cancel(clock.ReasonAlreadyCompleted)
			return
		}
		if current.LeasedBy == nil || *current.LeasedBy != w.cfg.WorkerID {
			signal.Cancel(clock.ReasonTakenByAnotherWorker)
			return
		}

		err = retry.Do(signal.Context(), 3, w.cfg.Retry, defaultTransientClassifier(w.state), func(ctx context.Context) error {
			return w.state.RunInTransaction(ctx, func(txCtx context.Context) error {
				return w.state.RenewJobLease(txCtx, job.ID, w.cfg.WorkerID, w.cfg.LeaseDuration)
			})
		})
		if err != nil {
			if errors.Is(err, taskqueue.ErrJobTakenByAnotherWorker) {
				signal.Cancel(clock.ReasonTakenByAnotherWorker)
				return
			}
			if errors.Is(err, taskqueue.ErrJobNotFound) || errors.Is(err, taskqueue.ErrJobAlreadyCompleted) {
				signal.Cancel(clock.ReasonAlreadyCompleted)
				return
			}
		}
	}
}

// resolveBlockerOutputs reads jobID's blocker edges and the terminal output
// of each blocker chain's latest job, best-effort: a lookup failure is
// dropped rather than failing the attempt, since an already-unblocked job
// has necessarily-terminal blockers by invariant.
func (w *Worker) resolveBlockerOutputs(ctx context.Context, jobID string) map[string][]byte {
	edges, err := w.state.GetJobBlockers(ctx, jobID)
	if err != nil || len(edges) == 0 {
		return nil
	}
	outputs := make(map[string][]byte, len(edges))
	for _, e := range edges {
		chain, err := w.state.GetJobChainByID(ctx, e.BlockedByChainID)
		if err != nil || chain.Latest == nil {
			continue
		}
		outputs[e.BlockedByChainID] = chain.Latest.Output
	}
	return outputs
}

func defaultTransientClassifier(state stateadapter.Adapter) retry.ErrorClassifier {
	classifier, ok := state.(stateadapter.TransientClassifier)
	if !ok {
		return func(error) bool { return false }
	}
	return classifier.IsTransient
}
