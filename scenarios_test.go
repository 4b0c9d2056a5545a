package taskqueue_test

// Seed scenarios from spec.md §8, exercised end-to-end against the
// in-memory adapter and in-process notify adapter.

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rezkam/taskqueue"
	"github.com/rezkam/taskqueue/notifyadapter/localnotify"
	"github.com/rezkam/taskqueue/retry"
	"github.com/rezkam/taskqueue/stateadapter/memadapter"
	"github.com/rezkam/taskqueue/worker"
)

var errFlaky = errors.New("transient boom")

func newScenarioHarness(t *testing.T, defs ...taskqueue.TypeDef) (*taskqueue.Client, *memadapter.Adapter, *localnotify.Adapter) {
	t.Helper()
	state := memadapter.New()
	notify := localnotify.New()
	registry := taskqueue.NewRegistry(defs...)
	return taskqueue.NewClient(state, notify, registry), state, notify
}

// Scenario 1: simple greet.
func TestScenarioSimpleGreet(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	client, state, notify := newScenarioHarness(t, taskqueue.TypeDef{Name: "greet", Kind: taskqueue.KindEntry})

	var handle *taskqueue.ChainHandle
	require.NoError(t, client.WithNotify(ctx, func(ctx context.Context) error {
		var err error
		handle, err = client.StartJobChain(ctx, taskqueue.StartJobChainParams{TypeName: "greet", Input: []byte(`{"name":"World"}`)})
		return err
	}))

	w := worker.New(client, state, notify, map[string]worker.Handler{
		"greet": func(ctx context.Context, ac *worker.AttemptContext) error {
			var in struct {
				Name string `json:"name"`
			}
			require.NoError(t, json.Unmarshal(ac.Job.Input, &in))
			return ac.Complete(ctx, func(job *taskqueue.Job, cb taskqueue.CompletionCallbacks) error {
				out, _ := json.Marshal(map[string]string{"greeting": "Hello, " + in.Name + "!"})
				return cb.Terminal(out)
			})
		},
	}, worker.WithPollInterval(10*time.Millisecond))
	w.Start(ctx)
	defer w.Stop(context.Background())

	job, err := client.WaitForJobChainCompletion(ctx, handle.ID, taskqueue.WaitOptions{Timeout: 2 * time.Second, PollInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	require.JSONEq(t, `{"greeting":"Hello, World!"}`, string(job.Output))
}

// Scenario 2: retry once, backoff honors InitialDelay.
func TestScenarioRetryOnce(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	client, state, notify := newScenarioHarness(t, taskqueue.TypeDef{Name: "might-fail", Kind: taskqueue.KindEntry})

	var handle *taskqueue.ChainHandle
	require.NoError(t, client.WithNotify(ctx, func(ctx context.Context) error {
		var err error
		handle, err = client.StartJobChain(ctx, taskqueue.StartJobChainParams{TypeName: "might-fail", Input: []byte(`{"shouldFail":true}`)})
		return err
	}))

	var attempts int32
	w := worker.New(client, state, notify, map[string]worker.Handler{
		"might-fail": func(ctx context.Context, ac *worker.AttemptContext) error {
			if atomic.AddInt32(&attempts, 1) < 2 {
				return errFlaky
			}
			return ac.Complete(ctx, func(job *taskqueue.Job, cb taskqueue.CompletionCallbacks) error {
				return cb.Terminal([]byte(`{"success":true}`))
			})
		},
	},
		worker.WithPollInterval(5*time.Millisecond),
		worker.WithRetryConfig(retry.Config{InitialDelay: 100 * time.Millisecond, Multiplier: 1, MaxDelay: 200 * time.Millisecond}),
	)
	w.Start(ctx)
	defer w.Stop(context.Background())

	start := time.Now()
	job, err := client.WaitForJobChainCompletion(ctx, handle.ID, taskqueue.WaitOptions{Timeout: 2 * time.Second, PollInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	require.JSONEq(t, `{"success":true}`, string(job.Output))
	require.EqualValues(t, 2, atomic.LoadInt32(&attempts))
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

// Scenario 3: continuation pipeline preserves chainId/rootChainId.
func TestScenarioContinuationPipeline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	client, state, notify := newScenarioHarness(t,
		taskqueue.TypeDef{Name: "order:validate", Kind: taskqueue.KindEntry, Continuations: []string{"order:process"}},
		taskqueue.TypeDef{Name: "order:process", Kind: taskqueue.KindInternal, Continuations: []string{"order:complete"}},
		taskqueue.TypeDef{Name: "order:complete", Kind: taskqueue.KindInternal},
	)

	var handle *taskqueue.ChainHandle
	require.NoError(t, client.WithNotify(ctx, func(ctx context.Context) error {
		var err error
		handle, err = client.StartJobChain(ctx, taskqueue.StartJobChainParams{TypeName: "order:validate", Input: []byte(`{"orderId":"ORD-123"}`)})
		return err
	}))

	w := worker.New(client, state, notify, map[string]worker.Handler{
		"order:validate": func(ctx context.Context, ac *worker.AttemptContext) error {
			return ac.Complete(ctx, func(job *taskqueue.Job, cb taskqueue.CompletionCallbacks) error {
				_, err := cb.ContinueWith(taskqueue.ContinueParams{TypeName: "order:process", Input: job.Input})
				return err
			})
		},
		"order:process": func(ctx context.Context, ac *worker.AttemptContext) error {
			return ac.Complete(ctx, func(job *taskqueue.Job, cb taskqueue.CompletionCallbacks) error {
				_, err := cb.ContinueWith(taskqueue.ContinueParams{TypeName: "order:complete", Input: job.Input})
				return err
			})
		},
		"order:complete": func(ctx context.Context, ac *worker.AttemptContext) error {
			return ac.Complete(ctx, func(job *taskqueue.Job, cb taskqueue.CompletionCallbacks) error {
				return cb.Terminal([]byte(`{"orderId":"ORD-123","status":"completed"}`))
			})
		},
	}, worker.WithPollInterval(10*time.Millisecond))
	w.Start(ctx)
	defer w.Stop(context.Background())

	job, err := client.WaitForJobChainCompletion(ctx, handle.ID, taskqueue.WaitOptions{Timeout: 2 * time.Second, PollInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	require.JSONEq(t, `{"orderId":"ORD-123","status":"completed"}`, string(job.Output))

	chain, err := state.GetJobChainByID(ctx, handle.ID)
	require.NoError(t, err)
	require.Equal(t, handle.ID, chain.Latest.ChainID)
	require.Equal(t, handle.ID, chain.Latest.RootChainID)
}

// Scenario 4: fan-out/fan-in via blockers.
func TestScenarioFanOutFanIn(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	client, state, notify := newScenarioHarness(t,
		taskqueue.TypeDef{Name: "process-with-blockers", Kind: taskqueue.KindEntry},
		taskqueue.TypeDef{Name: "fetch-user", Kind: taskqueue.KindInternal},
		taskqueue.TypeDef{Name: "fetch-permissions", Kind: taskqueue.KindInternal},
	)

	var blockerIDs []string
	var handle *taskqueue.ChainHandle
	require.NoError(t, client.WithNotify(ctx, func(ctx context.Context) error {
		var err error
		handle, err = client.StartJobChain(ctx, taskqueue.StartJobChainParams{
			TypeName: "process-with-blockers",
			Input:    []byte(`{"taskId":"t"}`),
			StartBlockers: func(ctx context.Context) ([]string, error) {
				u, err := client.StartJobChain(ctx, taskqueue.StartJobChainParams{TypeName: "fetch-user", Input: []byte(`{"userId":"u1"}`)})
				if err != nil {
					return nil, err
				}
				p, err := client.StartJobChain(ctx, taskqueue.StartJobChainParams{TypeName: "fetch-permissions", Input: []byte(`{"userId":"u1"}`)})
				if err != nil {
					return nil, err
				}
				blockerIDs = []string{u.ID, p.ID}
				return blockerIDs, nil
			},
		})
		return err
	}))

	chain, err := state.GetJobChainByID(ctx, handle.ID)
	require.NoError(t, err)
	require.Equal(t, taskqueue.StatusBlocked, chain.Latest.Status)

	var acquired atomic.Bool
	w := worker.New(client, state, notify, map[string]worker.Handler{
		"process-with-blockers": func(ctx context.Context, ac *worker.AttemptContext) error {
			acquired.Store(true)
			var user, perms map[string]any
			require.NoError(t, json.Unmarshal(ac.BlockerOutputs[blockerIDs[0]], &user))
			require.NoError(t, json.Unmarshal(ac.BlockerOutputs[blockerIDs[1]], &perms))
			return ac.Complete(ctx, func(job *taskqueue.Job, cb taskqueue.CompletionCallbacks) error {
				out, _ := json.Marshal(map[string]any{"user": user, "permissions": perms})
				return cb.Terminal(out)
			})
		},
		"fetch-user": func(ctx context.Context, ac *worker.AttemptContext) error {
			return ac.Complete(ctx, func(job *taskqueue.Job, cb taskqueue.CompletionCallbacks) error {
				return cb.Terminal([]byte(`{"id":"u1"}`))
			})
		},
		"fetch-permissions": func(ctx context.Context, ac *worker.AttemptContext) error {
			return ac.Complete(ctx, func(job *taskqueue.Job, cb taskqueue.CompletionCallbacks) error {
				return cb.Terminal([]byte(`{"role":"admin"}`))
			})
		},
	}, worker.WithPollInterval(10*time.Millisecond))
	w.Start(ctx)
	defer w.Stop(context.Background())

	job, err := client.WaitForJobChainCompletion(ctx, handle.ID, taskqueue.WaitOptions{Timeout: 2 * time.Second, PollInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	require.True(t, acquired.Load())
	require.Contains(t, string(job.Output), `"u1"`)
	require.Contains(t, string(job.Output), `"admin"`)
}

// Scenario 5: workerless external completion before the schedule fires.
func TestScenarioWorkerlessExternalCompletion(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, _, _ := newScenarioHarness(t, taskqueue.TypeDef{Name: "awaiting-approval", Kind: taskqueue.KindEntry})

	var handle *taskqueue.ChainHandle
	require.NoError(t, client.WithNotify(ctx, func(ctx context.Context) error {
		var err error
		handle, err = client.StartJobChain(ctx, taskqueue.StartJobChainParams{
			TypeName: "awaiting-approval",
			Input:    []byte(`{"requestId":"R1"}`),
			Schedule: &taskqueue.Schedule{AfterMs: 5000},
		})
		return err
	}))

	require.NoError(t, client.WithNotify(ctx, func(ctx context.Context) error {
		return client.CompleteJobChain(ctx, taskqueue.CompleteJobChainParams{
			ChainID: handle.ID,
			Complete: func(job *taskqueue.Job, cb taskqueue.CompletionCallbacks) error {
				return cb.Terminal([]byte(`{"approved":true,"approvedBy":"admin"}`))
			},
		})
	}))

	job, err := client.WaitForJobChainCompletion(ctx, handle.ID, taskqueue.WaitOptions{Timeout: time.Second, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	require.JSONEq(t, `{"approved":true,"approvedBy":"admin"}`, string(job.Output))
	require.Nil(t, job.CompletedBy)
}

// Scenario 6: deduplication with a window, incomplete scope.
func TestScenarioDeduplicationWithWindow(t *testing.T) {
	ctx := context.Background()
	client, state, notify := newScenarioHarness(t, taskqueue.TypeDef{Name: "sync-data", Kind: taskqueue.KindEntry})

	dedup := &taskqueue.Deduplication{Key: "sync:db", Scope: taskqueue.ScopeIncomplete, Window: 500 * time.Millisecond}

	var first, second *taskqueue.ChainHandle
	require.NoError(t, client.WithNotify(ctx, func(ctx context.Context) error {
		var err error
		first, err = client.StartJobChain(ctx, taskqueue.StartJobChainParams{TypeName: "sync-data", Input: []byte(`{"sourceId":"db"}`), Deduplication: dedup})
		return err
	}))
	require.False(t, first.Deduplicated)

	require.NoError(t, client.WithNotify(ctx, func(ctx context.Context) error {
		var err error
		second, err = client.StartJobChain(ctx, taskqueue.StartJobChainParams{TypeName: "sync-data", Input: []byte(`{"sourceId":"db"}`), Deduplication: dedup})
		return err
	}))
	require.True(t, second.Deduplicated)
	require.Equal(t, first.ID, second.ID)

	w := worker.New(client, state, notify, map[string]worker.Handler{
		"sync-data": func(ctx context.Context, ac *worker.AttemptContext) error {
			return ac.Complete(ctx, func(job *taskqueue.Job, cb taskqueue.CompletionCallbacks) error {
				return cb.Terminal([]byte(`{"ok":true}`))
			})
		},
	}, worker.WithPollInterval(10*time.Millisecond))
	w.Start(ctx)

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err := client.WaitForJobChainCompletion(waitCtx, first.ID, taskqueue.WaitOptions{Timeout: time.Second, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	w.Stop(context.Background())

	time.Sleep(600 * time.Millisecond)

	var third *taskqueue.ChainHandle
	require.NoError(t, client.WithNotify(ctx, func(ctx context.Context) error {
		var err error
		third, err = client.StartJobChain(ctx, taskqueue.StartJobChainParams{TypeName: "sync-data", Input: []byte(`{"sourceId":"db"}`), Deduplication: dedup})
		return err
	}))
	require.False(t, third.Deduplicated)
	require.NotEqual(t, first.ID, third.ID)
}

// Scenario 7: reaping an abandoned lease.
func TestScenarioReaping(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	state := memadapter.New()
	notify := localnotify.New()
	registry := taskqueue.NewRegistry(taskqueue.TypeDef{Name: "long-task", Kind: taskqueue.KindEntry})
	client := taskqueue.NewClient(state, notify, registry)

	var handle *taskqueue.ChainHandle
	require.NoError(t, client.WithNotify(ctx, func(ctx context.Context) error {
		var err error
		handle, err = client.StartJobChain(ctx, taskqueue.StartJobChainParams{TypeName: "long-task"})
		return err
	}))

	hang := make(chan struct{})
	defer close(hang)
	var workerACancelled atomic.Bool
	workerA := worker.New(client, state, notify, map[string]worker.Handler{
		"long-task": func(ctx context.Context, ac *worker.AttemptContext) error {
			select {
			case <-ac.Signal.Done():
				workerACancelled.Store(true)
				return ac.Signal.Context().Err()
			case <-hang:
				return nil
			}
		},
	},
		worker.WithWorkerID("worker-a"),
		worker.WithPollInterval(10*time.Millisecond),
		worker.WithLease(60*time.Millisecond, 90*time.Millisecond),
	)

	var reacquired atomic.Bool
	workerB := worker.New(client, state, notify, map[string]worker.Handler{
		"long-task": func(ctx context.Context, ac *worker.AttemptContext) error {
			reacquired.Store(true)
			return ac.Complete(ctx, func(job *taskqueue.Job, cb taskqueue.CompletionCallbacks) error {
				return cb.Terminal([]byte("1"))
			})
		},
	},
		worker.WithWorkerID("worker-b"),
		worker.WithPollInterval(10*time.Millisecond),
		worker.WithLease(5*time.Minute, time.Minute),
	)

	workerA.Start(ctx)
	defer workerA.Stop(context.Background())
	workerB.Start(ctx)
	defer workerB.Stop(context.Background())

	require.Eventually(t, reacquired.Load, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, workerACancelled.Load, 2*time.Second, 10*time.Millisecond)

	job, err := client.WaitForJobChainCompletion(ctx, handle.ID, taskqueue.WaitOptions{Timeout: 2 * time.Second, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	require.Equal(t, taskqueue.StatusCompleted, job.Status)
}

