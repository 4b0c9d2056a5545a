package worker_test

import (
	"context"
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

func newHarness(t *testing.T, defs ...taskqueue.TypeDef) (*taskqueue.Client, *memadapter.Adapter, *localnotify.Adapter) {
	t.Helper()
	state := memadapter.New()
	notify := localnotify.New()
	registry := taskqueue.NewRegistry(defs...)
	client := taskqueue.NewClient(state, notify, registry)
	return client, state, notify
}

func TestWorkerProcessesJobToCompletion(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	client, state, notify := newHarness(t, taskqueue.TypeDef{Name: "greet", Kind: taskqueue.KindEntry})

	var handle *taskqueue.ChainHandle
	require.NoError(t, client.WithNotify(ctx, func(ctx context.Context) error {
		var err error
		handle, err = client.StartJobChain(ctx, taskqueue.StartJobChainParams{TypeName: "greet", Input: []byte(`"world"`)})
		return err
	}))

	w := worker.New(client, state, notify, map[string]worker.Handler{
		"greet": func(ctx context.Context, ac *worker.AttemptContext) error {
			return ac.Complete(ctx, func(job *taskqueue.Job, cb taskqueue.CompletionCallbacks) error {
				return cb.Terminal([]byte(`"hello world"`))
			})
		},
	}, worker.WithPollInterval(20*time.Millisecond))

	w.Start(ctx)
	defer w.Stop(context.Background())

	job, err := client.WaitForJobChainCompletion(ctx, handle.ID, taskqueue.WaitOptions{
		Timeout:      2 * time.Second,
		PollInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Equal(t, taskqueue.StatusCompleted, job.Status)
	require.Equal(t, `"hello world"`, string(job.Output))
}

func TestWorkerRetriesTransientFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	client, state, notify := newHarness(t, taskqueue.TypeDef{Name: "flaky", Kind: taskqueue.KindEntry})

	var handle *taskqueue.ChainHandle
	require.NoError(t, client.WithNotify(ctx, func(ctx context.Context) error {
		var err error
		handle, err = client.StartJobChain(ctx, taskqueue.StartJobChainParams{TypeName: "flaky"})
		return err
	}))

	var attempts int32
	w := worker.New(client, state, notify, map[string]worker.Handler{
		"flaky": func(ctx context.Context, ac *worker.AttemptContext) error {
			if atomic.AddInt32(&attempts, 1) == 1 {
				return errors.New("transient boom")
			}
			return ac.Complete(ctx, func(job *taskqueue.Job, cb taskqueue.CompletionCallbacks) error {
				return cb.Terminal([]byte("1"))
			})
		},
	},
		worker.WithPollInterval(10*time.Millisecond),
		worker.WithRetryConfig(retryConfigFast()),
	)

	w.Start(ctx)
	defer w.Stop(context.Background())

	job, err := client.WaitForJobChainCompletion(ctx, handle.ID, taskqueue.WaitOptions{
		Timeout:      2 * time.Second,
		PollInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Equal(t, taskqueue.StatusCompleted, job.Status)
	require.EqualValues(t, 2, atomic.LoadInt32(&attempts))
}

func TestWorkerContinuationChainsAcrossAttempts(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	client, state, notify := newHarness(t,
		taskqueue.TypeDef{Name: "step1", Kind: taskqueue.KindEntry, Continuations: []string{"step2"}},
		taskqueue.TypeDef{Name: "step2", Kind: taskqueue.KindInternal},
	)

	var handle *taskqueue.ChainHandle
	require.NoError(t, client.WithNotify(ctx, func(ctx context.Context) error {
		var err error
		handle, err = client.StartJobChain(ctx, taskqueue.StartJobChainParams{TypeName: "step1"})
		return err
	}))

	w := worker.New(client, state, notify, map[string]worker.Handler{
		"step1": func(ctx context.Context, ac *worker.AttemptContext) error {
			return ac.Complete(ctx, func(job *taskqueue.Job, cb taskqueue.CompletionCallbacks) error {
				_, err := cb.ContinueWith(taskqueue.ContinueParams{TypeName: "step2", Input: []byte("2")})
				return err
			})
		},
		"step2": func(ctx context.Context, ac *worker.AttemptContext) error {
			return ac.Complete(ctx, func(job *taskqueue.Job, cb taskqueue.CompletionCallbacks) error {
				return cb.Terminal([]byte("done"))
			})
		},
	}, worker.WithPollInterval(10*time.Millisecond))

	w.Start(ctx)
	defer w.Stop(context.Background())

	job, err := client.WaitForJobChainCompletion(ctx, handle.ID, taskqueue.WaitOptions{
		Timeout:      2 * time.Second,
		PollInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Equal(t, "done", string(job.Output))
}

func TestWorkerStopAwaitsInFlightAttempts(t *testing.T) {
	ctx := context.Background()
	client, state, notify := newHarness(t, taskqueue.TypeDef{Name: "slow", Kind: taskqueue.KindEntry})

	require.NoError(t, client.WithNotify(ctx, func(ctx context.Context) error {
		_, err := client.StartJobChain(ctx, taskqueue.StartJobChainParams{TypeName: "slow"})
		return err
	}))

	started := make(chan struct{})
	release := make(chan struct{})
	w := worker.New(client, state, notify, map[string]worker.Handler{
		"slow": func(ctx context.Context, ac *worker.AttemptContext) error {
			close(started)
			<-release
			return ac.Complete(ctx, func(job *taskqueue.Job, cb taskqueue.CompletionCallbacks) error {
				return cb.Terminal([]byte("1"))
			})
		},
	}, worker.WithPollInterval(10*time.Millisecond))

	w.Start(ctx)
	<-started

	stopped := make(chan struct{})
	go func() {
		close(release)
		w.Stop(context.Background())
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after in-flight attempt finished")
	}
}

func retryConfigFast() retry.Config {
	return retry.Config{InitialDelay: 5 * time.Millisecond, Multiplier: 1.0, MaxDelay: 20 * time.Millisecond}
}
