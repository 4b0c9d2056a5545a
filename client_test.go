package taskqueue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rezkam/taskqueue"
	"github.com/rezkam/taskqueue/notifyadapter/localnotify"
	"github.com/rezkam/taskqueue/stateadapter/memadapter"
)

func newTestClient(t *testing.T, defs ...taskqueue.TypeDef) (*taskqueue.Client, *memadapter.Adapter) {
	t.Helper()
	state := memadapter.New()
	notify := localnotify.New()
	registry := taskqueue.NewRegistry(defs...)
	return taskqueue.NewClient(state, notify, registry), state
}

func TestStartJobChainSimple(t *testing.T) {
	ctx := context.Background()
	client, state := newTestClient(t, taskqueue.TypeDef{Name: "greet", Kind: taskqueue.KindEntry})

	var handle *taskqueue.ChainHandle
	err := client.WithNotify(ctx, func(ctx context.Context) error {
		var err error
		handle, err = client.StartJobChain(ctx, taskqueue.StartJobChainParams{TypeName: "greet", Input: []byte(`"world"`)})
		return err
	})
	require.NoError(t, err)
	require.False(t, handle.Deduplicated)

	chain, err := state.GetJobChainByID(ctx, handle.ID)
	require.NoError(t, err)
	require.Equal(t, taskqueue.StatusPending, chain.Latest.Status)
	require.True(t, chain.Latest.IsFirstOfChain())
}

func TestStartJobChainRejectsUnknownType(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)

	err := client.WithNotify(ctx, func(ctx context.Context) error {
		_, err := client.StartJobChain(ctx, taskqueue.StartJobChainParams{TypeName: "ghost", Input: nil})
		return err
	})
	var valErr *taskqueue.JobTypeValidationError
	require.ErrorAs(t, err, &valErr)
	require.Equal(t, taskqueue.CodeUnknownType, valErr.Code)
}

func TestStartJobChainRejectsInternalAsEntry(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t, taskqueue.TypeDef{Name: "step2", Kind: taskqueue.KindInternal})

	err := client.WithNotify(ctx, func(ctx context.Context) error {
		_, err := client.StartJobChain(ctx, taskqueue.StartJobChainParams{TypeName: "step2"})
		return err
	})
	var valErr *taskqueue.JobTypeValidationError
	require.ErrorAs(t, err, &valErr)
	require.Equal(t, taskqueue.CodeNotEntry, valErr.Code)
}

func TestStartJobChainDeduplicatesByKey(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t, taskqueue.TypeDef{Name: "send-email", Kind: taskqueue.KindEntry})

	dedup := &taskqueue.Deduplication{Key: "welcome-42", Scope: taskqueue.ScopeIncomplete, Window: -1}
	var first, second *taskqueue.ChainHandle
	err := client.WithNotify(ctx, func(ctx context.Context) error {
		var err error
		first, err = client.StartJobChain(ctx, taskqueue.StartJobChainParams{TypeName: "send-email", Deduplication: dedup})
		return err
	})
	require.NoError(t, err)
	require.False(t, first.Deduplicated)

	err = client.WithNotify(ctx, func(ctx context.Context) error {
		var err error
		second, err = client.StartJobChain(ctx, taskqueue.StartJobChainParams{TypeName: "send-email", Deduplication: dedup})
		return err
	})
	require.NoError(t, err)
	require.True(t, second.Deduplicated)
	require.Equal(t, first.ID, second.ID)
}

func TestStartJobChainWindowZeroNeverDeduplicates(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t, taskqueue.TypeDef{Name: "send-email", Kind: taskqueue.KindEntry})

	dedup := &taskqueue.Deduplication{Key: "welcome-43", Scope: taskqueue.ScopeIncomplete, Window: 0}
	var first, second *taskqueue.ChainHandle
	err := client.WithNotify(ctx, func(ctx context.Context) error {
		var err error
		first, err = client.StartJobChain(ctx, taskqueue.StartJobChainParams{TypeName: "send-email", Deduplication: dedup})
		return err
	})
	require.NoError(t, err)
	require.False(t, first.Deduplicated)

	err = client.WithNotify(ctx, func(ctx context.Context) error {
		var err error
		second, err = client.StartJobChain(ctx, taskqueue.StartJobChainParams{TypeName: "send-email", Deduplication: dedup})
		return err
	})
	require.NoError(t, err)
	require.False(t, second.Deduplicated)
	require.NotEqual(t, first.ID, second.ID)
}

func TestCompleteJobChainTerminal(t *testing.T) {
	ctx := context.Background()
	client, state := newTestClient(t, taskqueue.TypeDef{Name: "greet", Kind: taskqueue.KindEntry})

	var handle *taskqueue.ChainHandle
	require.NoError(t, client.WithNotify(ctx, func(ctx context.Context) error {
		var err error
		handle, err = client.StartJobChain(ctx, taskqueue.StartJobChainParams{TypeName: "greet"})
		return err
	}))

	require.NoError(t, client.WithNotify(ctx, func(ctx context.Context) error {
		return client.CompleteJobChain(ctx, taskqueue.CompleteJobChainParams{
			ChainID: handle.ID,
			Complete: func(job *taskqueue.Job, cb taskqueue.CompletionCallbacks) error {
				return cb.Terminal([]byte(`"hello world"`))
			},
		})
	}))

	chain, err := state.GetJobChainByID(ctx, handle.ID)
	require.NoError(t, err)
	require.True(t, chain.Terminal())
}

func TestCompleteJobChainRejectsDoubleComplete(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t, taskqueue.TypeDef{Name: "greet", Kind: taskqueue.KindEntry})

	var handle *taskqueue.ChainHandle
	require.NoError(t, client.WithNotify(ctx, func(ctx context.Context) error {
		var err error
		handle, err = client.StartJobChain(ctx, taskqueue.StartJobChainParams{TypeName: "greet"})
		return err
	}))

	err := client.WithNotify(ctx, func(ctx context.Context) error {
		return client.CompleteJobChain(ctx, taskqueue.CompleteJobChainParams{
			ChainID: handle.ID,
			Complete: func(job *taskqueue.Job, cb taskqueue.CompletionCallbacks) error {
				require.NoError(t, cb.Terminal([]byte("1")))
				return cb.Terminal([]byte("2"))
			},
		})
	})
	require.ErrorIs(t, err, taskqueue.ErrCompleteCalledTwice)
}

func TestCompleteJobChainContinuation(t *testing.T) {
	ctx := context.Background()
	client, state := newTestClient(t,
		taskqueue.TypeDef{Name: "step1", Kind: taskqueue.KindEntry, Continuations: []string{"step2"}},
		taskqueue.TypeDef{Name: "step2", Kind: taskqueue.KindInternal},
	)

	var handle *taskqueue.ChainHandle
	require.NoError(t, client.WithNotify(ctx, func(ctx context.Context) error {
		var err error
		handle, err = client.StartJobChain(ctx, taskqueue.StartJobChainParams{TypeName: "step1"})
		return err
	}))

	require.NoError(t, client.WithNotify(ctx, func(ctx context.Context) error {
		return client.CompleteJobChain(ctx, taskqueue.CompleteJobChainParams{
			ChainID: handle.ID,
			Complete: func(job *taskqueue.Job, cb taskqueue.CompletionCallbacks) error {
				_, err := cb.ContinueWith(taskqueue.ContinueParams{TypeName: "step2", Input: []byte("1")})
				return err
			},
		})
	}))

	chain, err := state.GetJobChainByID(ctx, handle.ID)
	require.NoError(t, err)
	require.Equal(t, "step2", chain.Latest.TypeName)
	require.Equal(t, taskqueue.StatusPending, chain.Latest.Status)
	require.False(t, chain.Terminal())
}

func TestCompleteJobChainRejectsUndeclaredContinuation(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t,
		taskqueue.TypeDef{Name: "step1", Kind: taskqueue.KindEntry, Continuations: []string{"step2"}},
		taskqueue.TypeDef{Name: "rogue", Kind: taskqueue.KindInternal},
	)

	var handle *taskqueue.ChainHandle
	require.NoError(t, client.WithNotify(ctx, func(ctx context.Context) error {
		var err error
		handle, err = client.StartJobChain(ctx, taskqueue.StartJobChainParams{TypeName: "step1"})
		return err
	}))

	err := client.WithNotify(ctx, func(ctx context.Context) error {
		return client.CompleteJobChain(ctx, taskqueue.CompleteJobChainParams{
			ChainID: handle.ID,
			Complete: func(job *taskqueue.Job, cb taskqueue.CompletionCallbacks) error {
				_, err := cb.ContinueWith(taskqueue.ContinueParams{TypeName: "rogue"})
				return err
			},
		})
	})
	var valErr *taskqueue.JobTypeValidationError
	require.ErrorAs(t, err, &valErr)
	require.Equal(t, taskqueue.CodeContinuationInvalid, valErr.Code)
}

func TestStartJobChainRejectsUndeclaredBlocker(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t,
		taskqueue.TypeDef{Name: "aggregate", Kind: taskqueue.KindEntry, Blockers: []string{"fetch"}},
		taskqueue.TypeDef{Name: "rogue", Kind: taskqueue.KindEntry},
	)

	err := client.WithNotify(ctx, func(ctx context.Context) error {
		_, err := client.StartJobChain(ctx, taskqueue.StartJobChainParams{
			TypeName: "aggregate",
			StartBlockers: func(ctx context.Context) ([]string, error) {
				h, err := client.StartJobChain(ctx, taskqueue.StartJobChainParams{TypeName: "rogue"})
				if err != nil {
					return nil, err
				}
				return []string{h.ID}, nil
			},
		})
		return err
	})
	var valErr *taskqueue.JobTypeValidationError
	require.ErrorAs(t, err, &valErr)
	require.Equal(t, taskqueue.CodeBlockerInvalid, valErr.Code)
}

func TestStartJobChainWithBlockersFansOutAndIn(t *testing.T) {
	ctx := context.Background()
	client, state := newTestClient(t,
		taskqueue.TypeDef{Name: "aggregate", Kind: taskqueue.KindEntry},
		taskqueue.TypeDef{Name: "fetch", Kind: taskqueue.KindInternal},
	)

	var parent *taskqueue.ChainHandle
	var blockerIDs []string
	require.NoError(t, client.WithNotify(ctx, func(ctx context.Context) error {
		var err error
		parent, err = client.StartJobChain(ctx, taskqueue.StartJobChainParams{
			TypeName: "aggregate",
			StartBlockers: func(ctx context.Context) ([]string, error) {
				for i := 0; i < 2; i++ {
					h, err := client.StartJobChain(ctx, taskqueue.StartJobChainParams{TypeName: "fetch"})
					if err != nil {
						return nil, err
					}
					blockerIDs = append(blockerIDs, h.ID)
				}
				return blockerIDs, nil
			},
		})
		return err
	}))
	require.Len(t, blockerIDs, 2)

	chain, err := state.GetJobChainByID(ctx, parent.ID)
	require.NoError(t, err)
	require.Equal(t, taskqueue.StatusBlocked, chain.Latest.Status)
	require.Nil(t, chain.Latest.OriginID)

	for _, id := range blockerIDs {
		bc, err := state.GetJobChainByID(ctx, id)
		require.NoError(t, err)
		require.Equal(t, parent.ID, *bc.Latest.OriginID)
	}

	blockers, err := state.GetJobBlockers(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, blockers, 2)

	// Completing both blocker chains should unblock the parent.
	for _, id := range blockerIDs {
		require.NoError(t, client.WithNotify(ctx, func(ctx context.Context) error {
			return client.CompleteJobChain(ctx, taskqueue.CompleteJobChainParams{
				ChainID: id,
				Complete: func(job *taskqueue.Job, cb taskqueue.CompletionCallbacks) error {
					return cb.Terminal([]byte("1"))
				},
			})
		}))
	}

	chain, err = state.GetJobChainByID(ctx, parent.ID)
	require.NoError(t, err)
	require.Equal(t, taskqueue.StatusPending, chain.Latest.Status)
}

func TestWaitForJobChainCompletionReturnsOnNotify(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, _ := newTestClient(t, taskqueue.TypeDef{Name: "greet", Kind: taskqueue.KindEntry})

	var handle *taskqueue.ChainHandle
	require.NoError(t, client.WithNotify(ctx, func(ctx context.Context) error {
		var err error
		handle, err = client.StartJobChain(ctx, taskqueue.StartJobChainParams{TypeName: "greet"})
		return err
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		job, err := client.WaitForJobChainCompletion(ctx, handle.ID, taskqueue.WaitOptions{PollInterval: 20 * time.Millisecond})
		require.NoError(t, err)
		require.Equal(t, taskqueue.StatusCompleted, job.Status)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, client.WithNotify(ctx, func(ctx context.Context) error {
		return client.CompleteJobChain(ctx, taskqueue.CompleteJobChainParams{
			ChainID: handle.ID,
			Complete: func(job *taskqueue.Job, cb taskqueue.CompletionCallbacks) error {
				return cb.Terminal([]byte("1"))
			},
		})
	}))

	select {
	case <-done:
	case <-time.After(1500 * time.Millisecond):
		t.Fatal("WaitForJobChainCompletion did not return in time")
	}
}

func TestWaitForJobChainCompletionTimesOut(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t, taskqueue.TypeDef{Name: "greet", Kind: taskqueue.KindEntry})

	var handle *taskqueue.ChainHandle
	require.NoError(t, client.WithNotify(ctx, func(ctx context.Context) error {
		var err error
		handle, err = client.StartJobChain(ctx, taskqueue.StartJobChainParams{TypeName: "greet"})
		return err
	}))

	_, err := client.WaitForJobChainCompletion(ctx, handle.ID, taskqueue.WaitOptions{
		Timeout:      30 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	})
	var timeoutErr *taskqueue.WaitForJobChainCompletionTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Equal(t, "timeout", timeoutErr.Reason)
}
