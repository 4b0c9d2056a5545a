package clock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rezkam/taskqueue/clock"
)

func TestRealSleepElapses(t *testing.T) {
	start := time.Now()
	err := clock.Real{}.Sleep(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestRealSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := clock.Real{}.Sleep(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSignalCancelRecordsReason(t *testing.T) {
	s := clock.NewSignal(context.Background())
	require.Equal(t, clock.Reason(""), s.Reason())

	s.Cancel(clock.ReasonTakenByAnotherWorker)
	require.Equal(t, clock.ReasonTakenByAnotherWorker, s.Reason())

	select {
	case <-s.Done():
	default:
		t.Fatal("expected signal to be done after Cancel")
	}

	// Second cancel must not overwrite the first reason.
	s.Cancel(clock.ReasonWorkerStopping)
	require.Equal(t, clock.ReasonTakenByAnotherWorker, s.Reason())
}
