package taskqueue

import (
	"context"
	"time"
)

// WaitOptions configures Client.WaitForJobChainCompletion.
type WaitOptions struct {
	// Timeout bounds the wait; zero means wait until ctx is done.
	Timeout time.Duration
	// PollInterval is the fallback poll cadence used alongside notify
	// wake-ups, since notify delivery is best-effort (spec.md §4.2).
	// Defaults to 2s.
	PollInterval time.Duration
}

// WaitForJobChainCompletion (C7) blocks until chainID reaches a terminal
// state, ctx is cancelled, or opts.Timeout elapses. It races a
// ChainCompleted notify subscription against a poll-interval ticker, so a
// lost notification never wedges the wait.
func (c *Client) WaitForJobChainCompletion(ctx context.Context, chainID string, opts WaitOptions) (*Job, error) {
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	waitCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	chain, err := c.state.GetJobChainByID(ctx, chainID)
	if err != nil {
		return nil, err
	}
	if chain.Terminal() {
		return chain.Latest, nil
	}

	woken := make(chan struct{}, 1)
	dispose, err := c.notify.ListenJobChainCompleted(waitCtx, chainID, func(string) {
		select {
		case woken <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer dispose()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			reason := "timeout"
			if ctx.Err() != nil {
				reason = "aborted"
			}
			return nil, &WaitForJobChainCompletionTimeoutError{ChainID: chainID, Reason: reason}
		case <-woken:
		case <-ticker.C:
		}

		chain, err := c.state.GetJobChainByID(waitCtx, chainID)
		if err != nil {
			return nil, err
		}
		if chain.Terminal() {
			return chain.Latest, nil
		}
	}
}
