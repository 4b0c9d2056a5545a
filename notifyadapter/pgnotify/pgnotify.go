// Package pgnotify implements notifyadapter.Adapter on top of PostgreSQL
// LISTEN/NOTIFY, generalizing the teacher's single-channel
// SubscribeToCancellations (one dedicated connection, one goroutine reading
// WaitForNotification, fan-out to local subscribers) to the three logical
// channels spec.md §4.2 requires. Each logical channel gets its own Postgres
// channel name and its own dedicated listening connection, opened on the
// first Listen call and shared by every later one. Subscriptions are not
// counted: disposing the last subscriber removes its callback but keeps the
// connection and its LISTEN open.
package pgnotify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rezkam/taskqueue/notifyadapter"
)

const (
	channelJobScheduled    = "taskqueue_job_scheduled"
	channelJobChainDone    = "taskqueue_job_chain_completed"
	channelJobOwnershipLost = "taskqueue_job_ownership_lost"
)

type jobScheduledPayload struct {
	TypeName string `json:"type_name"`
	Count    int    `json:"count"`
}

// Adapter is a Postgres-backed notifyadapter.Adapter.
type Adapter struct {
	pool *pgxpool.Pool

	mu           sync.Mutex
	scheduledFan *fanout[notifyadapter.JobScheduledListener]
	chainFan     *fanout[notifyadapter.ChainCompletedListener]
	ownerFan     *fanout[notifyadapter.OwnershipLostListener]
}

// New constructs an Adapter. Callers own pool's lifecycle.
func New(pool *pgxpool.Pool) *Adapter {
	return &Adapter{pool: pool}
}

func (a *Adapter) NotifyJobScheduled(ctx context.Context, typeName string, count int) {
	payload, err := json.Marshal(jobScheduledPayload{TypeName: typeName, Count: count})
	if err != nil {
		slog.ErrorContext(ctx, "pgnotify: failed to encode job-scheduled payload", "error", err)
		return
	}
	a.notify(ctx, channelJobScheduled, string(payload))
}

func (a *Adapter) NotifyJobChainCompleted(ctx context.Context, chainID string) {
	a.notify(ctx, channelJobChainDone, chainID)
}

func (a *Adapter) NotifyJobOwnershipLost(ctx context.Context, jobID string) {
	a.notify(ctx, channelJobOwnershipLost, jobID)
}

// notify is best-effort: failures are logged and swallowed per spec.md §4.2
// ("never blocks producer side more than briefly"; §7 kind 5, notify errors
// are logged and discarded since polling guarantees eventual progress).
func (a *Adapter) notify(ctx context.Context, channel, payload string) {
	escaped := strings.ReplaceAll(payload, "'", "''")
	sql := fmt.Sprintf("SELECT pg_notify('%s', '%s')", channel, escaped)
	if _, err := a.pool.Exec(ctx, sql); err != nil {
		slog.WarnContext(ctx, "pgnotify: notify failed", "channel", channel, "error", err)
	}
}

func (a *Adapter) ListenJobScheduled(ctx context.Context, typeNames []string, cb notifyadapter.JobScheduledListener) (notifyadapter.Dispose, error) {
	fan, err := a.getScheduledFan(ctx)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]struct{}, len(typeNames))
	for _, t := range typeNames {
		wanted[t] = struct{}{}
	}
	id := fan.add(func(payload string) {
		var p jobScheduledPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return
		}
		if _, ok := wanted[p.TypeName]; ok {
			cb(p.TypeName, p.Count)
		}
	})
	return func() { fan.remove(id) }, nil
}

func (a *Adapter) ListenJobChainCompleted(ctx context.Context, chainID string, cb notifyadapter.ChainCompletedListener) (notifyadapter.Dispose, error) {
	fan, err := a.getChainFan(ctx)
	if err != nil {
		return nil, err
	}
	id := fan.add(func(payload string) {
		if payload == chainID {
			cb(payload)
		}
	})
	return func() { fan.remove(id) }, nil
}

func (a *Adapter) ListenJobOwnershipLost(ctx context.Context, jobID string, cb notifyadapter.OwnershipLostListener) (notifyadapter.Dispose, error) {
	fan, err := a.getOwnerFan(ctx)
	if err != nil {
		return nil, err
	}
	id := fan.add(func(payload string) {
		if payload == jobID {
			cb(payload)
		}
	})
	return func() { fan.remove(id) }, nil
}

func (a *Adapter) getScheduledFan(ctx context.Context) (*fanout[notifyadapter.JobScheduledListener], error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.scheduledFan == nil {
		fan, err := newFanout[notifyadapter.JobScheduledListener](ctx, a.pool, channelJobScheduled)
		if err != nil {
			return nil, err
		}
		a.scheduledFan = fan
	}
	return a.scheduledFan, nil
}

func (a *Adapter) getChainFan(ctx context.Context) (*fanout[notifyadapter.ChainCompletedListener], error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.chainFan == nil {
		fan, err := newFanout[notifyadapter.ChainCompletedListener](ctx, a.pool, channelJobChainDone)
		if err != nil {
			return nil, err
		}
		a.chainFan = fan
	}
	return a.chainFan, nil
}

func (a *Adapter) getOwnerFan(ctx context.Context) (*fanout[notifyadapter.OwnershipLostListener], error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ownerFan == nil {
		fan, err := newFanout[notifyadapter.OwnershipLostListener](ctx, a.pool, channelJobOwnershipLost)
		if err != nil {
			return nil, err
		}
		a.ownerFan = fan
	}
	return a.ownerFan, nil
}

// fanout owns one dedicated LISTEN connection for a channel and dispatches
// every incoming payload to every locally registered callback, generalizing
// the teacher's SubscribeToCancellations from a raw payload channel to a
// set of callbacks keyed by subscription id.
type fanout[T any] struct {
	mu     sync.Mutex
	next   int
	subs   map[int]func(payload string)
}

func newFanout[T any](ctx context.Context, pool *pgxpool.Pool, channel string) (*fanout[T], error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("pgnotify: failed to acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("pgnotify: failed to listen on %s: %w", channel, err)
	}

	f := &fanout[T]{subs: make(map[int]func(payload string))}

	go func() {
		defer conn.Release()
		defer func() {
			_, _ = conn.Exec(context.Background(), "UNLISTEN "+channel)
		}()
		for {
			notification, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			f.dispatch(notification.Payload)
		}
	}()

	return f, nil
}

func (f *fanout[T]) add(cb func(payload string)) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.subs[id] = cb
	return id
}

func (f *fanout[T]) remove(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
}

func (f *fanout[T]) dispatch(payload string) {
	f.mu.Lock()
	cbs := make([]func(string), 0, len(f.subs))
	for _, cb := range f.subs {
		cbs = append(cbs, cb)
	}
	f.mu.Unlock()
	for _, cb := range cbs {
		go cb(payload)
	}
}

var _ notifyadapter.Adapter = (*Adapter)(nil)
