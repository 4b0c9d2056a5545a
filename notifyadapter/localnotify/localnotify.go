// Package localnotify is an in-process Adapter for use alongside
// stateadapter/memadapter and in tests that don't need a real transport.
// Each Listen call adds a callback to a mutex-guarded per-channel subscriber
// set, and each Notify call invokes the matching callbacks in-process; no
// database connection or other transport is involved.
package localnotify

import (
	"context"
	"sync"

	"github.com/rezkam/taskqueue/notifyadapter"
)

type subscriberSet[T any] struct {
	mu   sync.Mutex
	next int
	subs map[int]T
}

func newSubscriberSet[T any]() *subscriberSet[T] {
	return &subscriberSet[T]{subs: make(map[int]T)}
}

func (s *subscriberSet[T]) add(v T) (id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id = s.next
	s.next++
	s.subs[id] = v
	return id
}

func (s *subscriberSet[T]) remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}

func (s *subscriberSet[T]) snapshot() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]T, 0, len(s.subs))
	for _, v := range s.subs {
		out = append(out, v)
	}
	return out
}

type scheduledSub struct {
	typeNames []string
	cb        notifyadapter.JobScheduledListener
}

// Adapter is an in-process notifyadapter.Adapter. The zero value is not
// usable; construct with New.
type Adapter struct {
	scheduled  *subscriberSet[scheduledSub]
	chainDone  *subscriberSet[chainSub]
	ownerLost  *subscriberSet[ownerSub]
}

type chainSub struct {
	chainID string
	cb      notifyadapter.ChainCompletedListener
}

type ownerSub struct {
	jobID string
	cb    notifyadapter.OwnershipLostListener
}

// New constructs a ready-to-use in-process Adapter.
func New() *Adapter {
	return &Adapter{
		scheduled: newSubscriberSet[scheduledSub](),
		chainDone: newSubscriberSet[chainSub](),
		ownerLost: newSubscriberSet[ownerSub](),
	}
}

func (a *Adapter) NotifyJobScheduled(_ context.Context, typeName string, count int) {
	for _, sub := range a.scheduled.snapshot() {
		if containsString(sub.typeNames, typeName) {
			go sub.cb(typeName, count)
		}
	}
}

func (a *Adapter) ListenJobScheduled(_ context.Context, typeNames []string, cb notifyadapter.JobScheduledListener) (notifyadapter.Dispose, error) {
	id := a.scheduled.add(scheduledSub{typeNames: typeNames, cb: cb})
	return func() { a.scheduled.remove(id) }, nil
}

func (a *Adapter) NotifyJobChainCompleted(_ context.Context, chainID string) {
	for _, sub := range a.chainDone.snapshot() {
		if sub.chainID == chainID {
			go sub.cb(chainID)
		}
	}
}

func (a *Adapter) ListenJobChainCompleted(_ context.Context, chainID string, cb notifyadapter.ChainCompletedListener) (notifyadapter.Dispose, error) {
	id := a.chainDone.add(chainSub{chainID: chainID, cb: cb})
	return func() { a.chainDone.remove(id) }, nil
}

func (a *Adapter) NotifyJobOwnershipLost(_ context.Context, jobID string) {
	for _, sub := range a.ownerLost.snapshot() {
		if sub.jobID == jobID {
			go sub.cb(jobID)
		}
	}
}

func (a *Adapter) ListenJobOwnershipLost(_ context.Context, jobID string, cb notifyadapter.OwnershipLostListener) (notifyadapter.Dispose, error) {
	id := a.ownerLost.add(ownerSub{jobID: jobID, cb: cb})
	return func() { a.ownerLost.remove(id) }, nil
}

func containsString(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

var _ notifyadapter.Adapter = (*Adapter)(nil)
