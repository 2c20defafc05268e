package conversation

import (
	"container/list"
	"context"
	"sync"
)

// turnLock grants a session's turns one at a time in reservation order.
// A turn reserves its place on arrival and may wait for it later, so the
// order is fixed before any worker picks the turn up.
type turnLock struct {
	mu      sync.Mutex
	owner   *ticket
	waiters *list.List
}

type ticket struct {
	lock  *turnLock
	ready chan struct{}
	elem  *list.Element
	done  bool
}

func newTurnLock() *turnLock {
	return &turnLock{waiters: list.New()}
}

// reserve queues a ticket behind every earlier one.
func (l *turnLock) reserve() *ticket {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := &ticket{lock: l, ready: make(chan struct{})}
	if l.owner == nil && l.waiters.Len() == 0 {
		l.owner = t
		close(t.ready)
		return t
	}
	t.elem = l.waiters.PushBack(t)
	return t
}

// waiting reports how many tickets are queued behind the owner.
func (l *turnLock) waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waiters.Len()
}

// wait blocks until the ticket owns the lock. On ctx expiry the ticket is
// given up, whether or not ownership arrived in the meantime.
func (t *ticket) wait(ctx context.Context) error {
	select {
	case <-t.ready:
		return nil
	case <-ctx.Done():
		t.release()
		return ctx.Err()
	}
}

// release gives up the ticket. An owner hands the lock to the next waiter;
// a waiter just leaves the queue. Further calls do nothing.
func (t *ticket) release() {
	l := t.lock
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.done {
		return
	}
	t.done = true
	if t.elem != nil {
		l.waiters.Remove(t.elem)
		t.elem = nil
		return
	}
	if l.owner != t {
		return
	}
	l.owner = nil
	if front := l.waiters.Front(); front != nil {
		next := l.waiters.Remove(front).(*ticket)
		next.elem = nil
		l.owner = next
		close(next.ready)
	}
}
