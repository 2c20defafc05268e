package token

import "sync"

// guardedValue holds one replace-on-write value behind a read/write mutex.
// Readers share the lock; writers recompute under the exclusive lock and
// re-check the current value before doing any work.
type guardedValue[T any] struct {
	mu  sync.RWMutex
	val *T
}

// readIfValid returns the current value when valid accepts it.
func (g *guardedValue[T]) readIfValid(valid func(T) bool) (T, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var zero T
	if g.val == nil || !valid(*g.val) {
		return zero, false
	}
	return *g.val, true
}

// writeExclusive runs compute with the current value (nil when unset) under
// the exclusive lock. When compute reports replace, the result becomes the
// new value; otherwise the current value is returned unchanged.
func (g *guardedValue[T]) writeExclusive(compute func(cur *T) (next T, replace bool, err error)) (T, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var cur *T
	if g.val != nil {
		c := *g.val
		cur = &c
	}
	next, replace, err := compute(cur)
	if err != nil {
		var zero T
		return zero, err
	}
	if !replace {
		return *cur, nil
	}
	g.val = &next
	return next, nil
}

// peek returns the current value without validity checks.
func (g *guardedValue[T]) peek() (T, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var zero T
	if g.val == nil {
		return zero, false
	}
	return *g.val, true
}
