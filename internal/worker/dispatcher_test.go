package worker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", msg)
}

func TestDispatcherRunsJobs(t *testing.T) {
	d := NewDispatcher(Config{MinWorkers: 1, MaxWorkers: 4, QueueSize: 16})
	defer d.Stop()

	var wg sync.WaitGroup
	var done atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		key := "session-a"
		if i%2 == 0 {
			key = "session-b"
		}
		if err := d.Submit(Job{Key: key, Run: func() {
			defer wg.Done()
			done.Add(1)
		}}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	wg.Wait()
	if done.Load() != 8 {
		t.Fatalf("expected 8 jobs to run, got %d", done.Load())
	}
}

func TestDispatcherKeepsKeyOrderWithSingleWorker(t *testing.T) {
	d := NewDispatcher(Config{MinWorkers: 1, MaxWorkers: 1, QueueSize: 16})
	defer d.Stop()

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		if err := d.Submit(Job{Key: "s", Run: func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	wg.Wait()
	for i, v := range order {
		if v != i {
			t.Fatalf("jobs ran out of order: %v", order)
		}
	}
}

func TestDispatcherKeysRunInParallel(t *testing.T) {
	d := NewDispatcher(Config{MinWorkers: 0, MaxWorkers: 2, QueueSize: 4})
	defer d.Stop()

	release := make(chan struct{})
	if err := d.Submit(Job{Key: "slow", Run: func() { <-release }}); err != nil {
		t.Fatalf("submit slow: %v", err)
	}
	fast := make(chan struct{})
	if err := d.Submit(Job{Key: "fast", Run: func() { close(fast) }}); err != nil {
		t.Fatalf("submit fast: %v", err)
	}
	select {
	case <-fast:
	case <-time.After(time.Second):
		t.Fatalf("fast key blocked behind slow key")
	}
	close(release)
}

func TestDispatcherReportsBusy(t *testing.T) {
	d := NewDispatcher(Config{MinWorkers: 1, MaxWorkers: 1, QueueSize: 1})
	defer d.Stop()

	block := make(chan struct{})
	defer close(block)

	busy := 0
	for i := 0; i < 10; i++ {
		err := d.Submit(Job{Key: "k", Run: func() { <-block }})
		if errors.Is(err, ErrDispatcherBusy) {
			busy++
		} else if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	if busy == 0 {
		t.Fatalf("expected the bounded queue to reject some jobs")
	}
}

func TestDispatcherRecoversFromPanic(t *testing.T) {
	d := NewDispatcher(Config{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4})
	defer d.Stop()

	if err := d.Submit(Job{Key: "k", Run: func() { panic("boom") }}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := make(chan struct{})
	if err := d.Submit(Job{Key: "k", Run: func() { close(done) }}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("worker did not survive a panicking job")
	}
}

func TestDispatcherRetiresIdleWorkers(t *testing.T) {
	d := NewDispatcher(Config{MinWorkers: 1, MaxWorkers: 3, QueueSize: 8, IdleTimeout: 20 * time.Millisecond})
	defer d.Stop()

	release := make(chan struct{})
	var started sync.WaitGroup
	for i := 0; i < 3; i++ {
		started.Add(1)
		key := string(rune('a' + i))
		if err := d.Submit(Job{Key: key, Run: func() {
			started.Done()
			<-release
		}}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	started.Wait()
	if got := d.Workers(); got != 3 {
		t.Fatalf("expected pool to grow to 3, got %d", got)
	}
	close(release)
	waitFor(t, time.Second, func() bool { return d.Workers() == 1 }, "idle workers above min retired")
}

func TestDispatcherStop(t *testing.T) {
	d := NewDispatcher(Config{MinWorkers: 2, MaxWorkers: 2, QueueSize: 4})
	d.Stop()
	d.Stop()
	if err := d.Submit(Job{Key: "k", Run: func() {}}); !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("expected ErrDispatcherClosed, got %v", err)
	}
	waitFor(t, time.Second, func() bool { return d.Workers() == 0 }, "workers exit after stop")
}

func TestDispatcherBlockedKeyHoldsOneWorker(t *testing.T) {
	d := NewDispatcher(Config{MinWorkers: 0, MaxWorkers: 2, QueueSize: 16})
	defer d.Stop()

	release := make(chan struct{})
	defer close(release)
	for i := 0; i < 4; i++ {
		if err := d.Submit(Job{Key: "stuck", Run: func() { <-release }}); err != nil {
			t.Fatalf("submit stuck %d: %v", i, err)
		}
	}
	done := make(chan struct{})
	if err := d.Submit(Job{Key: "other", Run: func() { close(done) }}); err != nil {
		t.Fatalf("submit other: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("other key starved by the backlog of a blocked key")
	}
	if got := d.Workers(); got > 2 {
		t.Fatalf("pool grew past max: %d", got)
	}
}

func TestDispatcherRunsOneJobPerKeyAtATime(t *testing.T) {
	d := NewDispatcher(Config{MinWorkers: 0, MaxWorkers: 4, QueueSize: 16})
	defer d.Stop()

	var (
		running atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		if err := d.Submit(Job{Key: "s", Run: func() {
			defer wg.Done()
			if running.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
		}}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	wg.Wait()
	if overlap.Load() {
		t.Fatalf("two jobs of the same key ran concurrently")
	}
}
