package callgroup

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDeduplication(t *testing.T) {
	var g Group[int, int]
	var calls atomic.Int32
	started := make(chan struct{})
	var once sync.Once

	fn := func() (int, error) {
		calls.Add(1)
		once.Do(func() { close(started) })
		time.Sleep(50 * time.Millisecond)
		return 42, nil
	}

	const n = 10
	var wg sync.WaitGroup
	vals := make([]int, n)
	errs := make([]error, n)

	// First caller starts the work.
	wg.Go(func() {
		vals[0], errs[0] = g.Do(1, fn)
	})

	// Wait for fn to start, then pile on.
	<-started
	for i := 1; i < n; i++ {
		wg.Go(func() {
			vals[i], errs[i] = g.Do(1, fn)
		})
	}

	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d got error: %v", i, err)
		}
		if vals[i] != 42 {
			t.Errorf("caller %d got value %d, want 42", i, vals[i])
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("fn called %d times, want 1", got)
	}
}

func TestIndependentKeys(t *testing.T) {
	var g Group[int, int]
	var calls atomic.Int32

	fn := func() (int, error) {
		calls.Add(1)
		return 0, nil
	}

	var wg sync.WaitGroup
	for _, key := range []int{1, 2, 3} {
		wg.Go(func() {
			g.Do(key, fn)
		})
	}

	wg.Wait()

	if got := calls.Load(); got != 3 {
		t.Errorf("fn called %d times, want 3", got)
	}
}

func TestWaiterReceivesResult(t *testing.T) {
	var g Group[int, string]
	started := make(chan struct{})
	release := make(chan struct{})

	fn := func() (string, error) {
		close(started)
		<-release
		return "block-data", nil
	}

	// First caller starts the in-flight call on its own goroutine.
	var val1, val2 string
	var err1, err2 error
	done := make(chan struct{})
	go func() {
		val1, err1 = g.Do(1, fn)
		close(done)
	}()
	<-started

	// Second caller joins the same in-flight call from a second goroutine.
	done2 := make(chan struct{})
	go func() {
		val2, err2 = g.Do(1, func() (string, error) {
			t.Error("second fn should not execute")
			return "", errors.New("unexpected")
		})
		close(done2)
	}()
	time.Sleep(10 * time.Millisecond)
	close(release)
	<-done
	<-done2

	if err1 != nil || err2 != nil {
		t.Errorf("unexpected errors: %v, %v", err1, err2)
	}
	if val1 != "block-data" {
		t.Errorf("caller 1 got %q, want block-data", val1)
	}
	if val2 != "block-data" {
		t.Errorf("caller 2 (waiter) got %q, want block-data", val2)
	}
}

func TestErrorPropagation(t *testing.T) {
	var g Group[int, string]
	sentinel := errors.New("corrupt block")

	_, err1 := g.Do(1, func() (string, error) {
		return "", sentinel
	})

	if !errors.Is(err1, sentinel) {
		t.Errorf("caller 1: got %v, want %v", err1, sentinel)
	}
}

func TestReuseAfterCompletion(t *testing.T) {
	var g Group[int, int]
	var calls atomic.Int32

	fn := func() (int, error) {
		calls.Add(1)
		return int(calls.Load()), nil
	}

	// First call completes.
	if _, err := g.Do(1, fn); err != nil {
		t.Fatalf("first call: %v", err)
	}

	// Second call for same key should trigger a new execution.
	if _, err := g.Do(1, fn); err != nil {
		t.Fatalf("second call: %v", err)
	}

	if got := calls.Load(); got != 2 {
		t.Errorf("fn called %d times, want 2", got)
	}
}
