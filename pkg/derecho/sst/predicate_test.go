package sst

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func Test_RecurrentPredicateFiresRepeatedly(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := NewEvaluator(nil, time.Millisecond)
	var fires int32
	e.Register(
		func(*Table) bool { return true },
		func(*Table) { atomic.AddInt32(&fires, 1) },
		Recurrent,
	)

	go e.Run()
	defer e.Stop()

	deadline := time.Now().Add(50 * time.Millisecond)
	for time.Now().Before(deadline) && atomic.LoadInt32(&fires) < 3 {
		time.Sleep(time.Millisecond)
	}
	e.Stop()

	if atomic.LoadInt32(&fires) < 3 {
		t.Errorf("expected a recurrent predicate to fire repeatedly, fired %d times", fires)
	}
}

func Test_OneTimePredicateFiresOnce(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := NewEvaluator(nil, time.Millisecond)
	var fires int32
	e.Register(
		func(*Table) bool { return true },
		func(*Table) { atomic.AddInt32(&fires, 1) },
		OneTime,
	)

	go e.Run()
	time.Sleep(20 * time.Millisecond)
	e.Stop()

	if got := atomic.LoadInt32(&fires); got != 1 {
		t.Errorf("expected a one-time predicate to fire exactly once, fired %d times", got)
	}
}

func Test_OneTimeTriggerCanReRegisterItself(t *testing.T) {
	// Mirrors gms's leader-committed predicate: a one-time trigger that
	// re-registers itself once whatever it started has finished, so
	// exactly one pass runs at a time.
	defer goleak.VerifyNone(t)
	e := NewEvaluator(nil, time.Millisecond)
	var fires int32
	var mu sync.Mutex
	var register func()
	register = func() {
		e.Register(
			func(*Table) bool { return true },
			func(*Table) {
				atomic.AddInt32(&fires, 1)
				mu.Lock()
				register()
				mu.Unlock()
			},
			OneTime,
		)
	}
	mu.Lock()
	register()
	mu.Unlock()

	go e.Run()
	deadline := time.Now().Add(50 * time.Millisecond)
	for time.Now().Before(deadline) && atomic.LoadInt32(&fires) < 3 {
		time.Sleep(time.Millisecond)
	}
	e.Stop()

	if atomic.LoadInt32(&fires) < 3 {
		t.Errorf("expected self-re-registering one-time trigger to keep firing, fired %d times", fires)
	}
}
