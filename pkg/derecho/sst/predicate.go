package sst

import (
	"sync"
	"time"
)

// Predicate is a pure function from the table to a boolean.
type Predicate func(t *Table) bool

// Trigger is a side-effecting function from the table to unit, run when
// its paired Predicate becomes true.
type Trigger func(t *Table)

// Recurrence controls whether a (Predicate, Trigger) pair stays
// registered after it fires.
type Recurrence uint8

const (
	// Recurrent pairs stay registered and may fire again on a later
	// evaluation pass.
	Recurrent Recurrence = iota
	// OneTime pairs are removed the moment they fire.
	OneTime
)

// Handle identifies a registered predicate so it can be unregistered
// explicitly (independent of OneTime auto-removal).
type Handle uint64

type entry struct {
	handle     Handle
	predicate  Predicate
	trigger    Trigger
	recurrence Recurrence
}

// Evaluator runs every registered (predicate, trigger) pair, repeatedly,
// on a single goroutine, so that triggers never need to coordinate with
// each other via locks: only one ever runs at a time. A trigger may
// perform blocking network I/O and may register further predicates, but
// must never block on another trigger's lock.
type Evaluator struct {
	mu       sync.Mutex
	table    *Table
	entries  []entry
	nextID   Handle
	tick     time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewEvaluator creates an Evaluator that re-scans its predicates every
// tick. A tick of 0 defaults to a millisecond, tight enough to observe
// SST changes promptly without spinning the CPU.
func NewEvaluator(table *Table, tick time.Duration) *Evaluator {
	if tick <= 0 {
		tick = time.Millisecond
	}
	return &Evaluator{table: table, tick: tick, stopCh: make(chan struct{})}
}

// Register adds a (predicate, trigger) pair and returns a Handle that can
// be used to remove it early.
func (e *Evaluator) Register(p Predicate, t Trigger, r Recurrence) Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	h := e.nextID
	e.entries = append(e.entries, entry{handle: h, predicate: p, trigger: t, recurrence: r})
	return h
}

// Unregister removes a predicate before it has fired, a no-op if it
// already fired (OneTime) or was never registered.
func (e *Evaluator) Unregister(h Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, en := range e.entries {
		if en.handle == h {
			e.entries = append(e.entries[:i], e.entries[i+1:]...)
			return
		}
	}
}

// Run is the evaluator thread's body: loop over all registered predicates
// until Stop is called. Intended to be spawned once via helper.Invoker.
func (e *Evaluator) Run() {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.evaluateOnce()
		}
	}
}

// Stop halts the evaluator thread. Safe to call more than once.
func (e *Evaluator) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

func (e *Evaluator) evaluateOnce() {
	e.mu.Lock()
	snapshot := make([]entry, len(e.entries))
	copy(snapshot, e.entries)
	e.mu.Unlock()

	var fired []Handle
	for _, en := range snapshot {
		if en.predicate(e.table) {
			en.trigger(e.table)
			if en.recurrence == OneTime {
				fired = append(fired, en.handle)
			}
		}
	}
	if len(fired) == 0 {
		return
	}
	e.mu.Lock()
	for _, h := range fired {
		for i, en := range e.entries {
			if en.handle == h {
				e.entries = append(e.entries[:i], e.entries[i+1:]...)
				break
			}
		}
	}
	e.mu.Unlock()
}
