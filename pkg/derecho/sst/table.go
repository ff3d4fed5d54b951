package sst

import (
	"sync"

	"github.com/dsrocha/derecho/pkg/derecho/helper"
	"github.com/dsrocha/derecho/pkg/derecho/types"
)

// SuspicionHandler is the signature for a callback taking the rank of a
// peer whose connection was lost. Nothing in this module invokes one:
// Table has no way to register it, and TCPTransport drops a lost
// connection silently. The View Manager learns of failures only through
// ReportFailure and peers' published suspicions.
type SuspicionHandler func(rank int)

// Table is one view's Shared Status Table: numMembers rows, one per
// current view member. Only MyRank's row may be mutated locally; every
// other row is a cached copy of what its owner last published.
type Table struct {
	mu     sync.RWMutex
	rows   []Row
	frozen []bool
	myRank int

	transport Transport
	invoker   helper.Invoker
	logger    types.Logger

	Predicates *Evaluator

	stopCh chan struct{}
}

// NewTable builds a Table for the given membership, wires up the
// transport's inbound updates, and starts the predicate evaluator thread.
func NewTable(myRank int, initial []Row, transport Transport, invoker helper.Invoker, logger types.Logger) *Table {
	t := &Table{
		rows:      initial,
		frozen:    make([]bool, len(initial)),
		myRank:    myRank,
		transport: transport,
		invoker:   invoker,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
	t.Predicates = NewEvaluator(t, 0)
	invoker.Spawn(t.Predicates.Run)
	invoker.Spawn(t.pollUpdates)
	return t
}

// NumMembers returns the number of rows (view members) in this table.
func (t *Table) NumMembers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// MyRank returns this member's row index.
func (t *Table) MyRank() int {
	return t.myRank
}

// Row returns a deep copy of the row at rank r. Reading a frozen row
// returns its last value before freezing, since the owner is presumed
// dead and will publish no more updates.
func (t *Table) Row(r int) Row {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rows[r].Clone()
}

// MyRow returns a deep copy of the local row, ready for mutation and a
// subsequent Put.
func (t *Table) MyRow() Row {
	return t.Row(t.myRank)
}

// IsFrozen reports whether rank r's row has been frozen.
func (t *Table) IsFrozen(r int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.frozen[r]
}

// Put publishes the local row. offset/length are accepted to mirror the
// byte-range contract in §4.1 but this implementation republishes the
// whole row; a genuine RDMA transport would slice by those bounds. The
// call does not block on remote acknowledgement.
func (t *Table) Put(row Row, offset, length int) error {
	t.setLocal(row)
	return t.transport.Publish(row)
}

// PutWithCompletion publishes the local row and blocks until every peer
// has acknowledged the write.
func (t *Table) PutWithCompletion(row Row) error {
	t.setLocal(row)
	return t.transport.PublishWithCompletion(row)
}

func (t *Table) setLocal(row Row) {
	t.mu.Lock()
	t.rows[t.myRank] = row
	t.mu.Unlock()
}

// SyncWithMembers republishes the local row through the transport's
// PublishWithCompletion and returns once that call does. It does not
// read or wait on any other member's row, and subset does not narrow
// the publish: every connected peer is sent the row. With TCPTransport
// this ends when the writes to every reached peer have returned, not
// when peers have processed them.
func (t *Table) SyncWithMembers(subset []int) error {
	t.mu.RLock()
	targetVid := t.rows[t.myRank].Vid
	n := len(t.rows)
	t.mu.RUnlock()
	if subset == nil {
		subset = make([]int, n)
		for i := range subset {
			subset[i] = i
		}
	}
	return t.transport.PublishWithCompletion(t.Row(t.myRank).withVid(targetVid))
}

func (r Row) withVid(v types.Vid) Row {
	r.Vid = v
	return r
}

// Freeze stops accepting further updates from member r: subsequent reads
// of that row return its last value. Used when a member is declared
// failed.
func (t *Table) Freeze(r int) {
	t.mu.Lock()
	t.frozen[r] = true
	t.mu.Unlock()
}

// OnUpdate merges a remote row into the table, ignoring updates from
// frozen members.
func (t *Table) onUpdate(update RowUpdate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if update.Rank < 0 || update.Rank >= len(t.rows) {
		return
	}
	if t.frozen[update.Rank] {
		return
	}
	t.rows[update.Rank] = update.Row
}

func (t *Table) pollUpdates() {
	for {
		select {
		case <-t.stopCh:
			return
		case update, ok := <-t.transport.Updates():
			if !ok {
				return
			}
			t.onUpdate(update)
		}
	}
}

// Close stops the evaluator and update-polling goroutines and closes the
// underlying transport.
func (t *Table) Close() error {
	t.Predicates.Stop()
	close(t.stopCh)
	return t.transport.Close()
}
