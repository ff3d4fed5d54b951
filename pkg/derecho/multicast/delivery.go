package multicast

import (
	"github.com/dsrocha/derecho/pkg/derecho/sst"
	"github.com/dsrocha/derecho/pkg/derecho/types"
)

// tryDeliverOrdered delivers every locally-stable message starting at
// nextToDeliver for as long as the run of contiguous sequence numbers
// continues AND the shard-wide stable minimum covers it, implementing
// ORDERED subgroups' in-sequence delivery (§4.4): a message that is only
// locally contiguous is not enough, since the ragged trim that later
// fixes this view's cutoff is computed from every member's receipt
// state, not just this node's. It is called both directly off the
// receive path and from the SST-driven delivery predicate registered
// below, so a message that arrives out of order is picked up as soon as
// its predecessor does.
func (e *Engine) tryDeliverOrdered(sg types.SubgroupID, s *subgroupState) {
	idx := int(sg)
	for {
		minStable := e.globalMinSeqNum(s, idx)
		s.mu.Lock()
		seq := s.nextToDeliver
		m, ok := s.locallyStable[seq]
		if ok && seq > minStable {
			ok = false
		}
		if ok {
			delete(s.locallyStable, seq)
			s.nextToDeliver++
		}
		s.mu.Unlock()
		if !ok {
			return
		}
		e.deliverMessage(sg, s, seq, m)
	}
}

// DeliverThroughTrim forces delivery, in sequence order, of every
// locally-stable message for subgroup sg up through cut, bypassing the
// normal cross-member stability gate (§4.5 step 4: "deliver all messages
// in the shard with sequence ≤ the implied cut, in sequence order").
// Ragged-edge cleanup calls this once the shard has agreed on cut, at
// which point waiting for further stability confirmation would never
// complete since the outgoing view is already wedged and no more
// messages are coming. A gap below cut (this member never received some
// sender's message the trim still covers) stops delivery at that gap;
// the missing message was never eligible for this member's cut in the
// first place.
func (e *Engine) DeliverThroughTrim(sg types.SubgroupID, cut int64) {
	e.mu.Lock()
	s := e.subgroups[sg]
	e.mu.Unlock()
	if s == nil {
		return
	}
	for {
		s.mu.Lock()
		seq := s.nextToDeliver
		if seq > cut {
			s.mu.Unlock()
			return
		}
		m, ok := s.locallyStable[seq]
		if ok {
			delete(s.locallyStable, seq)
			s.nextToDeliver++
		}
		s.mu.Unlock()
		if !ok {
			return
		}
		e.deliverMessage(sg, s, seq, m)
	}
}

// registerDeliveryPredicates wires an evaluator predicate per ordered
// subgroup so a message that becomes deliverable purely because a peer's
// SST row advanced (rather than because this node just received
// something) is still delivered promptly.
func (e *Engine) registerDeliveryPredicates() {
	for sg, s := range e.subgroups {
		if s.settings.Mode != types.Ordered {
			continue
		}
		sg, s := sg, s
		predicate := func(t *sst.Table) bool {
			s.mu.Lock()
			_, ok := s.locallyStable[s.nextToDeliver]
			s.mu.Unlock()
			return ok
		}
		trigger := func(t *sst.Table) {
			e.tryDeliverOrdered(sg, s)
		}
		e.table.Predicates.Register(predicate, trigger, sst.Recurrent)
	}
}

// deliverMessage runs the fixed sequence of upcalls for one delivered
// message, keyed by its shard-relative sequence number rather than the
// sender's own index so that version = pack(vid, seq) uniquely
// identifies the message even when several senders share a shard (§4.4,
// §8.2 property 4): reserve the version, hand it to the RPC layer if
// cooked or the stability callback if it carries a non-empty payload,
// stage a new version for the persistence collaborator unless it's a
// null message, then ask it to persist up to this version. delivered_num
// is set to seq itself (the highest delivered sequence), not incremented
// as a count, matching §3's definition and the invariant delivered_num
// ≤ seq_num.
func (e *Engine) deliverMessage(sg types.SubgroupID, s *subgroupState, seq int64, m types.Message) {
	row := e.table.MyRow()
	vid := row.Vid
	version := types.PackVersion(vid, seq)

	if e.cb.PostNextVersion != nil {
		e.cb.PostNextVersion(sg, version)
	}
	if m.Cooked && e.cb.RPC != nil {
		e.cb.RPC(sg, m.SenderID, m.Payload)
	} else if len(m.Payload) > 0 && e.cb.GlobalStability != nil {
		e.cb.GlobalStability(sg, m.SenderID, m.Index, m.Payload)
	}
	if !m.IsNull() && e.cb.MakeVersion != nil {
		hlc := types.HLC{Physical: m.TimestampNs}
		e.cb.MakeVersion(sg, version, hlc)
	}
	if e.cb.PostPersist != nil {
		e.cb.PostPersist(sg, version)
	}

	idx := int(sg)
	if idx < len(row.DeliveredNum) {
		row.DeliveredNum[idx] = seq
	}
	if log, ok := e.cb.PersistentLogs[sg]; ok && log != nil {
		pvid, pseq := types.UnpackVersion(log.GetMinimumLatestPersistedVersion())
		if pvid == vid && idx < len(row.PersistedNum) && pseq > row.PersistedNum[idx] {
			row.PersistedNum[idx] = pseq
		}
	}
	if err := e.table.Put(row, 0, 0); err != nil {
		e.logger.Warnf("multicast: publishing delivered_num for subgroup %d failed: %v", sg, err)
	}

	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// registerPersistencePredicates wires a predicate per subgroup that
// watches this member's own persisted_num and fires
// LocalPersistenceCallback each time it advances; a second predicate watches the
// shard-wide minimum and fires GlobalPersistenceCallback once every
// member has persisted up to a common version.
func (e *Engine) registerPersistencePredicates() {
	for sg, s := range e.subgroups {
		sg, s := sg, s
		idx := int(sg)
		lastLocal := int64(-1)
		localTrigger := func(t *sst.Table) {
			row := t.MyRow()
			if idx >= len(row.PersistedNum) {
				return
			}
			if row.PersistedNum[idx] <= lastLocal {
				return
			}
			lastLocal = row.PersistedNum[idx]
			if e.cb.LocalPersistence != nil {
				e.cb.LocalPersistence(sg, types.PackVersion(row.Vid, lastLocal))
			}
		}
		localPredicate := func(t *sst.Table) bool {
			row := t.MyRow()
			return idx < len(row.PersistedNum) && row.PersistedNum[idx] > lastLocal
		}
		e.table.Predicates.Register(localPredicate, localTrigger, sst.Recurrent)

		lastGlobal := int64(-1)
		globalPredicate := func(t *sst.Table) bool {
			return e.globalMinPersisted(s, idx) > lastGlobal
		}
		globalTrigger := func(t *sst.Table) {
			min := e.globalMinPersisted(s, idx)
			if min <= lastGlobal {
				return
			}
			lastGlobal = min
			if e.cb.GlobalPersistence != nil {
				e.cb.GlobalPersistence(sg, types.PackVersion(t.MyRow().Vid, min))
			}
		}
		e.table.Predicates.Register(globalPredicate, globalTrigger, sst.Recurrent)
	}
}

// globalMinPersisted computes the minimum persisted_num[idx] across every
// non-frozen shard member's row, using the view-rank map built at engine
// construction to translate a shard member's node id into its SST row.
// -1 is a legitimate row value ("nothing persisted yet"), so "no member
// contributed" is tracked separately via seen rather than by overloading
// -1 as a sentinel.
func (e *Engine) globalMinPersisted(s *subgroupState, idx int) int64 {
	min := int64(-1)
	seen := false
	for _, member := range s.sub.Members {
		rank, ok := e.viewRank[member]
		if !ok || e.table.IsFrozen(rank) {
			continue
		}
		row := e.table.Row(rank)
		if idx >= len(row.PersistedNum) {
			continue
		}
		if !seen || row.PersistedNum[idx] < min {
			min = row.PersistedNum[idx]
			seen = true
		}
	}
	if !seen {
		return -1
	}
	return min
}

// globalMinDeliveredNum computes the minimum delivered_num[idx] across every
// non-frozen shard member's row, mirroring globalMinPersisted (§4.4 step 2's
// ORDERED flow-control bound: a sender may not outrun the slowest member's
// consumption, not just its own). Also seen-tracked since -1 is a real
// "nothing delivered yet" value here.
func (e *Engine) globalMinDeliveredNum(s *subgroupState, idx int) int64 {
	min := int64(-1)
	seen := false
	for _, member := range s.sub.Members {
		rank, ok := e.viewRank[member]
		if !ok || e.table.IsFrozen(rank) {
			continue
		}
		row := e.table.Row(rank)
		if idx >= len(row.DeliveredNum) {
			continue
		}
		if !seen || row.DeliveredNum[idx] < min {
			min = row.DeliveredNum[idx]
			seen = true
		}
	}
	if !seen {
		return -1
	}
	return min
}

// globalMinNumReceived computes the minimum num_received[col] across every
// non-frozen shard member's row (§4.4 step 2's UNORDERED flow-control
// bound). col is the sender's absolute column in the row, as assigned by
// view.DeriveSettings.
func (e *Engine) globalMinNumReceived(s *subgroupState, col int) int64 {
	min := int64(-1)
	for _, member := range s.sub.Members {
		rank, ok := e.viewRank[member]
		if !ok || e.table.IsFrozen(rank) {
			continue
		}
		row := e.table.Row(rank)
		if col >= len(row.NumReceived) {
			continue
		}
		if min == -1 || row.NumReceived[col] < min {
			min = row.NumReceived[col]
		}
	}
	if min == -1 {
		return 0
	}
	return min
}

// globalMinSeqNum computes the minimum seq_num[idx] across every non-frozen
// shard member's row: the shard-wide stable point ORDERED delivery may not
// pass (§4.4 step 4). A member that hasn't published seq_num for this
// subgroup yet (still -1, its zero-progress value) holds the whole shard at
// -1, so nothing is delivered until every member has started publishing.
func (e *Engine) globalMinSeqNum(s *subgroupState, idx int) int64 {
	min := int64(-1)
	seen := false
	for _, member := range s.sub.Members {
		rank, ok := e.viewRank[member]
		if !ok || e.table.IsFrozen(rank) {
			continue
		}
		row := e.table.Row(rank)
		if idx >= len(row.SeqNum) {
			continue
		}
		if !seen || row.SeqNum[idx] < min {
			min = row.SeqNum[idx]
			seen = true
		}
	}
	if !seen {
		return -1
	}
	return min
}
