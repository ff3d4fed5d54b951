package multicast

import (
	"time"

	"github.com/dsrocha/derecho/pkg/derecho/types"
)

func indexOfMember(members []types.NodeID, id types.NodeID) int {
	for i, m := range members {
		if m == id {
			return i
		}
	}
	return -1
}

// bulkReceiveLoop drains the bulk transport's inbound channel for one
// subgroup for as long as the engine is alive.
func (e *Engine) bulkReceiveLoop(sg types.SubgroupID) {
	e.mu.Lock()
	s := e.subgroups[sg]
	e.mu.Unlock()
	if s == nil || s.bulk == nil {
		return
	}
	for {
		select {
		case <-e.stopCh:
			return
		case msg, ok := <-s.bulk.Receive():
			if !ok {
				return
			}
			e.handleReceived(sg, s, msg, true)
		}
	}
}

// smcReceiveLoop is the small-message-transport analogue of
// bulkReceiveLoop.
func (e *Engine) smcReceiveLoop(sg types.SubgroupID) {
	e.mu.Lock()
	s := e.subgroups[sg]
	e.mu.Unlock()
	if s == nil || s.smc == nil {
		return
	}
	for {
		select {
		case <-e.stopCh:
			return
		case msg, ok := <-s.smc.Receive():
			if !ok {
				return
			}
			e.handleReceived(sg, s, msg, false)
		}
	}
}

// handleReceived is the receive-side counterpart of Send (§4.4 step 2):
// it folds the message into the sender's receive track, republishes the
// advanced num_received counter, and stages the message (null or not)
// for delivery under its shard-relative sequence number. A null message
// still occupies its seq slot in locallyStable, exactly like a payload
// message, so it can be drained by the ordinary delivery loop instead of
// leaving a permanent hole at that seq. Duplicate deliveries of the same
// (subgroup, sender, index) triple, which a retried null-send or a
// reconnecting peer can produce, are filtered by dedup before anything
// else runs.
func (e *Engine) handleReceived(sg types.SubgroupID, s *subgroupState, msg wireMessage, viaBulk bool) {
	rank := indexOfMember(s.sub.Members, msg.SenderID)
	if rank < 0 {
		return
	}
	senderRank := s.sub.SenderRank(rank)
	if senderRank < 0 {
		return
	}

	seq := types.SequenceNumber(msg.Index, s.settings.NumShardSenders, senderRank)
	if !e.dedup.markDelivered(uint32(sg), seq) {
		return
	}

	s.mu.Lock()
	track := s.receivedTrack[senderRank]
	if track == nil {
		track = newSenderReceiveTrack()
		s.receivedTrack[senderRank] = track
	}
	contiguous := track.record(msg.Index)

	s.locallyStable[seq] = types.Message{
		SubgroupID:  sg,
		SenderID:    msg.SenderID,
		Index:       msg.Index,
		Payload:     msg.Payload,
		TimestampNs: int64(msg.Header.TimestampNs),
		Cooked:      msg.Header.CookedSend,
		Header:      msg.Header,
	}
	newSeqNum := s.computeSeqNum()
	s.mu.Unlock()

	row := e.table.MyRow()
	col := s.settings.NumReceivedOffset + senderRank
	if viaBulk {
		if col < len(row.NumReceived) {
			row.NumReceived[col] = contiguous
		}
	} else if col < len(row.NumReceivedSST) {
		row.NumReceivedSST[col] = contiguous
	}
	idx := int(sg)
	if idx < len(row.SeqNum) {
		row.SeqNum[idx] = newSeqNum
	}
	if err := e.table.Put(row, 0, 0); err != nil {
		e.logger.Warnf("multicast: publishing num_received for subgroup %d failed: %v", sg, err)
	}

	if s.settings.SenderRank >= 0 && senderRank != s.settings.SenderRank {
		e.injectNullIfBehind(sg, s, msg.Index)
	}

	if s.settings.Mode == types.Unordered {
		s.mu.Lock()
		m, ok := s.locallyStable[seq]
		if ok {
			delete(s.locallyStable, seq)
		}
		s.mu.Unlock()
		if ok {
			e.deliverMessage(sg, s, seq, m)
		}
		return
	}
	e.tryDeliverOrdered(sg, s)
}

// computeSeqNum implements §4.4 step 4: seq_num[subgroup] = m*num_shard_
// senders + argmin - 1, where m is the smallest contiguous receive count
// across the shard's senders and argmin is the lowest-ranked sender
// holding that count. Every sender's slot in rounds before m is known
// received by all of them; within round m, only the senders ranked below
// argmin are, so the last seq number the whole shard agrees is stable is
// one short of argmin's slot in round m. Callers must hold s.mu.
func (s *subgroupState) computeSeqNum() int64 {
	if s.settings.NumShardSenders <= 0 {
		return -1
	}
	min := int64(-1)
	argmin := 0
	for rank := 0; rank < s.settings.NumShardSenders; rank++ {
		var c int64
		if track := s.receivedTrack[rank]; track != nil {
			c = track.contiguous
		}
		if min == -1 || c < min {
			min = c
			argmin = rank
		}
	}
	return min*int64(s.settings.NumShardSenders) + int64(argmin) - 1
}

// injectNullIfBehind implements the null-send scheme (§4.4 step 3): a
// node that is itself a sender in the shard but has fallen behind
// whichever sender it just heard from sends a header-only null message
// to advance its own index, so seq_num keeps making progress even while
// this node has nothing of its own to say. Both transports' Receive loop
// back a node's own sends, so the null lands back through handleReceived
// exactly like any other message and is never re-sent for itself.
func (e *Engine) injectNullIfBehind(sg types.SubgroupID, s *subgroupState, receivedIndex int64) {
	s.mu.Lock()
	behind := s.futureIndex <= receivedIndex
	var index int64
	if behind {
		index = s.futureIndex
		s.futureIndex++
	}
	s.mu.Unlock()
	if !behind {
		return
	}

	header := types.Header{Index: int32(index), TimestampNs: uint64(time.Now().UnixNano())}
	msg := wireMessage{SubgroupID: sg, SenderID: e.localSenderID(s), Index: index, Header: header}

	var err error
	if s.bulk != nil && e.useBulk(0) {
		err = s.bulk.Send(msg)
	} else if s.smc != nil {
		err = s.smc.Send(msg)
	} else if s.bulk != nil {
		err = s.bulk.Send(msg)
	}
	if err != nil {
		e.logger.Warnf("multicast: null send failed for subgroup %d: %v", sg, err)
	}
}
