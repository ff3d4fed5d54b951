package multicast

import (
	"strconv"

	"github.com/wangjia184/sortedset"
)

// senderReceiveTrack maintains the interval-set of received indices for
// one sender, as described in §4.4 step 2: contiguous is the count of
// indices received without a gap starting at 0 (equivalently, the next
// expected index); pending holds indices received out of order, ahead of
// the gap, keyed by index so the minimum pending index can be found in
// O(log n) as contiguous advances.
type senderReceiveTrack struct {
	contiguous int64
	pending    *sortedset.SortedSet
}

func newSenderReceiveTrack() *senderReceiveTrack {
	return &senderReceiveTrack{pending: sortedset.New()}
}

// record folds a newly received index into the track and returns the new
// contiguous maximum (§4.4's "resolve_num_received"). Duplicate or
// stale indices (already below contiguous) are ignored.
func (s *senderReceiveTrack) record(index int64) int64 {
	if index < s.contiguous {
		return s.contiguous
	}
	if index == s.contiguous {
		s.contiguous++
		for {
			node := s.pending.GetByRank(1, false)
			if node == nil || int64(node.Score()) != s.contiguous {
				break
			}
			s.pending.Remove(node.Key())
			s.contiguous++
		}
		return s.contiguous
	}
	key := strconv.FormatInt(index, 10)
	s.pending.AddOrUpdate(key, sortedset.SCORE(index), index)
	return s.contiguous
}
