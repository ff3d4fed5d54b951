// Package restart implements total restart: reconstructing a consistent
// group and a consistent per-shard delivered prefix purely from what
// rejoining members persisted to disk before the whole group went down
// (§4.6). It is the cold-start counterpart to the ragged package's
// live epoch-termination cleanup, and shares its trim decision: a
// restart never delivers more than the highest RaggedTrim any surviving
// member actually reached.
package restart

import "github.com/dsrocha/derecho/pkg/derecho/types"

// RagedTrimToLatestVersion computes the version a shard's persistent log
// should be truncated to, given the vid of the view it was cleaned up
// against and the per-sender delivery counts that cleanup decided on. A
// sender's rank contributes fully-delivered rounds; the last globally
// complete round is bounded by whichever sender delivered the fewest
// messages, so the highest deliverable sequence number is
// min(counts)*num_senders - 1 (§4.4's seq = index*num_shard_senders +
// sender_rank, evaluated at the last complete round).
func RagedTrimToLatestVersion(vid types.Vid, maxReceivedBySender []int64) types.Version {
	if len(maxReceivedBySender) == 0 {
		return types.PackVersion(vid, -1)
	}
	min := maxReceivedBySender[0]
	for _, c := range maxReceivedBySender[1:] {
		if c < min {
			min = c
		}
	}
	seq := min*int64(len(maxReceivedBySender)) - 1
	return types.PackVersion(vid, seq)
}

// logLength is a rough proxy for "how much of the log a rejoiner has":
// the total message count its RaggedTrim covers, summed across senders.
// The restart leader uses this to pick, for each shard, the rejoiner
// with the longest log as that shard's restart leader (§4.6).
func logLength(trim types.RaggedTrim) int64 {
	var total int64
	for _, c := range trim.MaxReceivedBySender {
		total += c
	}
	return total
}
