package view

import "github.com/dsrocha/derecho/pkg/derecho/types"

// SubgroupSettings gathers everything the local node needs to run the
// Multicast Engine for a subgroup it belongs to, derived once per view
// from the View's SubView for that subgroup.
type SubgroupSettings struct {
	SubgroupID types.SubgroupID
	ShardNum   int
	ShardRank  int
	// SenderRank is this node's rank among the shard's senders, or -1 if
	// this node is not a sender in this shard.
	SenderRank int
	// NumReceivedOffset is the starting column in the SST's num_received
	// array for this subgroup's per-sender receive counters.
	NumReceivedOffset int
	Mode              types.Mode
	NumShardSenders   int
	NumShardMembers   int
}

// DeriveSettings computes SubgroupSettings for every subgroup/shard the
// local node (each SubView's MyRank) belongs to in v, assigning NumReceivedOffset columns
// consecutively in subgroup id, then shard, order so that every member
// agrees on the column layout without further coordination.
func DeriveSettings(v *View, order []types.SubgroupID) map[types.SubgroupID]SubgroupSettings {
	result := make(map[types.SubgroupID]SubgroupSettings)
	offset := 0
	for _, sg := range order {
		shards := v.SubgroupShardViews[sg]
		for shardNum, sub := range shards {
			numSenders := sub.NumSenders()
			if sub.MyRank >= 0 {
				result[sg] = SubgroupSettings{
					SubgroupID:        sg,
					ShardNum:          shardNum,
					ShardRank:         sub.MyRank,
					SenderRank:        sub.SenderRank(sub.MyRank),
					NumReceivedOffset: offset,
					Mode:              sub.Mode,
					NumShardSenders:   numSenders,
					NumShardMembers:   len(sub.Members),
				}
			}
			offset += numSenders
		}
	}
	return result
}
