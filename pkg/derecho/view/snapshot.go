package view

import "github.com/dsrocha/derecho/pkg/derecho/types"

// Snapshot is the wire-safe projection of a View: every exported field,
// with per-node MyRank fields blanked out to -1 since they are relative
// to whoever receives the snapshot. FromSnapshot fills them back in.
type Snapshot struct {
	Vid                types.Vid
	Members            []types.NodeID
	Endpoints          []types.Endpoints
	Failed             []bool
	Joined             []types.NodeID
	Departed           []types.NodeID
	NextUnassignedRank int
	SubgroupShardViews ShardLayout
}

// Snapshot projects v into its wire-safe form.
func (v *View) Snapshot() Snapshot {
	layout := make(ShardLayout, len(v.SubgroupShardViews))
	for sg, shards := range v.SubgroupShardViews {
		cp := make([]SubView, len(shards))
		for i, sv := range shards {
			sv.MyRank = -1
			cp[i] = sv
		}
		layout[sg] = cp
	}
	return Snapshot{
		Vid:                v.Vid,
		Members:            append([]types.NodeID(nil), v.Members...),
		Endpoints:          append([]types.Endpoints(nil), v.Endpoints...),
		Failed:             append([]bool(nil), v.Failed...),
		Joined:             append([]types.NodeID(nil), v.Joined...),
		Departed:           append([]types.NodeID(nil), v.Departed...),
		NextUnassignedRank: v.NextUnassignedRank,
		SubgroupShardViews: layout,
	}
}

// FromSnapshot rebuilds a View from a wire snapshot, resolving MyRank (top
// level and per-subview) for the given local node id.
func FromSnapshot(s Snapshot, self types.NodeID, onWedge func()) *View {
	v := &View{
		Vid:                s.Vid,
		Members:            s.Members,
		Endpoints:          s.Endpoints,
		Failed:             s.Failed,
		Joined:             s.Joined,
		Departed:           s.Departed,
		NextUnassignedRank: s.NextUnassignedRank,
		SubgroupShardViews: s.SubgroupShardViews,
		onWedge:            onWedge,
	}
	v.MyRank = v.RankOf(self)
	for _, shards := range v.SubgroupShardViews {
		for i, sv := range shards {
			sv.MyRank = -1
			for r, m := range sv.Members {
				if m == self {
					sv.MyRank = r
					break
				}
			}
			shards[i] = sv
		}
	}
	return v
}
