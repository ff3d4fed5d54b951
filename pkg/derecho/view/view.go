// Package view holds the immutable View/SubView snapshots that describe
// group membership, per-subgroup shards, and per-shard roles. Views are
// created once by the gms package and never mutated after publication;
// every accessor here is read-only.
package view

import (
	"errors"
	"sync"

	"github.com/dsrocha/derecho/pkg/derecho/types"
)

// ErrInadequatelyProvisioned is returned by a SubgroupInfo function when
// it cannot allocate a non-empty shard list to every subgroup.
var ErrInadequatelyProvisioned = errors.New("derecho: view inadequately provisioned")

// SubView describes a single shard's membership within a subgroup.
type SubView struct {
	Members  []types.NodeID
	IsSender []bool
	Mode     types.Mode
	// MyRank is this node's index within Members, or -1 if it is not a
	// member of this shard.
	MyRank int
	// Joined/Departed are relative to the same (subgroup, shard) in the
	// previous view. Nil for the first view.
	Joined   []types.NodeID
	Departed []types.NodeID
}

// NumSenders returns how many members of the shard are senders.
func (s SubView) NumSenders() int {
	n := 0
	for _, isSender := range s.IsSender {
		if isSender {
			n++
		}
	}
	return n
}

// SenderRank returns the sender-rank (0-based, among senders only) of the
// member at shard rank r, or -1 if that member is not a sender.
func (s SubView) SenderRank(r int) int {
	if r < 0 || r >= len(s.IsSender) || !s.IsSender[r] {
		return -1
	}
	rank := 0
	for i := 0; i < r; i++ {
		if s.IsSender[i] {
			rank++
		}
	}
	return rank
}

// ShardLayout maps a subgroup to its ordered list of shards.
type ShardLayout map[types.SubgroupID][]SubView

// SubgroupInfo is a user-supplied pure function deriving the next
// sharding from the type order and the previous/current views. It
// returns ErrInadequatelyProvisioned if it cannot give every subgroup a
// non-empty shard list.
type SubgroupInfo func(typeOrder []string, prev *View, curr *View) (ShardLayout, error)

// View is an immutable membership snapshot. Fields are set once at
// construction; callers must never mutate a View after it is published.
type View struct {
	Vid      types.Vid
	Members  []types.NodeID
	Endpoints []types.Endpoints
	Failed   []bool

	Joined   []types.NodeID
	Departed []types.NodeID

	// MyRank is this node's index into Members, or -1 if this node is
	// not (yet) a member of this view.
	MyRank int

	// NextUnassignedRank is used by the sharding function to allocate
	// newly joined members to shards.
	NextUnassignedRank int

	SubgroupShardViews ShardLayout

	mu      sync.Mutex
	wedged  bool
	onWedge func()
}

// New builds a View. onWedge, if non-nil, is invoked exactly once by
// Wedge() and is how the gms package tells the current Multicast Engine
// to halt.
func New(vid types.Vid, members []types.NodeID, endpoints []types.Endpoints, failed []bool, myRank int, onWedge func()) *View {
	return &View{
		Vid:       vid,
		Members:   members,
		Endpoints: endpoints,
		Failed:    failed,
		MyRank:    myRank,
		onWedge:   onWedge,
	}
}

// AdequatelyProvisioned reports whether every subgroup in the layout
// received a non-empty shard list.
func AdequatelyProvisioned(layout ShardLayout, typeOrder []string) bool {
	if layout == nil {
		return false
	}
	for _, shards := range layout {
		if len(shards) == 0 {
			return false
		}
		for _, sv := range shards {
			if len(sv.Members) == 0 {
				return false
			}
		}
	}
	return true
}

// RankOf returns the rank (index into Members) of the given node, or -1
// if it is not a member of this view.
func (v *View) RankOf(node types.NodeID) int {
	for i, m := range v.Members {
		if m == node {
			return i
		}
	}
	return -1
}

// RankOfLeader returns the lowest-ranked non-failed member: the unique
// leader for this view.
func (v *View) RankOfLeader() int {
	for i, failed := range v.Failed {
		if !failed {
			return i
		}
	}
	return -1
}

// IsLeader reports whether this node is the view's leader.
func (v *View) IsLeader() bool {
	return v.MyRank >= 0 && v.MyRank == v.RankOfLeader()
}

// SubviewRankOfShardLeader returns the rank, within the shard, of the
// lowest-ranked non-failed member of subgroup sg's shard sh.
func (v *View) SubviewRankOfShardLeader(sg types.SubgroupID, sh int) int {
	shards := v.SubgroupShardViews[sg]
	if sh < 0 || sh >= len(shards) {
		return -1
	}
	sub := shards[sh]
	for i, member := range sub.Members {
		if !v.Failed[v.RankOf(member)] {
			return i
		}
	}
	return -1
}

// NumFailed counts members currently marked failed.
func (v *View) NumFailed() int {
	n := 0
	for _, f := range v.Failed {
		if f {
			n++
		}
	}
	return n
}

// Wedge marks this view as refusing to originate new multicasts and
// invokes the registered callback exactly once, asking the current
// Multicast Engine to halt.
func (v *View) Wedge() {
	v.mu.Lock()
	already := v.wedged
	v.wedged = true
	cb := v.onWedge
	v.mu.Unlock()
	if !already && cb != nil {
		cb()
	}
}

// IsWedged reports whether Wedge has been called on this view.
func (v *View) IsWedged() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.wedged
}
