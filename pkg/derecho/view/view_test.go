package view

import (
	"testing"

	"github.com/dsrocha/derecho/pkg/derecho/types"
)

func newTestView(myRank int) *View {
	members := []types.NodeID{1, 2, 3}
	endpoints := make([]types.Endpoints, len(members))
	failed := make([]bool, len(members))
	return New(0, members, endpoints, failed, myRank, nil)
}

func Test_RankOf(t *testing.T) {
	v := newTestView(0)
	if v.RankOf(2) != 1 {
		t.Errorf("expected node 2 at rank 1, got %d", v.RankOf(2))
	}
	if v.RankOf(99) != -1 {
		t.Errorf("expected unknown node to have rank -1")
	}
}

func Test_IsLeaderIsLowestRankedNonFailed(t *testing.T) {
	v := newTestView(0)
	if !v.IsLeader() {
		t.Errorf("rank 0 with nobody failed should be leader")
	}

	v.Failed[0] = true
	if v.IsLeader() {
		t.Errorf("failed rank 0 should no longer be leader")
	}
	if v.RankOfLeader() != 1 {
		t.Errorf("expected rank 1 to become leader once rank 0 failed, got %d", v.RankOfLeader())
	}
}

func Test_NotAMemberIsNeverLeader(t *testing.T) {
	v := newTestView(-1)
	if v.IsLeader() {
		t.Errorf("a node absent from the view can never be its leader")
	}
}

func Test_WedgeInvokesCallbackExactlyOnce(t *testing.T) {
	members := []types.NodeID{1}
	endpoints := make([]types.Endpoints, 1)
	failed := make([]bool, 1)
	var calls int
	v := New(0, members, endpoints, failed, 0, func() { calls++ })

	if v.IsWedged() {
		t.Errorf("fresh view should not be wedged")
	}
	v.Wedge()
	v.Wedge()
	v.Wedge()

	if !v.IsWedged() {
		t.Errorf("view should be wedged after Wedge()")
	}
	if calls != 1 {
		t.Errorf("onWedge should fire exactly once, fired %d times", calls)
	}
}

func Test_AdequatelyProvisioned(t *testing.T) {
	layout := ShardLayout{
		0: {{Members: []types.NodeID{1, 2}}},
	}
	if !AdequatelyProvisioned(layout, []string{"a"}) {
		t.Errorf("non-empty shard list should be adequately provisioned")
	}

	empty := ShardLayout{0: {}}
	if AdequatelyProvisioned(empty, []string{"a"}) {
		t.Errorf("empty shard list should not be adequately provisioned")
	}

	if AdequatelyProvisioned(nil, []string{"a"}) {
		t.Errorf("nil layout should not be adequately provisioned")
	}
}
