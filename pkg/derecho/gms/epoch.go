package gms

import (
	"fmt"
	"time"

	"github.com/dsrocha/derecho/pkg/derecho/ragged"
	"github.com/dsrocha/derecho/pkg/derecho/sst"
	"github.com/dsrocha/derecho/pkg/derecho/types"
	"github.com/dsrocha/derecho/pkg/derecho/view"
	"github.com/dsrocha/derecho/pkg/derecho/wire"
)

// trimCollectionTimeout bounds how long a node waits for every shard's
// ragged-edge decision to appear on the Shared Status Table before
// giving up on including it in a joiner's state-transfer hint. Cleanup
// itself is not abandoned; only the join-offer's Trims field is best
// effort.
const trimCollectionTimeout = 2 * time.Second

// runEpochTermination is the sequence leader-committed starts (§4.3 step
// 6, §4.5): meta-wedge, drain the outgoing sender, run ragged-edge
// cleanup for every shard this node belongs to, wait for every shard's
// decision to surface on the table, cross a persistence barrier, install
// the next view, and finally hand any newly-joined member its offer.
func (vm *ViewManager) runEpochTermination() {
	vm.mu.RLock()
	v := vm.current
	table := vm.table
	engine := vm.engine
	vm.mu.RUnlock()

	v.Wedge()
	if engine != nil {
		engine.Drain()
	}

	_, order := columnLayout(v)
	offsets := columnOffsets(v, order)
	mySettings := view.DeriveSettings(v, order)

	cleanup := ragged.New(table, vm.viewRank, vm.logger)
	cleanup.PersistDir = vm.persistDir
	cleanup.Engine = engine
	for sg, st := range mySettings {
		shards := v.SubgroupShardViews[sg]
		sub := shards[st.ShardNum]
		if v.SubviewRankOfShardLeader(sg, st.ShardNum) == st.ShardRank {
			if _, err := cleanup.Lead(st, sub, v.Members[v.MyRank]); err != nil {
				vm.logger.Warnf("gms: leading ragged-edge cleanup for subgroup %d shard %d failed: %v", sg, st.ShardNum, err)
			}
		} else if _, err := cleanup.Follow(st, sub, make(chan struct{})); err != nil {
			vm.logger.Warnf("gms: following ragged-edge cleanup for subgroup %d shard %d failed: %v", sg, st.ShardNum, err)
		}
	}

	trims := collectTrims(v, table, vm.viewRank, offsets)

	if err := table.SyncWithMembers(nil); err != nil {
		vm.logger.Warnf("gms: publishing ragged-edge state before installing vid %d failed: %v", v.Vid+1, err)
	}
	vm.waitPersistenceBarrier(v, table, mySettings)

	next, err := vm.computeNextView(v, table)
	if err != nil {
		vm.logger.Errorf("gms: computing next view for vid %d failed: %v", v.Vid+1, err)
		return
	}
	leaders := previousShardLeaders(v)

	if err := vm.installView(next); err != nil {
		vm.logger.Errorf("gms: installing vid %d failed: %v", next.Vid, err)
		return
	}

	vm.deliverJoinOffers(next, trims, leaders)
}

// computeNextView applies the leader's committed change list to v,
// splitting it into departures (an entry whose id is already a member)
// and joins (an entry that isn't), and asks subgroupInfo to reshard the
// result (§4.3 step 6, §4.2).
func (vm *ViewManager) computeNextView(v *view.View, table *sst.Table) (*view.View, error) {
	leaderRank := v.RankOfLeader()
	leaderRow := table.Row(leaderRank)
	k := int(leaderRow.NumCommitted)
	if k > len(leaderRow.Changes) {
		k = len(leaderRow.Changes)
	}

	departedSet := make(map[types.NodeID]bool)
	var joined []types.NodeID
	joinerEndpoints := make(map[types.NodeID]types.Endpoints)
	for i := 0; i < k; i++ {
		id := leaderRow.Changes[i]
		if v.RankOf(id) >= 0 {
			departedSet[id] = true
			continue
		}
		joined = append(joined, id)
		joinerEndpoints[id] = types.Endpoints{
			Address:  stringAt(leaderRow.JoinerIPs, i),
			GMSPort:  intAt(leaderRow.JoinerGMSPorts, i),
			RPCPort:  intAt(leaderRow.JoinerRPCPorts, i),
			SSTPort:  intAt(leaderRow.JoinerSSTPorts, i),
			BulkPort: intAt(leaderRow.JoinerBulkPorts, i),
		}
	}

	members := make([]types.NodeID, 0, len(v.Members)+len(joined))
	endpoints := make([]types.Endpoints, 0, cap(members))
	for i, m := range v.Members {
		if departedSet[m] {
			continue
		}
		members = append(members, m)
		endpoints = append(endpoints, v.Endpoints[i])
	}
	var departed []types.NodeID
	for id := range departedSet {
		departed = append(departed, id)
	}
	for _, id := range joined {
		members = append(members, id)
		endpoints = append(endpoints, joinerEndpoints[id])
	}

	next := view.New(v.Vid+1, members, endpoints, make([]bool, len(members)), -1, vm.onViewWedged)
	next.Joined = joined
	next.Departed = departed
	next.NextUnassignedRank = len(members)
	if v.MyRank >= 0 {
		next.MyRank = next.RankOf(v.Members[v.MyRank])
	}

	layout, err := vm.subgroupInfo(vm.typeOrder, v, next)
	if err != nil {
		return nil, fmt.Errorf("gms: subgroup layout: %w", err)
	}
	if !view.AdequatelyProvisioned(layout, vm.typeOrder) {
		return nil, types.NewException(types.InadequateProvisioning, "vid %d cannot provision every subgroup", next.Vid)
	}
	next.SubgroupShardViews = layout
	return next, nil
}

func stringAt(list []string, i int) string {
	if i < 0 || i >= len(list) {
		return ""
	}
	return list[i]
}

func intAt(list []int, i int) int {
	if i < 0 || i >= len(list) {
		return 0
	}
	return list[i]
}

// columnOffsets replicates columnLayout's per-shard num_received column
// assignment for every (subgroup, shard) pair in v, regardless of
// whether this node belongs to it, so a shard's ragged trim can be read
// back off the table by any member of the view (§4.5's global_min
// columns are laid out identically for every row).
func columnOffsets(v *view.View, order []types.SubgroupID) map[types.SubgroupID][]int {
	offsets := make(map[types.SubgroupID][]int)
	offset := 0
	for _, sg := range order {
		shards := v.SubgroupShardViews[sg]
		perShard := make([]int, len(shards))
		for shardNum, sub := range shards {
			perShard[shardNum] = offset
			offset += sub.NumSenders()
		}
		offsets[sg] = perShard
	}
	return offsets
}

// collectTrims reads back the decided ragged trim for every (subgroup,
// shard) in v, waiting up to trimCollectionTimeout for shards this node
// didn't itself clean up to publish theirs.
func collectTrims(v *view.View, table *sst.Table, viewRank map[types.NodeID]int, offsets map[types.SubgroupID][]int) []types.RaggedTrim {
	deadline := time.Now().Add(trimCollectionTimeout)
	var trims []types.RaggedTrim
	for sg, shards := range v.SubgroupShardViews {
		for shardNum, sub := range shards {
			offset := offsets[sg][shardNum]
			if trim, ok := waitForTrim(table, viewRank, sg, shardNum, sub, offset, deadline); ok {
				trims = append(trims, trim)
			}
		}
	}
	return trims
}

func waitForTrim(table *sst.Table, viewRank map[types.NodeID]int, sg types.SubgroupID, shardNum int, sub view.SubView, offset int, deadline time.Time) (types.RaggedTrim, bool) {
	idx := int(sg)
	numSenders := sub.NumSenders()
	for {
		for _, member := range sub.Members {
			rank, ok := viewRank[member]
			if !ok || table.IsFrozen(rank) {
				continue
			}
			row := table.Row(rank)
			if idx >= len(row.GlobalMinReady) || !row.GlobalMinReady[idx] {
				continue
			}
			mins := make([]int64, numSenders)
			for s := 0; s < numSenders; s++ {
				if col := offset + s; col < len(row.GlobalMin) {
					mins[s] = row.GlobalMin[col]
				}
			}
			return types.RaggedTrim{SubgroupID: sg, Shard: shardNum, Vid: row.Vid, MaxReceivedBySender: mins}, true
		}
		if time.Now().After(deadline) {
			return types.RaggedTrim{}, false
		}
		time.Sleep(time.Millisecond)
	}
}

// waitPersistenceBarrier implements §4.3's persistence barrier: before the
// next view is installed, every ORDERED subgroup this node belongs to
// must see each non-failed shard member's persisted_num catch up to the
// highest delivered_num any member of that shard reached, so a message
// this view already delivered is never left durable on some members but
// not others across the view change. Bounded by trimCollectionTimeout,
// same as the ragged-trim collection it follows; a shard that never
// catches up only delays this view's installation, it doesn't block it
// forever.
func (vm *ViewManager) waitPersistenceBarrier(v *view.View, table *sst.Table, mySettings map[types.SubgroupID]view.SubgroupSettings) {
	deadline := time.Now().Add(trimCollectionTimeout)
	for sg, st := range mySettings {
		if st.Mode != types.Ordered {
			continue
		}
		shards := v.SubgroupShardViews[sg]
		if st.ShardNum >= len(shards) {
			continue
		}
		sub := shards[st.ShardNum]
		waitShardPersisted(table, vm.viewRank, int(sg), sub, deadline)
	}
}

func waitShardPersisted(table *sst.Table, viewRank map[types.NodeID]int, idx int, sub view.SubView, deadline time.Time) {
	for {
		target := int64(-1)
		for _, member := range sub.Members {
			rank, ok := viewRank[member]
			if !ok || table.IsFrozen(rank) {
				continue
			}
			row := table.Row(rank)
			if idx < len(row.DeliveredNum) && row.DeliveredNum[idx] > target {
				target = row.DeliveredNum[idx]
			}
		}

		satisfied := true
		for _, member := range sub.Members {
			rank, ok := viewRank[member]
			if !ok || table.IsFrozen(rank) {
				continue
			}
			row := table.Row(rank)
			if idx >= len(row.PersistedNum) || row.PersistedNum[idx] < target {
				satisfied = false
				break
			}
		}
		if satisfied {
			return
		}
		if time.Now().After(deadline) {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

// previousShardLeaders reports, for every (subgroup, shard) in the
// outgoing view, which member was its leader: a joiner's state-transfer
// pull target once it lands in the new view (§4.2, §4.6's OldShardLeaders).
func previousShardLeaders(v *view.View) map[types.SubgroupID]map[int]types.NodeID {
	out := make(map[types.SubgroupID]map[int]types.NodeID, len(v.SubgroupShardViews))
	for sg, shards := range v.SubgroupShardViews {
		m := make(map[int]types.NodeID, len(shards))
		for shardNum, sub := range shards {
			if rank := v.SubviewRankOfShardLeader(sg, shardNum); rank >= 0 && rank < len(sub.Members) {
				m[shardNum] = sub.Members[rank]
			}
		}
		out[sg] = m
	}
	return out
}

// deliverJoinOffers sends each newly-joined member (that this node
// accepted the connection for) the committed view, group parameters,
// the trims covering its shards, and the previous shard leaders it can
// pull state from.
func (vm *ViewManager) deliverJoinOffers(v *view.View, trims []types.RaggedTrim, oldLeaders map[types.SubgroupID]map[int]types.NodeID) {
	for _, id := range v.Joined {
		jc, ok := vm.joins.take(id)
		if !ok {
			continue
		}
		offer := wire.JoinOffer{
			View:            v.Snapshot(),
			Params:          wire.FromConfig(vm.config),
			Trims:           trimsForMember(trims, v, id),
			OldShardLeaders: oldLeaders,
		}
		if err := wire.WriteFrame(jc.conn, offer); err != nil {
			vm.logger.Warnf("gms: sending join offer to %v failed: %v", id, err)
		}
		jc.conn.Close()
	}
}

func trimsForMember(trims []types.RaggedTrim, v *view.View, id types.NodeID) []types.RaggedTrim {
	var out []types.RaggedTrim
	for sg, shards := range v.SubgroupShardViews {
		for shardNum, sub := range shards {
			if indexOfMember(sub.Members, id) < 0 {
				continue
			}
			for _, t := range trims {
				if t.SubgroupID == sg && t.Shard == shardNum {
					out = append(out, t)
				}
			}
		}
	}
	return out
}

func indexOfMember(members []types.NodeID, id types.NodeID) int {
	for i, m := range members {
		if m == id {
			return i
		}
	}
	return -1
}
