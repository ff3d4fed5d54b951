package gms

import (
	"net"

	"github.com/dsrocha/derecho/pkg/derecho/helper"
	"github.com/dsrocha/derecho/pkg/derecho/sst"
	"github.com/dsrocha/derecho/pkg/derecho/types"
	"github.com/dsrocha/derecho/pkg/derecho/wire"
)

// registerPredicates installs the recurrent SST predicates that drive
// membership changes (§4.3): suspicion aggregation, join proposal and
// acknowledgement, and commit. leader-committed is one-time per epoch
// and re-registers itself after it fires.
func (vm *ViewManager) registerPredicates() {
	vm.table.Predicates.Register(vm.suspicionChangedPredicate, vm.suspicionChangedTrigger, sst.Recurrent)
	vm.table.Predicates.Register(vm.startJoinPredicate, vm.startJoinTrigger, sst.Recurrent)
	vm.table.Predicates.Register(vm.ackProposedPredicate, vm.ackProposedTrigger, sst.Recurrent)
	vm.table.Predicates.Register(vm.commitChangePredicate, vm.commitChangeTrigger, sst.Recurrent)
	vm.registerLeaderCommitted()
}

// suspicionChangedPredicate fires whenever some member's row suspects a
// peer that this node's own row does not yet reflect (§4.3 step 1).
func (vm *ViewManager) suspicionChangedPredicate(t *sst.Table) bool {
	my := t.MyRow()
	n := t.NumMembers()
	for r := 0; r < n; r++ {
		if t.IsFrozen(r) {
			continue
		}
		row := t.Row(r)
		for q, suspected := range row.Suspected {
			if suspected && (q >= len(my.Suspected) || !my.Suspected[q]) {
				return true
			}
		}
	}
	return false
}

// suspicionChangedTrigger aggregates every peer's suspicion vector into
// this node's own row, freezes and wedges on each newly-suspected
// member, folds failures into the leader's proposed changes, and runs
// the partition check (§4.3 step 1, REDESIGN FLAGS).
func (vm *ViewManager) suspicionChangedTrigger(t *sst.Table) {
	my := t.MyRow()
	n := t.NumMembers()
	v := vm.GetCurrentView()

	var newlyFailed []int
	for r := 0; r < n; r++ {
		if t.IsFrozen(r) {
			continue
		}
		row := t.Row(r)
		for q, suspected := range row.Suspected {
			if !suspected {
				continue
			}
			for len(my.Suspected) <= q {
				my.Suspected = append(my.Suspected, false)
			}
			if my.Suspected[q] {
				continue
			}
			my.Suspected[q] = true
			newlyFailed = append(newlyFailed, q)
		}
	}
	if len(newlyFailed) == 0 {
		return
	}

	for _, q := range newlyFailed {
		t.Freeze(q)
		if v.IsLeader() && q < len(v.Members) && !containsNode(my.Changes, v.Members[q]) {
			my.Changes = append(my.Changes, v.Members[q])
			my.JoinerIPs = append(my.JoinerIPs, "")
			my.JoinerGMSPorts = append(my.JoinerGMSPorts, 0)
			my.JoinerRPCPorts = append(my.JoinerRPCPorts, 0)
			my.JoinerSSTPorts = append(my.JoinerSSTPorts, 0)
			my.JoinerBulkPorts = append(my.JoinerBulkPorts, 0)
			my.NumChanges++
		}
	}
	my.Wedged = true
	if err := t.Put(my, 0, 0); err != nil {
		vm.logger.Warnf("gms: publishing suspicion update failed: %v", err)
	}
	v.Wedge()

	numFailed, numLeft := 0, 0
	for r := 0; r < n; r++ {
		row := t.Row(r)
		if row.Rip {
			numLeft++
		}
	}
	for _, s := range my.Suspected {
		if s {
			numFailed++
		}
	}
	threshold := helper.CeilDiv(n-numLeft+1, 2)
	if numFailed-numLeft >= threshold {
		err := types.NewException(types.PartitionAbort, "%d of %d members unreachable, more than half the group", numFailed, n)
		vm.logger.Errorf("gms: %v", err)
		select {
		case vm.fatalCh <- err:
		default:
		}
		go vm.Leave()
	}
}

func containsNode(list []types.NodeID, id types.NodeID) bool {
	for _, n := range list {
		if n == id {
			return true
		}
	}
	return false
}

// startJoinPredicate fires when the leader has a fully-negotiated join
// connection waiting to be folded into the proposed changes (§4.2 step
// 2, §4.3 step 2). A follower never runs this: it redirects joiners
// straight from handleJoinAttempt instead of proposing anything.
func (vm *ViewManager) startJoinPredicate(t *sst.Table) bool {
	return vm.GetCurrentView().IsLeader() && len(vm.pendingJoins) > 0
}

func (vm *ViewManager) startJoinTrigger(t *sst.Table) {
	var jc *joinConn
	select {
	case jc = <-vm.pendingJoins:
	default:
		return
	}

	v := vm.GetCurrentView()
	if v.RankOf(jc.req.ID) >= 0 {
		wire.WriteByte(jc.conn, byte(wire.JoinIDInUse))
		jc.conn.Close()
		return
	}

	vm.joins.put(jc)

	my := t.MyRow()
	my.Changes = append(my.Changes, jc.req.ID)
	my.JoinerIPs = append(my.JoinerIPs, remoteHost(jc.conn))
	my.JoinerGMSPorts = append(my.JoinerGMSPorts, jc.ports.GMSPort)
	my.JoinerRPCPorts = append(my.JoinerRPCPorts, jc.ports.RPCPort)
	my.JoinerSSTPorts = append(my.JoinerSSTPorts, jc.ports.SSTPort)
	my.JoinerBulkPorts = append(my.JoinerBulkPorts, jc.ports.BulkPort)
	my.NumChanges++
	my.Wedged = true
	if err := t.Put(my, 0, 0); err != nil {
		vm.logger.Warnf("gms: publishing join proposal for %v failed: %v", jc.req.ID, err)
	}
}

func remoteHost(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

// ackProposedPredicate fires on a follower once the leader has proposed
// changes this node hasn't yet acknowledged (§4.3 step 5).
func (vm *ViewManager) ackProposedPredicate(t *sst.Table) bool {
	v := vm.GetCurrentView()
	if v.IsLeader() {
		return false
	}
	leaderRank := v.RankOfLeader()
	if leaderRank < 0 || t.IsFrozen(leaderRank) {
		return false
	}
	leaderRow := t.Row(leaderRank)
	my := t.MyRow()
	return leaderRow.NumChanges > my.NumAcked
}

func (vm *ViewManager) ackProposedTrigger(t *sst.Table) {
	v := vm.GetCurrentView()
	leaderRank := v.RankOfLeader()
	if leaderRank < 0 {
		return
	}
	leaderRow := t.Row(leaderRank)
	my := t.MyRow()
	my.Changes = append([]types.NodeID(nil), leaderRow.Changes...)
	my.JoinerIPs = append([]string(nil), leaderRow.JoinerIPs...)
	my.JoinerGMSPorts = append([]int(nil), leaderRow.JoinerGMSPorts...)
	my.JoinerRPCPorts = append([]int(nil), leaderRow.JoinerRPCPorts...)
	my.JoinerSSTPorts = append([]int(nil), leaderRow.JoinerSSTPorts...)
	my.JoinerBulkPorts = append([]int(nil), leaderRow.JoinerBulkPorts...)
	my.NumCommitted = leaderRow.NumCommitted
	my.NumAcked = leaderRow.NumChanges
	my.Wedged = true
	if err := t.Put(my, 0, 0); err != nil {
		vm.logger.Warnf("gms: publishing ack of proposed changes failed: %v", err)
	}
}

// commitChangePredicate fires on the leader once every non-failed,
// non-departed follower has acknowledged the currently proposed change
// set (§4.3 step 4). The leader's own row is skipped: it proposed the
// changes and never runs ack-proposed itself.
func (vm *ViewManager) commitChangePredicate(t *sst.Table) bool {
	v := vm.GetCurrentView()
	if !v.IsLeader() {
		return false
	}
	my := t.MyRow()
	if my.NumChanges == 0 || my.NumChanges <= my.NumCommitted {
		return false
	}
	n := t.NumMembers()
	for r := 0; r < n; r++ {
		if r == t.MyRank() || t.IsFrozen(r) {
			continue
		}
		row := t.Row(r)
		if row.Rip {
			continue
		}
		if row.NumAcked < my.NumChanges {
			return false
		}
	}
	return true
}

func (vm *ViewManager) commitChangeTrigger(t *sst.Table) {
	my := t.MyRow()
	my.NumCommitted = my.NumChanges
	if err := t.Put(my, 0, 0); err != nil {
		vm.logger.Warnf("gms: publishing commit failed: %v", err)
	}
}

// registerLeaderCommitted (re-)installs the one-time predicate that
// starts epoch termination once this node observes num_committed pass
// num_installed on the leader's row (§4.3 step 6). The goroutine its
// trigger spawns registers it again once runEpochTermination returns,
// on whichever table is current by then. num_installed is never
// advanced; after a successful pass installView has swapped in a fresh
// table whose counters all start at zero, which is what keeps the new
// registration from firing again for the same commit. If the pass
// returns early without installing, the registration lands on the old
// table and fires again.
func (vm *ViewManager) registerLeaderCommitted() {
	vm.table.Predicates.Register(vm.leaderCommittedPredicate, vm.leaderCommittedTrigger, sst.OneTime)
}

func (vm *ViewManager) leaderCommittedPredicate(t *sst.Table) bool {
	v := vm.GetCurrentView()
	leaderRank := v.RankOfLeader()
	if leaderRank < 0 || t.IsFrozen(leaderRank) {
		return false
	}
	leaderRow := t.Row(leaderRank)
	my := t.MyRow()
	return leaderRow.NumCommitted > my.NumInstalled
}

// leaderCommittedTrigger hands off to a fresh goroutine rather than
// running epoch termination inline: ragged-edge cleanup's follower side
// waits on a predicate of its own, which this same evaluator goroutine
// would otherwise never get to re-evaluate.
func (vm *ViewManager) leaderCommittedTrigger(t *sst.Table) {
	if vm.leaving.IsSet() {
		return
	}
	vm.invoker.Spawn(func() {
		vm.runEpochTermination()
		vm.registerLeaderCommitted()
	})
}
