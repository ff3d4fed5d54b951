// Package ragged implements the epoch-termination decision that fixes,
// for exactly one dying view and exactly one shard, which messages from
// each sender are included in that view's final delivered prefix (§4.5).
// It runs once per (subgroup, shard) as the last step before a new view
// is installed, driven by the outgoing view's leader/follower roles
// within the shard rather than the group as a whole.
package ragged

import (
	"github.com/dsrocha/derecho/pkg/derecho/multicast"
	"github.com/dsrocha/derecho/pkg/derecho/ondisk"
	"github.com/dsrocha/derecho/pkg/derecho/sst"
	"github.com/dsrocha/derecho/pkg/derecho/types"
	"github.com/dsrocha/derecho/pkg/derecho/view"
)

// Cleanup runs the ragged-edge decision for a single dying view against
// one node's Shared Status Table. A Cleanup is short-lived: build one,
// call Lead or Follow once per (subgroup, shard), then discard it.
type Cleanup struct {
	table    *sst.Table
	viewRank map[types.NodeID]int
	logger   types.Logger
	// PersistDir, if non-empty, is where the decided trim is written
	// (§6's on-disk layout); left empty when no persistent object is
	// configured for the shard (§4.5 step 5 is then a no-op).
	PersistDir string
	// Engine, if set, is driven up to the agreed trim cut once the trim
	// is decided (§4.5 step 4), so the outgoing view's delivered prefix
	// actually reflects the cut rather than merely publishing it.
	Engine *multicast.Engine
}

// New builds a Cleanup bound to one node's table and the node-id-to-row
// mapping for the view being torn down.
func New(table *sst.Table, viewRank map[types.NodeID]int, logger types.Logger) *Cleanup {
	return &Cleanup{table: table, viewRank: viewRank, logger: logger}
}

// nonFailedRows calls fn once per non-failed member of sub, skipping any
// member this node cannot resolve to a table row (already departed) or
// whose row is frozen (declared failed).
func (c *Cleanup) nonFailedRows(sub view.SubView, fn func(rank int, row sst.Row)) {
	for _, member := range sub.Members {
		rank, ok := c.viewRank[member]
		if !ok || c.table.IsFrozen(rank) {
			continue
		}
		fn(rank, c.table.Row(rank))
	}
}

// inheritedTrim looks for a non-failed shard member whose
// global_min_ready is already set for this subgroup, per §4.5 step 1.
func (c *Cleanup) inheritedTrim(settings view.SubgroupSettings, sub view.SubView) (types.RaggedTrim, bool) {
	idx := int(settings.SubgroupID)
	var found *types.RaggedTrim
	c.nonFailedRows(sub, func(rank int, row sst.Row) {
		if found != nil {
			return
		}
		if idx >= len(row.GlobalMinReady) || !row.GlobalMinReady[idx] {
			return
		}
		trim := types.RaggedTrim{
			SubgroupID:          settings.SubgroupID,
			Shard:               settings.ShardNum,
			Vid:                 row.Vid,
			MaxReceivedBySender: extractGlobalMin(row, settings),
		}
		found = &trim
	})
	if found == nil {
		return types.RaggedTrim{}, false
	}
	return *found, true
}

// computeGlobalMin implements §4.5 step 2: for each sender rank, the
// minimum num_received cell across every non-failed shard member.
func (c *Cleanup) computeGlobalMin(settings view.SubgroupSettings, sub view.SubView) []int64 {
	mins := make([]int64, settings.NumShardSenders)
	for i := range mins {
		mins[i] = -1
	}
	c.nonFailedRows(sub, func(rank int, row sst.Row) {
		for s := 0; s < settings.NumShardSenders; s++ {
			col := settings.NumReceivedOffset + s
			if col >= len(row.NumReceived) {
				continue
			}
			v := row.NumReceived[col]
			if mins[s] == -1 || v < mins[s] {
				mins[s] = v
			}
		}
	})
	for i, v := range mins {
		if v == -1 {
			mins[i] = 0
		}
	}
	return mins
}

func extractGlobalMin(row sst.Row, settings view.SubgroupSettings) []int64 {
	out := make([]int64, settings.NumShardSenders)
	for s := 0; s < settings.NumShardSenders; s++ {
		col := settings.NumReceivedOffset + s
		if col < len(row.GlobalMin) {
			out[s] = row.GlobalMin[col]
		}
	}
	return out
}

// publish writes trim's cells into this node's row and blocks until
// every peer has acknowledged them (§4.5 step 3): a follower must never
// observe global_min_ready without also being able to read the values
// it guards.
func (c *Cleanup) publish(settings view.SubgroupSettings, trim types.RaggedTrim) error {
	row := c.table.MyRow()
	idx := int(settings.SubgroupID)
	for len(row.GlobalMinReady) <= idx {
		row.GlobalMinReady = append(row.GlobalMinReady, false)
	}
	for s := 0; s < settings.NumShardSenders; s++ {
		col := settings.NumReceivedOffset + s
		for len(row.GlobalMin) <= col {
			row.GlobalMin = append(row.GlobalMin, 0)
		}
		row.GlobalMin[col] = trim.MaxReceivedBySender[s]
	}
	row.GlobalMinReady[idx] = true
	return c.table.PutWithCompletion(row)
}

// persist writes the decided trim to disk, satisfying §4.5 step 5. A
// no-op when PersistDir is empty.
func (c *Cleanup) persist(trim types.RaggedTrim) error {
	if c.PersistDir == "" {
		return nil
	}
	if err := ondisk.SaveRaggedTrim(c.PersistDir, trim); err != nil {
		c.logger.Warnf("ragged: persisting trim for subgroup %d shard %d failed: %v", trim.SubgroupID, trim.Shard, err)
		return err
	}
	return nil
}

// trimCutSeq turns a decided trim into the shard-relative sequence number
// its delivered prefix ends at: MaxReceivedBySender holds, per sender
// rank, the contiguous receive count agreed by the whole shard (§4.5 step
// 2), so the slowest sender's count bounds every round the shard as a
// whole can consider complete, and the cut is one short of that round's
// first slot (mirrors computeSeqNum's own formula in the all-senders-tied
// case).
func trimCutSeq(trim types.RaggedTrim, numShardSenders int) int64 {
	if numShardSenders <= 0 || len(trim.MaxReceivedBySender) == 0 {
		return -1
	}
	min := trim.MaxReceivedBySender[0]
	for _, v := range trim.MaxReceivedBySender[1:] {
		if v < min {
			min = v
		}
	}
	return min*int64(numShardSenders) - 1
}

// deliverThroughTrim forces this member's local delivery up through the
// agreed cut (§4.5 step 4), so that once cleanup finishes every surviving
// shard member has delivered an identical prefix rather than merely
// agreeing on where that prefix ends. A no-op when no engine is wired in
// (e.g. in unit tests exercising the trim decision alone) or the subgroup
// isn't ORDERED, since UNORDERED subgroups deliver immediately on receipt
// and have no cut-driven backlog to flush.
func (c *Cleanup) deliverThroughTrim(settings view.SubgroupSettings, trim types.RaggedTrim) {
	if c.Engine == nil || settings.Mode != types.Ordered {
		return
	}
	cut := trimCutSeq(trim, settings.NumShardSenders)
	if cut < 0 {
		return
	}
	c.Engine.DeliverThroughTrim(settings.SubgroupID, cut)
}
