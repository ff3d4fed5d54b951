package ragged

import (
	"github.com/dsrocha/derecho/pkg/derecho/types"
	"github.com/dsrocha/derecho/pkg/derecho/view"
)

// Lead runs the shard-leader side of ragged-edge cleanup: inherit an
// already-decided trim if one exists, otherwise compute global_min from
// scratch, publish it, and persist it (§4.5 leader algorithm).
func (c *Cleanup) Lead(settings view.SubgroupSettings, sub view.SubView, leaderID types.NodeID) (types.RaggedTrim, error) {
	if trim, ok := c.inheritedTrim(settings, sub); ok {
		if err := c.publish(settings, trim); err != nil {
			return trim, err
		}
		err := c.persist(trim)
		c.deliverThroughTrim(settings, trim)
		return trim, err
	}

	row := c.table.MyRow()
	trim := types.RaggedTrim{
		SubgroupID:          settings.SubgroupID,
		Shard:               settings.ShardNum,
		Vid:                 row.Vid,
		LeaderID:            leaderID,
		MaxReceivedBySender: c.computeGlobalMin(settings, sub),
	}
	if err := c.publish(settings, trim); err != nil {
		return trim, err
	}
	err := c.persist(trim)
	c.deliverThroughTrim(settings, trim)
	return trim, err
}
