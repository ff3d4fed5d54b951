package ragged

import (
	"github.com/dsrocha/derecho/pkg/derecho/sst"
	"github.com/dsrocha/derecho/pkg/derecho/types"
	"github.com/dsrocha/derecho/pkg/derecho/view"
)

// Follow runs the non-leader side of ragged-edge cleanup for one shard:
// wait until some non-failed member's global_min_ready fires for this
// subgroup, copy its cells, publish and persist the identical trim
// (§4.5 follower algorithm). stop lets the caller abandon the wait, e.g.
// because the whole view died before cleanup could complete.
func (c *Cleanup) Follow(settings view.SubgroupSettings, sub view.SubView, stop <-chan struct{}) (types.RaggedTrim, error) {
	if trim, ok := c.inheritedTrim(settings, sub); ok {
		if err := c.publish(settings, trim); err != nil {
			return trim, err
		}
		err := c.persist(trim)
		c.deliverThroughTrim(settings, trim)
		return trim, err
	}

	found := make(chan types.RaggedTrim, 1)
	var handle sst.Handle
	predicate := func(t *sst.Table) bool {
		_, ok := c.inheritedTrim(settings, sub)
		return ok
	}
	trigger := func(t *sst.Table) {
		trim, ok := c.inheritedTrim(settings, sub)
		if !ok {
			return
		}
		select {
		case found <- trim:
		default:
		}
	}
	handle = c.table.Predicates.Register(predicate, trigger, sst.OneTime)

	select {
	case trim := <-found:
		if err := c.publish(settings, trim); err != nil {
			return trim, err
		}
		err := c.persist(trim)
		c.deliverThroughTrim(settings, trim)
		return trim, err
	case <-stop:
		c.table.Predicates.Unregister(handle)
		return types.RaggedTrim{}, errStoppedWaiting
	}
}
