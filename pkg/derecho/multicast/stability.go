package multicast

import "time"

// stabilityFrontierLoop is the node-wide thread that republishes
// local_stability_frontier for every subgroup once per timeout_ms
// (§4.4, §5): each subgroup's frontier is set to
// min(now_ns, oldest_in_flight_timestamp), so a reader of the table can
// tell a slow sender (frontier keeps advancing, just slowly) from a
// truly stuck one (frontier pinned at an old timestamp). Ragged-edge
// cleanup does not read this column; it decides from num_received alone.
func (e *Engine) stabilityFrontierLoop() {
	interval := e.config.TimeoutDuration()
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.publishStabilityFrontier()
		}
	}
}

func (e *Engine) publishStabilityFrontier() {
	now := time.Now().UnixNano()
	row := e.table.MyRow()
	changed := false
	for sg, s := range e.subgroups {
		idx := int(sg)
		if idx >= len(row.LocalStabilityFrontier) {
			continue
		}

		s.mu.Lock()
		oldest := s.oldestInFlight
		s.mu.Unlock()
		frontier := now
		if oldest != 0 && oldest < frontier {
			frontier = oldest
		}

		if row.LocalStabilityFrontier[idx] != frontier {
			row.LocalStabilityFrontier[idx] = frontier
			changed = true
		}

		if e.onSenderTimeout != nil && oldest != 0 {
			stalled := time.Duration(now-oldest) > e.config.TimeoutDuration()
			if stalled {
				e.onSenderTimeout(sg)
			}
		}
	}
	if !changed {
		return
	}
	if err := e.table.Put(row, 0, 0); err != nil {
		e.logger.Warnf("multicast: publishing local_stability_frontier failed: %v", err)
	}
}
