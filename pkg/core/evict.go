package core

import "bulkindex/pkg/monitor"

func (bm *BufferManager) overBudget() bool {
	return bm.memoryUsage+bm.headroom > bm.memoryLimit
}

// evictUntilUnderLimit writes out and drops defined elements until usage
// is headroom bytes below the limit. Undefined elements stay until the
// drain. The walk resumes after the element the previous pass stopped on
// and wraps at the end of the map. Caller holds bm.mu.
func (bm *BufferManager) evictUntilUnderLimit() error {
	pos := bm.cursor
	evicted := 0
	stalled := false
	sinceRemoval := 0

	defer func() {
		bm.cursor = pos
		bm.evictionPasses++
		if stalled {
			bm.evictionStalls++
		}
		bm.metrics.RecordEvictionPass(stalled)
	}()

	for bm.overBudget() && bm.evictionEnabled {
		n := bm.elements.Len()
		if n == 0 {
			break
		}
		// every remaining element was visited without freeing anything
		if sinceRemoval >= n {
			stalled = true
			bm.log.Warn("[BufferManager] eviction stalled on undefined elements",
				"elements", n, "memory", bm.memoryUsage, "limit", bm.memoryLimit)
			break
		}

		cur := bm.elements.After(pos)
		if cur == nil {
			pos = nil
			continue
		}
		pos = cur
		if !cur.IsDefined() {
			sinceRemoval++
			continue
		}

		if err := bm.write(cur, monitor.PhaseEvict); err != nil {
			return err
		}
		cost := cur.Cost()
		bm.elements.Delete(cur)
		bm.account(-cost)
		bm.evicted++
		bm.metrics.RecordEviction(cost)
		evicted++
		sinceRemoval = 0
	}

	bm.log.Debug("[BufferManager] eviction pass", "evicted", evicted, "memory", bm.memoryUsage)
	return nil
}
