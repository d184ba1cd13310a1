package monitor

import (
	"calwatch/internal/event"
)

// mergeResult partitions one scan's provider alerts against the previously
// known alerts for the same window.
type mergeResult struct {
	// toAdd are alerts the provider knows and we do not.
	toAdd []event.AlertEntry

	// toUpdate are known alerts whose details changed; the handled flag
	// and provenance of the stored entry are preserved.
	toUpdate []event.AlertEntry

	// toDelete are known alerts the provider no longer returns, meaning
	// the event or reminder was removed at the source. Two kinds of entry
	// are exempt: ones we synthesized ourselves, which were never in the
	// provider, and handled ones, which exist as delivery-dedup facts and
	// must outlive the provider's view of the alert. Handled entries are
	// reclaimed by the scan GC once they fall behind the window.
	toDelete []event.AlertKey
}

func (m *mergeResult) empty() bool {
	return len(m.toAdd) == 0 && len(m.toUpdate) == 0 && len(m.toDelete) == 0
}

// computeMerge diffs provider alerts against known alerts for one scan
// window. Unchanged entries produce no write at all.
func computeMerge(known, provider []event.AlertEntry) mergeResult {
	var result mergeResult

	knownByKey := make(map[event.AlertKey]*event.AlertEntry, len(known))
	for i := range known {
		knownByKey[known[i].Key()] = &known[i]
	}

	seen := make(map[event.AlertKey]struct{}, len(provider))

	for i := range provider {
		cur := &provider[i]
		key := cur.Key()
		seen[key] = struct{}{}

		prev, ok := knownByKey[key]
		if !ok {
			result.toAdd = append(result.toAdd, event.AlertEntry{
				EventID:           cur.EventID,
				AlertTime:         cur.AlertTime,
				InstanceStartTime: cur.InstanceStartTime,
				InstanceEndTime:   cur.InstanceEndTime,
				AllDay:            cur.AllDay,
			})
			continue
		}

		if !prev.DetailsEqual(cur) {
			updated := *prev
			updated.InstanceEndTime = cur.InstanceEndTime
			updated.AllDay = cur.AllDay
			result.toUpdate = append(result.toUpdate, updated)
		}
	}

	for i := range known {
		entry := &known[i]
		if entry.CreatedByUs || entry.WasHandled {
			continue
		}

		if _, ok := seen[entry.Key()]; !ok {
			result.toDelete = append(result.toDelete, entry.Key())
		}
	}

	return result
}
