package ics

import (
	"time"

	"github.com/teambition/rrule-go"

	"calwatch/internal/logger"
)

// maxInstancesPerEvent bounds recurrence expansion so a pathological RRULE
// cannot stall a scan pass.
const maxInstancesPerEvent = 5000

// Instance is one concrete occurrence of an event inside an expansion
// window. Event carries the effective details: the base VEVENT, or the
// RECURRENCE-ID override when one matches this occurrence.
type Instance struct {
	Event ParsedEvent
	Start time.Time
	End   time.Time
}

// ExpandInstances expands one base event (plus its overrides) into the
// occurrences intersecting [from, to]. Handles single events, RRULE
// recurrence, EXDATE removal and RECURRENCE-ID overrides.
func ExpandInstances(ev ParsedEvent, overrides []ParsedEvent, from, to time.Time) []Instance {
	if ev.RawRRule == "" {
		return expandSingle(ev, overrides, from, to)
	}

	return expandRecurring(ev, overrides, from, to)
}

func expandSingle(ev ParsedEvent, overrides []ParsedEvent, from, to time.Time) []Instance {
	start, end := ev.Start, ev.End

	if o, ok := overrideForStart(overrides, start); ok {
		ev = o
		start, end = o.Start, o.End
	}

	if end.Before(from) || start.After(to) {
		return nil
	}

	return []Instance{{Event: ev, Start: start, End: end}}
}

func expandRecurring(ev ParsedEvent, overrides []ParsedEvent, from, to time.Time) []Instance {
	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		logger.Warn("failed to parse RRULE, treating event as single",
			"uid", ev.UID, "rrule", ev.RawRRule, "error", err.Error())
		return expandSingle(ev, overrides, from, to)
	}

	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)

	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	// Between operates in the event's own location.
	occTimes := set.Between(from.In(ev.Start.Location()), to.In(ev.Start.Location()), true)

	if len(occTimes) > maxInstancesPerEvent {
		logger.Warn("recurrence expansion truncated",
			"uid", ev.UID, "cap", maxInstancesPerEvent)
		occTimes = occTimes[:maxInstancesPerEvent]
	}

	dur := ev.End.Sub(ev.Start)
	out := make([]Instance, 0, len(occTimes))

	for _, occStart := range occTimes {
		var occEnd time.Time

		if ev.AllDay {
			date := time.Date(occStart.Year(), occStart.Month(), occStart.Day(),
				0, 0, 0, 0, occStart.Location())
			occStart = date
			occEnd = date.Add(24 * time.Hour)
		} else {
			occEnd = occStart.Add(dur)
		}

		inst := Instance{Event: ev, Start: occStart, End: occEnd}

		if o, ok := overrideForStart(overrides, occStart); ok {
			inst.Event = o
			inst.Start = o.Start
			inst.End = o.End
		}

		out = append(out, inst)
	}

	return out
}

// overrideForStart finds the override whose RECURRENCE-ID matches the
// given occurrence start exactly.
func overrideForStart(overrides []ParsedEvent, start time.Time) (ParsedEvent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence == nil {
			continue
		}
		if ov.Recurrence.In(start.Location()).Equal(start) {
			return ov, true
		}
	}

	return ParsedEvent{}, false
}
