package ics

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"calwatch/internal/event"
	"calwatch/internal/logger"
)

// ParsedEvent is the normalized form of one VEVENT. Recurrence expansion
// operates on this type; the provider composes it with reminder offsets
// into alert instances.
type ParsedEvent struct {
	Source Source

	UID string
	Seq int

	Summary     string
	Description string
	Location    string

	Start  time.Time
	End    time.Time
	AllDay bool

	RawRRule string
	ExDates  []time.Time

	// Recurrence is the RECURRENCE-ID when this VEVENT overrides one
	// instance of a recurring series.
	Recurrence *time.Time
	IsOverride bool

	Status     event.Status
	Attendance event.Attendance

	// Reminders holds VALARM trigger offsets in milliseconds before the
	// instance start, ascending. Empty when the feed carries no VALARM.
	Reminders []int64
}

// ParseICS parses one ICS payload into normalized events. Individual
// malformed VEVENTs are logged and skipped; the rest of the feed still
// parses.
func ParseICS(src Source, body []byte) ([]ParsedEvent, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var events []ParsedEvent

	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(src, comp)
		if perr != nil {
			logger.Warn("ics vevent parse failed",
				"calendar_id", src.CalendarID, "url", redactURL(src.URL), "error", perr.Error())
			continue
		}
		events = append(events, ev)
	}

	logger.Debug("ics parsed",
		"calendar_id", src.CalendarID, "url", redactURL(src.URL), "events", len(events))

	return events, nil
}

func parseVEvent(src Source, ve *ical.VEvent) (ParsedEvent, error) {
	out := ParsedEvent{Source: src}

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uidProp.Value

	if p := ve.GetProperty(ical.ComponentPropertySequence); p != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil {
			out.Seq = n
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}

	start, _ := ve.GetStartAt()
	end, _ := ve.GetEndAt()
	out.Start = start
	out.End = end

	if dtStart := ve.GetProperty(ical.ComponentPropertyDtStart); dtStart != nil {
		if params := dtStart.ICalParameters; params != nil {
			if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
				out.AllDay = true
			}
		}
		if !strings.Contains(dtStart.Value, "T") {
			out.AllDay = true
		}
	}

	if out.AllDay && out.End.IsZero() {
		out.End = out.Start.Add(24 * time.Hour)
	}
	if out.End.IsZero() {
		out.End = out.Start
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = p.Value
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTime(part); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	if p := ve.GetProperty("RECURRENCE-ID"); p != nil {
		if t, err := parseICSTime(p.Value); err == nil {
			out.Recurrence = &t
			out.IsOverride = true
		}
	}

	out.Status = parseStatus(ve)
	out.Attendance = parseAttendance(ve)
	out.Reminders = parseReminders(ve)

	return out, nil
}

// parseStatus maps the VEVENT STATUS property onto the engine's event
// status. Absent or unknown values default to confirmed.
func parseStatus(ve *ical.VEvent) event.Status {
	p := ve.GetProperty("STATUS")
	if p == nil {
		return event.StatusConfirmed
	}

	switch strings.ToUpper(strings.TrimSpace(p.Value)) {
	case "TENTATIVE":
		return event.StatusTentative
	case "CANCELLED":
		return event.StatusCancelled
	default:
		return event.StatusConfirmed
	}
}

// parseAttendance maps the first ATTENDEE PARTSTAT onto the engine's
// attendance. Feeds exported for one subscriber list that subscriber
// first, when they list attendees at all.
func parseAttendance(ve *ical.VEvent) event.Attendance {
	for _, p := range ve.GetProperties("ATTENDEE") {
		params := p.ICalParameters
		if params == nil {
			continue
		}

		ps, ok := params["PARTSTAT"]
		if !ok || len(ps) == 0 {
			continue
		}

		switch strings.ToUpper(ps[0]) {
		case "DECLINED":
			return event.AttendanceDeclined
		case "ACCEPTED":
			return event.AttendanceAccepted
		case "TENTATIVE":
			return event.AttendanceTentative
		default:
			return event.AttendanceNone
		}
	}

	return event.AttendanceNone
}

// parseReminders extracts VALARM trigger offsets as positive milliseconds
// before the instance start. Absolute-time triggers and triggers after the
// start are skipped; they have no stable meaning across recurring
// instances.
func parseReminders(ve *ical.VEvent) []int64 {
	var offsets []int64

	for _, alarm := range ve.Alarms() {
		p := alarm.GetProperty("TRIGGER")
		if p == nil {
			continue
		}

		d, err := parseICSDuration(p.Value)
		if err != nil {
			logger.Debug("skipping unparseable VALARM trigger", "trigger", p.Value)
			continue
		}

		if d > 0 {
			continue
		}

		offset := int64(-d / time.Millisecond)

		dup := false
		for _, o := range offsets {
			if o == offset {
				dup = true
				break
			}
		}
		if !dup {
			offsets = append(offsets, offset)
		}
	}

	// Ascending: smallest offset is closest to the event.
	for i := 1; i < len(offsets); i++ {
		for j := i; j > 0 && offsets[j] < offsets[j-1]; j-- {
			offsets[j], offsets[j-1] = offsets[j-1], offsets[j]
		}
	}

	return offsets
}

// parseICSDuration parses an RFC 5545 duration such as "-PT15M" or
// "-P1DT2H30M". Weeks, days, hours, minutes and seconds are supported.
func parseICSDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(strings.ToUpper(v))
	if v == "" {
		return 0, errors.New("empty duration")
	}

	neg := false
	switch v[0] {
	case '-':
		neg = true
		v = v[1:]
	case '+':
		v = v[1:]
	}

	if len(v) == 0 || v[0] != 'P' {
		return 0, errors.New("not a duration")
	}
	v = v[1:]

	var (
		total  time.Duration
		num    int64
		inTime bool
		digits bool
	)

	for i := 0; i < len(v); i++ {
		c := v[i]

		switch {
		case c >= '0' && c <= '9':
			num = num*10 + int64(c-'0')
			digits = true
		case c == 'T':
			inTime = true
		case c == 'W' && !inTime:
			total += time.Duration(num) * 7 * 24 * time.Hour
			num, digits = 0, false
		case c == 'D' && !inTime:
			total += time.Duration(num) * 24 * time.Hour
			num, digits = 0, false
		case c == 'H' && inTime:
			total += time.Duration(num) * time.Hour
			num, digits = 0, false
		case c == 'M' && inTime:
			total += time.Duration(num) * time.Minute
			num, digits = 0, false
		case c == 'S' && inTime:
			total += time.Duration(num) * time.Second
			num, digits = 0, false
		default:
			return 0, errors.New("invalid duration component")
		}
	}

	if digits {
		return 0, errors.New("trailing digits in duration")
	}

	if neg {
		total = -total
	}

	return total, nil
}

// parseICSTime parses a bare ICS date or date-time value, as found in
// EXDATE and RECURRENCE-ID.
func parseICSTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}

	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, time.Local)
	}

	return time.ParseInLocation("20060102", v, time.Local)
}
