package ics

import (
	"testing"
	"time"

	"calwatch/internal/event"
)

const sampleICS = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Test//Test//EN
BEGIN:VEVENT
UID:meeting-1@example.com
SEQUENCE:2
SUMMARY:Weekly Planning
DESCRIPTION:Quarterly goals review
LOCATION:Room 12
DTSTART:20260316T100000Z
DTEND:20260316T110000Z
STATUS:TENTATIVE
ATTENDEE;PARTSTAT=ACCEPTED:mailto:me@example.com
BEGIN:VALARM
ACTION:DISPLAY
TRIGGER:-PT15M
END:VALARM
BEGIN:VALARM
ACTION:DISPLAY
TRIGGER:-PT1H
END:VALARM
END:VEVENT
BEGIN:VEVENT
UID:holiday-1@example.com
SUMMARY:Public Holiday
DTSTART;VALUE=DATE:20260401
END:VEVENT
BEGIN:VEVENT
UID:cancelled-1@example.com
SUMMARY:Cancelled Meeting
DTSTART:20260317T100000Z
DTEND:20260317T110000Z
STATUS:CANCELLED
END:VEVENT
END:VCALENDAR
`

func testSource() Source {
	return Source{CalendarID: 1, Name: "Test", URL: "https://example.com/cal.ics"}
}

func TestParseICS(t *testing.T) {
	events, err := ParseICS(testSource(), []byte(sampleICS))
	if err != nil {
		t.Fatalf("ParseICS failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}

	byUID := make(map[string]ParsedEvent)
	for _, ev := range events {
		byUID[ev.UID] = ev
	}

	meeting, ok := byUID["meeting-1@example.com"]
	if !ok {
		t.Fatal("missing meeting-1")
	}
	if meeting.Summary != "Weekly Planning" || meeting.Location != "Room 12" {
		t.Errorf("meeting fields wrong: %+v", meeting)
	}
	if meeting.Seq != 2 {
		t.Errorf("expected sequence 2, got %d", meeting.Seq)
	}
	if meeting.Status != event.StatusTentative {
		t.Errorf("expected tentative status, got %s", meeting.Status)
	}
	if meeting.Attendance != event.AttendanceAccepted {
		t.Errorf("expected accepted attendance, got %s", meeting.Attendance)
	}
	if meeting.AllDay {
		t.Error("timed event must not be all-day")
	}

	wantStart := time.Date(2026, 3, 16, 10, 0, 0, 0, time.UTC)
	if !meeting.Start.Equal(wantStart) {
		t.Errorf("expected start %v, got %v", wantStart, meeting.Start)
	}

	// VALARM offsets ascending in milliseconds.
	if len(meeting.Reminders) != 2 {
		t.Fatalf("expected 2 reminders, got %v", meeting.Reminders)
	}
	if meeting.Reminders[0] != 15*time.Minute.Milliseconds() ||
		meeting.Reminders[1] != time.Hour.Milliseconds() {
		t.Errorf("expected [15m, 1h] offsets, got %v", meeting.Reminders)
	}

	holiday, ok := byUID["holiday-1@example.com"]
	if !ok {
		t.Fatal("missing holiday-1")
	}
	if !holiday.AllDay {
		t.Error("VALUE=DATE event must be all-day")
	}
	if holiday.End.Sub(holiday.Start) != 24*time.Hour {
		t.Errorf("all-day event must span one day, got %v", holiday.End.Sub(holiday.Start))
	}

	cancelled := byUID["cancelled-1@example.com"]
	if cancelled.Status != event.StatusCancelled {
		t.Errorf("expected cancelled status, got %s", cancelled.Status)
	}
}

func TestParseICS_Empty(t *testing.T) {
	if _, err := ParseICS(testSource(), nil); err == nil {
		t.Error("expected error for empty body")
	}
}

func TestParseICSDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "-PT15M", want: -15 * time.Minute},
		{in: "-PT1H", want: -time.Hour},
		{in: "-P1D", want: -24 * time.Hour},
		{in: "-P1DT2H30M", want: -(26*time.Hour + 30*time.Minute)},
		{in: "PT30S", want: 30 * time.Second},
		{in: "P2W", want: 14 * 24 * time.Hour},
		{in: "-pt10m", want: -10 * time.Minute},
		{in: "+PT5M", want: 5 * time.Minute},
		{in: "", wantErr: true},
		{in: "15M", wantErr: true},
		{in: "-PT15", wantErr: true},
		{in: "P1X", wantErr: true},
	}

	for _, tt := range tests {
		got, err := parseICSDuration(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseICSDuration(%q): expected error, got %v", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseICSDuration(%q) failed: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseICSDuration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseICSTime(t *testing.T) {
	got, err := parseICSTime("20260316T100000Z")
	if err != nil {
		t.Fatalf("parseICSTime failed: %v", err)
	}
	want := time.Date(2026, 3, 16, 10, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	got, err = parseICSTime("20260401")
	if err != nil {
		t.Fatalf("parseICSTime failed: %v", err)
	}
	if got.Year() != 2026 || got.Month() != time.April || got.Day() != 1 {
		t.Errorf("unexpected date: %v", got)
	}

	if _, err := parseICSTime("not-a-time"); err == nil {
		t.Error("expected error for garbage input")
	}
}
