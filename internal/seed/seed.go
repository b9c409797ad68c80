// Package seed provides the demo workspace: three profiles, a packed day of
// calendar events each, and a short decision history for alice.
package seed

import (
	"context"
	"fmt"
	"time"

	"github.com/okian/blindslot/internal/adapters/calendar"
	"github.com/okian/blindslot/internal/adapters/repository"
	"github.com/okian/blindslot/internal/config"
	"github.com/okian/blindslot/internal/domain/protocol"
)

// Profiles returns the demo participants.
func Profiles() []config.Profile {
	return []config.Profile{
		{ID: "alice", Name: "Alice Chen", Email: "alice@company.com", PreferredTimes: []string{"afternoon"}},
		{ID: "bob", Name: "Bob Smith", Email: "bob@company.com", PreferredTimes: []string{"morning"}},
		{ID: "carol", Name: "Carol Jones", Email: "carol@company.com"},
	}
}

type entry struct {
	title      string
	from, to   time.Duration
	kind       string
	importance int
	external   bool
}

func hm(h, m int) time.Duration { return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute }

var calendars = map[string][]entry{
	// Busy executive. Free: 8:30, 9:30, 12:30-14:00, 14:30, 16:00.
	"alice": {
		{"Morning Meditation", hm(8, 0), hm(8, 30), "personal", 3, false},
		{"Team Standup", hm(9, 0), hm(9, 30), "team_meeting", 5, false},
		{"Customer Call - Acme Corp", hm(10, 0), hm(11, 0), "customer_call", 9, true},
		{"Q1 Strategy Review", hm(11, 0), hm(12, 0), "team_meeting", 7, false},
		{"Quick Lunch", hm(12, 0), hm(12, 30), "personal", 2, false},
		{"1:1 with Manager", hm(14, 0), hm(14, 30), "manager_1on1", 7, false},
		{"Product Review", hm(15, 0), hm(16, 0), "team_meeting", 6, false},
		{"Board Prep Call", hm(16, 30), hm(17, 0), "internal_meeting", 8, false},
	},
	// Engineer with focus blocks. Free: 8:00, 15:30.
	"bob": {
		{"Email & Slack Catchup", hm(8, 30), hm(9, 0), "admin", 3, false},
		{"Focus Time - Feature Dev", hm(9, 0), hm(11, 0), "focus_time", 6, false},
		{"Code Review Session", hm(11, 0), hm(11, 30), "team_meeting", 5, false},
		{"Tech Debt Planning", hm(11, 30), hm(12, 0), "team_meeting", 4, false},
		{"Lunch Break", hm(12, 0), hm(12, 30), "personal", 2, false},
		{"Mentoring Session", hm(12, 30), hm(13, 0), "internal_1on1", 5, false},
		{"Interview - Senior Eng", hm(13, 0), hm(14, 0), "interview", 8, true},
		{"Architecture Discussion", hm(14, 0), hm(15, 0), "team_meeting", 6, false},
		{"1:1 with Alice", hm(15, 0), hm(15, 30), "internal_1on1", 5, false},
		{"Focus Time - Bug Fixes", hm(16, 0), hm(17, 0), "focus_time", 6, false},
	},
	// PM with back-to-back meetings. Free: 8:00-9:00, 9:30, 11:30, 12:30, 15:00.
	"carol": {
		{"Daily Scrum", hm(9, 0), hm(9, 30), "team_meeting", 5, false},
		{"Sprint Planning", hm(10, 0), hm(11, 30), "team_meeting", 8, false},
		{"Stakeholder Update", hm(12, 0), hm(12, 30), "external_meeting", 7, true},
		{"Design Review", hm(13, 0), hm(14, 0), "team_meeting", 6, false},
		{"Vendor Call - Tools", hm(14, 0), hm(14, 30), "vendor_call", 6, true},
		{"Quick Budget Review", hm(14, 30), hm(15, 0), "internal_meeting", 4, false},
		{"Backlog Grooming", hm(15, 30), hm(16, 30), "team_meeting", 5, false},
		{"Customer Success Sync", hm(16, 30), hm(17, 0), "internal_meeting", 5, false},
	},
}

// Calendar fills store with the demo events on day (midnight in its location).
func Calendar(store *calendar.MemoryStore, day time.Time) {
	for pid, entries := range calendars {
		for i, e := range entries {
			store.Add(pid, calendar.Event{
				ID:         fmt.Sprintf("seed_%s_%d", pid, i),
				Title:      e.title,
				Start:      day.Add(e.from),
				End:        day.Add(e.to),
				Type:       e.kind,
				Importance: e.importance,
				External:   e.external,
			})
		}
	}
}

// Decisions returns alice's demo history relative to now, oldest first.
func Decisions(now time.Time) []protocol.DecisionRecord {
	const daysAgo = 24 * time.Hour
	return []protocol.DecisionRecord{
		{
			ParticipantID:     "alice",
			Timestamp:         now.Add(-5 * daysAgo),
			MeetingType:       "customer_call",
			ConflictingType:   "internal_1on1",
			RecommendedAction: protocol.ActionRescheduleExisting,
			UserAction:        protocol.UserAccepted,
			Notes:             "Rescheduled 1:1 for customer call",
		},
		{
			ParticipantID:     "alice",
			Timestamp:         now.Add(-3 * daysAgo),
			MeetingType:       "internal_meeting",
			ConflictingType:   "manager_1on1",
			RecommendedAction: protocol.ActionRescheduleExisting,
			UserAction:        protocol.UserRejected,
			Notes:             "User protected manager 1:1",
		},
		{
			ParticipantID:     "alice",
			Timestamp:         now.Add(-1 * daysAgo),
			MeetingType:       "customer_call",
			ConflictingType:   "team_meeting",
			RecommendedAction: protocol.ActionRescheduleExisting,
			UserAction:        protocol.UserAccepted,
			Notes:             "Rescheduled team standup for customer",
		},
	}
}

// History appends Decisions(now) to store.
func History(ctx context.Context, store repository.DecisionStore, now time.Time) error {
	for _, rec := range Decisions(now) {
		if _, err := store.Append(ctx, rec); err != nil {
			return fmt.Errorf("seed history: %w", err)
		}
	}
	return nil
}

// Request is the demo request: alice, bob and carol between 8:00 and 17:00
// on day in half-hour steps.
func Request(day time.Time, title, meetingType string) protocol.SchedulingRequest {
	return protocol.SchedulingRequest{
		Initiator: "alice",
		Participants: []protocol.Participant{
			{ID: "alice", Role: protocol.RoleInitiator},
			{ID: "bob", Role: protocol.RoleRequired},
			{ID: "carol", Role: protocol.RoleOptional},
		},
		Window: protocol.Window{
			Start:    day.Add(hm(8, 0)),
			End:      day.Add(hm(17, 0)),
			Step:     30 * time.Minute,
			Duration: 30 * time.Minute,
			DayStart: 8,
			DayEnd:   17,
		},
		Meeting: protocol.Meeting{Title: title, Organizer: "alice", Type: meetingType},
	}
}
