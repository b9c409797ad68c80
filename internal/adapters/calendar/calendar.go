// Package calendar adapts participant calendars: occupancy lookups for the
// scorers and invite delivery once a slot is resolved.
package calendar

import (
	"context"
	"errors"
	"time"

	"github.com/okian/blindslot/internal/domain/protocol"
)

// Event type and importance given to delivered invites.
const (
	ScheduledMeetingType       = "scheduled_meeting"
	ScheduledMeetingImportance = 5
)

// ErrUnknownCalendar is returned for participants without a calendar.
var ErrUnknownCalendar = errors.New("unknown calendar")

// Event is one calendar entry.
type Event struct {
	ID         string    `yaml:"id"`
	Title      string    `yaml:"title"`
	Start      time.Time `yaml:"start"`
	End        time.Time `yaml:"end"`
	Type       string    `yaml:"type"`
	Importance int       `yaml:"importance"`
	External   bool      `yaml:"external"`
	// Movable defaults to true in fixtures when omitted.
	Movable *bool `yaml:"movable,omitempty"`
}

// Overlaps reports whether e intersects [from, to).
func (e Event) Overlaps(from, to time.Time) bool {
	return e.Start.Before(to) && e.End.After(from)
}

// Occupancy converts e to the protocol view.
func (e Event) Occupancy() protocol.Occupancy {
	movable := true
	if e.Movable != nil {
		movable = *e.Movable
	}
	return protocol.Occupancy{
		Title:      e.Title,
		Type:       e.Type,
		Importance: e.Importance,
		External:   e.External,
		Movable:    movable,
	}
}

// Store answers "what occupies [from, to) for a participant".
type Store interface {
	// Occupancy returns the most important overlapping event, if any.
	Occupancy(ctx context.Context, participantID string, from, to time.Time) (protocol.Occupancy, bool, error)
}

// Attendee is an invite recipient.
type Attendee struct {
	ParticipantID string
	Email         string
}

// Invite describes a resolved meeting.
type Invite struct {
	RequestID string
	Title     string
	Type      string
	Organizer Attendee
	Attendees []Attendee
	Start     time.Time
	End       time.Time
	External  bool
}

// Deliverer sends invites for a resolved meeting.
type Deliverer interface {
	Deliver(ctx context.Context, inv Invite) error
}

// mostImportant picks the highest-importance overlapping event. Earlier
// events win ties.
func mostImportant(events []Event, from, to time.Time) (Event, bool) {
	var (
		best  Event
		found bool
	)
	for _, e := range events {
		if !e.Overlaps(from, to) {
			continue
		}
		if !found || e.Importance > best.Importance {
			best, found = e, true
		}
	}
	return best, found
}
