package calendar

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/okian/blindslot/internal/domain/protocol"
)

// Fixtures is the YAML layout of a calendar fixture file:
//
//	calendars:
//	  alice:
//	    - title: Team Standup
//	      start: 2026-01-16T09:00:00Z
//	      end: 2026-01-16T09:30:00Z
//	      type: team_meeting
//	      importance: 5
type Fixtures struct {
	Calendars map[string][]Event `yaml:"calendars"`
}

// MemoryStore keeps calendars in memory. It implements Store and Deliverer.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string][]Event)}
}

// LoadFixtures reads YAML fixtures into the store.
func (s *MemoryStore) LoadFixtures(r io.Reader) error {
	var f Fixtures
	if err := yaml.NewDecoder(r).Decode(&f); err != nil && err != io.EOF {
		return fmt.Errorf("decode calendar fixtures: %w", err)
	}
	for pid, evs := range f.Calendars {
		for _, e := range evs {
			if !e.End.After(e.Start) {
				return fmt.Errorf("calendar fixture %q for %s: end must be after start", e.Title, pid)
			}
			s.Add(pid, e)
		}
	}
	return nil
}

// LoadFixtureFile is LoadFixtures on a file path.
func (s *MemoryStore) LoadFixtureFile(path string) error {
	f, err := os.Open(path) //nolint:gosec // operator-provided path
	if err != nil {
		return fmt.Errorf("open calendar fixtures: %w", err)
	}
	defer func() { _ = f.Close() }()
	return s.LoadFixtures(f)
}

// Add inserts e into participantID's calendar.
func (s *MemoryStore) Add(participantID string, e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := append(s.events[participantID], e)
	sort.SliceStable(evs, func(i, j int) bool { return evs[i].Start.Before(evs[j].Start) })
	s.events[participantID] = evs
}

// Events returns participantID's events ordered by start.
func (s *MemoryStore) Events(participantID string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.events[participantID]))
	copy(out, s.events[participantID])
	return out
}

// Occupancy implements Store.
func (s *MemoryStore) Occupancy(_ context.Context, participantID string, from, to time.Time) (protocol.Occupancy, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := mostImportant(s.events[participantID], from, to)
	if !ok {
		return protocol.Occupancy{}, false, nil
	}
	return e.Occupancy(), true, nil
}

// Deliver implements Deliverer by writing the meeting into every attendee's
// calendar, organizer included.
func (s *MemoryStore) Deliver(_ context.Context, inv Invite) error {
	movable := true
	for _, a := range append([]Attendee{inv.Organizer}, inv.Attendees...) {
		s.Add(a.ParticipantID, Event{
			ID:         inv.RequestID + "_" + a.ParticipantID,
			Title:      inv.Title,
			Start:      inv.Start,
			End:        inv.End,
			Type:       ScheduledMeetingType,
			Importance: ScheduledMeetingImportance,
			External:   inv.External,
			Movable:    &movable,
		})
	}
	return nil
}
