package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	. "github.com/smartystreets/goconvey/convey"
)

type fakeCalendarAPI struct {
	mu       sync.Mutex
	items    []*gcal.Event
	inserted []*gcal.Event
	queries  []string
}

func (f *fakeCalendarAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !strings.HasSuffix(r.URL.Path, "/events") {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	switch r.Method {
	case http.MethodGet:
		f.queries = append(f.queries, r.URL.RawQuery)
		_ = json.NewEncoder(w).Encode(&gcal.Events{Items: f.items})
	case http.MethodPost:
		var ev gcal.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ev.Id = "created"
		f.inserted = append(f.inserted, &ev)
		_ = json.NewEncoder(w).Encode(&ev)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func newTestGoogleStore(t *testing.T, api *fakeCalendarAPI) *GoogleStore {
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	svc, err := gcal.NewService(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	if err != nil {
		t.Fatalf("new calendar service: %v", err)
	}
	return NewGoogleStore(svc, map[string]Account{
		"alice": {Email: "alice@example.com"},
	})
}

func TestGoogleStoreOccupancy(t *testing.T) {
	Convey("Given a Google calendar with mixed events", t, func() {
		api := &fakeCalendarAPI{items: []*gcal.Event{
			{
				Id: "cancelled", Summary: "Gone", Status: "cancelled",
				Start: &gcal.EventDateTime{DateTime: "2026-01-16T09:00:00Z"},
				End:   &gcal.EventDateTime{DateTime: "2026-01-16T10:00:00Z"},
			},
			{
				Id: "free", Summary: "Reminder", Transparency: "transparent",
				Start: &gcal.EventDateTime{DateTime: "2026-01-16T09:00:00Z"},
				End:   &gcal.EventDateTime{DateTime: "2026-01-16T10:00:00Z"},
			},
			{
				Id: "sync", Summary: "Vendor Sync",
				Start: &gcal.EventDateTime{DateTime: "2026-01-16T09:00:00Z"},
				End:   &gcal.EventDateTime{DateTime: "2026-01-16T10:00:00Z"},
				Attendees: []*gcal.EventAttendee{
					{Email: "alice@example.com", Self: true},
					{Email: "rep@vendor.io"},
				},
				ExtendedProperties: &gcal.EventExtendedProperties{Private: map[string]string{
					propType:       "customer_call",
					propImportance: "9",
					propMovable:    "false",
				}},
			},
		}}
		s := newTestGoogleStore(t, api)
		from := time.Date(2026, 1, 16, 9, 0, 0, 0, time.UTC)

		Convey("When querying the busy hour", func() {
			occ, ok, err := s.Occupancy(context.Background(), "alice", from, from.Add(time.Hour))

			Convey("Then only the live event should count", func() {
				So(err, ShouldBeNil)
				So(ok, ShouldBeTrue)
				So(occ.Title, ShouldEqual, "Vendor Sync")
				So(occ.Type, ShouldEqual, "customer_call")
				So(occ.Importance, ShouldEqual, 9)
				So(occ.External, ShouldBeTrue)
				So(occ.Movable, ShouldBeFalse)
			})

			Convey("Then the query should be bounded and expanded", func() {
				So(api.queries, ShouldHaveLength, 1)
				So(api.queries[0], ShouldContainSubstring, "singleEvents=true")
				So(api.queries[0], ShouldContainSubstring, "timeMin=")
			})
		})

		Convey("When querying an unbound participant", func() {
			_, _, err := s.Occupancy(context.Background(), "mallory", from, from.Add(time.Hour))

			Convey("Then ErrUnknownCalendar should be returned", func() {
				So(errors.Is(err, ErrUnknownCalendar), ShouldBeTrue)
			})
		})
	})

	Convey("Given a Google calendar with only internal events", t, func() {
		api := &fakeCalendarAPI{items: []*gcal.Event{{
			Id: "1on1", Summary: "1:1",
			Start:     &gcal.EventDateTime{DateTime: "2026-01-16T14:00:00Z"},
			End:       &gcal.EventDateTime{DateTime: "2026-01-16T14:30:00Z"},
			Attendees: []*gcal.EventAttendee{{Email: "bob@example.com"}},
		}}}
		s := newTestGoogleStore(t, api)
		from := time.Date(2026, 1, 16, 14, 0, 0, 0, time.UTC)

		Convey("Then defaults should apply", func() {
			occ, ok, err := s.Occupancy(context.Background(), "alice", from, from.Add(time.Hour))
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)
			So(occ.External, ShouldBeFalse)
			So(occ.Movable, ShouldBeTrue)
			So(occ.Importance, ShouldEqual, defaultImportance)
			So(occ.Type, ShouldEqual, defaultEventType)
		})
	})
}

func TestGoogleStoreDeliver(t *testing.T) {
	Convey("Given a Google store", t, func() {
		api := &fakeCalendarAPI{}
		s := newTestGoogleStore(t, api)
		start := time.Date(2026, 1, 16, 11, 0, 0, 0, time.UTC)

		Convey("When delivering an invite", func() {
			err := s.Deliver(context.Background(), Invite{
				RequestID: "req-9",
				Title:     "Planning",
				Organizer: Attendee{ParticipantID: "alice", Email: "alice@example.com"},
				Attendees: []Attendee{{ParticipantID: "bob", Email: "bob@example.com"}, {ParticipantID: "carol"}},
				Start:     start,
				End:       start.Add(time.Hour),
			})

			Convey("Then one event should be created with the attendees", func() {
				So(err, ShouldBeNil)
				So(api.inserted, ShouldHaveLength, 1)
				ev := api.inserted[0]
				So(ev.Summary, ShouldEqual, "Planning")
				So(ev.Attendees, ShouldHaveLength, 1)
				So(ev.ExtendedProperties.Private[propType], ShouldEqual, ScheduledMeetingType)
				So(ev.ExtendedProperties.Private[propRequest], ShouldEqual, "req-9")
			})
		})

		Convey("When the organizer has no calendar", func() {
			err := s.Deliver(context.Background(), Invite{Organizer: Attendee{ParticipantID: "zed"}})

			Convey("Then ErrUnknownCalendar should be returned", func() {
				So(errors.Is(err, ErrUnknownCalendar), ShouldBeTrue)
			})
		})
	})
}

func TestNewGoogleService(t *testing.T) {
	Convey("Given OAuth settings", t, func() {
		dir := t.TempDir()

		Convey("When the token file is missing", func() {
			_, err := NewGoogleService(context.Background(), OAuthConfig{TokenFile: filepath.Join(dir, "none.json")})
			Convey("Then an error should be returned", func() {
				So(err, ShouldNotBeNil)
			})
		})

		Convey("When the token file is malformed", func() {
			path := filepath.Join(dir, "bad.json")
			So(os.WriteFile(path, []byte("{"), 0o600), ShouldBeNil)
			_, err := NewGoogleService(context.Background(), OAuthConfig{TokenFile: path})
			Convey("Then an error should be returned", func() {
				So(err, ShouldNotBeNil)
			})
		})

		Convey("When the token file is valid", func() {
			path := filepath.Join(dir, "token.json")
			So(os.WriteFile(path, []byte(`{"access_token":"x","token_type":"Bearer","refresh_token":"r"}`), 0o600), ShouldBeNil)
			svc, err := NewGoogleService(context.Background(), OAuthConfig{ClientID: "id", ClientSecret: "secret", TokenFile: path})
			Convey("Then a service should be built", func() {
				So(err, ShouldBeNil)
				So(svc, ShouldNotBeNil)
			})
		})
	})
}
