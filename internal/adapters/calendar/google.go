package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/okian/blindslot/internal/domain/protocol"
)

// Private extended property keys carrying the scheduling signals.
const (
	propImportance = "blindslot_importance"
	propType       = "blindslot_type"
	propMovable    = "blindslot_movable"
	propRequest    = "blindslot_request"

	defaultImportance = 5
	defaultEventType  = "meeting"
	primaryCalendar   = "primary"
)

// Account binds a participant to a Google calendar.
type Account struct {
	CalendarID string
	Email      string
}

// OAuthConfig holds the installed-app credentials and a stored token.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	// TokenFile holds an oauth2.Token as JSON.
	TokenFile string
}

// NewGoogleService builds a Calendar service authorized by the stored token.
func NewGoogleService(ctx context.Context, cfg OAuthConfig) (*gcal.Service, error) {
	raw, err := os.ReadFile(cfg.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("read google token: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("parse google token: %w", err)
	}

	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gcal.CalendarEventsScope},
	}
	client := oauth2.NewClient(ctx, conf.TokenSource(ctx, &tok))

	svc, err := gcal.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("failed to create Calendar service: %w", err)
	}
	return svc, nil
}

// GoogleStore implements Store and Deliverer on Google Calendar.
type GoogleStore struct {
	svc      *gcal.Service
	accounts map[string]Account
}

// NewGoogleStore creates a store over svc. accounts maps participant ids to
// their calendars.
func NewGoogleStore(svc *gcal.Service, accounts map[string]Account) *GoogleStore {
	cp := make(map[string]Account, len(accounts))
	for id, a := range accounts {
		if a.CalendarID == "" {
			a.CalendarID = primaryCalendar
		}
		cp[id] = a
	}
	return &GoogleStore{svc: svc, accounts: cp}
}

// Occupancy implements Store.
func (s *GoogleStore) Occupancy(ctx context.Context, participantID string, from, to time.Time) (protocol.Occupancy, bool, error) {
	acct, ok := s.accounts[participantID]
	if !ok {
		return protocol.Occupancy{}, false, fmt.Errorf("%w: %q", ErrUnknownCalendar, participantID)
	}

	res, err := s.svc.Events.List(acct.CalendarID).
		TimeMin(from.Format(time.RFC3339)).
		TimeMax(to.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		Context(ctx).
		Do()
	if err != nil {
		return protocol.Occupancy{}, false, fmt.Errorf("failed to list events: %w", err)
	}

	events := make([]Event, 0, len(res.Items))
	for _, item := range res.Items {
		e, ok := fromGoogle(item, acct.Email)
		if ok {
			events = append(events, e)
		}
	}
	e, ok := mostImportant(events, from, to)
	if !ok {
		return protocol.Occupancy{}, false, nil
	}
	return e.Occupancy(), true, nil
}

// Deliver implements Deliverer: the organizer's calendar gets the event and
// Google sends the invitations.
func (s *GoogleStore) Deliver(ctx context.Context, inv Invite) error {
	acct, ok := s.accounts[inv.Organizer.ParticipantID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCalendar, inv.Organizer.ParticipantID)
	}

	attendees := make([]*gcal.EventAttendee, 0, len(inv.Attendees))
	for _, a := range inv.Attendees {
		if a.Email == "" {
			continue
		}
		attendees = append(attendees, &gcal.EventAttendee{Email: a.Email})
	}

	event := &gcal.Event{
		Summary:   inv.Title,
		Start:     &gcal.EventDateTime{DateTime: inv.Start.Format(time.RFC3339), TimeZone: "UTC"},
		End:       &gcal.EventDateTime{DateTime: inv.End.Format(time.RFC3339), TimeZone: "UTC"},
		Attendees: attendees,
		ExtendedProperties: &gcal.EventExtendedProperties{
			Private: map[string]string{
				propType:       ScheduledMeetingType,
				propImportance: strconv.Itoa(ScheduledMeetingImportance),
				propMovable:    "true",
				propRequest:    inv.RequestID,
			},
		},
	}

	if _, err := s.svc.Events.Insert(acct.CalendarID, event).SendUpdates("all").Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}
	return nil
}

// fromGoogle converts a Google event. Cancelled, transparent (free) and
// declined events do not occupy time.
func fromGoogle(item *gcal.Event, selfEmail string) (Event, bool) {
	if item.Status == "cancelled" || item.Transparency == "transparent" {
		return Event{}, false
	}
	for _, a := range item.Attendees {
		if a.Self && a.ResponseStatus == "declined" {
			return Event{}, false
		}
	}
	start, err1 := parseEventTime(item.Start)
	end, err2 := parseEventTime(item.End)
	if err1 != nil || err2 != nil {
		return Event{}, false
	}

	e := Event{
		ID:         item.Id,
		Title:      item.Summary,
		Start:      start,
		End:        end,
		Type:       defaultEventType,
		Importance: defaultImportance,
		External:   hasExternalAttendee(item.Attendees, selfEmail),
	}
	if item.EventType != "" && item.EventType != "default" {
		e.Type = item.EventType
	}
	if item.ExtendedProperties != nil {
		props := item.ExtendedProperties.Private
		if t := props[propType]; t != "" {
			e.Type = t
		}
		if v, err := strconv.Atoi(props[propImportance]); err == nil {
			e.Importance = v
		}
		if v, err := strconv.ParseBool(props[propMovable]); err == nil {
			e.Movable = &v
		}
	}
	return e, true
}

// parseEventTime handles timed and all-day events.
func parseEventTime(dt *gcal.EventDateTime) (time.Time, error) {
	if dt == nil {
		return time.Time{}, fmt.Errorf("missing event time")
	}
	if dt.DateTime != "" {
		return time.Parse(time.RFC3339, dt.DateTime)
	}
	return time.Parse(time.DateOnly, dt.Date)
}

// hasExternalAttendee reports whether any attendee's domain differs from the
// participant's own.
func hasExternalAttendee(attendees []*gcal.EventAttendee, selfEmail string) bool {
	own := emailDomain(selfEmail)
	if own == "" {
		return false
	}
	for _, a := range attendees {
		if a.Resource {
			continue
		}
		if d := emailDomain(a.Email); d != "" && d != own {
			return true
		}
	}
	return false
}

func emailDomain(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}
