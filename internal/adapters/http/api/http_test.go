package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/okian/blindslot/internal/adapters/http/api"
	eventqueue "github.com/okian/blindslot/internal/adapters/mq/queue"
	"github.com/okian/blindslot/internal/domain/coordinator"
	"github.com/okian/blindslot/internal/domain/dedupe"
	"github.com/okian/blindslot/internal/domain/escalation"
	"github.com/okian/blindslot/internal/domain/participant"
	"github.com/okian/blindslot/internal/domain/protocol"
	. "github.com/smartystreets/goconvey/convey"
)

// mockDependencies records calls and returns canned results.
type mockDependencies struct {
	submitted []protocol.SchedulingRequest
	submitErr error

	states    map[string]coordinator.State
	cancelErr error
	cancelled []string

	choices   []escalation.Choice
	chooseErr error
	pending   []escalation.Pending

	envelope   participant.Envelope
	meetingErr error
	decisions  []protocol.DecisionRecord
	recorded   []protocol.DecisionRecord
}

func (m *mockDependencies) Submit(_ context.Context, req protocol.SchedulingRequest) (string, error) {
	if m.submitErr != nil {
		return "", m.submitErr
	}
	m.submitted = append(m.submitted, req)
	if req.ID == "" {
		return "generated", nil
	}
	return req.ID, nil
}

func (m *mockDependencies) Status(_ context.Context, id string) (coordinator.State, error) {
	st, ok := m.states[id]
	if !ok {
		return coordinator.State{}, fmt.Errorf("%w: %q", protocol.ErrUnknownRequest, id)
	}
	return st, nil
}

func (m *mockDependencies) Cancel(_ context.Context, id string) error {
	if m.cancelErr != nil {
		return m.cancelErr
	}
	m.cancelled = append(m.cancelled, id)
	return nil
}

func (m *mockDependencies) Choose(_ context.Context, _, participantID string, c escalation.Choice) error {
	if m.chooseErr != nil {
		return m.chooseErr
	}
	if participantID != "alice" {
		return fmt.Errorf("choose: %w", protocol.ErrNotEntitled)
	}
	m.choices = append(m.choices, c)
	return nil
}

func (m *mockDependencies) Pending(initiator string) []escalation.Pending {
	var out []escalation.Pending
	for _, p := range m.pending {
		if p.Initiator == initiator {
			out = append(out, p)
		}
	}
	return out
}

func (m *mockDependencies) Meeting(_ context.Context, participantID, _ string) (participant.Envelope, error) {
	if participantID != "alice" {
		return participant.Envelope{}, participant.ErrNoMeeting
	}
	return m.envelope, m.meetingErr
}

func (m *mockDependencies) Decisions(_ context.Context, participantID string, limit int) ([]protocol.DecisionRecord, error) {
	if participantID == "mallory" {
		return nil, fmt.Errorf("%w: %q", protocol.ErrUnknownParticipant, participantID)
	}
	if limit > 0 && limit < len(m.decisions) {
		return m.decisions[:limit], nil
	}
	return m.decisions, nil
}

func (m *mockDependencies) RecordDecision(_ context.Context, participantID string, rec protocol.DecisionRecord) (protocol.DecisionRecord, error) {
	rec.ParticipantID = participantID
	rec.ID = "rec-1"
	m.recorded = append(m.recorded, rec)
	return rec, nil
}

type mockStatsProvider struct {
	stats map[string]interface{}
}

func (m *mockStatsProvider) GetStats() map[string]interface{} {
	return m.stats
}

func newMux(deps *mockDependencies) *http.ServeMux {
	mux := http.NewServeMux()
	api.NewServer(deps, &mockStatsProvider{stats: map[string]interface{}{"started": true}}).Register(mux)
	return mux
}

func do(mux *http.ServeMux, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func errorCode(w *httptest.ResponseRecorder) string {
	var body struct {
		Code string `json:"code"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return body.Code
}

const validSubmit = `{
	"request_id": "req-1",
	"initiator": "alice",
	"participants": [{"id": "alice"}, {"id": "bob", "role": "required", "weight": 1.5}],
	"window": {"start": "2026-01-16T09:00:00Z", "end": "2026-01-16T13:00:00Z", "step_minutes": 60, "duration_minutes": 30},
	"meeting": {"title": "Planning", "type": "planning"}
}`

func TestServer_Register(t *testing.T) {
	Convey("Given a registered API server", t, func() {
		mux := newMux(&mockDependencies{})

		Convey("When hitting the health endpoint", func() {
			w := do(mux, http.MethodGet, "/healthz", "")

			Convey("Then it should serve metrics", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
			})
		})

		Convey("When hitting the stats endpoint", func() {
			w := do(mux, http.MethodGet, "/stats", "")

			Convey("Then it should return the provider's stats", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				var stats map[string]interface{}
				So(json.Unmarshal(w.Body.Bytes(), &stats), ShouldBeNil)
				So(stats["started"], ShouldEqual, true)
			})
		})

		Convey("When using a method a route does not serve", func() {
			w := do(mux, http.MethodPut, "/requests/req-1", "")

			Convey("Then the mux should refuse it", func() {
				So(w.Code, ShouldEqual, http.StatusMethodNotAllowed)
			})
		})
	})
}

func TestRequestsHandler_Submit(t *testing.T) {
	Convey("Given the submit endpoint", t, func() {
		deps := &mockDependencies{}
		mux := newMux(deps)

		Convey("When posting a valid request", func() {
			w := do(mux, http.MethodPost, "/requests", validSubmit)

			Convey("Then it should be accepted and translated", func() {
				So(w.Code, ShouldEqual, http.StatusAccepted)
				So(w.Body.String(), ShouldContainSubstring, `"request_id":"req-1"`)
				So(deps.submitted, ShouldHaveLength, 1)
				req := deps.submitted[0]
				So(req.Window.Step, ShouldEqual, time.Hour)
				So(req.Window.Duration, ShouldEqual, 30*time.Minute)
				So(req.Window.Start.Equal(time.Date(2026, 1, 16, 9, 0, 0, 0, time.UTC)), ShouldBeTrue)
				So(req.Participants[1].Weight, ShouldEqual, 1.5)
				So(req.Meeting.Title, ShouldEqual, "Planning")
			})
		})

		Convey("When posting malformed bodies", func() {
			badJSON := do(mux, http.MethodPost, "/requests", "{")
			noInitiator := do(mux, http.MethodPost, "/requests", `{"participants":[{"id":"a"}]}`)
			badTime := do(mux, http.MethodPost, "/requests", strings.Replace(validSubmit, "2026-01-16T09:00:00Z", "tomorrow", 1))

			Convey("Then each should be a bad request", func() {
				for _, w := range []*httptest.ResponseRecorder{badJSON, noInitiator, badTime} {
					So(w.Code, ShouldEqual, http.StatusBadRequest)
					So(errorCode(w), ShouldEqual, "bad_request")
				}
				So(deps.submitted, ShouldBeEmpty)
			})
		})

		Convey("When the service rejects the request", func() {
			cases := []struct {
				err    error
				status int
				code   string
			}{
				{fmt.Errorf("%w: window", protocol.ErrInvalidInput), http.StatusBadRequest, "bad_request"},
				{fmt.Errorf("%w: %q", protocol.ErrUnknownParticipant, "mallory"), http.StatusBadRequest, "bad_request"},
				{dedupe.ErrInFlight, http.StatusConflict, "in_flight"},
				{eventqueue.ErrFull, http.StatusTooManyRequests, "backpressure"},
				{eventqueue.ErrClosed, http.StatusServiceUnavailable, "unavailable"},
				{fmt.Errorf("boom"), http.StatusInternalServerError, "internal_error"},
			}

			Convey("Then errors should map to statuses", func() {
				for _, c := range cases {
					deps.submitErr = c.err
					w := do(mux, http.MethodPost, "/requests", validSubmit)
					So(w.Code, ShouldEqual, c.status)
					So(errorCode(w), ShouldEqual, c.code)
				}
			})
		})
	})
}

func TestRequestsHandler_Status(t *testing.T) {
	Convey("Given a request that was disclosed", t, func() {
		deps := &mockDependencies{states: map[string]coordinator.State{
			"req-1": {
				RequestID:    "req-1",
				Initiator:    "alice",
				Phase:        protocol.PhaseDisclosed,
				Tokens:       protocol.TokenList{"tok-a", "tok-b"},
				Scores:       map[protocol.Token]float64{"tok-a": 80, "tok-b": 40},
				Contributors: []string{"alice", "bob"},
				Decision:     &protocol.EscalationDecision{Recommended: "tok-a", Options: []protocol.Option{{Token: "tok-a", Score: 80}}},
				Winner:       "tok-a",
			},
		}}
		mux := newMux(deps)

		Convey("When fetching its status", func() {
			w := do(mux, http.MethodGet, "/requests/req-1", "")

			Convey("Then the phase should show but not the winner", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				var body map[string]interface{}
				So(json.Unmarshal(w.Body.Bytes(), &body), ShouldBeNil)
				So(body["phase"], ShouldEqual, "disclosed")
				So(body["resolved"], ShouldEqual, true)
				So(body["escalated"], ShouldEqual, false)
				So(body, ShouldNotContainKey, "winner")
				So(body, ShouldNotContainKey, "scores")
			})

			Convey("Then the ranked options should stay with the initiator", func() {
				var body map[string]interface{}
				So(json.Unmarshal(w.Body.Bytes(), &body), ShouldBeNil)
				So(body, ShouldNotContainKey, "options")
				So(body, ShouldNotContainKey, "recommended")
				So(w.Body.String(), ShouldNotContainSubstring, `"score"`)
			})
		})

		Convey("When fetching an unknown request", func() {
			w := do(mux, http.MethodGet, "/requests/nope", "")

			Convey("Then it should be not found", func() {
				So(w.Code, ShouldEqual, http.StatusNotFound)
				So(errorCode(w), ShouldEqual, "not_found")
			})
		})

		Convey("When cancelling", func() {
			ok := do(mux, http.MethodDelete, "/requests/req-1", "")
			deps.cancelErr = fmt.Errorf("%w: %q", protocol.ErrUnknownRequest, "req-2")
			missing := do(mux, http.MethodDelete, "/requests/req-2", "")

			Convey("Then in-flight requests are cancelled and others not found", func() {
				So(ok.Code, ShouldEqual, http.StatusNoContent)
				So(deps.cancelled, ShouldResemble, []string{"req-1"})
				So(missing.Code, ShouldEqual, http.StatusNotFound)
			})
		})
	})
}

func TestRequestsHandler_Choice(t *testing.T) {
	Convey("Given an escalated request", t, func() {
		deps := &mockDependencies{pending: []escalation.Pending{
			{RequestID: "req-1", Initiator: "alice", Reason: protocol.ReasonTooClose, Options: []protocol.Option{{Token: "tok-a", Score: 70}}},
			{RequestID: "req-2", Initiator: "bob", Reason: protocol.ReasonNoQuorum},
		}}
		mux := newMux(deps)

		Convey("When listing pending escalations for an initiator", func() {
			w := do(mux, http.MethodGet, "/requests/pending?initiator=alice", "")

			Convey("Then only theirs should be listed", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				var body []map[string]interface{}
				So(json.Unmarshal(w.Body.Bytes(), &body), ShouldBeNil)
				So(body, ShouldHaveLength, 1)
				So(body[0]["request_id"], ShouldEqual, "req-1")
				So(body[0]["reason"], ShouldEqual, "too_close")
			})
		})

		Convey("When no initiator is named", func() {
			missing := do(mux, http.MethodGet, "/requests/pending", "")
			blank := do(mux, http.MethodGet, "/requests/pending?initiator=%20", "")

			Convey("Then the listing should be refused", func() {
				So(missing.Code, ShouldEqual, http.StatusBadRequest)
				So(errorCode(missing), ShouldEqual, "bad_request")
				So(blank.Code, ShouldEqual, http.StatusBadRequest)
				So(missing.Body.String(), ShouldNotContainSubstring, "req-1")
			})
		})

		Convey("When nothing is pending", func() {
			w := do(mux, http.MethodGet, "/requests/pending?initiator=carol", "")

			Convey("Then an empty list should be returned", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(strings.TrimSpace(w.Body.String()), ShouldEqual, "[]")
			})
		})

		Convey("When the initiator chooses a token", func() {
			w := do(mux, http.MethodPost, "/requests/req-1/choice", `{"participant_id":"alice","token":"tok-a"}`)

			Convey("Then the choice should be forwarded", func() {
				So(w.Code, ShouldEqual, http.StatusNoContent)
				So(deps.choices, ShouldResemble, []escalation.Choice{{Token: "tok-a"}})
			})
		})

		Convey("When the initiator cancels", func() {
			w := do(mux, http.MethodPost, "/requests/req-1/choice", `{"participant_id":"alice","cancel":true}`)

			Convey("Then a cancel choice should be forwarded", func() {
				So(w.Code, ShouldEqual, http.StatusNoContent)
				So(deps.choices, ShouldResemble, []escalation.Choice{{Cancel: true}})
			})
		})

		Convey("When someone else chooses", func() {
			w := do(mux, http.MethodPost, "/requests/req-1/choice", `{"participant_id":"bob","token":"tok-a"}`)

			Convey("Then it should be forbidden", func() {
				So(w.Code, ShouldEqual, http.StatusForbidden)
				So(errorCode(w), ShouldEqual, "forbidden")
			})
		})

		Convey("When the choice body is invalid", func() {
			both := do(mux, http.MethodPost, "/requests/req-1/choice", `{"participant_id":"alice","token":"tok-a","cancel":true}`)
			neither := do(mux, http.MethodPost, "/requests/req-1/choice", `{"participant_id":"alice"}`)
			anon := do(mux, http.MethodPost, "/requests/req-1/choice", `{"token":"tok-a"}`)

			Convey("Then it should be a bad request", func() {
				So(both.Code, ShouldEqual, http.StatusBadRequest)
				So(neither.Code, ShouldEqual, http.StatusBadRequest)
				So(anon.Code, ShouldEqual, http.StatusBadRequest)
			})
		})

		Convey("When no escalation is pending", func() {
			deps.chooseErr = fmt.Errorf("choose %q: %w", "req-9", escalation.ErrNotPending)
			w := do(mux, http.MethodPost, "/requests/req-9/choice", `{"participant_id":"alice","token":"tok-a"}`)

			Convey("Then it should be not found", func() {
				So(w.Code, ShouldEqual, http.StatusNotFound)
				So(errorCode(w), ShouldEqual, "not_pending")
			})
		})
	})
}

func TestParticipantsHandler(t *testing.T) {
	Convey("Given participant routes", t, func() {
		start := time.Date(2026, 1, 16, 9, 0, 0, 0, time.UTC)
		deps := &mockDependencies{
			envelope: participant.Envelope{View: &participant.MeetingView{RequestID: "req-1", Title: "Planning", Start: start, End: start.Add(time.Hour)}},
			decisions: []protocol.DecisionRecord{
				{ID: "d2", ParticipantID: "alice", UserAction: protocol.UserAccepted},
				{ID: "d1", ParticipantID: "alice", UserAction: protocol.UserRejected},
			},
		}
		mux := newMux(deps)

		Convey("When the initiator reads the meeting", func() {
			w := do(mux, http.MethodGet, "/participants/alice/meetings/req-1", "")

			Convey("Then the private view should be returned", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(w.Body.String(), ShouldContainSubstring, "2026-01-16T09:00:00Z")
			})
		})

		Convey("When another participant reads it", func() {
			w := do(mux, http.MethodGet, "/participants/bob/meetings/req-1", "")

			Convey("Then it should be not found", func() {
				So(w.Code, ShouldEqual, http.StatusNotFound)
			})
		})

		Convey("When listing decisions with a limit", func() {
			w := do(mux, http.MethodGet, "/participants/alice/decisions?limit=1", "")

			Convey("Then the newest entries should be returned", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				var recs []protocol.DecisionRecord
				So(json.Unmarshal(w.Body.Bytes(), &recs), ShouldBeNil)
				So(recs, ShouldHaveLength, 1)
				So(recs[0].ID, ShouldEqual, "d2")
			})
		})

		Convey("When listing with a bad limit or unknown participant", func() {
			bad := do(mux, http.MethodGet, "/participants/alice/decisions?limit=-1", "")
			unknown := do(mux, http.MethodGet, "/participants/mallory/decisions", "")

			Convey("Then errors should be reported", func() {
				So(bad.Code, ShouldEqual, http.StatusBadRequest)
				So(unknown.Code, ShouldEqual, http.StatusNotFound)
			})
		})

		Convey("When recording a decision", func() {
			w := do(mux, http.MethodPost, "/participants/bob/decisions",
				`{"meeting_type":"one_on_one","conflicting_type":"focus","recommended_action":"reschedule_existing","user_action":"rejected"}`)

			Convey("Then it should be stored for that participant", func() {
				So(w.Code, ShouldEqual, http.StatusCreated)
				So(deps.recorded, ShouldHaveLength, 1)
				So(deps.recorded[0].ParticipantID, ShouldEqual, "bob")
				So(deps.recorded[0].ConflictingType, ShouldEqual, "focus")
			})
		})

		Convey("When recording a decision with an unknown action", func() {
			w := do(mux, http.MethodPost, "/participants/bob/decisions", `{"user_action":"shrugged"}`)

			Convey("Then it should be a bad request", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
				So(deps.recorded, ShouldBeEmpty)
			})
		})
	})
}
