package participant

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okian/blindslot/internal/adapters/calendar"
	"github.com/okian/blindslot/internal/adapters/repository"
	"github.com/okian/blindslot/internal/domain/protocol"
	"github.com/okian/blindslot/internal/domain/scoring"
	"github.com/okian/blindslot/internal/domain/token"
	"github.com/okian/blindslot/pkg/sealed"

	. "github.com/smartystreets/goconvey/convey"
)

var day = time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC)

func at(h int) time.Time { return day.Add(time.Duration(h) * time.Hour) }

func testRequest() protocol.SchedulingRequest {
	return protocol.SchedulingRequest{
		ID:        "req-1",
		Initiator: "alice",
		Participants: []protocol.Participant{
			{ID: "alice", Role: protocol.RoleInitiator, Weight: 3},
			{ID: "bob", Role: protocol.RoleRequired, Weight: 1.5},
		},
		Window:  protocol.Window{Start: at(9), End: at(12), Step: time.Hour},
		Meeting: protocol.Meeting{Title: "Planning", Organizer: "alice", Type: "planning"},
	}
}

type fixture struct {
	scorer  *Scorer
	cal     *calendar.MemoryStore
	history *repository.MemoryDecisionStore
	tokens  protocol.TokenList
	mapping protocol.Mapping
}

func newFixture(profile Profile, opts ...Option) fixture {
	cal := calendar.NewMemoryStore()
	fixed := false
	cal.Add("alice", calendar.Event{Title: "Customer Call", Start: at(10), End: at(11), Type: "customer_call", Importance: 9, External: true, Movable: &fixed})
	cal.Add("alice", calendar.Event{Title: "1:1", Start: at(11), End: at(12), Type: "one_on_one", Importance: 6})

	history := repository.NewMemoryDecisionStore()
	s := NewScorer(profile, scoring.NewRuleOracle(), cal, history, opts...)

	req := testRequest()
	slots, err := req.Window.Slots()
	So(err, ShouldBeNil)
	tokens, mapping, err := token.NewService().Generate(req.ID, slots)
	So(err, ShouldBeNil)
	So(s.ReceiveMapping(context.Background(), req.ID, mapping), ShouldBeNil)
	return fixture{scorer: s, cal: cal, history: history, tokens: tokens, mapping: mapping}
}

func tokenAt(m protocol.Mapping, t time.Time) protocol.Token {
	for tok, slot := range m {
		if slot.Equal(t) {
			return tok
		}
	}
	return ""
}

func TestScorerVote(t *testing.T) {
	Convey("Given a scorer that received the mapping", t, func() {
		f := newFixture(Profile{ID: "alice", Name: "Alice", PreferredTimes: []string{scoring.PreferMorning}})
		ctx := context.Background()
		req := testRequest()

		Convey("When voting on every token", func() {
			ballot, err := f.scorer.Vote(ctx, req, f.tokens)
			vec := ballot.Scores

			Convey("Then each slot should be scored against the calendar", func() {
				So(err, ShouldBeNil)
				So(vec, ShouldHaveLength, 3)
				So(vec[tokenAt(f.mapping, at(9))], ShouldEqual, 90)
				So(vec[tokenAt(f.mapping, at(10))], ShouldEqual, 0)
				So(vec[tokenAt(f.mapping, at(11))], ShouldEqual, 30)
			})

			Convey("Then a clear favourite should not suggest escalation", func() {
				So(ballot.Escalate, ShouldBeFalse)
				So(ballot.Reason, ShouldBeEmpty)
			})
		})

		Convey("When voting on a subset", func() {
			one := protocol.NewTokenList([]protocol.Token{tokenAt(f.mapping, at(9)), "ffffffffffffffffffffffffffffffff"})
			ballot, err := f.scorer.Vote(ctx, req, one)
			vec := ballot.Scores

			Convey("Then only known requested tokens should be scored", func() {
				So(err, ShouldBeNil)
				So(vec, ShouldHaveLength, 1)
			})
		})

		Convey("When a past rejection exists for the conflicting type", func() {
			_, err := f.scorer.RecordDecision(ctx, protocol.DecisionRecord{
				ConflictingType: "one_on_one", MeetingType: "planning", UserAction: protocol.UserRejected,
			})
			So(err, ShouldBeNil)
			ballot, err := f.scorer.Vote(ctx, req, f.tokens)
			vec := ballot.Scores

			Convey("Then the learned preference should apply", func() {
				So(err, ShouldBeNil)
				So(vec[tokenAt(f.mapping, at(11))], ShouldEqual, 5)
			})
		})

		Convey("When the mapping was released", func() {
			f.scorer.Release(req.ID)
			_, err := f.scorer.Vote(ctx, req, f.tokens)

			Convey("Then the vote should be refused", func() {
				So(f.scorer.Holds(req.ID), ShouldBeFalse)
				So(errors.Is(err, protocol.ErrInvalidInput), ShouldBeTrue)
			})
		})
	})

	Convey("Given a scorer whose oracle fails", t, func() {
		f := newFixture(Profile{ID: "alice"}, WithOracleConcurrency(1))
		var calls atomic.Int32
		f.scorer.oracle = scoring.OracleFunc(func(context.Context, scoring.Input) (scoring.Result, error) {
			calls.Add(1)
			return scoring.Result{}, errors.New("model overloaded")
		})

		Convey("Then the vote should report the oracle as unavailable", func() {
			_, err := f.scorer.Vote(context.Background(), testRequest(), f.tokens)
			So(errors.Is(err, protocol.ErrOracleUnavailable), ShouldBeTrue)
			So(calls.Load(), ShouldEqual, 1)
		})
	})

	Convey("Given a scorer in another time zone", t, func() {
		tokyo := time.FixedZone("JST", 9*3600)
		f := newFixture(Profile{ID: "bob", Location: tokyo})
		var (
			mu   sync.Mutex
			seen []time.Time
		)
		f.scorer.oracle = scoring.OracleFunc(func(_ context.Context, in scoring.Input) (scoring.Result, error) {
			mu.Lock()
			seen = append(seen, in.Slot)
			mu.Unlock()
			return scoring.Result{Score: 150}, nil
		})

		Convey("Then the oracle should see local times and scores should be clamped", func() {
			ballot, err := f.scorer.Vote(context.Background(), testRequest(), f.tokens)
			vec := ballot.Scores
			So(err, ShouldBeNil)
			for _, v := range vec {
				So(v, ShouldEqual, protocol.MaxScore)
			}
			So(seen, ShouldHaveLength, 3)
			So(seen[0].Location(), ShouldEqual, tokyo)

			Convey("And a three-way tie should suggest escalation", func() {
				So(ballot.Escalate, ShouldBeTrue)
				So(ballot.Reason, ShouldContainSubstring, "within")
			})
		})
	})

	Convey("Given a scorer with an oracle that needs several calls in flight", t, func() {
		const parallel = 3
		f := newFixture(Profile{ID: "alice"}, WithOracleConcurrency(parallel))

		var (
			inFlight atomic.Int32
			peak     atomic.Int32
			all      = make(chan struct{})
			once     sync.Once
		)
		f.scorer.oracle = scoring.OracleFunc(func(ctx context.Context, _ scoring.Input) (scoring.Result, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			if n == parallel {
				once.Do(func() { close(all) })
			}
			select {
			case <-all:
				return scoring.Result{Score: 70}, nil
			case <-ctx.Done():
				return scoring.Result{}, ctx.Err()
			case <-time.After(2 * time.Second):
				return scoring.Result{}, errors.New("slots were scored one at a time")
			}
		})

		Convey("Then the slots should be scored concurrently", func() {
			ballot, err := f.scorer.Vote(context.Background(), testRequest(), f.tokens)
			So(err, ShouldBeNil)
			So(ballot.Scores, ShouldHaveLength, 3)
			So(peak.Load(), ShouldEqual, parallel)
		})
	})
}

func TestSuggest(t *testing.T) {
	Convey("Given score vectors", t, func() {
		Convey("Then all-low vectors should suggest escalation", func() {
			esc, why := Suggest(protocol.ScoreVector{"a": 30, "b": 10})
			So(esc, ShouldBeTrue)
			So(why, ShouldContainSubstring, "below")
		})

		Convey("Then close top scores should suggest escalation", func() {
			esc, why := Suggest(protocol.ScoreVector{"a": 85, "b": 80, "c": 10})
			So(esc, ShouldBeTrue)
			So(why, ShouldContainSubstring, "within")
		})

		Convey("Then a clear winner should not", func() {
			esc, _ := Suggest(protocol.ScoreVector{"a": 90, "b": 60})
			So(esc, ShouldBeFalse)
		})

		Convey("Then an empty vector should", func() {
			esc, _ := Suggest(nil)
			So(esc, ShouldBeTrue)
		})
	})
}

func TestScorerDisclose(t *testing.T) {
	Convey("Given the initiator's scorer with invite delivery", t, func() {
		cal := calendar.NewMemoryStore()
		f := newFixture(Profile{ID: "alice", Email: "alice@example.com"},
			WithDeliverer(cal), WithContacts(map[string]string{"bob": "bob@example.com"}))
		ctx := context.Background()
		req := testRequest()
		winner := tokenAt(f.mapping, at(9))

		Convey("When the winner is disclosed", func() {
			err := f.scorer.Disclose(ctx, req, winner)

			Convey("Then the private view should hold the slot", func() {
				So(err, ShouldBeNil)
				v, err := f.scorer.Meeting(req.ID)
				So(err, ShouldBeNil)
				So(v.Start.Equal(at(9)), ShouldBeTrue)
				So(v.End.Equal(at(10)), ShouldBeTrue)
				So(v.Attendees, ShouldResemble, []string{"alice", "bob"})
			})

			Convey("Then invites should reach every participant", func() {
				So(cal.Events("alice"), ShouldHaveLength, 1)
				So(cal.Events("bob"), ShouldHaveLength, 1)
				So(cal.Events("bob")[0].ID, ShouldEqual, "req-1_bob")
			})
		})

		Convey("When the winner is not a request token", func() {
			err := f.scorer.Disclose(ctx, req, "00000000000000000000000000000000")

			Convey("Then disclosure should fail", func() {
				So(errors.Is(err, protocol.ErrInvalidInput), ShouldBeTrue)
			})
		})

		Convey("When nothing was disclosed", func() {
			_, err := f.scorer.Meeting("other")

			Convey("Then ErrNoMeeting should be returned", func() {
				So(errors.Is(err, ErrNoMeeting), ShouldBeTrue)
			})
		})

		Convey("When viewing a disclosed meeting without a recipient", func() {
			So(f.scorer.Disclose(ctx, req, winner), ShouldBeNil)
			env, err := f.scorer.View(req.ID)

			Convey("Then the plain view should be returned", func() {
				So(err, ShouldBeNil)
				So(env.Sealed, ShouldBeEmpty)
				So(env.View.Start.Equal(at(9)), ShouldBeTrue)
			})
		})

		Convey("When sealing without a recipient", func() {
			_, err := f.scorer.SealedMeeting(req.ID)

			Convey("Then ErrNoRecipient should be returned", func() {
				So(errors.Is(err, ErrNoRecipient), ShouldBeTrue)
			})
		})
	})

	Convey("Given a non-initiator scorer", t, func() {
		f := newFixture(Profile{ID: "bob"})

		Convey("Then disclosure should be refused", func() {
			err := f.scorer.Disclose(context.Background(), testRequest(), tokenAt(f.mapping, at(9)))
			So(errors.Is(err, protocol.ErrNotEntitled), ShouldBeTrue)
		})
	})

	Convey("Given an initiator with an age recipient", t, func() {
		kp, err := sealed.GenerateKeypair()
		So(err, ShouldBeNil)
		f := newFixture(Profile{ID: "alice", AgeRecipient: kp.PublicKey})
		req := testRequest()
		So(f.scorer.Disclose(context.Background(), req, tokenAt(f.mapping, at(9))), ShouldBeNil)

		Convey("Then the sealed view should open with the identity", func() {
			So(f.scorer.Sealed(), ShouldBeTrue)
			ct, err := f.scorer.SealedMeeting(req.ID)
			So(err, ShouldBeNil)
			raw, err := sealed.Decrypt(ct, kp.PrivateKey)
			So(err, ShouldBeNil)
			var v MeetingView
			So(json.Unmarshal(raw, &v), ShouldBeNil)
			So(v.RequestID, ShouldEqual, req.ID)
			So(v.Start.Equal(at(9)), ShouldBeTrue)
		})

		Convey("Then View should return only the sealed form", func() {
			env, err := f.scorer.View(req.ID)
			So(err, ShouldBeNil)
			So(env.View, ShouldBeNil)
			So(env.Sealed, ShouldNotBeEmpty)
		})
	})
}

func TestScorerRecordOutcome(t *testing.T) {
	Convey("Given the initiator's scorer", t, func() {
		f := newFixture(Profile{ID: "alice"})
		ctx := context.Background()
		req := testRequest()
		free := tokenAt(f.mapping, at(9))
		busy := tokenAt(f.mapping, at(11))

		Convey("When the initiator picks the recommendation over a movable event", func() {
			So(f.scorer.RecordOutcome(ctx, req, busy, busy), ShouldBeNil)
			recs, err := f.scorer.Decisions(ctx, 0)

			Convey("Then an acceptance with the conflicting type should be logged", func() {
				So(err, ShouldBeNil)
				So(recs, ShouldHaveLength, 1)
				So(recs[0].UserAction, ShouldEqual, protocol.UserAccepted)
				So(recs[0].ConflictingType, ShouldEqual, "one_on_one")
				So(recs[0].RecommendedAction, ShouldEqual, protocol.ActionRescheduleExisting)
				So(recs[0].MeetingType, ShouldEqual, "planning")
			})
		})

		Convey("When the initiator picks another slot", func() {
			So(f.scorer.RecordOutcome(ctx, req, free, busy), ShouldBeNil)
			recs, _ := f.scorer.Decisions(ctx, 10)

			Convey("Then a modification should be logged", func() {
				So(recs[0].UserAction, ShouldEqual, protocol.UserModified)
				So(recs[0].RecommendedAction, ShouldEqual, protocol.ActionSchedule)
				So(recs[0].ChosenSlot.Equal(at(11)), ShouldBeTrue)
			})
		})

		Convey("When the initiator cancels", func() {
			So(f.scorer.RecordOutcome(ctx, req, busy, ""), ShouldBeNil)
			recs, _ := f.scorer.Decisions(ctx, 10)

			Convey("Then a rejection should be logged", func() {
				So(recs[0].UserAction, ShouldEqual, protocol.UserRejected)
				So(recs[0].ChosenSlot.IsZero(), ShouldBeTrue)
			})
		})
	})
}
