package scoring_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/okian/blindslot/internal/domain/protocol"
	scoring "github.com/okian/blindslot/internal/domain/scoring"
	. "github.com/smartystreets/goconvey/convey"
)

func at(h, m int) time.Time {
	return time.Date(2026, 1, 16, h, m, 0, 0, time.UTC)
}

func busy(typ string, importance int, external, movable bool) scoring.Input {
	return scoring.Input{
		Slot:     at(10, 0),
		Occupied: true,
		Occupancy: protocol.Occupancy{
			Title:      "existing",
			Type:       typ,
			Importance: importance,
			External:   external,
			Movable:    movable,
		},
	}
}

func TestRuleOracle_FreeSlots(t *testing.T) {
	Convey("Given a rule oracle", t, func() {
		o := scoring.NewRuleOracle()
		ctx := context.Background()

		score := func(in scoring.Input) int {
			res, err := o.Score(ctx, in)
			So(err, ShouldBeNil)
			So(res.Rationale, ShouldNotBeEmpty)
			return res.Score
		}

		Convey("When the slot is free in the morning", func() {
			So(score(scoring.Input{Slot: at(9, 30)}), ShouldEqual, 90)
		})

		Convey("When the slot is free over lunch", func() {
			So(score(scoring.Input{Slot: at(12, 0)}), ShouldEqual, 70)
		})

		Convey("When the slot is free late afternoon", func() {
			So(score(scoring.Input{Slot: at(16, 0)}), ShouldEqual, 80)
		})

		Convey("When the participant prefers afternoons", func() {
			prefs := []string{scoring.PreferAfternoon}
			So(score(scoring.Input{Slot: at(14, 0), PreferredTimes: prefs}), ShouldEqual, 90)
			So(score(scoring.Input{Slot: at(13, 0), PreferredTimes: prefs}), ShouldEqual, 90)
			So(score(scoring.Input{Slot: at(9, 0), PreferredTimes: prefs}), ShouldEqual, 80)
		})
	})
}

func TestRuleOracle_Conflicts(t *testing.T) {
	Convey("Given a rule oracle and occupied slots", t, func() {
		o := scoring.NewRuleOracle()
		ctx := context.Background()

		score := func(in scoring.Input) int {
			res, err := o.Score(ctx, in)
			So(err, ShouldBeNil)
			return res.Score
		}

		Convey("Then external or fixed events should score zero", func() {
			So(score(busy("customer_call", 2, true, true)), ShouldEqual, 0)
			So(score(busy("board_meeting", 3, false, false)), ShouldEqual, 0)
		})

		Convey("Then movable internal events should score by importance", func() {
			So(score(busy("personal", 3, false, true)), ShouldEqual, 60)
			So(score(busy("team_meeting", 7, false, true)), ShouldEqual, 30)
			So(score(busy("internal_meeting", 8, false, true)), ShouldEqual, 10)
		})

		Convey("Then learned decisions should override importance", func() {
			in := busy("team_meeting", 7, false, true)
			in.PriorDecisions = []protocol.DecisionRecord{
				{ConflictingType: "team_meeting", UserAction: protocol.UserAccepted},
			}
			So(score(in), ShouldEqual, 65)

			in.PriorDecisions = append(in.PriorDecisions, protocol.DecisionRecord{
				ConflictingType: "team_meeting", UserAction: protocol.UserRejected,
			})
			So(score(in), ShouldEqual, 5)

			in.PriorDecisions = []protocol.DecisionRecord{
				{ConflictingType: "focus_time", UserAction: protocol.UserRejected},
			}
			So(score(in), ShouldEqual, 30)
		})
	})
}

func TestRuleOracle_Latency(t *testing.T) {
	Convey("Given a rule oracle with simulated latency", t, func() {
		o := scoring.NewRuleOracle(scoring.WithLatencyRange(20*time.Millisecond, 30*time.Millisecond))

		Convey("When scoring normally", func() {
			start := time.Now()
			_, err := o.Score(context.Background(), scoring.Input{Slot: at(9, 0)})

			Convey("Then it should wait at least the minimum latency", func() {
				So(err, ShouldBeNil)
				So(time.Since(start), ShouldBeGreaterThanOrEqualTo, 20*time.Millisecond)
			})
		})

		Convey("When the context is cancelled", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			_, err := o.Score(ctx, scoring.Input{Slot: at(9, 0)})

			Convey("Then it should return the context error", func() {
				So(errors.Is(err, context.Canceled), ShouldBeTrue)
			})
		})
	})

	Convey("Given an instant oracle and a cancelled context", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := scoring.NewRuleOracle().Score(ctx, scoring.Input{})
		So(errors.Is(err, context.Canceled), ShouldBeTrue)
	})
}

func TestInstrument(t *testing.T) {
	Convey("Given an instrumented oracle", t, func() {
		boom := errors.New("boom")
		calls := 0
		inner := scoring.OracleFunc(func(_ context.Context, in scoring.Input) (scoring.Result, error) {
			calls++
			if in.ParticipantID == "fail" {
				return scoring.Result{}, boom
			}
			return scoring.Result{Score: 42}, nil
		})
		o := scoring.Instrument("test", inner)

		res, err := o.Score(context.Background(), scoring.Input{})
		So(err, ShouldBeNil)
		So(res.Score, ShouldEqual, 42)

		_, err = o.Score(context.Background(), scoring.Input{ParticipantID: "fail"})
		So(errors.Is(err, boom), ShouldBeTrue)
		So(calls, ShouldEqual, 2)
	})

	Convey("Given input descriptions", t, func() {
		So(scoring.Input{}.Describe(), ShouldEqual, "FREE")
		So(busy("x", 1, false, true).Describe(), ShouldStartWith, "CONFLICT")
	})
}
