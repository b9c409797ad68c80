package config_test

import (
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/okian/blindslot/internal/config"
	"github.com/smartystreets/goconvey/convey"
)

func TestConfig_New(t *testing.T) {
	convey.Convey("Given a new config with default options", t, func() {
		cfg := config.New()

		convey.Convey("Then it should have sensible defaults", func() {
			convey.So(cfg.Addr, convey.ShouldEqual, ":9080")
			convey.So(cfg.QueueSize, convey.ShouldEqual, 1_024)
			convey.So(cfg.WorkerCount, convey.ShouldEqual, runtime.NumCPU())
			convey.So(cfg.RoleWeights["initiator"], convey.ShouldEqual, 3.0)
			convey.So(cfg.RoleWeights["required"], convey.ShouldEqual, 1.5)
			convey.So(cfg.AutoAcceptThreshold, convey.ShouldEqual, 50)
			convey.So(cfg.SeparationMargin, convey.ShouldEqual, 10)
			convey.So(cfg.TopK, convey.ShouldEqual, 3)
			convey.So(cfg.TokenMode, convey.ShouldEqual, config.TokenModeKeyed)
			convey.So(cfg.RequireInitiator, convey.ShouldBeTrue)
			convey.So(cfg.Validate(), convey.ShouldBeNil)
		})

		convey.Convey("Then durations should be derived from millisecond fields", func() {
			convey.So(cfg.ParticipantTimeout(), convey.ShouldEqual, 5*time.Second)
			convey.So(cfg.EscalationTimeout(), convey.ShouldEqual, 5*time.Minute)
			convey.So(cfg.SlotStep(), convey.ShouldEqual, 30*time.Minute)
		})

		convey.Convey("Then the gemini oracle should get its own participant timeout", func() {
			cfg.Oracle = config.OracleGemini
			convey.So(cfg.ParticipantTimeout(), convey.ShouldEqual, 30*time.Second)
			convey.So(cfg.OracleConcurrency, convey.ShouldEqual, 4)
		})
	})
}

func TestConfig_Validate(t *testing.T) {
	convey.Convey("Given configs violating a constraint", t, func() {
		cases := map[string]func(c *config.Config){
			"empty addr":       func(c *config.Config) { c.Addr = "" },
			"zero queue":       func(c *config.Config) { c.QueueSize = 0 },
			"zero workers":     func(c *config.Config) { c.WorkerCount = 0 },
			"zero top k":       func(c *config.Config) { c.TopK = 0 },
			"negative margin":  func(c *config.Config) { c.SeparationMargin = -1 },
			"inverted workday": func(c *config.Config) { c.WorkDayStart, c.WorkDayEnd = 17, 9 },
			"bad token mode":   func(c *config.Config) { c.TokenMode = "salted" },
			"gemini no key":    func(c *config.Config) { c.Oracle = config.OracleGemini },
			"unknown oracle":   func(c *config.Config) { c.Oracle = "crystal-ball" },
			"bad history":      func(c *config.Config) { c.HistoryBackend = "mongo" },
			"bad calendar":     func(c *config.Config) { c.CalendarBackend = "exchange" },
			"zero weight":      func(c *config.Config) { c.RoleWeights["optional"] = 0 },
			"latency range":    func(c *config.Config) { c.OracleLatencyMinMS = 10 },
			"zero concurrency": func(c *config.Config) { c.OracleConcurrency = 0 },
			"zero gemini wait": func(c *config.Config) { c.GeminiParticipantTimeoutMS = 0 },
			"duplicate participant": func(c *config.Config) {
				c.Participants = []config.Profile{{ID: "alice"}, {ID: "alice"}}
			},
			"bad time zone": func(c *config.Config) {
				c.Participants = []config.Profile{{ID: "alice", TimeZone: "Mars/Olympus"}}
			},
		}

		for name, mutate := range cases {
			cfg := config.New()
			mutate(cfg)
			err := cfg.Validate()

			convey.Convey("Then "+name+" should be rejected", func() {
				convey.So(err, convey.ShouldNotBeNil)
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
			})
		}
	})
}
