// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - Provide New() to build a Config with defaults.
// - Load layers defaults, an optional YAML file and BLINDSLOT_ env vars.
// - Validation failures wrap ErrInvalidConfig.
package config

import (
	"fmt"
	"runtime"
	"time"
)

// Token derivation modes.
const (
	TokenModePublic = "public"
	TokenModeKeyed  = "keyed"
)

// Backend names.
const (
	OracleRules    = "rules"
	OracleGemini   = "gemini"
	BackendMemory  = "memory"
	BackendSQLite  = "sqlite"
	BackendGoogle  = "google"
	defaultGeminiM = "gemini-2.5-flash"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
	// LogJSON switches the log handler to JSON output.
	LogJSON bool `koanf:"log_json"`

	// Addr configures the HTTP listen address, e.g. ":9080".
	Addr string `koanf:"addr"`

	// QueueSize bounds the in-memory scheduling job queue.
	QueueSize int `koanf:"queue_size"`

	// WorkerCount sets the number of coordinator workers.
	WorkerCount int `koanf:"worker_count"`

	// RoleWeights maps participant roles to aggregation weights.
	RoleWeights map[string]float64 `koanf:"role_weights"`

	AutoAcceptThreshold float64 `koanf:"auto_accept_threshold"`
	SeparationMargin    float64 `koanf:"separation_margin"`
	TopK                int     `koanf:"top_k"`

	// ParticipantTimeoutMS bounds each participant's scoring call.
	ParticipantTimeoutMS int `koanf:"participant_timeout_ms"`
	// GeminiParticipantTimeoutMS replaces ParticipantTimeoutMS when the
	// gemini oracle is selected; model calls take seconds each.
	GeminiParticipantTimeoutMS int `koanf:"gemini_participant_timeout_ms"`
	// EscalationTimeoutMS bounds the wait for the initiator's manual choice.
	EscalationTimeoutMS int `koanf:"escalation_timeout_ms"`

	MinResponses     int  `koanf:"min_responses"`
	RequireInitiator bool `koanf:"require_initiator"`
	// EscalateOnInitiatorSuggestion escalates results that would
	// auto-resolve when the initiator's scorer asks for a review.
	EscalateOnInitiatorSuggestion bool `koanf:"escalate_on_initiator_suggestion"`

	SlotStepMinutes int `koanf:"slot_step_minutes"`
	WorkDayStart    int `koanf:"work_day_start"`
	WorkDayEnd      int `koanf:"work_day_end"`

	// DecisionLimit bounds the prior decisions handed to the oracle.
	DecisionLimit int `koanf:"decision_limit"`

	// TokenMode is "keyed" (participant-only secret) or "public".
	TokenMode string `koanf:"token_mode"`
	// TokenSecret seeds keyed-mode derivation. A random secret is generated
	// at startup when empty.
	TokenSecret string `koanf:"token_secret"`

	// Oracle selects the scoring backend: "rules" or "gemini".
	Oracle             string `koanf:"oracle"`
	OracleLatencyMinMS int    `koanf:"oracle_latency_min_ms"`
	OracleLatencyMaxMS int    `koanf:"oracle_latency_max_ms"`
	GeminiAPIKey       string `koanf:"gemini_api_key"`
	GeminiModel        string `koanf:"gemini_model"`
	// OracleConcurrency bounds the oracle calls one participant runs at once.
	OracleConcurrency int `koanf:"oracle_concurrency"`

	// HistoryBackend is "memory" or "sqlite".
	HistoryBackend string `koanf:"history_backend"`
	HistoryPath    string `koanf:"history_path"`

	// CalendarBackend is "memory" or "google".
	CalendarBackend    string `koanf:"calendar_backend"`
	CalendarFixtures   string `koanf:"calendar_fixtures"`
	GoogleTokenFile    string `koanf:"google_token_file"`
	GoogleClientID     string `koanf:"google_client_id"`
	GoogleClientSecret string `koanf:"google_client_secret"`

	// Participants lists the calendar owners this process hosts scorers for.
	Participants []Profile `koanf:"participants"`
}

// Profile describes one hosted participant.
type Profile struct {
	ID       string `koanf:"id" yaml:"id"`
	Name     string `koanf:"name" yaml:"name"`
	Email    string `koanf:"email" yaml:"email"`
	TimeZone string `koanf:"time_zone" yaml:"time_zone"`
	// PreferredTimes holds "morning" and/or "afternoon".
	PreferredTimes []string `koanf:"preferred_times" yaml:"preferred_times"`
	// CalendarID is the Google calendar to read; defaults to "primary".
	CalendarID string `koanf:"calendar_id" yaml:"calendar_id"`
	// AgeRecipient seals the private meeting view when set.
	AgeRecipient string `koanf:"age_recipient" yaml:"age_recipient"`
}

// New creates a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:    "info",
		Addr:        ":9080",
		QueueSize:   1_024,
		WorkerCount: runtime.NumCPU(),
		RoleWeights: map[string]float64{
			"initiator": 3.0,
			"required":  1.5,
			"optional":  1.0,
		},
		AutoAcceptThreshold:        50,
		SeparationMargin:           10,
		TopK:                       3,
		ParticipantTimeoutMS:       5_000,
		GeminiParticipantTimeoutMS: 30_000,
		EscalationTimeoutMS:        300_000,
		MinResponses:               1,
		RequireInitiator:           true,
		SlotStepMinutes:            30,
		WorkDayStart:               9,
		WorkDayEnd:                 17,
		DecisionLimit:              10,
		TokenMode:                  TokenModeKeyed,
		Oracle:                     OracleRules,
		GeminiModel:                defaultGeminiM,
		OracleConcurrency:          4,
		HistoryBackend:             BackendMemory,
		HistoryPath:                "blindslot.db",
		CalendarBackend:            BackendMemory,
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.QueueSize <= 0:
		return fmt.Errorf("%w: queue_size must be positive", ErrInvalidConfig)
	case c.WorkerCount <= 0:
		return fmt.Errorf("%w: worker_count must be positive", ErrInvalidConfig)
	case c.TopK <= 0:
		return fmt.Errorf("%w: top_k must be positive", ErrInvalidConfig)
	case c.AutoAcceptThreshold < 0 || c.SeparationMargin < 0:
		return fmt.Errorf("%w: thresholds must not be negative", ErrInvalidConfig)
	case c.ParticipantTimeoutMS <= 0 || c.EscalationTimeoutMS <= 0 || c.GeminiParticipantTimeoutMS <= 0:
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	case c.SlotStepMinutes <= 0:
		return fmt.Errorf("%w: slot_step_minutes must be positive", ErrInvalidConfig)
	case c.WorkDayStart < 0 || c.WorkDayEnd > 24 || c.WorkDayStart >= c.WorkDayEnd:
		return fmt.Errorf("%w: work day must satisfy 0 <= start < end <= 24", ErrInvalidConfig)
	case c.OracleLatencyMinMS < 0 || c.OracleLatencyMaxMS < c.OracleLatencyMinMS:
		return fmt.Errorf("%w: oracle latency range is invalid", ErrInvalidConfig)
	case c.OracleConcurrency <= 0:
		return fmt.Errorf("%w: oracle_concurrency must be positive", ErrInvalidConfig)
	}

	for role, w := range c.RoleWeights {
		if w <= 0 {
			return fmt.Errorf("%w: role weight %q must be positive", ErrInvalidConfig, role)
		}
	}

	if c.TokenMode != TokenModePublic && c.TokenMode != TokenModeKeyed {
		return fmt.Errorf("%w: unknown token_mode %q", ErrInvalidConfig, c.TokenMode)
	}

	switch c.Oracle {
	case OracleRules:
	case OracleGemini:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("%w: gemini oracle requires gemini_api_key", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown oracle %q", ErrInvalidConfig, c.Oracle)
	}

	if c.HistoryBackend != BackendMemory && c.HistoryBackend != BackendSQLite {
		return fmt.Errorf("%w: unknown history_backend %q", ErrInvalidConfig, c.HistoryBackend)
	}
	if c.CalendarBackend != BackendMemory && c.CalendarBackend != BackendGoogle {
		return fmt.Errorf("%w: unknown calendar_backend %q", ErrInvalidConfig, c.CalendarBackend)
	}

	seen := make(map[string]bool, len(c.Participants))
	for _, p := range c.Participants {
		if p.ID == "" {
			return fmt.Errorf("%w: participant id must not be empty", ErrInvalidConfig)
		}
		if seen[p.ID] {
			return fmt.Errorf("%w: duplicate participant %q", ErrInvalidConfig, p.ID)
		}
		seen[p.ID] = true
		if p.TimeZone != "" {
			if _, err := time.LoadLocation(p.TimeZone); err != nil {
				return fmt.Errorf("%w: participant %q: %w", ErrInvalidConfig, p.ID, err)
			}
		}
	}
	return nil
}

// ParticipantTimeout returns the per-participant scoring bound for the
// selected oracle.
func (c *Config) ParticipantTimeout() time.Duration {
	if c.Oracle == OracleGemini {
		return time.Duration(c.GeminiParticipantTimeoutMS) * time.Millisecond
	}
	return time.Duration(c.ParticipantTimeoutMS) * time.Millisecond
}

// EscalationTimeout returns the manual-choice wait bound.
func (c *Config) EscalationTimeout() time.Duration {
	return time.Duration(c.EscalationTimeoutMS) * time.Millisecond
}

// SlotStep returns the candidate slot granularity.
func (c *Config) SlotStep() time.Duration {
	return time.Duration(c.SlotStepMinutes) * time.Minute
}
