package protocol

import (
	"fmt"
	"time"
)

// MaxSlots bounds the candidate slots of one request. Every slot is hashed,
// held by every participant and scored by every oracle.
const MaxSlots = 1_000

// Window describes the candidate range of a request.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	// Step is the slot granularity.
	Step time.Duration `json:"step"`
	// Duration is the meeting length; defaults to Step when zero.
	Duration time.Duration `json:"duration"`
	// DayStart and DayEnd restrict slot start hours to [DayStart, DayEnd) in
	// Start's location. Both zero disables the filter.
	DayStart int `json:"day_start"`
	DayEnd   int `json:"day_end"`
}

// MeetingDuration returns the effective meeting length.
func (w Window) MeetingDuration() time.Duration {
	if w.Duration > 0 {
		return w.Duration
	}
	return w.Step
}

// Validate checks the window shape.
func (w Window) Validate() error {
	switch {
	case w.Start.IsZero() || w.End.IsZero():
		return fmt.Errorf("%w: window bounds must be set", ErrInvalidInput)
	case !w.End.After(w.Start):
		return fmt.Errorf("%w: window end must be after start", ErrInvalidInput)
	case w.Step <= 0:
		return fmt.Errorf("%w: slot step must be positive", ErrInvalidInput)
	case w.Duration < 0:
		return fmt.Errorf("%w: negative meeting duration", ErrInvalidInput)
	case w.DayStart != 0 || w.DayEnd != 0:
		if w.DayStart < 0 || w.DayEnd > 24 || w.DayStart >= w.DayEnd {
			return fmt.Errorf("%w: working hours must satisfy 0 <= start < end <= 24", ErrInvalidInput)
		}
	}
	return nil
}

// Slots derives the candidate slots by fixed-size stepping from Start. A slot
// qualifies when the meeting fits before End and, with working hours set,
// its start hour lies inside them.
func (w Window) Slots() ([]time.Time, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	loc := w.Start.Location()
	d := w.MeetingDuration()
	filter := w.DayStart != 0 || w.DayEnd != 0

	var out []time.Time
	for s := w.Start; !s.Add(d).After(w.End); s = s.Add(w.Step) {
		if filter {
			h := s.In(loc).Hour()
			if h < w.DayStart || h >= w.DayEnd {
				continue
			}
		}
		out = append(out, s)
		if len(out) > MaxSlots {
			return nil, fmt.Errorf("%w: window yields more than %d candidate slots", ErrInvalidInput, MaxSlots)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: window yields no candidate slots", ErrInvalidInput)
	}
	return out, nil
}
