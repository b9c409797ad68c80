package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	app "github.com/okian/blindslot/internal/app"
	"github.com/okian/blindslot/internal/config"
	"github.com/okian/blindslot/internal/domain/coordinator"
	"github.com/okian/blindslot/internal/domain/escalation"
	"github.com/okian/blindslot/internal/domain/protocol"
	"github.com/okian/blindslot/internal/seed"
	"github.com/okian/blindslot/pkg/logger"
)

const demoPollInterval = 20 * time.Millisecond

// ErrDemoFailed is returned when the demo request does not reach disclosure.
var ErrDemoFailed = errors.New("demo request did not resolve")

type demoOptions struct {
	title       string
	meetingType string
	choose      string
	timeout     time.Duration
}

func newDemoCmd(root *rootOptions) *cobra.Command {
	opts := demoOptions{}
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Schedule one meeting across the seeded demo calendars",
		Long: `Run one request end to end against the demo workspace: alice (initiator),
bob and carol, with a packed calendar each for tomorrow.

The scoring oracle and token mode come from configuration, so the same demo
exercises the Gemini oracle when oracle=gemini. When the request escalates,
--choose decides the answer: "recommended" picks the top option, "cancel"
cancels the request.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, root)
			if err != nil {
				return err
			}
			return runDemo(cmd.Context(), cmd.OutOrStdout(), cfg, opts, time.Now())
		},
	}
	cmd.Flags().StringVar(&opts.title, "title", "Project Sync", "meeting title")
	cmd.Flags().StringVar(&opts.meetingType, "type", "internal_meeting", "meeting type shown to the oracle")
	cmd.Flags().StringVar(&opts.choose, "choose", "recommended", `answer to an escalation: "recommended" or "cancel"`)
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "overall deadline for the demo request")
	return cmd
}

func runDemo(ctx context.Context, out io.Writer, cfg *config.Config, opts demoOptions, now time.Time) error { //nolint:gocritic // hugeParam
	if opts.choose != "recommended" && opts.choose != "cancel" {
		return fmt.Errorf("--choose must be recommended or cancel, got %q", opts.choose)
	}
	cfg.Participants = seed.Profiles()
	svcOpts, err := seededOptions(ctx, cfg, now)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	svc := app.New(cfg, append(svcOpts, app.WithLogger(logger.Named("demo")))...)
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	defer svc.Stop(context.WithoutCancel(ctx))

	day := now.UTC().Truncate(24*time.Hour).AddDate(0, 0, 1)
	req := seed.Request(day, opts.title, opts.meetingType)
	id, err := svc.Submit(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "request %s submitted: %q for alice, bob and carol on %s\n", id, opts.title, day.Format("2006-01-02"))

	answered := false
	ticker := time.NewTicker(demoPollInterval)
	defer ticker.Stop()
	for {
		st, err := svc.Status(ctx, id)
		if err != nil {
			return err
		}
		if st.Phase.Terminal() {
			return report(ctx, out, svc, st)
		}
		if st.Phase == protocol.PhaseEscalated && !answered {
			if p, ok := pendingFor(svc, id); ok {
				if err := answer(ctx, out, svc, p, opts.choose); err != nil {
					return err
				}
				answered = true
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrDemoFailed, ctx.Err())
		case <-ticker.C:
		}
	}
}

func pendingFor(svc *app.Service, id string) (escalation.Pending, bool) {
	for _, p := range svc.Pending("alice") {
		if p.RequestID == id {
			return p, true
		}
	}
	return escalation.Pending{}, false
}

func answer(ctx context.Context, out io.Writer, svc *app.Service, p escalation.Pending, choose string) error { //nolint:gocritic // hugeParam
	fmt.Fprintf(out, "escalated (%s); options:\n", p.Reason)
	for i, o := range p.Options {
		fmt.Fprintf(out, "  %d. %s  %.1f\n", i+1, o.Token, o.Score)
	}
	c := escalation.Choice{Cancel: true}
	if choose == "recommended" && len(p.Options) > 0 {
		c = escalation.Choice{Token: p.Options[0].Token}
		fmt.Fprintf(out, "alice chooses option 1\n")
	} else {
		fmt.Fprintf(out, "alice cancels\n")
	}
	return svc.Choose(ctx, p.RequestID, "alice", c)
}

func report(ctx context.Context, out io.Writer, svc *app.Service, st coordinator.State) error { //nolint:gocritic // hugeParam
	fmt.Fprintf(out, "phase: %s\n", st.Phase)
	fmt.Fprintf(out, "tokens: %d, contributors: %s\n", len(st.Tokens), strings.Join(st.Contributors, ", "))
	for _, ex := range st.Excluded {
		fmt.Fprintf(out, "excluded: %s (%s)\n", ex.ParticipantID, ex.Reason)
	}
	if st.Decision != nil && st.Decision.Escalate {
		fmt.Fprintf(out, "escalation reason: %s\n", st.Decision.Reason)
	}
	if st.Phase != protocol.PhaseDisclosed {
		if st.Error != "" {
			fmt.Fprintf(out, "error: %s\n", st.Error)
		}
		if st.Phase == protocol.PhaseCancelled {
			return nil
		}
		return fmt.Errorf("%w: ended %s", ErrDemoFailed, st.Phase)
	}

	env, err := svc.Meeting(ctx, "alice", st.RequestID)
	if err != nil {
		return err
	}
	if env.Sealed != "" {
		fmt.Fprintf(out, "alice's view is sealed to the profile's age key (%d bytes)\n", len(env.Sealed))
		return nil
	}
	v := env.View
	fmt.Fprintf(out, "alice sees: %s, %s-%s UTC with %s\n",
		v.Title, v.Start.UTC().Format("Mon 15:04"), v.End.UTC().Format("15:04"), strings.Join(v.Attendees, ", "))
	for _, pid := range []string{"bob", "carol"} {
		if _, err := svc.Meeting(ctx, pid, st.RequestID); err != nil {
			fmt.Fprintf(out, "%s sees: nothing until the invite lands\n", pid)
		}
	}
	return nil
}
