// Package gemini implements scoring.Oracle on the Gemini API.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"google.golang.org/genai"

	"github.com/okian/blindslot/internal/domain/protocol"
	"github.com/okian/blindslot/internal/domain/scoring"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.5-flash"

const systemInstruction = "You are a scheduling assistant. Output only valid JSON with score and rationale."

var promptTemplate = template.Must(template.New("prompt").Parse(`You are a scheduling assistant for {{.Name}}.

NEW MEETING REQUEST:
- Title: {{.Meeting.Title}}
- Organizer: {{.Meeting.Organizer}}
- Type: {{.Meeting.Type}}
- External: {{.Meeting.External}}
- Duration: {{.Minutes}} minutes

CANDIDATE SLOT: {{.Slot}}
YOUR CALENDAR AT THAT TIME: {{.Occupancy}}
PREFERRED TIMES: {{.Preferred}}

LEARNED PREFERENCES FROM PAST DECISIONS:
{{range .Learned}}- {{.}}
{{else}}No past decisions recorded yet.
{{end}}
Score the slot 0-100:
- 100 = perfect slot (free, preferred time)
- 70-99 = good slot (free, acceptable time)
- 40-69 = willing to reschedule the existing meeting for this
- 1-39 = reluctant but possible
- 0 = absolutely not (important conflict, external meeting)

Never reschedule external or customer meetings.

Output JSON only: {"score": <int>, "rationale": "<one sentence>"}
`))

// Generator is the slice of the genai client the oracle needs.
type Generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Oracle scores slots by asking a Gemini model.
type Oracle struct {
	gen   Generator
	model string
}

// New creates an Oracle backed by a Gemini API client.
func New(ctx context.Context, apiKey, model string) (*Oracle, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return NewWithGenerator(client.Models, model), nil
}

// NewWithGenerator creates an Oracle over an existing generator.
func NewWithGenerator(gen Generator, model string) *Oracle {
	if model == "" {
		model = DefaultModel
	}
	return &Oracle{gen: gen, model: model}
}

// Model returns the configured model name.
func (o *Oracle) Model() string { return o.model }

type response struct {
	Score     *int   `json:"score"`
	Rationale string `json:"rationale"`
}

// Score implements scoring.Oracle. Transport failures and unusable answers
// wrap protocol.ErrOracleUnavailable so callers may retry.
func (o *Oracle) Score(ctx context.Context, in scoring.Input) (scoring.Result, error) {
	prompt, err := Prompt(in)
	if err != nil {
		return scoring.Result{}, err
	}

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemInstruction, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		Temperature:       genai.Ptr[float32](0),
	}
	resp, err := o.gen.GenerateContent(ctx, o.model, genai.Text(prompt), cfg)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return scoring.Result{}, fmt.Errorf("gemini: %w", ctxErr)
		}
		return scoring.Result{}, fmt.Errorf("gemini: %w: %w", protocol.ErrOracleUnavailable, err)
	}

	res, err := parse(responseText(resp))
	if err != nil {
		return scoring.Result{}, fmt.Errorf("gemini: %w: %w", protocol.ErrOracleUnavailable, err)
	}
	return res, nil
}

// Prompt renders the scoring prompt for one slot.
func Prompt(in scoring.Input) (string, error) {
	name := in.ParticipantName
	if name == "" {
		name = in.ParticipantID
	}
	preferred := strings.Join(in.PreferredTimes, ", ")
	if preferred == "" {
		preferred = scoring.PreferMorning
	}

	data := struct {
		Name      string
		Meeting   protocol.Meeting
		Minutes   int
		Slot      string
		Occupancy string
		Preferred string
		Learned   []string
	}{
		Name:      name,
		Meeting:   in.Meeting,
		Minutes:   int(in.Duration / time.Minute),
		Slot:      in.Slot.Format("Monday 2006-01-02 15:04 MST"),
		Occupancy: in.Describe(),
		Preferred: preferred,
		Learned:   learned(in.PriorDecisions),
	}

	var b strings.Builder
	if err := promptTemplate.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return b.String(), nil
}

func learned(records []protocol.DecisionRecord) []string {
	var out []string
	for _, d := range records {
		if d.ConflictingType == "" {
			continue
		}
		switch d.UserAction {
		case protocol.UserAccepted:
			out = append(out, fmt.Sprintf("You ACCEPTED rescheduling %s for %s", d.ConflictingType, d.MeetingType))
		case protocol.UserRejected:
			out = append(out, fmt.Sprintf("You REJECTED rescheduling %s for %s", d.ConflictingType, d.MeetingType))
		}
	}
	return out
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p != nil && !p.Thought {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func parse(text string) (scoring.Result, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if text == "" {
		return scoring.Result{}, errors.New("empty response")
	}

	var r response
	if err := json.Unmarshal([]byte(text), &r); err != nil {
		return scoring.Result{}, fmt.Errorf("decode response: %w", err)
	}
	if r.Score == nil {
		return scoring.Result{}, errors.New("response has no score")
	}
	return scoring.Result{Score: protocol.ClampScore(*r.Score), Rationale: r.Rationale}, nil
}
