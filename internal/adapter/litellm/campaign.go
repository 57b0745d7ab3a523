package litellm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/Strob0t/Switchyard/internal/port/worker"
)

var _ worker.CampaignRunner = (*CampaignRunner)(nil)

const defaultCampaignSteps = 6

var numberedLine = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*])\s+(.+)$`)

// CampaignStep is one executed stage of a campaign.
type CampaignStep struct {
	Step   string `json:"step"`
	Result string `json:"result"`
}

// CampaignRunner decomposes a goal into steps and works through them in
// order, feeding each step the results of the previous ones.
type CampaignRunner struct {
	c        *Client
	model    string
	maxSteps int
}

// NewCampaignRunner creates a runner. maxSteps <= 0 uses the default of 6.
func NewCampaignRunner(c *Client, model string, maxSteps int) *CampaignRunner {
	if maxSteps <= 0 {
		maxSteps = defaultCampaignSteps
	}
	return &CampaignRunner{c: c, model: model, maxSteps: maxSteps}
}

// Run implements worker.CampaignRunner. The "max_steps" param lowers the
// step limit for one campaign. Cancellation stops after the current step
// and reports the campaign as cancelled with the steps done so far.
func (r *CampaignRunner) Run(ctx context.Context, req worker.CampaignRequest) (worker.CampaignOutcome, error) {
	id := uuid.NewString()
	limit := r.maxSteps
	if n, ok := intParam(req.Params, "max_steps"); ok && n > 0 && n < limit {
		limit = n
	}

	plan, err := r.c.Chat(ctx, ChatRequest{
		Model: r.model,
		Messages: []Message{
			system(fmt.Sprintf("Split the goal into at most %d sequential steps. Answer with a JSON array of strings only.", limit)),
			user(req.Goal),
		},
	})
	if err != nil {
		return worker.CampaignOutcome{}, fmt.Errorf("campaign plan: %w", err)
	}
	steps := parseSteps(plan)
	if len(steps) == 0 {
		return worker.CampaignOutcome{}, fmt.Errorf("campaign plan: no steps in answer")
	}
	if len(steps) > limit {
		steps = steps[:limit]
	}

	done := make([]CampaignStep, 0, len(steps))
	status := "completed"
	for _, step := range steps {
		if ctx.Err() != nil {
			status = "cancelled"
			break
		}
		out, err := r.c.Chat(ctx, ChatRequest{
			Model: r.model,
			Messages: []Message{
				system("You are executing one step of a larger campaign. Report the outcome of this step only."),
				user(stepPrompt(req.Goal, done, step)),
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				status = "cancelled"
				break
			}
			return worker.CampaignOutcome{}, fmt.Errorf("campaign step %d: %w", len(done)+1, err)
		}
		done = append(done, CampaignStep{Step: step, Result: out})
	}

	return worker.CampaignOutcome{
		CampaignID: id,
		Status:     status,
		Summary:    summarise(done),
		Data:       map[string]any{"steps": done, "planned": len(steps)},
	}, nil
}

// parseSteps accepts a JSON array or, failing that, a numbered or bulleted list.
func parseSteps(plan string) []string {
	plan = strings.TrimSpace(plan)
	plan = strings.TrimPrefix(plan, "```json")
	plan = strings.TrimPrefix(plan, "```")
	plan = strings.TrimSuffix(plan, "```")

	var steps []string
	if err := json.Unmarshal([]byte(strings.TrimSpace(plan)), &steps); err == nil {
		return compact(steps)
	}
	for line := range strings.Lines(plan) {
		if m := numberedLine.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			steps = append(steps, m[1])
		}
	}
	return compact(steps)
}

func compact(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func stepPrompt(goal string, done []CampaignStep, step string) string {
	var b strings.Builder
	b.WriteString("Goal: ")
	b.WriteString(goal)
	for i, d := range done {
		fmt.Fprintf(&b, "\n\nStep %d (%s) result:\n%s", i+1, d.Step, d.Result)
	}
	fmt.Fprintf(&b, "\n\nCurrent step %d: %s", len(done)+1, step)
	return b.String()
}

func summarise(done []CampaignStep) string {
	var b strings.Builder
	for i, d := range done {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%d. %s\n%s", i+1, d.Step, d.Result)
	}
	return b.String()
}

func intParam(params map[string]any, key string) (int, bool) {
	switch v := params[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}
