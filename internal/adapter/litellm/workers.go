package litellm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/Switchyard/internal/domain/task"
	"github.com/Strob0t/Switchyard/internal/port/assist"
	"github.com/Strob0t/Switchyard/internal/port/worker"
)

var (
	_ worker.Agent       = (*Agent)(nil)
	_ worker.Classifier  = (*Classifier)(nil)
	_ worker.Generator   = (*Generator)(nil)
	_ worker.Reviewer    = (*Reviewer)(nil)
	_ worker.Planner     = (*Planner)(nil)
	_ worker.Deliberator = (*Deliberator)(nil)
	_ assist.Translator  = (*Translator)(nil)
	_ assist.Vision      = (*Vision)(nil)
)

// send forwards a streamed chunk unless ctx is done.
func send(ctx context.Context, ch chan<- string, s string) {
	if ch == nil {
		return
	}
	select {
	case ch <- s:
	case <-ctx.Done():
	}
}

// Agent is a dispatchable worker backed by one model.
type Agent struct {
	c      *Client
	model  string
	system string
	stream bool
}

// NewAgent creates an agent. When stream is set and the request carries a
// progress channel, deltas are forwarded as they arrive.
func NewAgent(c *Client, model, systemPrompt string, stream bool) *Agent {
	return &Agent{c: c, model: model, system: systemPrompt, stream: stream}
}

// Handle implements worker.Agent.
func (a *Agent) Handle(ctx context.Context, req worker.Request) (string, error) {
	var msgs []Message
	if a.system != "" {
		msgs = append(msgs, system(a.system))
	}
	msgs = append(msgs, user(req.Text))
	cr := ChatRequest{Model: a.model, Messages: msgs}

	if a.stream && req.Progress != nil {
		return a.c.ChatStream(ctx, cr, func(delta string) { send(ctx, req.Progress, delta) })
	}
	return a.c.Chat(ctx, cr)
}

// Classifier asks a model to pick one intent out of the dispatchable set.
type Classifier struct {
	c       *Client
	model   string
	intents func() []string
}

// NewClassifier creates a classifier. intents is called per request so a
// reloaded dispatch table is picked up.
func NewClassifier(c *Client, model string, intents func() []string) *Classifier {
	return &Classifier{c: c, model: model, intents: intents}
}

// Classify implements worker.Classifier. The answer is normalised to one
// lower-case word.
func (k *Classifier) Classify(ctx context.Context, text string) (string, error) {
	var known []string
	if k.intents != nil {
		known = k.intents()
	}
	prompt := "Classify the user request into exactly one intent. Answer with the intent name only."
	if len(known) > 0 {
		prompt += " Valid intents: " + strings.Join(known, ", ") + "."
	}
	zero := 0.0
	out, err := k.c.Chat(ctx, ChatRequest{
		Model:       k.model,
		Messages:    []Message{system(prompt), user(text)},
		Temperature: &zero,
		MaxTokens:   16,
	})
	if err != nil {
		return "", err
	}
	intent := normaliseIntent(out)
	if intent == "" {
		return "", errors.New("classifier returned no intent")
	}
	return intent, nil
}

func normaliseIntent(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[0], ".,:;\"'`*")
}

// Generator produces artifacts for the repair loop.
type Generator struct {
	c     *Client
	model string
}

// NewGenerator creates a generator.
func NewGenerator(c *Client, model string) *Generator {
	return &Generator{c: c, model: model}
}

// Generate implements worker.Generator.
func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	return g.c.Chat(ctx, ChatRequest{
		Model: g.model,
		Messages: []Message{
			system("You write complete, working solutions. When feedback from a reviewer is included, fix every issue it lists."),
			user(prompt),
		},
	})
}

// Reviewer judges artifacts for the repair loop.
type Reviewer struct {
	c        *Client
	model    string
	approval string
}

// NewReviewer creates a reviewer that answers with approval when an
// artifact is acceptable.
func NewReviewer(c *Client, model, approval string) *Reviewer {
	return &Reviewer{c: c, model: model, approval: approval}
}

// Review implements worker.Reviewer.
func (r *Reviewer) Review(ctx context.Context, artifact string) (string, error) {
	prompt := fmt.Sprintf("Review the artifact. If it is correct and complete, answer with %q and nothing else. Otherwise list the concrete problems, one per line.", r.approval)
	zero := 0.0
	return r.c.Chat(ctx, ChatRequest{
		Model:       r.model,
		Messages:    []Message{system(prompt), user(artifact)},
		Temperature: &zero,
	})
}

// Planner drafts a step-by-step plan.
type Planner struct {
	c     *Client
	model string
}

// NewPlanner creates a planner.
func NewPlanner(c *Client, model string) *Planner {
	return &Planner{c: c, model: model}
}

// Plan implements worker.Planner.
func (p *Planner) Plan(ctx context.Context, text string) (string, error) {
	return p.c.Chat(ctx, ChatRequest{
		Model: p.model,
		Messages: []Message{
			system("Break the request into a numbered plan of concrete steps. Do not execute the steps."),
			user(text),
		},
	})
}

var panelRoles = []string{
	"an optimistic advocate",
	"a sceptical critic",
	"a pragmatic engineer",
	"a domain expert",
	"a cost-conscious operator",
}

// Deliberator runs a panel of personas and synthesises their positions.
type Deliberator struct {
	c     *Client
	model string
}

// NewDeliberator creates a deliberator.
func NewDeliberator(c *Client, model string) *Deliberator {
	return &Deliberator{c: c, model: model}
}

// Deliberate implements worker.Deliberator. Panelists answer concurrently;
// each finished position is streamed to req.Progress.
func (d *Deliberator) Deliberate(ctx context.Context, req worker.DeliberationRequest) (string, error) {
	n := req.PanelSize
	if n < 2 {
		n = 2
	}
	n = min(n, len(panelRoles))

	positions := make([]string, n)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i := range n {
		role := panelRoles[i]
		g.Go(func() error {
			out, err := d.c.Chat(gctx, ChatRequest{
				Model: d.model,
				Messages: []Message{
					system("You are " + role + " on a discussion panel. State your position in a short paragraph."),
					user(req.Topic),
				},
			})
			if err != nil {
				return fmt.Errorf("panelist %d: %w", i+1, err)
			}
			positions[i] = out
			mu.Lock()
			send(gctx, req.Progress, fmt.Sprintf("[%s] %s\n", role, out))
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	var b strings.Builder
	for i, p := range positions {
		fmt.Fprintf(&b, "Position of %s:\n%s\n\n", panelRoles[i], p)
	}
	return d.c.Chat(ctx, ChatRequest{
		Model: d.model,
		Messages: []Message{
			system("Synthesise the panel positions into one balanced conclusion. Note where they disagree."),
			user("Topic: " + req.Topic + "\n\n" + b.String()),
		},
	})
}

// Translator translates result text.
type Translator struct {
	c     *Client
	model string
}

// NewTranslator creates a translator.
func NewTranslator(c *Client, model string) *Translator {
	return &Translator{c: c, model: model}
}

// Translate implements assist.Translator.
func (t *Translator) Translate(ctx context.Context, text, target, source string) (string, error) {
	prompt := "Translate the text into " + target + "."
	if source != "" {
		prompt = "Translate the text from " + source + " into " + target + "."
	}
	prompt += " Keep code blocks and formatting unchanged. Answer with the translation only."
	return t.c.Chat(ctx, ChatRequest{
		Model:    t.model,
		Messages: []Message{system(prompt), user(text)},
	})
}

// Vision describes image attachments.
type Vision struct {
	c     *Client
	model string
}

// NewVision creates a vision describer.
func NewVision(c *Client, model string) *Vision {
	return &Vision{c: c, model: model}
}

// Describe implements assist.Vision.
func (v *Vision) Describe(ctx context.Context, img task.Image) (string, error) {
	url, err := imageURL(img)
	if err != nil {
		return "", err
	}
	return v.c.Chat(ctx, ChatRequest{
		Model: v.model,
		Messages: []Message{{
			Role: "user",
			Content: []ContentPart{
				{Type: "text", Text: "Describe this image precisely, including any visible text."},
				{Type: "image_url", ImageURL: &ImageURL{URL: url}},
			},
		}},
	})
}

func imageURL(img task.Image) (string, error) {
	if img.URL != "" {
		return img.URL, nil
	}
	if len(img.Data) == 0 {
		return "", fmt.Errorf("image %q has neither url nor data", img.Name)
	}
	mime := img.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img.Data), nil
}
