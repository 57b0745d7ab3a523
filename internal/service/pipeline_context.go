package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/Strob0t/Switchyard/internal/domain/task"
	"github.com/Strob0t/Switchyard/internal/domain/trace"
	"github.com/Strob0t/Switchyard/internal/port/assist"
	"github.com/Strob0t/Switchyard/internal/port/learning"
)

const knowledgeLimit = 3

// promptParts is the pipeline-local material the effective prompt is built from.
type promptParts struct {
	body       string
	summary    string
	history    []assist.Turn
	knowledge  []learning.Knowledge
	directives []string
}

// buildContext gathers the body, image descriptions, extra sections and
// session history. The fast path keeps only the raw content and history.
func (p *PipelineService) buildContext(ctx context.Context, r *Run) error {
	parts := &promptParts{}
	req := r.Request

	var b strings.Builder
	b.WriteString(strings.TrimSpace(req.Content))

	if !r.Fast {
		p.describeImages(ctx, r, &b)
		if sections := renderExtra(req.Extra); sections != "" {
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			b.WriteString(sections)
		}
	}
	parts.body = b.String()

	if req.SessionID != "" && p.sessions != nil {
		sess, err := p.sessions.Load(ctx, req.SessionID)
		if err != nil {
			slog.Warn("load session", "task_id", r.TaskID, "session_id", req.SessionID, "error", err)
		} else {
			parts.summary = sess.Summary
			parts.history = sess.Turns
			if n := p.cfg.HistoryTurns; n > 0 && len(parts.history) > n {
				parts.history = parts.history[len(parts.history)-n:]
			}
		}
	}

	r.parts = parts
	p.tracer.AddStep(ctx, r.TaskID, "context", "built", trace.StepOK, map[string]any{
		"chars":         utf8.RuneCountInString(parts.body),
		"images":        len(req.Images),
		"history_turns": len(parts.history),
		"fast_path":     r.Fast,
	})
	return nil
}

// describeImages appends one description per image. A failed image is
// logged and skipped.
func (p *PipelineService) describeImages(ctx context.Context, r *Run, b *strings.Builder) {
	if len(r.Request.Images) == 0 {
		return
	}
	if p.vision == nil {
		_ = p.store.AddLog(r.TaskID, fmt.Sprintf("%d image(s) ignored: no vision backend", len(r.Request.Images)))
		return
	}
	for i, img := range r.Request.Images {
		desc, err := p.vision.Describe(ctx, img)
		if err != nil {
			slog.Warn("describe image", "task_id", r.TaskID, "image", i+1, "error", err)
			_ = p.store.AddLog(r.TaskID, fmt.Sprintf("image %d skipped: %v", i+1, err))
			p.tracer.AddStep(ctx, r.TaskID, "vision", "describe", trace.StepError, map[string]any{"image": i + 1, "error": err.Error()})
			continue
		}
		name := img.Name
		if name == "" {
			name = fmt.Sprintf("image %d", i+1)
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(b, "[Image: %s]\n%s", name, strings.TrimSpace(desc))
	}
}

// renderExtra renders the extra context as labelled bullet lists. Empty
// sections are omitted.
func renderExtra(e task.ExtraContext) string {
	sections := []struct {
		label string
		items []string
	}{
		{"Files", e.Files},
		{"Links", e.Links},
		{"Paths", e.Paths},
		{"Notes", e.Notes},
	}
	var out []string
	for _, s := range sections {
		var b strings.Builder
		for _, it := range s.items {
			if it = strings.TrimSpace(it); it != "" {
				b.WriteString("\n- ")
				b.WriteString(it)
			}
		}
		if b.Len() > 0 {
			out = append(out, s.label+":"+b.String())
		}
	}
	return strings.Join(out, "\n\n")
}

// assemblePrompt adds intent directives and related knowledge, then trims the
// result to the active backend's budget. History goes first, then the tail
// of the body.
func (p *PipelineService) assemblePrompt(ctx context.Context, r *Run) {
	parts := r.parts
	if !r.Fast {
		parts.directives = p.directivesFor(r.intent)
		p.lookupKnowledge(ctx, r)
	}

	budget := p.charBudget(r)
	prompt := renderPrompt(parts)
	if budget <= 0 || utf8.RuneCountInString(prompt) <= budget {
		r.prompt = prompt
		return
	}

	before := utf8.RuneCountInString(prompt)
	droppedTurns := 0
	for len(parts.history) > 0 && utf8.RuneCountInString(prompt) > budget {
		parts.history = parts.history[1:]
		droppedTurns++
		prompt = renderPrompt(parts)
	}
	if over := utf8.RuneCountInString(prompt) - budget; over > 0 {
		if parts.summary != "" {
			parts.summary = ""
			prompt = renderPrompt(parts)
			over = utf8.RuneCountInString(prompt) - budget
		}
		if over > 0 {
			body := []rune(parts.body)
			keep := len(body) - over
			if keep < 0 {
				keep = 0
			}
			parts.body = string(body[:keep])
			prompt = renderPrompt(parts)
		}
	}
	r.prompt = prompt

	after := utf8.RuneCountInString(prompt)
	msg := fmt.Sprintf("context trimmed from %d to %d chars (budget %d, %d history turns dropped)", before, after, budget, droppedTurns)
	_ = p.store.AddLog(r.TaskID, msg)
	p.tracer.AddStep(ctx, r.TaskID, "context", "trimmed", trace.StepOK, map[string]any{
		"before": before, "after": after, "budget": budget, "dropped_turns": droppedTurns,
	})
	slog.Info("context trimmed", "task_id", r.TaskID, "before", before, "after", after, "budget", budget)
}

// charBudget derives the character budget from the bound runtime. Zero means unlimited.
func (p *PipelineService) charBudget(r *Run) int {
	window := 0
	if r.Request.Override != nil && r.Request.Override.Backend != "" {
		if b, ok := p.dispatch.Backend(r.Request.Override.Backend); ok {
			window = b.ContextWindow
		}
	} else {
		window = p.dispatch.ActiveBackend().ContextWindow
	}
	if window <= 0 {
		return 0
	}
	budget := window*p.cfg.CharsPerToken - p.cfg.ContextReserveChars
	if budget < 256 {
		budget = 256
	}
	return budget
}

func (p *PipelineService) directivesFor(intent string) []string {
	ds := p.cfg.Directives[intent]
	if n := p.cfg.MaxDirectives; n > 0 && len(ds) > n {
		ds = ds[:n]
	}
	return ds
}

// lookupKnowledge consults the knowledge sink and records what was used.
func (p *PipelineService) lookupKnowledge(ctx context.Context, r *Run) {
	if p.learning == nil {
		return
	}
	items, err := p.learning.Related(ctx, r.intent, r.Request.Content, knowledgeLimit)
	if err != nil {
		slog.Warn("knowledge lookup", "task_id", r.TaskID, "error", err)
		return
	}
	if len(items) == 0 {
		return
	}
	r.parts.knowledge = items
	used := &task.ContextUsed{Items: make([]task.KnowledgeRef, 0, len(items))}
	for _, k := range items {
		used.Items = append(used.Items, task.KnowledgeRef{ID: k.ID, Title: k.Title, Source: k.Source})
	}
	_ = p.store.SetContextUsed(r.TaskID, used)
}

// renderPrompt lays the parts out in a fixed order: directives, knowledge,
// history, then the request body.
func renderPrompt(parts *promptParts) string {
	var sections []string
	if len(parts.directives) > 0 {
		sections = append(sections, "Instructions:\n- "+strings.Join(parts.directives, "\n- "))
	}
	if len(parts.knowledge) > 0 {
		var b strings.Builder
		b.WriteString("Related knowledge:")
		for _, k := range parts.knowledge {
			fmt.Fprintf(&b, "\n- %s: %s", k.Title, strings.TrimSpace(k.Content))
		}
		sections = append(sections, b.String())
	}
	if parts.summary != "" || len(parts.history) > 0 {
		var b strings.Builder
		b.WriteString("Conversation so far:")
		if parts.summary != "" {
			b.WriteString("\nSummary: ")
			b.WriteString(parts.summary)
		}
		for _, t := range parts.history {
			fmt.Fprintf(&b, "\n%s: %s", t.Role, t.Content)
		}
		sections = append(sections, b.String())
	}
	sections = append(sections, parts.body)
	return strings.Join(sections, "\n\n")
}
