package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/Strob0t/Switchyard/internal/config"
	"github.com/Strob0t/Switchyard/internal/port/policy"
)

var _ policy.Gate = (*RuleGate)(nil)

// roleMarkers are line prefixes that try to impersonate another chat role.
var roleMarkers = []string{
	"system:", "assistant:", "[system]", "[assistant]",
	"<|system|>", "<|assistant|>", "<|im_start|>",
	"### system", "### assistant", "### instruction",
}

type compiledRule struct {
	name    string
	re      *regexp.Regexp
	message string
}

// RuleGate evaluates configured admission rules. Checks run in a fixed
// order and the first failing one denies: prompt size, forced intent,
// role markers, then the pattern rules in declaration order.
type RuleGate struct {
	rules       []compiledRule
	denyIntents map[string]struct{}
	markers     bool
	maxChars    int
}

// NewRuleGate compiles cfg. An invalid pattern is a configuration error.
func NewRuleGate(cfg config.Policy) (*RuleGate, error) {
	g := &RuleGate{
		denyIntents: make(map[string]struct{}, len(cfg.DenyIntents)),
		markers:     cfg.BlockRoleMarkers,
		maxChars:    cfg.MaxPromptChars,
	}
	for _, in := range cfg.DenyIntents {
		g.denyIntents[strings.ToLower(strings.TrimSpace(in))] = struct{}{}
	}
	for i, r := range cfg.Rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("policy rule %d (%s): %w", i, r.Name, err)
		}
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("rule-%d", i)
		}
		g.rules = append(g.rules, compiledRule{name: name, re: re, message: r.Message})
	}
	return g, nil
}

// Evaluate implements policy.Gate.
func (g *RuleGate) Evaluate(ctx context.Context, gc policy.GateContext) (policy.GateDecision, error) {
	if err := ctx.Err(); err != nil {
		return policy.GateDecision{}, err
	}
	if g.maxChars > 0 && utf8.RuneCountInString(gc.Content) > g.maxChars {
		return deny("max_prompt_chars", fmt.Sprintf("Request exceeds %d characters", g.maxChars)), nil
	}
	if gc.Intent != "" {
		if _, ok := g.denyIntents[strings.ToLower(gc.Intent)]; ok {
			return deny("deny_intents", fmt.Sprintf("Intent %q is not allowed", gc.Intent)), nil
		}
	}
	if g.markers {
		if line, ok := findRoleMarker(gc.Content); ok {
			return deny("role_markers", fmt.Sprintf("Request contains a role override line: %q", preview(line, 40))), nil
		}
	}
	for _, r := range g.rules {
		if r.re.MatchString(gc.Content) {
			return deny(r.name, r.message), nil
		}
	}
	return policy.GateDecision{Allowed: true}, nil
}

func deny(rule, msg string) policy.GateDecision {
	return policy.GateDecision{Allowed: false, Rule: rule, Message: msg}
}

// findRoleMarker returns the first line that starts with a role marker.
func findRoleMarker(s string) (string, bool) {
	for line := range strings.Lines(s) {
		trimmed := strings.ToLower(strings.TrimSpace(line))
		for _, m := range roleMarkers {
			if strings.HasPrefix(trimmed, m) {
				return strings.TrimSpace(line), true
			}
		}
	}
	return "", false
}

func preview(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
