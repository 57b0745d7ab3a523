// Package routing holds the pure decision-gate logic that picks one execution
// strategy per task.
package routing

import (
	"slices"
	"strings"
	"unicode/utf8"
)

// Route identifies an execution strategy.
type Route string

const (
	RouteCampaign     Route = "campaign"
	RouteHelp         Route = "help"
	RouteUnsupported  Route = "unsupported"
	RouteDeliberation Route = "deliberation"
	RouteRepair       Route = "repair"
	RoutePlan         Route = "plan"
	RouteDirect       Route = "direct"
)

// Intents with a dedicated branch.
const (
	IntentCampaign = "campaign"
	IntentHelp     = "help"
	IntentCode     = "code"
	IntentPlan     = "plan"
)

// Rules are the tunable thresholds of the decision gate.
type Rules struct {
	DeliberationMinChars  int
	CollaborationKeywords []string
	ComplexIntents        []string
	ToolRequirements      map[string]string // intent -> tool that must be available
}

// Input is everything the gate looks at.
type Input struct {
	Intent  string
	Content string
	// HasTool reports whether a tool is currently available. Nil means none are.
	HasTool func(name string) bool
}

// Decision is the gate outcome.
type Decision struct {
	Route Route
	// Reason is a short machine-readable explanation recorded on the trace.
	Reason string
	// MissingTool is set for RouteUnsupported.
	MissingTool string
}

// Decide evaluates the branches in priority order; exactly one route is returned.
func Decide(in Input, r Rules) Decision {
	intent := strings.ToLower(strings.TrimSpace(in.Intent))

	switch intent {
	case IntentCampaign:
		return Decision{Route: RouteCampaign, Reason: "intent"}
	case IntentHelp:
		return Decision{Route: RouteHelp, Reason: "intent"}
	}

	if tool, ok := r.ToolRequirements[intent]; ok && tool != "" {
		if in.HasTool == nil || !in.HasTool(tool) {
			return Decision{Route: RouteUnsupported, Reason: "tool_unavailable", MissingTool: tool}
		}
	}

	if slices.Contains(r.ComplexIntents, intent) {
		return Decision{Route: RouteDeliberation, Reason: "complex_intent"}
	}
	if utf8.RuneCountInString(in.Content) > r.DeliberationMinChars && HasCollaborationKeyword(in.Content, r.CollaborationKeywords) {
		return Decision{Route: RouteDeliberation, Reason: "collaboration_keyword"}
	}

	switch intent {
	case IntentCode:
		return Decision{Route: RouteRepair, Reason: "intent"}
	case IntentPlan:
		return Decision{Route: RoutePlan, Reason: "intent"}
	}
	return Decision{Route: RouteDirect, Reason: "default"}
}

// HasCollaborationKeyword reports whether content mentions any keyword, case-insensitively.
func HasCollaborationKeyword(content string, keywords []string) bool {
	lower := strings.ToLower(content)
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// IsFastPath reports whether a request may skip queue wait and heavy context assembly.
func IsFastPath(content string, images int, overridden bool, maxChars int) bool {
	return !overridden && images == 0 && utf8.RuneCountInString(content) < maxChars
}
