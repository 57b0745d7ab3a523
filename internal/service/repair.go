package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Strob0t/Switchyard/internal/config"
	"github.com/Strob0t/Switchyard/internal/domain/repair"
	"github.com/Strob0t/Switchyard/internal/port/assist"
	"github.com/Strob0t/Switchyard/internal/port/taskstore"
	"github.com/Strob0t/Switchyard/internal/port/worker"
)

// RepairRequest starts a generate-review loop.
type RepairRequest struct {
	TaskID string
	Prompt string
	// File is the workspace file the request is about, if known.
	File string
}

// RepairResult is the outcome of a loop. Text carries the banner for
// unapproved outcomes; Artifact is always the last generated artifact.
type RepairResult struct {
	Text     string         `json:"text"`
	Artifact string         `json:"artifact"`
	Outcome  repair.Outcome `json:"outcome"`
	Attempts int            `json:"attempts"`
	CostUSD  float64        `json:"cost_usd"`
	Verdict  string         `json:"verdict,omitempty"`
}

// RepairService runs the bounded generate → review → repair loop.
type RepairService struct {
	gen   worker.Generator
	rev   worker.Reviewer
	cost  assist.CostEstimator
	ws    assist.Workspace
	store taskstore.Store
	cfg   config.Repair
}

// NewRepairService creates the loop. cost, ws and store may be nil.
func NewRepairService(gen worker.Generator, rev worker.Reviewer, cost assist.CostEstimator, ws assist.Workspace, store taskstore.Store, cfg config.Repair) *RepairService {
	if cfg.ApprovalToken == "" {
		cfg.ApprovalToken = "APPROVED"
	}
	if cfg.MaxErrorRepeats <= 0 {
		cfg.MaxErrorRepeats = 3
	}
	if cfg.FeedbackPreviewChars <= 0 {
		cfg.FeedbackPreviewChars = 300
	}
	// A window shorter than the repeat threshold could never detect a loop.
	if cfg.FingerprintWindow <= 0 {
		cfg.FingerprintWindow = 6
	}
	cfg.FingerprintWindow = max(cfg.FingerprintWindow, cfg.MaxErrorRepeats)
	return &RepairService{gen: gen, rev: rev, cost: cost, ws: ws, store: store, cfg: cfg}
}

type repairState struct {
	attempt  int
	artifact string
	verdict  string
	file     string
	fileBody string
	spent    float64
	window   *repair.Window
}

// Run executes the loop. Exhausting attempts, detecting a loop or hitting the
// budget are outcomes, not errors; errors come only from the collaborators.
func (s *RepairService) Run(ctx context.Context, req RepairRequest) (*RepairResult, error) {
	st := &repairState{file: req.File, window: repair.NewWindow(s.cfg.FingerprintWindow)}
	maxAttempts := s.cfg.MaxAttempts + 1

	for st.attempt = 1; ; st.attempt++ {
		if st.attempt > 1 && st.window.Repeated(s.cfg.MaxErrorRepeats) {
			return s.finish(req, st, repair.OutcomeLoopDetected), nil
		}
		if st.attempt > maxAttempts {
			st.attempt = maxAttempts
			return s.finish(req, st, repair.OutcomeMaxAttempts), nil
		}

		prompt := s.buildPrompt(req.Prompt, st)
		est := s.estimate(ctx, prompt, st.attempt)
		overBudget := s.cfg.CostCeiling > 0 && st.spent+est > s.cfg.CostCeiling
		if overBudget && st.attempt > 1 {
			st.attempt--
			return s.finish(req, st, repair.OutcomeBudgetExceeded), nil
		}

		artifact, err := s.gen.Generate(ctx, prompt)
		if err != nil {
			return nil, fmt.Errorf("generate attempt %d: %w", st.attempt, err)
		}
		st.artifact = artifact
		st.spent += est

		if overBudget {
			// First attempt: the single generation stands unreviewed.
			s.log(req.TaskID, "self-repair attempt %d: cost %.4f exceeds ceiling %.4f, skipping review", st.attempt, st.spent, s.cfg.CostCeiling)
			return s.finish(req, st, repair.OutcomeBudgetExceeded), nil
		}

		verdict, err := s.rev.Review(ctx, artifact)
		if err != nil {
			return nil, fmt.Errorf("review attempt %d: %w", st.attempt, err)
		}
		st.verdict = verdict

		if repair.IsApproved(verdict, s.cfg.ApprovalToken) {
			s.log(req.TaskID, "self-repair attempt %d/%d: approved", st.attempt, maxAttempts)
			return s.finish(req, st, repair.OutcomeApproved), nil
		}

		st.window.Push(repair.Fingerprint(verdict))
		s.log(req.TaskID, "self-repair attempt %d/%d: rejected: %s", st.attempt, maxAttempts, repair.Truncate(strings.TrimSpace(verdict), 120))
		s.loadTargetFile(ctx, req.TaskID, st)
	}
}

func (s *RepairService) finish(req RepairRequest, st *repairState, outcome repair.Outcome) *RepairResult {
	if outcome != repair.OutcomeApproved {
		s.log(req.TaskID, "self-repair stopped: %s after %d attempts", outcome, st.attempt)
	}
	slog.Info("self-repair finished", "task_id", req.TaskID, "outcome", outcome, "attempts", st.attempt, "cost_usd", st.spent)
	return &RepairResult{
		Text:     repair.Banner(outcome, st.artifact, st.verdict, s.cfg.FeedbackPreviewChars),
		Artifact: st.artifact,
		Outcome:  outcome,
		Attempts: st.attempt,
		CostUSD:  st.spent,
		Verdict:  st.verdict,
	}
}

func (s *RepairService) estimate(ctx context.Context, prompt string, attempt int) float64 {
	if s.cost == nil {
		return 0
	}
	est, err := s.cost.Estimate(ctx, assist.CostRequest{Model: s.cfg.Model, Prompt: prompt, Attempt: attempt})
	if err != nil {
		slog.Warn("cost estimate failed, assuming zero", "attempt", attempt, "error", err)
		return 0
	}
	return est.USD
}

// loadTargetFile follows a "FILE: <path>" line in the verdict when it names a
// file other than the current one.
func (s *RepairService) loadTargetFile(ctx context.Context, taskID string, st *repairState) {
	path, ok := repair.TargetFile(st.verdict)
	if !ok || path == st.file || s.ws == nil {
		return
	}
	body, err := s.ws.ReadFile(ctx, path)
	if err != nil {
		slog.Warn("read reviewer target file", "task_id", taskID, "path", path, "error", err)
		return
	}
	st.file = path
	st.fileBody = body
	s.log(taskID, "self-repair switching target file to %s", path)
}

func (s *RepairService) buildPrompt(request string, st *repairState) string {
	if st.attempt == 1 {
		return request
	}
	var b strings.Builder
	b.WriteString(request)
	b.WriteString("\n\nPrevious attempt:\n")
	b.WriteString(st.artifact)
	b.WriteString("\n\nReviewer feedback:\n")
	b.WriteString(st.verdict)
	if st.fileBody != "" {
		fmt.Fprintf(&b, "\n\nCurrent contents of %s:\n%s", st.file, st.fileBody)
	}
	b.WriteString("\n\nProduce a corrected version that addresses the feedback.")
	return b.String()
}

func (s *RepairService) log(taskID, format string, args ...any) {
	if s.store == nil || taskID == "" {
		return
	}
	_ = s.store.AddLog(taskID, fmt.Sprintf(format, args...))
}
