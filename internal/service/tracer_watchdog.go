package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/Strob0t/Switchyard/internal/domain/trace"
	"github.com/Strob0t/Switchyard/internal/port/broadcast"
)

// StartWatchdog scans PROCESSING traces every watchdog interval until Close.
func (s *TracerService) StartWatchdog(ctx context.Context) {
	interval := s.cfg.WatchdogInterval
	if interval <= 0 {
		interval = time.Minute
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.SweepLost(ctx)
			}
		}
	}()
	slog.Info("trace watchdog started", "interval", interval, "timeout", s.cfg.InactivityTimeout)
}

// SweepLost marks PROCESSING traces idle for longer than the inactivity
// timeout as LOST and returns their ids. The OnLost callback runs for each.
func (s *TracerService) SweepLost(ctx context.Context) []string {
	now := s.now().UTC()
	cutoff := now.Add(-s.cfg.InactivityTimeout)

	var lost []string
	s.mu.Lock()
	for _, id := range s.order {
		tr := s.traces[id]
		if tr.Status != trace.StatusProcessing || !tr.LastActivity.Before(cutoff) {
			continue
		}
		idle := now.Sub(tr.LastActivity)
		tr.Status = trace.StatusLost
		tr.FinishedAt = &now
		tr.LastActivity = now
		tr.Steps = append(tr.Steps, trace.Step{
			Component: "watchdog",
			Action:    "timeout",
			Timestamp: now,
			Status:    trace.StepError,
			Details:   map[string]any{"idle_seconds": int(idle.Seconds())},
		})
		lost = append(lost, id)
	}
	onLost := s.onLost
	s.mu.Unlock()

	if len(lost) == 0 {
		return nil
	}
	s.writer.MarkDirty()
	for _, id := range lost {
		slog.Warn("trace lost", "trace_id", id, "timeout", s.cfg.InactivityTimeout)
		s.events.BroadcastEvent(ctx, broadcast.EventTraceLost, map[string]any{"trace_id": id})
		if onLost != nil {
			onLost(ctx, id)
		}
	}
	return lost
}
