package service

import (
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// StartRetention schedules ClearOldTraces(days) on a cron spec such as
// "@daily" or "0 3 * * *".
func (s *TracerService) StartRetention(spec string, days int) error {
	if spec == "" || days <= 0 {
		return nil
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	if _, err := c.AddFunc(spec, func() { s.ClearOldTraces(days) }); err != nil {
		return fmt.Errorf("trace retention schedule %q: %w", spec, err)
	}

	s.mu.Lock()
	if s.cron != nil {
		s.cron.Stop()
	}
	s.cron = c
	s.mu.Unlock()

	c.Start()
	slog.Info("trace retention scheduled", "schedule", spec, "days", days)
	return nil
}
