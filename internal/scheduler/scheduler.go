// Package scheduler runs Citabot's recurring maintenance jobs.
//
// It wraps a cron runner and registers the nightly retention purge and the
// periodic suspicious-pattern scan against the audit ledger.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/citabot/citabot/internal/audit"
)

// DefaultPurgeCron runs the retention purge nightly, off peak.
const DefaultPurgeCron = "30 3 * * *"

// DefaultScanCron runs the suspicious-pattern scan every 15 minutes.
const DefaultScanCron = "*/15 * * * *"

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Use standard 5-field cron parser (min, hour, dom, month, dow) and enable recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// ScheduleRetentionPurge registers the nightly cleanup of expired
// conversation data and old audit events.
func (s *Scheduler) ScheduleRetentionPurge(ledger *audit.Ledger, retentionDays int, expr string) error {
	if expr == "" {
		expr = DefaultPurgeCron
	}
	return s.AddJob(expr, func() {
		result, err := ledger.CleanupOldLogs(context.Background(), time.Now(), retentionDays)
		if err != nil {
			slog.Error("Scheduler retention purge failed", "error", err)
			return
		}
		slog.Info("Scheduler retention purge completed",
			"messages", result.Messages, "conversations", result.Conversations,
			"audit_events", result.AuditEvents)
	})
}

// ScheduleSuspiciousScan registers the periodic scan for repeated-failure
// clusters. Findings are surfaced through the log for the on-call operator.
func (s *Scheduler) ScheduleSuspiciousScan(ledger *audit.Ledger, expr string) error {
	if expr == "" {
		expr = DefaultScanCron
	}
	return s.AddJob(expr, func() {
		findings, err := ledger.DetectSuspiciousPatterns(time.Now())
		if err != nil {
			slog.Error("Scheduler suspicious scan failed", "error", err)
			return
		}
		for _, f := range findings {
			slog.Warn("Scheduler suspicious pattern", "severity", f.Severity,
				"actor", f.ActorID, "ip", f.IPAddress, "count", f.Count, "summary", f.Summary)
		}
	})
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
