package scheduler

import (
	"testing"

	"github.com/citabot/citabot/internal/audit"
	"github.com/citabot/citabot/internal/store"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	// Should add a valid cron job without error
	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob("not a cron expr", func() {}); err == nil {
		t.Error("Expected error for invalid cron expression")
	}
}

func TestScheduleMaintenanceJobs(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	ledger := audit.NewLedger(store.NewInMemoryStore())

	if err := s.ScheduleRetentionPurge(ledger, 365, ""); err != nil {
		t.Errorf("ScheduleRetentionPurge with default cron failed: %v", err)
	}
	if err := s.ScheduleSuspiciousScan(ledger, ""); err != nil {
		t.Errorf("ScheduleSuspiciousScan with default cron failed: %v", err)
	}
	if err := s.ScheduleRetentionPurge(ledger, 365, "bad expr"); err == nil {
		t.Error("Expected error for invalid purge cron expression")
	}
}
