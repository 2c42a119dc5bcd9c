package audit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/citabot/citabot/internal/models"
	"github.com/citabot/citabot/internal/store"
)

// failingStore wraps the in-memory store and fails audit writes on demand.
type failingStore struct {
	*store.InMemoryStore
	failWrites bool
}

func (f *failingStore) AddAuditEvent(e models.AuditEvent) error {
	if f.failWrites {
		return errors.New("database unavailable")
	}
	return f.InMemoryStore.AddAuditEvent(e)
}

func TestLogEventNeverFailsBusinessPath(t *testing.T) {
	fs := &failingStore{InMemoryStore: store.NewInMemoryStore(), failWrites: true}
	ledger := NewLedger(fs)

	ledger.LogEvent(models.AuditEvent{Type: models.EventDataAccess, Subject: "+34600111222"})

	diverted := ledger.FallbackEvents()
	if len(diverted) != 1 {
		t.Fatalf("expected 1 diverted event, got %d", len(diverted))
	}
	if diverted[0].ID == "" {
		t.Error("expected diverted event to carry an assigned id")
	}
	if diverted[0].Timestamp.IsZero() {
		t.Error("expected diverted event to carry a timestamp")
	}

	// With storage healthy nothing is diverted.
	fs.failWrites = false
	ledger.LogEvent(models.AuditEvent{Type: models.EventDataAccess, Subject: "+34600111222"})
	if len(ledger.FallbackEvents()) != 1 {
		t.Error("expected no additional diverted events once storage recovered")
	}
}

func TestLogDataAccessRequiresPurposeAndLegalBasis(t *testing.T) {
	ledger := NewLedger(store.NewInMemoryStore())

	err := ledger.LogDataAccess(models.DataAccessRecord{
		Subject:  "+34600111222",
		ActorID:  "operator-1",
		DataType: "conversation",
	})
	if !models.IsValidationError(err) {
		t.Fatalf("expected validation error without purpose, got %v", err)
	}

	err = ledger.LogDataAccess(models.DataAccessRecord{
		Subject:    "+34600111222",
		ActorID:    "operator-1",
		DataType:   "conversation",
		Operation:  "read",
		Purpose:    "support inquiry",
		LegalBasis: "legitimate interest",
	})
	if err != nil {
		t.Fatalf("expected valid record to be accepted, got %v", err)
	}

	page, err := ledger.Query(models.AuditFilter{Type: models.EventDataAccess})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if page.Total != 1 {
		t.Fatalf("expected exactly 1 recorded access, got %d", page.Total)
	}
	if page.Events[0].Details["legal_basis"] != "legitimate interest" {
		t.Errorf("expected legal basis stored, got %q", page.Events[0].Details["legal_basis"])
	}
}

func TestLogConsentValidation(t *testing.T) {
	ledger := NewLedger(store.NewInMemoryStore())

	if err := ledger.LogConsent(models.ConsentRecord{Subject: "+34600111222"}); !models.IsValidationError(err) {
		t.Errorf("expected validation error for incomplete consent, got %v", err)
	}

	err := ledger.LogConsent(models.ConsentRecord{
		Subject:     "+34600111222",
		ConsentType: "marketing",
		Granted:     true,
		Purpose:     "appointment reminders",
		Method:      "whatsapp_reply",
	})
	if err != nil {
		t.Fatalf("expected valid consent accepted, got %v", err)
	}

	page, _ := ledger.Query(models.AuditFilter{Type: models.EventConsent})
	if page.Total != 1 {
		t.Fatalf("expected 1 consent event, got %d", page.Total)
	}
	if page.Events[0].Details["granted"] != "true" {
		t.Errorf("expected granted flag recorded, got %q", page.Events[0].Details["granted"])
	}
}

func TestDetectSuspiciousPatterns(t *testing.T) {
	ledger := NewLedger(store.NewInMemoryStore(), WithSuspiciousThreshold(3), WithSuspiciousWindow(10*time.Minute))
	now := time.Now()

	for i := 0; i < 4; i++ {
		ledger.LogSecurityIncident(models.SeverityMedium, "", "10.0.0.9", "curl", "failed webhook signature")
	}
	// Below threshold for this actor.
	ledger.LogSecurityIncident(models.SeverityMedium, "operator-2", "", "", "single failure")
	// Outside the window.
	ledger.LogEvent(models.AuditEvent{
		Type: models.EventSecurityIncident, Severity: models.SeverityMedium,
		IPAddress: "10.0.0.9", Timestamp: now.Add(-time.Hour),
	})

	findings, err := ledger.DetectSuspiciousPatterns(now)
	if err != nil {
		t.Fatalf("DetectSuspiciousPatterns failed: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d: %+v", len(findings), findings)
	}
	f := findings[0]
	if f.IPAddress != "10.0.0.9" || f.Count != 4 {
		t.Errorf("unexpected finding: %+v", f)
	}
	if f.Severity != models.SeverityMedium {
		t.Errorf("expected medium severity at threshold, got %s", f.Severity)
	}
}

func TestDetectSuspiciousPatternsGrading(t *testing.T) {
	tests := []struct {
		count int
		want  models.Severity
	}{
		{3, models.SeverityMedium},
		{6, models.SeverityHigh},
		{12, models.SeverityCritical},
	}
	for _, tt := range tests {
		if got := gradeFinding(tt.count, 3); got != tt.want {
			t.Errorf("gradeFinding(%d, 3) = %s, want %s", tt.count, got, tt.want)
		}
	}
}

func TestGenerateGDPRReport(t *testing.T) {
	ledger := NewLedger(store.NewInMemoryStore())
	subject := "+34600111222"

	if err := ledger.LogDataAccess(models.DataAccessRecord{
		Subject: subject, ActorID: "system", DataType: "client", Operation: "read",
		Purpose: "booking", LegalBasis: "contract",
	}); err != nil {
		t.Fatalf("LogDataAccess failed: %v", err)
	}
	if err := ledger.LogConsent(models.ConsentRecord{
		Subject: subject, ConsentType: "reminders", Granted: true, Purpose: "appointment reminders",
	}); err != nil {
		t.Fatalf("LogConsent failed: %v", err)
	}
	ledger.LogEvent(models.AuditEvent{Type: models.EventSecurityIncident, Severity: models.SeverityHigh, Subject: subject})
	// Another subject must not leak into the report.
	ledger.LogEvent(models.AuditEvent{Type: models.EventDataAccess, Subject: "+34999888777"})

	report, err := ledger.GenerateGDPRReport(subject, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("GenerateGDPRReport failed: %v", err)
	}
	if len(report.AccessLog) != 1 || len(report.Consents) != 1 || len(report.Incidents) != 1 {
		t.Errorf("unexpected report sections: access=%d consents=%d incidents=%d",
			len(report.AccessLog), len(report.Consents), len(report.Incidents))
	}
	if report.Totals[string(models.EventDataAccess)] != 1 {
		t.Errorf("unexpected totals: %+v", report.Totals)
	}

	if _, err := ledger.GenerateGDPRReport("", time.Time{}, time.Time{}); !models.IsValidationError(err) {
		t.Errorf("expected validation error for empty subject, got %v", err)
	}
}

func TestCleanupOldLogsIdempotent(t *testing.T) {
	s := store.NewInMemoryStore()
	ledger := NewLedger(s, WithAuditRetentionDays(730), WithPurgeBatchSize(2))
	now := time.Now()

	for i := 0; i < 5; i++ {
		if err := s.AddMessage(models.Message{Owner: "+34600111222", Content: "old", Direction: models.DirectionFromUser, Timestamp: now.AddDate(-2, 0, 0)}); err != nil {
			t.Fatalf("AddMessage failed: %v", err)
		}
	}
	if err := s.AddAuditEvent(models.AuditEvent{ID: "ancient", Type: models.EventDataAccess, Severity: models.SeverityInfo, Timestamp: now.AddDate(-3, 0, 0)}); err != nil {
		t.Fatalf("AddAuditEvent failed: %v", err)
	}
	if err := s.AddAuditEvent(models.AuditEvent{ID: "recent", Type: models.EventDataAccess, Severity: models.SeverityInfo, Timestamp: now.AddDate(-1, 0, 0)}); err != nil {
		t.Fatalf("AddAuditEvent failed: %v", err)
	}

	result, err := ledger.CleanupOldLogs(context.Background(), now, 365)
	if err != nil {
		t.Fatalf("CleanupOldLogs failed: %v", err)
	}
	if result.Messages != 5 {
		t.Errorf("expected 5 messages purged, got %d", result.Messages)
	}
	// The year-old audit event is inside the 730-day floor and must survive.
	if result.AuditEvents != 1 {
		t.Errorf("expected 1 audit event purged, got %d", result.AuditEvents)
	}

	again, err := ledger.CleanupOldLogs(context.Background(), now, 365)
	if err != nil {
		t.Fatalf("second CleanupOldLogs failed: %v", err)
	}
	if again.TotalRemoved() != 0 {
		t.Errorf("expected second run to remove nothing, got %d", again.TotalRemoved())
	}
}

func TestCleanupOldLogsEnforcesRetentionFloor(t *testing.T) {
	ledger := NewLedger(store.NewInMemoryStore(), WithAuditRetentionDays(300))

	_, err := ledger.CleanupOldLogs(context.Background(), time.Now(), 365)
	if !errors.Is(err, models.ErrRetentionPolicyViolation) {
		t.Errorf("expected retention policy violation, got %v", err)
	}
}

func TestCleanupOldLogsAbortsOnContext(t *testing.T) {
	ledger := NewLedger(store.NewInMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ledger.CleanupOldLogs(ctx, time.Now(), 365)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context cancellation error, got %v", err)
	}
}

func TestExportFormats(t *testing.T) {
	ledger := NewLedger(store.NewInMemoryStore())
	ledger.LogEvent(models.AuditEvent{
		Type: models.EventDataAccess, Severity: models.SeverityInfo,
		Subject: "+34600111222", ActorID: "system",
		Details: map[string]string{"operation": "read", "data_type": "client"},
	})

	jsonOut, err := ledger.Export(models.AuditFilter{}, FormatJSON)
	if err != nil {
		t.Fatalf("json export failed: %v", err)
	}
	if !strings.Contains(string(jsonOut), "+34600111222") {
		t.Error("expected subject in json export")
	}

	csvOut, err := ledger.Export(models.AuditFilter{}, FormatCSV)
	if err != nil {
		t.Fatalf("csv export failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(csvOut)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header plus 1 row, got %d lines", len(lines))
	}
	if !strings.Contains(lines[1], "data_type=client operation=read") {
		t.Errorf("expected sorted flattened details, got %q", lines[1])
	}

	txtOut, err := ledger.Export(models.AuditFilter{}, FormatText)
	if err != nil {
		t.Fatalf("txt export failed: %v", err)
	}
	if !strings.Contains(string(txtOut), "subject=+34600111222") {
		t.Errorf("expected subject in text export, got %q", string(txtOut))
	}
}

func TestParseExportFormat(t *testing.T) {
	if f, err := ParseExportFormat(""); err != nil || f != FormatJSON {
		t.Errorf("expected empty format to default to json, got %v %v", f, err)
	}
	if f, err := ParseExportFormat("CSV"); err != nil || f != FormatCSV {
		t.Errorf("expected case-insensitive csv, got %v %v", f, err)
	}
	if _, err := ParseExportFormat("xml"); !models.IsValidationError(err) {
		t.Errorf("expected validation error for xml, got %v", err)
	}
}
