// Package audit provides the append-only compliance ledger for Citabot.
//
// Ledger writes never fail the business path: storage errors are diverted to
// a fallback sink and logged, so a database outage cannot block message
// handling.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/citabot/citabot/internal/models"
	"github.com/citabot/citabot/internal/store"
)

// Default configuration values for the ledger.
const (
	// DefaultSuspiciousWindow is the sliding window for repeated-failure detection.
	DefaultSuspiciousWindow = 15 * time.Minute
	// DefaultSuspiciousThreshold is the failure count that raises a medium finding.
	DefaultSuspiciousThreshold = 5
	// DefaultAuditRetentionDays keeps audit records strictly longer than
	// conversation data.
	DefaultAuditRetentionDays = 730
	// DefaultPurgeBatchSize bounds each delete pass during cleanup.
	DefaultPurgeBatchSize = 500
	// fallbackRingSize caps how many diverted events the fallback sink holds.
	fallbackRingSize = 256
)

// Opts holds configuration for the ledger.
type Opts struct {
	SuspiciousWindow    time.Duration
	SuspiciousThreshold int
	AuditRetentionDays  int
	PurgeBatchSize      int
}

// Option configures the ledger.
type Option func(*Opts)

// WithSuspiciousWindow sets the sliding window for pattern detection.
func WithSuspiciousWindow(d time.Duration) Option {
	return func(o *Opts) { o.SuspiciousWindow = d }
}

// WithSuspiciousThreshold sets the failure count that raises a finding.
func WithSuspiciousThreshold(n int) Option {
	return func(o *Opts) { o.SuspiciousThreshold = n }
}

// WithAuditRetentionDays sets the audit retention floor in days.
func WithAuditRetentionDays(days int) Option {
	return func(o *Opts) { o.AuditRetentionDays = days }
}

// WithPurgeBatchSize sets the per-pass delete bound for cleanup.
func WithPurgeBatchSize(n int) Option {
	return func(o *Opts) { o.PurgeBatchSize = n }
}

// Ledger records compliance events into the store's append-only audit table.
type Ledger struct {
	store store.Store
	cfg   Opts

	mu       sync.Mutex
	fallback []models.AuditEvent
}

// NewLedger creates a ledger over the given store.
func NewLedger(s store.Store, opts ...Option) *Ledger {
	cfg := Opts{
		SuspiciousWindow:    DefaultSuspiciousWindow,
		SuspiciousThreshold: DefaultSuspiciousThreshold,
		AuditRetentionDays:  DefaultAuditRetentionDays,
		PurgeBatchSize:      DefaultPurgeBatchSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Audit ledger initialized", "suspicious_window", cfg.SuspiciousWindow,
		"suspicious_threshold", cfg.SuspiciousThreshold, "audit_retention_days", cfg.AuditRetentionDays)
	return &Ledger{store: s, cfg: cfg}
}

// LogEvent appends an event to the ledger. A store failure is diverted to the
// fallback sink and never surfaces to the caller.
func (l *Ledger) LogEvent(e models.AuditEvent) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Severity == "" {
		e.Severity = models.SeverityInfo
	}

	if err := l.store.AddAuditEvent(e); err != nil {
		slog.Error("Audit LogEvent store write failed, diverting to fallback sink",
			"error", err, "event_type", e.Type, "id", e.ID)
		l.divert(e)
		return
	}
	slog.Debug("Audit event recorded", "event_type", e.Type, "severity", e.Severity, "id", e.ID)
}

// divert keeps the event in a bounded in-memory ring so an outage loses as
// little as possible and tests can observe the diversion.
func (l *Ledger) divert(e models.AuditEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.fallback) >= fallbackRingSize {
		l.fallback = l.fallback[1:]
	}
	l.fallback = append(l.fallback, e)
}

// FallbackEvents returns a copy of the events diverted to the fallback sink.
func (l *Ledger) FallbackEvents() []models.AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.AuditEvent, len(l.fallback))
	copy(out, l.fallback)
	return out
}

// LogConsent records a consent grant or withdrawal.
func (l *Ledger) LogConsent(rec models.ConsentRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	granted := "false"
	if rec.Granted {
		granted = "true"
	}
	l.LogEvent(models.AuditEvent{
		Type:     models.EventConsent,
		Severity: models.SeverityInfo,
		Subject:  rec.Subject,
		Details: map[string]string{
			"consent_type": rec.ConsentType,
			"granted":      granted,
			"purpose":      rec.Purpose,
			"method":       rec.Method,
		},
		Timestamp: rec.Timestamp,
	})
	return nil
}

// LogDataAccess records a read or write of personal data. Purpose and legal
// basis are mandatory.
func (l *Ledger) LogDataAccess(rec models.DataAccessRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	l.LogEvent(models.AuditEvent{
		Type:     models.EventDataAccess,
		Severity: models.SeverityInfo,
		Subject:  rec.Subject,
		ActorID:  rec.ActorID,
		Details: map[string]string{
			"data_type":   rec.DataType,
			"operation":   rec.Operation,
			"purpose":     rec.Purpose,
			"legal_basis": rec.LegalBasis,
		},
	})
	return nil
}

// LogSecurityIncident records a security-relevant failure or anomaly.
func (l *Ledger) LogSecurityIncident(severity models.Severity, actorID, ip, userAgent, description string) {
	if severity == "" {
		severity = models.SeverityMedium
	}
	l.LogEvent(models.AuditEvent{
		Type:      models.EventSecurityIncident,
		Severity:  severity,
		ActorID:   actorID,
		IPAddress: ip,
		UserAgent: userAgent,
		Details:   map[string]string{"description": description},
	})
}

// Query returns one page of ledger events matching the filter.
func (l *Ledger) Query(f models.AuditFilter) (models.AuditPage, error) {
	page, err := l.store.QueryAuditEvents(f)
	if err != nil {
		slog.Error("Audit Query failed", "error", err)
		return page, fmt.Errorf("audit query failed: %w", err)
	}
	return page, nil
}

// DetectSuspiciousPatterns scans the sliding window for repeated security
// incidents clustered by actor or source IP. Thresholds come from the ledger
// configuration.
func (l *Ledger) DetectSuspiciousPatterns(now time.Time) ([]models.SuspiciousFinding, error) {
	windowStart := now.Add(-l.cfg.SuspiciousWindow)
	page, err := l.store.QueryAuditEvents(models.AuditFilter{
		Type:  models.EventSecurityIncident,
		Start: windowStart,
		End:   now,
	})
	if err != nil {
		return nil, fmt.Errorf("suspicious pattern scan failed: %w", err)
	}

	byActor := make(map[string]int)
	byIP := make(map[string]int)
	for _, e := range page.Events {
		if e.ActorID != "" {
			byActor[e.ActorID]++
		}
		if e.IPAddress != "" {
			byIP[e.IPAddress]++
		}
	}

	var findings []models.SuspiciousFinding
	for actor, count := range byActor {
		if count < l.cfg.SuspiciousThreshold {
			continue
		}
		findings = append(findings, models.SuspiciousFinding{
			Severity:  gradeFinding(count, l.cfg.SuspiciousThreshold),
			ActorID:   actor,
			Count:     count,
			WindowEnd: now,
			Summary:   fmt.Sprintf("%d security incidents for actor %s within %s", count, actor, l.cfg.SuspiciousWindow),
		})
	}
	for ip, count := range byIP {
		if count < l.cfg.SuspiciousThreshold {
			continue
		}
		findings = append(findings, models.SuspiciousFinding{
			Severity:  gradeFinding(count, l.cfg.SuspiciousThreshold),
			IPAddress: ip,
			Count:     count,
			WindowEnd: now,
			Summary:   fmt.Sprintf("%d security incidents from %s within %s", count, ip, l.cfg.SuspiciousWindow),
		})
	}

	if len(findings) > 0 {
		slog.Warn("Audit suspicious patterns detected", "findings", len(findings))
	}
	return findings, nil
}

// gradeFinding maps a failure count to a finding severity relative to the
// configured threshold.
func gradeFinding(count, threshold int) models.Severity {
	switch {
	case count >= threshold*4:
		return models.SeverityCritical
	case count >= threshold*2:
		return models.SeverityHigh
	default:
		return models.SeverityMedium
	}
}

// GenerateGDPRReport aggregates every ledger event referencing the subject in
// the window into one exportable structure.
func (l *Ledger) GenerateGDPRReport(subject string, start, end time.Time) (*models.GDPRReport, error) {
	if subject == "" {
		return nil, &models.ValidationError{Field: "subject", Reason: "required"}
	}
	page, err := l.store.QueryAuditEvents(models.AuditFilter{Subject: subject, Start: start, End: end})
	if err != nil {
		return nil, fmt.Errorf("gdpr report query failed: %w", err)
	}

	report := &models.GDPRReport{
		Subject:     subject,
		Start:       start,
		End:         end,
		GeneratedAt: time.Now(),
		Totals:      make(map[string]int),
	}
	for _, e := range page.Events {
		report.Totals[string(e.Type)]++
		switch e.Type {
		case models.EventDataAccess:
			report.AccessLog = append(report.AccessLog, e)
		case models.EventConsent:
			report.Consents = append(report.Consents, e)
		case models.EventSecurityIncident:
			report.Incidents = append(report.Incidents, e)
		}
	}

	slog.Info("Audit GDPR report generated", "subject", subject, "events", len(page.Events))
	return report, nil
}

// CleanupOldLogs purges conversation data older than retentionDays and audit
// events older than the audit retention floor. It deletes in batches and can
// be aborted between batches via ctx. Running it twice with no new data
// removes nothing further.
func (l *Ledger) CleanupOldLogs(ctx context.Context, now time.Time, retentionDays int) (models.PurgeResult, error) {
	var result models.PurgeResult
	if retentionDays <= 0 {
		return result, &models.ValidationError{Field: "retention_days", Reason: "must be positive"}
	}
	auditRetentionDays := l.cfg.AuditRetentionDays
	if auditRetentionDays <= retentionDays {
		// Audit records outlive conversation data by policy.
		return result, fmt.Errorf("audit retention %d must exceed conversation retention %d: %w",
			auditRetentionDays, retentionDays, models.ErrRetentionPolicyViolation)
	}

	convCutoff := now.AddDate(0, 0, -retentionDays)
	auditCutoff := now.AddDate(0, 0, -auditRetentionDays)

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		msgs, convs, err := l.store.PurgeConversationData(convCutoff, l.cfg.PurgeBatchSize)
		if err != nil {
			return result, fmt.Errorf("conversation purge failed: %w", err)
		}
		result.Messages += msgs
		result.Conversations += convs
		if msgs == 0 && convs == 0 {
			break
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		n, err := l.store.PurgeAuditEvents(auditCutoff, l.cfg.PurgeBatchSize)
		if err != nil {
			return result, fmt.Errorf("audit purge failed: %w", err)
		}
		result.AuditEvents += n
		if n == 0 {
			break
		}
	}

	l.LogEvent(models.AuditEvent{
		Type:     models.EventRetentionPurge,
		Severity: models.SeverityInfo,
		ActorID:  "retention-job",
		Details: map[string]string{
			"messages_removed":      fmt.Sprintf("%d", result.Messages),
			"conversations_removed": fmt.Sprintf("%d", result.Conversations),
			"audit_events_removed":  fmt.Sprintf("%d", result.AuditEvents),
		},
	})
	slog.Info("Audit CleanupOldLogs completed", "messages", result.Messages,
		"conversations", result.Conversations, "audit_events", result.AuditEvents)
	return result, nil
}
