package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/citabot/citabot/internal/models"
)

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithPostgresDSN sets a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets a SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite" based on its shape.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalDetails serializes a details map to JSON, empty maps to "".
func marshalDetails(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal details failed: %w", err)
	}
	return string(b), nil
}

// unmarshalDetails deserializes a JSON details column, tolerating empty input.
func unmarshalDetails(s string) map[string]string {
	if s == "" {
		return nil
	}
	m := make(map[string]string)
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

// scanAuditEvent scans an AuditEvent from sql.Rows.
func scanAuditEvent(rows *sql.Rows) (models.AuditEvent, error) {
	var e models.AuditEvent
	var subject, actor, ip, ua, details sql.NullString
	err := rows.Scan(&e.ID, &e.Type, &e.Severity, &subject, &actor, &ip, &ua, &details, &e.Timestamp)
	if err != nil {
		return e, fmt.Errorf("scan audit event failed: %w", err)
	}
	e.Subject = subject.String
	e.ActorID = actor.String
	e.IPAddress = ip.String
	e.UserAgent = ua.String
	e.Details = unmarshalDetails(details.String)
	return e, nil
}

// scanAppointment scans an Appointment from a row scanner.
func scanAppointment(scan func(dest ...interface{}) error) (models.Appointment, error) {
	var a models.Appointment
	var externalRef, notes sql.NullString
	err := scan(&a.ID, &a.ClientRef, &a.ServiceRef, &a.ScheduledAt, &a.Status, &externalRef, &notes, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return a, err
	}
	a.ExternalRef = externalRef.String
	a.Notes = notes.String
	return a, nil
}

// auditWhere builds the WHERE clause and arguments for an audit filter using
// the given placeholder function ("?" for SQLite, "$n" for Postgres).
func auditWhere(f models.AuditFilter, placeholder func(int) string) (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, val interface{}) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, placeholder(len(args))))
	}
	if f.Type != "" {
		add("event_type = %s", string(f.Type))
	}
	if f.Severity != "" {
		add("severity = %s", string(f.Severity))
	}
	if f.Subject != "" {
		add("subject = %s", f.Subject)
	}
	if f.ActorID != "" {
		add("actor = %s", f.ActorID)
	}
	if f.IPAddress != "" {
		add("ip = %s", f.IPAddress)
	}
	if !f.Start.IsZero() {
		add("timestamp >= %s", f.Start)
	}
	if !f.End.IsZero() {
		add("timestamp <= %s", f.End)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
