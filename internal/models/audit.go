package models

import "time"

// EventType classifies audit ledger entries.
type EventType string

const (
	// EventDataAccess records a read or write of personal data.
	EventDataAccess EventType = "data_access"
	// EventConsent records a consent grant or withdrawal.
	EventConsent EventType = "consent"
	// EventSecurityIncident records a security-relevant failure or anomaly.
	EventSecurityIncident EventType = "security_incident"
	// EventErasure records a compliance erasure of a subject's data.
	EventErasure EventType = "erasure"
	// EventRetentionPurge records a retention-driven cleanup run.
	EventRetentionPurge EventType = "retention_purge"
)

// Severity grades audit events and suspicious-pattern findings.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AuditEvent is an immutable record of a personal-data-relevant action.
// Append-only; purged only by the retention job, with a longer retention
// floor than ordinary conversation data.
type AuditEvent struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"event_type"`
	Severity  Severity          `json:"severity"`
	Subject   string            `json:"subject,omitempty"` // data subject (canonical phone or email)
	ActorID   string            `json:"actor_id,omitempty"`
	IPAddress string            `json:"ip_address,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// ConsentRecord is the payload of a consent audit event.
type ConsentRecord struct {
	Subject     string    `json:"subject"`
	ConsentType string    `json:"consent_type"`
	Granted     bool      `json:"granted"`
	Purpose     string    `json:"purpose"`
	Method      string    `json:"method"` // e.g. whatsapp_reply, web_form
	Timestamp   time.Time `json:"timestamp"`
}

// Validate checks the required consent fields.
func (c *ConsentRecord) Validate() error {
	if c.Subject == "" {
		return &ValidationError{Field: "subject", Reason: "required"}
	}
	if c.ConsentType == "" {
		return &ValidationError{Field: "consent_type", Reason: "required"}
	}
	if c.Purpose == "" {
		return &ValidationError{Field: "purpose", Reason: "required"}
	}
	return nil
}

// DataAccessRecord is the payload of a data-access audit event. Purpose and
// legal basis are mandatory; their omission is a validation error, never a
// silent default.
type DataAccessRecord struct {
	Subject    string `json:"subject"`
	ActorID    string `json:"actor_id"`
	DataType   string `json:"data_type"` // e.g. client, conversation, message
	Operation  string `json:"operation"` // read or write
	Purpose    string `json:"purpose"`
	LegalBasis string `json:"legal_basis"`
}

// Validate checks the mandatory compliance fields.
func (d *DataAccessRecord) Validate() error {
	if d.Subject == "" {
		return &ValidationError{Field: "subject", Reason: "required"}
	}
	if d.Purpose == "" {
		return &ValidationError{Field: "purpose", Reason: "required"}
	}
	if d.LegalBasis == "" {
		return &ValidationError{Field: "legal_basis", Reason: "required"}
	}
	return nil
}

// AuditFilter narrows ledger queries. Zero values mean "any".
type AuditFilter struct {
	Type      EventType
	Severity  Severity
	Subject   string
	ActorID   string
	IPAddress string
	Start     time.Time
	End       time.Time
	Limit     int
	Offset    int
}

// AuditPage is one page of ledger query results plus the total match count.
type AuditPage struct {
	Events []AuditEvent `json:"events"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// SuspiciousFinding is one cluster of repeated failures detected within the
// sliding window, attributed to an actor or source IP.
type SuspiciousFinding struct {
	Severity  Severity  `json:"severity"`
	ActorID   string    `json:"actor_id,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
	Count     int       `json:"count"`
	WindowEnd time.Time `json:"window_end"`
	Summary   string    `json:"summary"`
}

// GDPRReport aggregates every ledger event referencing a subject in a window
// into a single exportable structure.
type GDPRReport struct {
	Subject     string         `json:"data_subject"`
	Start       time.Time      `json:"start_date"`
	End         time.Time      `json:"end_date"`
	GeneratedAt time.Time      `json:"generated_at"`
	AccessLog   []AuditEvent   `json:"access_log"`
	Consents    []AuditEvent   `json:"consent_history"`
	Incidents   []AuditEvent   `json:"incidents"`
	Totals      map[string]int `json:"totals"`
}

// PurgeResult reports how many records a retention purge removed per
// category. Running the purge twice in a row with no new data removes zero
// additional records.
type PurgeResult struct {
	Messages      int `json:"messages"`
	Conversations int `json:"conversations"`
	AuditEvents   int `json:"audit_events"`
}

// TotalRemoved sums removals across categories.
func (p PurgeResult) TotalRemoved() int {
	return p.Messages + p.Conversations + p.AuditEvents
}
