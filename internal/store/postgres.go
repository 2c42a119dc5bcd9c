// Package store provides storage backends for Citabot.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/citabot/citabot/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveClient(c models.Client) error {
	query := `
		INSERT INTO clients (phone, name, email, status, created_at, last_activity)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (phone)
		DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			status = EXCLUDED.status,
			last_activity = EXCLUDED.last_activity`
	_, err := s.db.Exec(query, c.Phone, nilIfEmpty(c.Name), nilIfEmpty(c.Email), c.Status, c.CreatedAt, c.LastActivity)
	if err != nil {
		slog.Error("PostgresStore SaveClient failed", "error", err, "phone", c.Phone)
		return fmt.Errorf("failed to save client %s: %w", c.Phone, err)
	}
	slog.Debug("PostgresStore SaveClient succeeded", "phone", c.Phone)
	return nil
}

func (s *PostgresStore) GetClient(phone string) (*models.Client, error) {
	query := `SELECT phone, name, email, status, created_at, last_activity FROM clients WHERE phone = $1`
	var c models.Client
	var name, email sql.NullString
	err := s.db.QueryRow(query, phone).Scan(&c.Phone, &name, &email, &c.Status, &c.CreatedAt, &c.LastActivity)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetClient not found", "phone", phone)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetClient failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to get client %s: %w", phone, err)
	}
	c.Name = name.String
	c.Email = email.String
	return &c, nil
}

func (s *PostgresStore) GetClientByEmail(email string) (*models.Client, error) {
	if email == "" {
		return nil, nil
	}
	query := `SELECT phone, name, email, status, created_at, last_activity FROM clients WHERE email = $1 LIMIT 1`
	var c models.Client
	var name, em sql.NullString
	err := s.db.QueryRow(query, email).Scan(&c.Phone, &name, &em, &c.Status, &c.CreatedAt, &c.LastActivity)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetClientByEmail failed", "error", err)
		return nil, fmt.Errorf("failed to get client by email: %w", err)
	}
	c.Name = name.String
	c.Email = em.String
	return &c, nil
}

func (s *PostgresStore) TouchClientActivity(phone string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE clients SET last_activity = $1 WHERE phone = $2`, at, phone)
	if err != nil {
		slog.Error("PostgresStore TouchClientActivity failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to touch client activity for %s: %w", phone, err)
	}
	return nil
}

// EraseClient removes a client and cascades to conversation state, messages
// and appointments in one transaction.
func (s *PostgresStore) EraseClient(phone string) error {
	tx, err := s.db.Begin()
	if err != nil {
		slog.Error("PostgresStore EraseClient begin failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to begin erase transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM appointments WHERE client_ref = $1`,
		`DELETE FROM messages WHERE owner = $1`,
		`DELETE FROM conversations WHERE phone = $1`,
		`DELETE FROM clients WHERE phone = $1`,
	} {
		if _, err := tx.Exec(stmt, phone); err != nil {
			slog.Error("PostgresStore EraseClient delete failed", "error", err, "phone", phone)
			return fmt.Errorf("failed to erase client %s: %w", phone, err)
		}
	}
	if err := tx.Commit(); err != nil {
		slog.Error("PostgresStore EraseClient commit failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to commit erase for %s: %w", phone, err)
	}
	slog.Info("PostgresStore EraseClient succeeded", "phone", phone)
	return nil
}

// SaveConversationState upserts the state keyed by phone. The atomic
// ON CONFLICT update is the serialization point for concurrent webhook
// deliveries on the same phone; the client linkage and last_message_id keep
// their stored values when the incoming fields are empty.
func (s *PostgresStore) SaveConversationState(state models.ConversationState) error {
	bookingJSON, err := json.Marshal(state.Booking)
	if err != nil {
		slog.Error("PostgresStore SaveConversationState booking marshal failed", "error", err, "phone", state.Phone)
		return err
	}
	userDataJSON, err := marshalDetails(state.UserData)
	if err != nil {
		slog.Error("PostgresStore SaveConversationState user data marshal failed", "error", err, "phone", state.Phone)
		return err
	}

	query := `
		INSERT INTO conversations (phone, current_step, booking_data, user_data, attempts_count, language, client_ref, booking_ref, last_message_id, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (phone)
		DO UPDATE SET
			current_step = EXCLUDED.current_step,
			booking_data = EXCLUDED.booking_data,
			user_data = EXCLUDED.user_data,
			attempts_count = EXCLUDED.attempts_count,
			language = EXCLUDED.language,
			client_ref = COALESCE(NULLIF(EXCLUDED.client_ref, ''), conversations.client_ref),
			booking_ref = EXCLUDED.booking_ref,
			last_message_id = COALESCE(NULLIF(EXCLUDED.last_message_id, ''), conversations.last_message_id),
			last_updated = EXCLUDED.last_updated`

	_, err = s.db.Exec(query, state.Phone, state.CurrentStep, string(bookingJSON), nilIfEmpty(userDataJSON),
		state.AttemptsCount, nilIfEmpty(state.Language), state.ClientRef, nilIfEmpty(state.BookingRef),
		state.LastMessageID, state.LastUpdated)
	if err != nil {
		slog.Error("PostgresStore SaveConversationState failed", "error", err, "phone", state.Phone)
		return fmt.Errorf("failed to save conversation state for %s: %w", state.Phone, err)
	}
	slog.Debug("PostgresStore SaveConversationState succeeded", "phone", state.Phone, "step", state.CurrentStep)
	return nil
}

func (s *PostgresStore) GetConversationState(phone string) (*models.ConversationState, error) {
	query := `SELECT phone, current_step, booking_data, user_data, attempts_count, language, client_ref, booking_ref, last_message_id, last_updated
			  FROM conversations WHERE phone = $1`

	var state models.ConversationState
	var bookingJSON, userDataJSON, language, clientRef, bookingRef, lastMessageID sql.NullString
	err := s.db.QueryRow(query, phone).Scan(&state.Phone, &state.CurrentStep, &bookingJSON, &userDataJSON,
		&state.AttemptsCount, &language, &clientRef, &bookingRef, &lastMessageID, &state.LastUpdated)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetConversationState not found", "phone", phone)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetConversationState failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to get conversation state for %s: %w", phone, err)
	}

	if bookingJSON.String != "" {
		if err := json.Unmarshal([]byte(bookingJSON.String), &state.Booking); err != nil {
			slog.Error("PostgresStore GetConversationState booking unmarshal failed", "error", err, "phone", phone)
		}
	}
	state.UserData = unmarshalDetails(userDataJSON.String)
	state.Language = language.String
	state.ClientRef = clientRef.String
	state.BookingRef = bookingRef.String
	state.LastMessageID = lastMessageID.String
	return &state, nil
}

func (s *PostgresStore) DeleteConversationState(phone string) error {
	_, err := s.db.Exec(`DELETE FROM conversations WHERE phone = $1`, phone)
	if err != nil {
		slog.Error("PostgresStore DeleteConversationState failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to delete conversation state for %s: %w", phone, err)
	}
	return nil
}

func (s *PostgresStore) AddMessage(m models.Message) error {
	_, err := s.db.Exec(`INSERT INTO messages (owner, content, direction, encrypted, timestamp) VALUES ($1, $2, $3, $4, $5)`,
		m.Owner, m.Content, m.Direction, m.Encrypted, m.Timestamp)
	if err != nil {
		slog.Error("PostgresStore AddMessage failed", "error", err, "owner", m.Owner)
		return fmt.Errorf("failed to insert message for %s: %w", m.Owner, err)
	}
	return nil
}

func (s *PostgresStore) GetMessages(owner string) ([]models.Message, error) {
	rows, err := s.db.Query(`SELECT owner, content, direction, encrypted, timestamp FROM messages WHERE owner = $1 ORDER BY timestamp`, owner)
	if err != nil {
		slog.Error("PostgresStore GetMessages query failed", "error", err, "owner", owner)
		return nil, fmt.Errorf("failed to query messages for %s: %w", owner, err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.Owner, &m.Content, &m.Direction, &m.Encrypted, &m.Timestamp); err != nil {
			slog.Error("PostgresStore GetMessages scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		slog.Error("PostgresStore GetMessages rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return messages, nil
}

func (s *PostgresStore) SaveAppointment(a models.Appointment) error {
	query := `
		INSERT INTO appointments (id, client_ref, service_ref, scheduled_at, status, external_ref, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id)
		DO UPDATE SET
			service_ref = EXCLUDED.service_ref,
			scheduled_at = EXCLUDED.scheduled_at,
			status = EXCLUDED.status,
			external_ref = EXCLUDED.external_ref,
			notes = EXCLUDED.notes,
			updated_at = EXCLUDED.updated_at`
	_, err := s.db.Exec(query, a.ID, a.ClientRef, a.ServiceRef, a.ScheduledAt, a.Status,
		nilIfEmpty(a.ExternalRef), nilIfEmpty(a.Notes), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveAppointment failed", "error", err, "id", a.ID)
		return fmt.Errorf("failed to save appointment %s: %w", a.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetAppointment(id string) (*models.Appointment, error) {
	row := s.db.QueryRow(`SELECT id, client_ref, service_ref, scheduled_at, status, external_ref, notes, created_at, updated_at FROM appointments WHERE id = $1`, id)
	a, err := scanAppointment(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetAppointment failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get appointment %s: %w", id, err)
	}
	return &a, nil
}

func (s *PostgresStore) GetAppointmentByExternalRef(externalRef string) (*models.Appointment, error) {
	if externalRef == "" {
		return nil, nil
	}
	row := s.db.QueryRow(`SELECT id, client_ref, service_ref, scheduled_at, status, external_ref, notes, created_at, updated_at FROM appointments WHERE external_ref = $1 LIMIT 1`, externalRef)
	a, err := scanAppointment(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetAppointmentByExternalRef failed", "error", err, "external_ref", externalRef)
		return nil, fmt.Errorf("failed to get appointment by external ref: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) ListAppointments(clientRef string) ([]models.Appointment, error) {
	rows, err := s.db.Query(`SELECT id, client_ref, service_ref, scheduled_at, status, external_ref, notes, created_at, updated_at FROM appointments WHERE client_ref = $1 ORDER BY scheduled_at`, clientRef)
	if err != nil {
		slog.Error("PostgresStore ListAppointments query failed", "error", err, "client_ref", clientRef)
		return nil, fmt.Errorf("failed to query appointments for %s: %w", clientRef, err)
	}
	defer rows.Close()

	var out []models.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows.Scan)
		if err != nil {
			slog.Error("PostgresStore ListAppointments scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan appointment row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate appointment rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) AddAuditEvent(e models.AuditEvent) error {
	detailsJSON, err := marshalDetails(e.Details)
	if err != nil {
		slog.Error("PostgresStore AddAuditEvent details marshal failed", "error", err, "id", e.ID)
		return err
	}
	_, err = s.db.Exec(`INSERT INTO audit_log (id, event_type, severity, subject, actor, ip, user_agent, details, timestamp) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.Type, e.Severity, nilIfEmpty(e.Subject), nilIfEmpty(e.ActorID), nilIfEmpty(e.IPAddress),
		nilIfEmpty(e.UserAgent), nilIfEmpty(detailsJSON), e.Timestamp)
	if err != nil {
		slog.Error("PostgresStore AddAuditEvent failed", "error", err, "id", e.ID)
		return fmt.Errorf("failed to insert audit event %s: %w", e.ID, err)
	}
	return nil
}

func (s *PostgresStore) QueryAuditEvents(f models.AuditFilter) (models.AuditPage, error) {
	placeholder := func(n int) string { return fmt.Sprintf("$%d", n) }
	where, args := auditWhere(f, placeholder)

	page := models.AuditPage{Limit: f.Limit, Offset: f.Offset}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM audit_log`+where, args...).Scan(&page.Total); err != nil {
		slog.Error("PostgresStore QueryAuditEvents count failed", "error", err)
		return page, fmt.Errorf("failed to count audit events: %w", err)
	}

	query := `SELECT id, event_type, severity, subject, actor, ip, user_agent, details, timestamp FROM audit_log` + where + ` ORDER BY timestamp DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore QueryAuditEvents query failed", "error", err)
		return page, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanAuditEvent(rows)
		if err != nil {
			slog.Error("PostgresStore QueryAuditEvents scan failed", "error", err)
			return page, err
		}
		page.Events = append(page.Events, e)
	}
	if err := rows.Err(); err != nil {
		return page, fmt.Errorf("failed to iterate audit rows: %w", err)
	}
	return page, nil
}

// PurgeConversationData deletes at most batchSize messages and conversation
// states older than the cutoff. Each call commits independently.
func (s *PostgresStore) PurgeConversationData(olderThan time.Time, batchSize int) (int, int, error) {
	msgRes, err := s.db.Exec(`DELETE FROM messages WHERE id IN (SELECT id FROM messages WHERE timestamp < $1 LIMIT $2)`, olderThan, batchSize)
	if err != nil {
		slog.Error("PostgresStore PurgeConversationData messages failed", "error", err)
		return 0, 0, fmt.Errorf("failed to purge messages: %w", err)
	}
	msgs, _ := msgRes.RowsAffected()

	convRes, err := s.db.Exec(`DELETE FROM conversations WHERE phone IN (SELECT phone FROM conversations WHERE last_updated < $1 LIMIT $2)`, olderThan, batchSize)
	if err != nil {
		slog.Error("PostgresStore PurgeConversationData conversations failed", "error", err)
		return int(msgs), 0, fmt.Errorf("failed to purge conversations: %w", err)
	}
	convs, _ := convRes.RowsAffected()

	slog.Debug("PostgresStore PurgeConversationData succeeded", "messages", msgs, "conversations", convs)
	return int(msgs), int(convs), nil
}

// PurgeAuditEvents deletes at most batchSize audit events older than the
// cutoff. The caller is responsible for applying the audit retention floor.
func (s *PostgresStore) PurgeAuditEvents(olderThan time.Time, batchSize int) (int, error) {
	res, err := s.db.Exec(`DELETE FROM audit_log WHERE id IN (SELECT id FROM audit_log WHERE timestamp < $1 LIMIT $2)`, olderThan, batchSize)
	if err != nil {
		slog.Error("PostgresStore PurgeAuditEvents failed", "error", err)
		return 0, fmt.Errorf("failed to purge audit events: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) Ping() error {
	return s.db.Ping()
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	}
	return err
}
