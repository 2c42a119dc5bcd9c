// Package store provides storage backends for Citabot.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/citabot/citabot/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveClient(c models.Client) error {
	query := `
		INSERT INTO clients (phone, name, email, status, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (phone)
		DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			status = excluded.status,
			last_activity = excluded.last_activity`
	_, err := s.db.Exec(query, c.Phone, nilIfEmpty(c.Name), nilIfEmpty(c.Email), c.Status, c.CreatedAt, c.LastActivity)
	if err != nil {
		slog.Error("SQLiteStore SaveClient failed", "error", err, "phone", c.Phone)
		return fmt.Errorf("failed to save client %s: %w", c.Phone, err)
	}
	slog.Debug("SQLiteStore SaveClient succeeded", "phone", c.Phone)
	return nil
}

func (s *SQLiteStore) GetClient(phone string) (*models.Client, error) {
	query := `SELECT phone, name, email, status, created_at, last_activity FROM clients WHERE phone = ?`
	var c models.Client
	var name, email sql.NullString
	err := s.db.QueryRow(query, phone).Scan(&c.Phone, &name, &email, &c.Status, &c.CreatedAt, &c.LastActivity)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetClient not found", "phone", phone)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetClient failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to get client %s: %w", phone, err)
	}
	c.Name = name.String
	c.Email = email.String
	return &c, nil
}

func (s *SQLiteStore) GetClientByEmail(email string) (*models.Client, error) {
	if email == "" {
		return nil, nil
	}
	query := `SELECT phone, name, email, status, created_at, last_activity FROM clients WHERE email = ? LIMIT 1`
	var c models.Client
	var name, em sql.NullString
	err := s.db.QueryRow(query, email).Scan(&c.Phone, &name, &em, &c.Status, &c.CreatedAt, &c.LastActivity)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetClientByEmail failed", "error", err)
		return nil, fmt.Errorf("failed to get client by email: %w", err)
	}
	c.Name = name.String
	c.Email = em.String
	return &c, nil
}

func (s *SQLiteStore) TouchClientActivity(phone string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE clients SET last_activity = ? WHERE phone = ?`, at, phone)
	if err != nil {
		slog.Error("SQLiteStore TouchClientActivity failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to touch client activity for %s: %w", phone, err)
	}
	return nil
}

// EraseClient removes a client and cascades to conversation state, messages
// and appointments in one transaction.
func (s *SQLiteStore) EraseClient(phone string) error {
	tx, err := s.db.Begin()
	if err != nil {
		slog.Error("SQLiteStore EraseClient begin failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to begin erase transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM appointments WHERE client_ref = ?`,
		`DELETE FROM messages WHERE owner = ?`,
		`DELETE FROM conversations WHERE phone = ?`,
		`DELETE FROM clients WHERE phone = ?`,
	} {
		if _, err := tx.Exec(stmt, phone); err != nil {
			slog.Error("SQLiteStore EraseClient delete failed", "error", err, "phone", phone)
			return fmt.Errorf("failed to erase client %s: %w", phone, err)
		}
	}
	if err := tx.Commit(); err != nil {
		slog.Error("SQLiteStore EraseClient commit failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to commit erase for %s: %w", phone, err)
	}
	slog.Info("SQLiteStore EraseClient succeeded", "phone", phone)
	return nil
}

// SaveConversationState upserts the state keyed by phone. The client linkage
// and last_message_id columns keep their stored values when the incoming
// fields are empty, so a concurrent retry delivery cannot blank them out.
func (s *SQLiteStore) SaveConversationState(state models.ConversationState) error {
	bookingJSON, err := json.Marshal(state.Booking)
	if err != nil {
		slog.Error("SQLiteStore SaveConversationState booking marshal failed", "error", err, "phone", state.Phone)
		return err
	}
	userDataJSON, err := marshalDetails(state.UserData)
	if err != nil {
		slog.Error("SQLiteStore SaveConversationState user data marshal failed", "error", err, "phone", state.Phone)
		return err
	}

	query := `
		INSERT INTO conversations (phone, current_step, booking_data, user_data, attempts_count, language, client_ref, booking_ref, last_message_id, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (phone)
		DO UPDATE SET
			current_step = excluded.current_step,
			booking_data = excluded.booking_data,
			user_data = excluded.user_data,
			attempts_count = excluded.attempts_count,
			language = excluded.language,
			client_ref = COALESCE(NULLIF(excluded.client_ref, ''), conversations.client_ref),
			booking_ref = excluded.booking_ref,
			last_message_id = COALESCE(NULLIF(excluded.last_message_id, ''), conversations.last_message_id),
			last_updated = excluded.last_updated`

	_, err = s.db.Exec(query, state.Phone, state.CurrentStep, string(bookingJSON), userDataJSON,
		state.AttemptsCount, nilIfEmpty(state.Language), state.ClientRef, nilIfEmpty(state.BookingRef),
		state.LastMessageID, state.LastUpdated)
	if err != nil {
		slog.Error("SQLiteStore SaveConversationState failed", "error", err, "phone", state.Phone)
		return fmt.Errorf("failed to save conversation state for %s: %w", state.Phone, err)
	}
	slog.Debug("SQLiteStore SaveConversationState succeeded", "phone", state.Phone, "step", state.CurrentStep)
	return nil
}

func (s *SQLiteStore) GetConversationState(phone string) (*models.ConversationState, error) {
	query := `SELECT phone, current_step, booking_data, user_data, attempts_count, language, client_ref, booking_ref, last_message_id, last_updated
			  FROM conversations WHERE phone = ?`

	var state models.ConversationState
	var bookingJSON, userDataJSON, language, clientRef, bookingRef, lastMessageID sql.NullString
	err := s.db.QueryRow(query, phone).Scan(&state.Phone, &state.CurrentStep, &bookingJSON, &userDataJSON,
		&state.AttemptsCount, &language, &clientRef, &bookingRef, &lastMessageID, &state.LastUpdated)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetConversationState not found", "phone", phone)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetConversationState failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to get conversation state for %s: %w", phone, err)
	}

	if bookingJSON.String != "" {
		if err := json.Unmarshal([]byte(bookingJSON.String), &state.Booking); err != nil {
			slog.Error("SQLiteStore GetConversationState booking unmarshal failed", "error", err, "phone", phone)
		}
	}
	state.UserData = unmarshalDetails(userDataJSON.String)
	state.Language = language.String
	state.ClientRef = clientRef.String
	state.BookingRef = bookingRef.String
	state.LastMessageID = lastMessageID.String
	return &state, nil
}

func (s *SQLiteStore) DeleteConversationState(phone string) error {
	_, err := s.db.Exec(`DELETE FROM conversations WHERE phone = ?`, phone)
	if err != nil {
		slog.Error("SQLiteStore DeleteConversationState failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to delete conversation state for %s: %w", phone, err)
	}
	return nil
}

func (s *SQLiteStore) AddMessage(m models.Message) error {
	_, err := s.db.Exec(`INSERT INTO messages (owner, content, direction, encrypted, timestamp) VALUES (?, ?, ?, ?, ?)`,
		m.Owner, m.Content, m.Direction, m.Encrypted, m.Timestamp)
	if err != nil {
		slog.Error("SQLiteStore AddMessage failed", "error", err, "owner", m.Owner)
		return fmt.Errorf("failed to insert message for %s: %w", m.Owner, err)
	}
	return nil
}

func (s *SQLiteStore) GetMessages(owner string) ([]models.Message, error) {
	rows, err := s.db.Query(`SELECT owner, content, direction, encrypted, timestamp FROM messages WHERE owner = ? ORDER BY timestamp`, owner)
	if err != nil {
		slog.Error("SQLiteStore GetMessages query failed", "error", err, "owner", owner)
		return nil, fmt.Errorf("failed to query messages for %s: %w", owner, err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.Owner, &m.Content, &m.Direction, &m.Encrypted, &m.Timestamp); err != nil {
			slog.Error("SQLiteStore GetMessages scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		slog.Error("SQLiteStore GetMessages rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return messages, nil
}

func (s *SQLiteStore) SaveAppointment(a models.Appointment) error {
	query := `
		INSERT INTO appointments (id, client_ref, service_ref, scheduled_at, status, external_ref, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id)
		DO UPDATE SET
			service_ref = excluded.service_ref,
			scheduled_at = excluded.scheduled_at,
			status = excluded.status,
			external_ref = excluded.external_ref,
			notes = excluded.notes,
			updated_at = excluded.updated_at`
	_, err := s.db.Exec(query, a.ID, a.ClientRef, a.ServiceRef, a.ScheduledAt, a.Status,
		nilIfEmpty(a.ExternalRef), nilIfEmpty(a.Notes), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveAppointment failed", "error", err, "id", a.ID)
		return fmt.Errorf("failed to save appointment %s: %w", a.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetAppointment(id string) (*models.Appointment, error) {
	row := s.db.QueryRow(`SELECT id, client_ref, service_ref, scheduled_at, status, external_ref, notes, created_at, updated_at FROM appointments WHERE id = ?`, id)
	a, err := scanAppointment(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetAppointment failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get appointment %s: %w", id, err)
	}
	return &a, nil
}

func (s *SQLiteStore) GetAppointmentByExternalRef(externalRef string) (*models.Appointment, error) {
	if externalRef == "" {
		return nil, nil
	}
	row := s.db.QueryRow(`SELECT id, client_ref, service_ref, scheduled_at, status, external_ref, notes, created_at, updated_at FROM appointments WHERE external_ref = ? LIMIT 1`, externalRef)
	a, err := scanAppointment(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetAppointmentByExternalRef failed", "error", err, "external_ref", externalRef)
		return nil, fmt.Errorf("failed to get appointment by external ref: %w", err)
	}
	return &a, nil
}

func (s *SQLiteStore) ListAppointments(clientRef string) ([]models.Appointment, error) {
	rows, err := s.db.Query(`SELECT id, client_ref, service_ref, scheduled_at, status, external_ref, notes, created_at, updated_at FROM appointments WHERE client_ref = ? ORDER BY scheduled_at`, clientRef)
	if err != nil {
		slog.Error("SQLiteStore ListAppointments query failed", "error", err, "client_ref", clientRef)
		return nil, fmt.Errorf("failed to query appointments for %s: %w", clientRef, err)
	}
	defer rows.Close()

	var out []models.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows.Scan)
		if err != nil {
			slog.Error("SQLiteStore ListAppointments scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan appointment row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate appointment rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) AddAuditEvent(e models.AuditEvent) error {
	detailsJSON, err := marshalDetails(e.Details)
	if err != nil {
		slog.Error("SQLiteStore AddAuditEvent details marshal failed", "error", err, "id", e.ID)
		return err
	}
	_, err = s.db.Exec(`INSERT INTO audit_log (id, event_type, severity, subject, actor, ip, user_agent, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Type, e.Severity, nilIfEmpty(e.Subject), nilIfEmpty(e.ActorID), nilIfEmpty(e.IPAddress),
		nilIfEmpty(e.UserAgent), nilIfEmpty(detailsJSON), e.Timestamp)
	if err != nil {
		slog.Error("SQLiteStore AddAuditEvent failed", "error", err, "id", e.ID)
		return fmt.Errorf("failed to insert audit event %s: %w", e.ID, err)
	}
	return nil
}

func (s *SQLiteStore) QueryAuditEvents(f models.AuditFilter) (models.AuditPage, error) {
	placeholder := func(int) string { return "?" }
	where, args := auditWhere(f, placeholder)

	page := models.AuditPage{Limit: f.Limit, Offset: f.Offset}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM audit_log`+where, args...).Scan(&page.Total); err != nil {
		slog.Error("SQLiteStore QueryAuditEvents count failed", "error", err)
		return page, fmt.Errorf("failed to count audit events: %w", err)
	}

	query := `SELECT id, event_type, severity, subject, actor, ip, user_agent, details, timestamp FROM audit_log` + where + ` ORDER BY timestamp DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore QueryAuditEvents query failed", "error", err)
		return page, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanAuditEvent(rows)
		if err != nil {
			slog.Error("SQLiteStore QueryAuditEvents scan failed", "error", err)
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
func (s *SQLiteStore) PurgeConversationData(olderThan time.Time, batchSize int) (int, int, error) {
	msgRes, err := s.db.Exec(`DELETE FROM messages WHERE rowid IN (SELECT rowid FROM messages WHERE timestamp < ? LIMIT ?)`, olderThan, batchSize)
	if err != nil {
		slog.Error("SQLiteStore PurgeConversationData messages failed", "error", err)
		return 0, 0, fmt.Errorf("failed to purge messages: %w", err)
	}
	msgs, _ := msgRes.RowsAffected()

	convRes, err := s.db.Exec(`DELETE FROM conversations WHERE phone IN (SELECT phone FROM conversations WHERE last_updated < ? LIMIT ?)`, olderThan, batchSize)
	if err != nil {
		slog.Error("SQLiteStore PurgeConversationData conversations failed", "error", err)
		return int(msgs), 0, fmt.Errorf("failed to purge conversations: %w", err)
	}
	convs, _ := convRes.RowsAffected()

	slog.Debug("SQLiteStore PurgeConversationData succeeded", "messages", msgs, "conversations", convs)
	return int(msgs), int(convs), nil
}

// PurgeAuditEvents deletes at most batchSize audit events older than the
// cutoff. The caller is responsible for applying the audit retention floor.
func (s *SQLiteStore) PurgeAuditEvents(olderThan time.Time, batchSize int) (int, error) {
	res, err := s.db.Exec(`DELETE FROM audit_log WHERE id IN (SELECT id FROM audit_log WHERE timestamp < ? LIMIT ?)`, olderThan, batchSize)
	if err != nil {
		slog.Error("SQLiteStore PurgeAuditEvents failed", "error", err)
		return 0, fmt.Errorf("failed to purge audit events: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Ping() error {
	return s.db.Ping()
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
