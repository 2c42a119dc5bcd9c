// Package store provides storage backends for Citabot.
//
// It defines the Store interface over clients, conversation states, messages,
// appointments and the append-only audit log, with PostgreSQL, SQLite and
// in-memory implementations.
package store

import (
	"time"

	"github.com/citabot/citabot/internal/models"
)

// Store is the persistence contract shared by all backends.
//
// SaveConversationState has upsert semantics keyed on phone: saving a state
// for an existing phone overwrites step, data, attempts and timestamp but
// preserves the client linkage and last_message_id when the incoming values
// are empty. Audit events are append-only; nothing in this interface mutates
// or deletes an individual event outside the retention purge.
type Store interface {
	// Clients
	SaveClient(c models.Client) error
	GetClient(phone string) (*models.Client, error)
	GetClientByEmail(email string) (*models.Client, error)
	TouchClientActivity(phone string, at time.Time) error
	// EraseClient removes a client and cascades to its conversation state,
	// messages and appointments (compliance erasure).
	EraseClient(phone string) error

	// Conversation states
	SaveConversationState(state models.ConversationState) error
	GetConversationState(phone string) (*models.ConversationState, error)
	DeleteConversationState(phone string) error

	// Messages (append-only)
	AddMessage(m models.Message) error
	GetMessages(owner string) ([]models.Message, error)

	// Appointments
	SaveAppointment(a models.Appointment) error
	GetAppointment(id string) (*models.Appointment, error)
	GetAppointmentByExternalRef(externalRef string) (*models.Appointment, error)
	ListAppointments(clientRef string) ([]models.Appointment, error)

	// Audit log (append-only)
	AddAuditEvent(e models.AuditEvent) error
	QueryAuditEvents(f models.AuditFilter) (models.AuditPage, error)

	// Retention purge. Each call deletes at most batchSize rows per category
	// and is independently committed and idempotent.
	PurgeConversationData(olderThan time.Time, batchSize int) (messages, conversations int, err error)
	PurgeAuditEvents(olderThan time.Time, batchSize int) (int, error)

	// Ping probes storage liveness for health checks.
	Ping() error
	Close() error
}
