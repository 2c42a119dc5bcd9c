package models

import "time"

// AppointmentStatus represents the lifecycle status of an appointment.
type AppointmentStatus string

const (
	// AppointmentScheduled indicates the appointment has been booked.
	AppointmentScheduled AppointmentStatus = "scheduled"
	// AppointmentConfirmed indicates the client confirmed attendance.
	AppointmentConfirmed AppointmentStatus = "confirmed"
	// AppointmentCancelled indicates the appointment was cancelled.
	AppointmentCancelled AppointmentStatus = "cancelled"
	// AppointmentCompleted indicates the appointment took place.
	AppointmentCompleted AppointmentStatus = "completed"
	// AppointmentNoShow indicates the client did not attend.
	AppointmentNoShow AppointmentStatus = "no_show"
)

// IsValidAppointmentStatus checks if the given status is supported.
func IsValidAppointmentStatus(s AppointmentStatus) bool {
	switch s {
	case AppointmentScheduled, AppointmentConfirmed, AppointmentCancelled,
		AppointmentCompleted, AppointmentNoShow:
		return true
	default:
		return false
	}
}

// Appointment is owned by a Client and deleted only by cascade on client
// erasure or by cancellation.
type Appointment struct {
	ID          string            `json:"id"`
	ClientRef   string            `json:"client_ref"` // canonical phone of the owning client
	ServiceRef  string            `json:"service_ref"`
	ScheduledAt time.Time         `json:"scheduled_at"`
	Status      AppointmentStatus `json:"status"`
	ExternalRef string            `json:"external_ref,omitempty"` // scheduling provider event reference
	Notes       string            `json:"notes,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Validate checks the required appointment fields.
func (a *Appointment) Validate() error {
	if a.ClientRef == "" {
		return &ValidationError{Field: "client_ref", Reason: "required"}
	}
	if a.ServiceRef == "" {
		return &ValidationError{Field: "service_ref", Reason: "required"}
	}
	if a.ScheduledAt.IsZero() {
		return &ValidationError{Field: "scheduled_at", Reason: "required"}
	}
	if !IsValidAppointmentStatus(a.Status) {
		return &ValidationError{Field: "status", Reason: "unknown status " + string(a.Status)}
	}
	return nil
}
