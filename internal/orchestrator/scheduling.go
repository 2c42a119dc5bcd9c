package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/citabot/citabot/internal/calendar"
	"github.com/citabot/citabot/internal/models"
	"github.com/citabot/citabot/internal/phone"
)

// Notification texts for scheduling outcomes.
const (
	notifyConfirmed = "Tu cita ha quedado confirmada para el %s. ¡Te esperamos!"
	notifyCancelled = "Tu cita ha sido cancelada. Escribeme si quieres buscar otro hueco."
	notifyNoShow    = "Hemos registrado que no pudiste asistir a tu cita. ¿Quieres reservar otra?"
)

// HandleSchedulingEvent processes a scheduling-provider webhook: locate the
// client by phone (or email when the phone is absent), update the
// appointment, notify the client and audit the touch.
func (o *Orchestrator) HandleSchedulingEvent(ctx context.Context, payload *calendar.WebhookPayload) error {
	canonical, client, err := o.resolveInvitee(payload)
	if err != nil {
		slog.Warn("Orchestrator could not resolve scheduling invitee", "error", err, "event", payload.Event)
		return err
	}

	release := o.lockPhone(canonical)
	defer release()

	st := o.facade.Store()
	now := time.Now()

	if client == nil {
		client = &models.Client{
			Phone:        canonical,
			Name:         payload.Payload.Name,
			Email:        payload.Payload.Email,
			Status:       models.ClientStatusActive,
			CreatedAt:    now,
			LastActivity: now,
		}
		if err := st.SaveClient(*client); err != nil {
			return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
		}
		slog.Info("Orchestrator created client from scheduling event", "phone", canonical)
	}

	appt, err := st.GetAppointmentByExternalRef(payload.Payload.URI)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	if appt == nil {
		appt = &models.Appointment{
			ID:          uuid.NewString(),
			ClientRef:   canonical,
			ServiceRef:  payload.Payload.Event,
			ScheduledAt: payload.Payload.ScheduledAt,
			ExternalRef: payload.Payload.URI,
			CreatedAt:   now,
		}
	}

	var notification string
	switch payload.Event {
	case calendar.WebhookInviteeCreated:
		appt.Status = models.AppointmentConfirmed
		appt.ScheduledAt = payload.Payload.ScheduledAt
		notification = fmt.Sprintf(notifyConfirmed, payload.Payload.ScheduledAt.Format("02/01/2006 15:04"))
	case calendar.WebhookInviteeCanceled:
		appt.Status = models.AppointmentCancelled
		appt.Notes = payload.Payload.CancelReason
		notification = notifyCancelled
	case calendar.WebhookInviteeNoShow:
		appt.Status = models.AppointmentNoShow
		notification = notifyNoShow
	default:
		slog.Debug("Orchestrator ignoring unknown scheduling event", "event", payload.Event)
		return nil
	}
	appt.UpdatedAt = now

	if err := st.SaveAppointment(*appt); err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	o.auditAccess(canonical, "appointment", "write", "scheduling webhook")

	o.advanceAfterScheduling(canonical, payload.Event, appt.ID)

	callCtx, cancel := o.withTimeout(ctx)
	defer cancel()
	if _, err := o.facade.SendMessage(callCtx, canonical, notification); err != nil {
		slog.Warn("Orchestrator scheduling notification failed", "error", err, "phone", canonical)
	}
	return nil
}

// resolveInvitee finds the canonical phone for the webhook subject, falling
// back to an email lookup when the payload carries no usable phone.
func (o *Orchestrator) resolveInvitee(payload *calendar.WebhookPayload) (string, *models.Client, error) {
	st := o.facade.Store()

	if payload.Payload.TextableNumber != "" {
		number, err := phone.Normalize(payload.Payload.TextableNumber)
		if err == nil {
			client, gerr := st.GetClient(number.Canonical)
			if gerr != nil {
				return "", nil, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, gerr)
			}
			return number.Canonical, client, nil
		}
		slog.Debug("Orchestrator invitee phone invalid, trying email", "error", err)
	}

	if payload.Payload.Email != "" {
		client, err := st.GetClientByEmail(payload.Payload.Email)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
		}
		if client != nil {
			return client.Phone, client, nil
		}
	}
	return "", nil, fmt.Errorf("scheduling event carries no resolvable contact: %w", models.ErrInvalidRecipient)
}

// advanceAfterScheduling moves the conversation out of awaiting_provider once
// the provider result is known.
func (o *Orchestrator) advanceAfterScheduling(canonicalPhone, event, bookingRef string) {
	st := o.facade.Store()
	state, err := st.GetConversationState(canonicalPhone)
	if err != nil || state == nil {
		return
	}
	if state.CurrentStep != models.StepAwaitingProvider {
		return
	}

	switch event {
	case calendar.WebhookInviteeCreated:
		state.BookingRef = bookingRef
		state.Advance(models.StepCompleted)
	case calendar.WebhookInviteeCanceled:
		state.ResetBooking()
		state.Advance(models.StepCollectingInfo)
	default:
		return
	}

	if err := st.SaveConversationState(*state); err != nil {
		slog.Warn("Orchestrator failed to persist post-scheduling state", "error", err, "phone", canonicalPhone)
		return
	}
	o.auditAccess(canonicalPhone, "conversation", "write", "scheduling outcome transition")
}
