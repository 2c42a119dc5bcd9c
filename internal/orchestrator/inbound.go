package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/citabot/citabot/internal/models"
	"github.com/citabot/citabot/internal/phone"
)

const defaultSystemPrompt = "Eres el asistente de citas de la clinica. " +
	"Responde en el idioma del cliente, con mensajes breves y claros."

// Canned replies for deterministic steps. AI generation is reserved for the
// free-form collecting step.
const (
	replyGreeting = "Hola, soy el asistente de citas. ¿Que servicio necesitas y que dia te viene bien?"
	replyConfirm  = "Perfecto. ¿Confirmo la cita? Responde si o no."
	replyBooking  = "Estupendo, estoy reservando tu cita. Te aviso en cuanto este confirmada."
	replyWaiting  = "Tu reserva sigue en curso. Te avisare en cuanto el proveedor la confirme."
	replyRestart  = "De acuerdo, empezamos de nuevo. ¿Que servicio necesitas?"
	replyEscalate = "Voy a pasar tu caso a una persona del equipo. Te contactaran en breve."
	replyAbandon  = "No he conseguido entenderte tras varios intentos. Escribe de nuevo cuando quieras y empezamos de cero."
	replyClosed   = "Tu cita ya quedo gestionada. Escribeme si necesitas otra cosa."
)

// HandleInboundMessage runs the full pipeline for one inbound WhatsApp
// message. Invalid phones are rejected; duplicate deliveries are absorbed
// silently.
func (o *Orchestrator) HandleInboundMessage(ctx context.Context, msg models.InboundMessage) error {
	number, err := phone.Normalize(msg.From)
	if err != nil {
		slog.Warn("Orchestrator rejecting inbound message with invalid phone", "error", err, "from", msg.From)
		o.ledger.LogSecurityIncident(models.SeverityMedium, "", "", "",
			fmt.Sprintf("inbound message with unparseable phone %q", msg.From))
		return err
	}
	canonical := number.Canonical

	release := o.lockPhone(canonical)
	defer release()

	st := o.facade.Store()
	now := time.Now()

	client, err := st.GetClient(canonical)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	if client == nil {
		client = &models.Client{
			Phone:        canonical,
			Status:       models.ClientStatusActive,
			CreatedAt:    now,
			LastActivity: now,
		}
		if err := st.SaveClient(*client); err != nil {
			return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
		}
		slog.Info("Orchestrator created client on first contact", "phone", canonical, "country", number.CountryCode)
	} else if err := st.TouchClientActivity(canonical, now); err != nil {
		slog.Warn("Orchestrator failed to touch client activity", "error", err, "phone", canonical)
	}
	o.auditAccess(canonical, "client", "write", "inbound message handling")

	state, err := st.GetConversationState(canonical)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	if state == nil {
		state = models.NewConversationState(canonical)
		state.ClientRef = canonical
		state.Language = strings.ToLower(number.CountryCode)
	}

	// Second delivery of the same provider message id: no transition, no
	// send. The webhook already got its 200.
	if err := duplicateDelivery(state, msg.MessageID); err != nil {
		slog.Debug("Orchestrator absorbing duplicate delivery", "error", err, "phone", canonical, "message_id", msg.MessageID)
		return nil
	}

	if err := st.AddMessage(models.Message{
		Owner:     canonical,
		Content:   msg.Body,
		Direction: models.DirectionFromUser,
		Timestamp: now,
	}); err != nil {
		slog.Warn("Orchestrator failed to persist inbound message", "error", err, "phone", canonical)
	}

	reply := o.transition(ctx, state, msg)

	state.LastMessageID = msg.MessageID
	state.LastUpdated = time.Now()
	if err := st.SaveConversationState(*state); err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	o.auditAccess(canonical, "conversation", "write", "conversation step transition")

	if reply != "" {
		if err := o.deliverWithRetry(ctx, state, reply); err != nil {
			// deliverWithRetry already escalated and persisted; surface
			// nothing further to the webhook caller.
			slog.Error("Orchestrator delivery exhausted retries", "error", err, "phone", canonical)
		}
	}
	return nil
}

// transition applies the step machine to one inbound message and returns the
// reply to send. It mutates state in place; the caller persists.
func (o *Orchestrator) transition(ctx context.Context, state *models.ConversationState, msg models.InboundMessage) string {
	body := strings.ToLower(strings.TrimSpace(msg.Body))

	// Human handoff wins from any non-terminal step.
	if !state.CurrentStep.IsTerminal() && wantsHuman(body) {
		state.Advance(models.StepEscalated)
		slog.Info("Orchestrator escalating on user request", "phone", state.Phone)
		return replyEscalate
	}

	switch state.CurrentStep {
	case models.StepInitial:
		state.Advance(models.StepCollectingInfo)
		return replyGreeting

	case models.StepCollectingInfo:
		return o.collectInfo(ctx, state, msg)

	case models.StepConfirming:
		switch {
		case isAffirmative(body):
			state.Advance(models.StepAwaitingProvider)
			return replyBooking
		case isNegative(body):
			state.ResetBooking()
			state.Advance(models.StepCollectingInfo)
			return replyRestart
		default:
			if state.RecordAttempt() > o.cfg.MaxRetryAttempts {
				state.Advance(models.StepAbandoned)
				return replyAbandon
			}
			return replyConfirm
		}

	case models.StepAwaitingProvider:
		// Provider outcome arrives through the scheduling webhook; inbound
		// chatter here does not advance the flow.
		return replyWaiting

	case models.StepCompleted, models.StepAbandoned:
		// A new message reopens the conversation from a clean slate.
		state.ResetBooking()
		state.Advance(models.StepCollectingInfo)
		return replyGreeting

	case models.StepEscalated:
		return replyEscalate

	default:
		slog.Error("Orchestrator encountered unknown step, resetting", "phone", state.Phone, "step", state.CurrentStep)
		state.ResetBooking()
		state.Advance(models.StepInitial)
		return replyGreeting
	}
}

// collectInfo accumulates booking details and decides when enough is known to
// ask for confirmation. The free-form reply comes from the generation
// capability when it is configured.
func (o *Orchestrator) collectInfo(ctx context.Context, state *models.ConversationState, msg models.InboundMessage) string {
	body := strings.TrimSpace(msg.Body)
	if body == "" && !msg.HasMedia {
		if state.RecordAttempt() > o.cfg.MaxRetryAttempts {
			state.Advance(models.StepAbandoned)
			return replyAbandon
		}
		return replyGreeting
	}

	if state.Booking.SelectedService == "" {
		state.Booking.SelectedService = body
		state.MergeUserData(map[string]string{"service_request": body})
	} else {
		state.Booking.Notes = body
		state.MergeUserData(map[string]string{"time_preference": body})
	}

	if state.Booking.SelectedService != "" && state.Booking.Notes != "" {
		state.Advance(models.StepConfirming)
		return fmt.Sprintf("Tengo anotado: %s (%s). %s", state.Booking.SelectedService, state.Booking.Notes, replyConfirm)
	}

	// Ask the model for the follow-up question; fall back to a canned one.
	callCtx, cancel := o.withTimeout(ctx)
	defer cancel()
	reply, usage, err := o.facade.GenerateReply(callCtx, o.cfg.SystemPrompt,
		fmt.Sprintf("El cliente ha pedido: %q. Pidele el dia y la hora que prefiere.", body))
	if err != nil {
		slog.Debug("Orchestrator generation unavailable, using canned follow-up", "error", err, "phone", state.Phone)
		return "¿Que dia y hora te vienen bien?"
	}
	slog.Debug("Orchestrator follow-up generated", "phone", state.Phone, "total_tokens", usage.TotalTokens)
	return reply
}

// duplicateDelivery reports a redelivery of a provider message the
// conversation already absorbed.
func duplicateDelivery(state *models.ConversationState, messageID string) error {
	if messageID != "" && state.LastMessageID == messageID {
		return fmt.Errorf("message %s already handled: %w", messageID, models.ErrDuplicateDelivery)
	}
	return nil
}

// deliverWithRetry sends the reply with capped exponential backoff on
// provider failures. On exhaustion the conversation escalates and a final
// escalation message is attempted once.
func (o *Orchestrator) deliverWithRetry(ctx context.Context, state *models.ConversationState, body string) error {
	var lastErr error
	for attempt := 0; attempt < o.cfg.MaxRetryAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepWithContext(ctx, o.backoffDelay(attempt-1)); err != nil {
				return err
			}
		}

		callCtx, cancel := o.withTimeout(ctx)
		messageID, err := o.facade.SendMessage(callCtx, state.Phone, body)
		cancel()
		if err == nil {
			slog.Debug("Orchestrator reply delivered", "phone", state.Phone, "message_id", messageID, "attempt", attempt+1)
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			break
		}
		state.RecordAttempt()
		slog.Warn("Orchestrator delivery failed, will retry", "error", err, "phone", state.Phone, "attempt", attempt+1)
	}

	if !state.CurrentStep.IsTerminal() {
		state.Advance(models.StepEscalated)
		if err := o.facade.Store().SaveConversationState(*state); err != nil {
			slog.Error("Orchestrator failed to persist escalation", "error", err, "phone", state.Phone)
		}
		o.ledger.LogSecurityIncident(models.SeverityHigh, "orchestrator", "", "",
			fmt.Sprintf("delivery retries exhausted for %s: %v", state.Phone, lastErr))

		callCtx, cancel := o.withTimeout(ctx)
		defer cancel()
		if _, err := o.facade.SendMessage(callCtx, state.Phone, replyEscalate); err != nil {
			slog.Error("Orchestrator escalation message also failed", "error", err, "phone", state.Phone)
		}
	}
	return lastErr
}

// isRetryable reports whether a delivery failure is worth another attempt.
func isRetryable(err error) bool {
	return errors.Is(err, models.ErrProviderUnavailable) || errors.Is(err, models.ErrRateLimited)
}

// auditAccess records a personal-data touch without ever failing the caller.
func (o *Orchestrator) auditAccess(subject, dataType, operation, purpose string) {
	if err := o.ledger.LogDataAccess(models.DataAccessRecord{
		Subject:    subject,
		ActorID:    "orchestrator",
		DataType:   dataType,
		Operation:  operation,
		Purpose:    purpose,
		LegalBasis: "contract",
	}); err != nil {
		slog.Warn("Orchestrator audit record rejected", "error", err, "subject", subject)
	}
}

func wantsHuman(body string) bool {
	for _, kw := range []string{"humano", "persona", "agente", "operador", "human", "agent"} {
		if strings.Contains(body, kw) {
			return true
		}
	}
	return false
}

func isAffirmative(body string) bool {
	switch body {
	case "si", "sí", "s", "yes", "ok", "vale", "confirmo", "confirmar", "claro":
		return true
	}
	return false
}

func isNegative(body string) bool {
	switch body {
	case "no", "n", "cancela", "cancelar", "nope":
		return true
	}
	return false
}
