package models

import "time"

// Step is the closed set of conversation steps. Transition logic switches
// exhaustively over these values; adding a step requires updating the
// orchestrator transition table.
type Step string

const (
	// StepInitial is the entry step for a newly created conversation.
	StepInitial Step = "initial"
	// StepCollectingInfo gathers the booking details from the user.
	StepCollectingInfo Step = "collecting_info"
	// StepConfirming asks the user to confirm the collected selection.
	StepConfirming Step = "confirming"
	// StepAwaitingProvider waits on an external provider result.
	StepAwaitingProvider Step = "awaiting_provider"
	// StepCompleted is the successful terminal step.
	StepCompleted Step = "completed"
	// StepAbandoned is reached after the attempt ceiling is exceeded.
	StepAbandoned Step = "abandoned"
	// StepEscalated hands the conversation to a human operator. Reachable
	// from any non-terminal step.
	StepEscalated Step = "escalated"
)

// IsValidStep checks if the given step is part of the closed set.
func IsValidStep(s Step) bool {
	switch s {
	case StepInitial, StepCollectingInfo, StepConfirming, StepAwaitingProvider,
		StepCompleted, StepAbandoned, StepEscalated:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the step ends the conversation flow.
func (s Step) IsTerminal() bool {
	return s == StepCompleted || s == StepAbandoned || s == StepEscalated
}

// BookingData holds the well-known fields accumulated during a booking flow.
// Free-form answers stay in ConversationState.UserData; these are promoted to
// typed members so shape errors surface in tests instead of production.
type BookingData struct {
	SelectedService string     `json:"selected_service,omitempty"`
	PreferredTime   *time.Time `json:"preferred_time,omitempty"`
	Notes           string     `json:"notes,omitempty"`
}

// ConversationState is the per-contact progress record, keyed 1:1 by
// canonical phone number. At most one state exists per phone (upsert
// semantics); it is created lazily on first message and deleted only by
// retention purge or an explicit erasure request.
type ConversationState struct {
	Phone         string            `json:"phone"`
	CurrentStep   Step              `json:"current_step"`
	Booking       BookingData       `json:"booking"`
	UserData      map[string]string `json:"user_data,omitempty"`
	AttemptsCount int               `json:"attempts_count"`
	Language      string            `json:"language,omitempty"`
	ClientRef     string            `json:"client_ref,omitempty"`
	BookingRef    string            `json:"booking_ref,omitempty"`
	LastMessageID string            `json:"last_message_id,omitempty"`
	LastUpdated   time.Time         `json:"last_updated"`
}

// NewConversationState creates a fresh state in the initial step for a phone.
func NewConversationState(phone string) *ConversationState {
	return &ConversationState{
		Phone:       phone,
		CurrentStep: StepInitial,
		UserData:    make(map[string]string),
		LastUpdated: time.Now(),
	}
}

// MergeUserData merges the given key-value pairs into the accumulated user
// data without replacing existing unrelated keys.
func (c *ConversationState) MergeUserData(data map[string]string) {
	if len(data) == 0 {
		return
	}
	if c.UserData == nil {
		c.UserData = make(map[string]string, len(data))
	}
	for k, v := range data {
		c.UserData[k] = v
	}
}

// ResetBooking clears prior selections when a booking flow restarts. The
// identity linkage and last message id are preserved.
func (c *ConversationState) ResetBooking() {
	c.Booking = BookingData{}
	c.BookingRef = ""
	c.UserData = make(map[string]string)
	c.AttemptsCount = 0
}

// Advance moves the conversation to the given step, resetting the attempt
// counter and touching the last-updated timestamp.
func (c *ConversationState) Advance(to Step) {
	c.CurrentStep = to
	c.AttemptsCount = 0
	c.LastUpdated = time.Now()
}

// RecordAttempt increments the attempt counter without changing the step and
// reports the new count.
func (c *ConversationState) RecordAttempt() int {
	c.AttemptsCount++
	c.LastUpdated = time.Now()
	return c.AttemptsCount
}
