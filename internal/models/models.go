package models

import "time"

// ClientStatus represents the lifecycle status of a client identity.
type ClientStatus string

const (
	// ClientStatusActive indicates the client is actively in contact.
	ClientStatusActive ClientStatus = "active"
	// ClientStatusInactive indicates the client has been dormant or opted out.
	ClientStatusInactive ClientStatus = "inactive"
)

// Client is the identity record keyed by canonical phone number. Created on
// first inbound contact; last-activity is touched on every subsequent contact.
// Never hard-deleted except via compliance erasure.
type Client struct {
	Phone        string       `json:"phone"`
	Name         string       `json:"name,omitempty"`
	Email        string       `json:"email,omitempty"`
	Status       ClientStatus `json:"status"`
	CreatedAt    time.Time    `json:"created_at"`
	LastActivity time.Time    `json:"last_activity"`
}

// MessageDirection indicates whether a message was received from the user or
// sent to the user.
type MessageDirection string

const (
	// DirectionFromUser marks an inbound message.
	DirectionFromUser MessageDirection = "from_user"
	// DirectionToUser marks an outbound message.
	DirectionToUser MessageDirection = "to_user"
)

// Message is an immutable conversation record. Append-only; never mutated.
type Message struct {
	Owner     string           `json:"owner"` // canonical phone of the client
	Content   string           `json:"content"`
	Direction MessageDirection `json:"direction"`
	Encrypted bool             `json:"encrypted"`
	Timestamp time.Time        `json:"timestamp"`
}

// InboundMessage is an incoming message event delivered by a messaging
// provider webhook or event stream. MessageID is the provider message id used
// for at-least-once delivery deduplication.
type InboundMessage struct {
	From      string `json:"from"`
	Body      string `json:"body"`
	MessageID string `json:"message_id"`
	HasMedia  bool   `json:"has_media,omitempty"`
	Time      int64  `json:"time"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusRecorded indicates data was successfully recorded via API.
	APIStatusRecorded APIStatus = "recorded"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// Recorded creates a recorded API response with a message.
func Recorded(message string) APIResponse {
	return APIResponse{Status: string(APIStatusRecorded), Message: message}
}
