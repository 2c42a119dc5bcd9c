// Package messaging provides pluggable WhatsApp message delivery for Citabot.
package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/citabot/citabot/internal/models"
)

// Constants for messaging service configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for inbound message channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned when a send is attempted after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// Service defines a pluggable message delivery abstraction.
// It supports sending messages and exposes a channel of inbound messages.
type Service interface {
	// SendMessage sends a message to a recipient and returns the provider
	// message id assigned to the delivery.
	SendMessage(ctx context.Context, to string, body string) (string, error)

	// Start begins any background processing (e.g., polling for events).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Inbound returns a channel of incoming user messages.
	Inbound() <-chan models.InboundMessage
}
