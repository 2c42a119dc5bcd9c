package facade

import (
	"context"
	"log/slog"
	"time"

	"github.com/citabot/citabot/internal/genai"
	"github.com/citabot/citabot/internal/models"
)

// Step outcome values inside an InteractionResult.
const (
	StepOK      = "ok"
	StepFailed  = "failed"
	StepSkipped = "skipped"
)

// StepResult is the independent outcome of one interaction sub-step.
type StepResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// InteractionResult reports the composite outcome of ProcessClientInteraction.
// Each sub-step succeeds or fails on its own; a delivery failure does not
// erase a successful lookup or generation.
type InteractionResult struct {
	Phone       string     `json:"phone"`
	Lookup      StepResult `json:"lookup"`
	ClientFound bool       `json:"client_found"`
	Generation  StepResult  `json:"generation"`
	Reply       string      `json:"reply,omitempty"`
	Usage       genai.Usage `json:"usage"`
	Delivery    StepResult  `json:"delivery"`
	MessageID   string      `json:"message_id,omitempty"`
}

// ProcessClientInteraction runs the lookup, generation and delivery steps for
// one inbound message. Later steps still run when earlier ones fail, except
// that delivery is skipped when there is no reply to deliver.
func (f *Facade) ProcessClientInteraction(ctx context.Context, phone, message, systemPrompt string) InteractionResult {
	result := InteractionResult{Phone: phone}

	client, err := f.store.GetClient(phone)
	if err != nil {
		slog.Error("Facade interaction lookup failed", "error", err, "phone", phone)
		result.Lookup = StepResult{Status: StepFailed, Error: err.Error()}
	} else {
		result.Lookup = StepResult{Status: StepOK}
		result.ClientFound = client != nil
		if client != nil {
			if touchErr := f.store.TouchClientActivity(phone, time.Now()); touchErr != nil {
				slog.Warn("Facade interaction activity touch failed", "error", touchErr, "phone", phone)
			}
		}
	}

	reply, usage, err := f.GenerateReply(ctx, systemPrompt, message)
	if err != nil {
		slog.Error("Facade interaction generation failed", "error", err, "phone", phone)
		result.Generation = StepResult{Status: StepFailed, Error: err.Error()}
	} else {
		result.Generation = StepResult{Status: StepOK}
		result.Reply = reply
		result.Usage = usage
	}

	if result.Reply == "" {
		result.Delivery = StepResult{Status: StepSkipped}
		return result
	}

	messageID, err := f.SendMessage(ctx, phone, result.Reply)
	if err != nil {
		slog.Error("Facade interaction delivery failed", "error", err, "phone", phone)
		result.Delivery = StepResult{Status: StepFailed, Error: err.Error()}
		return result
	}
	result.Delivery = StepResult{Status: StepOK}
	result.MessageID = messageID

	if err := f.store.AddMessage(models.Message{
		Owner:     phone,
		Content:   result.Reply,
		Direction: models.DirectionToUser,
		Timestamp: time.Now(),
	}); err != nil {
		slog.Warn("Facade interaction outbound message persistence failed", "error", err, "phone", phone)
	}
	return result
}
