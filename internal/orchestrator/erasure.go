package orchestrator

import (
	"fmt"
	"log/slog"

	"github.com/citabot/citabot/internal/models"
	"github.com/citabot/citabot/internal/phone"
)

// EraseClientData removes every record held for a contact (client,
// conversation state, messages, appointments) and writes an erasure event to
// the ledger. The audit trail itself is retained per the retention policy.
func (o *Orchestrator) EraseClientData(rawPhone, requestedBy string) error {
	number, err := phone.Normalize(rawPhone)
	if err != nil {
		return err
	}
	canonical := number.Canonical

	release := o.lockPhone(canonical)
	defer release()

	if err := o.facade.Store().EraseClient(canonical); err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}

	o.ledger.LogEvent(models.AuditEvent{
		Type:     models.EventErasure,
		Severity: models.SeverityInfo,
		Subject:  canonical,
		ActorID:  requestedBy,
		Details:  map[string]string{"scope": "client, conversation, messages, appointments"},
	})
	slog.Info("Orchestrator erased client data", "phone", canonical, "requested_by", requestedBy)
	return nil
}
