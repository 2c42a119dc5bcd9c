package store

import (
	"sort"
	"sync"
	"time"

	"github.com/citabot/citabot/internal/models"
)

// InMemoryStore is a map-backed Store used in tests and credential-less runs.
// All methods are safe for concurrent use.
type InMemoryStore struct {
	mu            sync.RWMutex
	clients       map[string]models.Client
	conversations map[string]models.ConversationState
	messages      []models.Message
	appointments  map[string]models.Appointment
	audit         []models.AuditEvent
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		clients:       make(map[string]models.Client),
		conversations: make(map[string]models.ConversationState),
		appointments:  make(map[string]models.Appointment),
	}
}

func (s *InMemoryStore) SaveClient(c models.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.clients[c.Phone]; ok {
		// Creation timestamp survives upserts.
		c.CreatedAt = existing.CreatedAt
	}
	s.clients[c.Phone] = c
	return nil
}

func (s *InMemoryStore) GetClient(phone string) (*models.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[phone]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *InMemoryStore) GetClientByEmail(email string) (*models.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if email == "" {
		return nil, nil
	}
	for _, c := range s.clients {
		if c.Email == email {
			cc := c
			return &cc, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) TouchClientActivity(phone string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[phone]
	if !ok {
		return nil
	}
	c.LastActivity = at
	s.clients[phone] = c
	return nil
}

func (s *InMemoryStore) EraseClient(phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, phone)
	delete(s.conversations, phone)
	kept := s.messages[:0]
	for _, m := range s.messages {
		if m.Owner != phone {
			kept = append(kept, m)
		}
	}
	s.messages = kept
	for id, a := range s.appointments {
		if a.ClientRef == phone {
			delete(s.appointments, id)
		}
	}
	return nil
}

func (s *InMemoryStore) SaveConversationState(state models.ConversationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.conversations[state.Phone]; ok {
		// Preserve linkage and dedup marker unless explicitly replaced.
		if state.ClientRef == "" {
			state.ClientRef = existing.ClientRef
		}
		if state.LastMessageID == "" {
			state.LastMessageID = existing.LastMessageID
		}
	}
	s.conversations[state.Phone] = state
	return nil
}

func (s *InMemoryStore) GetConversationState(phone string) (*models.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.conversations[phone]
	if !ok {
		return nil, nil
	}
	// Copy the map so callers cannot mutate stored state in place.
	if state.UserData != nil {
		data := make(map[string]string, len(state.UserData))
		for k, v := range state.UserData {
			data[k] = v
		}
		state.UserData = data
	}
	return &state, nil
}

func (s *InMemoryStore) DeleteConversationState(phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, phone)
	return nil
}

func (s *InMemoryStore) AddMessage(m models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
	return nil
}

func (s *InMemoryStore) GetMessages(owner string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Message
	for _, m := range s.messages {
		if m.Owner == owner {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *InMemoryStore) SaveAppointment(a models.Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appointments[a.ID] = a
	return nil
}

func (s *InMemoryStore) GetAppointment(id string) (*models.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.appointments[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *InMemoryStore) GetAppointmentByExternalRef(externalRef string) (*models.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if externalRef == "" {
		return nil, nil
	}
	for _, a := range s.appointments {
		if a.ExternalRef == externalRef {
			aa := a
			return &aa, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) ListAppointments(clientRef string) ([]models.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Appointment
	for _, a := range s.appointments {
		if a.ClientRef == clientRef {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out, nil
}

func (s *InMemoryStore) AddAuditEvent(e models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
	return nil
}

func (s *InMemoryStore) QueryAuditEvents(f models.AuditFilter) (models.AuditPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []models.AuditEvent
	for _, e := range s.audit {
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.Severity != "" && e.Severity != f.Severity {
			continue
		}
		if f.Subject != "" && e.Subject != f.Subject {
			continue
		}
		if f.ActorID != "" && e.ActorID != f.ActorID {
			continue
		}
		if f.IPAddress != "" && e.IPAddress != f.IPAddress {
			continue
		}
		if !f.Start.IsZero() && e.Timestamp.Before(f.Start) {
			continue
		}
		if !f.End.IsZero() && e.Timestamp.After(f.End) {
			continue
		}
		matched = append(matched, e)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Timestamp.After(matched[j].Timestamp) })

	page := models.AuditPage{Total: len(matched), Limit: f.Limit, Offset: f.Offset}
	start := f.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := len(matched)
	if f.Limit > 0 && start+f.Limit < end {
		end = start + f.Limit
	}
	page.Events = append(page.Events, matched[start:end]...)
	return page, nil
}

func (s *InMemoryStore) PurgeConversationData(olderThan time.Time, batchSize int) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removedMsgs int
	kept := s.messages[:0]
	for _, m := range s.messages {
		if m.Timestamp.Before(olderThan) && (batchSize <= 0 || removedMsgs < batchSize) {
			removedMsgs++
			continue
		}
		kept = append(kept, m)
	}
	s.messages = kept

	var removedConvs int
	for phone, c := range s.conversations {
		if c.LastUpdated.Before(olderThan) && (batchSize <= 0 || removedConvs < batchSize) {
			delete(s.conversations, phone)
			removedConvs++
		}
	}
	return removedMsgs, removedConvs, nil
}

func (s *InMemoryStore) PurgeAuditEvents(olderThan time.Time, batchSize int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int
	kept := s.audit[:0]
	for _, e := range s.audit {
		if e.Timestamp.Before(olderThan) && (batchSize <= 0 || removed < batchSize) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.audit = kept
	return removed, nil
}

func (s *InMemoryStore) Ping() error { return nil }

func (s *InMemoryStore) Close() error { return nil }
