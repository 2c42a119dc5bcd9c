package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/citabot/citabot/internal/audit"
	"github.com/citabot/citabot/internal/calendar"
	"github.com/citabot/citabot/internal/facade"
	"github.com/citabot/citabot/internal/messaging"
	"github.com/citabot/citabot/internal/models"
	"github.com/citabot/citabot/internal/orchestrator"
	"github.com/citabot/citabot/internal/store"
	"github.com/citabot/citabot/internal/twiliowhatsapp"
)

const testPhone = "+34600111222"

func newTestServer(t *testing.T) (*Server, *store.InMemoryStore, *twiliowhatsapp.MockClient, *audit.Ledger) {
	t.Helper()
	s := store.NewInMemoryStore()
	mock := twiliowhatsapp.NewMockClient()
	f := facade.New(s, facade.WithMessagingService(messaging.NewTwilioService(mock)))
	ledger := audit.NewLedger(s)
	orch := orchestrator.New(f, ledger, orchestrator.WithRetryDelays(time.Millisecond, 5*time.Millisecond))
	return NewServer(f, ledger, orch), s, mock, ledger
}

func postForm(srv *Server, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestWhatsAppWebhookProcessesMessage(t *testing.T) {
	srv, s, mock, _ := newTestServer(t)

	rec := postForm(srv, "/webhook/whatsapp", url.Values{
		"From":       {"whatsapp:" + testPhone},
		"Body":       {"hola"},
		"MessageSid": {"SM100"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	client, err := s.GetClient(testPhone)
	if err != nil || client == nil {
		t.Fatalf("expected client created via webhook, got %v %v", client, err)
	}
	if len(mock.SentMessages) != 1 {
		t.Errorf("expected 1 reply sent, got %d", len(mock.SentMessages))
	}
}

func TestWhatsAppWebhookRejectsMissingFields(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	rec := postForm(srv, "/webhook/whatsapp", url.Values{"From": {testPhone}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing Body, got %d", rec.Code)
	}

	rec = postForm(srv, "/webhook/whatsapp", url.Values{"Body": {"hola"}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing From, got %d", rec.Code)
	}
}

func TestWhatsAppWebhookRejectsInvalidPhone(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	rec := postForm(srv, "/webhook/whatsapp", url.Values{
		"From": {"not-a-phone"},
		"Body": {"hola"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid phone, got %d", rec.Code)
	}
}

func TestWhatsAppWebhookMethodNotAllowed(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/webhook/whatsapp", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); allow != http.MethodPost {
		t.Errorf("expected Allow: POST, got %q", allow)
	}
}

func TestCalendarWebhookRejectsBadPayload(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook/calendar", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed payload, got %d", rec.Code)
	}
}

func TestCalendarWebhookUnresolvableContact(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	body := `{"event":"invitee.created","payload":{"uri":"https://api.calendly.com/invitees/abc","name":"Ana"}}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/calendar", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for unresolvable contact, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCalendarWebhookConfirmsAppointment(t *testing.T) {
	srv, s, mock, _ := newTestServer(t)

	body := `{"event":"invitee.created","payload":{` +
		`"uri":"https://api.calendly.com/invitees/abc",` +
		`"name":"Ana",` +
		`"text_reminder_number":"` + testPhone + `",` +
		`"event":"https://api.calendly.com/events/ev1",` +
		`"start_time":"2026-09-01T10:00:00Z"}}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/calendar", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	appt, err := s.GetAppointmentByExternalRef("https://api.calendly.com/invitees/abc")
	if err != nil || appt == nil {
		t.Fatalf("expected appointment saved, got %v %v", appt, err)
	}
	if appt.Status != models.AppointmentConfirmed {
		t.Errorf("expected confirmed appointment, got %s", appt.Status)
	}
	if len(mock.SentMessages) != 1 {
		t.Errorf("expected confirmation notification, got %d messages", len(mock.SentMessages))
	}
}

func TestEraseClientEndpoint(t *testing.T) {
	srv, s, _, _ := newTestServer(t)

	rec := postForm(srv, "/webhook/whatsapp", url.Values{
		"From":       {testPhone},
		"Body":       {"hola"},
		"MessageSid": {"SM1"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook setup failed: %d", rec.Code)
	}

	body := `{"phone":"` + testPhone + `","requested_by":"dpo@clinic.example"}`
	req := httptest.NewRequest(http.MethodPost, "/clients/erase", strings.NewReader(body))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	if client, _ := s.GetClient(testPhone); client != nil {
		t.Error("expected client removed after erasure")
	}

	// requested_by is mandatory for the audit trail.
	req = httptest.NewRequest(http.MethodPost, "/clients/erase",
		strings.NewReader(`{"phone":"`+testPhone+`"}`))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without requested_by, got %d", rec.Code)
	}
}

func TestAuditQueryFiltersByType(t *testing.T) {
	srv, _, _, ledger := newTestServer(t)

	ledger.LogSecurityIncident(models.SeverityHigh, "actor-1", "10.0.0.1", "", "bad login")
	if err := ledger.LogDataAccess(models.DataAccessRecord{
		Subject: testPhone, ActorID: "api", DataType: "client",
		Operation: "read", Purpose: "support", LegalBasis: "contract",
	}); err != nil {
		t.Fatalf("LogDataAccess failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/audit?eventType=security_incident", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Status string           `json:"status"`
		Result models.AuditPage `json:"result"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Result.Total != 1 {
		t.Errorf("expected 1 incident, got %d", resp.Result.Total)
	}
}

func TestAuditQueryFiltersByUserIDAndIPAddress(t *testing.T) {
	srv, _, _, ledger := newTestServer(t)

	ledger.LogSecurityIncident(models.SeverityHigh, "alice", "1.1.1.1", "", "repeated auth failures")
	ledger.LogSecurityIncident(models.SeverityHigh, "bob", "2.2.2.2", "", "repeated auth failures")

	req := httptest.NewRequest(http.MethodGet, "/audit?userId=alice&ipAddress=1.1.1.1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Status string           `json:"status"`
		Result models.AuditPage `json:"result"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Result.Total != 1 {
		t.Fatalf("expected 1 matching event, got %d", resp.Result.Total)
	}
	if resp.Result.Events[0].ActorID != "alice" {
		t.Errorf("expected alice's event, got actor %q", resp.Result.Events[0].ActorID)
	}

	// Short aliases keep working.
	req = httptest.NewRequest(http.MethodGet, "/audit?actor=bob&ip=2.2.2.2", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Result.Total != 1 || resp.Result.Events[0].ActorID != "bob" {
		t.Errorf("expected bob's event via aliases, got %+v", resp.Result)
	}
}

func TestAuditQueryRejectsBadLimit(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/audit?limit=abc", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestConsentEndpoint(t *testing.T) {
	srv, s, _, _ := newTestServer(t)

	body := `{"subject":"` + testPhone + `","consent_type":"whatsapp_contact","granted":true,` +
		`"purpose":"appointment reminders","method":"whatsapp_reply"}`
	req := httptest.NewRequest(http.MethodPost, "/audit/consent", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	page, err := s.QueryAuditEvents(models.AuditFilter{Type: models.EventConsent})
	if err != nil || page.Total != 1 {
		t.Errorf("expected 1 consent event stored, got %d (%v)", page.Total, err)
	}

	// Missing purpose fails validation.
	req = httptest.NewRequest(http.MethodPost, "/audit/consent",
		strings.NewReader(`{"subject":"x","consent_type":"y"}`))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for incomplete consent, got %d", rec.Code)
	}
}

func TestDataAccessEndpoint(t *testing.T) {
	srv, s, _, _ := newTestServer(t)

	body := `{"subject":"` + testPhone + `","actor_id":"support-1","data_type":"conversation",` +
		`"operation":"read","purpose":"complaint review","legal_basis":"legitimate_interest"}`
	req := httptest.NewRequest(http.MethodPost, "/audit/data-access", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	page, err := s.QueryAuditEvents(models.AuditFilter{Type: models.EventDataAccess})
	if err != nil || page.Total != 1 {
		t.Errorf("expected 1 data access event stored, got %d (%v)", page.Total, err)
	}
}

func TestSecurityIncidentEndpoint(t *testing.T) {
	srv, s, _, _ := newTestServer(t)

	body := `{"severity":"high","actor_id":"scanner","ip_address":"203.0.113.9","description":"repeated auth failures"}`
	req := httptest.NewRequest(http.MethodPost, "/audit/security-incident", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	page, err := s.QueryAuditEvents(models.AuditFilter{Type: models.EventSecurityIncident})
	if err != nil || page.Total != 1 {
		t.Fatalf("expected 1 incident stored, got %d (%v)", page.Total, err)
	}
	if page.Events[0].Severity != models.SeverityHigh {
		t.Errorf("expected high severity, got %s", page.Events[0].Severity)
	}

	req = httptest.NewRequest(http.MethodPost, "/audit/security-incident", strings.NewReader(`{}`))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing description, got %d", rec.Code)
	}
}

func TestGDPRReportEndpoint(t *testing.T) {
	srv, _, _, ledger := newTestServer(t)

	if err := ledger.LogDataAccess(models.DataAccessRecord{
		Subject: testPhone, ActorID: "api", DataType: "client",
		Operation: "read", Purpose: "support", LegalBasis: "contract",
	}); err != nil {
		t.Fatalf("LogDataAccess failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/audit/gdpr-report?dataSubject="+url.QueryEscape(testPhone), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Status string            `json:"status"`
		Result models.GDPRReport `json:"result"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Result.AccessLog) != 1 {
		t.Errorf("expected 1 access log entry, got %d", len(resp.Result.AccessLog))
	}

	// Subject is mandatory.
	req = httptest.NewRequest(http.MethodGet, "/audit/gdpr-report", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without dataSubject, got %d", rec.Code)
	}
}

func TestCleanupEndpoint(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodDelete, "/audit/cleanup", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Status string             `json:"status"`
		Result models.PurgeResult `json:"result"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Result.TotalRemoved() != 0 {
		t.Errorf("expected empty store to purge nothing, got %d", resp.Result.TotalRemoved())
	}
}

func TestExportEndpointCSV(t *testing.T) {
	srv, _, _, ledger := newTestServer(t)

	ledger.LogSecurityIncident(models.SeverityMedium, "actor-1", "", "", "probe")

	req := httptest.NewRequest(http.MethodGet, "/audit/export?format=csv", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("expected text/csv content type, got %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "security_incident") {
		t.Errorf("expected incident row in export, got %q", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/audit/export?format=xml", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unsupported format, got %d", rec.Code)
	}
}

func TestSuspiciousEndpoint(t *testing.T) {
	srv, _, _, ledger := newTestServer(t)

	for i := 0; i < audit.DefaultSuspiciousThreshold; i++ {
		ledger.LogSecurityIncident(models.SeverityMedium, "actor-1", "", "", "auth failure")
	}

	req := httptest.NewRequest(http.MethodGet, "/audit/suspicious", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Status string                     `json:"status"`
		Result []models.SuspiciousFinding `json:"result"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Result) != 1 {
		t.Errorf("expected 1 finding, got %d", len(resp.Result))
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with reachable store, got %d", rec.Code)
	}

	var resp struct {
		Status string              `json:"status"`
		Result facade.HealthReport `json:"result"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Result.Storage != facade.StatusOK {
		t.Errorf("expected storage ok, got %q", resp.Result.Storage)
	}
}

func TestParseTimeParam(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		zero    bool
	}{
		{name: "empty", input: "", zero: true},
		{name: "rfc3339", input: "2026-08-01T10:00:00Z"},
		{name: "date only", input: "2026-08-01"},
		{name: "garbage", input: "yesterday", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTimeParam(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseTimeParam(%q) failed: %v", tt.input, err)
			}
			if got.IsZero() != tt.zero {
				t.Errorf("parseTimeParam(%q) zero = %v, want %v", tt.input, got.IsZero(), tt.zero)
			}
		})
	}
}

func TestCalendarEventsEndpoint(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"collection": [
				{"uri": "https://api.calendly.com/scheduled_events/EV1", "name": "Consulta", "status": "active",
				 "start_time": "2026-09-01T10:00:00Z", "end_time": "2026-09-01T10:30:00Z"},
				{"uri": "https://api.calendly.com/scheduled_events/EV2", "name": "Revision", "status": "active",
				 "start_time": "2026-09-02T12:00:00Z", "end_time": "2026-09-02T12:30:00Z"}
			],
			"pagination": {"next_page": ""}
		}`))
	}))
	defer provider.Close()

	cal, err := calendar.NewClient(calendar.WithToken("test-token"), calendar.WithBaseURL(provider.URL))
	if err != nil {
		t.Fatalf("failed to build calendar client: %v", err)
	}
	s := store.NewInMemoryStore()
	f := facade.New(s, facade.WithCalendarClient(cal))
	ledger := audit.NewLedger(s)
	orch := orchestrator.New(f, ledger)
	srv := NewServer(f, ledger, orch)

	req := httptest.NewRequest(http.MethodGet, "/calendar/events?user=https://api.calendly.com/users/U1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Status string           `json:"status"`
		Result []calendar.Event `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Result) != 2 {
		t.Fatalf("expected 2 events, got %d", len(resp.Result))
	}
	if resp.Result[0].Name != "Consulta" {
		t.Errorf("expected first event Consulta, got %q", resp.Result[0].Name)
	}
}

func TestCalendarEventsMissingUser(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/calendar/events", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing user, got %d", rec.Code)
	}
}

func TestCalendarEventsUnconfigured(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/calendar/events?user=https://api.calendly.com/users/U1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when scheduling is not configured, got %d", rec.Code)
	}
}
