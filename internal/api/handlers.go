package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/citabot/citabot/internal/audit"
	"github.com/citabot/citabot/internal/calendar"
	"github.com/citabot/citabot/internal/models"
)

// whatsappWebhookHandler receives Twilio-style form posts for inbound
// WhatsApp messages and feeds them to the orchestrator.
func (s *Server) whatsappWebhookHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Error("Server.whatsappWebhookHandler: failed to parse form", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid form payload"))
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	if from == "" || body == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing From or Body"))
		return
	}
	numMedia := r.FormValue("NumMedia")
	msg := models.InboundMessage{
		From:      from,
		Body:      body,
		MessageID: r.FormValue("MessageSid"),
		HasMedia:  numMedia != "" && numMedia != "0",
		Time:      time.Now().Unix(),
	}

	if err := s.orch.HandleInboundMessage(r.Context(), msg); err != nil {
		switch {
		case errors.Is(err, models.ErrInvalidPhoneNumber):
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid phone number"))
		case errors.Is(err, models.ErrStoreUnavailable):
			slog.Error("Server.whatsappWebhookHandler: store unavailable", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Storage unavailable"))
		default:
			slog.Error("Server.whatsappWebhookHandler: handling failed", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
		}
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Recorded("Message processed"))
}

// calendarWebhookHandler receives scheduling-provider webhooks.
func (s *Server) calendarWebhookHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Error("Server.calendarWebhookHandler: failed to read body", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read request body"))
		return
	}
	payload, err := calendar.ParseWebhook(body)
	if err != nil {
		slog.Warn("Server.calendarWebhookHandler: invalid payload", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid webhook payload"))
		return
	}

	if err := s.orch.HandleSchedulingEvent(r.Context(), payload); err != nil {
		switch {
		case errors.Is(err, models.ErrInvalidRecipient):
			writeJSONResponse(w, http.StatusUnprocessableEntity, models.Error("No resolvable contact in event"))
		case errors.Is(err, models.ErrStoreUnavailable):
			slog.Error("Server.calendarWebhookHandler: store unavailable", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Storage unavailable"))
		default:
			slog.Error("Server.calendarWebhookHandler: handling failed", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process event"))
		}
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Recorded("Event processed"))
}

// eraseRequest is the JSON body of a compliance erasure request.
type eraseRequest struct {
	Phone       string `json:"phone"`
	RequestedBy string `json:"requested_by"`
}

// eraseClientHandler removes all personal data for a contact.
func (s *Server) eraseClientHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}

	var req eraseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON body"))
		return
	}
	if req.RequestedBy == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing requested_by"))
		return
	}

	if err := s.orch.EraseClientData(req.Phone, req.RequestedBy); err != nil {
		switch {
		case errors.Is(err, models.ErrInvalidPhoneNumber):
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid phone number"))
		default:
			slog.Error("Server.eraseClientHandler: erasure failed", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Erasure failed"))
		}
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Recorded("Client data erased"))
}

// maxCalendarEvents bounds how many events one listing request drains.
const maxCalendarEvents = 100

// calendarEventsHandler lists the scheduling provider's upcoming events for a
// subject.
func (s *Server) calendarEventsHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}

	subject := r.URL.Query().Get("user")
	if subject == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing user"))
		return
	}

	it, err := s.facade.ListScheduledEvents(r.Context(), subject)
	if err != nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Scheduling capability unavailable"))
		return
	}

	events := make([]calendar.Event, 0, 16)
	for len(events) < maxCalendarEvents {
		evt, err := it.Next()
		if err != nil {
			switch {
			case errors.Is(err, models.ErrRateLimited):
				writeJSONResponse(w, http.StatusTooManyRequests, models.Error("Scheduling provider rate limited"))
			case errors.Is(err, models.ErrProviderUnavailable):
				writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Scheduling provider unavailable"))
			default:
				slog.Error("Server.calendarEventsHandler: listing failed", "error", err)
				writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list events"))
			}
			return
		}
		if evt == nil {
			break
		}
		events = append(events, *evt)
	}
	writeJSONResponse(w, http.StatusOK, models.Success(events))
}

// auditQueryHandler returns one page of ledger events matching the query
// string filters.
func (s *Server) auditQueryHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}

	filter, err := parseAuditFilter(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	page, err := s.ledger.Query(filter)
	if err != nil {
		slog.Error("Server.auditQueryHandler: query failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Audit query failed"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(page))
}

// gdprReportHandler builds the per-subject compliance report.
func (s *Server) gdprReportHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}

	subject := r.URL.Query().Get("dataSubject")
	start, err := parseTimeParam(r.URL.Query().Get("startDate"))
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid startDate"))
		return
	}
	end, err := parseTimeParam(r.URL.Query().Get("endDate"))
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid endDate"))
		return
	}
	if end.IsZero() {
		end = time.Now()
	}

	report, err := s.ledger.GenerateGDPRReport(subject, start, end)
	if err != nil {
		var vErr *models.ValidationError
		if errors.As(err, &vErr) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(vErr.Error()))
			return
		}
		slog.Error("Server.gdprReportHandler: report failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to generate report"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(report))
}

// consentHandler records a consent grant or withdrawal.
func (s *Server) consentHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}

	var rec models.ConsentRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON body"))
		return
	}
	if err := s.ledger.LogConsent(rec); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Recorded("Consent recorded"))
}

// dataAccessHandler records a personal-data access event.
func (s *Server) dataAccessHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}

	var rec models.DataAccessRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON body"))
		return
	}
	if err := s.ledger.LogDataAccess(rec); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Recorded("Data access recorded"))
}

// securityIncidentRequest is the JSON body of a security-incident report.
type securityIncidentRequest struct {
	Severity    models.Severity `json:"severity"`
	ActorID     string          `json:"actor_id"`
	IPAddress   string          `json:"ip_address"`
	UserAgent   string          `json:"user_agent"`
	Description string          `json:"description"`
}

// securityIncidentHandler records a security incident.
func (s *Server) securityIncidentHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}

	var req securityIncidentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON body"))
		return
	}
	if req.Description == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing description"))
		return
	}
	s.ledger.LogSecurityIncident(req.Severity, req.ActorID, req.IPAddress, req.UserAgent, req.Description)
	writeJSONResponse(w, http.StatusCreated, models.Recorded("Incident recorded"))
}

// suspiciousHandler scans the recent window for repeated-failure clusters.
func (s *Server) suspiciousHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}

	findings, err := s.ledger.DetectSuspiciousPatterns(time.Now())
	if err != nil {
		slog.Error("Server.suspiciousHandler: scan failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Pattern scan failed"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(findings))
}

// cleanupHandler runs the retention purge with the configured retention
// window.
func (s *Server) cleanupHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	if r.Method != http.MethodDelete {
		w.Header().Set("Allow", http.MethodDelete)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}

	result, err := s.ledger.CleanupOldLogs(r.Context(), time.Now(), s.retentionDays)
	if err != nil {
		if errors.Is(err, models.ErrRetentionPolicyViolation) {
			writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
			return
		}
		var vErr *models.ValidationError
		if errors.As(err, &vErr) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(vErr.Error()))
			return
		}
		slog.Error("Server.cleanupHandler: purge failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Retention purge failed"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// exportHandler streams ledger events in the requested format.
func (s *Server) exportHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}

	format, err := audit.ParseExportFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	filter, err := parseAuditFilter(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	data, err := s.ledger.Export(filter, format)
	if err != nil {
		slog.Error("Server.exportHandler: export failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Export failed"))
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.Error("Server.exportHandler: failed to write export", "error", err)
	}
}

// healthHandler reports storage reachability and capability configuration.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}

	report := s.facade.HealthCheck(r.Context())
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, status, models.Success(report))
}

// parseAuditFilter maps query string parameters to a ledger filter. The
// canonical filter names are userId and ipAddress; actor and ip are accepted
// as short aliases.
func parseAuditFilter(r *http.Request) (models.AuditFilter, error) {
	q := r.URL.Query()
	f := models.AuditFilter{
		Type:      models.EventType(q.Get("eventType")),
		Severity:  models.Severity(q.Get("severity")),
		Subject:   q.Get("subject"),
		ActorID:   firstNonEmpty(q.Get("userId"), q.Get("actor")),
		IPAddress: firstNonEmpty(q.Get("ipAddress"), q.Get("ip")),
	}

	var err error
	if f.Start, err = parseTimeParam(q.Get("startDate")); err != nil {
		return f, errors.New("invalid startDate")
	}
	if f.End, err = parseTimeParam(q.Get("endDate")); err != nil {
		return f, errors.New("invalid endDate")
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 0 {
			return f, errors.New("invalid limit")
		}
	}
	if v := q.Get("offset"); v != "" {
		if f.Offset, err = strconv.Atoi(v); err != nil || f.Offset < 0 {
			return f, errors.New("invalid offset")
		}
	}
	return f, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// parseTimeParam accepts RFC 3339 timestamps or bare dates. An empty value
// yields the zero time.
func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}
