package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/citabot/citabot/internal/models"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cli, err := NewClient(WithToken("test-token"), WithBaseURL(srv.URL), WithPageSize(2))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return srv, cli
}

func TestListScheduledEventsPagesLazily(t *testing.T) {
	var requests int
	var srv *httptest.Server
	srv, cli := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("unexpected auth header: %q", got)
		}
		page := r.URL.Query().Get("page")
		resp := map[string]interface{}{
			"collection": []Event{
				{URI: fmt.Sprintf("evt-%s-1", page), Name: "Consulta", Status: "active", StartTime: time.Now()},
				{URI: fmt.Sprintf("evt-%s-2", page), Name: "Consulta", Status: "active", StartTime: time.Now()},
			},
			"pagination": map[string]string{},
		}
		if page == "" {
			resp["pagination"] = map[string]string{"next_page": srv.URL + "/scheduled_events?page=2"}
		}
		json.NewEncoder(w).Encode(resp)
	})

	it := cli.ListScheduledEvents(context.Background(), "https://api.calendly.com/users/me")
	if requests != 0 {
		t.Fatal("expected no request before first Next call")
	}

	var seen []string
	for {
		evt, err := it.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if evt == nil {
			break
		}
		seen = append(seen, evt.URI)
	}
	if len(seen) != 4 {
		t.Errorf("expected 4 events across 2 pages, got %d: %v", len(seen), seen)
	}
	if requests != 2 {
		t.Errorf("expected 2 page fetches, got %d", requests)
	}
}

func TestListScheduledEventsErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, models.ErrRateLimited},
		{http.StatusBadGateway, models.ErrProviderUnavailable},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("status %d", tt.status), func(t *testing.T) {
			_, cli := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			it := cli.ListScheduledEvents(context.Background(), "user")
			_, err := it.Next()
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			// The iterator stays failed on subsequent calls.
			if _, err2 := it.Next(); !errors.Is(err2, tt.want) {
				t.Errorf("expected sticky error, got %v", err2)
			}
		})
	}
}

func TestNewClientRequiresToken(t *testing.T) {
	t.Setenv("CALENDLY_TOKEN", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected error without token, got nil")
	}
}

func TestParseWebhook(t *testing.T) {
	body := []byte(`{
		"event": "invitee.created",
		"payload": {
			"uri": "https://api.calendly.com/scheduled_events/ABC/invitees/DEF",
			"name": "Ana Garcia",
			"email": "ana@example.com",
			"text_reminder_number": "+34600111222",
			"event": "https://api.calendly.com/scheduled_events/ABC",
			"start_time": "2026-09-01T10:00:00Z"
		}
	}`)
	payload, err := ParseWebhook(body)
	if err != nil {
		t.Fatalf("ParseWebhook failed: %v", err)
	}
	if payload.Event != WebhookInviteeCreated {
		t.Errorf("unexpected event name: %q", payload.Event)
	}
	if payload.Payload.TextableNumber != "+34600111222" {
		t.Errorf("unexpected phone: %q", payload.Payload.TextableNumber)
	}
	if payload.Payload.Email != "ana@example.com" {
		t.Errorf("unexpected email: %q", payload.Payload.Email)
	}
}

func TestParseWebhookRejectsMissingEvent(t *testing.T) {
	if _, err := ParseWebhook([]byte(`{"payload":{}}`)); err == nil {
		t.Error("expected error for missing event name")
	}
	if _, err := ParseWebhook([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}
