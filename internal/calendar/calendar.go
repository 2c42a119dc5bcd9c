// Package calendar provides a client for the scheduling provider's REST API.
package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/citabot/citabot/internal/models"
)

// DefaultBaseURL is the scheduling provider API root.
const DefaultBaseURL = "https://api.calendly.com"

// DefaultTimeout bounds each API request.
const DefaultTimeout = 10 * time.Second

// DefaultPageSize is the number of events fetched per page.
const DefaultPageSize = 20

// Event is a scheduled event as reported by the provider.
type Event struct {
	URI       string    `json:"uri"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// Invitee identifies who booked an event.
type Invitee struct {
	URI      string `json:"uri"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Textable string `json:"text_reminder_number"`
}

// WebhookPayload is the envelope the provider posts to webhook subscribers.
type WebhookPayload struct {
	Event   string         `json:"event"`
	Payload WebhookDetails `json:"payload"`
}

// Webhook event names posted by the provider.
const (
	WebhookInviteeCreated  = "invitee.created"
	WebhookInviteeCanceled = "invitee.canceled"
	WebhookInviteeNoShow   = "invitee_no_show.created"
)

// WebhookDetails carries the booking data inside a webhook payload.
type WebhookDetails struct {
	URI            string    `json:"uri"`
	Name           string    `json:"name"`
	Email          string    `json:"email"`
	TextableNumber string    `json:"text_reminder_number"`
	Event          string    `json:"event"`
	ScheduledAt    time.Time `json:"start_time"`
	CancelReason   string    `json:"cancel_reason"`
}

type eventsPage struct {
	Collection []Event `json:"collection"`
	Pagination struct {
		NextPage string `json:"next_page"`
	} `json:"pagination"`
}

// Opts holds configuration for the calendar client.
type Opts struct {
	Token    string
	BaseURL  string
	Timeout  time.Duration
	PageSize int
}

// Option configures the calendar client.
type Option func(*Opts)

// WithToken sets the API bearer token.
func WithToken(token string) Option {
	return func(o *Opts) { o.Token = token }
}

// WithBaseURL overrides the API root, mainly for tests.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithPageSize sets the number of events fetched per page.
func WithPageSize(n int) Option {
	return func(o *Opts) { o.PageSize = n }
}

// Client talks to the scheduling provider over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	pageSize   int
}

// NewClient creates a calendar client. The token is taken from the options
// or, failing that, the CALENDLY_TOKEN environment variable.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Token == "" {
		cfg.Token = os.Getenv("CALENDLY_TOKEN")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("CALENDLY_TOKEN not set")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}

	slog.Debug("Calendar client initialized", "base_url", cfg.BaseURL, "timeout", cfg.Timeout)
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    cfg.BaseURL,
		token:      cfg.Token,
		pageSize:   cfg.PageSize,
	}, nil
}

// ListScheduledEvents returns an iterator over the subject's scheduled
// events. Pages are fetched lazily as the iterator advances.
func (c *Client) ListScheduledEvents(ctx context.Context, subjectURI string) *EventIterator {
	q := url.Values{}
	q.Set("user", subjectURI)
	q.Set("count", fmt.Sprintf("%d", c.pageSize))
	return &EventIterator{
		client: c,
		ctx:    ctx,
		next:   c.baseURL + "/scheduled_events?" + q.Encode(),
	}
}

// EventIterator walks scheduled events page by page. Next returns nil when
// the collection is exhausted.
type EventIterator struct {
	client *Client
	ctx    context.Context
	buf    []Event
	next   string
	err    error
}

// Next returns the next event, fetching another page when the buffer runs
// out. A nil event with nil error means the iteration is complete.
func (it *EventIterator) Next() (*Event, error) {
	if it.err != nil {
		return nil, it.err
	}
	if len(it.buf) == 0 {
		if it.next == "" {
			return nil, nil
		}
		page, err := it.client.fetchPage(it.ctx, it.next)
		if err != nil {
			it.err = err
			return nil, err
		}
		it.buf = page.Collection
		it.next = page.Pagination.NextPage
		if len(it.buf) == 0 {
			return nil, nil
		}
	}
	evt := it.buf[0]
	it.buf = it.buf[1:]
	return &evt, nil
}

func (c *Client) fetchPage(ctx context.Context, pageURL string) (*eventsPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build events request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Error("Calendar fetchPage request failed", "error", err)
		return nil, fmt.Errorf("%w: %v", models.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: scheduling provider returned 429", models.ErrRateLimited)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: scheduling provider returned %d", models.ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("scheduling provider returned %d", resp.StatusCode)
	}

	var page eventsPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		slog.Error("Calendar fetchPage decode failed", "error", err)
		return nil, fmt.Errorf("failed to decode events page: %w", err)
	}
	slog.Debug("Calendar page fetched", "events", len(page.Collection), "has_next", page.Pagination.NextPage != "")
	return &page, nil
}

// ParseWebhook decodes a provider webhook payload.
func ParseWebhook(body []byte) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode webhook payload: %w", err)
	}
	if payload.Event == "" {
		return nil, fmt.Errorf("webhook payload missing event name")
	}
	return &payload, nil
}
