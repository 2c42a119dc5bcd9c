// Package facade bundles Citabot's external capabilities behind one
// injectable surface.
//
// Capability clients are initialized lazily, only when their credentials are
// configured and an operation first needs them. The storage backend is the
// only required dependency.
package facade

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/citabot/citabot/internal/calendar"
	"github.com/citabot/citabot/internal/genai"
	"github.com/citabot/citabot/internal/messaging"
	"github.com/citabot/citabot/internal/models"
	"github.com/citabot/citabot/internal/store"
	"github.com/citabot/citabot/internal/twiliowhatsapp"
)

// Capability status values reported by HealthCheck.
const (
	StatusOK            = "ok"
	StatusConfigured    = "configured"
	StatusNotConfigured = "not_configured"
	StatusUnreachable   = "unreachable"
)

// ReplyGenerator produces conversational replies with token accounting.
// Satisfied by *genai.Client.
type ReplyGenerator interface {
	GenerateReplyWithUsage(ctx context.Context, systemPrompt, userPrompt string) (string, genai.Usage, error)
}

// Opts holds credentials and injected clients for the facade.
type Opts struct {
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string
	OpenAIKey        string
	OpenAIModel      string
	OpenAIMaxTokens  int64
	CalendlyToken    string

	// Pre-built clients override lazy construction, mainly for tests.
	Messaging messaging.Service
	GenAI     ReplyGenerator
	Calendar  *calendar.Client
}

// Option configures the facade.
type Option func(*Opts)

// WithTwilioCredentials configures the WhatsApp delivery capability.
func WithTwilioCredentials(sid, token, from string) Option {
	return func(o *Opts) {
		o.TwilioAccountSID = sid
		o.TwilioAuthToken = token
		o.TwilioFrom = from
	}
}

// WithOpenAI configures the reply generation capability.
func WithOpenAI(key, model string, maxTokens int64) Option {
	return func(o *Opts) {
		o.OpenAIKey = key
		o.OpenAIModel = model
		o.OpenAIMaxTokens = maxTokens
	}
}

// WithCalendlyToken configures the scheduling capability.
func WithCalendlyToken(token string) Option {
	return func(o *Opts) { o.CalendlyToken = token }
}

// WithMessagingService injects a pre-built delivery service.
func WithMessagingService(svc messaging.Service) Option {
	return func(o *Opts) { o.Messaging = svc }
}

// WithGenAIClient injects a pre-built generation client.
func WithGenAIClient(c ReplyGenerator) Option {
	return func(o *Opts) { o.GenAI = c }
}

// WithCalendarClient injects a pre-built calendar client.
func WithCalendarClient(c *calendar.Client) Option {
	return func(o *Opts) { o.Calendar = c }
}

// Facade is constructed once in main and injected wherever capabilities are
// needed. It never reaches for globals.
type Facade struct {
	store store.Store
	cfg   Opts

	msgOnce sync.Once
	msg     messaging.Service
	msgErr  error

	genOnce sync.Once
	gen     ReplyGenerator
	genErr  error

	calOnce sync.Once
	cal     *calendar.Client
	calErr  error
}

// New creates a facade over the given store.
func New(s store.Store, opts ...Option) *Facade {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Facade initialized",
		"twilio_configured", cfg.twilioConfigured(),
		"openai_configured", cfg.OpenAIKey != "" || cfg.GenAI != nil,
		"calendly_configured", cfg.CalendlyToken != "" || cfg.Calendar != nil)
	return &Facade{store: s, cfg: cfg}
}

func (o Opts) twilioConfigured() bool {
	return o.Messaging != nil || (o.TwilioAccountSID != "" && o.TwilioAuthToken != "" && o.TwilioFrom != "")
}

// Store exposes the persistence layer for direct reads and writes.
func (f *Facade) Store() store.Store {
	return f.store
}

func (f *Facade) messagingService() (messaging.Service, error) {
	f.msgOnce.Do(func() {
		if f.cfg.Messaging != nil {
			f.msg = f.cfg.Messaging
			return
		}
		if !f.cfg.twilioConfigured() {
			f.msgErr = fmt.Errorf("whatsapp delivery not configured: %w", models.ErrProviderUnavailable)
			return
		}
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(f.cfg.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(f.cfg.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(f.cfg.TwilioFrom),
		)
		if err != nil {
			f.msgErr = fmt.Errorf("failed to initialize whatsapp delivery: %w", err)
			return
		}
		f.msg = messaging.NewTwilioService(client)
		slog.Debug("Facade messaging capability initialized lazily")
	})
	return f.msg, f.msgErr
}

func (f *Facade) genaiClient() (ReplyGenerator, error) {
	f.genOnce.Do(func() {
		if f.cfg.GenAI != nil {
			f.gen = f.cfg.GenAI
			return
		}
		if f.cfg.OpenAIKey == "" {
			f.genErr = fmt.Errorf("reply generation not configured: %w", models.ErrProviderUnavailable)
			return
		}
		opts := []genai.Option{genai.WithAPIKey(f.cfg.OpenAIKey)}
		if f.cfg.OpenAIModel != "" {
			opts = append(opts, genai.WithModel(f.cfg.OpenAIModel))
		}
		if f.cfg.OpenAIMaxTokens > 0 {
			opts = append(opts, genai.WithMaxTokens(f.cfg.OpenAIMaxTokens))
		}
		client, err := genai.NewClient(opts...)
		if err != nil {
			f.genErr = fmt.Errorf("failed to initialize reply generation: %w", err)
			return
		}
		f.gen = client
		slog.Debug("Facade generation capability initialized lazily")
	})
	return f.gen, f.genErr
}

func (f *Facade) calendarClient() (*calendar.Client, error) {
	f.calOnce.Do(func() {
		if f.cfg.Calendar != nil {
			f.cal = f.cfg.Calendar
			return
		}
		if f.cfg.CalendlyToken == "" {
			f.calErr = fmt.Errorf("scheduling capability not configured: %w", models.ErrProviderUnavailable)
			return
		}
		client, err := calendar.NewClient(calendar.WithToken(f.cfg.CalendlyToken))
		if err != nil {
			f.calErr = fmt.Errorf("failed to initialize scheduling capability: %w", err)
			return
		}
		f.cal = client
		slog.Debug("Facade scheduling capability initialized lazily")
	})
	return f.cal, f.calErr
}

// SendMessage delivers a WhatsApp message and returns the provider message
// id. Failures surface as typed errors; no retry happens at this layer.
func (f *Facade) SendMessage(ctx context.Context, to, body string) (string, error) {
	svc, err := f.messagingService()
	if err != nil {
		return "", err
	}
	return svc.SendMessage(ctx, to, body)
}

// GenerateReply produces a reply for the given prompts and reports the token
// usage the generation consumed, subject to the configured prompt and token
// ceilings.
func (f *Facade) GenerateReply(ctx context.Context, systemPrompt, userPrompt string) (string, genai.Usage, error) {
	client, err := f.genaiClient()
	if err != nil {
		return "", genai.Usage{}, err
	}
	return client.GenerateReplyWithUsage(ctx, systemPrompt, userPrompt)
}

// ListScheduledEvents returns a lazy iterator over the subject's scheduled
// events.
func (f *Facade) ListScheduledEvents(ctx context.Context, subjectURI string) (*calendar.EventIterator, error) {
	client, err := f.calendarClient()
	if err != nil {
		return nil, err
	}
	return client.ListScheduledEvents(ctx, subjectURI), nil
}

// HealthReport describes the facade's view of its dependencies. Storage is
// required; everything else is an optional capability.
type HealthReport struct {
	Storage      string            `json:"storage"`
	Capabilities map[string]string `json:"capabilities"`
}

// Healthy reports whether the required storage dependency is reachable.
func (h HealthReport) Healthy() bool {
	return h.Storage == StatusOK
}

// HealthCheck probes storage and reports the state of each optional
// capability. Capability init errors are read through the once-protected
// accessors so a probe never races a first use; building a capability client
// performs no network I/O.
func (f *Facade) HealthCheck(ctx context.Context) HealthReport {
	report := HealthReport{Capabilities: make(map[string]string)}

	if err := f.store.Ping(); err != nil {
		slog.Error("Facade HealthCheck storage unreachable", "error", err)
		report.Storage = StatusUnreachable
	} else {
		report.Storage = StatusOK
	}

	_, msgErr := f.messagingService()
	_, genErr := f.genaiClient()
	_, calErr := f.calendarClient()
	report.Capabilities["whatsapp"] = f.capabilityStatus(f.cfg.twilioConfigured(), msgErr)
	report.Capabilities["genai"] = f.capabilityStatus(f.cfg.OpenAIKey != "" || f.cfg.GenAI != nil, genErr)
	report.Capabilities["calendar"] = f.capabilityStatus(f.cfg.CalendlyToken != "" || f.cfg.Calendar != nil, calErr)
	return report
}

func (f *Facade) capabilityStatus(configured bool, initErr error) string {
	switch {
	case !configured:
		return StatusNotConfigured
	case initErr != nil:
		return StatusUnreachable
	default:
		return StatusConfigured
	}
}
