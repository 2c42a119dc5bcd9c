// Package orchestrator drives conversations from inbound events to outbound
// effects.
//
// Each inbound message runs a single pipeline: normalize the phone, load or
// create the client and conversation state, deduplicate on the provider
// message id, compute the step transition, perform side effects through the
// facade, persist, and audit. Work for one phone is serialized; different
// phones proceed in parallel.
package orchestrator

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/citabot/citabot/internal/audit"
	"github.com/citabot/citabot/internal/facade"
)

// Default configuration values.
const (
	// DefaultMaxRetryAttempts caps provider retries and not-understood turns.
	DefaultMaxRetryAttempts = 3
	// DefaultProviderTimeout bounds each facade call.
	DefaultProviderTimeout = 30 * time.Second
	// DefaultRetryBaseDelay is the first backoff delay.
	DefaultRetryBaseDelay = 500 * time.Millisecond
	// DefaultRetryMaxDelay caps the backoff growth.
	DefaultRetryMaxDelay = 10 * time.Second
)

// Opts holds orchestrator configuration.
type Opts struct {
	MaxRetryAttempts int
	ProviderTimeout  time.Duration
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	SystemPrompt     string
}

// Option configures the orchestrator.
type Option func(*Opts)

// WithMaxRetryAttempts sets the retry and attempt ceiling.
func WithMaxRetryAttempts(n int) Option {
	return func(o *Opts) { o.MaxRetryAttempts = n }
}

// WithProviderTimeout bounds each facade call.
func WithProviderTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ProviderTimeout = d }
}

// WithRetryDelays sets the backoff base and cap.
func WithRetryDelays(base, max time.Duration) Option {
	return func(o *Opts) {
		o.RetryBaseDelay = base
		o.RetryMaxDelay = max
	}
}

// WithSystemPrompt sets the generation prompt prefix for AI replies.
func WithSystemPrompt(p string) Option {
	return func(o *Opts) { o.SystemPrompt = p }
}

// Orchestrator consumes inbound events and drives conversation state.
type Orchestrator struct {
	facade *facade.Facade
	ledger *audit.Ledger
	cfg    Opts

	mu    sync.Mutex
	locks map[string]*phoneLock
}

// phoneLock serializes work for one canonical phone. refs counts holders and
// waiters so the arena entry can be dropped once nobody needs it.
type phoneLock struct {
	mu   sync.Mutex
	refs int
}

// New creates an orchestrator over the given facade and audit ledger.
func New(f *facade.Facade, l *audit.Ledger, opts ...Option) *Orchestrator {
	cfg := Opts{
		MaxRetryAttempts: DefaultMaxRetryAttempts,
		ProviderTimeout:  DefaultProviderTimeout,
		RetryBaseDelay:   DefaultRetryBaseDelay,
		RetryMaxDelay:    DefaultRetryMaxDelay,
		SystemPrompt:     defaultSystemPrompt,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Orchestrator initialized", "max_retry_attempts", cfg.MaxRetryAttempts,
		"provider_timeout", cfg.ProviderTimeout)
	return &Orchestrator{
		facade: f,
		ledger: l,
		cfg:    cfg,
		locks:  make(map[string]*phoneLock),
	}
}

// lockPhone acquires the mutex serializing work for one canonical phone and
// returns its release func. Entries are removed when the last holder or
// waiter releases, so the map stays bounded by in-flight work rather than
// growing with every phone ever seen.
func (o *Orchestrator) lockPhone(phone string) func() {
	o.mu.Lock()
	l, ok := o.locks[phone]
	if !ok {
		l = &phoneLock{}
		o.locks[phone] = l
	}
	l.refs++
	o.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		o.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(o.locks, phone)
		}
		o.mu.Unlock()
	}
}

// withTimeout derives the bounded context used for each facade call.
func (o *Orchestrator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.cfg.ProviderTimeout)
}

// backoffDelay computes the capped exponential delay with 10% jitter for the
// given zero-based attempt.
func (o *Orchestrator) backoffDelay(attempt int) time.Duration {
	delay := o.cfg.RetryBaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= o.cfg.RetryMaxDelay {
			delay = o.cfg.RetryMaxDelay
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/10 + 1))
	return delay + jitter
}

// sleepWithContext waits for the delay unless the context is cancelled first.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
