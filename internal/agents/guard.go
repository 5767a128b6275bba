package agents

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"claim-orchestrator/internal/classify"
	"claim-orchestrator/internal/domain"
)

const (
	defaultBreakerFailures uint32 = 5
	defaultBreakerTimeout         = 30 * time.Second
	defaultBreakerInterval        = 60 * time.Second
)

type GuardConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32
	// OpenFor is how long the circuit stays open before a half-open probe.
	OpenFor time.Duration
	// RequestsPerSecond limits calls to the upstream model; 0 disables the limit.
	RequestsPerSecond float64
	Burst             int
}

// Guarded wraps an Invoker with a circuit breaker and a client-side rate
// limiter. An open circuit fails fast with a THROTTLE error so the engine
// backs off instead of hammering a sick upstream.
type Guarded struct {
	inner   Invoker
	breaker *gobreaker.CircuitBreaker[string]
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewGuarded(inner Invoker, cfg GuardConfig, logger *slog.Logger) *Guarded {
	if logger == nil {
		logger = slog.Default()
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerFailures
	}
	openFor := cfg.OpenFor
	if openFor == 0 {
		openFor = defaultBreakerTimeout
	}

	breaker := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "agents:" + inner.Name(),
		MaxRequests: 1,
		Interval:    defaultBreakerInterval,
		Timeout:     openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("agent circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		// Rejected input says nothing about upstream health.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			cat := classify.CategoryOf(err)
			return cat == domain.CategoryInvalidInput || cat == domain.CategoryAccessDenied
		},
	})

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Guarded{inner: inner, breaker: breaker, limiter: limiter, logger: logger}
}

func (g *Guarded) Name() string { return g.inner.Name() }

func (g *Guarded) State() gobreaker.State { return g.breaker.State() }

func (g *Guarded) Invoke(ctx context.Context, req Request) (string, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", classify.Wrap(domain.CategoryThrottle, "agent rate limit", err)
		}
	}
	out, err := g.breaker.Execute(func() (string, error) {
		return g.inner.Invoke(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", classify.Wrap(domain.CategoryThrottle, "agent "+g.inner.Name()+" circuit open", err)
	}
	return out, err
}

var _ Invoker = (*Guarded)(nil)
