// Package engine drives a claim through the orchestration states. Every step
// runs behind the idempotency store and the step ledger, so duplicate
// triggers and crashed workers never apply a step twice.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"claim-orchestrator/internal/agents"
	"claim-orchestrator/internal/domain"
	"claim-orchestrator/internal/extract"
	"claim-orchestrator/internal/idempotency"
	"claim-orchestrator/internal/ledger"
	"claim-orchestrator/internal/storage"
	"claim-orchestrator/internal/suspend"
)

var (
	ErrClaimCancelled  = errors.New("claim cancelled")
	ErrClaimClosed     = errors.New("claim already closed")
	ErrStateMismatch   = errors.New("state mismatch")
	ErrInvalidClaim    = errors.New("invalid claim")
	ErrInvalidDecision = errors.New("invalid review decision")

	ErrDuplicateResume = suspend.ErrDuplicateResume
	ErrStepInFlight    = ledger.ErrStepInFlight
)

// Review reasons recorded on the claim when it is routed to a person.
const (
	ReasonLowExtractConfidence = "LOW_EXTRACT_CONFIDENCE"
	ReasonAmountOverThreshold  = "AMOUNT_OVER_THRESHOLD"
	ReasonFraudScore           = "FRAUD_SCORE_ABOVE_THRESHOLD"
	ReasonFraudEscalated       = "FRAUD_AGENT_ESCALATED"
	ReasonAdjudicationBlocked  = "ADJUDICATION_BLOCKED"
	ReasonLowConfidence        = "ADJUDICATION_LOW_CONFIDENCE"
	ReasonUndecided            = "ADJUDICATION_UNDECIDED"
	ReasonReviewExpired        = "REVIEW_EXPIRED"
)

type Config struct {
	AmountThreshold      float64
	FraudThreshold       float64
	MinConfidence        float64
	ExtractMinConfidence float64
	StepTimeout          time.Duration
	LivenessTimeout      time.Duration
	MaxReviewWait        time.Duration
}

func DefaultConfig() Config {
	return Config{
		AmountThreshold:      10000,
		FraudThreshold:       0.70,
		MinConfidence:        0.6,
		ExtractMinConfidence: 0.5,
		StepTimeout:          60 * time.Second,
		LivenessTimeout:      10 * time.Minute,
		MaxReviewWait:        72 * time.Hour,
	}
}

type Agents interface {
	Evaluate(ctx context.Context, agent domain.AgentID, in agents.Input, strict bool) (domain.AgentResult, error)
}

type BlobWriter interface {
	PutObject(ctx context.Context, key string, content []byte, contentType string) (string, error)
}

type EventSink interface {
	PublishFailure(ctx context.Context, ev domain.FailureEvent) error
	PublishDecision(ctx context.Context, ev domain.DecisionEvent) error
	ExportAudit(ctx context.Context, rec domain.AuditRecord) error
}

// Dispatcher schedules a run of the claim. Implementations must tolerate
// duplicate dispatches of the same claim.
type Dispatcher interface {
	Dispatch(ctx context.Context, claimID string) error
}

// Deps are the collaborators the engine orchestrates. Blobs and Events are
// optional.
type Deps struct {
	Store     storage.Store
	Agents    Agents
	Extractor extract.Extractor
	Gateway   *suspend.Gateway
	Blobs     BlobWriter
	Events    EventSink
	Logger    *slog.Logger
}

type Engine struct {
	store      storage.Store
	ledger     *ledger.Ledger
	idem       *idempotency.Store
	gateway    *suspend.Gateway
	agents     Agents
	extractor  extract.Extractor
	blobs      BlobWriter
	events     EventSink
	dispatcher Dispatcher
	cfg        Config
	now        func() time.Time
	sleep      func(context.Context, time.Duration) error
	rnd        func() float64
	logger     *slog.Logger
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSleep replaces the backoff wait between retry attempts.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(e *Engine) { e.sleep = sleep }
}

func WithRand(rnd func() float64) Option {
	return func(e *Engine) { e.rnd = rnd }
}

func WithDispatcher(d Dispatcher) Option {
	return func(e *Engine) { e.dispatcher = d }
}

func New(deps Deps, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:     deps.Store,
		gateway:   deps.Gateway,
		agents:    deps.Agents,
		extractor: deps.Extractor,
		blobs:     deps.Blobs,
		events:    deps.Events,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		sleep:     sleepContext,
		rnd:       rand.Float64,
		logger:    deps.Logger,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ledger = ledger.New(deps.Store, e.now)
	e.idem = idempotency.NewStore(deps.Store, e.logger, idempotency.WithClock(e.now))
	return e
}

// SetDispatcher wires a dispatcher built after the engine, such as one that
// runs claims on this engine.
func (e *Engine) SetDispatcher(d Dispatcher) {
	e.dispatcher = d
}

func (e *Engine) IdempotencyStats() idempotency.Stats {
	return e.idem.Stats()
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AmountThreshold <= 0 {
		c.AmountThreshold = d.AmountThreshold
	}
	if c.FraudThreshold <= 0 {
		c.FraudThreshold = d.FraudThreshold
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = d.MinConfidence
	}
	if c.ExtractMinConfidence <= 0 {
		c.ExtractMinConfidence = d.ExtractMinConfidence
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = d.StepTimeout
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = d.LivenessTimeout
	}
	if c.MaxReviewWait <= 0 {
		c.MaxReviewWait = d.MaxReviewWait
	}
	return c
}

// StepInput is the part of a claim a step depends on. Its canonical JSON is
// the step's idempotency input.
type StepInput struct {
	ClaimID        string                          `json:"claim_id"`
	Amount         float64                         `json:"amount"`
	Jurisdiction   string                          `json:"jurisdiction"`
	Description    string                          `json:"description,omitempty"`
	Documents      []domain.Document               `json:"documents,omitempty"`
	Outputs        map[domain.Step]json.RawMessage `json:"outputs,omitempty"`
	ReviewDecision domain.ReviewDecision           `json:"review_decision,omitempty"`
}

// InputFor builds the input of the step the claim is currently at.
func InputFor(c domain.Claim) StepInput {
	var outputs map[domain.Step]json.RawMessage
	for step, raw := range c.Outputs {
		if step == c.State.Step() {
			continue
		}
		if outputs == nil {
			outputs = make(map[domain.Step]json.RawMessage, len(c.Outputs))
		}
		outputs[step] = raw
	}
	return StepInput{
		ClaimID:        c.ID,
		Amount:         c.Amount,
		Jurisdiction:   c.Jurisdiction,
		Description:    c.Description,
		Documents:      c.Documents,
		Outputs:        outputs,
		ReviewDecision: c.ReviewDecision,
	}
}

func suspended(c domain.Claim) bool {
	if c.State != domain.StateHumanReview {
		return false
	}
	_, ok := c.Outputs[domain.StateHumanReview.Step()]
	return ok
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
