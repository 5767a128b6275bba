package agents

import (
	"context"
	"log/slog"
	"time"

	"claim-orchestrator/internal/classify"
	"claim-orchestrator/internal/domain"
)

// Runner renders prompts for an agent, invokes the model and validates the
// reply.
type Runner struct {
	invoker   Invoker
	validator *Validator
	model     string
	timeout   time.Duration
	logger    *slog.Logger
}

func NewRunner(invoker Invoker, validator *Validator, model string, timeout time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{invoker: invoker, validator: validator, model: model, timeout: timeout, logger: logger}
}

// Evaluate asks agent for a decision on in. strict switches to the tighter
// system prompt used after a malformed reply.
func (r *Runner) Evaluate(ctx context.Context, agent domain.AgentID, in Input, strict bool) (domain.AgentResult, error) {
	user, err := BuildUserPrompt(agent, in)
	if err != nil {
		return domain.AgentResult{}, classify.Wrap(domain.CategoryInvalidInput, "build prompt", err)
	}

	raw, err := r.invoker.Invoke(ctx, Request{
		Model:        r.model,
		SystemPrompt: BuildSystemPrompt(agent, strict),
		UserPrompt:   user,
		Timeout:      r.timeout,
	})
	if err != nil {
		return domain.AgentResult{}, err
	}

	res, err := r.validator.Validate(agent, raw)
	if err != nil {
		r.logger.Warn("agent reply rejected", "claim_id", in.ClaimID, "agent", agent, "strict", strict, "error", err)
		return domain.AgentResult{}, err
	}
	return res, nil
}
