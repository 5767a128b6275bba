package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"claim-orchestrator/internal/agents"
	"claim-orchestrator/internal/classify"
	"claim-orchestrator/internal/domain"
)

func (e *Engine) runStep(ctx context.Context, claim domain.Claim, in StepInput, strict bool) (domain.StepOutput, error) {
	switch claim.State {
	case domain.StateExtract:
		return e.extractStep(ctx, in)
	case domain.StateSummarize:
		return e.summarizeStep(ctx, in, strict)
	case domain.StateRoute:
		return e.routeStep(in), nil
	case domain.StateFraudCheck:
		return e.fraudStep(ctx, in, strict)
	case domain.StateAdjudicate:
		return e.adjudicateStep(ctx, in, strict)
	case domain.StateEvaluate:
		return e.evaluateStep(in)
	case domain.StateHumanReview:
		return e.reviewStep(ctx, claim, in)
	case domain.StateFinalize, domain.StateRejected:
		return e.decisionStep(ctx, claim, in)
	case domain.StateError:
		return e.errorStep(ctx, claim)
	}
	return domain.StepOutput{}, classify.Errorf(domain.CategoryInvalidInput, "no step for state %q", claim.State)
}

func (e *Engine) extractStep(ctx context.Context, in StepInput) (domain.StepOutput, error) {
	extracts := make([]domain.DocumentExtract, 0, len(in.Documents))
	for _, doc := range in.Documents {
		ex, err := e.extractor.Extract(ctx, in.ClaimID, doc)
		if err != nil {
			return domain.StepOutput{}, fmt.Errorf("extract document %s: %w", doc.ID, err)
		}
		extracts = append(extracts, ex)
	}
	for _, ex := range extracts {
		if ex.Confidence < e.cfg.ExtractMinConfidence {
			return domain.StepOutput{Next: domain.StateHumanReview, Extracts: extracts, Reason: ReasonLowExtractConfidence}, nil
		}
	}
	return domain.StepOutput{Next: domain.StateSummarize, Extracts: extracts}, nil
}

func (e *Engine) summarizeStep(ctx context.Context, in StepInput, strict bool) (domain.StepOutput, error) {
	agentIn, err := agentInput(in)
	if err != nil {
		return domain.StepOutput{}, err
	}
	res, err := e.agents.Evaluate(ctx, domain.AgentSummarization, agentIn, strict)
	if err != nil {
		return domain.StepOutput{}, err
	}

	summary := res.Findings.Summary
	if summary == "" {
		summary = res.Rationale
	}
	ref := ""
	if e.blobs != nil {
		ref, err = e.blobs.PutObject(ctx, "summaries/"+in.ClaimID+".txt", []byte(summary), "text/plain")
		if err != nil {
			return domain.StepOutput{}, classify.Wrap(domain.CategoryTransient, "store summary", err)
		}
	}
	return domain.StepOutput{Next: domain.StateRoute, Result: &res, SummaryRef: ref}, nil
}

func (e *Engine) routeStep(in StepInput) domain.StepOutput {
	if in.Amount > e.cfg.AmountThreshold {
		return domain.StepOutput{Next: domain.StateHumanReview, Reason: ReasonAmountOverThreshold}
	}
	return domain.StepOutput{Next: domain.StateFraudCheck}
}

func (e *Engine) fraudStep(ctx context.Context, in StepInput, strict bool) (domain.StepOutput, error) {
	agentIn, err := agentInput(in)
	if err != nil {
		return domain.StepOutput{}, err
	}
	res, err := e.agents.Evaluate(ctx, domain.AgentFraud, agentIn, strict)
	if err != nil {
		return domain.StepOutput{}, err
	}
	out := domain.StepOutput{Result: &res}
	switch {
	case res.Decision == domain.DecisionStop:
		out.Next = domain.StateRejected
	case res.Score() > e.cfg.FraudThreshold:
		out.Next, out.Reason = domain.StateHumanReview, ReasonFraudScore
	case res.Decision == domain.DecisionHITL || res.Decision == domain.DecisionBlocked:
		out.Next, out.Reason = domain.StateHumanReview, ReasonFraudEscalated
	default:
		out.Next = domain.StateAdjudicate
	}
	return out, nil
}

func (e *Engine) adjudicateStep(ctx context.Context, in StepInput, strict bool) (domain.StepOutput, error) {
	agentIn, err := agentInput(in)
	if err != nil {
		return domain.StepOutput{}, err
	}
	fraud, err := outputOf(in, domain.StateFraudCheck.Step())
	if err != nil {
		return domain.StepOutput{}, err
	}
	if fraud.Result != nil {
		agentIn.Prior = append(agentIn.Prior, *fraud.Result)
	}
	res, err := e.agents.Evaluate(ctx, domain.AgentAdjudication, agentIn, strict)
	if err != nil {
		return domain.StepOutput{}, err
	}
	return domain.StepOutput{Next: domain.StateEvaluate, Result: &res}, nil
}

func (e *Engine) evaluateStep(in StepInput) (domain.StepOutput, error) {
	adj, err := outputOf(in, domain.StateAdjudicate.Step())
	if err != nil {
		return domain.StepOutput{}, err
	}
	if adj.Result == nil {
		return domain.StepOutput{}, classify.Errorf(domain.CategoryInternal, "adjudication output has no result")
	}
	res := adj.Result
	switch {
	case res.Decision == domain.DecisionStop || res.Decision == domain.DecisionDeny:
		return domain.StepOutput{Next: domain.StateRejected}, nil
	case res.Decision == domain.DecisionBlocked:
		return domain.StepOutput{Next: domain.StateHumanReview, Reason: ReasonAdjudicationBlocked}, nil
	case res.Decision == domain.DecisionApprove && res.Confidence >= e.cfg.MinConfidence:
		return domain.StepOutput{Next: domain.StateFinalize}, nil
	case res.Decision == domain.DecisionApprove:
		return domain.StepOutput{Next: domain.StateHumanReview, Reason: ReasonLowConfidence}, nil
	}
	return domain.StepOutput{Next: domain.StateHumanReview, Reason: ReasonUndecided}, nil
}

type reviewSnapshot struct {
	State         domain.State                    `json:"state"`
	Outputs       map[domain.Step]json.RawMessage `json:"outputs,omitempty"`
	ReviewReasons []string                        `json:"review_reasons,omitempty"`
}

func (e *Engine) reviewStep(ctx context.Context, claim domain.Claim, in StepInput) (domain.StepOutput, error) {
	snapshot, err := json.Marshal(reviewSnapshot{State: claim.State, Outputs: in.Outputs, ReviewReasons: claim.ReviewReasons})
	if err != nil {
		return domain.StepOutput{}, classify.Wrap(domain.CategoryInternal, "encode review snapshot", err)
	}
	summaryRef := ""
	if sum, err := outputOf(in, domain.StateSummarize.Step()); err == nil {
		summaryRef = sum.SummaryRef
	}
	if _, err := e.gateway.Suspend(ctx, claim.ID, snapshot, summaryRef); err != nil {
		return domain.StepOutput{}, classify.Wrap(domain.CategoryTransient, "suspend for review", err)
	}
	return domain.StepOutput{Next: domain.StateHumanReview, SummaryRef: summaryRef}, nil
}

func (e *Engine) decisionStep(ctx context.Context, claim domain.Claim, in StepInput) (domain.StepOutput, error) {
	ev := domain.DecisionEvent{
		ClaimID:  claim.ID,
		Status:   domain.StatusFor(claim.State, claim.ReviewDecision),
		Occurred: e.now().UTC(),
	}
	if claim.State == domain.StateFinalize {
		if adj, err := outputOf(in, domain.StateAdjudicate.Step()); err == nil && adj.Result != nil {
			ev.PayoutAmount = adj.Result.Findings.PayoutAmount
		}
	}
	if e.events != nil {
		if err := e.events.PublishDecision(ctx, ev); err != nil {
			e.logger.Warn("decision event not published", "claim_id", claim.ID, "error", err)
		}
	}
	return domain.StepOutput{Next: claim.State}, nil
}

func (e *Engine) errorStep(ctx context.Context, claim domain.Claim) (domain.StepOutput, error) {
	if claim.Quarantine != nil && e.events != nil {
		ev := domain.FailureEvent{
			ClaimID:  claim.ID,
			Step:     claim.Quarantine.Step,
			Category: claim.Quarantine.Category,
			Occurred: e.now().UTC(),
		}
		if err := e.events.PublishFailure(ctx, ev); err != nil {
			e.logger.Warn("failure event not published", "claim_id", claim.ID, "error", err)
		}
	}
	return domain.StepOutput{Next: domain.StateError}, nil
}

// agentInput assembles the agent context from the claim and the outputs of
// the extraction and summarization steps.
func agentInput(in StepInput) (agents.Input, error) {
	out := agents.Input{
		ClaimID:      in.ClaimID,
		Amount:       in.Amount,
		Jurisdiction: in.Jurisdiction,
		Description:  in.Description,
	}
	if ex, err := outputOf(in, domain.StateExtract.Step()); err == nil {
		out.Extracts = ex.Extracts
	} else if !isMissing(err) {
		return agents.Input{}, err
	}
	if sum, err := outputOf(in, domain.StateSummarize.Step()); err == nil && sum.Result != nil {
		out.Summary = sum.Result.Findings.Summary
		if out.Summary == "" {
			out.Summary = strings.TrimSpace(sum.Result.Rationale)
		}
	} else if err != nil && !isMissing(err) {
		return agents.Input{}, err
	}
	return out, nil
}

var errMissingOutput = classify.Errorf(domain.CategoryInternal, "step output missing")

func outputOf(in StepInput, step domain.Step) (domain.StepOutput, error) {
	raw, ok := in.Outputs[step]
	if !ok {
		return domain.StepOutput{}, fmt.Errorf("%s: %w", step, errMissingOutput)
	}
	var out domain.StepOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.StepOutput{}, classify.Wrap(domain.CategoryInternal, "decode "+string(step)+" output", err)
	}
	return out, nil
}

func isMissing(err error) bool {
	return errors.Is(err, errMissingOutput)
}
