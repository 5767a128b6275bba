package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"claim-orchestrator/internal/classify"
	"claim-orchestrator/internal/domain"
	"claim-orchestrator/internal/idempotency"
	"claim-orchestrator/internal/ledger"
	"claim-orchestrator/internal/tracer"
)

// Transition reports what one Advance did.
type Transition struct {
	ClaimID   string       `json:"claim_id"`
	From      domain.State `json:"from"`
	Next      domain.State `json:"next"`
	Applied   bool         `json:"applied"`
	Suspended bool         `json:"suspended"`
	Done      bool         `json:"done"`
	InFlight  bool         `json:"in_flight"`
}

// StepFailure is a step that ran out of retries.
type StepFailure struct {
	Step     domain.Step
	Category domain.ErrorCategory
	Outcome  classify.Outcome
	Err      error
}

func (f *StepFailure) Error() string {
	return fmt.Sprintf("step %s failed (%s): %v", f.Step, f.Category, f.Err)
}

func (f *StepFailure) Unwrap() error { return f.Err }

// Advance runs the step for current and persists the claim's next state.
// Applied is false when the step's result was reused rather than produced by
// this call. Another execution holding the step yields ErrStepInFlight.
func (e *Engine) Advance(ctx context.Context, claimID string, current domain.State, input StepInput) (Transition, error) {
	ctx, span := tracer.StartSpan(ctx, "engine.advance")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("claim.id", claimID), tracer.StringAttr("claim.state", string(current)))

	tr, err := e.advance(ctx, claimID, current, input)
	if err != nil && !errors.Is(err, ErrStepInFlight) {
		tracer.RecordError(span, err)
		return tr, err
	}
	span.SetAttributes(tracer.StringAttr("claim.next", string(tr.Next)), tracer.BoolAttr("applied", tr.Applied))
	tracer.SetOK(span)
	return tr, err
}

func (e *Engine) advance(ctx context.Context, claimID string, current domain.State, input StepInput) (Transition, error) {
	claim, err := e.store.GetClaim(ctx, claimID)
	if err != nil {
		return Transition{}, fmt.Errorf("load claim %s: %w", claimID, err)
	}
	tr := Transition{ClaimID: claimID, From: current, Next: claim.State}
	if claim.State == domain.StateCancelled {
		tr.Done = true
		return tr, ErrClaimCancelled
	}
	if claim.State != current {
		replayed, ok, err := e.replay(ctx, claim, current, input)
		if err != nil {
			return tr, err
		}
		if ok {
			return replayed, nil
		}
		return tr, fmt.Errorf("%w: claim %s is at %s, not %s", ErrStateMismatch, claimID, claim.State, current)
	}
	if claim.Closed() {
		tr.Done = true
		return tr, nil
	}
	if suspended(claim) {
		tr.Suspended = true
		return tr, nil
	}

	step := current.Step()
	executed := false
	res, err := e.idem.GetOrCompute(ctx, idempotency.Key{ClaimID: claimID, Step: step, Input: input}, func(ctx context.Context) (json.RawMessage, error) {
		out, ran, err := e.execute(ctx, claim, input)
		if err != nil {
			return nil, err
		}
		executed = ran
		return json.Marshal(out)
	})

	var failure *StepFailure
	switch {
	case errors.As(err, &failure):
		raw, merr := json.Marshal(e.failureOutput(claim, failure))
		if merr != nil {
			return tr, merr
		}
		res = idempotency.Result{Response: raw}
		executed = true
	case errors.Is(err, ErrStepInFlight):
		tr.InFlight = true
		return tr, err
	case err != nil:
		return tr, err
	}

	var out domain.StepOutput
	if err := json.Unmarshal(res.Response, &out); err != nil {
		return tr, fmt.Errorf("decode %s output: %w", step, err)
	}

	updated, committed, err := e.commit(ctx, claim, res.Response, out)
	if errors.Is(err, ErrClaimCancelled) {
		tr.Next, tr.Done = domain.StateCancelled, true
		return tr, err
	}
	if err != nil {
		return tr, err
	}
	tr.Next = updated.State
	tr.Applied = executed && !res.Cached
	tr.Done = updated.Closed()
	tr.Suspended = suspended(updated)

	if committed {
		e.logger.Info("claim advanced", "claim_id", claimID, "from", current, "to", updated.State, "status", updated.Status, "applied", tr.Applied)
		if tr.Done {
			e.exportAudit(ctx, claimID)
		}
	}
	return tr, nil
}

// execute acquires the step in the ledger and runs it, retrying according to
// the classifier. ran is false when the ledger already had the step
// SUCCEEDED and its recorded output was reused.
func (e *Engine) execute(ctx context.Context, claim domain.Claim, input StepInput) (domain.StepOutput, bool, error) {
	step := claim.State.Step()
	// A caller that waited on the fingerprint lock may hold a claim another
	// execution has already moved on.
	fresh, err := e.store.GetClaim(ctx, claim.ID)
	if err != nil {
		return domain.StepOutput{}, false, fmt.Errorf("load claim %s: %w", claim.ID, err)
	}
	if fresh.State == domain.StateCancelled {
		return domain.StepOutput{}, false, ErrClaimCancelled
	}
	if fresh.State != claim.State || fresh.Closed() {
		return domain.StepOutput{}, false, fmt.Errorf("%w: claim %s moved to %s", ErrStateMismatch, claim.ID, fresh.State)
	}

	attempt, err := e.attempts(ctx, claim.ID, step)
	if err != nil {
		return domain.StepOutput{}, false, err
	}

	used := make(map[domain.ErrorCategory]int)
	retries := 0
	strict := false
	// Ledger writes must land even if the caller goes away mid-step.
	wctx := context.WithoutCancel(ctx)

	for {
		attempt++
		rec, err := e.ledger.Begin(ctx, claim.ID, step, attempt)
		if errors.Is(err, ledger.ErrStepCompleted) {
			out, err := e.completedOutput(ctx, claim, step)
			return out, false, err
		}
		if err != nil {
			return domain.StepOutput{}, false, err
		}

		stepCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
		stepCtx, span := tracer.StartSpan(stepCtx, "engine.step")
		span.SetAttributes(
			tracer.StringAttr("claim.id", claim.ID),
			tracer.StringAttr("step", string(step)),
			tracer.IntAttr("attempt", attempt),
			tracer.BoolAttr("strict", strict),
		)
		out, err := e.runStep(stepCtx, claim, input, strict)
		if err != nil {
			tracer.RecordError(span, err)
		} else {
			tracer.SetOK(span)
		}
		span.End()
		cancel()

		if err == nil {
			raw, err := json.Marshal(out)
			if err != nil {
				return domain.StepOutput{}, false, err
			}
			if _, err := e.ledger.Succeed(wctx, rec, string(raw)); err != nil {
				return domain.StepOutput{}, false, err
			}
			return out, true, nil
		}

		if ctx.Err() != nil {
			_, _ = e.ledger.Fail(wctx, rec, domain.CategoryTransient, ctx.Err().Error())
			return domain.StepOutput{}, false, ctx.Err()
		}

		policy := classify.Classify(err)
		used[policy.Category]++
		if n := used[policy.Category]; n <= policy.MaxRetries && retries < classify.MaxStepRetries {
			retries++
			delay := policy.Backoff.Delay(n, e.rnd)
			if _, lerr := e.ledger.Retry(wctx, rec, policy.Category, delay, err.Error()); lerr != nil {
				return domain.StepOutput{}, false, lerr
			}
			e.logger.Warn("step attempt failed, retrying",
				"claim_id", claim.ID, "step", step, "attempt", attempt, "category", policy.Category, "backoff", delay, "error", err)
			if policy.Category == domain.CategoryInternal {
				strict = true
			}
			if serr := e.sleep(ctx, delay); serr != nil {
				return domain.StepOutput{}, false, serr
			}
			continue
		}

		if _, lerr := e.ledger.Fail(wctx, rec, policy.Category, err.Error()); lerr != nil {
			return domain.StepOutput{}, false, lerr
		}
		e.logger.Error("step failed", "claim_id", claim.ID, "step", step, "attempt", attempt, "category", policy.Category, "outcome", policy.Exhausted, "error", err)
		return domain.StepOutput{}, true, &StepFailure{Step: step, Category: policy.Category, Outcome: policy.Exhausted, Err: err}
	}
}

// replay answers a repeated trigger for a step that already committed. The
// step's output comes from the idempotency store, or from the claim and ledger
// once the cached entry has expired. ok is false when the step never succeeded.
func (e *Engine) replay(ctx context.Context, claim domain.Claim, current domain.State, input StepInput) (Transition, bool, error) {
	step := current.Step()
	done, err := e.ledger.Completed(ctx, claim.ID, step)
	if err != nil || !done {
		return Transition{}, false, err
	}
	res, err := e.idem.GetOrCompute(ctx, idempotency.Key{ClaimID: claim.ID, Step: step, Input: input}, func(ctx context.Context) (json.RawMessage, error) {
		out, err := e.completedOutput(ctx, claim, step)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	})
	if err != nil {
		return Transition{}, false, err
	}
	var out domain.StepOutput
	if err := json.Unmarshal(res.Response, &out); err != nil {
		return Transition{}, false, fmt.Errorf("decode %s output: %w", step, err)
	}
	e.logger.Debug("replayed completed step", "claim_id", claim.ID, "step", step, "cached", res.Cached)
	return Transition{ClaimID: claim.ID, From: current, Next: out.Next}, true, nil
}

// completedOutput recovers the output of a step the ledger already marked
// SUCCEEDED, from the claim or else from the ledger row itself.
func (e *Engine) completedOutput(ctx context.Context, claim domain.Claim, step domain.Step) (domain.StepOutput, error) {
	raw, ok := claim.Outputs[step]
	if !ok {
		history, err := e.ledger.History(ctx, claim.ID)
		if err != nil {
			return domain.StepOutput{}, err
		}
		for i := len(history) - 1; i >= 0; i-- {
			if history[i].Step == step && history[i].Status == domain.StepSucceeded {
				raw = json.RawMessage(history[i].Detail)
				ok = true
				break
			}
		}
	}
	if !ok {
		return domain.StepOutput{}, classify.Errorf(domain.CategoryInternal, "step %s completed but its output is missing", step)
	}
	var out domain.StepOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.StepOutput{}, classify.Wrap(domain.CategoryInternal, "decode completed output", err)
	}
	return out, nil
}

// failureOutput turns an exhausted step into the transition its policy asks
// for. Suspension and closing steps cannot escalate to review.
func (e *Engine) failureOutput(claim domain.Claim, f *StepFailure) domain.StepOutput {
	q := &domain.Quarantine{Step: f.Step, Category: f.Category, Reason: f.Err.Error()}
	switch {
	case claim.State.Closing():
		return domain.StepOutput{Next: claim.State, Failure: q}
	case f.Outcome == classify.OutcomeReview && claim.State != domain.StateHumanReview:
		return domain.StepOutput{Next: domain.StateHumanReview, Reason: "UNRESOLVED_" + string(f.Category), Failure: q}
	default:
		return domain.StepOutput{Next: domain.StateError, Failure: q}
	}
}

// commit writes the step output and the next state with a conditional update
// on the state the step ran in. Losing the race to a concurrent execution of
// the same step is not an error: the stored claim is returned and committed
// is false.
func (e *Engine) commit(ctx context.Context, claim domain.Claim, raw json.RawMessage, out domain.StepOutput) (domain.Claim, bool, error) {
	current := claim.State
	updated := claim
	updated.Outputs = make(map[domain.Step]json.RawMessage, len(claim.Outputs)+1)
	for k, v := range claim.Outputs {
		updated.Outputs[k] = v
	}
	updated.Outputs[current.Step()] = raw
	updated.State = out.Next
	if out.Reason != "" && !slices.Contains(updated.ReviewReasons, out.Reason) {
		updated.ReviewReasons = append(slices.Clone(claim.ReviewReasons), out.Reason)
	}
	if out.Failure != nil && out.Next == domain.StateError {
		updated.Quarantine = out.Failure
	}
	updated.Status = domain.StatusFor(updated.State, updated.ReviewDecision)
	now := e.now().UTC()
	updated.UpdatedAt = now
	if current.Closing() {
		updated.ClosedAt = &now
	}

	err := e.store.UpdateClaim(ctx, updated, current)
	if err == nil {
		return updated, true, nil
	}
	if !errors.Is(err, domain.ErrConflict) {
		return domain.Claim{}, false, fmt.Errorf("persist claim %s: %w", claim.ID, err)
	}
	fresh, gerr := e.store.GetClaim(ctx, claim.ID)
	if gerr != nil {
		return domain.Claim{}, false, gerr
	}
	if fresh.State == domain.StateCancelled {
		return fresh, false, ErrClaimCancelled
	}
	return fresh, false, nil
}

func (e *Engine) exportAudit(ctx context.Context, claimID string) {
	if e.events == nil {
		return
	}
	rec, err := e.Ledger(ctx, claimID)
	if err == nil {
		err = e.events.ExportAudit(ctx, rec)
	}
	if err != nil {
		e.logger.Warn("audit export failed", "claim_id", claimID, "error", err)
	}
}
