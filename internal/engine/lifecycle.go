package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"claim-orchestrator/internal/domain"
	"claim-orchestrator/internal/ledger"
)

type StartResult string

const (
	StartAccepted StartResult = "accepted"
	StartIgnored  StartResult = "ignored"
)

// Start registers a new claim and dispatches its first run. A claim that
// already exists is left alone.
func (e *Engine) Start(ctx context.Context, claim domain.Claim) (StartResult, error) {
	if vr := domain.ValidateClaim(claim); !domain.ValidationPassed(vr) {
		return "", fmt.Errorf("%w: %s", ErrInvalidClaim, strings.Join(vr.FailedRules, ", "))
	}

	now := e.now().UTC()
	claim.Status = domain.StatusIntake
	claim.State = domain.StateExtract
	claim.Outputs = nil
	claim.ReviewReasons = nil
	claim.ReviewDecision = ""
	claim.Quarantine = nil
	claim.CreatedAt = now
	claim.UpdatedAt = now
	claim.ClosedAt = nil

	created, err := e.store.CreateClaim(ctx, claim)
	if err != nil {
		return "", fmt.Errorf("create claim %s: %w", claim.ID, err)
	}
	if !created {
		e.logger.Info("duplicate start ignored", "claim_id", claim.ID)
		return StartIgnored, nil
	}
	e.logger.Info("claim accepted", "claim_id", claim.ID, "amount", claim.Amount, "documents", len(claim.Documents))
	e.dispatch(ctx, claim.ID)
	return StartAccepted, nil
}

// Run advances the claim from its persisted state until it closes or parks
// for review. Losing a step to another execution ends the run quietly.
func (e *Engine) Run(ctx context.Context, claimID string) (Transition, error) {
	for {
		claim, err := e.store.GetClaim(ctx, claimID)
		if err != nil {
			return Transition{}, fmt.Errorf("load claim %s: %w", claimID, err)
		}
		tr, err := e.Advance(ctx, claimID, claim.State, InputFor(claim))
		switch {
		case errors.Is(err, ErrStepInFlight):
			e.logger.Debug("step held by another execution", "claim_id", claimID, "state", claim.State)
			return tr, nil
		case errors.Is(err, ErrClaimCancelled):
			return tr, nil
		case errors.Is(err, ErrStateMismatch):
			continue
		case err != nil:
			return tr, err
		}
		if tr.Done || tr.Suspended {
			return tr, nil
		}
	}
}

// Next advances the claim by a single step from its persisted state. It never
// fails for the outcomes Run treats as quiet exits; they are reported on the
// transition instead.
func (e *Engine) Next(ctx context.Context, claimID string) (Transition, error) {
	claim, err := e.store.GetClaim(ctx, claimID)
	if err != nil {
		return Transition{}, fmt.Errorf("load claim %s: %w", claimID, err)
	}
	tr, err := e.Advance(ctx, claimID, claim.State, InputFor(claim))
	switch {
	case errors.Is(err, ErrStepInFlight):
		tr.InFlight = true
		return tr, nil
	case errors.Is(err, ErrClaimCancelled):
		tr.Done = true
		return tr, nil
	case errors.Is(err, ErrStateMismatch):
		return tr, nil
	}
	return tr, err
}

// Resume applies a reviewer decision to the claim parked under token. Each
// token resumes at most once.
func (e *Engine) Resume(ctx context.Context, token string, decision domain.ReviewDecision) error {
	if !decision.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}
	susp, err := e.gateway.Lookup(ctx, token)
	if err != nil {
		return err
	}
	claim, err := e.store.GetClaim(ctx, susp.ClaimID)
	if err != nil {
		return fmt.Errorf("load claim %s: %w", susp.ClaimID, err)
	}
	if claim.State == domain.StateCancelled {
		return ErrClaimCancelled
	}
	if susp.Consumed() {
		return ErrDuplicateResume
	}
	if _, err := e.gateway.Consume(ctx, token); err != nil {
		if c, gerr := e.store.GetClaim(ctx, susp.ClaimID); gerr == nil && c.State == domain.StateCancelled {
			return ErrClaimCancelled
		}
		return err
	}
	return e.applyReview(ctx, susp.ClaimID, decision, "reviewer decision "+string(decision), "")
}

// applyReview records the RESUME step and moves the claim out of
// HUMAN_REVIEW, then dispatches the continuation.
func (e *Engine) applyReview(ctx context.Context, claimID string, decision domain.ReviewDecision, detail, reason string) error {
	attempt, err := e.attempts(ctx, claimID, domain.StepResume)
	if err != nil {
		return err
	}
	rec, err := e.ledger.Begin(ctx, claimID, domain.StepResume, attempt+1)
	if errors.Is(err, ledger.ErrStepCompleted) || errors.Is(err, ErrStepInFlight) {
		return ErrDuplicateResume
	}
	if err != nil {
		return err
	}

	wctx := context.WithoutCancel(ctx)
	next, err := e.leaveReview(ctx, claimID, decision, reason)
	if err != nil {
		_, _ = e.ledger.Fail(wctx, rec, domain.CategoryInvalidInput, err.Error())
		return err
	}
	if _, err := e.ledger.Succeed(wctx, rec, detail); err != nil {
		return err
	}
	e.logger.Info("claim resumed", "claim_id", claimID, "decision", decision, "next", next)
	e.dispatch(ctx, claimID)
	return nil
}

func (e *Engine) leaveReview(ctx context.Context, claimID string, decision domain.ReviewDecision, reason string) (domain.State, error) {
	for {
		claim, err := e.store.GetClaim(ctx, claimID)
		if err != nil {
			return "", fmt.Errorf("load claim %s: %w", claimID, err)
		}
		if claim.State == domain.StateCancelled {
			return "", ErrClaimCancelled
		}
		if claim.State != domain.StateHumanReview {
			return "", fmt.Errorf("%w: claim %s is at %s, not %s", ErrStateMismatch, claimID, claim.State, domain.StateHumanReview)
		}

		next := domain.StateFinalize
		if decision == domain.ReviewDeny {
			next = domain.StateRejected
		}
		updated := claim
		updated.State = next
		updated.ReviewDecision = decision
		if reason != "" && !slices.Contains(claim.ReviewReasons, reason) {
			updated.ReviewReasons = append(slices.Clone(claim.ReviewReasons), reason)
		}
		updated.Status = domain.StatusFor(next, decision)
		updated.UpdatedAt = e.now().UTC()

		err = e.store.UpdateClaim(ctx, updated, domain.StateHumanReview)
		if errors.Is(err, domain.ErrConflict) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("persist claim %s: %w", claimID, err)
		}
		return next, nil
	}
}

// Cancel stops the claim at whatever open state it is in. Cancelling twice is
// a no-op; a claim that has reached its outcome cannot be cancelled.
func (e *Engine) Cancel(ctx context.Context, claimID, reason string) error {
	for {
		claim, err := e.store.GetClaim(ctx, claimID)
		if err != nil {
			return fmt.Errorf("load claim %s: %w", claimID, err)
		}
		if claim.State == domain.StateCancelled {
			return nil
		}
		if claim.Closed() || claim.State.Closing() {
			return fmt.Errorf("%w: claim %s is %s", ErrClaimClosed, claimID, claim.State)
		}

		now := e.now().UTC()
		updated := claim
		updated.State = domain.StateCancelled
		updated.Status = domain.StatusFor(domain.StateCancelled, claim.ReviewDecision)
		updated.UpdatedAt = now
		updated.ClosedAt = &now

		err = e.store.UpdateClaim(ctx, updated, claim.State)
		if errors.Is(err, domain.ErrConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("persist claim %s: %w", claimID, err)
		}
		break
	}

	wctx := context.WithoutCancel(ctx)
	if _, err := e.ledger.Cancel(wctx, claimID, reason); err != nil {
		return err
	}
	if err := e.gateway.Void(wctx, claimID); err != nil {
		return fmt.Errorf("void continuation token: %w", err)
	}
	e.logger.Info("claim cancelled", "claim_id", claimID, "reason", reason)
	return nil
}

type Recovery struct {
	Expired      int      `json:"expired"`
	Redispatched []string `json:"redispatched"`
}

// RecoverStale releases steps whose owner stopped reporting and re-dispatches
// every open claim that has been idle past the liveness timeout.
func (e *Engine) RecoverStale(ctx context.Context) (Recovery, error) {
	var out Recovery
	var ids []string
	add := func(id string) {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}

	stale, err := e.ledger.Stale(ctx, e.cfg.LivenessTimeout)
	if err != nil {
		return out, fmt.Errorf("list stale steps: %w", err)
	}
	for _, rec := range stale {
		if _, err := e.ledger.ExpireStale(ctx, rec); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				continue
			}
			return out, err
		}
		out.Expired++
		e.logger.Warn("stale step expired", "claim_id", rec.ClaimID, "step", rec.Step, "attempt", rec.Attempt)
		add(rec.ClaimID)
	}

	claims, err := e.store.ListClaims(ctx, nil)
	if err != nil {
		return out, fmt.Errorf("list claims: %w", err)
	}
	cutoff := e.now().UTC().Add(-e.cfg.LivenessTimeout)
	for _, c := range claims {
		if c.Closed() || c.State == domain.StateCancelled || suspended(c) || !c.UpdatedAt.Before(cutoff) {
			continue
		}
		add(c.ID)
	}

	for _, id := range ids {
		c, err := e.store.GetClaim(ctx, id)
		if err != nil {
			return out, fmt.Errorf("load claim %s: %w", id, err)
		}
		if c.Closed() || suspended(c) {
			continue
		}
		e.dispatch(ctx, id)
		out.Redispatched = append(out.Redispatched, id)
	}
	return out, nil
}

// SweepSuspensions resolves every review that has waited longer than
// MaxReviewWait as a default deny. It returns the claims it expired.
func (e *Engine) SweepSuspensions(ctx context.Context) ([]string, error) {
	expired, err := e.gateway.Expired(ctx, e.cfg.MaxReviewWait)
	if err != nil {
		return nil, fmt.Errorf("list expired suspensions: %w", err)
	}
	var out []string
	for _, s := range expired {
		err := e.expire(ctx, s, fmt.Sprintf("no review within %s", e.cfg.MaxReviewWait))
		if errors.Is(err, ErrDuplicateResume) || errors.Is(err, ErrClaimCancelled) {
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, s.ClaimID)
	}
	return out, nil
}

// ExpireSuspension resolves the open review of one claim as a default deny
// regardless of its age.
func (e *Engine) ExpireSuspension(ctx context.Context, claimID string) error {
	s, err := e.gateway.OpenFor(ctx, claimID)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("no open review for claim %s: %w", claimID, domain.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return e.expire(ctx, s, "force-expired by operator")
}

func (e *Engine) expire(ctx context.Context, s domain.Suspension, reason string) error {
	if _, err := e.gateway.Consume(ctx, s.Token); err != nil {
		return err
	}
	if err := e.applyReview(ctx, s.ClaimID, domain.ReviewDeny, "default deny: "+reason, ReasonReviewExpired); err != nil {
		return err
	}
	e.logger.Warn("review expired", "claim_id", s.ClaimID, "reason", reason)
	e.gateway.AlertExpired(ctx, s.ClaimID, reason)
	return nil
}

// Ledger returns the claim's step history with its current status.
func (e *Engine) Ledger(ctx context.Context, claimID string) (domain.AuditRecord, error) {
	claim, err := e.store.GetClaim(ctx, claimID)
	if err != nil {
		return domain.AuditRecord{}, fmt.Errorf("load claim %s: %w", claimID, err)
	}
	steps, err := e.ledger.History(ctx, claimID)
	if err != nil {
		return domain.AuditRecord{}, fmt.Errorf("load ledger %s: %w", claimID, err)
	}
	return domain.AuditRecord{ClaimID: claimID, Status: claim.Status, State: claim.State, Steps: steps}, nil
}

func (e *Engine) Claim(ctx context.Context, claimID string) (domain.Claim, error) {
	return e.store.GetClaim(ctx, claimID)
}

func (e *Engine) PendingReviews(ctx context.Context) ([]domain.Suspension, error) {
	return e.gateway.Pending(ctx)
}

func (e *Engine) attempts(ctx context.Context, claimID string, step domain.Step) (int, error) {
	history, err := e.ledger.History(ctx, claimID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range history {
		if rec.Step == step {
			n++
		}
	}
	return n, nil
}

func (e *Engine) dispatch(ctx context.Context, claimID string) {
	if e.dispatcher == nil {
		e.logger.Warn("no dispatcher configured", "claim_id", claimID)
		return
	}
	if err := e.dispatcher.Dispatch(ctx, claimID); err != nil {
		e.logger.Error("dispatch failed", "claim_id", claimID, "error", err)
	}
}
