// Package ledger keeps the append-only record of every step attempt and
// enforces that a (claim, step) pair has at most one live execution.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"claim-orchestrator/internal/domain"
)

var (
	// ErrStepInFlight means another execution holds STARTED for the step.
	ErrStepInFlight = errors.New("step already in flight")
	// ErrStepCompleted means the step already SUCCEEDED for the claim.
	ErrStepCompleted = errors.New("step already completed")
)

// Backend stores step records. InsertStepStarted must fail with
// domain.ErrConflict when a STARTED or SUCCEEDED row exists for the same
// claim and step, and the check and insert must be atomic.
type Backend interface {
	InsertStepStarted(ctx context.Context, rec domain.StepRecord) error
	AppendStep(ctx context.Context, rec domain.StepRecord) error
	FinishStep(ctx context.Context, rec domain.StepRecord) error
	ListSteps(ctx context.Context, claimID string) ([]domain.StepRecord, error)
	ListStartedBefore(ctx context.Context, cutoff time.Time) ([]domain.StepRecord, error)
}

type Ledger struct {
	backend Backend
	now     func() time.Time
}

func New(backend Backend, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{backend: backend, now: now}
}

// Begin writes the STARTED row for an attempt. It is the only way an
// execution acquires a step.
func (l *Ledger) Begin(ctx context.Context, claimID string, step domain.Step, attempt int) (domain.StepRecord, error) {
	rec := domain.StepRecord{
		ID:        ulid.Make().String(),
		ClaimID:   claimID,
		Step:      step,
		Attempt:   attempt,
		Status:    domain.StepStarted,
		StartedAt: l.now().UTC(),
	}
	err := l.backend.InsertStepStarted(ctx, rec)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, domain.ErrConflict) {
		return domain.StepRecord{}, fmt.Errorf("insert started step: %w", err)
	}

	done, err := l.Completed(ctx, claimID, step)
	if err != nil {
		return domain.StepRecord{}, err
	}
	if done {
		return domain.StepRecord{}, ErrStepCompleted
	}
	return domain.StepRecord{}, ErrStepInFlight
}

func (l *Ledger) Succeed(ctx context.Context, rec domain.StepRecord, detail string) (domain.StepRecord, error) {
	rec.Status = domain.StepSucceeded
	rec.Detail = detail
	return l.finish(ctx, rec)
}

// Retry closes an attempt that will be retried after backoff.
func (l *Ledger) Retry(ctx context.Context, rec domain.StepRecord, category domain.ErrorCategory, backoff time.Duration, detail string) (domain.StepRecord, error) {
	rec.Status = domain.StepRetrying
	rec.ErrorCategory = &category
	rec.BackoffMS = backoff.Milliseconds()
	rec.Detail = detail
	return l.finish(ctx, rec)
}

func (l *Ledger) Fail(ctx context.Context, rec domain.StepRecord, category domain.ErrorCategory, detail string) (domain.StepRecord, error) {
	rec.Status = domain.StepFailed
	rec.ErrorCategory = &category
	rec.Detail = detail
	return l.finish(ctx, rec)
}

// Cancel appends the CANCELLED record that blocks further work on the claim.
func (l *Ledger) Cancel(ctx context.Context, claimID string, reason string) (domain.StepRecord, error) {
	now := l.now().UTC()
	rec := domain.StepRecord{
		ID:        ulid.Make().String(),
		ClaimID:   claimID,
		Step:      domain.StepCancel,
		Attempt:   1,
		Status:    domain.StepCancelled,
		Detail:    reason,
		StartedAt: now,
		EndedAt:   &now,
	}
	if err := l.backend.AppendStep(ctx, rec); err != nil {
		return domain.StepRecord{}, fmt.Errorf("append cancel record: %w", err)
	}
	return rec, nil
}

func (l *Ledger) History(ctx context.Context, claimID string) ([]domain.StepRecord, error) {
	return l.backend.ListSteps(ctx, claimID)
}

func (l *Ledger) Completed(ctx context.Context, claimID string, step domain.Step) (bool, error) {
	recs, err := l.backend.ListSteps(ctx, claimID)
	if err != nil {
		return false, fmt.Errorf("list steps: %w", err)
	}
	for _, r := range recs {
		if r.Step == step && r.Status == domain.StepSucceeded {
			return true, nil
		}
	}
	return false, nil
}

// Stale lists STARTED rows whose owner has not reported back within timeout.
func (l *Ledger) Stale(ctx context.Context, timeout time.Duration) ([]domain.StepRecord, error) {
	return l.backend.ListStartedBefore(ctx, l.now().UTC().Add(-timeout))
}

// ExpireStale marks a stale STARTED row as a retryable transient failure,
// releasing the step for the next execution.
func (l *Ledger) ExpireStale(ctx context.Context, rec domain.StepRecord) (domain.StepRecord, error) {
	return l.Fail(ctx, rec, domain.CategoryTransient, "liveness timeout exceeded")
}

func (l *Ledger) finish(ctx context.Context, rec domain.StepRecord) (domain.StepRecord, error) {
	ended := l.now().UTC()
	rec.EndedAt = &ended
	if err := l.backend.FinishStep(ctx, rec); err != nil {
		return rec, fmt.Errorf("finish step %s: %w", rec.Step, err)
	}
	return rec, nil
}
