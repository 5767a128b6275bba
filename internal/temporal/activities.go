package temporal

import (
	"context"
	"errors"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"claim-orchestrator/internal/domain"
	"claim-orchestrator/internal/engine"
)

const errTypeClaimNotFound = "ClaimNotFound"

// ClaimAdvancer moves a claim forward by one step.
type ClaimAdvancer interface {
	Next(ctx context.Context, claimID string) (engine.Transition, error)
}

type Activities struct {
	Engine ClaimAdvancer
}

type AdvanceClaimInput struct {
	ClaimID string
}

// AdvanceClaimActivity runs the claim's current step. Retrying it is safe:
// a step that already ran is reused from the ledger or the idempotency store.
func (a *Activities) AdvanceClaimActivity(ctx context.Context, input AdvanceClaimInput) (engine.Transition, error) {
	tr, err := a.Engine.Next(ctx, input.ClaimID)
	if errors.Is(err, domain.ErrNotFound) {
		return tr, temporal.NewNonRetryableApplicationError("claim not found", errTypeClaimNotFound, err)
	}
	if err != nil {
		return tr, err
	}
	activity.GetLogger(ctx).Info("claim advanced",
		"claim_id", input.ClaimID, "from", tr.From, "to", tr.Next, "applied", tr.Applied)
	return tr, nil
}
