package temporal

import (
	"time"

	"go.temporal.io/sdk/workflow"

	"claim-orchestrator/internal/domain"
	"claim-orchestrator/internal/engine"
)

const ClaimWorkflowName = "ClaimWorkflow"

const (
	// maxStepsPerRun bounds the history of one run; longer claims continue
	// as new.
	maxStepsPerRun = 50
	inFlightWait   = 30 * time.Second
	inFlightPolls  = 3
)

type WorkflowInput struct {
	ClaimID string
}

type WorkflowResult struct {
	ClaimID   string
	State     domain.State
	Steps     int
	Done      bool
	Suspended bool
}

// ClaimWorkflow advances one claim until it closes or parks for review. A
// suspended claim ends the workflow; the resume callback starts a new run.
func ClaimWorkflow(ctx workflow.Context, input WorkflowInput) (WorkflowResult, error) {
	actx := mustActivityContext(ctx, ActivityPolicyAdvanceClaim)
	logger := workflow.GetLogger(ctx)

	result := WorkflowResult{ClaimID: input.ClaimID}
	waits := 0
	for result.Steps < maxStepsPerRun {
		var tr engine.Transition
		if err := workflow.ExecuteActivity(actx, (*Activities).AdvanceClaimActivity, AdvanceClaimInput{
			ClaimID: input.ClaimID,
		}).Get(ctx, &tr); err != nil {
			return result, err
		}
		result.State = tr.Next

		if tr.InFlight {
			if waits >= inFlightPolls {
				logger.Info("step still held by another execution, leaving it to recovery", "claim_id", input.ClaimID, "state", tr.Next)
				return result, nil
			}
			waits++
			if err := workflow.Sleep(ctx, inFlightWait); err != nil {
				return result, err
			}
			continue
		}

		waits = 0
		result.Steps++
		result.Done = tr.Done
		result.Suspended = tr.Suspended
		if tr.Done || tr.Suspended {
			return result, nil
		}
	}
	return result, workflow.NewContinueAsNewError(ctx, ClaimWorkflowName, input)
}
