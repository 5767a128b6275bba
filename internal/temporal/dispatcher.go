package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
)

type workflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// Dispatcher starts a ClaimWorkflow per claim. The workflow id is derived
// from the claim, so a claim never has two runs at once.
type Dispatcher struct {
	client    workflowStarter
	taskQueue string
	idPrefix  string
	logger    *slog.Logger
}

func NewDispatcher(c workflowStarter, taskQueue, idPrefix string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{client: c, taskQueue: taskQueue, idPrefix: idPrefix, logger: logger}
}

func (d *Dispatcher) WorkflowID(claimID string) string {
	return fmt.Sprintf("%s-%s", d.idPrefix, claimID)
}

func (d *Dispatcher) Dispatch(ctx context.Context, claimID string) error {
	workflowID := d.WorkflowID(claimID)
	run, err := d.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                    workflowID,
		TaskQueue:             d.taskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
	}, ClaimWorkflowName, WorkflowInput{ClaimID: claimID})
	if err != nil {
		var alreadyStarted *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &alreadyStarted) {
			d.logger.Info("workflow already running", "claim_id", claimID, "workflow_id", workflowID)
			return nil
		}
		return fmt.Errorf("start workflow for claim %s: %w", claimID, err)
	}
	d.logger.Info("started workflow", "claim_id", claimID, "workflow_id", workflowID, "run_id", run.GetRunID())
	return nil
}
