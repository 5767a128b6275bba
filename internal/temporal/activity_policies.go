package temporal

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const ActivityPolicyAdvanceClaim = "advance_claim"

type activityPolicy struct {
	StartToCloseTimeout time.Duration
	RetryPolicy         temporal.RetryPolicy
}

// One advance runs up to four attempts of a step plus their backoff.
var activityPolicies = map[string]activityPolicy{
	ActivityPolicyAdvanceClaim: {
		StartToCloseTimeout: 6 * time.Minute,
		RetryPolicy: temporal.RetryPolicy{
			InitialInterval:        1 * time.Second,
			BackoffCoefficient:     2,
			MaximumInterval:        10 * time.Second,
			MaximumAttempts:        3,
			NonRetryableErrorTypes: []string{errTypeClaimNotFound},
		},
	},
}

func ActivityOptionsFor(policyName string) (workflow.ActivityOptions, error) {
	policy, ok := activityPolicies[policyName]
	if !ok {
		return workflow.ActivityOptions{}, fmt.Errorf("unknown activity policy: %s", policyName)
	}

	retry := policy.RetryPolicy
	return workflow.ActivityOptions{
		StartToCloseTimeout: policy.StartToCloseTimeout,
		RetryPolicy:         &retry,
	}, nil
}

func mustActivityContext(ctx workflow.Context, policyName string) workflow.Context {
	ao, err := ActivityOptionsFor(policyName)
	if err != nil {
		panic(err)
	}
	return workflow.WithActivityOptions(ctx, ao)
}
