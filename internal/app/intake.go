package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"claim-orchestrator/internal/domain"
	"claim-orchestrator/internal/engine"
	"claim-orchestrator/internal/events"
)

type ObjectReader interface {
	GetObject(ctx context.Context, key string) ([]byte, error)
}

type ClaimStarter interface {
	Start(ctx context.Context, claim domain.Claim) (engine.StartResult, error)
}

// NewIntakeHandler turns an intake notification into a Start. Payloads that
// can never become a claim are logged and skipped; storage failures are
// returned so the listener stops and the process is restarted.
func NewIntakeHandler(objects ObjectReader, claims ClaimStarter, logger *slog.Logger) func(context.Context, events.IntakeEvent) error {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, ev events.IntakeEvent) error {
		raw, err := objects.GetObject(ctx, ev.ObjectKey)
		if err != nil {
			return fmt.Errorf("read intake object %s: %w", ev.ObjectKey, err)
		}

		var claim domain.Claim
		if err := json.Unmarshal(raw, &claim); err != nil {
			logger.Warn("intake object is not a claim", "object_key", ev.ObjectKey, "error", err)
			return nil
		}
		if claim.ID == "" {
			claim.ID = ev.ClaimID
		}
		if claim.ID != ev.ClaimID {
			logger.Warn("intake claim id does not match object key", "object_key", ev.ObjectKey, "claim_id", claim.ID)
			return nil
		}
		if vr := domain.ValidateClaim(claim); !domain.ValidationPassed(vr) {
			logger.Warn("intake claim rejected", "claim_id", claim.ID, "failed_rules", strings.Join(vr.FailedRules, ","))
			return nil
		}

		res, err := claims.Start(ctx, claim)
		if err != nil {
			return fmt.Errorf("start claim %s: %w", claim.ID, err)
		}
		logger.Info("intake claim started", "claim_id", claim.ID, "result", res, "event", ev.EventName)
		return nil
	}
}
