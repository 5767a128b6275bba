// Package events carries claim intake notifications in and claim outcome
// events out.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"claim-orchestrator/internal/domain"
)

// BlobWriter is the subset of the object store the publisher writes to.
type BlobWriter interface {
	PutObject(ctx context.Context, key string, content []byte, contentType string) (string, error)
}

// Publisher emits failure and decision events to the log and, when an object
// store is configured, as JSON objects for downstream consumers.
type Publisher struct {
	blobs  BlobWriter
	logger *slog.Logger
}

func NewPublisher(blobs BlobWriter, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{blobs: blobs, logger: logger}
}

func (p *Publisher) PublishFailure(ctx context.Context, ev domain.FailureEvent) error {
	p.logger.Error("claim quarantined", "claim_id", ev.ClaimID, "step", ev.Step, "category", ev.Category)
	return p.write(ctx, fmt.Sprintf("events/failures/%s-%s.json", ev.ClaimID, ev.Step), ev)
}

func (p *Publisher) PublishDecision(ctx context.Context, ev domain.DecisionEvent) error {
	p.logger.Info("claim decided", "claim_id", ev.ClaimID, "status", ev.Status)
	return p.write(ctx, fmt.Sprintf("events/decisions/%s.json", ev.ClaimID), ev)
}

// ExportAudit writes the claim's ledger to audit/<claim-id>.json.
func (p *Publisher) ExportAudit(ctx context.Context, rec domain.AuditRecord) error {
	return p.write(ctx, fmt.Sprintf("audit/%s.json", rec.ClaimID), rec)
}

func (p *Publisher) write(ctx context.Context, key string, v any) error {
	if p.blobs == nil {
		return nil
	}
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := p.blobs.PutObject(ctx, key, body, "application/json"); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}
