// Package notify tells reviewers and supervisors about claims that need a
// person.
package notify

import (
	"context"
	"errors"
	"log/slog"
)

// ReviewRequest is sent when a claim parks in HUMAN_REVIEW.
type ReviewRequest struct {
	ClaimID           string `json:"claimId"`
	ContinuationToken string `json:"continuationToken"`
	SummaryRef        string `json:"summaryRef,omitempty"`
	CallbackURL       string `json:"callbackUrl"`
}

// ExpiryAlert is sent when a review waited too long and was defaulted to deny.
type ExpiryAlert struct {
	ClaimID string `json:"claimId"`
	Reason  string `json:"reason"`
}

type Notifier interface {
	NotifyReview(ctx context.Context, req ReviewRequest) error
	NotifyExpired(ctx context.Context, alert ExpiryAlert) error
}

// LogNotifier only writes to the log. Used when no channel is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) NotifyReview(_ context.Context, req ReviewRequest) error {
	n.logger().Info("review requested", "claim_id", req.ClaimID, "summary_ref", req.SummaryRef, "callback", req.CallbackURL)
	return nil
}

func (n LogNotifier) NotifyExpired(_ context.Context, alert ExpiryAlert) error {
	n.logger().Warn("review expired", "claim_id", alert.ClaimID, "reason", alert.Reason)
	return nil
}

func (n LogNotifier) logger() *slog.Logger {
	if n.Logger == nil {
		return slog.Default()
	}
	return n.Logger
}

// Multi fans out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) NotifyReview(ctx context.Context, req ReviewRequest) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.NotifyReview(ctx, req))
	}
	return errors.Join(errs...)
}

func (m Multi) NotifyExpired(ctx context.Context, alert ExpiryAlert) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.NotifyExpired(ctx, alert))
	}
	return errors.Join(errs...)
}
