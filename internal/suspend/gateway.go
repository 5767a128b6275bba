// Package suspend parks claims awaiting a human decision and hands out the
// single-use continuation tokens that resume them.
package suspend

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"claim-orchestrator/internal/domain"
	"claim-orchestrator/internal/notify"
)

// ErrDuplicateResume is returned for a token that is unknown or already used.
var ErrDuplicateResume = errors.New("duplicate resume")

type Backend interface {
	InsertSuspension(ctx context.Context, s domain.Suspension) error
	GetSuspension(ctx context.Context, token string) (domain.Suspension, error)
	OpenSuspension(ctx context.Context, claimID string) (domain.Suspension, error)
	ConsumeSuspension(ctx context.Context, token string, at time.Time) (domain.Suspension, error)
	ListOpenSuspensions(ctx context.Context, issuedBefore time.Time) ([]domain.Suspension, error)
}

type Gateway struct {
	backend     Backend
	notifier    notify.Notifier
	callbackURL string
	now         func() time.Time
	logger      *slog.Logger
}

func NewGateway(backend Backend, notifier notify.Notifier, callbackURL string, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.LogNotifier{Logger: logger}
	}
	return &Gateway{backend: backend, notifier: notifier, callbackURL: callbackURL, now: time.Now, logger: logger}
}

// WithClock replaces the gateway clock; used by tests and the sweeper.
func (g *Gateway) WithClock(now func() time.Time) *Gateway {
	g.now = now
	return g
}

// Suspend issues a token for claimID and notifies the reviewer. A claim that
// already has an open suspension gets it back unchanged and no second
// notification is sent.
func (g *Gateway) Suspend(ctx context.Context, claimID string, snapshot json.RawMessage, summaryRef string) (domain.Suspension, error) {
	if open, err := g.backend.OpenSuspension(ctx, claimID); err == nil {
		return open, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Suspension{}, err
	}

	token, err := newToken()
	if err != nil {
		return domain.Suspension{}, err
	}
	s := domain.Suspension{
		Token:      token,
		ClaimID:    claimID,
		SummaryRef: summaryRef,
		Snapshot:   snapshot,
		IssuedAt:   g.now().UTC(),
	}
	if err := g.backend.InsertSuspension(ctx, s); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return g.backend.OpenSuspension(ctx, claimID)
		}
		return domain.Suspension{}, fmt.Errorf("insert suspension: %w", err)
	}

	// A lost notification leaves the claim visible in the pending review list.
	if err := g.notifier.NotifyReview(ctx, notify.ReviewRequest{
		ClaimID:           claimID,
		ContinuationToken: token,
		SummaryRef:        summaryRef,
		CallbackURL:       g.callbackURL,
	}); err != nil {
		g.logger.Warn("reviewer notification failed", "claim_id", claimID, "error", err)
	}
	return s, nil
}

// Lookup returns the suspension for token whether or not it was consumed.
func (g *Gateway) Lookup(ctx context.Context, token string) (domain.Suspension, error) {
	s, err := g.backend.GetSuspension(ctx, token)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Suspension{}, ErrDuplicateResume
	}
	return s, err
}

// Consume marks token used. Only one caller ever succeeds per token.
func (g *Gateway) Consume(ctx context.Context, token string) (domain.Suspension, error) {
	s, err := g.backend.ConsumeSuspension(ctx, token, g.now().UTC())
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrConflict) {
		return domain.Suspension{}, ErrDuplicateResume
	}
	return s, err
}

// Void consumes the open token of claimID, if any, so it can never resume.
func (g *Gateway) Void(ctx context.Context, claimID string) error {
	open, err := g.backend.OpenSuspension(ctx, claimID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := g.Consume(ctx, open.Token); err != nil && !errors.Is(err, ErrDuplicateResume) {
		return err
	}
	return nil
}

func (g *Gateway) OpenFor(ctx context.Context, claimID string) (domain.Suspension, error) {
	return g.backend.OpenSuspension(ctx, claimID)
}

// Expired lists open suspensions issued more than maxWait ago.
func (g *Gateway) Expired(ctx context.Context, maxWait time.Duration) ([]domain.Suspension, error) {
	return g.backend.ListOpenSuspensions(ctx, g.now().Add(-maxWait))
}

// Pending lists every open suspension.
func (g *Gateway) Pending(ctx context.Context) ([]domain.Suspension, error) {
	return g.backend.ListOpenSuspensions(ctx, g.now().Add(time.Second))
}

func (g *Gateway) AlertExpired(ctx context.Context, claimID, reason string) {
	if err := g.notifier.NotifyExpired(ctx, notify.ExpiryAlert{ClaimID: claimID, Reason: reason}); err != nil {
		g.logger.Warn("supervisor notification failed", "claim_id", claimID, "error", err)
	}
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate continuation token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
