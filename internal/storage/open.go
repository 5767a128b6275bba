package storage

import (
	"context"
	"fmt"
	"time"

	"claim-orchestrator/internal/domain"
)

// Store is the full persistence surface the engine needs.
type Store interface {
	CreateClaim(ctx context.Context, c domain.Claim) (bool, error)
	GetClaim(ctx context.Context, claimID string) (domain.Claim, error)
	UpdateClaim(ctx context.Context, c domain.Claim, expected domain.State) error
	ListClaims(ctx context.Context, statuses []domain.ClaimStatus) ([]domain.Claim, error)

	InsertStepStarted(ctx context.Context, rec domain.StepRecord) error
	AppendStep(ctx context.Context, rec domain.StepRecord) error
	FinishStep(ctx context.Context, rec domain.StepRecord) error
	ListSteps(ctx context.Context, claimID string) ([]domain.StepRecord, error)
	ListStartedBefore(ctx context.Context, cutoff time.Time) ([]domain.StepRecord, error)

	GetIdempotency(ctx context.Context, fingerprint string) (domain.IdempotencyEntry, error)
	PutIdempotency(ctx context.Context, entry domain.IdempotencyEntry) (domain.IdempotencyEntry, error)

	InsertSuspension(ctx context.Context, s domain.Suspension) error
	GetSuspension(ctx context.Context, token string) (domain.Suspension, error)
	OpenSuspension(ctx context.Context, claimID string) (domain.Suspension, error)
	ConsumeSuspension(ctx context.Context, token string, at time.Time) (domain.Suspension, error)
	ListOpenSuspensions(ctx context.Context, issuedBefore time.Time) ([]domain.Suspension, error)

	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLStore)(nil)
)

// Open picks a backend by driver name: postgres, sqlite or memory.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "memory":
		return NewMemoryStore(), nil
	case string(DialectPostgres), string(DialectSQLite):
		if dsn == "" {
			return nil, fmt.Errorf("a DSN is required for the %s store", driver)
		}
		return OpenSQL(ctx, Dialect(driver), dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
