// Package idempotency guarantees that a step with the same claim, step name
// and input runs its computation at most once while its entry is live.
package idempotency

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"

	"claim-orchestrator/internal/domain"
)

const DefaultTTL = 24 * time.Hour

// Backend persists entries. PutIdempotency must insert only when no live
// entry exists and always return the entry that ends up stored.
type Backend interface {
	GetIdempotency(ctx context.Context, fingerprint string) (domain.IdempotencyEntry, error)
	PutIdempotency(ctx context.Context, entry domain.IdempotencyEntry) (domain.IdempotencyEntry, error)
}

type Key struct {
	ClaimID string
	Step    domain.Step
	Input   any
}

type Result struct {
	Fingerprint string
	Response    json.RawMessage
	Cached      bool
}

type Stats struct {
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
	Computes int64 `json:"computes"`
}

type Store struct {
	backend Backend
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger

	mu    sync.Mutex
	locks map[string]*keyLock

	hits     atomic.Int64
	misses   atomic.Int64
	computes atomic.Int64
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

type Option func(*Store)

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(backend Backend, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		ttl:     DefaultTTL,
		now:     time.Now,
		logger:  logger,
		locks:   make(map[string]*keyLock),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fingerprint hashes the claim id, step and canonical input with BLAKE3.
func Fingerprint(claimID string, step domain.Step, input any) (string, error) {
	canonical, err := Canonical(input)
	if err != nil {
		return "", fmt.Errorf("canonicalize input: %w", err)
	}
	h := blake3.New()
	_, _ = h.Write([]byte(claimID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(step))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// GetOrCompute returns the stored response for key if it has not expired.
// Otherwise it runs compute while holding the fingerprint lock, so concurrent
// callers in this process wait for the first one. Only successful responses
// are stored.
func (s *Store) GetOrCompute(ctx context.Context, key Key, compute func(context.Context) (json.RawMessage, error)) (Result, error) {
	fp, err := Fingerprint(key.ClaimID, key.Step, key.Input)
	if err != nil {
		return Result{}, err
	}

	if entry, ok, err := s.lookup(ctx, fp); err != nil {
		return Result{}, err
	} else if ok {
		s.hits.Add(1)
		return Result{Fingerprint: fp, Response: entry.Response, Cached: true}, nil
	}

	unlock := s.lock(fp)
	defer unlock()

	if entry, ok, err := s.lookup(ctx, fp); err != nil {
		return Result{}, err
	} else if ok {
		s.hits.Add(1)
		return Result{Fingerprint: fp, Response: entry.Response, Cached: true}, nil
	}
	s.misses.Add(1)

	s.computes.Add(1)
	response, err := compute(ctx)
	if err != nil {
		return Result{Fingerprint: fp}, err
	}

	now := s.now()
	stored, err := s.backend.PutIdempotency(ctx, domain.IdempotencyEntry{
		Fingerprint: fp,
		ClaimID:     key.ClaimID,
		Step:        key.Step,
		Response:    response,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	})
	if err != nil {
		return Result{}, fmt.Errorf("store idempotency entry: %w", err)
	}
	if string(stored.Response) != string(response) {
		s.logger.Debug("idempotency entry written by another process", "fingerprint", fp, "claim_id", key.ClaimID, "step", key.Step)
		return Result{Fingerprint: fp, Response: stored.Response, Cached: true}, nil
	}
	return Result{Fingerprint: fp, Response: response}, nil
}

func (s *Store) Stats() Stats {
	return Stats{Hits: s.hits.Load(), Misses: s.misses.Load(), Computes: s.computes.Load()}
}

func (s *Store) lookup(ctx context.Context, fp string) (domain.IdempotencyEntry, bool, error) {
	entry, err := s.backend.GetIdempotency(ctx, fp)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.IdempotencyEntry{}, false, nil
	}
	if err != nil {
		return domain.IdempotencyEntry{}, false, fmt.Errorf("get idempotency entry: %w", err)
	}
	if entry.Expired(s.now()) {
		return domain.IdempotencyEntry{}, false, nil
	}
	return entry, true, nil
}

func (s *Store) lock(fp string) func() {
	s.mu.Lock()
	l, ok := s.locks[fp]
	if !ok {
		l = &keyLock{}
		s.locks[fp] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, fp)
		}
		s.mu.Unlock()
	}
}
