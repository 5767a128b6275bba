package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"claim-orchestrator/internal/domain"
)

// MemoryStore keeps every table in process memory. It backs local runs and
// tests; all conditional writes happen under one mutex.
type MemoryStore struct {
	mu          sync.Mutex
	claims      map[string][]byte
	steps       []domain.StepRecord
	idempotency map[string]domain.IdempotencyEntry
	suspensions map[string]domain.Suspension
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		claims:      make(map[string][]byte),
		idempotency: make(map[string]domain.IdempotencyEntry),
		suspensions: make(map[string]domain.Suspension),
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateClaim(_ context.Context, c domain.Claim) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.claims[c.ID]; ok {
		return false, nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return false, err
	}
	m.claims[c.ID] = b
	return true, nil
}

func (m *MemoryStore) GetClaim(_ context.Context, claimID string) (domain.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getClaimLocked(claimID)
}

func (m *MemoryStore) UpdateClaim(_ context.Context, c domain.Claim, expected domain.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, err := m.getClaimLocked(c.ID)
	if err != nil {
		return err
	}
	if current.State != expected {
		return domain.ErrConflict
	}
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	m.claims[c.ID] = b
	return nil
}

func (m *MemoryStore) ListClaims(_ context.Context, statuses []domain.ClaimStatus) ([]domain.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[domain.ClaimStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	out := make([]domain.Claim, 0)
	for id := range m.claims {
		c, err := m.getClaimLocked(id)
		if err != nil {
			return nil, err
		}
		if len(want) == 0 || want[c.Status] {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) getClaimLocked(claimID string) (domain.Claim, error) {
	b, ok := m.claims[claimID]
	if !ok {
		return domain.Claim{}, domain.ErrNotFound
	}
	var c domain.Claim
	if err := json.Unmarshal(b, &c); err != nil {
		return domain.Claim{}, err
	}
	return c, nil
}

func (m *MemoryStore) InsertStepStarted(_ context.Context, rec domain.StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.steps {
		if r.ClaimID == rec.ClaimID && r.Step == rec.Step &&
			(r.Status == domain.StepStarted || r.Status == domain.StepSucceeded) {
			return domain.ErrConflict
		}
	}
	m.steps = append(m.steps, rec)
	return nil
}

func (m *MemoryStore) AppendStep(_ context.Context, rec domain.StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, rec)
	return nil
}

func (m *MemoryStore) FinishStep(_ context.Context, rec domain.StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.steps {
		if r.ID == rec.ID {
			if r.Status != domain.StepStarted {
				return domain.ErrConflict
			}
			m.steps[i] = rec
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *MemoryStore) ListSteps(_ context.Context, claimID string) ([]domain.StepRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.StepRecord, 0)
	for _, r := range m.steps {
		if r.ClaimID == claimID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListStartedBefore(_ context.Context, cutoff time.Time) ([]domain.StepRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.StepRecord, 0)
	for _, r := range m.steps {
		if r.Status == domain.StepStarted && r.StartedAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetIdempotency(_ context.Context, fingerprint string) (domain.IdempotencyEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.idempotency[fingerprint]
	if !ok {
		return domain.IdempotencyEntry{}, domain.ErrNotFound
	}
	return e, nil
}

func (m *MemoryStore) PutIdempotency(_ context.Context, entry domain.IdempotencyEntry) (domain.IdempotencyEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.idempotency[entry.Fingerprint]; ok && !existing.Expired(entry.CreatedAt) {
		return existing, nil
	}
	m.idempotency[entry.Fingerprint] = entry
	return entry, nil
}

func (m *MemoryStore) InsertSuspension(_ context.Context, s domain.Suspension) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.suspensions {
		if existing.ClaimID == s.ClaimID && !existing.Consumed() {
			return domain.ErrConflict
		}
	}
	if _, ok := m.suspensions[s.Token]; ok {
		return domain.ErrConflict
	}
	m.suspensions[s.Token] = s
	return nil
}

func (m *MemoryStore) GetSuspension(_ context.Context, token string) (domain.Suspension, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.suspensions[token]
	if !ok {
		return domain.Suspension{}, domain.ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) OpenSuspension(_ context.Context, claimID string) (domain.Suspension, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.suspensions {
		if s.ClaimID == claimID && !s.Consumed() {
			return s, nil
		}
	}
	return domain.Suspension{}, domain.ErrNotFound
}

func (m *MemoryStore) ConsumeSuspension(_ context.Context, token string, at time.Time) (domain.Suspension, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.suspensions[token]
	if !ok {
		return domain.Suspension{}, domain.ErrNotFound
	}
	if s.Consumed() {
		return domain.Suspension{}, domain.ErrConflict
	}
	s.ConsumedAt = &at
	m.suspensions[token] = s
	return s, nil
}

func (m *MemoryStore) ListOpenSuspensions(_ context.Context, issuedBefore time.Time) ([]domain.Suspension, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Suspension, 0)
	for _, s := range m.suspensions {
		if !s.Consumed() && s.IssuedAt.Before(issuedBefore) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out, nil
}
