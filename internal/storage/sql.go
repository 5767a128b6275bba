package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"claim-orchestrator/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLStore implements the claim, ledger, idempotency and suspension tables
// on Postgres or SQLite. Conditional writes rely on the unique indexes in
// schema.sql and INSERT ... ON CONFLICT DO NOTHING.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func OpenSQL(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	var driver string
	switch dialect {
	case DialectPostgres:
		driver = "postgres"
	case DialectSQLite:
		driver = "sqlite"
	default:
		return nil, fmt.Errorf("unsupported store dialect %q", dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("apply %q: %w", pragma, err)
			}
		}
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind rewrites ? placeholders into the $n form Postgres expects.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) CreateClaim(ctx context.Context, c domain.Claim) (bool, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return false, err
	}
	res, err := s.exec(ctx, `
		INSERT INTO claims (id, status, state, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, c.ID, string(c.Status), string(c.State), string(payload), c.CreatedAt.UnixNano(), c.UpdatedAt.UnixNano())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLStore) GetClaim(ctx context.Context, claimID string) (domain.Claim, error) {
	var payload string
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT payload FROM claims WHERE id = ?`), claimID)
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Claim{}, domain.ErrNotFound
		}
		return domain.Claim{}, err
	}
	var c domain.Claim
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return domain.Claim{}, fmt.Errorf("decode claim %s: %w", claimID, err)
	}
	return c, nil
}

func (s *SQLStore) UpdateClaim(ctx context.Context, c domain.Claim, expected domain.State) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, `
		UPDATE claims
		SET status = ?, state = ?, payload = ?, updated_at = ?
		WHERE id = ? AND state = ?
	`, string(c.Status), string(c.State), string(payload), c.UpdatedAt.UnixNano(), c.ID, string(expected))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetClaim(ctx, c.ID); err != nil {
			return err
		}
		return domain.ErrConflict
	}
	return nil
}

func (s *SQLStore) ListClaims(ctx context.Context, statuses []domain.ClaimStatus) ([]domain.Claim, error) {
	query := `SELECT payload FROM claims`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		if s.dialect == DialectPostgres {
			query += ` WHERE status = ANY(?)`
			args = append(args, pq.Array(names))
		} else {
			query += ` WHERE status IN (?` + strings.Repeat(`, ?`, len(names)-1) + `)`
			for _, n := range names {
				args = append(args, n)
			}
		}
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	claims := make([]domain.Claim, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var c domain.Claim
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			return nil, err
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

func (s *SQLStore) InsertStepStarted(ctx context.Context, rec domain.StepRecord) error {
	res, err := s.exec(ctx, `
		INSERT INTO step_records (id, claim_id, step, attempt, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, rec.ID, rec.ClaimID, string(rec.Step), rec.Attempt, string(rec.Status), rec.StartedAt.UnixNano())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (s *SQLStore) AppendStep(ctx context.Context, rec domain.StepRecord) error {
	_, err := s.exec(ctx, `
		INSERT INTO step_records (id, claim_id, step, attempt, status, error_category, backoff_ms, detail, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.ClaimID, string(rec.Step), rec.Attempt, string(rec.Status), nullCategory(rec.ErrorCategory),
		rec.BackoffMS, rec.Detail, rec.StartedAt.UnixNano(), nullTime(rec.EndedAt))
	return err
}

func (s *SQLStore) FinishStep(ctx context.Context, rec domain.StepRecord) error {
	res, err := s.exec(ctx, `
		UPDATE step_records
		SET status = ?, error_category = ?, backoff_ms = ?, detail = ?, ended_at = ?
		WHERE id = ? AND status = ?
	`, string(rec.Status), nullCategory(rec.ErrorCategory), rec.BackoffMS, rec.Detail, nullTime(rec.EndedAt),
		rec.ID, string(domain.StepStarted))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrConflict
	}
	return nil
}

const stepColumns = `id, claim_id, step, attempt, status, error_category, backoff_ms, detail, started_at, ended_at`

func (s *SQLStore) ListSteps(ctx context.Context, claimID string) ([]domain.StepRecord, error) {
	return s.querySteps(ctx, `SELECT `+stepColumns+` FROM step_records WHERE claim_id = ? ORDER BY started_at ASC, id ASC`, claimID)
}

func (s *SQLStore) ListStartedBefore(ctx context.Context, cutoff time.Time) ([]domain.StepRecord, error) {
	return s.querySteps(ctx, `SELECT `+stepColumns+` FROM step_records WHERE status = ? AND started_at < ? ORDER BY started_at ASC`,
		string(domain.StepStarted), cutoff.UnixNano())
}

func (s *SQLStore) querySteps(ctx context.Context, query string, args ...any) ([]domain.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.StepRecord, 0)
	for rows.Next() {
		var rec domain.StepRecord
		var category sql.NullString
		var started int64
		var ended sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.ClaimID, &rec.Step, &rec.Attempt, &rec.Status, &category,
			&rec.BackoffMS, &rec.Detail, &started, &ended); err != nil {
			return nil, err
		}
		if category.Valid {
			c := domain.ErrorCategory(category.String)
			rec.ErrorCategory = &c
		}
		rec.StartedAt = time.Unix(0, started).UTC()
		if ended.Valid {
			t := time.Unix(0, ended.Int64).UTC()
			rec.EndedAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetIdempotency(ctx context.Context, fingerprint string) (domain.IdempotencyEntry, error) {
	var e domain.IdempotencyEntry
	var response string
	var created, expires int64
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT fingerprint, claim_id, step, response, created_at, expires_at
		FROM idempotency_entries
		WHERE fingerprint = ?
	`), fingerprint)
	if err := row.Scan(&e.Fingerprint, &e.ClaimID, &e.Step, &response, &created, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.IdempotencyEntry{}, domain.ErrNotFound
		}
		return domain.IdempotencyEntry{}, err
	}
	e.Response = json.RawMessage(response)
	e.CreatedAt = time.Unix(0, created).UTC()
	e.ExpiresAt = time.Unix(0, expires).UTC()
	return e, nil
}

func (s *SQLStore) PutIdempotency(ctx context.Context, entry domain.IdempotencyEntry) (domain.IdempotencyEntry, error) {
	_, err := s.exec(ctx, `
		INSERT INTO idempotency_entries (fingerprint, claim_id, step, response, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (fingerprint) DO UPDATE SET
			claim_id = excluded.claim_id,
			step = excluded.step,
			response = excluded.response,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
		WHERE idempotency_entries.expires_at <= excluded.created_at
	`, entry.Fingerprint, entry.ClaimID, string(entry.Step), string(entry.Response), entry.CreatedAt.UnixNano(), entry.ExpiresAt.UnixNano())
	if err != nil {
		return domain.IdempotencyEntry{}, err
	}
	return s.GetIdempotency(ctx, entry.Fingerprint)
}

func (s *SQLStore) InsertSuspension(ctx context.Context, susp domain.Suspension) error {
	snapshot := string(susp.Snapshot)
	if snapshot == "" {
		snapshot = "{}"
	}
	res, err := s.exec(ctx, `
		INSERT INTO suspensions (token, claim_id, summary_ref, snapshot, issued_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, susp.Token, susp.ClaimID, susp.SummaryRef, snapshot, susp.IssuedAt.UnixNano())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrConflict
	}
	return nil
}

const suspensionColumns = `token, claim_id, summary_ref, snapshot, issued_at, consumed_at`

func (s *SQLStore) GetSuspension(ctx context.Context, token string) (domain.Suspension, error) {
	return s.querySuspension(ctx, `SELECT `+suspensionColumns+` FROM suspensions WHERE token = ?`, token)
}

func (s *SQLStore) OpenSuspension(ctx context.Context, claimID string) (domain.Suspension, error) {
	return s.querySuspension(ctx, `SELECT `+suspensionColumns+` FROM suspensions WHERE claim_id = ? AND consumed_at IS NULL`, claimID)
}

func (s *SQLStore) ConsumeSuspension(ctx context.Context, token string, at time.Time) (domain.Suspension, error) {
	res, err := s.exec(ctx, `
		UPDATE suspensions
		SET consumed_at = ?
		WHERE token = ? AND consumed_at IS NULL
	`, at.UnixNano(), token)
	if err != nil {
		return domain.Suspension{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Suspension{}, err
	}
	if n == 0 {
		if _, err := s.GetSuspension(ctx, token); err != nil {
			return domain.Suspension{}, err
		}
		return domain.Suspension{}, domain.ErrConflict
	}
	return s.GetSuspension(ctx, token)
}

func (s *SQLStore) ListOpenSuspensions(ctx context.Context, issuedBefore time.Time) ([]domain.Suspension, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+suspensionColumns+`
		FROM suspensions
		WHERE consumed_at IS NULL AND issued_at < ?
		ORDER BY issued_at ASC
	`), issuedBefore.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Suspension, 0)
	for rows.Next() {
		susp, err := scanSuspension(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, susp)
	}
	return out, rows.Err()
}

func (s *SQLStore) querySuspension(ctx context.Context, query string, args ...any) (domain.Suspension, error) {
	susp, err := scanSuspension(s.db.QueryRowContext(ctx, s.rebind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Suspension{}, domain.ErrNotFound
	}
	return susp, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSuspension(row rowScanner) (domain.Suspension, error) {
	var susp domain.Suspension
	var snapshot string
	var issued int64
	var consumed sql.NullInt64
	if err := row.Scan(&susp.Token, &susp.ClaimID, &susp.SummaryRef, &snapshot, &issued, &consumed); err != nil {
		return domain.Suspension{}, err
	}
	susp.Snapshot = json.RawMessage(snapshot)
	susp.IssuedAt = time.Unix(0, issued).UTC()
	if consumed.Valid {
		t := time.Unix(0, consumed.Int64).UTC()
		susp.ConsumedAt = &t
	}
	return susp, nil
}

func nullCategory(c *domain.ErrorCategory) any {
	if c == nil {
		return nil
	}
	return string(*c)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
