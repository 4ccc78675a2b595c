package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// sqlStore holds the document queries shared by the SQLite and PostgreSQL
// stores. Queries are written with '?' placeholders and rebound per dialect.
type sqlStore struct {
	db       *sql.DB
	numbered bool // use $1, $2, ... placeholders
}

// rebind converts '?' placeholders to '$n' for numbered dialects.
func (s *sqlStore) rebind(query string) string {
	if !s.numbered {
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

func (s *sqlStore) ready() error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return nil
}

// GetPlan retrieves a plan by ID
func (s *sqlStore) GetPlan(ctx context.Context, id string) (*PlanRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	query := s.rebind(`
		SELECT id, shard, active, completed, document, etag, created_at, updated_at
		FROM plans
		WHERE id = ?
	`)

	rec := &PlanRecord{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID,
		&rec.Shard,
		&rec.Active,
		&rec.Completed,
		&rec.Document,
		&rec.ETag,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}

	return rec, nil
}

// PutPlan inserts (etag == nil) or conditionally updates a plan.
func (s *sqlStore) PutPlan(ctx context.Context, rec *PlanRecord, etag *string) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	next := uuid.New().String()

	var (
		result sql.Result
		err    error
	)
	if etag == nil {
		query := s.rebind(`
			INSERT INTO plans (id, shard, active, completed, document, etag, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING
		`)
		result, err = s.db.ExecContext(ctx, query,
			rec.ID,
			rec.Shard,
			rec.Active,
			rec.Completed,
			string(rec.Document),
			next,
			now,
			now,
		)
	} else {
		query := s.rebind(`
			UPDATE plans
			SET shard = ?, active = ?, completed = ?, document = ?, etag = ?, updated_at = ?
			WHERE id = ? AND etag = ?
		`)
		result, err = s.db.ExecContext(ctx, query,
			rec.Shard,
			rec.Active,
			rec.Completed,
			string(rec.Document),
			next,
			now,
			rec.ID,
			*etag,
		)
	}
	if err != nil {
		return "", fmt.Errorf("failed to put plan: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return "", fmt.Errorf("plan %s: %w", rec.ID, ErrPreconditionFailed)
	}

	return next, nil
}

// ListPlans lists plans matching the filter, oldest first.
func (s *sqlStore) ListPlans(ctx context.Context, filter PlanFilter) ([]*PlanRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var (
		where []string
		args  []interface{}
	)
	if filter.Active != nil {
		where = append(where, "active = ?")
		args = append(args, *filter.Active)
	}
	if filter.Shard != nil {
		where = append(where, "shard = ?")
		args = append(args, *filter.Shard)
	}

	query := `
		SELECT id, shard, active, completed, document, etag, created_at, updated_at
		FROM plans
	`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	plans := []*PlanRecord{}
	for rows.Next() {
		rec := &PlanRecord{}
		err := rows.Scan(
			&rec.ID,
			&rec.Shard,
			&rec.Active,
			&rec.Completed,
			&rec.Document,
			&rec.ETag,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plans: %w", err)
	}

	return plans, nil
}

// GetLock retrieves a lock document by name
func (s *sqlStore) GetLock(ctx context.Context, name string) (*LockRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	query := s.rebind(`
		SELECT name, document, etag, updated_at
		FROM locks
		WHERE name = ?
	`)

	rec := &LockRecord{}
	err := s.db.QueryRowContext(ctx, query, name).Scan(
		&rec.Name,
		&rec.Document,
		&rec.ETag,
		&rec.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lock %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}

	return rec, nil
}

// PutLock inserts (etag == nil) or conditionally updates a lock document.
func (s *sqlStore) PutLock(ctx context.Context, rec *LockRecord, etag *string) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	next := uuid.New().String()

	var (
		result sql.Result
		err    error
	)
	if etag == nil {
		query := s.rebind(`
			INSERT INTO locks (name, document, etag, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (name) DO NOTHING
		`)
		result, err = s.db.ExecContext(ctx, query, rec.Name, string(rec.Document), next, now)
	} else {
		query := s.rebind(`
			UPDATE locks
			SET document = ?, etag = ?, updated_at = ?
			WHERE name = ? AND etag = ?
		`)
		result, err = s.db.ExecContext(ctx, query, string(rec.Document), next, now, rec.Name, *etag)
	}
	if err != nil {
		return "", fmt.Errorf("failed to put lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return "", fmt.Errorf("lock %s: %w", rec.Name, ErrPreconditionFailed)
	}

	return next, nil
}

// HealthCheck verifies the database connection is healthy
func (s *sqlStore) HealthCheck(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
