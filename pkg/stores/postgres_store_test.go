package stores

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPostgres(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStoreWithDB(db), mock
}

func TestPostgres_RebindNumbersPlaceholders(t *testing.T) {
	s := &sqlStore{numbered: true}
	assert.Equal(t, "WHERE id = $1 AND etag = $2", s.rebind("WHERE id = ? AND etag = ?"))

	plain := &sqlStore{}
	assert.Equal(t, "WHERE id = ?", plain.rebind("WHERE id = ?"))
}

func TestPostgres_PutPlanUpdate(t *testing.T) {
	store, mock := newMockPostgres(t)

	mock.ExpectExec(`UPDATE plans\s+SET shard = \$1, active = \$2, completed = \$3, document = \$4, etag = \$5, updated_at = \$6\s+WHERE id = \$7 AND etag = \$8`).
		WithArgs("shard-a", true, false, `{"plan_id":"p1"}`, sqlmock.AnyArg(), sqlmock.AnyArg(), "p1", "old-etag").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := &PlanRecord{ID: "p1", Shard: "shard-a", Active: true, Document: []byte(`{"plan_id":"p1"}`)}
	etag, err := store.PutPlan(context.Background(), rec, String("old-etag"))
	require.NoError(t, err)
	assert.NotEmpty(t, etag)
	assert.NotEqual(t, "old-etag", etag)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_PutPlanStaleEtag(t *testing.T) {
	store, mock := newMockPostgres(t)

	mock.ExpectExec(`UPDATE plans`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	rec := &PlanRecord{ID: "p1", Shard: "shard-a", Document: []byte(`{}`)}
	_, err := store.PutPlan(context.Background(), rec, String("stale"))
	assert.ErrorIs(t, err, ErrPreconditionFailed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_InsertConflict(t *testing.T) {
	store, mock := newMockPostgres(t)

	mock.ExpectExec(`INSERT INTO locks .* ON CONFLICT \(name\) DO NOTHING`).
		WithArgs("servers/s1", `{"owner":"p1"}`, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := store.PutLock(context.Background(), &LockRecord{Name: "servers/s1", Document: []byte(`{"owner":"p1"}`)}, nil)
	assert.ErrorIs(t, err, ErrPreconditionFailed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListPlansFilter(t *testing.T) {
	store, mock := newMockPostgres(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{"id", "shard", "active", "completed", "document", "etag", "created_at", "updated_at"}).
		AddRow("p1", "shard-a", true, false, []byte(`{}`), "e1", now, now)

	mock.ExpectQuery(`FROM plans\s+WHERE active = \$1 AND shard = \$2 ORDER BY created_at ASC, id ASC`).
		WithArgs(true, "shard-a").
		WillReturnRows(rows)

	plans, err := store.ListPlans(context.Background(), PlanFilter{Active: Bool(true), Shard: String("shard-a")})
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, "p1", plans[0].ID)
	assert.Equal(t, "e1", plans[0].ETag)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetPlanNotFound(t *testing.T) {
	store, mock := newMockPostgres(t)

	mock.ExpectQuery(`FROM plans\s+WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "shard", "active", "completed", "document", "etag", "created_at", "updated_at"}))

	_, err := store.GetPlan(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
