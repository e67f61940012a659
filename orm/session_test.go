package orm_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mickamy/relmap/orm"
)

func TestSaveInsertAssignsKey(t *testing.T) {
	t.Parallel()

	db := openSQLite(t)
	s := orm.NewSession(db)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := orm.WithClock(context.Background(), fixedClock{at})

	rec := queryUserType.New(map[string]any{"name": "Alice", "email": "alice@example.com"})
	require.NoError(t, s.Save(ctx, rec))

	id := rec.Get("id")
	require.NotNil(t, id)
	require.True(t, s.Contains(queryUserType, id))
	require.Equal(t, at, rec.Get("created_at"))
	require.Equal(t, at, rec.Get("updated_at"))

	got, err := s.Find(ctx, queryUserType, id)
	require.NoError(t, err)
	require.Same(t, rec, got)
}

func TestQueryResolvesThroughIdentityMap(t *testing.T) {
	t.Parallel()

	db := openSQLite(t)
	seedBlog(t, db)
	s := orm.NewSession(db)
	ctx := context.Background()

	first, err := s.Query(queryUserType).Where("id = ?", 1).Get(ctx)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := s.Query(queryUserType).Where("name = ?", "Alice").Get(ctx)
	require.NoError(t, err)
	require.Len(t, second, 1)

	require.Same(t, first[0], second[0])
	require.Equal(t, 1, s.Len())
}

func TestRefreshKeepsPendingEdits(t *testing.T) {
	t.Parallel()

	db := openSQLite(t)
	seedBlog(t, db)
	s := orm.NewSession(db)
	ctx := context.Background()

	rec, err := s.Find(ctx, queryUserType, 1)
	require.NoError(t, err)

	rec.Set("name", "Alicia")
	mustExec(t, db, `UPDATE users SET email = 'new@example.com' WHERE id = 1`)

	again, err := s.Find(ctx, queryUserType, 1)
	require.NoError(t, err)
	require.Same(t, rec, again)

	// The fresh read lands, the unsaved edit survives it.
	require.Equal(t, "new@example.com", rec.Get("email"))
	require.Equal(t, "Alicia", rec.Get("name"))

	diff, err := s.UpdatedValues(ctx, rec)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"name": "Alicia"}, diff)
}

func TestUpdatedValuesDiff(t *testing.T) {
	t.Parallel()

	db := openSQLite(t)
	seedBlog(t, db)
	s := orm.NewSession(db)
	ctx := context.Background()

	rec, err := s.Find(ctx, queryUserType, 1)
	require.NoError(t, err)

	diff, err := s.UpdatedValues(ctx, rec)
	require.NoError(t, err)
	require.Empty(t, diff)

	rec.Set("name", "Alicia")
	rec.Unset("email")
	diff, err = s.UpdatedValues(ctx, rec)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"name": "Alicia", "email": nil}, diff)
}

func TestSaveUpdateWritesOnlyChangedColumns(t *testing.T) {
	t.Parallel()

	base := openSQLite(t)
	seedBlog(t, base)
	logger := &captureLogger{}
	db := base.Debug(logger)
	s := orm.NewSession(db)
	ctx := context.Background()

	rec, err := s.Find(ctx, queryUserType, 1)
	require.NoError(t, err)

	rec.Set("name", "Alicia")
	require.NoError(t, s.Save(ctx, rec))

	updates := logger.matching("UPDATE")
	require.Len(t, updates, 1)
	require.Contains(t, updates[0], `"name"`)
	require.Contains(t, updates[0], `"updated_at"`)
	require.NotContains(t, updates[0], `"email"`)

	fresh := orm.NewSession(db)
	got, err := fresh.Find(ctx, queryUserType, 1)
	require.NoError(t, err)
	require.Equal(t, "Alicia", got.Get("name"))
}

func TestSaveWithoutChangesIsNoOp(t *testing.T) {
	t.Parallel()

	base := openSQLite(t)
	seedBlog(t, base)
	logger := &captureLogger{}
	db := base.Debug(logger)
	s := orm.NewSession(db)
	ctx := context.Background()

	rec, err := s.Find(ctx, queryUserType, 1)
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, rec))
	require.Empty(t, logger.matching("UPDATE"))
	require.Empty(t, logger.matching("INSERT"))
}

func TestUnsetColumnPersistsAsNull(t *testing.T) {
	t.Parallel()

	db := openSQLite(t)
	seedBlog(t, db)
	s := orm.NewSession(db)
	ctx := context.Background()

	rec, err := s.Find(ctx, queryUserType, 1)
	require.NoError(t, err)
	rec.Unset("email")
	require.NoError(t, s.Save(ctx, rec))

	fresh := orm.NewSession(db)
	got, err := fresh.Find(ctx, queryUserType, 1)
	require.NoError(t, err)
	require.Nil(t, got.Get("email"))
}

func TestInsertWithCallerAssignedKey(t *testing.T) {
	t.Parallel()

	db := openSQLite(t)
	s := orm.NewSession(db)
	ctx := context.Background()

	id := uuid.NewString()
	rec := deviceType.New(map[string]any{"id": id, "name": "sensor"})
	require.NoError(t, s.Insert(ctx, rec))
	require.True(t, s.Contains(deviceType, id))

	got, err := s.Find(ctx, deviceType, id)
	require.NoError(t, err)
	require.Same(t, rec, got)
}

func TestDelete(t *testing.T) {
	t.Parallel()

	db := openSQLite(t)
	seedBlog(t, db)
	s := orm.NewSession(db)
	ctx := context.Background()

	rec, err := s.Find(ctx, queryUserType, 3)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, rec))
	require.False(t, s.Contains(queryUserType, 3))
	require.Nil(t, rec.Get("id"))

	_, err = s.Find(ctx, queryUserType, 3)
	require.ErrorIs(t, err, orm.ErrNotFound)
}

func TestDeleteTransientIsNoOp(t *testing.T) {
	t.Parallel()

	db := openSQLite(t)
	s := orm.NewSession(db)

	rec := queryUserType.New(map[string]any{"name": "ghost"})
	require.NoError(t, s.Delete(context.Background(), rec))
}

func TestSaveAll(t *testing.T) {
	t.Parallel()

	db := openSQLite(t)
	s := orm.NewSession(db)
	ctx := context.Background()

	recs := []*orm.Record{
		queryUserType.New(map[string]any{"name": "a"}),
		queryUserType.New(map[string]any{"name": "b"}),
		queryUserType.New(map[string]any{"name": "c"}),
	}
	require.NoError(t, s.SaveAll(ctx, recs))
	for _, rec := range recs {
		require.NotNil(t, rec.Get("id"))
	}
	require.Equal(t, 3, s.Len())
}

func TestAttachWithoutKeyFails(t *testing.T) {
	t.Parallel()

	db := openSQLite(t)
	s := orm.NewSession(db)

	_, err := s.Attach(context.Background(), queryUserType.New(map[string]any{"name": "x"}))
	require.ErrorIs(t, err, orm.ErrNoPrimaryKey)
}

func TestStateReturnsSnapshotCopy(t *testing.T) {
	t.Parallel()

	db := openSQLite(t)
	seedBlog(t, db)
	s := orm.NewSession(db)

	rec, err := s.Find(context.Background(), queryUserType, 1)
	require.NoError(t, err)

	state := s.State(queryUserType, 1)
	require.Equal(t, "Alice", state["name"])

	state["name"] = "mutated"
	require.Equal(t, "Alice", s.State(queryUserType, 1)["name"])
	require.Equal(t, "Alice", rec.Get("name"))
}

func TestForgetAndReset(t *testing.T) {
	t.Parallel()

	db := openSQLite(t)
	seedBlog(t, db)
	s := orm.NewSession(db)
	ctx := context.Background()

	_, err := s.Find(ctx, queryUserType, 1)
	require.NoError(t, err)
	_, err = s.Find(ctx, queryUserType, 2)
	require.NoError(t, err)
	require.Equal(t, 2, s.Len())
	require.NotNil(t, s.Cached(queryUserType, 1))

	s.Forget(queryUserType, 1)
	require.False(t, s.Contains(queryUserType, 1))
	require.Equal(t, 1, s.Len())

	s.Reset()
	require.Equal(t, 0, s.Len())
}

func TestSessionInTransaction(t *testing.T) {
	t.Parallel()

	db := openSQLite(t)
	ctx := context.Background()

	wantErr := errors.New("abort")
	err := db.Transaction(ctx, func(tx *orm.Tx) error {
		s := orm.NewSession(tx)
		rec := queryUserType.New(map[string]any{"name": "txuser"})
		if err := s.Save(ctx, rec); err != nil {
			return err
		}
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)

	s := orm.NewSession(db)
	n, err := s.Query(queryUserType).Where("name = ?", "txuser").Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, db.Transaction(ctx, func(tx *orm.Tx) error {
		s := orm.NewSession(tx)
		return s.Save(ctx, queryUserType.New(map[string]any{"name": "txuser"}))
	}))
	n, err = s.Query(queryUserType).Where("name = ?", "txuser").Count(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}
