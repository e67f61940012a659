package orm_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mickamy/relmap/orm"
)

func TestRelatedLazyLoadsOnce(t *testing.T) {
	t.Parallel()

	logger := &captureLogger{}
	db := openSQLite(t).Debug(logger)
	seedBlog(t, db)
	s := orm.NewSession(db)
	ctx := context.Background()

	alice, err := s.Find(ctx, queryUserType, 1)
	require.NoError(t, err)

	before := len(logger.selects())
	posts, err := s.Related(ctx, alice, "posts")
	require.NoError(t, err)
	require.Equal(t, 2, posts.Len())
	require.Equal(t, before+1, len(logger.selects()))

	// Second access serves from the record.
	again, err := s.Related(ctx, alice, "posts")
	require.NoError(t, err)
	require.Same(t, posts, again)
	require.Equal(t, before+1, len(logger.selects()))
}

func TestRelatedOneBelongsTo(t *testing.T) {
	t.Parallel()

	db := openSQLite(t)
	seedBlog(t, db)
	s := orm.NewSession(db)
	ctx := context.Background()

	post, err := s.Find(ctx, queryPostType, 1)
	require.NoError(t, err)

	author, err := s.RelatedOne(ctx, post, "author")
	require.NoError(t, err)
	require.Equal(t, "Alice", author.Get("name"))
	require.Same(t, author, post.RelatedOne("author"))

	// The lazily loaded author is the session's tracked instance.
	direct, err := s.Find(ctx, queryUserType, 1)
	require.NoError(t, err)
	require.Same(t, author, direct)
}

func TestRelatedOneHasOne(t *testing.T) {
	t.Parallel()

	db := openSQLite(t)
	seedBlog(t, db)
	s := orm.NewSession(db)
	ctx := context.Background()

	alice, err := s.Find(ctx, queryUserType, 1)
	require.NoError(t, err)
	profile, err := s.RelatedOne(ctx, alice, "profile")
	require.NoError(t, err)
	require.Equal(t, "gopher", profile.Get("bio"))

	bob, err := s.Find(ctx, queryUserType, 2)
	require.NoError(t, err)
	missing, err := s.RelatedOne(ctx, bob, "profile")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestRelatedKindMismatch(t *testing.T) {
	t.Parallel()

	db := openSQLite(t)
	seedBlog(t, db)
	s := orm.NewSession(db)
	ctx := context.Background()

	post, err := s.Find(ctx, queryPostType, 1)
	require.NoError(t, err)
	alice, err := s.Find(ctx, queryUserType, 1)
	require.NoError(t, err)

	var cfgErr *orm.ConfigError
	_, err = s.Related(ctx, post, "author")
	require.ErrorAs(t, err, &cfgErr)

	_, err = s.RelatedOne(ctx, alice, "posts")
	require.ErrorAs(t, err, &cfgErr)

	_, err = s.Related(ctx, alice, "nope")
	require.ErrorAs(t, err, &cfgErr)
}

func TestRelatedOnTransientRecord(t *testing.T) {
	t.Parallel()

	db := openSQLite(t)
	s := orm.NewSession(db)

	rec := queryUserType.New(map[string]any{"name": "ghost"})
	_, err := s.Related(context.Background(), rec, "posts")
	require.ErrorIs(t, err, orm.ErrNoPrimaryKey)
}

func TestCollectionDedupAndContains(t *testing.T) {
	t.Parallel()

	db := openSQLite(t)
	seedBlog(t, db)
	s := orm.NewSession(db)
	ctx := context.Background()

	alice, err := s.Find(ctx, queryUserType, 1)
	require.NoError(t, err)
	posts, err := s.Related(ctx, alice, "posts")
	require.NoError(t, err)
	require.Equal(t, 2, posts.Len())

	// Re-adding a member is a no-op; records without keys are skipped.
	posts.Add(posts.At(0))
	posts.Add(queryPostType.New(map[string]any{"title": "draft"}))
	require.Equal(t, 2, posts.Len())

	require.True(t, posts.Contains(1))
	require.False(t, posts.Contains(3))

	all := posts.All()
	require.Len(t, all, 2)
	require.Same(t, posts.At(0), all[0])
}

func TestCollectionReload(t *testing.T) {
	t.Parallel()

	db := openSQLite(t)
	seedBlog(t, db)
	s := orm.NewSession(db)
	ctx := context.Background()

	alice, err := s.Find(ctx, queryUserType, 1)
	require.NoError(t, err)
	posts, err := s.Related(ctx, alice, "posts")
	require.NoError(t, err)
	require.Equal(t, 2, posts.Len())

	mustExec(t, db, `INSERT INTO posts (id, user_id, title) VALUES (5, 1, 'A3')`)
	require.NoError(t, posts.Reload(ctx))
	require.Equal(t, 3, posts.Len())
	require.True(t, posts.Contains(5))
}

func TestCollectionSaveAll(t *testing.T) {
	t.Parallel()

	db := openSQLite(t)
	seedBlog(t, db)
	s := orm.NewSession(db)
	ctx := context.Background()

	alice, err := s.Find(ctx, queryUserType, 1)
	require.NoError(t, err)
	posts, err := s.Related(ctx, alice, "posts")
	require.NoError(t, err)

	for _, p := range posts.All() {
		p.Set("title", "renamed")
	}
	require.NoError(t, posts.SaveAll(ctx))

	fresh := orm.NewSession(db)
	n, err := fresh.Query(queryPostType).Where("title = ?", "renamed").Count(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}
