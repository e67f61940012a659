package orm_test

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/mickamy/relmap/orm"
)

var (
	profileType = orm.NewType("Profile")
	deviceType  = orm.NewType("Device")
)

func init() {
	queryUserType.Relate(orm.HasOne("profile", profileType))
	profileType.Relate(orm.BelongsTo("user", queryUserType))
}

var sqliteSchema = []string{
	`CREATE TABLE users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		email TEXT,
		created_at TIMESTAMP,
		updated_at TIMESTAMP
	)`,
	`CREATE TABLE posts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER,
		title TEXT
	)`,
	`CREATE TABLE comments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		post_id INTEGER,
		body TEXT
	)`,
	`CREATE TABLE profiles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER,
		bio TEXT
	)`,
	`CREATE TABLE devices (
		id TEXT PRIMARY KEY,
		name TEXT
	)`,
}

// captureLogger records query text for assertions on statement counts.
type captureLogger struct {
	queries []string
}

func (l *captureLogger) Log(_ context.Context, query string, _ ...any) {
	l.queries = append(l.queries, query)
}

func (l *captureLogger) selects() []string {
	var out []string
	for _, q := range l.queries {
		if strings.HasPrefix(q, "SELECT") {
			out = append(out, q)
		}
	}
	return out
}

func (l *captureLogger) matching(prefix string) []string {
	var out []string
	for _, q := range l.queries {
		if strings.HasPrefix(q, prefix) {
			out = append(out, q)
		}
	}
	return out
}

func openSQLite(t *testing.T) *orm.DB {
	t.Helper()

	sqlDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// One connection so every statement sees the same in-memory database.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, ddl := range sqliteSchema {
		_, err := sqlDB.Exec(ddl)
		require.NoError(t, err)
	}
	return orm.New(sqlDB, orm.SQLite)
}

func mustExec(t *testing.T, db *orm.DB, query string, args ...any) {
	t.Helper()
	_, err := db.ExecContext(context.Background(), query, args...)
	require.NoError(t, err)
}

// seedBlog loads the fixture rows the relation tests share: Alice has
// two posts (the first with two comments) and a profile, Bob has one
// post, Carol has nothing.
func seedBlog(t *testing.T, db *orm.DB) {
	t.Helper()
	mustExec(t, db, `INSERT INTO users (id, name, email) VALUES (1, 'Alice', 'alice@example.com')`)
	mustExec(t, db, `INSERT INTO users (id, name, email) VALUES (2, 'Bob', 'bob@example.com')`)
	mustExec(t, db, `INSERT INTO users (id, name, email) VALUES (3, 'Carol', 'carol@example.com')`)
	mustExec(t, db, `INSERT INTO posts (id, user_id, title) VALUES (1, 1, 'A1')`)
	mustExec(t, db, `INSERT INTO posts (id, user_id, title) VALUES (2, 1, 'A2')`)
	mustExec(t, db, `INSERT INTO posts (id, user_id, title) VALUES (3, 2, 'B1')`)
	mustExec(t, db, `INSERT INTO comments (id, post_id, body) VALUES (1, 1, 'first')`)
	mustExec(t, db, `INSERT INTO comments (id, post_id, body) VALUES (2, 1, 'second')`)
	mustExec(t, db, `INSERT INTO comments (id, post_id, body) VALUES (3, 3, 'third')`)
	mustExec(t, db, `INSERT INTO profiles (id, user_id, bio) VALUES (1, 1, 'gopher')`)
}

// fixedClock returns the same instant on every call.
type fixedClock struct {
	t time.Time
}

func (c fixedClock) Now() time.Time { return c.t }
