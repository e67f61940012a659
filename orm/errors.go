package orm

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a query expects exactly one row but finds none.
var ErrNotFound = errors.New("orm: not found")

// ErrNoPrimaryKey is returned when an operation that requires a persisted
// record (identity-map attach, update, lazy relation load) is given a
// record whose primary-key attribute is absent or empty.
var ErrNoPrimaryKey = errors.New("orm: record has no primary key value")

// ErrLastInsertID is returned when an INSERT reports success but the
// engine yields no generated primary key. The identity map cannot track
// a record without one, so the save fails.
var ErrLastInsertID = errors.New("orm: insert returned no primary key")

// QueryError wraps a statement execution failure with enough context to
// reproduce it: the SQL text, the bound arguments, and the driver error.
type QueryError struct {
	SQL  string
	Args []any
	Err  error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("orm: query failed: %v (sql: %s, args: %v)", e.Err, e.SQL, e.Args)
}

func (e *QueryError) Unwrap() error { return e.Err }

func queryErr(query string, args []any, err error) error {
	return &QueryError{SQL: query, Args: args, Err: err}
}

// ConfigError reports a fatal metadata problem: a table without a
// primary key, a relation that names no registered target, a malformed
// eager-load spec. It is never retried.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "orm: " + e.Msg }

func configErr(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}
