package orm

import "fmt"

// Dialect abstracts SQL differences between database engines.
type Dialect interface {
	// Placeholder returns the bind parameter placeholder for the given
	// 1-based index. MySQL and SQLite return "?" regardless of index;
	// PostgreSQL returns "$1", "$2", etc.
	Placeholder(index int) string

	// QuoteIdent quotes an identifier (table name, column name) to safely
	// handle SQL reserved words. MySQL uses backticks; PostgreSQL and
	// SQLite use double quotes.
	QuoteIdent(name string) string

	// UseReturning reports whether INSERT should use a RETURNING clause
	// to retrieve the auto-generated primary key (PostgreSQL, SQLite)
	// rather than relying on LastInsertId (MySQL).
	UseReturning() bool

	// ReturningClause returns the RETURNING clause appended to INSERT
	// statements. Returns an empty string for dialects that do not
	// support RETURNING (MySQL).
	ReturningClause(pk string) string

	// ColumnsQuery returns the catalog statement listing a table's
	// columns, with its bound arguments. Each result row, read as a
	// column-name → value map, is interpreted by ColumnInfo.
	ColumnsQuery(table string) (query string, args []any)

	// ColumnInfo extracts the column name and primary-key flag from one
	// row of the ColumnsQuery result.
	ColumnInfo(row map[string]any) (name string, primary bool)
}

// MySQL is the Dialect for MySQL / MariaDB.
var MySQL Dialect = mysqlDialect{}

// PostgreSQL is the Dialect for PostgreSQL.
var PostgreSQL Dialect = postgresDialect{}

// SQLite is the Dialect for SQLite.
var SQLite Dialect = sqliteDialect{}

type mysqlDialect struct{}

func (mysqlDialect) Placeholder(_ int) string        { return "?" }
func (mysqlDialect) QuoteIdent(name string) string   { return "`" + name + "`" }
func (mysqlDialect) UseReturning() bool              { return false }
func (mysqlDialect) ReturningClause(_ string) string { return "" }

func (d mysqlDialect) ColumnsQuery(table string) (string, []any) {
	return "SHOW COLUMNS FROM " + d.QuoteIdent(table), nil
}

func (mysqlDialect) ColumnInfo(row map[string]any) (string, bool) {
	return catalogString(row["Field"]), catalogString(row["Key"]) == "PRI"
}

type postgresDialect struct{}

func (postgresDialect) Placeholder(index int) string     { return fmt.Sprintf("$%d", index) }
func (postgresDialect) QuoteIdent(name string) string    { return `"` + name + `"` }
func (postgresDialect) UseReturning() bool               { return true }
func (postgresDialect) ReturningClause(pk string) string { return ` RETURNING "` + pk + `"` }

func (postgresDialect) ColumnsQuery(table string) (string, []any) {
	const q = `SELECT a.attname AS name, COALESCE(i.indisprimary, false) AS pk
FROM pg_attribute a
LEFT JOIN pg_index i ON i.indrelid = a.attrelid AND a.attnum = ANY(i.indkey) AND i.indisprimary
WHERE a.attrelid = $1::regclass AND a.attnum > 0 AND NOT a.attisdropped
ORDER BY a.attnum`
	return q, []any{table}
}

func (postgresDialect) ColumnInfo(row map[string]any) (string, bool) {
	return catalogString(row["name"]), catalogBool(row["pk"])
}

type sqliteDialect struct{}

func (sqliteDialect) Placeholder(_ int) string      { return "?" }
func (sqliteDialect) QuoteIdent(name string) string { return `"` + name + `"` }
func (sqliteDialect) UseReturning() bool            { return true }
func (d sqliteDialect) ReturningClause(pk string) string {
	return " RETURNING " + d.QuoteIdent(pk)
}

func (d sqliteDialect) ColumnsQuery(table string) (string, []any) {
	return "PRAGMA table_info(" + d.QuoteIdent(table) + ")", nil
}

func (sqliteDialect) ColumnInfo(row map[string]any) (string, bool) {
	return catalogString(row["name"]), catalogBool(row["pk"])
}

// catalogString reads a string-ish catalog value; MySQL drivers hand
// catalog text back as []byte.
func catalogString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return ""
	}
}

func catalogBool(v any) bool {
	switch x := Normalize(v).(type) {
	case bool:
		return x
	case int64:
		return x != 0
	case string:
		return x == "t" || x == "true" || x == "1"
	default:
		return false
	}
}
