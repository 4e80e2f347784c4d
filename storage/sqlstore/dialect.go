package sqlstore

import (
	"errors"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect captures the SQL differences between the supported databases.
type Dialect struct {
	name        string
	numbered    bool
	returningID bool
	forUpdate   string
	schema      []string
}

var (
	MySQL = Dialect{
		name:      "mysql",
		forUpdate: " FOR UPDATE",
		schema:    mysqlSchema,
	}
	Postgres = Dialect{
		name:        "postgres",
		numbered:    true,
		returningID: true,
		forUpdate:   " FOR UPDATE",
		schema:      postgresSchema,
	}
	SQLite = Dialect{
		name:   "sqlite",
		schema: sqliteSchema,
	}
)

// DialectFor maps a database/sql driver name to its dialect.
func DialectFor(driver string) (Dialect, bool) {
	switch driver {
	case "mysql":
		return MySQL, true
	case "pgx", "postgres", "postgresql":
		return Postgres, true
	case "sqlite", "sqlite3":
		return SQLite, true
	}
	return Dialect{}, false
}

func (d Dialect) Name() string { return d.name }

// rebind rewrites ? placeholders to $n for numbered dialects.
func (d Dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
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

// insertIgnore builds an insert that silently skips rows violating a unique key.
func (d Dialect) insertIgnore(table, columns string, n int) string {
	values := strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
	switch d.name {
	case "mysql":
		return "INSERT IGNORE INTO " + table + " (" + columns + ") VALUES (" + values + ")"
	case "sqlite":
		return "INSERT OR IGNORE INTO " + table + " (" + columns + ") VALUES (" + values + ")"
	default:
		return "INSERT INTO " + table + " (" + columns + ") VALUES (" + values + ") ON CONFLICT DO NOTHING"
	}
}

// isDuplicate reports whether err is a unique constraint violation.
func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062 // Duplicate entry
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
