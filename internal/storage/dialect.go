package storage

import (
	"strconv"
	"strings"
)

type dialect struct {
	name string
	// driverName is what database/sql registers.
	driverName string
	numbered   bool   // $1, $2 instead of ?
	lockRow    string // appended to SELECTs that must hold the row
	migration  string
}

var (
	dialectSQLite = dialect{
		name:       "sqlite",
		driverName: "sqlite",
		migration:  "migrations/sqlite.sql",
	}
	dialectPostgres = dialect{
		name:       "postgres",
		driverName: "pgx",
		numbered:   true,
		lockRow:    " FOR UPDATE",
		migration:  "migrations/postgres.sql",
	}
	dialectMySQL = dialect{
		name:       "mysql",
		driverName: "mysql",
		lockRow:    " FOR UPDATE",
		migration:  "migrations/mysql.sql",
	}
)

// rebind rewrites ? placeholders for dialects that number them.
// Queries in this package never contain a literal question mark.
func (d dialect) rebind(q string) string {
	if !d.numbered || !strings.Contains(q, "?") {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// locked returns q with the dialect's row-lock clause.
func (d dialect) locked(q string) string { return q + d.lockRow }

// splitStatements splits a migration script on semicolons at line ends.
func splitStatements(script string) []string {
	var out []string
	var cur strings.Builder
	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			stmt := strings.TrimSuffix(strings.TrimSpace(cur.String()), ";")
			if stmt != "" {
				out = append(out, stmt)
			}
			cur.Reset()
		}
	}
	if rest := strings.TrimSpace(cur.String()); rest != "" {
		out = append(out, rest)
	}
	return out
}
