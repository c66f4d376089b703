package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "postpilot/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLStore is the relational datastore for users, posts and credit
// transactions. Every mutating method is a single committed unit.
type SQLStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
	now func() time.Time
}

// Open initializes the configured store and applies migrations.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*SQLStore, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))

	var (
		db  *sql.DB
		d   dialect
		err error
	)
	switch driver {
	case "", "sqlite", "sqlite3":
		d = dialectSQLite
		db, err = openSQLite(cfg)
	case "postgres", "postgresql", "pgx":
		d = dialectPostgres
		db, err = openPostgres(cfg)
	case "mysql", "mariadb":
		d = dialectMySQL
		db, err = openMySQL(cfg)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, err
	}

	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s ping: %w", d.name, err)
	}

	st := &SQLStore{db: db, d: d, log: log, now: time.Now}
	if err := st.migrate(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s migrate: %w", d.name, err)
	}
	log.Info("storage ready", logx.String("driver", d.name))
	return st, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile(s.d.migration)
	if err != nil {
		return err
	}
	for _, stmt := range splitStatements(string(b)) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Driver reports the active dialect name.
func (s *SQLStore) Driver() string { return s.d.name }

// Ping checks connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) nowMillis() int64 { return s.now().UTC().UnixMilli() }

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) exec(ctx context.Context, q execer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.d.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, q execer, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.d.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, q execer, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.d.rebind(query), args...)
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
