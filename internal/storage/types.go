package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "sqlite": embedded SQLite file (default)
//   - "postgres": PostgreSQL via pgx
//   - "mysql": MySQL / MariaDB
type Config struct {
	Driver string
	// Path is the sqlite database file.
	Path string
	// DSN is used by postgres and mysql.
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // ignored for sqlite
}
