package storage

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
)

func openMySQL(cfg Config) (*sql.DB, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("mysql dsn is required")
	}
	mc, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	// Timestamps are stored as integers; nothing needs driver-side time parsing.
	mc.ParseTime = false
	if mc.Params == nil {
		mc.Params = map[string]string{}
	}
	if _, ok := mc.Params["transaction_isolation"]; !ok {
		mc.Params["transaction_isolation"] = "'READ-COMMITTED'"
	}

	connector, err := mysql.NewConnector(mc)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(connector)
	applyPool(db, cfg)
	return db, nil
}
