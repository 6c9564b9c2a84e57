package db

import (
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Dialect maps a database/sql driver name to its goose dialect.
func Dialect(driver string) (string, error) {
	switch driver {
	case "postgres", "pgx":
		return "postgres", nil
	case "sqlite":
		return "sqlite3", nil
	}
	return "", fmt.Errorf("unsupported driver %q", driver)
}

// NewDB opens the database and brings the schema up to date.
func NewDB(driver, dsn string) (*sql.DB, error) {
	dialect, err := Dialect(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db error: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db error: %w", err)
	}
	if driver == "sqlite" {
		// one writer; also keeps ":memory:" databases alive across calls
		db.SetMaxOpenConns(1)
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect(dialect); err != nil {
		db.Close()
		return nil, fmt.Errorf("goose dialect error: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("goose up error: %w", err)
	}
	return db, nil
}
