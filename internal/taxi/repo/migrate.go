package repo

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate applies the embedded schema migrations for the store's dialect.
func (s *SQLStore) Migrate() error {
	dir := "migrations/mysql"
	if s.dialect == DialectPostgres {
		dir = "migrations/postgres"
	}
	src, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	var driver database.Driver
	switch s.dialect {
	case DialectMySQL:
		driver, err = migratemysql.WithInstance(s.db, &migratemysql.Config{})
	case DialectPostgres:
		driver, err = migratepgx.WithInstance(s.db, &migratepgx.Config{})
	default:
		err = fmt.Errorf("unsupported sql dialect %q", s.dialect)
	}
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, string(s.dialect), driver)
	if err != nil {
		return fmt.Errorf("could not start migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}
