package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	invoicedomain "github.com/smallbiznis/invoicing/internal/invoice/domain"
	numberingdomain "github.com/smallbiznis/invoicing/internal/numbering/domain"
	"gorm.io/gorm"
)

const (
	migrationsDir   = "migrations"
	migrationsTable = "invoicing_schema_migrations"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Result describes the schema after Migrate ran.
type Result struct {
	Dialect string
	// Version is the applied migration version. Zero for dialects that are
	// auto-migrated from the models.
	Version uint
	Dirty   bool
}

// Migrate brings the schema up to date for the connected dialect. PostgreSQL
// runs the embedded SQL files; MySQL and SQLite are created from the models.
func Migrate(conn *gorm.DB) (Result, error) {
	if conn == nil {
		return Result{}, errors.New("migration database handle is required")
	}

	dialect := conn.Dialector.Name()
	if dialect != "postgres" {
		if err := conn.AutoMigrate(Models()...); err != nil {
			return Result{Dialect: dialect}, fmt.Errorf("auto migrate: %w", err)
		}
		return Result{Dialect: dialect}, nil
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return Result{Dialect: dialect}, err
	}
	version, dirty, err := runPostgres(sqlDB)
	return Result{Dialect: dialect, Version: version, Dirty: dirty}, err
}

// Models lists the persisted types.
func Models() []any {
	return []any{
		&numberingdomain.NumberingState{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceItem{},
	}
}

func runPostgres(db *sql.DB) (uint, bool, error) {
	migrator, err := newMigrator(db)
	if err != nil {
		return 0, false, err
	}
	// Closing the migrator would close the shared *sql.DB.

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, false, fmt.Errorf("apply migrations: %w", err)
	}

	version, dirty, err := migrator.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read migration version: %w", err)
	}
	return version, dirty, nil
}

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	if db == nil {
		return nil, errors.New("migration database handle is required")
	}

	src, err := newSource()
	if err != nil {
		return nil, err
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return nil, fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return migrator, nil
}

func newSource() (source.Driver, error) {
	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}
	src, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("create migration source: %w", err)
	}
	return src, nil
}
