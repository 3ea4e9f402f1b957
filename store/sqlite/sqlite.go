package sqlite

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/breez/shop-sync/store"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// NewSQLiteSyncStorage opens the branch database, brings the sync tables up to
// date and returns a storage whose DB() is shared with the business tables.
func NewSQLiteSyncStorage(file string) (*store.GormSyncStorage, error) {
	db, err := sql.Open("sqlite3", file)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite3 database %w", err)
	}
	// a single connection serializes writers and keeps in-memory databases alive
	db.SetMaxOpenConns(1)

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}

	migrationDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", migrationDriver, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, fmt.Errorf("failed to run migrations %w", err)
	}

	gormDB, err := gorm.Open(gormsqlite.Dialector{DriverName: "sqlite3", Conn: db}, store.NewGormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open gorm on sqlite3 %w", err)
	}
	return store.NewGormSyncStorage(gormDB), nil
}
