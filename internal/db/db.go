package db

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/clanforge/timekeep/internal/models"
)

// Open sets up the database connection at path and runs migrations.
// The handle is returned rather than stored in a package global so
// each test can open its own isolated store.
func Open(path string) (*gorm.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	handle, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent), // Quiet by default
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// sqlite allows a single writer; one pooled connection serializes
	// transactions instead of surfacing SQLITE_BUSY to callers.
	sqlDB, err := handle.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := runMigrations(handle); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return handle, nil
}

// runMigrations creates/updates the database schema
func runMigrations(handle *gorm.DB) error {
	return handle.AutoMigrate(
		&models.Member{},
		&models.TimeRequest{},
		&models.TimeSession{},
		&models.TimeSegment{},
		&models.AuditEntry{},
	)
}

// Close closes the underlying connection of a gorm handle.
func Close(handle *gorm.DB) error {
	if handle == nil {
		return nil
	}
	sqlDB, err := handle.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
