package datastore

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/flywheel-ml/flywheel/internal/logging"
)

// performAutoMigration automates database migrations with error handling.
func performAutoMigration(db *gorm.DB, debug bool, dbType, connectionInfo string) error {
	migrationStart := time.Now()
	migrationLogger := logging.ForService("datastore").With("db_type", dbType)

	if debug {
		migrationLogger.Debug("Starting database migration", "connection", connectionInfo)
	}

	if err := db.AutoMigrate(
		&ModelVersion{},
		&RegistryState{},
		&LabelRecord{},
		&LabelUsage{},
		&EventRecord{},
	); err != nil {
		return fmt.Errorf("failed to auto-migrate %s database: %w", dbType, err)
	}

	if debug {
		migrationLogger.Debug("Database migration completed",
			"duration", time.Since(migrationStart))
	}

	return nil
}

// closeDB closes the underlying sql.DB of a gorm handle.
func closeDB(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to access underlying database handle: %w", err)
	}
	return sqlDB.Close()
}
