package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeMarkerScope = "2026-10-01_normalize_marker_scope"
	migrationTrimMarkerOwners     = "2026-10-01_trim_marker_owners"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func serverMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationNormalizeMarkerScope, apply: normalizeMarkerScope},
		{name: migrationTrimMarkerOwners, apply: trimMarkerOwners},
	}
}

func applyMigrations(db *gorm.DB, logger *zap.Logger, migrations []migrationDefinition) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Global markers are keyed by the empty community id; older rows may carry NULL.
func normalizeMarkerScope(db *gorm.DB) error {
	return db.Exec("UPDATE markers SET community_id = '' WHERE community_id IS NULL").Error
}

func trimMarkerOwners(db *gorm.DB) error {
	return db.Exec("UPDATE markers SET owner_id = trim(owner_id) WHERE owner_id <> trim(owner_id)").Error
}
