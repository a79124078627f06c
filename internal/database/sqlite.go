package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/dotmap/internal/markers"
	"github.com/MarcoPoloResearchLab/dotmap/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// OpenSQLite opens the API database, migrates the marker, community and identity schema and
// applies pending data migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := Open(path, logger, &markers.Marker{}, &markers.Community{}, &users.Identity{}, &migrationRecord{})
	if err != nil {
		return nil, err
	}
	if err := applyMigrations(db, logger, serverMigrations()); err != nil {
		return nil, err
	}
	return db, nil
}

// Open establishes a single-connection SQLite handle and auto-migrates models.
func Open(path string, logger *zap.Logger, models ...interface{}) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if len(models) > 0 {
		if err := db.AutoMigrate(models...); err != nil {
			return nil, err
		}
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}
	return db, nil
}
