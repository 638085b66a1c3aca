package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/cv"
	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/localstore"
	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite opens the API server database and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&cv.Record{}, &users.Identity{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, serverMigrations(), logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// OpenLocal opens the sync agent's device-local database.
func OpenLocal(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(localstore.Models()...); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("local database initialized", zap.String("path", path))
	}

	return db, nil
}

func open(path string) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}
