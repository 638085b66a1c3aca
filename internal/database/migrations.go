package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/cv"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationStripInlinePhotos = "2026-10-01_strip_inline_photos"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB, *zap.Logger) error
}

func serverMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationStripInlinePhotos, apply: stripInlinePhotos},
	}
}

func applyMigrations(db *gorm.DB, migrations []migrationDefinition, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db, logger); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// stripInlinePhotos removes inline photo blobs stored before the server began
// rejecting them. Rows that do not decode are left untouched.
func stripInlinePhotos(db *gorm.DB, logger *zap.Logger) error {
	var records []cv.Record
	if err := db.Where("document_json LIKE ?", "%data:%").Find(&records).Error; err != nil {
		return err
	}
	for _, record := range records {
		stripped, changed, err := cv.StripInlinePhotoJSON(record.DocumentJSON)
		if err != nil {
			logger.Warn("skipping undecodable cv record", zap.String("record_id", record.RecordID), zap.Error(err))
			continue
		}
		if !changed {
			continue
		}
		if err := db.Model(&cv.Record{}).
			Where("record_id = ?", record.RecordID).
			Update("document_json", stripped).Error; err != nil {
			return err
		}
	}
	return nil
}
