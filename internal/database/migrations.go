package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillObjectPublicIDs = "2026-07-18_backfill_transaction_object_public_ids"

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

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillObjectPublicIDs, apply: backfillObjectPublicIDs},
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

// backfillObjectPublicIDs fills the denormalized object id on log entries
// written before the column existed, reading it out of the stored snapshot.
// Delete entries carry no snapshot and keep an empty object id.
func backfillObjectPublicIDs(db *gorm.DB) error {
	return db.Exec(
		"UPDATE transactions " +
			"SET object_public_id = json_extract(snapshot, '$.id') " +
			"WHERE object_public_id = '' AND snapshot <> '' " +
			"AND json_extract(snapshot, '$.id') IS NOT NULL",
	).Error
}
