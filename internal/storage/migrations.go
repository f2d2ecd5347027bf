package storage

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillEntryTimestamps = "2026-10-01_backfill_entry_timestamps"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

// entryMigrations run in order, each at most once per database.
var entryMigrations = []struct {
	name  string
	apply func(tx *gorm.DB, now time.Time) error
}{
	{name: migrationBackfillEntryTimestamps, apply: backfillEntryTimestamps},
}

// applyMigrations runs pending data migrations. A migration and its record commit together, so a
// failed migration is retried on the next open.
func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range entryMigrations {
		var applied int64
		if err := db.Model(&migrationRecord{}).Where("name = ?", migration.name).Count(&applied).Error; err != nil {
			return fmt.Errorf("storage: check migration %s: %w", migration.name, err)
		}
		if applied > 0 {
			continue
		}

		now := time.Now().UTC()
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx, now); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: now.Unix()}).Error
		})
		if err != nil {
			return fmt.Errorf("storage: apply migration %s: %w", migration.name, err)
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillEntryTimestamps stamps rows written before updated_at_s existed.
func backfillEntryTimestamps(tx *gorm.DB, now time.Time) error {
	return tx.Model(&Entry{}).
		Where("updated_at_s = 0").
		Update("updated_at_s", now.Unix()).Error
}
