package database

import (
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/jukebox/internal/credits"
	"github.com/MarcoPoloResearchLab/jukebox/internal/storage"
)

const (
	migrationMoveLegacyCreditKey = "2026-09-01_move_legacy_credit_key"
	migrationClampStoredCredits  = "2026-09-15_clamp_stored_credits"

	legacyCreditKey = "credits"
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

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationMoveLegacyCreditKey, apply: moveLegacyCreditKey},
		{name: migrationClampStoredCredits, apply: clampStoredCredits},
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

// moveLegacyCreditKey renames the pre-namespaced balance key unless the new key already exists.
func moveLegacyCreditKey(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var legacy storage.KVEntry
		err := tx.Where("entry_key = ?", legacyCreditKey).Take(&legacy).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var existing int64
		if err := tx.Model(&storage.KVEntry{}).Where("entry_key = ?", credits.StorageKey).Count(&existing).Error; err != nil {
			return err
		}
		if existing == 0 {
			moved := storage.KVEntry{Key: credits.StorageKey, Value: legacy.Value, UpdatedAtSeconds: time.Now().UTC().Unix()}
			if err := tx.Create(&moved).Error; err != nil {
				return err
			}
		}
		return tx.Where("entry_key = ?", legacyCreditKey).Delete(&storage.KVEntry{}).Error
	})
}

// clampStoredCredits rewrites an out-of-range or corrupt stored balance.
func clampStoredCredits(db *gorm.DB) error {
	var entry storage.KVEntry
	err := db.Where("entry_key = ?", credits.StorageKey).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	balance, parseErr := credits.ParseBalance(entry.Value)
	if parseErr != nil {
		balance = 0
	}
	normalized := strconv.Itoa(balance)
	if normalized == entry.Value {
		return nil
	}
	return db.Model(&storage.KVEntry{}).
		Where("entry_key = ?", credits.StorageKey).
		Updates(map[string]interface{}{"entry_value": normalized, "updated_at_s": time.Now().UTC().Unix()}).Error
}
