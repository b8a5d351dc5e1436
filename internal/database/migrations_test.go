package database

import (
	"errors"
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/jukebox/internal/credits"
	"github.com/MarcoPoloResearchLab/jukebox/internal/storage"
)

func openMigrationDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "migration.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&storage.KVEntry{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func storedValue(testContext *testing.T, database *gorm.DB, key string) (string, bool) {
	testContext.Helper()
	var entry storage.KVEntry
	err := database.Where("entry_key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false
	}
	if err != nil {
		testContext.Fatalf("failed to load %s: %v", key, err)
	}
	return entry.Value, true
}

func TestApplyMigrationsMovesLegacyCreditKey(testContext *testing.T) {
	database := openMigrationDatabase(testContext)
	if err := database.Create(&storage.KVEntry{Key: legacyCreditKey, Value: "17"}).Error; err != nil {
		testContext.Fatalf("failed to insert legacy entry: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	if value, ok := storedValue(testContext, database, credits.StorageKey); !ok || value != "17" {
		testContext.Fatalf("expected moved balance 17, got %q (present=%v)", value, ok)
	}
	if _, ok := storedValue(testContext, database, legacyCreditKey); ok {
		testContext.Fatalf("expected legacy key to be removed")
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationMoveLegacyCreditKey).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsKeepsNamespacedBalance(testContext *testing.T) {
	database := openMigrationDatabase(testContext)
	for _, entry := range []storage.KVEntry{
		{Key: legacyCreditKey, Value: "9"},
		{Key: credits.StorageKey, Value: "4"},
	} {
		if err := database.Create(&entry).Error; err != nil {
			testContext.Fatalf("failed to insert entry: %v", err)
		}
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}
	if value, _ := storedValue(testContext, database, credits.StorageKey); value != "4" {
		testContext.Fatalf("expected namespaced balance to win, got %q", value)
	}
}

func TestApplyMigrationsClampsStoredCredits(testContext *testing.T) {
	tests := []struct {
		stored string
		want   string
	}{
		{stored: "900", want: "255"},
		{stored: "-3", want: "0"},
		{stored: "garbage", want: "0"},
		{stored: "12", want: "12"},
	}
	for _, tt := range tests {
		testContext.Run(tt.stored, func(testContext *testing.T) {
			database := openMigrationDatabase(testContext)
			if err := database.Create(&storage.KVEntry{Key: credits.StorageKey, Value: tt.stored}).Error; err != nil {
				testContext.Fatalf("failed to insert entry: %v", err)
			}
			if err := applyMigrations(database, zap.NewNop()); err != nil {
				testContext.Fatalf("failed to apply migrations: %v", err)
			}
			if value, _ := storedValue(testContext, database, credits.StorageKey); value != tt.want {
				testContext.Fatalf("expected %q, got %q", tt.want, value)
			}
		})
	}
}

func TestApplyMigrationsRunsOnce(testContext *testing.T) {
	database := openMigrationDatabase(testContext)
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}
	if err := database.Create(&storage.KVEntry{Key: legacyCreditKey, Value: "5"}).Error; err != nil {
		testContext.Fatalf("failed to insert legacy entry: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to reapply migrations: %v", err)
	}
	if _, ok := storedValue(testContext, database, legacyCreditKey); !ok {
		testContext.Fatalf("expected recorded migration not to run again")
	}
	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count migrations: %v", err)
	}
	if count != 2 {
		testContext.Fatalf("expected 2 migration records, got %d", count)
	}
}

func TestOpenSQLiteMigratesSchema(testContext *testing.T) {
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "kiosk.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("unexpected open error: %v", err)
	}
	for _, table := range []string{"kv_entries", "diagnostic_logs", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s", table)
		}
	}
	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}
