package storage

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/jukebox/internal/ids"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultLogRetention = 500
	defaultLogPageSize  = 100
)

var errMissingIDProvider = errors.New("storage: id provider is required")

// DiagnosticLog is one persisted diagnostic line.
type DiagnosticLog struct {
	LogID           string `gorm:"column:log_id;primaryKey;size:64;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null;index:idx_diagnostic_logs_created"`
	Event           string `gorm:"column:event;size:64;not null"`
	Level           string `gorm:"column:level;size:16;not null"`
	Source          string `gorm:"column:source;size:64;not null;default:''"`
	Code            string `gorm:"column:code;size:64;not null;default:''"`
	Message         string `gorm:"column:message;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DiagnosticLog) TableName() string {
	return "diagnostic_logs"
}

// LogStoreConfig configures a LogStore.
type LogStoreConfig struct {
	Database   *gorm.DB
	IDProvider ids.Provider
	Clock      func() time.Time
	Retention  int
	Logger     *zap.Logger
}

// LogStore persists diagnostic lines and keeps only the newest Retention rows.
type LogStore struct {
	db         *gorm.DB
	idProvider ids.Provider
	clock      func() time.Time
	retention  int
	logger     *zap.Logger
}

// NewLogStore constructs a LogStore on an already migrated database.
func NewLogStore(cfg LogStoreConfig) (*LogStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultLogRetention
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogStore{
		db:         cfg.Database,
		idProvider: cfg.IDProvider,
		clock:      clock,
		retention:  retention,
		logger:     logger,
	}, nil
}

// Append stores entry, filling LogID and CreatedAtMillis when unset, then prunes old rows.
func (s *LogStore) Append(ctx context.Context, entry DiagnosticLog) (DiagnosticLog, error) {
	if entry.LogID == "" {
		id, err := s.idProvider.NewID()
		if err != nil {
			return DiagnosticLog{}, err
		}
		entry.LogID = id
	}
	if entry.CreatedAtMillis == 0 {
		entry.CreatedAtMillis = s.clock().UTC().UnixMilli()
	}
	if entry.Level == "" {
		entry.Level = "info"
	}
	db := s.db.WithContext(ctx)
	if err := db.Create(&entry).Error; err != nil {
		return DiagnosticLog{}, err
	}
	keep := db.Model(&DiagnosticLog{}).
		Select("log_id").
		Order("created_at_ms DESC, log_id DESC").
		Limit(s.retention)
	if err := db.Where("log_id NOT IN (?)", keep).Delete(&DiagnosticLog{}).Error; err != nil {
		s.logger.Warn("diagnostic log pruning failed", zap.Error(err))
	}
	return entry, nil
}

// List returns up to limit rows, newest first.
func (s *LogStore) List(ctx context.Context, limit int) ([]DiagnosticLog, error) {
	if limit <= 0 {
		limit = defaultLogPageSize
	}
	if limit > s.retention {
		limit = s.retention
	}
	var logs []DiagnosticLog
	if err := s.db.WithContext(ctx).
		Order("created_at_ms DESC, log_id DESC").
		Limit(limit).
		Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}
