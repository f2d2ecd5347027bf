package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Entry models one key-value row.
type Entry struct {
	Key              string `gorm:"column:entry_key;primaryKey;size:190;not null"`
	ValueJSON        string `gorm:"column:value_json;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "kv_entries"
}

// SQLStore implements Store on a SQLite table through GORM.
type SQLStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// OpenSQLite establishes a SQLite connection, migrates the schema and returns a SQLStore.
func OpenSQLite(path string, logger *zap.Logger) (*SQLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("storage: database path is required")
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

	if err := db.AutoMigrate(&Entry{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return NewSQLStore(db), nil
}

// NewSQLStore wraps an already migrated GORM handle.
func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db, clock: time.Now}
}

func (s *SQLStore) Get(ctx context.Context, key string, target any) (bool, error) {
	normalized, err := normalizeKey(key)
	if err != nil {
		return false, err
	}
	var entry Entry
	err = s.db.WithContext(ctx).Where("entry_key = ?", normalized).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: get %s: %w", normalized, err)
	}
	if err := decodeValue(normalized, []byte(entry.ValueJSON), target); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLStore) Set(ctx context.Context, key string, value any) error {
	return s.Apply(ctx, Put(key, value))
}

func (s *SQLStore) Remove(ctx context.Context, key string) error {
	return s.Apply(ctx, Delete(key))
}

func (s *SQLStore) Apply(ctx context.Context, writes ...Write) error {
	encoded, err := encodeWrites(writes)
	if err != nil {
		return err
	}
	now := s.clock().UTC().Unix()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, write := range encoded {
			if write.delete {
				if err := tx.Where("entry_key = ?", write.key).Delete(&Entry{}).Error; err != nil {
					return fmt.Errorf("storage: delete %s: %w", write.key, err)
				}
				continue
			}
			entry := Entry{Key: write.key, ValueJSON: string(write.payload), UpdatedAtSeconds: now}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "entry_key"}},
				DoUpdates: clause.AssignmentColumns([]string{"value_json", "updated_at_s"}),
			}).Create(&entry).Error
			if err != nil {
				return fmt.Errorf("storage: put %s: %w", write.key, err)
			}
		}
		return nil
	})
}

// Close closes the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
