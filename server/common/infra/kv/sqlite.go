package kv

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Entry is one persisted snapshot row.
type Entry struct {
	Key       string `gorm:"column:entry_key;type:TEXT;primaryKey"`
	Value     []byte `gorm:"type:BLOB NOT NULL"`
	UpdatedAt time.Time
}

func (Entry) TableName() string { return "kv_entries" }

type SQLitePersister struct {
	db *gorm.DB
}

// OpenSQLite opens (creating if needed) the sqlite file at path. Use ":memory:"
// for an ephemeral database.
func OpenSQLite(path string) (*SQLitePersister, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("kv: open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("kv: sqlite handle: %w", err)
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Entry{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("kv: migrate sqlite: %w", err)
	}
	return &SQLitePersister{db: db}, nil
}

func (p *SQLitePersister) LoadAll(ctx context.Context) (map[string][]byte, error) {
	var rows []Entry
	if err := p.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("kv: load entries: %w", err)
	}
	out := make(map[string][]byte, len(rows))
	for _, row := range rows {
		out[row.Key] = row.Value
	}
	return out, nil
}

func (p *SQLitePersister) Save(ctx context.Context, key string, value []byte) error {
	row := Entry{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	err := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entry_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("kv: save %s: %w", key, err)
	}
	return nil
}

func (p *SQLitePersister) Delete(ctx context.Context, key string) error {
	if err := p.db.WithContext(ctx).Where("entry_key = ?", key).Delete(&Entry{}).Error; err != nil {
		return fmt.Errorf("kv: delete %s: %w", key, err)
	}
	return nil
}

func (p *SQLitePersister) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
