// Package store is the persistence layer: device registry and append-only
// reading history over GORM/SQLite.
package store

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB wraps the shared GORM handle.
type DB struct {
	orm *gorm.DB
}

// Open opens (or creates) the database at dsn and migrates the schema.
func Open(dsn string) (*DB, error) {
	orm, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", dsn, err)
	}
	if err := orm.AutoMigrate(&Device{}, &Reading{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &DB{orm: orm}, nil
}

// Close releases the underlying SQL handle.
func (d *DB) Close() error {
	sqlDB, err := d.orm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
