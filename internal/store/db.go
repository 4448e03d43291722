// Package store keeps received files on disk and records them in SQLite.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type ReceivedFile struct {
	ID         uint   `gorm:"primaryKey"`
	PeerID     string `gorm:"index"`
	Name       string
	StoredPath string
	Size       int64
	Checksum   string `gorm:"index"`
	ReceivedAt time.Time
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
		Logger:      logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	if err := db.AutoMigrate(&ReceivedFile{}); err != nil {
		return nil, fmt.Errorf("migrating %s: %w", path, err)
	}
	return db, nil
}

func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
