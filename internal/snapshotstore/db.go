package snapshotstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/codeorc/orchestrator/internal/snapshotstore/models"
)

// newDBConnection opens (creating if absent) the sqlite database at dsn
// and migrates its schema.
func newDBConnection(dsn string) (*gorm.DB, error) {
	if dir := filepath.Dir(dsn); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create snapshot store dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}

	if err := db.AutoMigrate(&models.SessionSnapshotModel{}); err != nil {
		return nil, fmt.Errorf("migrate snapshot store: %w", err)
	}
	return db, nil
}
