package database

import (
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/noah-isme/gema-sync/internal/models"
)

// ConnectPostgres establishes a connection to the PostgreSQL database using the provided DSN.
func ConnectPostgres(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn must not be empty")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	return db, nil
}

// Open picks the driver from the DSN: postgres URLs and keyword DSNs go to
// Postgres, anything else is treated as a SQLite path.
func Open(dsn string) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	switch {
	case strings.HasPrefix(trimmed, "postgres://"), strings.HasPrefix(trimmed, "postgresql://"), strings.Contains(trimmed, "host="):
		return ConnectPostgres(trimmed)
	default:
		return ConnectSQLite(trimmed)
	}
}

// Migrate creates the development backend schema.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.ConversationMessage{}, &models.PostComment{}, &models.CommentLike{}); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}
