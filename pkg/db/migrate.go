package db

import (
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Migrate creates or updates the tables backing models. On postgres the
// pgvector extension is installed first so vector columns can be created.
func Migrate(db *gorm.DB, models ...any) error {
	if db.Dialector.Name() == "postgres" {
		if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
			return fmt.Errorf("create vector extension: %w", err)
		}
	}
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	zap.L().Info("✅ schema migrated", zap.Int("models", len(models)))
	return nil
}
