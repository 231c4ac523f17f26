package db

import (
	"fmt"
	"log"

	"coderoom/internal/config"
	"coderoom/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormDB wraps the GORM database instance
type GormDB struct {
	*gorm.DB
}

// NewGorm connects to Postgres and migrates the room file and chat tables.
// The hub persists every file create, delete and content save through it.
func NewGorm(cfg *config.Config) (*GormDB, error) {
	// Configure GORM with its default logger. Warn keeps slow queries and
	// errors but not every statement.
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Auto-migrate schema. GORM creates or extends the tables from the model
	// structs; columns are never dropped.
	if err := db.AutoMigrate(
		&models.RoomFile{},
		&models.ChatMessage{},
	); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Println("✓ Database connected and migrated successfully")

	return &GormDB{db}, nil
}

// Close closes the database connection
func (db *GormDB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
