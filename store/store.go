// Package store persists documents, chunks and conversation turns behind the
// ports the retrieval core defines. It is the only package that talks to the
// relational database.
package store

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Store wraps the database handle and exposes the document, chunk and
// conversation repositories.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects to the SQLite database at dsn (":memory:" works for tests)
// and migrates the schema.
func Open(dsn string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(
		&Document{},
		&DocumentChunk{},
		&ConversationTurn{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	logger.Info("database ready", zap.String("dsn", dsn))
	return &Store{db: db, logger: logger}, nil
}

// DB exposes the underlying handle for callers that need raw access.
func (s *Store) DB() *gorm.DB { return s.db }

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
