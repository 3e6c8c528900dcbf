// Package store is the gorm-backed persistence layer for the sandbox
// ledger. It owns the database connection and the per-user write lock
// that every component mutating Orders/Positions/Holdings/Funds must hold.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/algosandbox/core/internal/models"
)

// Store wraps a gorm.DB and a table of per-user locks.
type Store struct {
	DB *gorm.DB

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Open connects to dsn, choosing Postgres when it looks like a connection
// URL and falling back to sqlite (file or ":memory:") otherwise, the same
// dispatch the teacher repo uses for its own gorm-backed store.
func Open(dsn string) (*Store, error) {
	var db *gorm.DB
	var err error

	gcfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), gcfg)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		log.Info().Msg("sandbox store connected (postgres)")
	} else {
		if dsn != ":memory:" {
			if dir := filepath.Dir(dsn); dir != "." {
				if err := os.MkdirAll(dir, 0755); err != nil {
					return nil, fmt.Errorf("mkdir %s: %w", dir, err)
				}
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), gcfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		log.Info().Str("dsn", dsn).Msg("sandbox store connected (sqlite)")
	}

	if err := db.AutoMigrate(
		&models.Order{},
		&models.Trade{},
		&models.Position{},
		&models.Holding{},
		&models.Funds{},
		&models.ConfigEntry{},
	); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}

	return &Store{DB: db, locks: make(map[string]*sync.Mutex)}, nil
}

// Lock returns the mutex guarding all writes for a given user, creating it
// on first use. Callers fetch quotes BEFORE acquiring this lock (spec §5).
func (s *Store) Lock(userID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	m, ok := s.locks[userID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[userID] = m
	}
	return m
}

// WithUserLock runs fn with the named user's write lock held.
func (s *Store) WithUserLock(userID string, fn func() error) error {
	lock := s.Lock(userID)
	lock.Lock()
	defer lock.Unlock()
	return fn()
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
