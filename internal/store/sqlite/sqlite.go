// Package sqlite is the gorm/SQLite implementation of store.Store, used for
// single-node deployments, local runs and tests.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"serotonyl.ru/qvote/internal/models"
	"serotonyl.ru/qvote/internal/store"
)

// Store implements store.Store on a single SQLite connection.
type Store struct {
	queries
	db *gorm.DB
}

var _ store.Store = (*Store)(nil)

type queries struct {
	db *gorm.DB
}

// Open creates the store. An empty path gives a private in-memory database,
// so every test gets a fresh one.
func Open(path string) (*Store, error) {
	var dsn string
	if path == "" {
		dsn = fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	} else {
		dir := filepath.Dir(path)
		if _, err := os.Stat(dir); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read data dir: %w", err)
			}
			if err := os.MkdirAll(dir, fs.ModePerm); err != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
		}
		// WAL journal mode, wait on a locked database instead of failing
		dsn = fmt.Sprintf(
			"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)",
			path,
		)
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite has a single writer; one connection serializes every statement
	// and keeps the in-memory database alive.
	sqlDB.SetMaxOpenConns(1)

	for _, model := range models.MigrateModels {
		log.Debugf("creating table: %T", model)
		if err := db.AutoMigrate(model); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("migrate %T: %w", model, err)
		}
	}
	return &Store{queries: queries{db: db}, db: db}, nil
}

// InTx runs fn in a gorm transaction. fn must only use the Queries it is
// given: with one connection any other call would wait forever.
func (s *Store) InTx(ctx context.Context, fn func(q store.Queries) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&queries{db: tx})
	})
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error, as error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return as
	}
	return err
}
