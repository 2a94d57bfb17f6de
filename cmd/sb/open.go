package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/kb"
	"github.com/zulandar/switchboard/internal/relay"
	"github.com/zulandar/switchboard/internal/storage"
	"gorm.io/gorm"
)

// openStorage returns the snapshot backend selected by cfg and a close func
// that is always safe to call.
func openStorage(cfg config.StorageConfig) (relay.Storage, func(), error) {
	if cfg.Driver == "file" {
		fs, err := storage.NewFileStorage(cfg.Path)
		if err != nil {
			return nil, func() {}, err
		}
		return fs, func() {}, nil
	}

	gormDB, err := db.Connect(cfg.Driver, cfg.Path, cfg.DSN)
	if err != nil {
		return nil, func() {}, fmt.Errorf("connect storage: %w", err)
	}
	closeDB := func() { db.Close(gormDB) }
	if err := db.AutoMigrate(gormDB); err != nil {
		closeDB()
		return nil, func() {}, err
	}
	ds, err := storage.NewDBStorage(gormDB)
	if err != nil {
		closeDB()
		return nil, func() {}, err
	}
	return ds, closeDB, nil
}

// openKnowledgeDB connects and migrates the knowledge base database.
func openKnowledgeDB(cfg config.DatabaseConfig) (*gorm.DB, error) {
	if cfg.Driver == "" {
		return nil, fmt.Errorf("knowledge_base.driver is not configured")
	}
	gormDB, err := db.Connect(cfg.Driver, cfg.Path, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect knowledge base: %w", err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		db.Close(gormDB)
		return nil, err
	}
	return gormDB, nil
}

// openKnowledgeBase returns nil when no knowledge base is configured.
func openKnowledgeBase(cfg config.DatabaseConfig) (relay.KnowledgeBase, func(), error) {
	if cfg.Driver == "" {
		return nil, func() {}, nil
	}
	gormDB, err := openKnowledgeDB(cfg)
	if err != nil {
		return nil, func() {}, err
	}
	store, err := kb.NewStore(gormDB)
	if err != nil {
		db.Close(gormDB)
		return nil, func() {}, err
	}
	return store, func() { db.Close(gormDB) }, nil
}

// newLogger builds the process logger. Logs go to w as text so they stay
// separate from command output.
func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}
