// Package storage provides durable backends for the relay session store
// snapshots: JSON files in a directory, or rows in a database table.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/relay"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// validName rejects document names that could escape the storage root.
func validName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("storage: invalid document name %q", name)
	}
	return nil
}

// FileStorage keeps each document as <dir>/<name>.json. Saves are atomic:
// data is written to a temporary file unique to the call, synced, then
// renamed over the previous version. Concurrent saves of one document never
// share a temporary file; the last rename wins.
type FileStorage struct {
	dir string
}

// NewFileStorage creates the directory if needed.
func NewFileStorage(dir string) (*FileStorage, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage: directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", dir, err)
	}
	return &FileStorage{dir: dir}, nil
}

func (s *FileStorage) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Load returns nil data when the document has never been saved.
func (s *FileStorage) Load(ctx context.Context, name string) ([]byte, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", name, err)
	}
	return data, nil
}

// Save atomically replaces a document.
func (s *FileStorage) Save(ctx context.Context, name string, data []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	path := s.path(name)

	file, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("storage: create temporary file for %s: %w", name, err)
	}
	tmp := file.Name()
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("storage: write %s: %w", name, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("storage: sync %s: %w", name, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("storage: close %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("storage: replace %s: %w", name, err)
	}
	return nil
}

// DBStorage keeps documents in the documents table.
type DBStorage struct {
	db *gorm.DB
}

// NewDBStorage wraps a migrated GORM handle.
func NewDBStorage(db *gorm.DB) (*DBStorage, error) {
	if db == nil {
		return nil, fmt.Errorf("storage: db is required")
	}
	return &DBStorage{db: db}, nil
}

// Load returns nil data when the document has never been saved.
func (s *DBStorage) Load(ctx context.Context, name string) ([]byte, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	var doc models.Document
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: load %s: %w", name, err)
	}
	return []byte(doc.Body), nil
}

// Save upserts a document.
func (s *DBStorage) Save(ctx context.Context, name string, data []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	doc := models.Document{Name: name, Body: string(data), UpdatedAt: time.Now()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"body", "updated_at"}),
	}).Create(&doc).Error
	if err != nil {
		return fmt.Errorf("storage: save %s: %w", name, err)
	}
	return nil
}

var (
	_ relay.Storage = (*FileStorage)(nil)
	_ relay.Storage = (*DBStorage)(nil)
)
