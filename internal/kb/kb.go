// Package kb serves the knowledge base from a GORM database and imports it
// from YAML.
package kb

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/relay"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store implements relay.KnowledgeBase.
type Store struct {
	db *gorm.DB
}

// NewStore wraps a migrated GORM handle.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("kb: db is required")
	}
	return &Store{db: db}, nil
}

// Categories lists all categories in display order.
func (s *Store) Categories(ctx context.Context) ([]relay.Category, error) {
	var rows []models.KBCategory
	if err := s.db.WithContext(ctx).Order("position, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("kb: list categories: %w", err)
	}
	out := make([]relay.Category, 0, len(rows))
	for _, r := range rows {
		out = append(out, relay.Category{ID: int(r.ID), Name: r.Name})
	}
	return out, nil
}

// Articles lists a category's articles. An unknown category is
// relay.ErrNotFound.
func (s *Store) Articles(ctx context.Context, categoryID int) ([]relay.Article, error) {
	db := s.db.WithContext(ctx)
	var cat models.KBCategory
	if err := db.First(&cat, categoryID).Error; err != nil {
		return nil, notFound(fmt.Sprintf("category %d", categoryID), err)
	}

	var rows []models.KBArticle
	if err := db.Where("category_id = ?", cat.ID).Order("position, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("kb: list articles of %d: %w", categoryID, err)
	}
	return toArticles(rows), nil
}

// Article fetches one article.
func (s *Store) Article(ctx context.Context, id int) (relay.Article, error) {
	var row models.KBArticle
	if err := s.db.WithContext(ctx).First(&row, id).Error; err != nil {
		return relay.Article{}, notFound(fmt.Sprintf("article %d", id), err)
	}
	return toArticle(row), nil
}

// Search matches the query case-insensitively against titles and bodies.
// Title matches rank first.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]relay.Article, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	like := "%" + query + "%"

	var rows []models.KBArticle
	err := s.db.WithContext(ctx).
		Where("LOWER(title) LIKE ? OR LOWER(body) LIKE ?", like, like).
		Order(clause.OrderBy{Expression: clause.Expr{
			SQL:                "CASE WHEN LOWER(title) LIKE ? THEN 0 ELSE 1 END, position, id",
			Vars:               []interface{}{like},
			WithoutParentheses: true,
		}}).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("kb: search: %w", err)
	}
	return toArticles(rows), nil
}

func notFound(what string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("kb: %s: %w", what, relay.ErrNotFound)
	}
	return fmt.Errorf("kb: load %s: %w", what, err)
}

func toArticle(r models.KBArticle) relay.Article {
	return relay.Article{
		ID:         int(r.ID),
		CategoryID: int(r.CategoryID),
		Title:      r.Title,
		Body:       r.Body,
		URL:        r.URL,
	}
}

func toArticles(rows []models.KBArticle) []relay.Article {
	out := make([]relay.Article, 0, len(rows))
	for _, r := range rows {
		out = append(out, toArticle(r))
	}
	return out
}

var _ relay.KnowledgeBase = (*Store)(nil)
