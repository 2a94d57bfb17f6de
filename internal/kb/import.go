package kb

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/zulandar/switchboard/internal/models"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// File is the YAML layout of a knowledge base export.
type File struct {
	Categories []CategoryFile `yaml:"categories"`
}

// CategoryFile is one category and its articles, in display order.
type CategoryFile struct {
	Name     string        `yaml:"name"`
	Articles []ArticleFile `yaml:"articles"`
}

// ArticleFile is one article.
type ArticleFile struct {
	Title string `yaml:"title"`
	Body  string `yaml:"body"`
	URL   string `yaml:"url"`
}

// ImportResult counts what an import wrote.
type ImportResult struct {
	Categories int
	Articles   int
}

// Parse decodes and validates a knowledge base file.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("kb: parse: %w", err)
	}
	var errs []string
	seen := make(map[string]bool)
	for i, c := range f.Categories {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			errs = append(errs, fmt.Sprintf("categories[%d].name is required", i))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Sprintf("category %q is listed twice", name))
		}
		seen[name] = true
		for j, a := range c.Articles {
			if strings.TrimSpace(a.Title) == "" {
				errs = append(errs, fmt.Sprintf("%s.articles[%d].title is required", name, j))
			}
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("kb: validation failed: %s", strings.Join(errs, "; "))
	}
	return &f, nil
}

// ImportFile reads a YAML file and imports it.
func ImportFile(ctx context.Context, db *gorm.DB, path string) (ImportResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ImportResult{}, fmt.Errorf("kb: read %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return ImportResult{}, err
	}
	return Import(ctx, db, f)
}

// Import upserts categories by name and replaces each listed category's
// articles. Categories absent from the file are left untouched.
func Import(ctx context.Context, db *gorm.DB, f *File) (ImportResult, error) {
	var res ImportResult
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, c := range f.Categories {
			name := strings.TrimSpace(c.Name)
			var cat models.KBCategory
			if err := tx.Where(models.KBCategory{Name: name}).
				Assign(map[string]interface{}{"position": i}).
				FirstOrCreate(&cat).Error; err != nil {
				return fmt.Errorf("kb: upsert category %q: %w", name, err)
			}
			if err := tx.Where("category_id = ?", cat.ID).Delete(&models.KBArticle{}).Error; err != nil {
				return fmt.Errorf("kb: clear articles of %q: %w", name, err)
			}
			for j, a := range c.Articles {
				art := models.KBArticle{
					CategoryID: cat.ID,
					Title:      strings.TrimSpace(a.Title),
					Body:       strings.TrimSpace(a.Body),
					URL:        a.URL,
					Position:   j,
				}
				if err := tx.Create(&art).Error; err != nil {
					return fmt.Errorf("kb: create article %q: %w", art.Title, err)
				}
				res.Articles++
			}
			res.Categories++
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, err
	}
	return res, nil
}
