package models

import "time"

// KBCategory groups knowledge base articles.
type KBCategory struct {
	ID        uint        `gorm:"primaryKey;autoIncrement"`
	Name      string      `gorm:"size:128;not null;uniqueIndex"`
	Position  int         `gorm:"default:0"`
	Articles  []KBArticle `gorm:"foreignKey:CategoryID"`
	CreatedAt time.Time
}

// KBArticle is a help article shown to requesters.
type KBArticle struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	CategoryID uint   `gorm:"not null;index"`
	Title      string `gorm:"size:256;not null"`
	Body       string `gorm:"type:text"`
	URL        string `gorm:"size:512"`
	Position   int    `gorm:"default:0"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
