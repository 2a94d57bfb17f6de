package models

import "time"

// Document is a named JSON snapshot of in-memory state, overwritten on
// every flush.
type Document struct {
	Name      string `gorm:"primaryKey;size:64"`
	Body      string `gorm:"type:longtext"`
	UpdatedAt time.Time
}
