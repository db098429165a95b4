package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// AlertRecord is a persisted monitor alert, kept so operators can review
// pressure history after the in-memory ring has rolled over.
type AlertRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	Type       string    `gorm:"type:varchar(50);not null;index"`
	Severity   string    `gorm:"type:varchar(20);not null"`
	Message    string
	Value      float64
	Threshold  float64
	ObservedAt time.Time `gorm:"index"`
	CreatedAt  time.Time
}

// RecommendationRecord persists an optimization recommendation.
type RecommendationRecord struct {
	ID        uuid.UUID      `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	Category  string         `gorm:"type:varchar(50);not null;index"`
	Priority  string         `gorm:"type:varchar(20);not null"`
	Actions   pq.StringArray `gorm:"type:text[]"`
	CreatedAt time.Time      `gorm:"index"`
}
