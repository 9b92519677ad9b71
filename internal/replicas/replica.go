package replicas

import (
	"strings"
	"time"
)

// Replica records a source replica that has delivered sync batches.
type Replica struct {
	SourceID    string    `gorm:"column:source_id;primaryKey;size:190;not null" json:"source_id"`
	BatchCount  int64     `gorm:"column:batch_count;not null" json:"batch_count"`
	FirstSeenAt time.Time `gorm:"column:first_seen_at;not null" json:"first_seen_at"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;not null" json:"last_seen_at"`
}

// TableName exposes the table backing known replicas.
func (Replica) TableName() string {
	return "sync_replicas"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
